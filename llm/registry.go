package llm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/flowmesh/gateway/types"
)

// Provenance records where a registered provider adapter came from, for
// audit and debugging - which plugin/build registered it and when its
// version was introduced relative to siblings under the same id.
type Provenance struct {
	RegisteredBy string // plugin or subsystem name that called Register
	Version      string
}

// versionedEntry is one (version -> provider) pairing kept under a
// provider id. Entries are never removed on a new Register of a newer
// version; Unregister drops a specific version or the whole id.
type versionedEntry struct {
	provider   Provider
	provenance Provenance
}

// ProviderRegistry is a thread-safe registry for managing multiple LLM
// providers. Providers are keyed by id; a single id may carry several
// versions, stored in an ordered map and shadowed so that Get(id) always
// resolves to the highest version unless an exact version is requested.
type ProviderRegistry struct {
	// entries[id][version] = versionedEntry
	entries         map[string]map[string]versionedEntry
	latestVersion   map[string]string // id -> highest registered version
	defaultProvider string
	mu              sync.RWMutex
}

// NewProviderRegistry creates an empty ProviderRegistry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		entries:       make(map[string]map[string]versionedEntry),
		latestVersion: make(map[string]string),
	}
}

// unversionedID is used for providers registered through Register(name,
// p) that don't implement CapabilityProvider - they have no declared
// version, so they're shadowed under a synthetic "v0" slot.
const unversionedVersion = "v0"

// Register adds a provider to the registry under the given id at its
// declared version (v0 if it does not implement CapabilityProvider).
// Registering the same id again at a higher version shadows Get(id)
// to that version; the prior version remains retrievable via
// GetVersion(id, oldVersion).
func (r *ProviderRegistry) Register(id string, p Provider) {
	r.RegisterWithProvenance(id, p, Provenance{})
}

// RegisterWithProvenance is Register plus an explicit provenance record,
// used by plugin-driven registration where the caller knows which
// subsystem is installing the adapter.
func (r *ProviderRegistry) RegisterWithProvenance(id string, p Provider, prov Provenance) {
	version := unversionedVersion
	if cp, ok := p.(CapabilityProvider); ok {
		if v := cp.Version(); v != "" {
			version = v
		}
	}
	prov.Version = version

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries[id] == nil {
		r.entries[id] = make(map[string]versionedEntry)
	}
	r.entries[id][version] = versionedEntry{provider: p, provenance: prov}

	if cur, ok := r.latestVersion[id]; !ok || version > cur {
		r.latestVersion[id] = version
	}
}

// Get retrieves the highest-version provider registered under id.
func (r *ProviderRegistry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	latest, ok := r.latestVersion[id]
	if !ok {
		return nil, false
	}
	e, ok := r.entries[id][latest]
	return e.provider, ok
}

// GetVersion retrieves a specific version of the provider registered
// under id. An empty version behaves like Get.
func (r *ProviderRegistry) GetVersion(id, version string) (Provider, bool) {
	if version == "" {
		return r.Get(id)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	e, ok := versions[version]
	return e.provider, ok
}

// Versions returns the sorted list of versions registered under id.
func (r *ProviderRegistry) Versions(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.entries[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Default returns the default provider.
// Returns an error if no default has been set or the default id is not registered.
func (r *ProviderRegistry) Default() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultProvider == "" {
		return nil, fmt.Errorf("no default provider set")
	}
	latest, ok := r.latestVersion[r.defaultProvider]
	if !ok {
		return nil, fmt.Errorf("default provider %q not found in registry", r.defaultProvider)
	}
	return r.entries[r.defaultProvider][latest].provider, nil
}

// SetDefault designates an existing registered provider id as the default.
// Returns an error if the id is not registered.
func (r *ProviderRegistry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.latestVersion[id]; !ok {
		return fmt.Errorf("provider %q not registered", id)
	}
	r.defaultProvider = id
	return nil
}

// List returns the sorted ids of all registered providers.
func (r *ProviderRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListCapable returns the ids (at their latest version) of registered
// providers that support modelID for the given tenant. Providers that
// do not implement CapabilityProvider are always included, since they
// have no declared restriction to evaluate.
func (r *ProviderRegistry) ListCapable(modelID string, tenant *types.TenantContext) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, latest := range r.latestVersion {
		p := r.entries[id][latest].provider
		if cp, ok := p.(CapabilityProvider); ok {
			if !cp.Supports(modelID, tenant) {
				continue
			}
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Provenance returns the provenance record for the highest registered
// version under id.
func (r *ProviderRegistry) ProviderProvenance(id string) (Provenance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	latest, ok := r.latestVersion[id]
	if !ok {
		return Provenance{}, false
	}
	return r.entries[id][latest].provenance, true
}

// Unregister removes every version of a provider id from the registry.
// If the removed id was the default, the default is cleared.
func (r *ProviderRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	delete(r.latestVersion, id)
	if r.defaultProvider == id {
		r.defaultProvider = ""
	}
}

// Len returns the number of registered provider ids (not versions).
func (r *ProviderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

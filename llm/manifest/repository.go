// Package manifest resolves a caller-facing model id to the
// ModelManifest describing which provider(s) and versions can serve
// it, backed by the gateway's many-to-many model/provider tables.
package manifest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/flowmesh/gateway/llm"
	"github.com/flowmesh/gateway/llm/router"
	"github.com/flowmesh/gateway/types"
)

// ModelRepository resolves model ids to ModelManifests, reading the
// many-to-many model/provider mapping the gorm-backed legacy router
// used to query directly.
type ModelRepository struct {
	db     *gorm.DB
	logger *zap.Logger

	cacheTTL time.Duration
	mu       sync.RWMutex
	cache    map[string]cacheEntry
}

type cacheEntry struct {
	manifest  *types.ModelManifest
	expiresAt time.Time
}

// DefaultCacheTTL bounds how long a resolved manifest is reused before
// the next Resolve re-reads the database, so a newly disabled model or
// provider takes effect within one TTL window rather than never.
const DefaultCacheTTL = 30 * time.Second

// NewModelRepository creates a ModelRepository backed by db.
func NewModelRepository(db *gorm.DB, logger *zap.Logger) *ModelRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelRepository{
		db:       db,
		logger:   logger.With(zap.String("component", "model_repository")),
		cacheTTL: DefaultCacheTTL,
		cache:    make(map[string]cacheEntry),
	}
}

// Resolve returns the ModelManifest for modelID, consulting the cache
// first and falling back to a database read on miss or expiry.
func (r *ModelRepository) Resolve(ctx context.Context, modelID string) (*types.ModelManifest, error) {
	if m, ok := r.fromCache(modelID); ok {
		return m, nil
	}

	var model llm.LLMModel
	if err := r.db.WithContext(ctx).
		Where("model_name = ? AND enabled = TRUE", modelID).
		First(&model).Error; err != nil {
		return nil, fmt.Errorf("resolve model %q: %w", modelID, types.NewError(types.ErrModelNotFound, err.Error()))
	}

	var mappings []llm.LLMProviderModel
	if err := r.db.WithContext(ctx).
		Table("sc_llm_provider_models").
		Select("sc_llm_provider_models.*, p.code as provider_code, p.status as provider_status").
		Joins("JOIN sc_llm_providers p ON p.id = sc_llm_provider_models.provider_id").
		Where("sc_llm_provider_models.model_id = ? AND sc_llm_provider_models.enabled = TRUE AND p.status = ?",
			model.ID, llm.LLMProviderStatusActive).
		Order("sc_llm_provider_models.priority ASC").
		Find(&mappings).Error; err != nil {
		return nil, fmt.Errorf("resolve provider versions for %q: %w", modelID, err)
	}

	manifest := buildManifest(model, mappings)
	r.storeCache(modelID, manifest)
	return manifest, nil
}

func buildManifest(model llm.LLMModel, mappings []llm.LLMProviderModel) *types.ModelManifest {
	versions := make(map[string]*types.ModelVersion, len(mappings))
	var defaultVersion string
	var costIn, costOut float64

	for i, m := range mappings {
		version := m.RemoteModelName
		if version == "" {
			version = fmt.Sprintf("v%d", m.ID)
		}
		versions[version] = &types.ModelVersion{
			Version:    version,
			ProviderID: m.Provider.Code,
			Format:     providerFormat(m.Provider.Code),
			Metadata: map[string]string{
				"remote_model_name": m.RemoteModelName,
			},
		}
		if i == 0 {
			defaultVersion = version
			costIn = m.PriceInput
			costOut = m.PriceCompletion
		}
	}

	return &types.ModelManifest{
		ID:                 model.ModelName,
		DisplayName:        model.DisplayName,
		Versions:           versions,
		DefaultVersion:     defaultVersion,
		SupportsStreaming:  true,
		SupportsTools:      true,
		CostPerInputToken:  costIn,
		CostPerOutputToken: costOut,
		Local:              len(versions) == 0,
	}
}

// providerFormat maps a provider code to the wire format its adapter
// speaks, mirroring the Formats each CapabilityProvider reports.
func providerFormat(providerCode string) string {
	switch providerCode {
	case "anthropic":
		return "anthropic-messages"
	case "localrunner":
		return "gguf"
	default:
		return "openai-chat"
	}
}

func (r *ModelRepository) fromCache(modelID string) (*types.ModelManifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[modelID]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.manifest, true
}

func (r *ModelRepository) storeCache(modelID string, manifest *types.ModelManifest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[modelID] = cacheEntry{manifest: manifest, expiresAt: time.Now().Add(r.cacheTTL)}
}

// Invalidate drops modelID's cached manifest, forcing the next Resolve
// to re-read the database immediately.
func (r *ModelRepository) Invalidate(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, modelID)
}

// CandidatesFor implements router.CandidateSource, letting GatewayRouter
// rank the same provider versions Resolve exposes to callers. Router
// candidate lookups have no context in their signature, so a lookup here
// uses a background context - this only ever hits the warm cache in
// practice, since Engine.route calls Resolve for the same model id first.
func (r *ModelRepository) CandidatesFor(modelID string) []router.ModelCandidateRef {
	m, err := r.Resolve(context.Background(), modelID)
	if err != nil {
		r.logger.Warn("candidate lookup failed", zap.String("model_id", modelID), zap.Error(err))
		return nil
	}

	out := make([]router.ModelCandidateRef, 0, len(m.Versions))
	for _, v := range m.Versions {
		if v.Deprecated {
			continue
		}
		out = append(out, router.ModelCandidateRef{
			ProviderID:    v.ProviderID,
			Version:       v,
			NativeFormats: []string{v.Format},
			DeviceLocal:   m.Local,
		})
	}
	return out
}

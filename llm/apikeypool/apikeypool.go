// Package apikeypool rotates multiple credentials for a single logical
// provider, so a provider adapter configured with one static API key can
// instead be backed by several - spreading load and failing over when
// one key is rate-limited or erroring. Adapted from the teacher's
// DB-backed llm.APIKeyPool for the gateway's in-memory provider
// registry: pools are held in memory, keyed by provider id, and the
// selected credential is threaded through to the adapter via
// llm.WithCredentialOverride rather than a per-request DB lookup.
package apikeypool

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowmesh/gateway/llm"
)

var (
	ErrNoAvailableKey   = errors.New("no available API key")
	ErrAllKeysUnhealthy = errors.New("all API keys are unhealthy")
)

// SelectionStrategy mirrors the teacher's APIKeySelectionStrategy.
type SelectionStrategy string

const (
	StrategyRoundRobin     SelectionStrategy = "round_robin"
	StrategyWeightedRandom SelectionStrategy = "weighted_random"
	StrategyPriority       SelectionStrategy = "priority"
	StrategyLeastUsed      SelectionStrategy = "least_used"
)

// Credential is one rotatable API key for a provider.
type Credential struct {
	ID       string
	APIKey   string
	Label    string
	Priority int
	Weight   int
	Enabled  bool

	mu             sync.Mutex
	totalRequests  int64
	failedRequests int64
	lastErrorAt    time.Time
}

func (c *Credential) healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.Enabled {
		return false
	}
	if c.totalRequests >= 20 {
		if float64(c.failedRequests)/float64(c.totalRequests) > 0.5 {
			return false
		}
	}
	return true
}

func (c *Credential) recordUsage(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
	if !success {
		c.failedRequests++
		c.lastErrorAt = time.Now()
	}
}

// Stats is a point-in-time snapshot of one credential's usage, used by
// observability endpoints.
type Stats struct {
	ID             string
	Label          string
	Enabled        bool
	Healthy        bool
	TotalRequests  int64
	FailedRequests int64
}

// Pool rotates credentials for one provider according to a selection
// strategy. Safe for concurrent use.
type Pool struct {
	mu            sync.RWMutex
	providerID    string
	creds         []*Credential
	strategy      SelectionStrategy
	roundRobinIdx int
	logger        *zap.Logger
	rng           *rand.Rand
}

// NewPool creates a credential pool for providerID, holding creds.
func NewPool(providerID string, strategy SelectionStrategy, logger *zap.Logger, creds ...*Credential) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strategy == "" {
		strategy = StrategyWeightedRandom
	}
	return &Pool{
		providerID: providerID,
		creds:      creds,
		strategy:   strategy,
		logger:     logger,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Select picks one healthy credential according to the pool's strategy.
func (p *Pool) Select() (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.creds) == 0 {
		return nil, ErrNoAvailableKey
	}

	healthy := make([]*Credential, 0, len(p.creds))
	for _, c := range p.creds {
		if c.healthy() {
			healthy = append(healthy, c)
		}
	}
	if len(healthy) == 0 {
		return nil, ErrAllKeysUnhealthy
	}

	switch p.strategy {
	case StrategyRoundRobin:
		return p.selectRoundRobin(healthy), nil
	case StrategyPriority:
		return p.selectPriority(healthy), nil
	case StrategyLeastUsed:
		return p.selectLeastUsed(healthy), nil
	default:
		return p.selectWeightedRandom(healthy), nil
	}
}

func (p *Pool) selectRoundRobin(creds []*Credential) *Credential {
	c := creds[p.roundRobinIdx%len(creds)]
	p.roundRobinIdx++
	return c
}

func (p *Pool) selectWeightedRandom(creds []*Credential) *Credential {
	total := 0
	for _, c := range creds {
		total += c.Weight
	}
	if total <= 0 {
		return creds[0]
	}
	target := p.rng.Intn(total)
	cumulative := 0
	for _, c := range creds {
		cumulative += c.Weight
		if cumulative > target {
			return c
		}
	}
	return creds[0]
}

func (p *Pool) selectPriority(creds []*Credential) *Credential {
	sorted := append([]*Credential(nil), creds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return sorted[0]
}

func (p *Pool) selectLeastUsed(creds []*Credential) *Credential {
	sorted := append([]*Credential(nil), creds...)
	sort.Slice(sorted, func(i, j int) bool {
		sorted[i].mu.Lock()
		defer sorted[i].mu.Unlock()
		sorted[j].mu.Lock()
		defer sorted[j].mu.Unlock()
		return sorted[i].totalRequests < sorted[j].totalRequests
	})
	return sorted[0]
}

// RecordSuccess marks a credential's most recent use as successful.
func (p *Pool) RecordSuccess(id string) {
	p.record(id, true)
}

// RecordFailure marks a credential's most recent use as failed.
func (p *Pool) RecordFailure(id string) {
	p.record(id, false)
}

func (p *Pool) record(id string, success bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.creds {
		if c.ID == id {
			c.recordUsage(success)
			if !success {
				p.logger.Warn("credential recorded failure",
					zap.String("provider_id", p.providerID), zap.String("credential_id", id))
			}
			return
		}
	}
}

// Stats returns a snapshot of every credential in the pool.
func (p *Pool) Stats() []Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Stats, 0, len(p.creds))
	for _, c := range p.creds {
		c.mu.Lock()
		out = append(out, Stats{
			ID: c.ID, Label: c.Label, Enabled: c.Enabled,
			Healthy: c.healthy(), TotalRequests: c.totalRequests, FailedRequests: c.failedRequests,
		})
		c.mu.Unlock()
	}
	return out
}

// Registry holds one credential Pool per provider id, and is the
// collaborator the engine's dispatch path consults for health-aware
// credential selection ahead of each call.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewRegistry creates an empty credential-pool registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*Pool)}
}

// Register installs pool as the credential source for providerID.
func (r *Registry) Register(providerID string, pool *Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[providerID] = pool
}

// Get returns the pool registered for providerID, if any.
func (r *Registry) Get(providerID string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[providerID]
	return p, ok
}

// WithSelectedCredential selects a healthy credential for providerID (if
// a pool is registered) and threads it into ctx via
// llm.WithCredentialOverride for the adapter to pick up. Returns ctx
// unchanged and ("", false) when no pool is registered for providerID,
// so callers can dispatch normally against the adapter's static
// credential.
func (r *Registry) WithSelectedCredential(ctx context.Context, providerID string) (context.Context, string, error) {
	pool, ok := r.Get(providerID)
	if !ok {
		return ctx, "", nil
	}
	cred, err := pool.Select()
	if err != nil {
		return ctx, "", err
	}
	return llm.WithCredentialOverride(ctx, llm.CredentialOverride{APIKey: cred.APIKey}), cred.ID, nil
}

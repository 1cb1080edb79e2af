// Package quota enforces per-tenant and per-provider usage limits for the
// inference gateway. Tenant quotas are request/token budgets over a
// rolling reset period; provider quotas are a rate-limit style
// suspension that the router consults before scoring a candidate.
package quota

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/flowmesh/gateway/types"
)

// Limits describes a tenant's budget over a reset period.
type Limits struct {
	MaxRequests  int64
	MaxTokens    int64
	ResetPeriod  time.Duration
}

// DefaultLimits returns conservative defaults used when a tenant has no
// explicit budget configured.
func DefaultLimits() Limits {
	return Limits{
		MaxRequests: 1000,
		MaxTokens:   1_000_000,
		ResetPeriod: time.Hour,
	}
}

// usage is the mutable counter state for one tenant, reset wholesale
// once ResetPeriod elapses since windowStart - a fixed window, not a
// sliding one, matching the teacher's APIKeyPool's simple counter reset.
type usage struct {
	requests    int64
	tokens      int64
	windowStart time.Time
}

// Manager tracks tenant quota consumption and provider-level suspension
// state. Safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	logger  *zap.Logger
	limits  map[string]Limits // tenantID -> limits; falls back to DefaultLimits()
	usage   map[string]*usage // tenantID -> usage

	providerMu      sync.RWMutex
	providerLimiter map[string]*rate.Limiter // providerID -> token-bucket limiter
	suspendedUntil  map[string]time.Time      // providerID -> suspension expiry
}

// NewManager creates an empty quota Manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:          logger,
		limits:          make(map[string]Limits),
		usage:           make(map[string]*usage),
		providerLimiter: make(map[string]*rate.Limiter),
		suspendedUntil:  make(map[string]time.Time),
	}
}

// SetLimits configures an explicit budget for a tenant, overriding
// DefaultLimits.
func (m *Manager) SetLimits(tenantID string, limits Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[tenantID] = limits
}

// SetProviderRate configures a token-bucket rate limit for a provider
// (requests per second, with the given burst).
func (m *Manager) SetProviderRate(providerID string, requestsPerSecond float64, burst int) {
	m.providerMu.Lock()
	defer m.providerMu.Unlock()
	m.providerLimiter[providerID] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// CheckAndIncrement atomically checks whether tenantID has remaining
// budget for one request consuming estTokens, and if so increments the
// counters and returns true. Returns false (and leaves counters
// untouched) when the tenant has exhausted its quota for the current
// window.
func (m *Manager) CheckAndIncrement(ctx context.Context, tenantID string, estTokens int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limits, ok := m.limits[tenantID]
	if !ok {
		limits = DefaultLimits()
	}

	u, ok := m.usage[tenantID]
	now := time.Now()
	if !ok || now.Sub(u.windowStart) >= limits.ResetPeriod {
		u = &usage{windowStart: now}
		m.usage[tenantID] = u
	}

	if u.requests+1 > limits.MaxRequests {
		return false, nil
	}
	if limits.MaxTokens > 0 && u.tokens+estTokens > limits.MaxTokens {
		return false, nil
	}

	u.requests++
	u.tokens += estTokens
	return true, nil
}

// Remaining returns the tenant's remaining request and token budget for
// the current window.
func (m *Manager) Remaining(tenantID string) (requests, tokens int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limits, ok := m.limits[tenantID]
	if !ok {
		limits = DefaultLimits()
	}
	u, ok := m.usage[tenantID]
	if !ok || time.Since(u.windowStart) >= limits.ResetPeriod {
		return limits.MaxRequests, limits.MaxTokens
	}
	return limits.MaxRequests - u.requests, limits.MaxTokens - u.tokens
}

// HasQuota reports whether providerID currently has rate-limit headroom
// and is not under an active suspension (e.g. after a burst of 429s).
// A provider with no configured limiter is treated as unconstrained.
func (m *Manager) HasQuota(providerID string) bool {
	m.providerMu.RLock()
	defer m.providerMu.RUnlock()

	if until, suspended := m.suspendedUntil[providerID]; suspended {
		if time.Now().Before(until) {
			return false
		}
	}

	limiter, ok := m.providerLimiter[providerID]
	if !ok {
		return true
	}
	return limiter.Allow()
}

// SuspendProvider takes a provider out of routing consideration for the
// given duration, used when upstream signals exhaustion (HTTP 429 with
// Retry-After, or a burst of ErrQuotaExceeded/ErrRateLimited responses).
func (m *Manager) SuspendProvider(providerID string, d time.Duration) {
	m.providerMu.Lock()
	defer m.providerMu.Unlock()
	m.suspendedUntil[providerID] = time.Now().Add(d)
	m.logger.Warn("provider suspended", zap.String("provider", providerID), zap.Duration("for", d))
}

// NoteProviderError inspects a gateway error and suspends the provider
// automatically when it signals quota/rate-limit exhaustion.
func (m *Manager) NoteProviderError(providerID string, err error) {
	e, ok := err.(*types.Error)
	if !ok {
		return
	}
	switch e.Code {
	case types.ErrQuotaExceeded, types.ErrRateLimited, types.ErrRateLimit:
		m.SuspendProvider(providerID, 30*time.Second)
	}
}

package router

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/flowmesh/gateway/llm/circuitbreaker"
	"github.com/flowmesh/gateway/llm/metrics"
	"github.com/flowmesh/gateway/llm/quota"
	"github.com/flowmesh/gateway/types"
)

// Scoring weights for GatewayRouter.Select, applied additively per
// candidate. Availability/load/latency terms are continuous (0..weight);
// match/penalty terms are step functions.
const (
	weightPreferredMatch       = 100.0
	weightNativeFormat         = 50.0
	weightDeviceCompatible     = 30.0
	weightFeatureCompatible    = 20.0
	weightAvailabilityMax      = 40.0
	weightLatencyMax           = 40.0
	weightLoadMax              = 20.0
	weightCostBiasMax          = 20.0
	penaltyQuotaExhausted      = -1000.0
	penaltyCircuitOpen         = -1000.0
	penaltyInsufficientResource = -500.0

	// latencyCeiling is the latency above which the latency score bottoms
	// out at zero; below it the score scales linearly.
	latencyCeiling = 5 * time.Second
)

var (
	// ErrNoCompatibleProvider is returned when every candidate for a
	// model is disqualified (quota exhausted, circuit open, tenant
	// policy, or resource mismatch).
	ErrNoCompatibleProvider = errors.New("no compatible provider for model")
)

// CandidateSource supplies the (provider, model version) pairs eligible
// for a given model id, decoupling GatewayRouter from any one registry
// implementation.
type CandidateSource interface {
	CandidatesFor(modelID string) []ModelCandidateRef
}

// ModelCandidateRef names one servable (provider, version) pairing along
// with the static attributes the scorer needs.
type ModelCandidateRef struct {
	ProviderID    string
	Version       *types.ModelVersion
	NativeFormats []string // wire formats this provider speaks natively
	DeviceLocal   bool     // true if this candidate runs on-box (no network hop)
}

// BreakerLookup returns the circuit breaker guarding calls to a
// provider, or nil if none is registered (treated as always-closed).
type BreakerLookup func(providerID string) circuitbreaker.CircuitBreaker

// GatewayRouter implements the multi-factor scoring router: it ranks
// every compatible (provider, model version) candidate for a request and
// returns the top scorer plus up to two ordered fallbacks.
type GatewayRouter struct {
	source  CandidateSource
	metrics *metrics.Cache
	quota   *quota.Manager
	breaker BreakerLookup
	logger  *zap.Logger
}

// NewGatewayRouter wires a scoring router over the given candidate
// source, metrics cache, quota manager, and breaker lookup. Any of
// metrics/quota/breaker may be nil, in which case that scoring
// dimension is treated as neutral.
func NewGatewayRouter(source CandidateSource, m *metrics.Cache, q *quota.Manager, breaker BreakerLookup, logger *zap.Logger) *GatewayRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GatewayRouter{source: source, metrics: m, quota: q, breaker: breaker, logger: logger}
}

// Select scores every candidate for req.ModelID and returns a routing
// decision with the winner and up to two fallbacks. Fallbacks are not
// re-scored when the primary is retried elsewhere - they are frozen at
// selection time.
func (g *GatewayRouter) Select(ctx context.Context, req *types.InferenceRequest) (*types.RoutingDecision, error) {
	candidates := g.source.CandidatesFor(req.ModelID)
	if len(candidates) == 0 {
		return nil, ErrNoCompatibleProvider
	}

	scored := make([]types.RoutingCandidate, 0, len(candidates))
	for _, c := range candidates {
		if req.Tenant != nil && !req.Tenant.Allows(req.ModelID) {
			continue
		}
		score, reasons, disqualified := g.score(req, c)
		if disqualified {
			continue
		}
		scored = append(scored, types.RoutingCandidate{
			ProviderID:   c.ProviderID,
			ModelVersion: c.Version,
			Score:        score,
			Reasons:      reasons,
		})
	}

	if len(scored) == 0 {
		return nil, ErrNoCompatibleProvider
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	decision := &types.RoutingDecision{
		Primary:     scored[0],
		EvaluatedAt: time.Now(),
	}
	if len(scored) > 1 {
		end := 3
		if end > len(scored) {
			end = len(scored)
		}
		decision.Fallbacks = scored[1:end]
	}
	return decision, nil
}

// score computes one candidate's additive score. disqualified is true
// when a hard constraint (quota, circuit, tenant policy, strategy)
// removes the candidate from consideration entirely.
func (g *GatewayRouter) score(req *types.InferenceRequest, c ModelCandidateRef) (float64, []string, bool) {
	var score float64
	var reasons []string

	if g.quota != nil && !g.quota.HasQuota(c.ProviderID) {
		return penaltyQuotaExhausted, []string{"quota_exhausted"}, true
	}

	if g.breaker != nil {
		if cb := g.breaker(c.ProviderID); cb != nil && cb.State() == circuitbreaker.StateOpen {
			return penaltyCircuitOpen, []string{"circuit_open"}, true
		}
	}

	if req.DeviceHint == "local" && !c.DeviceLocal {
		return penaltyInsufficientResource, []string{"device_mismatch"}, true
	}

	if req.Strategy == types.StrategyUserSelected && req.Tenant != nil && req.Tenant.PreferredModelID == c.ProviderID {
		score += weightPreferredMatch
		reasons = append(reasons, "preferred_match")
	}

	if c.Version != nil && hasFormat(c.NativeFormats, c.Version.Format) {
		score += weightNativeFormat
		reasons = append(reasons, "native_format")
	}

	if c.DeviceLocal {
		score += weightDeviceCompatible
		reasons = append(reasons, "device_compatible")
	}

	if c.Version != nil {
		score += weightFeatureCompatible
		reasons = append(reasons, "feature_compatible")
	}

	if g.metrics != nil && c.Version != nil {
		if snap, ok := g.metrics.Snapshot(c.ProviderID, c.Version.Version); ok {
			// Availability: inverse of error rate.
			availability := 1.0 - snap.ErrorRate
			score += availability * weightAvailabilityMax
			reasons = append(reasons, "availability")

			// Latency: linear falloff to zero at latencyCeiling.
			latencyScore := 1.0 - float64(snap.P95Latency)/float64(latencyCeiling)
			if latencyScore < 0 {
				latencyScore = 0
			}
			score += latencyScore * weightLatencyMax
			reasons = append(reasons, "historical_latency")

			// Load: fewer in-flight calls score higher, bottoming at 0
			// once in-flight reaches 50 concurrent calls.
			loadScore := 1.0 - float64(snap.InFlight)/50.0
			if loadScore < 0 {
				loadScore = 0
			}
			score += loadScore * weightLoadMax
			reasons = append(reasons, "load")
		} else {
			// Cold cache: neutral midpoint so a never-used provider isn't
			// starved relative to a recently-healthy one.
			score += (weightAvailabilityMax + weightLatencyMax + weightLoadMax) / 2
		}
	}

	score += costBias(c) * weightCostBiasMax

	return score, reasons, false
}

func hasFormat(formats []string, want string) bool {
	for _, f := range formats {
		if f == want {
			return true
		}
	}
	return false
}

// costBias favors cheaper candidates; in the absence of cost data it is
// neutral (0.5).
func costBias(c ModelCandidateRef) float64 {
	if c.Version == nil {
		return 0.5
	}
	// Candidates carry no per-unit cost field directly; callers that want
	// cost-aware scoring attach it via Version.Metadata["cost_bias"]
	// (0..1, pre-normalized) - kept out of the struct to avoid coupling
	// the router to a specific pricing model.
	if v, ok := c.Version.Metadata["cost_bias"]; ok {
		switch v {
		case "low":
			return 1.0
		case "high":
			return 0.0
		}
	}
	return 0.5
}

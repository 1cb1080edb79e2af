// Package engine is the gateway's single inference entry point: it
// resolves a model manifest, asks the router for a ranked candidate
// list, runs the request through the plugin pipeline, and dispatches to
// the winning provider with circuit-breaker and quota enforcement and
// fallback to the next candidate on a retryable failure. Synchronous,
// asynchronous, streaming, and batch calls all funnel through the same
// dispatch path so resilience and observability behavior never drifts
// between them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flowmesh/gateway/llm"
	"github.com/flowmesh/gateway/llm/apikeypool"
	"github.com/flowmesh/gateway/llm/batch"
	"github.com/flowmesh/gateway/llm/circuitbreaker"
	"github.com/flowmesh/gateway/llm/metrics"
	"github.com/flowmesh/gateway/llm/pipeline"
	"github.com/flowmesh/gateway/llm/quota"
	"github.com/flowmesh/gateway/llm/retry"
	"github.com/flowmesh/gateway/llm/router"
	"github.com/flowmesh/gateway/llm/session"
	"github.com/flowmesh/gateway/llm/tokenizer"
	"github.com/flowmesh/gateway/types"
)

// ManifestResolver resolves a routable model id to its manifest, the
// source of truth for which provider versions can serve it.
type ManifestResolver interface {
	Resolve(ctx context.Context, modelID string) (*types.ModelManifest, error)
}

// Engine wires together routing, the plugin pipeline, resilience, and
// job tracking behind a single Infer/Stream/SubmitAsync/Batch surface.
type Engine struct {
	registry    *llm.ProviderRegistry
	manifests   ManifestResolver
	gwRouter    *router.GatewayRouter
	pipeline    *pipeline.Registry
	sessions    *session.Manager
	quota       *quota.Manager
	metrics     *metrics.Cache
	breakers    map[string]circuitbreaker.CircuitBreaker
	credentials *apikeypool.Registry
	audit       llm.AuditLogger
	maxRetries  int
	jobs        *batch.JobTracker
	asyncJobs   *asyncTracker
	logger      *zap.Logger
}

// Config bundles the collaborators an Engine is built from. Sessions and
// Metrics may be nil for providers that don't need warm-pool reuse or
// scoring telemetry.
type Config struct {
	Registry  *llm.ProviderRegistry
	Manifests ManifestResolver
	Router    *router.GatewayRouter
	Pipeline  *pipeline.Registry
	Sessions  *session.Manager
	Quota     *quota.Manager
	Metrics   *metrics.Cache
	Breakers  map[string]circuitbreaker.CircuitBreaker

	// Credentials rotates multiple API keys per provider ahead of
	// dispatch. Nil means every provider dispatches with its own
	// statically configured credential.
	Credentials *apikeypool.Registry

	// Audit receives exactly one SUCCESS/FAILED/CANCELLED event per
	// terminal Infer/Stream outcome. Defaults to llm.NoOpAuditLogger.
	Audit llm.AuditLogger

	// MaxRetries bounds same-candidate retry attempts before falling
	// back to the next routing candidate. Clamped to [1,5]; defaults to
	// 3 when unset.
	MaxRetries int

	Logger *zap.Logger
}

// New assembles an Engine from cfg.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	audit := cfg.Audit
	if audit == nil {
		audit = &llm.NoOpAuditLogger{}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if maxRetries > 5 {
		maxRetries = 5
	}
	return &Engine{
		registry:    cfg.Registry,
		manifests:   cfg.Manifests,
		gwRouter:    cfg.Router,
		pipeline:    cfg.Pipeline,
		sessions:    cfg.Sessions,
		quota:       cfg.Quota,
		metrics:     cfg.Metrics,
		breakers:    cfg.Breakers,
		credentials: cfg.Credentials,
		audit:       audit,
		maxRetries:  maxRetries,
		jobs:        batch.NewJobTracker(logger),
		asyncJobs:   newAsyncTracker(),
		logger:      logger.With(zap.String("component", "engine")),
	}
}

var ErrCancelled = errors.New("inference cancelled")

// errRetryableDispatch is the sentinel matched against retry.RetryPolicy's
// RetryableErrors list so a retryable dispatch failure triggers another
// same-candidate attempt; any other error returned from the retry
// callback short-circuits the backoff loop immediately.
var errRetryableDispatch = errors.New("retryable dispatch error")

// Infer runs a single synchronous chat request end to end: resolve
// manifest, check tenant quota, route, run the
// VALIDATION/PRE_PROCESSING/POST_PROCESSING plugin phases, dispatch with
// circuit-breaker protection and same-candidate retry, and fall back
// through the routing decision's remaining candidates on retry
// exhaustion. Emits exactly one audit SUCCESS or FAILED event.
func (e *Engine) Infer(ctx context.Context, req *types.InferenceRequest, chat *llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := e.checkQuota(ctx, req, chat); err != nil {
		e.logAudit(ctx, req, "", "failure", err)
		return nil, err
	}

	decision, err := e.route(ctx, req)
	if err != nil {
		e.logAudit(ctx, req, "", "failure", err)
		return nil, err
	}

	run := pipeline.NewRun(e.pipeline, e.logger)
	pc := &pipeline.Context{RequestID: req.RequestID, TenantID: req.Tenant.TenantID}

	var resp *llm.ChatResponse
	candidates := append([]types.RoutingCandidate{decision.Primary}, decision.Fallbacks...)

	var lastErr error
	var lastProvider string
	for i, cand := range candidates {
		chat.Model = req.ModelID
		pc.Set("provider_id", cand.ProviderID)
		lastProvider = cand.ProviderID

		dispatchErr := run.Execute(ctx, pc, func(ctx context.Context, pc *pipeline.Context) error {
			out, derr := e.dispatchWithRetry(ctx, run, cand.ProviderID, chat)
			resp = out
			return derr
		})

		if dispatchErr == nil {
			e.logAudit(ctx, req, cand.ProviderID, "success", nil)
			return resp, nil
		}
		lastErr = dispatchErr

		if i == len(candidates)-1 || !isRetryableDispatch(dispatchErr) {
			break
		}

		// Reset the run for the next candidate - a fresh attempt, not a
		// continuation of the failed one.
		run = pipeline.NewRun(e.pipeline, e.logger)
		e.logger.Warn("falling back to next routing candidate",
			zap.String("request_id", req.RequestID),
			zap.String("failed_provider", cand.ProviderID),
			zap.Error(dispatchErr))
	}

	if isCancellation(lastErr) {
		e.logAudit(ctx, req, lastProvider, "cancelled", lastErr)
	} else {
		e.logAudit(ctx, req, lastProvider, "failure", lastErr)
	}
	return nil, lastErr
}

// isCancellation reports whether err represents the request being
// cancelled rather than failing outright.
func isCancellation(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return true
	}
	if e, ok := err.(*types.Error); ok {
		return e.Code == types.ErrCancelled
	}
	return false
}

// checkQuota estimates the request's token cost and consults the tenant
// quota manager before any routing or provider work happens, so a
// denied request never invokes a provider. A nil quota manager means
// quota enforcement is disabled.
func (e *Engine) checkQuota(ctx context.Context, req *types.InferenceRequest, chat *llm.ChatRequest) error {
	if e.quota == nil {
		return nil
	}

	msgs := make([]tokenizer.Message, 0, len(chat.Messages))
	for _, m := range chat.Messages {
		msgs = append(msgs, tokenizer.Message{Role: string(m.Role), Content: m.Content})
	}
	estTokens, _ := tokenizer.GetTokenizerOrEstimator(chat.Model).CountMessages(msgs)

	ok, err := e.quota.CheckAndIncrement(ctx, req.Tenant.TenantID, int64(estTokens))
	if err != nil {
		return fmt.Errorf("check tenant quota: %w", err)
	}
	if !ok {
		return types.NewError(types.ErrQuotaExceeded, "tenant quota exceeded for "+req.Tenant.TenantID).WithHTTPStatus(429)
	}
	return nil
}

// dispatchWithRetry retries the same candidate with exponential backoff
// (100ms base, e.maxRetries attempts) before giving up, moving the
// pipeline run through RETRYING/RUNNING between attempts so its state
// machine reflects what's actually happening. Only a retryable dispatch
// error triggers another attempt; anything else returns immediately.
func (e *Engine) dispatchWithRetry(ctx context.Context, run *pipeline.Run, providerID string, chat *llm.ChatRequest) (*llm.ChatResponse, error) {
	policy := &retry.RetryPolicy{
		MaxRetries:      e.maxRetries - 1,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		RetryableErrors: []error{errRetryableDispatch},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			e.logger.Warn("retrying dispatch to same candidate",
				zap.String("provider_id", providerID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			_ = run.MarkRetrying()
		},
	}
	retryer := retry.NewBackoffRetryer(policy, e.logger)

	var resp *llm.ChatResponse
	var lastErr error
	first := true
	_, _ = retryer.DoWithResult(ctx, func() (any, error) {
		if !first {
			_ = run.Resume()
		}
		first = false

		out, derr := e.dispatch(ctx, providerID, chat)
		resp, lastErr = out, derr
		if derr != nil && isRetryableDispatch(derr) {
			return nil, errRetryableDispatch
		}
		return nil, derr
	})

	return resp, lastErr
}

// route resolves req.ModelID's manifest (if a resolver is configured)
// and asks the router for a ranked candidate list.
func (e *Engine) route(ctx context.Context, req *types.InferenceRequest) (*types.RoutingDecision, error) {
	if e.manifests != nil {
		if _, err := e.manifests.Resolve(ctx, req.ModelID); err != nil {
			return nil, fmt.Errorf("resolve model %q: %w", req.ModelID, err)
		}
	}
	return e.gwRouter.Select(ctx, req)
}

// dispatch calls the named provider through its circuit breaker (if
// one is registered) and records outcome/latency in the metrics cache.
// When a credential pool is registered for providerID, a healthy
// credential is rotated in ahead of the call and its own success/failure
// is recorded independently of the circuit breaker.
func (e *Engine) dispatch(ctx context.Context, providerID string, chat *llm.ChatRequest) (*llm.ChatResponse, error) {
	p, ok := e.registry.Get(providerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errNoSuchProvider, providerID)
	}

	var credID string
	if e.credentials != nil {
		var cerr error
		ctx, credID, cerr = e.credentials.WithSelectedCredential(ctx, providerID)
		if cerr != nil {
			return nil, types.NewError(types.ErrProviderUnavailable, cerr.Error()).WithRetryable(true)
		}
	}

	var finish func(success bool, latency time.Duration)
	if e.metrics != nil {
		finish = e.metrics.RecordStart(providerID, chat.Model)
	}

	call := func() (*llm.ChatResponse, error) { return p.Completion(ctx, chat) }

	start := time.Now()
	var resp *llm.ChatResponse
	var err error
	if cb, ok := e.breakers[providerID]; ok && cb != nil {
		err = cb.Call(ctx, func() error {
			resp, err = call()
			return err
		})
	} else {
		resp, err = call()
	}

	if finish != nil {
		finish(err == nil, time.Since(start))
	}
	if credID != "" {
		if pool, ok := e.credentials.Get(providerID); ok {
			if err != nil {
				pool.RecordFailure(credID)
			} else {
				pool.RecordSuccess(credID)
			}
		}
	}
	if err != nil && e.quota != nil {
		e.quota.NoteProviderError(providerID, err)
	}
	return resp, err
}

var errNoSuchProvider = errors.New("provider not registered")

// isRetryableDispatch reports whether a dispatch failure should trigger
// fallback to the next routing candidate rather than surfacing to the
// caller immediately.
func isRetryableDispatch(err error) bool {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return true
	}
	if e, ok := err.(*types.Error); ok {
		return e.Retryable
	}
	return false
}

// Cancel marks an in-flight async job or batch cancelled. For an async
// job this also cancels the context its background Infer call is
// running under, so a provider call already in flight is interrupted
// rather than merely having its result discarded.
func (e *Engine) Cancel(jobID string) error {
	if err := e.asyncJobs.cancel(jobID); err == nil {
		return nil
	}
	return e.jobs.Cancel(jobID)
}

// logAudit emits exactly one audit event for a terminal Infer/Stream
// outcome. result is "success", "failure", or "cancelled"; failures
// short-circuited before routing (e.g. quota denial) pass an empty
// providerID.
func (e *Engine) logAudit(ctx context.Context, req *types.InferenceRequest, providerID, result string, cause error) {
	event := llm.AuditEvent{
		Timestamp: time.Now(),
		EventType: "provider.request",
		ActorID:   req.Tenant.TenantID,
		ActorType: "tenant",
		Resource:  providerID,
		Action:    "infer",
		Result:    result,
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	if err := e.audit.Log(ctx, event); err != nil {
		e.logger.Warn("audit log failed", zap.String("request_id", req.RequestID), zap.Error(err))
	}
}

// Package pipeline runs an inference request through an ordered set of
// phases - VALIDATION, PRE_PROCESSING, PROVIDER_DISPATCH,
// POST_PROCESSING - each backed by zero or more registered plugins,
// tracked by a small request-scoped state machine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Phase identifies one ordered stage of the pipeline.
type Phase string

const (
	PhaseValidation      Phase = "VALIDATION"
	PhasePreProcessing   Phase = "PRE_PROCESSING"
	PhaseProviderDispatch Phase = "PROVIDER_DISPATCH"
	PhasePostProcessing  Phase = "POST_PROCESSING"
)

// Phases is the fixed execution order. PROVIDER_DISPATCH is always
// present even with no plugins registered for it - the engine supplies
// the actual provider call as the dispatch phase's terminal action.
var Phases = []Phase{PhaseValidation, PhasePreProcessing, PhaseProviderDispatch, PhasePostProcessing}

// Plugin is one unit of pipeline behavior bound to a phase. Order
// disambiguates execution sequence among plugins sharing a phase;
// ties break on Id lexicographically.
type Plugin interface {
	Id() string
	Phase() Phase
	Order() int
	Run(ctx context.Context, pc *Context) error
}

// Context is the mutable, request-scoped state threaded through every
// plugin in the pipeline.
type Context struct {
	RequestID string
	TenantID  string
	Values    map[string]any
}

// Get retrieves a value stashed by an earlier plugin.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.Values[key]
	return v, ok
}

// Set stores a value for later plugins to consume.
func (c *Context) Set(key string, v any) {
	if c.Values == nil {
		c.Values = make(map[string]any)
	}
	c.Values[key] = v
}

// RunState is the pipeline's request-scoped lifecycle state.
type RunState string

const (
	StateCreated   RunState = "CREATED"
	StateRunning   RunState = "RUNNING"
	StateCompleted RunState = "COMPLETED"
	StateFailed    RunState = "FAILED"
	StateCancelled RunState = "CANCELLED"
	StateRetrying  RunState = "RETRYING"
)

// validTransitions enumerates the state machine's allowed edges; any
// transition not listed here is rejected by Run's internal setState.
var validTransitions = map[RunState][]RunState{
	StateCreated:   {StateRunning, StateCancelled},
	StateRunning:   {StateCompleted, StateFailed, StateCancelled, StateRetrying},
	StateRetrying:  {StateRunning, StateFailed, StateCancelled},
	StateCompleted: {},
	StateFailed:    {},
	StateCancelled: {},
}

var ErrInvalidTransition = errors.New("invalid pipeline state transition")
var ErrPluginAlreadyRegistered = errors.New("plugin already registered")

// Registry holds the phase-ordered plugin set. Registration is
// append-then-sort, mirroring agent/plugins.InMemoryPluginRegistry's
// register-then-list-sorted shape but keyed by (phase, order, id)
// rather than a flat name index.
type Registry struct {
	mu      sync.RWMutex
	byPhase map[Phase][]Plugin
	ids     map[string]struct{}
	logger  *zap.Logger
}

// NewRegistry creates an empty phase plugin registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byPhase: make(map[Phase][]Plugin),
		ids:     make(map[string]struct{}),
		logger:  logger.With(zap.String("component", "pipeline_registry")),
	}
}

// Register adds a plugin to its declared phase, keeping the phase's
// slice sorted by (Order, Id).
func (r *Registry) Register(p Plugin) error {
	if p == nil || p.Id() == "" {
		return fmt.Errorf("plugin id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ids[p.Id()]; exists {
		return fmt.Errorf("%w: %s", ErrPluginAlreadyRegistered, p.Id())
	}
	r.ids[p.Id()] = struct{}{}

	phase := p.Phase()
	r.byPhase[phase] = append(r.byPhase[phase], p)
	sort.SliceStable(r.byPhase[phase], func(i, j int) bool {
		a, b := r.byPhase[phase][i], r.byPhase[phase][j]
		if a.Order() != b.Order() {
			return a.Order() < b.Order()
		}
		return a.Id() < b.Id()
	})

	r.logger.Info("pipeline plugin registered", zap.String("id", p.Id()), zap.String("phase", string(phase)))
	return nil
}

// ForPhase returns the ordered plugins registered for phase.
func (r *Registry) ForPhase(phase Phase) []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, len(r.byPhase[phase]))
	copy(out, r.byPhase[phase])
	return out
}

// Run executes a pipeline Context through every phase, calling
// dispatch (the provider call) as the PROVIDER_DISPATCH phase's final
// action after any plugins registered for that phase. Run manages the
// state machine transitions; dispatch itself does not see or mutate
// run state.
type Run struct {
	registry *Registry
	state    RunState
	mu       sync.Mutex
	logger   *zap.Logger
}

// NewRun starts a new pipeline execution in the CREATED state.
func NewRun(registry *Registry, logger *zap.Logger) *Run {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Run{registry: registry, state: StateCreated, logger: logger}
}

// State returns the run's current lifecycle state.
func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) setState(next RunState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, allowed := range validTransitions[r.state] {
		if allowed == next {
			r.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.state, next)
}

// Execute runs pc through every phase in order. dispatch is invoked
// after PROVIDER_DISPATCH-phase plugins run; its error (if any) is
// treated the same as a plugin error. Cancellation via ctx moves the
// run to CANCELLED rather than FAILED.
func (r *Run) Execute(ctx context.Context, pc *Context, dispatch func(ctx context.Context, pc *Context) error) error {
	if err := r.setState(StateRunning); err != nil {
		return err
	}

	for _, phase := range Phases {
		if err := ctx.Err(); err != nil {
			_ = r.setState(StateCancelled)
			return err
		}

		for _, p := range r.registry.ForPhase(phase) {
			if err := p.Run(ctx, pc); err != nil {
				_ = r.setState(StateFailed)
				return fmt.Errorf("phase %s plugin %s: %w", phase, p.Id(), err)
			}
		}

		if phase == PhaseProviderDispatch && dispatch != nil {
			if err := dispatch(ctx, pc); err != nil {
				_ = r.setState(StateFailed)
				return err
			}
		}
	}

	return r.setState(StateCompleted)
}

// MarkRetrying transitions a RUNNING run to RETRYING, used by the
// engine's retry loop between dispatch attempts.
func (r *Run) MarkRetrying() error {
	return r.setState(StateRetrying)
}

// Resume transitions a RETRYING run back to RUNNING before re-entering
// Execute for another attempt.
func (r *Run) Resume() error {
	return r.setState(StateRunning)
}

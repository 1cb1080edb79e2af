package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlugin struct {
	id    string
	phase Phase
	order int
	run   func(ctx context.Context, pc *Context) error
}

func (f *fakePlugin) Id() string    { return f.id }
func (f *fakePlugin) Phase() Phase  { return f.phase }
func (f *fakePlugin) Order() int    { return f.order }
func (f *fakePlugin) Run(ctx context.Context, pc *Context) error {
	if f.run != nil {
		return f.run(ctx, pc)
	}
	return nil
}

func TestRegistry_RegisterOrdersByOrderThenId(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register(&fakePlugin{id: "z", phase: PhaseValidation, order: 1}))
	require.NoError(t, r.Register(&fakePlugin{id: "a", phase: PhaseValidation, order: 1}))
	require.NoError(t, r.Register(&fakePlugin{id: "mid", phase: PhaseValidation, order: 0}))

	plugins := r.ForPhase(PhaseValidation)
	require.Len(t, plugins, 3)
	assert.Equal(t, "mid", plugins[0].Id())
	assert.Equal(t, "a", plugins[1].Id())
	assert.Equal(t, "z", plugins[2].Id())
}

func TestRegistry_RegisterRejectsDuplicateId(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&fakePlugin{id: "dup", phase: PhaseValidation}))

	err := r.Register(&fakePlugin{id: "dup", phase: PhasePreProcessing})
	assert.ErrorIs(t, err, ErrPluginAlreadyRegistered)
}

func TestRegistry_RegisterRejectsEmptyId(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register(&fakePlugin{id: "", phase: PhaseValidation})
	assert.Error(t, err)
}

func TestRun_ExecuteRunsAllPhasesAndDispatch(t *testing.T) {
	r := NewRegistry(nil)
	var order []string

	require.NoError(t, r.Register(&fakePlugin{id: "validate", phase: PhaseValidation, run: func(ctx context.Context, pc *Context) error {
		order = append(order, "validate")
		return nil
	}}))
	require.NoError(t, r.Register(&fakePlugin{id: "preprocess", phase: PhasePreProcessing, run: func(ctx context.Context, pc *Context) error {
		order = append(order, "preprocess")
		return nil
	}}))
	require.NoError(t, r.Register(&fakePlugin{id: "postprocess", phase: PhasePostProcessing, run: func(ctx context.Context, pc *Context) error {
		order = append(order, "postprocess")
		return nil
	}}))

	run := NewRun(r, nil)
	pc := &Context{RequestID: "req-1"}

	err := run.Execute(context.Background(), pc, func(ctx context.Context, pc *Context) error {
		order = append(order, "dispatch")
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"validate", "preprocess", "dispatch", "postprocess"}, order)
	assert.Equal(t, StateCompleted, run.State())
}

func TestRun_ExecuteFailsOnPluginError(t *testing.T) {
	r := NewRegistry(nil)
	wantErr := errors.New("validation failed")
	require.NoError(t, r.Register(&fakePlugin{id: "validate", phase: PhaseValidation, run: func(ctx context.Context, pc *Context) error {
		return wantErr
	}}))

	run := NewRun(r, nil)
	err := run.Execute(context.Background(), &Context{}, nil)

	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, StateFailed, run.State())
}

func TestRun_ExecuteFailsOnDispatchError(t *testing.T) {
	r := NewRegistry(nil)
	wantErr := errors.New("dispatch failed")

	run := NewRun(r, nil)
	err := run.Execute(context.Background(), &Context{}, func(ctx context.Context, pc *Context) error {
		return wantErr
	})

	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, StateFailed, run.State())
}

func TestRun_ExecuteCancelledContext(t *testing.T) {
	r := NewRegistry(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run := NewRun(r, nil)
	err := run.Execute(ctx, &Context{}, nil)

	assert.Error(t, err)
	assert.Equal(t, StateCancelled, run.State())
}

func TestRun_MarkRetryingAndResume(t *testing.T) {
	r := NewRegistry(nil)
	run := NewRun(r, nil)

	require.NoError(t, run.Execute(context.Background(), &Context{}, nil))
	// Run is now COMPLETED, a terminal state - retry transitions don't apply
	// after completion, so exercise the transition directly on a fresh run.
	run2 := NewRun(r, nil)
	require.NoError(t, run2.setState(StateRunning))
	require.NoError(t, run2.MarkRetrying())
	assert.Equal(t, StateRetrying, run2.State())
	require.NoError(t, run2.Resume())
	assert.Equal(t, StateRunning, run2.State())
}

func TestContext_GetSet(t *testing.T) {
	pc := &Context{}
	_, ok := pc.Get("missing")
	assert.False(t, ok)

	pc.Set("key", "value")
	v, ok := pc.Get("key")
	require.True(t, ok)
	assert.Equal(t, "value", v)
}

package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowmesh/gateway/llm"
	"github.com/flowmesh/gateway/types"
)

// asyncTracker retains AsyncJob records across the lifetime of a
// submitted request. Unlike JobTracker (bounded-concurrency batches),
// each entry here is exactly one Infer call run in the background.
type asyncTracker struct {
	mu      sync.RWMutex
	jobs    map[string]*types.AsyncJob
	cancels map[string]context.CancelFunc
}

func newAsyncTracker() *asyncTracker {
	return &asyncTracker{
		jobs:    make(map[string]*types.AsyncJob),
		cancels: make(map[string]context.CancelFunc),
	}
}

func (t *asyncTracker) put(job *types.AsyncJob, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[job.ID] = job
	t.cancels[job.ID] = cancel
}

func (t *asyncTracker) get(id string) (types.AsyncJob, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[id]
	if !ok {
		return types.AsyncJob{}, false
	}
	return *j, true
}

func (t *asyncTracker) cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return types.NewError(types.ErrJobNotFound, "async job not found")
	}
	if !j.Status.IsTerminal() {
		j.Status = types.JobCancelled
		j.UpdatedAt = time.Now()
		if cancel, ok := t.cancels[id]; ok {
			cancel()
		}
	}
	return nil
}

// SubmitAsync runs req through Infer in the background and returns a job
// id immediately; poll completion with GetJobStatus.
func (e *Engine) SubmitAsync(ctx context.Context, req *types.InferenceRequest, chat *llm.ChatRequest) string {
	now := time.Now()
	job := &types.AsyncJob{
		ID:        uuid.NewString(),
		TenantID:  req.Tenant.TenantID,
		Status:    types.JobRunning,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.asyncJobs.put(job, cancel)

	go func() {
		defer cancel()
		resp, err := e.Infer(runCtx, req, chat)

		e.asyncJobs.mu.Lock()
		defer e.asyncJobs.mu.Unlock()
		j := e.asyncJobs.jobs[job.ID]
		if j.Status == types.JobCancelled {
			return
		}
		j.UpdatedAt = time.Now()
		if err != nil {
			j.Status = types.JobFailed
			if gwErr, ok := err.(*types.Error); ok {
				j.Err = gwErr
			} else {
				j.Err = types.NewError(types.ErrInternalError, err.Error())
			}
			e.logger.Warn("async job failed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		j.Status = types.JobSucceeded
		j.Response = resp
	}()

	return job.ID
}

// GetJobStatus returns a point-in-time copy of an async job's status.
func (e *Engine) GetJobStatus(jobID string) (types.AsyncJob, error) {
	job, ok := e.asyncJobs.get(jobID)
	if !ok {
		return types.AsyncJob{}, types.NewError(types.ErrJobNotFound, "async job not found")
	}
	return job, nil
}

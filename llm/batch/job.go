package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/flowmesh/gateway/types"
)

// ErrJobNotFound is returned by JobTracker.Get for an unknown batch id.
var ErrJobNotFound = errors.New("batch job not found")

// ItemFunc executes one item of a batch job and reports its outcome.
// Unlike BatchProcessor's time/size-windowed micro-batching, a JobTracker
// batch is a single caller-submitted set of items run with bounded
// concurrency and tracked to completion - no coalescing across callers.
type ItemFunc func(ctx context.Context, index int) error

// JobTracker runs bounded-concurrency batches and keeps their
// BatchJob status/counters retrievable by id until explicitly purged.
// Request/response payloads are never retained by the tracker itself.
type JobTracker struct {
	mu     sync.RWMutex
	jobs   map[string]*types.BatchJob
	logger *zap.Logger
}

// NewJobTracker creates an empty JobTracker.
func NewJobTracker(logger *zap.Logger) *JobTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobTracker{jobs: make(map[string]*types.BatchJob), logger: logger}
}

// Submit runs fn once per index in [0, total) with at most
// maxConcurrency in flight simultaneously, tracks progress under a new
// job id, and returns that id immediately - the batch runs in the
// background. Poll status with Get.
func (t *JobTracker) Submit(ctx context.Context, tenantID string, total, maxConcurrency int, fn ItemFunc) string {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	now := time.Now()
	job := &types.BatchJob{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		Total:          total,
		MaxConcurrency: maxConcurrency,
		Status:         types.JobRunning,
		ItemStatuses:   make([]types.JobStatus, total),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for i := range job.ItemStatuses {
		job.ItemStatuses[i] = types.JobQueued
	}

	t.mu.Lock()
	t.jobs[job.ID] = job
	t.mu.Unlock()

	go t.run(ctx, job, fn)

	return job.ID
}

func (t *JobTracker) run(ctx context.Context, job *types.BatchJob, fn ItemFunc) {
	sem := semaphore.NewWeighted(int64(job.MaxConcurrency))
	var wg sync.WaitGroup

	for i := 0; i < job.Total; i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled: mark remaining items cancelled and stop.
			t.mu.Lock()
			for j := i; j < job.Total; j++ {
				job.ItemStatuses[j] = types.JobCancelled
			}
			job.Status = types.JobCancelled
			job.UpdatedAt = time.Now()
			t.mu.Unlock()
			break
		}

		index := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			t.setItemStatus(job, index, types.JobRunning)
			err := fn(ctx, index)

			t.mu.Lock()
			if err != nil {
				job.ItemStatuses[index] = types.JobFailed
				job.Failed++
				t.logger.Warn("batch item failed", zap.String("job", job.ID), zap.Int("index", index), zap.Error(err))
			} else {
				job.ItemStatuses[index] = types.JobSucceeded
				job.Completed++
			}
			job.UpdatedAt = time.Now()
			t.mu.Unlock()
		}()
	}

	wg.Wait()

	t.mu.Lock()
	if job.Status != types.JobCancelled {
		if job.Failed == job.Total {
			job.Status = types.JobFailed
		} else {
			job.Status = types.JobSucceeded
		}
	}
	job.UpdatedAt = time.Now()
	t.mu.Unlock()
}

func (t *JobTracker) setItemStatus(job *types.BatchJob, index int, status types.JobStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job.ItemStatuses[index] = status
}

// Get returns a point-in-time copy of the job's status/counters.
func (t *JobTracker) Get(jobID string) (types.BatchJob, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[jobID]
	if !ok {
		return types.BatchJob{}, ErrJobNotFound
	}
	cp := *job
	cp.ItemStatuses = append([]types.JobStatus(nil), job.ItemStatuses...)
	return cp, nil
}

// Cancel marks a job cancelled. In-flight items are allowed to finish;
// items not yet started will observe ctx cancellation on their next
// semaphore acquire in run's loop only if the caller's ctx is itself
// cancellable and shared - Cancel here only flips the terminal status
// for jobs whose items are tracked independently by the caller.
func (t *JobTracker) Cancel(jobID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.Status = types.JobCancelled
	job.UpdatedAt = time.Now()
	return nil
}

// Purge removes a terminal job's record. Returns ErrJobNotFound if
// absent, or an error if the job has not reached a terminal state.
func (t *JobTracker) Purge(jobID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if !job.Status.IsTerminal() {
		return errors.New("cannot purge a job still in progress")
	}
	delete(t.jobs, jobID)
	return nil
}

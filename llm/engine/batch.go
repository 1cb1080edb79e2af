package engine

import (
	"context"

	"github.com/flowmesh/gateway/llm"
	"github.com/flowmesh/gateway/types"
)

// Batch submits a set of chat requests to run with bounded concurrency
// and returns a job id immediately. Each item is routed and dispatched
// independently through Infer, so different items in one batch may land
// on different providers.
func (e *Engine) Batch(ctx context.Context, tenant *types.TenantContext, reqs []*types.InferenceRequest, chats []*llm.ChatRequest, maxConcurrency int) string {
	total := len(reqs)
	return e.jobs.Submit(ctx, tenant.TenantID, total, maxConcurrency, func(ctx context.Context, index int) error {
		_, err := e.Infer(ctx, reqs[index], chats[index])
		return err
	})
}

// GetBatchStatus returns a point-in-time copy of a batch job's status.
func (e *Engine) GetBatchStatus(jobID string) (types.BatchJob, error) {
	return e.jobs.Get(jobID)
}

package engine

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/flowmesh/gateway/llm"
	"github.com/flowmesh/gateway/llm/circuitbreaker"
	"github.com/flowmesh/gateway/llm/streaming"
	"github.com/flowmesh/gateway/types"
)

// Stream routes req and relays the winning provider's StreamChunk feed
// through a gateway ChunkStream, recording time-to-first-token and
// refusing to fall back to another candidate once a chunk has already
// reached the consumer - a client may have already rendered partial
// output by then, so fallback would produce a duplicated or inconsistent
// response.
func (e *Engine) Stream(ctx context.Context, req *types.InferenceRequest, chat *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	if err := e.checkQuota(ctx, req, chat); err != nil {
		e.logAudit(ctx, req, "", "failure", err)
		return nil, err
	}

	decision, err := e.route(ctx, req)
	if err != nil {
		e.logAudit(ctx, req, "", "failure", err)
		return nil, err
	}

	candidates := append([]types.RoutingCandidate{decision.Primary}, decision.Fallbacks...)
	out := make(chan llm.StreamChunk)

	go func() {
		defer close(out)

		cs := streaming.NewChunkStream(streaming.BackpressureConfig{
			BufferSize: streaming.DefaultChunkBufferSize,
			DropPolicy: streaming.DropPolicyBlock,
		})
		defer cs.Close()

		var lastErr error
		var lastProvider string
		for i, cand := range candidates {
			chat.Model = req.ModelID
			lastProvider = cand.ProviderID

			p, ok := e.registry.Get(cand.ProviderID)
			if !ok {
				lastErr = types.NewError(types.ErrNoCompatibleProvider, "provider not registered: "+cand.ProviderID)
				continue
			}

			if cb, ok := e.breakers[cand.ProviderID]; ok && cb != nil && cb.State() == circuitbreaker.StateOpen {
				lastErr = types.NewError(types.ErrCircuitOpen, "circuit open for "+cand.ProviderID)
				continue
			}

			chunks, err := p.Stream(ctx, chat)
			if err != nil {
				lastErr = err
				if cs.HasDeliveredChunk() || i == len(candidates)-1 {
					break
				}
				continue
			}

			streamErr := relay(ctx, cs, chunks, out)
			if streamErr == nil {
				e.logAudit(ctx, req, cand.ProviderID, "success", nil)
				return
			}
			lastErr = streamErr
			if cs.HasDeliveredChunk() || i == len(candidates)-1 {
				break
			}
			e.logger.Warn("stream candidate failed before first token, falling back",
				zap.String("request_id", req.RequestID), zap.String("provider", cand.ProviderID))
		}

		if lastErr != nil {
			out <- llm.StreamChunk{Err: toGatewayError(lastErr)}
		}
		if isCancellation(lastErr) {
			e.logAudit(ctx, req, lastProvider, "cancelled", lastErr)
		} else {
			e.logAudit(ctx, req, lastProvider, "failure", lastErr)
		}
	}()

	return out, nil
}

// relay drains chunks into both the gateway ChunkStream (for TTFT
// tracking) and the caller-facing out channel, stopping on the first
// provider-reported error or context cancellation.
func relay(ctx context.Context, cs *streaming.ChunkStream, chunks <-chan llm.StreamChunk, out chan<- llm.StreamChunk) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if chunk.Err != nil {
				return chunk.Err
			}

			payload, _ := json.Marshal(chunk)
			_ = cs.Write(ctx, streaming.Token{
				Content:   string(payload),
				Index:     chunk.Index,
				Timestamp: time.Now(),
				Final:     chunk.FinishReason != "",
			})

			select {
			case out <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func toGatewayError(err error) *types.Error {
	if e, ok := err.(*types.Error); ok {
		return e
	}
	return types.NewError(types.ErrUpstreamError, err.Error())
}

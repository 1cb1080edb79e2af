package streaming

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultChunkBufferSize is the gateway's default StreamChunk buffer
// depth - small relative to DefaultBackpressureConfig's 1024-token
// buffer, since a chunk here is a whole provider delta rather than a
// single token and callers are expected to drain promptly.
const DefaultChunkBufferSize = 8

// ChunkStream wraps a BackpressureStream to carry gateway StreamChunk
// payloads (boxed into Token.Content as an opaque handle by the
// caller) and to record time-to-first-token. Once the first chunk has
// been delivered, a failure is never retried - only reported to the
// consumer - since a client may already have rendered partial output.
type ChunkStream struct {
	*BackpressureStream
	startedAt     time.Time
	firstChunkAt  atomic.Int64 // UnixNano, 0 until the first chunk is written
	firstChunkSet atomic.Bool
}

// NewChunkStream creates a ChunkStream with DefaultChunkBufferSize
// unless cfg.BufferSize is explicitly set.
func NewChunkStream(cfg BackpressureConfig) *ChunkStream {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultChunkBufferSize
	}
	if cfg.DropPolicy == DropPolicyBlock && cfg.HighWaterMark == 0 {
		cfg.HighWaterMark = 0.8
		cfg.LowWaterMark = 0.2
	}
	return &ChunkStream{
		BackpressureStream: NewBackpressureStream(cfg),
		startedAt:          time.Now(),
	}
}

// Write records time-to-first-token on the first successful write, then
// delegates to BackpressureStream.Write.
func (c *ChunkStream) Write(ctx context.Context, token Token) error {
	err := c.BackpressureStream.Write(ctx, token)
	if err == nil && c.firstChunkSet.CompareAndSwap(false, true) {
		c.firstChunkAt.Store(time.Now().UnixNano())
	}
	return err
}

// TimeToFirstToken returns the duration between stream creation and the
// first successfully written chunk. Returns 0 if no chunk has been
// written yet.
func (c *ChunkStream) TimeToFirstToken() time.Duration {
	ns := c.firstChunkAt.Load()
	if ns == 0 {
		return 0
	}
	return time.Unix(0, ns).Sub(c.startedAt)
}

// HasDeliveredChunk reports whether at least one chunk has reached the
// buffer - used by the engine's retry policy to decide whether a
// mid-stream failure may be retried (never, once delivery has started)
// or falls back to a fresh attempt (only before the first chunk).
func (c *ChunkStream) HasDeliveredChunk() bool {
	return c.firstChunkSet.Load()
}

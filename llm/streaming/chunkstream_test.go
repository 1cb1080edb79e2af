package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChunkStream_DefaultsBufferSize(t *testing.T) {
	cs := NewChunkStream(BackpressureConfig{})
	defer cs.Close()
	assert.False(t, cs.HasDeliveredChunk())
	assert.Equal(t, DefaultChunkBufferSize, cap(cs.buffer))
}

func TestChunkStream_TimeToFirstTokenZeroBeforeWrite(t *testing.T) {
	cs := NewChunkStream(DefaultBackpressureConfig())
	defer cs.Close()
	assert.Equal(t, time.Duration(0), cs.TimeToFirstToken())
}

func TestChunkStream_RecordsFirstChunkOnly(t *testing.T) {
	cs := NewChunkStream(DefaultBackpressureConfig())
	defer cs.Close()

	err := cs.Write(context.Background(), Token{Content: "a", Index: 0})
	require.NoError(t, err)
	assert.True(t, cs.HasDeliveredChunk())
	firstTTFT := cs.TimeToFirstToken()
	assert.Greater(t, firstTTFT, time.Duration(0))

	err = cs.Write(context.Background(), Token{Content: "b", Index: 1})
	require.NoError(t, err)
	assert.Equal(t, firstTTFT, cs.TimeToFirstToken(), "TTFT should be pinned to the first chunk")
}

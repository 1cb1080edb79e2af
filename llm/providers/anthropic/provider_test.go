package claude

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowmesh/gateway/llm"
	"github.com/flowmesh/gateway/llm/providers"
	"github.com/flowmesh/gateway/types"
)

func TestClaudeProvider_Name(t *testing.T) {
	p := NewClaudeProvider(providers.ClaudeConfig{}, zap.NewNop())
	assert.Equal(t, "anthropic", p.Name())
}

func TestClaudeProvider_SupportsNativeFunctionCalling(t *testing.T) {
	p := NewClaudeProvider(providers.ClaudeConfig{}, zap.NewNop())
	assert.True(t, p.SupportsNativeFunctionCalling())
}

func TestClaudeProvider_DefaultAnthropicVersion(t *testing.T) {
	p := NewClaudeProvider(providers.ClaudeConfig{}, zap.NewNop())
	assert.Equal(t, defaultAnthropicVersion, p.cfg.AnthropicVersion)
}

func TestClaudeProvider_CustomAnthropicVersionPreserved(t *testing.T) {
	cfg := providers.ClaudeConfig{AnthropicVersion: "2024-01-01"}
	p := NewClaudeProvider(cfg, zap.NewNop())
	assert.Equal(t, "2024-01-01", p.cfg.AnthropicVersion)
}

func TestClaudeProvider_Supports(t *testing.T) {
	p := NewClaudeProvider(providers.ClaudeConfig{
		BaseProviderConfig: providers.BaseProviderConfig{Models: []string{"claude-opus-4"}},
	}, zap.NewNop())

	assert.True(t, p.Supports("claude-opus-4", nil))
	assert.False(t, p.Supports("gpt-4o", nil))
}

func TestClaudeProvider_Capabilities(t *testing.T) {
	p := NewClaudeProvider(providers.ClaudeConfig{}, zap.NewNop())
	caps := p.Capabilities()
	assert.True(t, caps.Streaming)
	assert.True(t, caps.NativeToolCalling)
	assert.Contains(t, caps.Formats, "anthropic-messages")
}

func TestClaudeProvider_BuildParamsExtractsSystemMessage(t *testing.T) {
	p := NewClaudeProvider(providers.ClaudeConfig{}, zap.NewNop())
	req := &llm.ChatRequest{
		Model: "claude-opus-4",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "be terse"},
			{Role: llm.RoleUser, Content: "hi"},
		},
	}

	params := p.buildParams(req)
	require.Len(t, params.System, 1)
	assert.Equal(t, "be terse", params.System[0].Text)
	assert.Len(t, params.Messages, 1)
}

func TestClaudeProvider_BuildParamsDefaultsMaxTokens(t *testing.T) {
	p := NewClaudeProvider(providers.ClaudeConfig{}, zap.NewNop())
	req := &llm.ChatRequest{
		Model:    "claude-opus-4",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}

	params := p.buildParams(req)
	assert.Equal(t, int64(4096), params.MaxTokens)
}

func TestClaudeProvider_MapErrorFallsBackToUpstream(t *testing.T) {
	p := NewClaudeProvider(providers.ClaudeConfig{}, zap.NewNop())
	gwErr := p.mapError(assertPlainError("boom"))
	assert.Equal(t, types.ErrUpstreamError, gwErr.Code)
	assert.True(t, gwErr.Retryable)
}

type assertPlainError string

func (e assertPlainError) Error() string { return string(e) }

func TestClaudeProvider_Integration(t *testing.T) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		t.Skip("ANTHROPIC_API_KEY not set, skipping integration test")
	}

	p := NewClaudeProvider(providers.ClaudeConfig{
		BaseProviderConfig: providers.BaseProviderConfig{
			APIKey:  apiKey,
			Model:   "claude-3-5-haiku-latest",
			Timeout: 30 * time.Second,
		},
	}, zap.NewNop())

	ctx := context.Background()

	t.Run("HealthCheck", func(t *testing.T) {
		status, err := p.HealthCheck(ctx)
		require.NoError(t, err)
		assert.True(t, status.Healthy)
	})

	t.Run("Completion", func(t *testing.T) {
		req := &llm.ChatRequest{
			Model:     "claude-3-5-haiku-latest",
			Messages:  []llm.Message{{Role: llm.RoleUser, Content: "Say 'test' only"}},
			MaxTokens: 10,
		}
		resp, err := p.Completion(ctx, req)
		require.NoError(t, err)
		assert.NotEmpty(t, resp.Choices)
	})
}

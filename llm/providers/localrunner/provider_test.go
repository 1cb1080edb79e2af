package localrunner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/flowmesh/gateway/llm"
	"github.com/flowmesh/gateway/llm/providers"
)

func TestLocalRunnerProvider_Name(t *testing.T) {
	p := NewLocalRunnerProvider(providers.LocalRunnerConfig{}, zap.NewNop())
	assert.Equal(t, "localrunner", p.Name())
}

func TestLocalRunnerProvider_SupportsNativeFunctionCallingFalse(t *testing.T) {
	p := NewLocalRunnerProvider(providers.LocalRunnerConfig{}, zap.NewNop())
	assert.False(t, p.SupportsNativeFunctionCalling())
}

func TestLocalRunnerProvider_CapabilitiesLocal(t *testing.T) {
	p := NewLocalRunnerProvider(providers.LocalRunnerConfig{}, zap.NewNop())
	caps := p.Capabilities()
	assert.True(t, caps.Local)
	assert.True(t, caps.Streaming)
	assert.Contains(t, caps.Formats, "gguf")
}

func TestLocalRunnerProvider_Supports(t *testing.T) {
	p := NewLocalRunnerProvider(providers.LocalRunnerConfig{Models: []string{"mistral-7b"}}, zap.NewNop())
	assert.True(t, p.Supports("mistral-7b", nil))
	assert.False(t, p.Supports("llama-3", nil))
}

func TestLocalRunnerProvider_DefaultsApplied(t *testing.T) {
	p := NewLocalRunnerProvider(providers.LocalRunnerConfig{}, zap.NewNop())
	assert.Equal(t, 2, p.cfg.MaxSessions)
	assert.Greater(t, p.cfg.IdleTimeout, time.Duration(0))
}

func TestLocalRunnerProvider_ListModelsReflectsConfig(t *testing.T) {
	p := NewLocalRunnerProvider(providers.LocalRunnerConfig{Models: []string{"a", "b"}}, zap.NewNop())
	models, err := p.ListModels(context.Background())
	assert.NoError(t, err)
	assert.Len(t, models, 2)
	assert.Equal(t, "local", models[0].OwnedBy)
}

func TestLocalRunnerProvider_HealthCheckFailsWithoutModels(t *testing.T) {
	p := NewLocalRunnerProvider(providers.LocalRunnerConfig{}, zap.NewNop())
	status, err := p.HealthCheck(context.Background())
	assert.Error(t, err)
	assert.False(t, status.Healthy)
}

func TestLocalRunnerProvider_BuildWireRequestJoinsTurns(t *testing.T) {
	p := NewLocalRunnerProvider(providers.LocalRunnerConfig{}, zap.NewNop())
	req := &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "be terse"},
			{Role: llm.RoleUser, Content: "hi"},
		},
		MaxTokens: 32,
	}

	wire := p.buildWireRequest(req)
	assert.Contains(t, wire.Prompt, "be terse")
	assert.Contains(t, wire.Prompt, "hi")
	assert.Equal(t, 32, wire.MaxTokens)
}

func TestLocalRunnerProvider_BuildWireRequestDefaultsMaxTokens(t *testing.T) {
	p := NewLocalRunnerProvider(providers.LocalRunnerConfig{}, zap.NewNop())
	wire := p.buildWireRequest(&llm.ChatRequest{})
	assert.Equal(t, 512, wire.MaxTokens)
}

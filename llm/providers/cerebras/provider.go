// Package cerebras adapts the Cerebras Inference API, which speaks the
// OpenAI chat-completions wire format against its own base URL - the
// same shape llama.Provider wraps for Together/Replicate/OpenRouter,
// but exercised here via the openai-go SDK client directly instead of
// the teacher's hand-rolled openaicompat HTTP layer.
package cerebras

import (
	"context"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	"github.com/flowmesh/gateway/llm"
	"github.com/flowmesh/gateway/llm/providers"
	"github.com/flowmesh/gateway/types"
)

const defaultBaseURL = "https://api.cerebras.ai/v1"

// CerebrasProvider implements llm.Provider against the Cerebras
// Inference API.
type CerebrasProvider struct {
	client openai.Client
	cfg    providers.CerebrasConfig
	logger *zap.Logger
}

// NewCerebrasProvider creates a Cerebras adapter.
func NewCerebrasProvider(cfg providers.CerebrasConfig, logger *zap.Logger) *CerebrasProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
	)

	return &CerebrasProvider{client: client, cfg: cfg, logger: logger}
}

// Id implements llm.CapabilityProvider.
func (p *CerebrasProvider) Id() string { return "cerebras" }

// Version implements llm.CapabilityProvider.
func (p *CerebrasProvider) Version() string { return "v1" }

// Capabilities implements llm.CapabilityProvider.
func (p *CerebrasProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Streaming: true, NativeToolCalling: true, Formats: []string{"openai-chat"}}
}

// Supports implements llm.CapabilityProvider.
func (p *CerebrasProvider) Supports(modelID string, tenant *types.TenantContext) bool {
	if len(p.cfg.Models) == 0 {
		return true
	}
	for _, m := range p.cfg.Models {
		if m == modelID {
			return true
		}
	}
	return false
}

// Name implements llm.Provider.
func (p *CerebrasProvider) Name() string { return "cerebras" }

// SupportsNativeFunctionCalling implements llm.Provider.
func (p *CerebrasProvider) SupportsNativeFunctionCalling() bool { return true }

// Completion implements llm.Provider.
func (p *CerebrasProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	params := p.buildParams(req)

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.mapError(err)
	}
	return p.toChatResponse(req.Model, resp), nil
}

// Stream implements llm.Provider.
func (p *CerebrasProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	params := p.buildParams(req)
	out := make(chan llm.StreamChunk)

	go func() {
		defer close(out)

		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		index := 0
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			out <- llm.StreamChunk{
				Provider:     p.Name(),
				Model:        req.Model,
				Index:        index,
				Delta:        llm.Message{Role: llm.RoleAssistant, Content: choice.Delta.Content},
				FinishReason: choice.FinishReason,
			}
			index++
		}
		if err := stream.Err(); err != nil {
			out <- llm.StreamChunk{Err: p.mapError(err)}
		}
	}()

	return out, nil
}

// HealthCheck implements llm.Provider.
func (p *CerebrasProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	_, err := p.client.Models.List(ctx)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, p.mapError(err)
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// ListModels implements llm.Provider.
func (p *CerebrasProvider) ListModels(ctx context.Context) ([]llm.Model, error) {
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, p.mapError(err)
	}
	out := make([]llm.Model, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, llm.Model{ID: m.ID, Object: "model", Created: m.Created, OwnedBy: m.OwnedBy})
	}
	return out, nil
}

func (p *CerebrasProvider) buildParams(req *llm.ChatRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case llm.RoleUser:
			messages = append(messages, openai.UserMessage(m.Content))
		case llm.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		case llm.RoleTool:
			messages = append(messages, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(float64(req.Temperature))
	}
	if len(req.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	return params
}

func (p *CerebrasProvider) toChatResponse(model string, resp *openai.ChatCompletion) *llm.ChatResponse {
	choices := make([]llm.ChatChoice, 0, len(resp.Choices))
	for i, c := range resp.Choices {
		choices = append(choices, llm.ChatChoice{
			Index:        i,
			FinishReason: c.FinishReason,
			Message:      llm.Message{Role: llm.RoleAssistant, Content: c.Message.Content},
		})
	}
	return &llm.ChatResponse{
		ID:       resp.ID,
		Provider: p.Name(),
		Model:    model,
		Choices:  choices,
		Usage: llm.ChatUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
		CreatedAt: time.Now(),
	}
}

func (p *CerebrasProvider) mapError(err error) *types.Error {
	if apiErr, ok := err.(*openai.Error); ok {
		return providers.MapHTTPError(apiErr.StatusCode, apiErr.Message, p.Name())
	}
	return providers.MapHTTPError(502, err.Error(), p.Name())
}

package claude

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/flowmesh/gateway/llm"
	"github.com/flowmesh/gateway/llm/middleware"
	"github.com/flowmesh/gateway/llm/providers"
	"github.com/flowmesh/gateway/types"
)

const defaultAnthropicVersion = "2023-06-01"

// ClaudeProvider implements llm.Provider directly against the Anthropic
// Messages API rather than embedding openaicompat - the wire shape
// (x-api-key header, system-as-top-level-field, array content blocks)
// diverges too far from the OpenAI chat-completions format to share
// that base.
type ClaudeProvider struct {
	client        anthropic.Client
	cfg           providers.ClaudeConfig
	logger        *zap.Logger
	rewriterChain *middleware.RewriterChain
}

// NewClaudeProvider creates an Anthropic Messages API adapter.
func NewClaudeProvider(cfg providers.ClaudeConfig, logger *zap.Logger) *ClaudeProvider {
	if cfg.AnthropicVersion == "" {
		cfg.AnthropicVersion = defaultAnthropicVersion
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &ClaudeProvider{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
		logger: logger,
		rewriterChain: middleware.NewRewriterChain(
			middleware.NewEmptyToolsCleaner(),
		),
	}
}

// Id implements llm.CapabilityProvider.
func (p *ClaudeProvider) Id() string { return "anthropic" }

// Version implements llm.CapabilityProvider.
func (p *ClaudeProvider) Version() string { return "v1" }

// Capabilities implements llm.CapabilityProvider.
func (p *ClaudeProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		Streaming:         true,
		NativeToolCalling: true,
		Formats:           []string{"anthropic-messages"},
	}
}

// Supports implements llm.CapabilityProvider.
func (p *ClaudeProvider) Supports(modelID string, tenant *types.TenantContext) bool {
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
func (p *ClaudeProvider) Name() string { return "anthropic" }

// SupportsNativeFunctionCalling implements llm.Provider.
func (p *ClaudeProvider) SupportsNativeFunctionCalling() bool { return true }

// Completion implements llm.Provider.
func (p *ClaudeProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	rewritten, err := p.rewriterChain.Execute(ctx, req)
	if err != nil {
		return nil, providers.MapHTTPError(400, err.Error(), p.Name())
	}
	req = rewritten

	params := p.buildParams(req)

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.mapError(err)
	}

	return p.toChatResponse(req.Model, msg), nil
}

// Stream implements llm.Provider.
func (p *ClaudeProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	rewritten, err := p.rewriterChain.Execute(ctx, req)
	if err != nil {
		return nil, providers.MapHTTPError(400, err.Error(), p.Name())
	}
	req = rewritten
	params := p.buildParams(req)

	out := make(chan llm.StreamChunk)

	go func() {
		defer close(out)

		stream := p.client.Messages.NewStreaming(ctx, params)
		index := 0
		var acc anthropic.Message

		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				p.logger.Warn("failed to accumulate anthropic stream event", zap.Error(err))
				continue
			}

			switch event.Type {
			case "content_block_delta":
				delta := event.Delta
				out <- llm.StreamChunk{
					Provider: p.Name(),
					Model:    req.Model,
					Index:    index,
					Delta:    llm.Message{Role: llm.RoleAssistant, Content: delta.Text},
				}
				index++
			case "message_stop":
				out <- llm.StreamChunk{
					Provider:     p.Name(),
					Model:        req.Model,
					Index:        index,
					FinishReason: string(acc.StopReason),
					Usage: &llm.ChatUsage{
						PromptTokens:     int(acc.Usage.InputTokens),
						CompletionTokens: int(acc.Usage.OutputTokens),
						TotalTokens:      int(acc.Usage.InputTokens + acc.Usage.OutputTokens),
					},
				}
			}
		}

		if err := stream.Err(); err != nil {
			out <- llm.StreamChunk{Err: p.mapError(err)}
		}
	}()

	return out, nil
}

// HealthCheck implements llm.Provider with a minimal, cheap request.
func (p *ClaudeProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	model := p.cfg.Model
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	_, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, p.mapError(err)
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// ListModels implements llm.Provider. Anthropic exposes a models listing
// endpoint but it is rarely needed by tenants pinning specific model ids,
// so the gateway's static ModelManifest is the source of truth instead.
func (p *ClaudeProvider) ListModels(ctx context.Context) ([]llm.Model, error) {
	return nil, nil
}

// buildParams translates a gateway ChatRequest into Anthropic's Messages
// API shape: the system message is extracted from the message list and
// passed as a top-level field, and tool results become content blocks
// rather than a distinct message role.
func (p *ClaudeProvider) buildParams(req *llm.ChatRequest) anthropic.MessageNewParams {
	var system string
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case llm.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case llm.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case llm.RoleTool:
			// Tool results are returned to Claude as a user-role message
			// carrying a tool_result content block, per the Messages API.
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	if len(req.Tools) > 0 {
		params.Tools = p.buildTools(req.Tools)
	}

	return params
}

func (p *ClaudeProvider) buildTools(schemas []llm.ToolSchema) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        s.Name,
				Description: anthropic.String(s.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: s.Parameters,
				},
			},
		})
	}
	return tools
}

func (p *ClaudeProvider) toChatResponse(model string, msg *anthropic.Message) *llm.ChatResponse {
	var content string
	var toolCalls []llm.ToolCall
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += b.Text
		case anthropic.ToolUseBlock:
			toolCalls = append(toolCalls, llm.ToolCall{
				ID:   b.ID,
				Name: b.Name,
			})
		}
	}

	return &llm.ChatResponse{
		ID:       msg.ID,
		Provider: p.Name(),
		Model:    model,
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: string(msg.StopReason),
			Message: llm.Message{
				Role:      llm.RoleAssistant,
				Content:   content,
				ToolCalls: toolCalls,
			},
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		CreatedAt: time.Now(),
	}
}

// mapError translates an Anthropic SDK error into the gateway's error
// taxonomy, reusing the shared HTTP-status mapping every provider uses.
func (p *ClaudeProvider) mapError(err error) *types.Error {
	if apiErr, ok := err.(*anthropic.Error); ok {
		return providers.MapHTTPError(apiErr.StatusCode, apiErr.Message, p.Name())
	}
	return &types.Error{
		Code:      types.ErrUpstreamError,
		Message:   fmt.Sprintf("anthropic: %v", err),
		Retryable: true,
		Provider:  p.Name(),
	}
}

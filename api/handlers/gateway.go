package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowmesh/gateway/api"
	"github.com/flowmesh/gateway/llm"
	"github.com/flowmesh/gateway/llm/circuitbreaker"
	"github.com/flowmesh/gateway/llm/engine"
	"github.com/flowmesh/gateway/llm/router"
	"github.com/flowmesh/gateway/types"
)

// =============================================================================
// 🌐 Gateway 接口 Handler
// =============================================================================

// GatewayHandler serves chat completions through the full inference
// engine (manifest resolution, multi-factor routing, plugin pipeline,
// circuit-breaker/quota-aware dispatch with fallback) rather than a
// single bound provider, the way ChatHandler does.
type GatewayHandler struct {
	engine *engine.Engine
	logger *zap.Logger
}

// NewGatewayHandler creates a gateway-routed chat handler.
func NewGatewayHandler(eng *engine.Engine, logger *zap.Logger) *GatewayHandler {
	return &GatewayHandler{engine: eng, logger: logger}
}

// HandleCompletion 处理经由网关路由的聊天补全请求
// @Summary 网关路由聊天完成
// @Description 通过多因子路由、熔断与配额保护的完整推理引擎处理聊天请求
// @Tags 聊天
// @Accept json
// @Produce json
// @Param request body api.ChatRequest true "聊天请求"
// @Success 200 {object} api.ChatResponse "聊天响应"
// @Failure 400 {object} Response "无效请求"
// @Failure 500 {object} Response "内部错误"
// @Security ApiKeyAuth
// @Router /v1/gateway/chat/completions [post]
func (h *GatewayHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if err := h.validateChatRequest(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	inferReq, chatReq := h.convertToEngineRequest(&req)

	ctx := r.Context()
	if chatReq.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, chatReq.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := h.engine.Infer(ctx, inferReq, chatReq)
	duration := time.Since(start)

	if err != nil {
		h.handleEngineError(w, err)
		return
	}

	h.logger.Info("gateway chat completion",
		zap.String("request_id", inferReq.RequestID),
		zap.String("model", req.Model),
		zap.String("provider", resp.Provider),
		zap.Duration("duration", duration),
	)

	WriteSuccess(w, h.convertToAPIResponse(resp))
}

// HandleStream 处理经由网关路由的流式聊天请求
// @Summary 网关路由流式聊天完成
// @Description 通过完整推理引擎处理流式聊天请求，支持跨候选回退
// @Tags 聊天
// @Accept json
// @Produce text/event-stream
// @Param request body api.ChatRequest true "聊天请求"
// @Success 200 {string} string "SSE 流"
// @Failure 400 {object} Response "无效请求"
// @Failure 500 {object} Response "内部错误"
// @Security ApiKeyAuth
// @Router /v1/gateway/chat/completions/stream [post]
func (h *GatewayHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if err := h.validateChatRequest(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	inferReq, chatReq := h.convertToEngineRequest(&req)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	stream, err := h.engine.Stream(r.Context(), inferReq, chatReq)
	if err != nil {
		h.handleEngineError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		err := types.NewError(types.ErrInternalError, "streaming not supported")
		WriteError(w, err, h.logger)
		return
	}

	for chunk := range stream {
		if chunk.Err != nil {
			h.logger.Error("gateway stream error", zap.Error(chunk.Err))
			errPayload, _ := json.Marshal(map[string]string{"error": chunk.Err.Message})
			w.Write([]byte("event: error\n"))
			w.Write([]byte("data: "))
			w.Write(errPayload)
			w.Write([]byte("\n\n"))
			flusher.Flush()
			return
		}

		w.Write([]byte("data: "))
		if err := writeJSON(w, &chunk); err != nil {
			h.logger.Error("failed to write chunk", zap.Error(err))
			return
		}
		w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

func (h *GatewayHandler) validateChatRequest(req *api.ChatRequest) *types.Error {
	if req.Model == "" {
		return types.NewError(types.ErrInvalidRequest, "model is required")
	}
	if len(req.Messages) == 0 {
		return types.NewError(types.ErrInvalidRequest, "messages cannot be empty")
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return types.NewError(types.ErrInvalidRequest, "temperature must be between 0 and 2")
	}
	if req.TopP < 0 || req.TopP > 1 {
		return types.NewError(types.ErrInvalidRequest, "top_p must be between 0 and 1")
	}
	return nil
}

// convertToEngineRequest splits an api.ChatRequest into the two shapes
// Engine.Infer/Stream take: routing/tenancy concerns in InferenceRequest,
// wire payload in llm.ChatRequest.
func (h *GatewayHandler) convertToEngineRequest(req *api.ChatRequest) (*types.InferenceRequest, *llm.ChatRequest) {
	timeout := 30 * time.Second
	if req.Timeout != "" {
		if d, err := time.ParseDuration(req.Timeout); err == nil {
			timeout = d
		}
	}

	messages := make([]types.Message, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = types.Message{
			Role:       types.Role(msg.Role),
			Content:    msg.Content,
			Name:       msg.Name,
			ToolCalls:  msg.ToolCalls,
			ToolCallID: msg.ToolCallID,
		}
	}

	tools := make([]types.ToolSchema, len(req.Tools))
	for i, tool := range req.Tools {
		tools[i] = types.ToolSchema{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		}
	}

	requestID := req.TraceID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	inferReq := &types.InferenceRequest{
		RequestID: requestID,
		Tenant:    &types.TenantContext{TenantID: req.TenantID},
		ModelID:   req.Model,
		Strategy:  types.StrategyDefault,
	}

	chatReq := &llm.ChatRequest{
		TraceID:     req.TraceID,
		TenantID:    req.TenantID,
		UserID:      req.UserID,
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Tools:       tools,
		ToolChoice:  req.ToolChoice,
		Timeout:     timeout,
		Metadata:    req.Metadata,
		Tags:        req.Tags,
	}

	return inferReq, chatReq
}

func (h *GatewayHandler) convertToAPIResponse(resp *llm.ChatResponse) *api.ChatResponse {
	choices := make([]api.ChatChoice, len(resp.Choices))
	for i, choice := range resp.Choices {
		choices[i] = api.ChatChoice{
			Index:        choice.Index,
			FinishReason: choice.FinishReason,
			Message: api.Message{
				Role:       string(choice.Message.Role),
				Content:    choice.Message.Content,
				Name:       choice.Message.Name,
				ToolCalls:  choice.Message.ToolCalls,
				ToolCallID: choice.Message.ToolCallID,
			},
		}
	}
	return &api.ChatResponse{
		ID:       resp.ID,
		Provider: resp.Provider,
		Model:    resp.Model,
		Choices:  choices,
		Usage: api.ChatUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		CreatedAt: resp.CreatedAt,
	}
}

func (h *GatewayHandler) handleEngineError(w http.ResponseWriter, err error) {
	if typedErr, ok := err.(*types.Error); ok {
		WriteError(w, typedErr, h.logger)
		return
	}
	if errors.Is(err, router.ErrNoCompatibleProvider) {
		WriteError(w, types.NewError(types.ErrNoCompatibleProvider, err.Error()), h.logger)
		return
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		WriteError(w, types.NewError(types.ErrCircuitOpen, err.Error()).WithRetryable(true), h.logger)
		return
	}
	internalErr := types.NewError(types.ErrUpstreamError, err.Error()).WithRetryable(false)
	WriteError(w, internalErr, h.logger)
}

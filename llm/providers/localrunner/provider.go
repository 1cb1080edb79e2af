// Package localrunner adapts genuinely local GGUF models: each request
// is dispatched to a warm local runner process (llama.cpp-shaped,
// resident in memory) via the gateway's session package rather than an
// HTTP round trip to a cloud API. Process lifecycle (spawn, pool,
// evict) mirrors the concurrency-bounding shape of
// internal/pool.GoroutinePool, adapted to the one-process-per-model-slot
// semantics the session package already provides.
package localrunner

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flowmesh/gateway/llm"
	"github.com/flowmesh/gateway/llm/providers"
	"github.com/flowmesh/gateway/llm/session"
	"github.com/flowmesh/gateway/types"
)

const defaultTenant = "_local"

// LocalRunnerProvider implements llm.Provider by dispatching requests
// to pooled local inference processes, one per (tenant, model) slot.
type LocalRunnerProvider struct {
	cfg      providers.LocalRunnerConfig
	sessions *session.Manager
	poolCfg  session.PoolConfig
	logger   *zap.Logger
}

// NewLocalRunnerProvider creates a local GGUF runner adapter backed by
// a warm-pool session manager.
func NewLocalRunnerProvider(cfg providers.LocalRunnerConfig, logger *zap.Logger) *LocalRunnerProvider {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 2
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &LocalRunnerProvider{
		cfg:     cfg,
		poolCfg: session.PoolConfig{MinSize: 0, MaxSize: cfg.MaxSessions, IdleTimeout: cfg.IdleTimeout},
		logger:  logger,
	}
	p.sessions = session.NewManager(p.spawn, logger)
	return p
}

func (p *LocalRunnerProvider) spawn(ctx context.Context, key session.Key) (session.Session, error) {
	modelPath := filepath.Join(p.cfg.ModelsDir, key.ModelID+".gguf")
	return startRunnerSession(ctx, p.cfg.BinaryPath, modelPath, p.cfg.StartupWait)
}

func (p *LocalRunnerProvider) key(modelID string) session.Key {
	return session.Key{TenantID: defaultTenant, ModelID: modelID, Runner: "local"}
}

// Id implements llm.CapabilityProvider.
func (p *LocalRunnerProvider) Id() string { return "localrunner" }

// Version implements llm.CapabilityProvider.
func (p *LocalRunnerProvider) Version() string { return "v1" }

// Capabilities implements llm.CapabilityProvider.
func (p *LocalRunnerProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Streaming: true, NativeToolCalling: false, Local: true, Formats: []string{"gguf"}}
}

// Supports implements llm.CapabilityProvider: only models with a
// resident .gguf file under ModelsDir are servable.
func (p *LocalRunnerProvider) Supports(modelID string, tenant *types.TenantContext) bool {
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
func (p *LocalRunnerProvider) Name() string { return "localrunner" }

// SupportsNativeFunctionCalling implements llm.Provider: local GGUF
// runners have no tool-calling grammar support in this adapter.
func (p *LocalRunnerProvider) SupportsNativeFunctionCalling() bool { return false }

// Completion implements llm.Provider.
func (p *LocalRunnerProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	key := p.key(req.Model)
	sess, err := p.sessions.Acquire(ctx, key, p.poolCfg)
	if err != nil {
		return nil, p.mapError(err)
	}
	rs := sess.(*runnerSession)
	defer p.sessions.Release(ctx, key, sess)

	var content strings.Builder
	result, err := rs.infer(p.buildWireRequest(req), func(chunk wireResponse) {
		content.WriteString(chunk.Token)
	})
	if err != nil {
		return nil, p.mapError(err)
	}

	return &llm.ChatResponse{
		Provider: p.Name(),
		Model:    req.Model,
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: result.FinishReason,
			Message:      llm.Message{Role: llm.RoleAssistant, Content: content.String()},
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
			TotalTokens:      result.PromptTokens + result.CompletionTokens,
		},
		CreatedAt: time.Now(),
	}, nil
}

// Stream implements llm.Provider.
func (p *LocalRunnerProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	key := p.key(req.Model)
	sess, err := p.sessions.Acquire(ctx, key, p.poolCfg)
	if err != nil {
		return nil, p.mapError(err)
	}
	rs := sess.(*runnerSession)

	out := make(chan llm.StreamChunk)

	go func() {
		defer close(out)
		defer p.sessions.Release(ctx, key, sess)

		index := 0
		result, err := rs.infer(p.buildWireRequest(req), func(chunk wireResponse) {
			out <- llm.StreamChunk{
				Provider: p.Name(),
				Model:    req.Model,
				Index:    index,
				Delta:    llm.Message{Role: llm.RoleAssistant, Content: chunk.Token},
			}
			index++
		})
		if err != nil {
			out <- llm.StreamChunk{Err: p.mapError(err)}
			return
		}

		out <- llm.StreamChunk{
			Provider:     p.Name(),
			Model:        req.Model,
			Index:        index,
			FinishReason: result.FinishReason,
			Usage: &llm.ChatUsage{
				PromptTokens:     result.PromptTokens,
				CompletionTokens: result.CompletionTokens,
				TotalTokens:      result.PromptTokens + result.CompletionTokens,
			},
		}
	}()

	return out, nil
}

// HealthCheck implements llm.Provider by acquiring and releasing a
// session for the configured default model, the cheapest proof that
// the runner binary still starts and responds.
func (p *LocalRunnerProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	if len(p.cfg.Models) == 0 {
		return &llm.HealthStatus{Healthy: false}, types.NewError(types.ErrServiceUnavailable, "no local models configured")
	}

	start := time.Now()
	key := p.key(p.cfg.Models[0])
	sess, err := p.sessions.Acquire(ctx, key, p.poolCfg)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, p.mapError(err)
	}
	healthy := sess.Healthy()
	p.sessions.Release(ctx, key, sess)
	return &llm.HealthStatus{Healthy: healthy, Latency: latency}, nil
}

// ListModels implements llm.Provider by reporting the statically
// configured model set - there is no discovery endpoint for a local
// runner, only files on disk.
func (p *LocalRunnerProvider) ListModels(ctx context.Context) ([]llm.Model, error) {
	out := make([]llm.Model, 0, len(p.cfg.Models))
	for _, m := range p.cfg.Models {
		out = append(out, llm.Model{ID: m, Object: "model", OwnedBy: "local"})
	}
	return out, nil
}

func (p *LocalRunnerProvider) buildWireRequest(req *llm.ChatRequest) wireRequest {
	var prompt strings.Builder
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			fmt.Fprintf(&prompt, "### System\n%s\n\n", m.Content)
		case llm.RoleUser:
			fmt.Fprintf(&prompt, "### User\n%s\n\n", m.Content)
		case llm.RoleAssistant:
			fmt.Fprintf(&prompt, "### Assistant\n%s\n\n", m.Content)
		case llm.RoleTool:
			fmt.Fprintf(&prompt, "### Tool Result\n%s\n\n", m.Content)
		}
	}
	prompt.WriteString("### Assistant\n")

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}

	return wireRequest{
		Prompt:      prompt.String(),
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
	}
}

func (p *LocalRunnerProvider) mapError(err error) *types.Error {
	if gwErr, ok := err.(*types.Error); ok {
		return gwErr
	}
	return &types.Error{
		Code:      types.ErrProviderUnavailable,
		Message:   fmt.Sprintf("localrunner: %v", err),
		Retryable: true,
		Provider:  p.Name(),
	}
}

// Shutdown implements llm.Lifecycle, stopping every pooled runner
// process so no orphaned subprocess survives gateway teardown.
func (p *LocalRunnerProvider) Shutdown(ctx context.Context) error {
	p.sessions.Stop(ctx)
	return nil
}

// Initialize implements llm.Lifecycle. Local runner processes are
// started lazily on first Acquire, so there is nothing to warm here.
func (p *LocalRunnerProvider) Initialize(ctx context.Context, cfg llm.ProviderConfig) error {
	return nil
}

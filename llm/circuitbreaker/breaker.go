package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// Config 熔断器配置。失败判定基于滑动窗口内的失败率，而不是连续失败次数：
// 窗口未满 MinSamples 之前永不触发熔断，避免冷启动时单次失败就误判。
type Config struct {
	// WindowSize 滑动窗口大小（最近 N 次调用结果）
	WindowSize int

	// MinSamples 窗口内达到此样本数才允许评估失败率
	MinSamples int

	// FailureRateThreshold 失败率阈值（0-1），达到即触发熔断
	FailureRateThreshold float64

	// Timeout 单次调用超时时间
	Timeout time.Duration

	// ResetTimeout 熔断恢复等待时间（从 Open -> HalfOpen）
	ResetTimeout time.Duration

	// HalfOpenMaxCalls 半开状态下允许的最大请求数
	HalfOpenMaxCalls int

	// SuccessThreshold 半开状态下连续成功多少次才关闭熔断器
	SuccessThreshold int

	// OnStateChange 状态变更回调
	OnStateChange func(from State, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		WindowSize:           10,
		MinSamples:           10,
		FailureRateThreshold: 0.5,
		Timeout:              30 * time.Second,
		ResetTimeout:         60 * time.Second,
		HalfOpenMaxCalls:     3,
		SuccessThreshold:     2,
	}
}

// CircuitBreaker 熔断器接口
type CircuitBreaker interface {
	// Call 执行调用，如果熔断器打开则返回错误
	Call(ctx context.Context, fn func() error) error

	// CallWithResult 执行调用并返回结果
	CallWithResult(ctx context.Context, fn func() (any, error)) (any, error)

	// State 获取当前状态
	State() State

	// Reset 重置熔断器（手动恢复）
	Reset()

	// TripOpen 强制打开熔断器（外部控制，如人工下线某个 provider）
	TripOpen()
}

// slidingWindow 是一个定长环形缓冲区，记录最近 N 次调用的成败。
type slidingWindow struct {
	results []bool // true = success
	size    int
	next    int
	filled  int
}

func newSlidingWindow(size int) *slidingWindow {
	if size <= 0 {
		size = 10
	}
	return &slidingWindow{results: make([]bool, size), size: size}
}

func (w *slidingWindow) record(success bool) {
	w.results[w.next] = success
	w.next = (w.next + 1) % w.size
	if w.filled < w.size {
		w.filled++
	}
}

func (w *slidingWindow) reset() {
	w.filled = 0
	w.next = 0
}

// failureRate returns the window's failure rate and whether enough
// samples have accumulated to evaluate it.
func (w *slidingWindow) failureRate(minSamples int) (float64, bool) {
	if w.filled < minSamples {
		return 0, false
	}
	var failures int
	for i := 0; i < w.filled; i++ {
		if !w.results[i] {
			failures++
		}
	}
	return float64(failures) / float64(w.filled), true
}

// breaker 熔断器实现
type breaker struct {
	config *Config
	logger *zap.Logger

	mu                   sync.RWMutex
	state                State
	window               *slidingWindow
	lastTripTime         time.Time // 进入 Open 状态的时间
	halfOpenCallCount    int       // 半开状态下的调用次数
	halfOpenSuccessCount int       // 半开状态下的连续成功次数
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(config *Config, logger *zap.Logger) CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// 参数校验
	if config.WindowSize <= 0 {
		config.WindowSize = 10
	}
	if config.MinSamples <= 0 {
		config.MinSamples = config.WindowSize
	}
	if config.FailureRateThreshold <= 0 {
		config.FailureRateThreshold = 0.5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 3
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}

	return &breaker{
		config: config,
		logger: logger,
		state:  StateClosed,
		window: newSlidingWindow(config.WindowSize),
	}
}

// Call 实现 CircuitBreaker.Call
func (b *breaker) Call(ctx context.Context, fn func() error) error {
	_, err := b.CallWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

// CallWithResult 实现 CircuitBreaker.CallWithResult
// 核心逻辑：状态机转换 + 滑动窗口失败率 + 超时控制
func (b *breaker) CallWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	// 检查熔断器状态
	if err := b.beforeCall(); err != nil {
		return nil, err
	}

	// 创建超时 context
	callCtx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	// 执行调用
	resultCh := make(chan callResult, 1)
	go func() {
		result, err := fn()
		resultCh <- callResult{result: result, err: err}
	}()

	// 等待结果或超时
	select {
	case <-callCtx.Done():
		// 超时
		err := fmt.Errorf("调用超时: %w", callCtx.Err())
		b.afterCall(false)
		return nil, err

	case res := <-resultCh:
		// 调用完成
		// 客户端错误（如无效请求）不应计入熔断失败
		success := res.err == nil || isClientError(res.err)
		b.afterCall(success)

		if res.err != nil {
			return nil, res.err
		}

		return res.result, nil
	}
}

type callResult struct {
	result any
	err    error
}

// isClientError 判断错误是否为客户端错误（不应计入熔断失败）。
func isClientError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, code := range []string{
		"INVALID_REQUEST", "AUTHENTICATION", "UNAUTHORIZED",
		"FORBIDDEN", "QUOTA_EXCEEDED", "CONTENT_FILTERED",
		"TOOL_VALIDATION", "CONTEXT_TOO_LONG",
	} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

// beforeCall 调用前检查
func (b *breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		// 关闭状态，允许调用
		return nil

	case StateOpen:
		// 检查是否可以进入半开状态
		if time.Since(b.lastTripTime) > b.config.ResetTimeout {
			b.setState(StateHalfOpen)
			b.halfOpenCallCount = 0
			b.halfOpenSuccessCount = 0
			b.logger.Info("熔断器进入半开状态")
			return nil
		}

		// 仍在熔断中
		return ErrCircuitOpen

	case StateHalfOpen:
		// 半开状态，限制调用次数
		if b.halfOpenCallCount >= b.config.HalfOpenMaxCalls {
			return ErrTooManyCallsInHalfOpen
		}
		b.halfOpenCallCount++
		return nil

	default:
		return fmt.Errorf("未知的熔断器状态: %v", b.state)
	}
}

// afterCall 调用后处理
func (b *breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.window.record(success)

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

// onSuccess 处理成功调用
func (b *breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		// 关闭状态下评估窗口失败率是否仍低于阈值（保持关闭）

	case StateHalfOpen:
		// 半开状态，需连续 SuccessThreshold 次成功才恢复到关闭状态
		b.halfOpenSuccessCount++
		if b.halfOpenSuccessCount < b.config.SuccessThreshold {
			b.logger.Info("熔断器半开状态探测成功",
				zap.Int("success_count", b.halfOpenSuccessCount),
				zap.Int("threshold", b.config.SuccessThreshold),
			)
			return
		}
		b.logger.Info("熔断器恢复正常",
			zap.Int("half_open_calls", b.halfOpenCallCount),
		)
		b.setState(StateClosed)
		b.window.reset()
		b.halfOpenCallCount = 0
		b.halfOpenSuccessCount = 0

	case StateOpen:
		// 打开状态不应该有调用
		b.logger.Warn("熔断器打开状态收到成功响应")
	}
}

// onFailure 处理失败调用
func (b *breaker) onFailure() {
	switch b.state {
	case StateClosed:
		if rate, ok := b.window.failureRate(b.config.MinSamples); ok && rate >= b.config.FailureRateThreshold {
			b.logger.Warn("熔断器打开",
				zap.Float64("failure_rate", rate),
				zap.Float64("threshold", b.config.FailureRateThreshold),
			)
			b.setState(StateOpen)
		}

	case StateHalfOpen:
		// 半开状态，失败后重新打开
		b.logger.Warn("熔断器半开状态失败，重新打开",
			zap.Int("half_open_calls", b.halfOpenCallCount),
		)
		b.setState(StateOpen)
		b.halfOpenCallCount = 0
		b.halfOpenSuccessCount = 0

	case StateOpen:
		// 打开状态不应该有调用
		b.logger.Warn("熔断器打开状态收到失败响应")
	}
}

// setState 设置状态并触发回调
func (b *breaker) setState(newState State) {
	oldState := b.state
	b.state = newState
	if newState == StateOpen {
		b.lastTripTime = time.Now()
	}

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, newState)
	}
}

// State 实现 CircuitBreaker.State
func (b *breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Reset 实现 CircuitBreaker.Reset
func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.state = StateClosed
	b.window.reset()
	b.halfOpenCallCount = 0
	b.halfOpenSuccessCount = 0

	b.logger.Info("熔断器已重置",
		zap.String("from_state", oldState.String()),
	)

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, StateClosed)
	}
}

// TripOpen 实现 CircuitBreaker.TripOpen - 外部强制熔断，不等待窗口统计。
func (b *breaker) TripOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.setState(StateOpen)
	b.halfOpenCallCount = 0
	b.halfOpenSuccessCount = 0
	b.logger.Warn("熔断器被外部强制打开", zap.String("from_state", oldState.String()))
}

// 错误定义
var (
	ErrCircuitOpen            = errors.New("熔断器已打开")
	ErrTooManyCallsInHalfOpen = errors.New("半开状态下调用次数过多")
)

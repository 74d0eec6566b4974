package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/chatflow/internal/metrics"
	"github.com/BaSui01/chatflow/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Executor defines the tool executor interface.
type Executor interface {
	// Execute 执行一条 assistant 消息携带的全部工具调用，
	// 返回的结果切片与 calls 的发射顺序一一对应。
	Execute(ctx context.Context, calls []types.ToolCall) []types.ToolResult

	// ExecuteOne 执行单个工具调用。
	ExecuteOne(ctx context.Context, call types.ToolCall) types.ToolResult
}

// DefaultExecutor 默认的工具执行器。
type DefaultExecutor struct {
	registry Registry
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// NewDefaultExecutor 创建默认的工具执行器。collector 可为 nil。
func NewDefaultExecutor(registry Registry, collector *metrics.Collector, logger *zap.Logger) *DefaultExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultExecutor{
		registry: registry,
		logger:   logger,
		metrics:  collector,
	}
}

// Execute 并行执行所有工具调用。
// 结果按下标写入与 calls 等长的切片，完成顺序不影响合并顺序，
// 因此同一调用序列总是产出相同的消息排列。
func (e *DefaultExecutor) Execute(ctx context.Context, calls []types.ToolCall) []types.ToolResult {
	results := make([]types.ToolResult, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.ExecuteOne(gctx, call)
			return nil
		})
	}
	_ = g.Wait() // ExecuteOne 从不返回 error，失败都编码在结果里

	return results
}

// ExecuteOne 执行单个工具调用：注册检查 → 限流 → 参数校验 → 带超时执行。
func (e *DefaultExecutor) ExecuteOne(ctx context.Context, call types.ToolCall) types.ToolResult {
	start := time.Now()
	result := types.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
	}

	fail := func(code types.ErrorCode, msg string) types.ToolResult {
		result.Error = msg
		result.ErrorCode = code
		result.Duration = time.Since(start)
		e.metrics.ToolExecuted(call.Name, "error", result.Duration)
		return result
	}

	if e.registry == nil {
		return fail(types.ErrToolNotFound, fmt.Sprintf("no tool registry configured, cannot run %q", call.Name))
	}

	// 1. 获取工具函数和元数据
	fn, meta, err := e.registry.Get(call.Name)
	if err != nil {
		e.logger.Error("tool not found", zap.String("name", call.Name), zap.Error(err))
		return fail(types.ErrToolNotFound, err.Error())
	}

	// 2. 检查速率限制（如果注册表支持）
	if reg, ok := e.registry.(*DefaultRegistry); ok {
		if err := reg.allow(call.Name); err != nil {
			e.logger.Warn("rate limit exceeded", zap.String("name", call.Name))
			return fail(types.ErrToolRateLimit, err.Error())
		}
	}

	// 3. 参数校验；失败作为结构化错误负载返回给模型，会话继续
	if err := validateArgs(meta.Schema, call.Arguments); err != nil {
		e.logger.Warn("tool argument validation failed",
			zap.String("name", call.Name),
			zap.Error(err),
		)
		return fail(types.ErrToolValidation, err.Error())
	}

	// 4. 执行工具（带超时控制）
	execCtx, cancel := context.WithTimeout(ctx, meta.Timeout)
	defer cancel()

	// 使用带缓冲的 channel 防止 goroutine 泄漏：
	// 即使超时后没人接收，goroutine 也能正常退出
	doneChan := make(chan struct {
		res json.RawMessage
		err error
	}, 1)

	go func() {
		res, err := fn(execCtx, call.Arguments)
		select {
		case doneChan <- struct {
			res json.RawMessage
			err error
		}{res, err}:
		case <-execCtx.Done():
		}
	}()

	select {
	case done := <-doneChan:
		if done.err != nil {
			e.logger.Error("tool execution failed",
				zap.String("name", call.Name),
				zap.Error(done.err),
				zap.Duration("duration", time.Since(start)),
			)
			code := types.GetErrorCode(done.err)
			if code == "" {
				code = types.ErrToolExecution
			}
			return fail(code, done.err.Error())
		}

		result.Result = done.res
		result.Duration = time.Since(start)
		e.metrics.ToolExecuted(call.Name, "ok", result.Duration)
		e.logger.Info("tool executed",
			zap.String("name", call.Name),
			zap.Duration("duration", result.Duration),
		)
		return result

	case <-execCtx.Done():
		e.logger.Error("tool execution timeout",
			zap.String("name", call.Name),
			zap.Duration("timeout", meta.Timeout),
		)
		return fail(types.ErrToolTimeout, fmt.Sprintf("execution timeout after %s", meta.Timeout))
	}
}

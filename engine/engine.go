package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/chatflow/checkpoint"
	"github.com/BaSui01/chatflow/internal/metrics"
	"github.com/BaSui01/chatflow/llm"
	"github.com/BaSui01/chatflow/stream"
	"github.com/BaSui01/chatflow/tools"
	"github.com/BaSui01/chatflow/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// StepLimitContent 是步数上限触发强制终止时的合成回复内容。
const StepLimitContent = "Step limit reached before the conversation could finish."

// TerminateReasonKey 标记终止原因的 metadata 键。
const TerminateReasonKey = "terminate_reason"

// BusyPolicy 同线程并发调用的处理策略。
type BusyPolicy string

const (
	// BusyReject 第二个并发调用立即收到 ThreadBusy（默认）。
	BusyReject BusyPolicy = "reject"
	// BusyQueue 第二个并发调用排队，待前序 run 结束后执行。
	BusyQueue BusyPolicy = "queue"
)

// Config 引擎配置。
type Config struct {
	// MaxSteps 步数上限，保证即使模型持续请求工具也必然终止（默认 10）。
	MaxSteps int `yaml:"max_steps" json:"max_steps"`
	// CheckpointTimeout 单次检查点写入超时，超时即降级为内存模式（默认 5s）。
	CheckpointTimeout time.Duration `yaml:"checkpoint_timeout" json:"checkpoint_timeout"`
	// BusyPolicy 同线程并发策略。
	BusyPolicy BusyPolicy `yaml:"busy_policy" json:"busy_policy"`
	// StreamBuffer 流事件背压缓冲大小。
	StreamBuffer int `yaml:"stream_buffer" json:"stream_buffer"`
}

// DefaultConfig 返回默认引擎配置。
func DefaultConfig() Config {
	return Config{
		MaxSteps:          10,
		CheckpointTimeout: 5 * time.Second,
		BusyPolicy:        BusyReject,
		StreamBuffer:      64,
	}
}

// Engine 工作流引擎：驱动 模型 → 路由 → 工具 的步骤循环，
// 每完成一个步骤持久化一个检查点。所有依赖显式注入，无环境全局量。
type Engine struct {
	store    checkpoint.Store
	invoker  *llm.Invoker
	executor tools.Executor
	registry tools.Registry
	cfg      Config
	locks    *threadLocks
	logger   *zap.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer
}

// New 创建工作流引擎。collector 可为 nil；registry 为 nil 时不向模型暴露工具。
func New(store checkpoint.Store, invoker *llm.Invoker, executor tools.Executor, registry tools.Registry, cfg Config, collector *metrics.Collector, logger *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if invoker == nil {
		return nil, fmt.Errorf("model invoker is required")
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultConfig().MaxSteps
	}
	if cfg.CheckpointTimeout <= 0 {
		cfg.CheckpointTimeout = DefaultConfig().CheckpointTimeout
	}
	if cfg.BusyPolicy == "" {
		cfg.BusyPolicy = BusyReject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    store,
		invoker:  invoker,
		executor: executor,
		registry: registry,
		cfg:      cfg,
		locks:    newThreadLocks(),
		logger:   logger.With(zap.String("component", "workflow_engine")),
		metrics:  collector,
		tracer:   otel.Tracer("github.com/BaSui01/chatflow/engine"),
	}, nil
}

// Run 同步执行一次会话推进，返回终止状态。
// 同线程已有 run 在飞时按 BusyPolicy 拒绝或排队。
func (e *Engine) Run(ctx context.Context, threadID string, incoming types.Message, runCfg types.RunConfig) (*types.AgentState, error) {
	release, err := e.locks.acquire(ctx, threadID, e.cfg.BusyPolicy == BusyQueue)
	if err != nil {
		return nil, err
	}
	defer release()

	return e.execute(ctx, threadID, incoming, runCfg, nil)
}

// Stream 流式执行：返回有限、有序的事件通道。
// 通道不可重入：相同参数的新调用会重新执行整个步骤循环。
// 线程占用冲突在事件流开始前同步返回。
func (e *Engine) Stream(ctx context.Context, threadID string, incoming types.Message, runCfg types.RunConfig) (<-chan stream.Event, error) {
	release, err := e.locks.acquire(ctx, threadID, e.cfg.BusyPolicy == BusyQueue)
	if err != nil {
		return nil, err
	}

	em := stream.NewEmitter(e.cfg.StreamBuffer, e.logger)
	go func() {
		defer em.Close()
		defer release()
		if _, err := e.execute(ctx, threadID, incoming, runCfg, em); err != nil {
			e.logger.Error("streaming run aborted",
				zap.String("thread_id", threadID),
				zap.Error(err),
			)
		}
	}()
	return em.Events(), nil
}

// GetState 只读加载线程当前状态；线程不存在时返回 (nil, nil)。
func (e *Engine) GetState(ctx context.Context, threadID string) (*types.AgentState, error) {
	ck, err := e.store.LoadLatest(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ck.DecodeState()
}

// execute 是 Run 与 Stream 共用的步骤循环。调用方必须已持有线程锁。
func (e *Engine) execute(ctx context.Context, threadID string, incoming types.Message, runCfg types.RunConfig, em *stream.Emitter) (*types.AgentState, error) {
	runID := uuid.NewString()
	ctx = types.WithRunID(types.WithThreadID(ctx, threadID), runID)

	ctx, span := e.tracer.Start(ctx, "engine.run",
		trace.WithAttributes(
			attribute.String("thread_id", threadID),
			attribute.String("run_id", runID),
		),
	)
	defer span.End()

	logger := e.logger.With(zap.String("thread_id", threadID), zap.String("run_id", runID))
	start := time.Now()

	state, degraded, err := e.loadState(ctx, threadID, logger)
	if err != nil {
		// 唯一允许中止整个 run 的条件：检查点损坏等不可恢复的不变量违例
		logger.Error("fatal: cannot reconstruct thread state", zap.Error(err))
		e.metrics.RunCompleted("fatal", time.Since(start))
		return nil, err
	}

	maxSteps := runCfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = e.cfg.MaxSteps
	}
	if runCfg.UserID != "" {
		state.UserID = runCfg.UserID
	}
	state.MergeContext(runCfg.Context)
	state.Append(incoming)

	logger.Info("run started",
		zap.Int("prior_messages", len(state.Messages)-1),
		zap.Int("max_steps", maxSteps),
		zap.Bool("degraded", degraded),
	)

	// dirty 标记自上次成功写检查点以来状态是否有新增
	dirty := true
	step := StepModel
	for step != StepDone {
		// 取消：停止产出事件，尽力写入最终检查点后返回
		if ctx.Err() != nil {
			if dirty {
				degraded = e.persist(ctx, state, degraded, logger)
			}
			logger.Info("run canceled", zap.Int("steps", state.Steps))
			e.metrics.RunCompleted("canceled", time.Since(start))
			return state, ctx.Err()
		}

		switch step {
		case StepModel:
			msg := e.modelStep(ctx, state, runCfg, em)
			state.Append(msg)
			state.Steps++
			degraded = e.persist(ctx, state, degraded, logger)
			dirty = degraded
			e.metrics.StepExecuted(StepModel.String())

			decision := Route(state, maxSteps)
			next, err := Next(StepModel, decision)
			if err != nil {
				return nil, err
			}
			step = next

			if step == StepDone {
				final := e.finalize(ctx, state, msg, maxSteps, &degraded, logger)
				e.emitTerminal(ctx, em, threadID, final)
				logger.Info("run completed",
					zap.Int("steps", state.Steps),
					zap.Bool("degraded", degraded),
					zap.Duration("duration", time.Since(start)),
				)
				e.metrics.RunCompleted("ok", time.Since(start))
				return state, nil
			}

		case StepTools:
			e.toolStep(ctx, state, em, threadID)
			state.Steps++
			degraded = e.persist(ctx, state, degraded, logger)
			dirty = degraded
			e.metrics.StepExecuted(StepTools.String())

			next, err := Next(StepTools, DecisionContinueWithTools)
			if err != nil {
				return nil, err
			}
			step = next
		}
	}

	// unreachable: the loop exits through the StepDone branch above
	return state, nil
}

// modelStep 执行一次模型调用步骤。
func (e *Engine) modelStep(ctx context.Context, state *types.AgentState, runCfg types.RunConfig, em *stream.Emitter) types.Message {
	ctx, span := e.tracer.Start(ctx, "engine.step.model")
	defer span.End()

	schemas := e.toolSchemas()
	if em == nil {
		return e.invoker.Invoke(ctx, state, runCfg, schemas)
	}

	streamed := false
	msg := e.invoker.InvokeStream(ctx, state, runCfg, schemas, func(token string) {
		streamed = true
		em.Emit(ctx, stream.Event{
			Type:     stream.EventPartialToken,
			ThreadID: state.ThreadID,
			Token:    token,
		})
	})

	// 同步通路兜底时把完整内容作为单个 token 事件补发
	if !streamed && msg.Content != "" {
		em.Emit(ctx, stream.Event{
			Type:     stream.EventPartialToken,
			ThreadID: state.ThreadID,
			Token:    msg.Content,
		})
	}
	return msg
}

// toolStep 执行最新 assistant 消息携带的全部工具调用，
// 并按原始发射顺序把结果追加为 tool 消息。
func (e *Engine) toolStep(ctx context.Context, state *types.AgentState, em *stream.Emitter, threadID string) {
	ctx, span := e.tracer.Start(ctx, "engine.step.tools")
	defer span.End()

	calls := state.PendingToolCalls()
	span.SetAttributes(attribute.Int("tool_calls", len(calls)))

	if em != nil {
		for _, call := range calls {
			em.Emit(ctx, stream.Event{
				Type:       stream.EventToolCallStarted,
				ThreadID:   threadID,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			})
		}
	}

	results := e.executor.Execute(ctx, calls)

	msgs := make([]types.Message, 0, len(results))
	for _, res := range results {
		msgs = append(msgs, res.ToMessage())
		if em != nil {
			em.Emit(ctx, stream.Event{
				Type:       stream.EventToolCallFinished,
				ThreadID:   threadID,
				ToolCallID: res.ToolCallID,
				ToolName:   res.Name,
				ToolError:  res.Error,
			})
		}
	}
	state.Append(msgs...)
}

// finalize 处理终止：步数上限或停止信号截断了仍有工具调用在等的
// 回合时，补一条合成 assistant 消息并追加最终检查点。
func (e *Engine) finalize(ctx context.Context, state *types.AgentState, last types.Message, maxSteps int, degraded *bool, logger *zap.Logger) types.Message {
	if !last.HasToolCalls() {
		return last
	}

	reason := "stop_signal"
	content := "The conversation was stopped before the requested tools could run."
	if state.Steps >= maxSteps {
		reason = "step_limit_reached"
		content = StepLimitContent
	}

	logger.Warn("forced termination with pending tool calls",
		zap.String("reason", reason),
		zap.Int("steps", state.Steps),
	)

	final := types.NewAssistantMessage(content).WithMetadata(TerminateReasonKey, reason)
	state.Append(final)
	*degraded = e.persist(ctx, state, *degraded, logger)
	return final
}

// loadState 加载线程最新检查点，或为首次消息初始化空状态。
// 存储不可达时降级为仅内存执行；检查点损坏是致命错误。
func (e *Engine) loadState(ctx context.Context, threadID string, logger *zap.Logger) (*types.AgentState, bool, error) {
	loadCtx, cancel := context.WithTimeout(ctx, e.cfg.CheckpointTimeout)
	defer cancel()

	ck, err := e.store.LoadLatest(loadCtx, threadID)
	switch {
	case err == nil:
		state, derr := ck.DecodeState()
		if derr != nil {
			return nil, false, derr
		}
		return state, false, nil

	case errors.Is(err, checkpoint.ErrNotFound):
		return types.NewAgentState(threadID), false, nil

	default:
		logger.Warn("checkpoint store unreachable, degrading to in-memory-only execution", zap.Error(err))
		e.metrics.DegradedMode()
		return types.NewAgentState(threadID), true, nil
	}
}

// persist 在一个完整步骤之后追加检查点。
// 写入失败不判整个请求失败：记录日志并为本次调用的余下部分降级。
// 写入脱离请求 context，被取消的 run 仍能留下最后的安全记录点。
func (e *Engine) persist(ctx context.Context, state *types.AgentState, degraded bool, logger *zap.Logger) bool {
	if degraded {
		return true
	}

	ck, err := checkpoint.Snapshot(state)
	if err != nil {
		logger.Error("failed to snapshot state", zap.Error(err))
		e.metrics.CheckpointFailed()
		e.metrics.DegradedMode()
		return true
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CheckpointTimeout)
	defer cancel()

	if err := e.store.Append(pctx, ck); err != nil {
		logger.Warn("checkpoint append failed, degrading to in-memory-only execution",
			zap.Int("steps", state.Steps),
			zap.Error(err),
		)
		e.metrics.CheckpointFailed()
		e.metrics.DegradedMode()
		return true
	}

	logger.Debug("checkpoint written",
		zap.Int64("sequence", ck.Sequence),
		zap.Int("steps", state.Steps),
	)
	e.metrics.CheckpointWritten()
	return false
}

func (e *Engine) emitTerminal(ctx context.Context, em *stream.Emitter, threadID string, final types.Message) {
	if em == nil {
		return
	}
	msg := final
	em.Emit(ctx, stream.Event{
		Type:     stream.EventTerminal,
		ThreadID: threadID,
		Message:  &msg,
	})
}

func (e *Engine) toolSchemas() []types.ToolSchema {
	if e.registry == nil {
		return nil
	}
	return e.registry.List()
}

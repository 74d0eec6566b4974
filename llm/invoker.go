package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BaSui01/chatflow/internal/metrics"
	"github.com/BaSui01/chatflow/types"
	"go.uber.org/zap"
)

// SyntheticFailureContent 是主备模型全部耗尽后返回的合成回复内容。
const SyntheticFailureContent = "The assistant is temporarily unavailable. Please try again later."

// FailureMetadataKey 标记合成失败消息的 metadata 键。
const FailureMetadataKey = "invocation_error"

// InvokerConfig Invoker 配置。
type InvokerConfig struct {
	// DefaultModel 默认模型名（RunConfig.Model 为空时使用）。
	DefaultModel string
	// FallbackModel 备用模型名；备用 Provider 未注入时在主 Provider 上替换模型重试。
	FallbackModel string
	// Timeout 单次调用超时（默认 60s）。
	Timeout time.Duration
	// Retry 重试策略（nil 使用默认策略）。
	Retry *RetryPolicy
}

// Invoker 包装外部模型调用：单次超时 + 指数退避重试 + 备用模型降级。
// 遵循装饰器思路：增强注入的 Provider 而不修改其实现。
type Invoker struct {
	primary  Provider
	fallback Provider // 可为 nil
	cfg      InvokerConfig
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// NewInvoker 创建模型调用器。fallback 与 collector 均可为 nil。
func NewInvoker(primary, fallback Provider, cfg InvokerConfig, collector *metrics.Collector, logger *zap.Logger) *Invoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invoker{
		primary:  primary,
		fallback: fallback,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "model_invoker")),
		metrics:  collector,
	}
}

// Invoke 以当前状态调用模型并返回一条 assistant 消息。
// 主模型重试耗尽后切换到备用模型；全部失败时返回合成失败消息，
// 永远不会把模型层错误作为 error 传播给引擎。
func (iv *Invoker) Invoke(ctx context.Context, state *types.AgentState, runCfg types.RunConfig, tools []types.ToolSchema) types.Message {
	req := iv.buildRequest(ctx, state, runCfg, tools)

	msg, err := iv.completeWithRetry(ctx, iv.primary, req)
	if err == nil {
		return msg
	}

	// 主模型耗尽，切换备用
	fbProvider, fbModel := iv.fallbackTarget()
	if fbProvider == nil {
		iv.logger.Error("model invocation failed, no fallback configured",
			zap.String("provider", iv.primary.Name()),
			zap.String("model", req.Model),
			zap.Error(err),
		)
		return iv.syntheticFailure(err)
	}

	iv.metrics.ModelFallback(fbProvider.Name())
	iv.logger.Warn("primary model exhausted, switching to fallback",
		zap.String("primary", iv.primary.Name()),
		zap.String("fallback_provider", fbProvider.Name()),
		zap.String("fallback_model", fbModel),
		zap.Error(err),
	)

	fbReq := *req
	if fbModel != "" {
		fbReq.Model = fbModel
	}
	msg, fbErr := iv.completeWithRetry(ctx, fbProvider, &fbReq)
	if fbErr == nil {
		return msg
	}

	iv.logger.Error("fallback model also exhausted",
		zap.String("provider", fbProvider.Name()),
		zap.String("model", fbReq.Model),
		zap.Error(fbErr),
	)
	return iv.syntheticFailure(fbErr)
}

// InvokeStream 与 Invoke 等价，但在流式通路可用时通过 onToken 逐段回调增量文本。
// 流式通路启动失败或中途出错时回退到同步通路（含重试与降级）。
func (iv *Invoker) InvokeStream(ctx context.Context, state *types.AgentState, runCfg types.RunConfig, tools []types.ToolSchema, onToken func(string)) types.Message {
	req := iv.buildRequest(ctx, state, runCfg, tools)

	streamCtx, cancel := context.WithTimeout(ctx, iv.cfg.Timeout)
	defer cancel()

	chunks, err := iv.primary.Stream(streamCtx, req)
	if err != nil {
		iv.logger.Debug("stream start failed, falling back to completion",
			zap.String("provider", iv.primary.Name()),
			zap.Error(err),
		)
		return iv.Invoke(ctx, state, runCfg, tools)
	}

	var content strings.Builder
	var toolCalls []types.ToolCall
	for chunk := range chunks {
		if chunk.Err != nil {
			iv.logger.Warn("stream failed mid-flight, falling back to completion",
				zap.String("provider", iv.primary.Name()),
				zap.Error(chunk.Err),
			)
			return iv.Invoke(ctx, state, runCfg, tools)
		}
		if chunk.Delta.Content != "" {
			content.WriteString(chunk.Delta.Content)
			if onToken != nil {
				onToken(chunk.Delta.Content)
			}
		}
		toolCalls = append(toolCalls, chunk.Delta.ToolCalls...)
	}

	msg := types.NewAssistantMessage(content.String())
	msg.ToolCalls = toolCalls
	return msg
}

// HealthCheck 透传主 Provider 的健康检查。
func (iv *Invoker) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	return iv.primary.HealthCheck(ctx)
}

func (iv *Invoker) buildRequest(ctx context.Context, state *types.AgentState, runCfg types.RunConfig, tools []types.ToolSchema) *ChatRequest {
	model := runCfg.Model
	if model == "" {
		model = iv.cfg.DefaultModel
	}

	req := &ChatRequest{
		Model:       model,
		Messages:    state.Messages,
		MaxTokens:   runCfg.MaxTokens,
		Temperature: runCfg.Temperature,
		Tools:       tools,
		UserID:      state.UserID,
		Timeout:     iv.cfg.Timeout,
	}
	if traceID, ok := types.TraceID(ctx); ok {
		req.TraceID = traceID
	}
	return req
}

// completeWithRetry 执行一次带重试的同步调用并抽取 assistant 消息。
func (iv *Invoker) completeWithRetry(ctx context.Context, p Provider, req *ChatRequest) (types.Message, error) {
	policy := *iv.cfg.Retry
	prior := policy.OnRetry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		iv.metrics.ModelRetry(p.Name())
		if prior != nil {
			prior(attempt, err, delay)
		}
	}
	retryer := NewBackoffRetryer(&policy, iv.logger)

	var resp *ChatResponse
	err := retryer.Do(ctx, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, iv.cfg.Timeout)
		defer cancel()

		r, err := p.Completion(attemptCtx, req)
		if err != nil {
			// 单次尝试超时归类为瞬态上游超时，交给重试策略处理
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return types.NewTimeoutError(p.Name()).WithCause(err)
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return types.Message{}, err
	}

	if len(resp.Choices) == 0 {
		return types.NewAssistantMessage(""), nil
	}

	msg := resp.Choices[0].Message
	msg.Role = types.RoleAssistant
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return msg, nil
}

// fallbackTarget 决定备用调用的 Provider 与模型。
func (iv *Invoker) fallbackTarget() (Provider, string) {
	if iv.fallback != nil {
		return iv.fallback, iv.cfg.FallbackModel
	}
	if iv.cfg.FallbackModel != "" {
		return iv.primary, iv.cfg.FallbackModel
	}
	return nil, ""
}

// syntheticFailure 构造标记失败的合成 assistant 消息。
func (iv *Invoker) syntheticFailure(cause error) types.Message {
	msg := types.NewAssistantMessage(SyntheticFailureContent)
	code := types.GetErrorCode(cause)
	if code == "" {
		code = types.ErrModelInvocation
	}
	return msg.WithMetadata(FailureMetadataKey, string(code))
}

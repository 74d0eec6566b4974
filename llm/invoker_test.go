package llm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/chatflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider 可编排失败次数与响应内容的测试 Provider。
type fakeProvider struct {
	name     string
	failures int   // 前 N 次调用返回 failErr
	failErr  error

	mu       sync.Mutex
	calls    int
	lastReq  *ChatRequest
	content  string
	streamFn func(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
}

func (p *fakeProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.lastReq = req
	if p.calls <= p.failures {
		return nil, p.failErr
	}
	return &ChatResponse{
		Model: req.Model,
		Choices: []ChatChoice{
			{Message: types.NewAssistantMessage(p.content)},
		},
	}, nil
}

func (p *fakeProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	if p.streamFn != nil {
		return p.streamFn(ctx, req)
	}
	return nil, types.NewError(types.ErrProviderUnavailable, "streaming not supported")
}

func (p *fakeProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	return &HealthStatus{Healthy: true}, nil
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProvider) lastRequest() *ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReq
}

func testState() *types.AgentState {
	state := types.NewAgentState("thread-1")
	state.Append(types.NewUserMessage("hello"))
	return state
}

func testInvoker(primary, fallback Provider) *Invoker {
	return NewInvoker(primary, fallback, InvokerConfig{
		DefaultModel: "model-a",
		Retry:        fastPolicy(2),
	}, nil, nil)
}

func TestInvoker_PrimarySucceeds(t *testing.T) {
	primary := &fakeProvider{name: "primary", content: "hi there"}
	iv := testInvoker(primary, nil)

	msg := iv.Invoke(context.Background(), testState(), types.RunConfig{}, nil)

	assert.Equal(t, types.RoleAssistant, msg.Role)
	assert.Equal(t, "hi there", msg.Content)
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, "model-a", primary.lastRequest().Model, "default model applied")
}

func TestInvoker_RetriesTransientFailures(t *testing.T) {
	primary := &fakeProvider{
		name:     "primary",
		failures: 2,
		failErr:  types.NewRateLimitError("primary"),
		content:  "recovered",
	}
	iv := testInvoker(primary, nil)

	msg := iv.Invoke(context.Background(), testState(), types.RunConfig{}, nil)

	assert.Equal(t, "recovered", msg.Content)
	assert.Equal(t, 3, primary.callCount())
}

func TestInvoker_FallbackProviderAfterPrimaryExhausted(t *testing.T) {
	primary := &fakeProvider{
		name:     "primary",
		failures: 10,
		failErr:  types.NewTimeoutError("primary"),
	}
	fallback := &fakeProvider{name: "fallback", content: "from fallback"}
	iv := testInvoker(primary, fallback)

	msg := iv.Invoke(context.Background(), testState(), types.RunConfig{}, nil)

	assert.Equal(t, "from fallback", msg.Content)
	assert.Equal(t, 3, primary.callCount(), "retry budget spent on primary first")
	assert.Equal(t, 1, fallback.callCount())
	assert.NotContains(t, msg.Metadata, FailureMetadataKey)
}

func TestInvoker_FallbackModelOnSameProvider(t *testing.T) {
	primary := &fakeProvider{
		name:     "primary",
		failures: 3, // 主模型的全部尝试失败，备用模型的第一次尝试成功
		failErr:  types.NewTimeoutError("primary"),
		content:  "via backup model",
	}
	iv := NewInvoker(primary, nil, InvokerConfig{
		DefaultModel:  "model-a",
		FallbackModel: "model-b",
		Retry:         fastPolicy(2),
	}, nil, nil)

	msg := iv.Invoke(context.Background(), testState(), types.RunConfig{}, nil)

	assert.Equal(t, "via backup model", msg.Content)
	assert.Equal(t, "model-b", primary.lastRequest().Model)
}

func TestInvoker_TotalFailureYieldsSyntheticMessage(t *testing.T) {
	primary := &fakeProvider{
		name:     "primary",
		failures: 100,
		failErr:  types.NewTimeoutError("primary"),
	}
	iv := testInvoker(primary, nil)

	msg := iv.Invoke(context.Background(), testState(), types.RunConfig{}, nil)

	assert.Equal(t, types.RoleAssistant, msg.Role)
	assert.Equal(t, SyntheticFailureContent, msg.Content)
	assert.Equal(t, string(types.ErrUpstreamTimeout), msg.Metadata[FailureMetadataKey])
	assert.False(t, msg.HasToolCalls())
}

func TestInvoker_RunConfigModelOverridesDefault(t *testing.T) {
	primary := &fakeProvider{name: "primary", content: "ok"}
	iv := testInvoker(primary, nil)

	iv.Invoke(context.Background(), testState(), types.RunConfig{Model: "explicit"}, nil)

	assert.Equal(t, "explicit", primary.lastRequest().Model)
}

func TestInvoker_ToolSchemasForwarded(t *testing.T) {
	primary := &fakeProvider{name: "primary", content: "ok"}
	iv := testInvoker(primary, nil)

	schemas := []types.ToolSchema{{Name: "search"}}
	iv.Invoke(context.Background(), testState(), types.RunConfig{}, schemas)

	req := primary.lastRequest()
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "search", req.Tools[0].Name)
}

func TestInvoker_InvokeStreamAccumulatesTokens(t *testing.T) {
	primary := &fakeProvider{name: "primary"}
	primary.streamFn = func(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
		ch := make(chan StreamChunk, 4)
		ch <- StreamChunk{Delta: types.Message{Content: "hel"}}
		ch <- StreamChunk{Delta: types.Message{Content: "lo"}}
		ch <- StreamChunk{Delta: types.Message{ToolCalls: []types.ToolCall{{ID: "c1", Name: "search"}}}}
		close(ch)
		return ch, nil
	}
	iv := testInvoker(primary, nil)

	var tokens []string
	msg := iv.InvokeStream(context.Background(), testState(), types.RunConfig{}, nil, func(tok string) {
		tokens = append(tokens, tok)
	})

	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, []string{"hel", "lo"}, tokens)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "c1", msg.ToolCalls[0].ID)
}

func TestInvoker_InvokeStreamFallsBackOnStartFailure(t *testing.T) {
	primary := &fakeProvider{name: "primary", content: "sync path"}
	iv := testInvoker(primary, nil)

	msg := iv.InvokeStream(context.Background(), testState(), types.RunConfig{}, nil, nil)

	assert.Equal(t, "sync path", msg.Content)
	assert.Equal(t, 1, primary.callCount(), "fell back to the completion path")
}

func TestInvoker_InvokeStreamFallsBackMidFlight(t *testing.T) {
	primary := &fakeProvider{name: "primary", content: "sync path"}
	primary.streamFn = func(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
		ch := make(chan StreamChunk, 2)
		ch <- StreamChunk{Delta: types.Message{Content: "par"}}
		ch <- StreamChunk{Err: types.NewError(types.ErrUpstreamError, "stream broke")}
		close(ch)
		return ch, nil
	}
	iv := testInvoker(primary, nil)

	msg := iv.InvokeStream(context.Background(), testState(), types.RunConfig{}, nil, nil)

	assert.Equal(t, "sync path", msg.Content, "mid-flight failure retries via the completion path")
}

func TestInvoker_PerAttemptTimeoutClassifiedAsTransient(t *testing.T) {
	slow := &slowProvider{delay: 50 * time.Millisecond}
	iv := NewInvoker(slow, nil, InvokerConfig{
		DefaultModel: "model-a",
		Timeout:      5 * time.Millisecond,
		Retry:        fastPolicy(1),
	}, nil, nil)

	msg := iv.Invoke(context.Background(), testState(), types.RunConfig{}, nil)

	assert.Equal(t, SyntheticFailureContent, msg.Content)
	assert.Equal(t, string(types.ErrUpstreamTimeout), msg.Metadata[FailureMetadataKey])
	assert.Equal(t, 2, slow.callCount(), "timeouts are retried as transient failures")
}

// slowProvider 每次调用都超过单次超时，用于验证超时归类。
type slowProvider struct {
	delay time.Duration
	mu    sync.Mutex
	calls int
}

func (p *slowProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	select {
	case <-time.After(p.delay):
		return &ChatResponse{Choices: []ChatChoice{{Message: types.NewAssistantMessage("late")}}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *slowProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	return nil, types.NewError(types.ErrProviderUnavailable, "no stream")
}

func (p *slowProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	return &HealthStatus{Healthy: true}, nil
}

func (p *slowProvider) Name() string { return "slow" }

func (p *slowProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

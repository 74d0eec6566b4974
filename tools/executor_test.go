package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/BaSui01/chatflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T) (*DefaultExecutor, *DefaultRegistry) {
	reg := NewDefaultRegistry(nil)
	return NewDefaultExecutor(reg, nil, nil), reg
}

func TestExecuteOne_Success(t *testing.T) {
	exec, reg := newTestExecutor(t)
	require.NoError(t, reg.Register("echo", echoTool, Metadata{}))

	res := exec.ExecuteOne(context.Background(), types.ToolCall{
		ID:        "c1",
		Name:      "echo",
		Arguments: json.RawMessage(`{"msg":"hi"}`),
	})

	assert.False(t, res.IsError())
	assert.Equal(t, "c1", res.ToolCallID)
	assert.Equal(t, "echo", res.Name)
	assert.JSONEq(t, `{"msg":"hi"}`, string(res.Result))
	assert.Positive(t, res.Duration)
}

func TestExecuteOne_ToolNotFound(t *testing.T) {
	exec, _ := newTestExecutor(t)

	res := exec.ExecuteOne(context.Background(), types.ToolCall{ID: "c1", Name: "missing"})

	assert.True(t, res.IsError())
	assert.Equal(t, types.ErrToolNotFound, res.ErrorCode)
}

func TestExecuteOne_ValidationFailure(t *testing.T) {
	exec, reg := newTestExecutor(t)
	require.NoError(t, reg.Register("strict", echoTool, Metadata{
		Schema: types.ToolSchema{
			Parameters: json.RawMessage(`{"type":"object","properties":{"q":{}},"required":["q"]}`),
		},
	}))

	res := exec.ExecuteOne(context.Background(), types.ToolCall{
		ID:        "c1",
		Name:      "strict",
		Arguments: json.RawMessage(`{}`),
	})

	assert.True(t, res.IsError())
	assert.Equal(t, types.ErrToolValidation, res.ErrorCode)
	assert.Contains(t, res.Error, "missing required argument")
}

func TestExecuteOne_ExecutionError(t *testing.T) {
	exec, reg := newTestExecutor(t)
	require.NoError(t, reg.Register("boom", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("backend exploded")
	}, Metadata{}))

	res := exec.ExecuteOne(context.Background(), types.ToolCall{ID: "c1", Name: "boom"})

	assert.True(t, res.IsError())
	assert.Equal(t, types.ErrToolExecution, res.ErrorCode)
	assert.Contains(t, res.Error, "backend exploded")
}

func TestExecuteOne_StructuredErrorCodePreserved(t *testing.T) {
	exec, reg := newTestExecutor(t)
	require.NoError(t, reg.Register("limited", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, types.NewRateLimitError("downstream")
	}, Metadata{}))

	res := exec.ExecuteOne(context.Background(), types.ToolCall{ID: "c1", Name: "limited"})

	assert.True(t, res.IsError())
	assert.Equal(t, types.ErrRateLimited, res.ErrorCode)
}

func TestExecuteOne_Timeout(t *testing.T) {
	exec, reg := newTestExecutor(t)
	require.NoError(t, reg.Register("slow", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		select {
		case <-time.After(time.Second):
			return json.RawMessage(`"late"`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, Metadata{Timeout: 10 * time.Millisecond}))

	start := time.Now()
	res := exec.ExecuteOne(context.Background(), types.ToolCall{ID: "c1", Name: "slow"})

	assert.True(t, res.IsError())
	assert.Equal(t, types.ErrToolTimeout, res.ErrorCode)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "returns promptly on timeout")
}

func TestExecuteOne_RateLimitEnforced(t *testing.T) {
	exec, reg := newTestExecutor(t)
	require.NoError(t, reg.Register("limited", echoTool, Metadata{
		RateLimit: &RateLimitConfig{MaxCalls: 1, Window: time.Hour},
	}))

	call := types.ToolCall{ID: "c1", Name: "limited", Arguments: json.RawMessage(`{}`)}

	first := exec.ExecuteOne(context.Background(), call)
	assert.False(t, first.IsError())

	second := exec.ExecuteOne(context.Background(), call)
	assert.True(t, second.IsError())
	assert.Equal(t, types.ErrToolRateLimit, second.ErrorCode)
}

func TestExecute_ResultsMatchEmissionOrder(t *testing.T) {
	exec, reg := newTestExecutor(t)

	// 完成顺序刻意与发射顺序相反
	delays := map[string]time.Duration{
		"t0": 30 * time.Millisecond,
		"t1": 15 * time.Millisecond,
		"t2": 0,
	}
	for name, d := range delays {
		delay := d
		require.NoError(t, reg.Register(name, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			time.Sleep(delay)
			return args, nil
		}, Metadata{}))
	}

	calls := make([]types.ToolCall, 3)
	for i := range calls {
		name := fmt.Sprintf("t%d", i)
		calls[i] = types.ToolCall{
			ID:        fmt.Sprintf("call-%d", i),
			Name:      name,
			Arguments: json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)),
		}
	}

	results := exec.Execute(context.Background(), calls)

	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("call-%d", i), res.ToolCallID, "result order mirrors call order")
		assert.False(t, res.IsError())
	}
}

func TestExecute_MixedSuccessAndFailure(t *testing.T) {
	exec, reg := newTestExecutor(t)
	require.NoError(t, reg.Register("ok", echoTool, Metadata{}))
	require.NoError(t, reg.Register("bad", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("nope")
	}, Metadata{}))

	results := exec.Execute(context.Background(), []types.ToolCall{
		{ID: "c1", Name: "ok", Arguments: json.RawMessage(`{}`)},
		{ID: "c2", Name: "bad"},
		{ID: "c3", Name: "unregistered"},
	})

	require.Len(t, results, 3)
	assert.False(t, results[0].IsError())
	assert.Equal(t, types.ErrToolExecution, results[1].ErrorCode)
	assert.Equal(t, types.ErrToolNotFound, results[2].ErrorCode)
}

func TestExecute_EmptyCalls(t *testing.T) {
	exec, _ := newTestExecutor(t)
	results := exec.Execute(context.Background(), nil)
	assert.Empty(t, results)
}

func TestExecuteOne_NilRegistry(t *testing.T) {
	exec := NewDefaultExecutor(nil, nil, nil)

	res := exec.ExecuteOne(context.Background(), types.ToolCall{ID: "c1", Name: "any"})
	assert.True(t, res.IsError())
	assert.Equal(t, types.ErrToolNotFound, res.ErrorCode)
}

package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentState_AppendIsAppendOnly(t *testing.T) {
	state := NewAgentState("thread-1")
	state.Append(NewUserMessage("hello"))
	state.Append(NewAssistantMessage("hi"), NewUserMessage("again"))

	require.Len(t, state.Messages, 3)
	assert.Equal(t, RoleUser, state.Messages[0].Role)
	assert.Equal(t, "hello", state.Messages[0].Content)
	assert.Equal(t, RoleAssistant, state.Messages[1].Role)
	assert.Equal(t, "again", state.Messages[2].Content)
}

func TestAgentState_PendingToolCalls(t *testing.T) {
	calls := []ToolCall{
		{ID: "c1", Name: "search", Arguments: json.RawMessage(`{"q":"go"}`)},
		{ID: "c2", Name: "fetch", Arguments: json.RawMessage(`{"url":"x"}`)},
	}

	state := NewAgentState("thread-1")
	assert.Empty(t, state.PendingToolCalls(), "empty state has no pending calls")

	state.Append(NewUserMessage("hello"))
	assert.Empty(t, state.PendingToolCalls(), "user message carries no calls")

	state.Append(NewAssistantMessage("").WithToolCalls(calls))
	got := state.PendingToolCalls()
	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].ID, "emission order preserved")
	assert.Equal(t, "c2", got[1].ID)

	// 工具结果追加后，最新消息不再是 assistant，待执行集合清空
	state.Append(NewToolMessage("c1", "search", "result"))
	assert.Empty(t, state.PendingToolCalls())
}

func TestAgentState_MergeContext(t *testing.T) {
	state := NewAgentState("thread-1")
	state.MergeContext(map[string]string{"locale": "en", "tier": "free"})
	state.MergeContext(map[string]string{"tier": "pro"})
	state.MergeContext(nil)

	assert.Equal(t, "en", state.Context["locale"])
	assert.Equal(t, "pro", state.Context["tier"], "later merge wins")
	assert.Len(t, state.Context, 2)
}

func TestAgentState_CloneIsDeep(t *testing.T) {
	state := NewAgentState("thread-1")
	state.Append(NewUserMessage("hello"))
	state.MergeContext(map[string]string{"k": "v"})

	cp := state.Clone()
	cp.Append(NewAssistantMessage("hi"))
	cp.Context["k"] = "changed"

	assert.Len(t, state.Messages, 1, "original untouched by clone mutation")
	assert.Equal(t, "v", state.Context["k"])
	assert.Len(t, cp.Messages, 2)
}

func TestMessage_WithMetadataDoesNotMutateOriginal(t *testing.T) {
	orig := NewAssistantMessage("hi")
	tagged := orig.WithMetadata("key", "value")

	assert.Nil(t, orig.Metadata)
	assert.Equal(t, "value", tagged.Metadata["key"])

	second := tagged.WithMetadata("other", "x")
	assert.Len(t, tagged.Metadata, 1)
	assert.Len(t, second.Metadata, 2)
}

func TestAgentState_JSONRoundTripToleratesUnknownFields(t *testing.T) {
	state := NewAgentState("thread-1")
	state.Append(NewUserMessage("hello"))
	state.Steps = 2

	data, err := json.Marshal(state)
	require.NoError(t, err)

	// 模拟旧版本读取带未知字段的新 schema
	withExtra := append(data[:len(data)-1], []byte(`,"future_field":123}`)...)

	var decoded AgentState
	require.NoError(t, json.Unmarshal(withExtra, &decoded))
	assert.Equal(t, "thread-1", decoded.ThreadID)
	assert.Equal(t, 2, decoded.Steps)
	require.Len(t, decoded.Messages, 1)
	assert.Equal(t, "hello", decoded.Messages[0].Content)
}

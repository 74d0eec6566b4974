package types

import "time"

// AgentState 是在图步骤之间传递的完整会话状态。
// Messages 采用追加式合并语义：新消息只会拼接到尾部，既有消息
// 永远不会被替换或重排。状态由单个 run 独占持有，不跨 run 共享。
type AgentState struct {
	ThreadID  string            `json:"thread_id"`
	UserID    string            `json:"user_id,omitempty"`
	Messages  []Message         `json:"messages"`
	Context   map[string]string `json:"context,omitempty"` // 调用方附带的领域元数据
	Steps     int               `json:"steps"`             // 已完成的步骤数
	Stop      bool              `json:"stop,omitempty"`    // 显式停止信号
	CreatedAt time.Time         `json:"created_at,omitempty"`
}

// NewAgentState creates a fresh state for a thread's first message.
func NewAgentState(threadID string) *AgentState {
	return &AgentState{
		ThreadID:  threadID,
		Messages:  make([]Message, 0, 8),
		CreatedAt: time.Now(),
	}
}

// Append 追加消息（追加式合并，唯一的状态变更入口）。
func (s *AgentState) Append(msgs ...Message) {
	s.Messages = append(s.Messages, msgs...)
}

// LastMessage returns the most recent message, if any.
func (s *AgentState) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// PendingToolCalls returns the tool calls carried by the latest message
// when that message is an assistant turn, in their original emission order.
func (s *AgentState) PendingToolCalls() []ToolCall {
	last, ok := s.LastMessage()
	if !ok || last.Role != RoleAssistant {
		return nil
	}
	return last.ToolCalls
}

// MergeContext merges caller-supplied metadata into the state context.
// Existing keys are overwritten; nothing is ever removed.
func (s *AgentState) MergeContext(ctx map[string]string) {
	if len(ctx) == 0 {
		return
	}
	if s.Context == nil {
		s.Context = make(map[string]string, len(ctx))
	}
	for k, v := range ctx {
		s.Context[k] = v
	}
}

// Clone returns a deep copy of the state. Used to hand a stable snapshot
// to callers without aliasing the engine-owned instance.
func (s *AgentState) Clone() *AgentState {
	cp := *s
	cp.Messages = make([]Message, len(s.Messages))
	copy(cp.Messages, s.Messages)
	if s.Context != nil {
		cp.Context = make(map[string]string, len(s.Context))
		for k, v := range s.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}

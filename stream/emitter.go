package stream

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/chatflow/types"
	"go.uber.org/zap"
)

// EventType 事件类型。
type EventType string

const (
	// EventPartialToken 模型输出的增量文本片段。
	EventPartialToken EventType = "partial_token"
	// EventToolCallStarted 工具调用开始。
	EventToolCallStarted EventType = "tool_call_started"
	// EventToolCallFinished 工具调用结束（成功或失败）。
	EventToolCallFinished EventType = "tool_call_finished"
	// EventTerminal run 结束，携带终止 assistant 消息。
	EventTerminal EventType = "terminal"
)

// Event 是引擎产生的一条流事件。
type Event struct {
	Type       EventType      `json:"type"`
	ThreadID   string         `json:"thread_id,omitempty"`
	Token      string         `json:"token,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolError  string         `json:"tool_error,omitempty"`
	Message    *types.Message `json:"message,omitempty"` // terminal 事件携带
	Timestamp  time.Time      `json:"timestamp"`
}

// Emitter 把步骤循环产生的事件按序送入有界通道。
// Close 之后的 Emit 被静默丢弃（run 收尾阶段安全）；Close 会等在飞的
// Emit 退出后再关闭事件通道，与并发生产者之间没有竞态。
type Emitter struct {
	ch        chan Event
	done      chan struct{}
	mu        sync.Mutex
	closed    bool
	inflight  sync.WaitGroup
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewEmitter 创建事件发射器。buffer 是背压缓冲大小（<=0 时取 64）。
func NewEmitter(buffer int, logger *zap.Logger) *Emitter {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		ch:     make(chan Event, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Emit 投递一条事件。缓冲满时阻塞以施加背压；
// ctx 取消或发射器已关闭时返回 false，调用方应停止产出事件。
func (e *Emitter) Emit(ctx context.Context, ev Event) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.inflight.Add(1)
	e.mu.Unlock()
	defer e.inflight.Done()

	select {
	case e.ch <- ev:
		return true
	case <-e.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Events 返回事件通道；run 结束后通道被关闭，序列有限。
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Close 结束事件流并关闭通道。幂等。
// 先关 done 解除所有阻塞中的 Emit，待其全部退出后才关闭数据通道。
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		close(e.done)
		e.inflight.Wait()
		close(e.ch)
	})
}

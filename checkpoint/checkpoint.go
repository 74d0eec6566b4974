package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/chatflow/types"
	"github.com/google/uuid"
)

// Common errors
var (
	ErrNotFound    = errors.New("checkpoint not found")
	ErrStoreClosed = errors.New("checkpoint store is closed")
)

// Checkpoint 是一次完整步骤之后的会话状态快照。
// 写入后不可变；同一 thread 内按 Sequence 单调递增。
type Checkpoint struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id"`
	Sequence  int64           `json:"sequence"`
	State     json.RawMessage `json:"state"` // 序列化的 AgentState
	WrittenAt time.Time       `json:"written_at"`
}

// Store 检查点存储接口。
// Append 必须在返回前落盘（不得静默缓冲），它是崩溃后唯一的恢复手段。
type Store interface {
	// Append 持久化一个新检查点并为其分配该线程的下一个 Sequence。
	Append(ctx context.Context, ck *Checkpoint) error

	// LoadLatest 加载线程 Sequence 最大的检查点；无检查点时返回 ErrNotFound。
	LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error)

	// List 按 Sequence 降序列出线程最近的 limit 个检查点。
	List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error)

	// DeleteThread 删除线程的全部检查点。
	DeleteThread(ctx context.Context, threadID string) error

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close closes the store and releases resources.
	Close() error
}

// Snapshot serializes an AgentState into a checkpoint ready for Append.
func Snapshot(state *types.AgentState) (*Checkpoint, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return &Checkpoint{
		ID:       uuid.NewString(),
		ThreadID: state.ThreadID,
		State:    data,
	}, nil
}

// DecodeState 反序列化检查点中的 AgentState。
// 解码时容忍未知字段，保证旧线程在 schema 演进后仍可恢复；
// 无法解码的检查点是不可恢复的程序不变量违例，由调用方按致命错误处理。
func (c *Checkpoint) DecodeState() (*types.AgentState, error) {
	var state types.AgentState
	if err := json.Unmarshal(c.State, &state); err != nil {
		return nil, types.NewError(types.ErrCheckpointCorrupt,
			fmt.Sprintf("checkpoint %s (thread %s, seq %d) failed to deserialize", c.ID, c.ThreadID, c.Sequence),
		).WithCause(err)
	}
	return &state, nil
}

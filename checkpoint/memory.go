package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 内存检查点存储，用于开发与测试。
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]*Checkpoint
	closed  bool
}

// NewMemoryStore creates a new in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string][]*Checkpoint),
	}
}

// Append 实现 Store.Append。
func (s *MemoryStore) Append(ctx context.Context, ck *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	chain := s.threads[ck.ThreadID]
	ck.Sequence = int64(len(chain)) + 1
	if ck.WrittenAt.IsZero() {
		ck.WrittenAt = time.Now()
	}

	// 存入副本，防止调用方后续修改别名数据
	cp := *ck
	cp.State = append([]byte(nil), ck.State...)
	s.threads[ck.ThreadID] = append(chain, &cp)
	return nil
}

// LoadLatest 实现 Store.LoadLatest。
func (s *MemoryStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	chain := s.threads[threadID]
	if len(chain) == 0 {
		return nil, ErrNotFound
	}

	cp := *chain[len(chain)-1]
	return &cp, nil
}

// List 实现 Store.List。
func (s *MemoryStore) List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	chain := s.threads[threadID]
	if limit <= 0 || limit > len(chain) {
		limit = len(chain)
	}

	out := make([]*Checkpoint, 0, limit)
	for i := len(chain) - 1; i >= len(chain)-limit; i-- {
		cp := *chain[i]
		out = append(out, &cp)
	}
	return out, nil
}

// DeleteThread 实现 Store.DeleteThread。
func (s *MemoryStore) DeleteThread(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	delete(s.threads, threadID)
	return nil
}

// Ping 实现 Store.Ping。
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close 实现 Store.Close。
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

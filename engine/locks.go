package engine

import (
	"context"
	"sync"

	"github.com/BaSui01/chatflow/types"
)

// threadLocks 保证同一 thread 至多一个 run 在飞。
// 检查点 Sequence 的全序不支持并发写者合并，所以这里绝不允许
// 两个 run 同时推进同一条检查点链。
type threadLocks struct {
	mu       sync.Mutex
	inflight map[string]chan struct{}
}

func newThreadLocks() *threadLocks {
	return &threadLocks{
		inflight: make(map[string]chan struct{}),
	}
}

// acquire 获取线程执行权。queue 为 false 时对已占用线程立即返回
// ThreadBusy；为 true 时阻塞排队直到前序 run 释放或 ctx 取消。
// 返回的 release 幂等。
func (l *threadLocks) acquire(ctx context.Context, threadID string, queue bool) (func(), error) {
	for {
		l.mu.Lock()
		prev, busy := l.inflight[threadID]
		if !busy {
			done := make(chan struct{})
			l.inflight[threadID] = done
			l.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.inflight, threadID)
					l.mu.Unlock()
					close(done)
				})
			}, nil
		}
		l.mu.Unlock()

		if !queue {
			return nil, types.NewThreadBusyError(threadID)
		}

		select {
		case <-prev: // 前序 run 结束，重新竞争
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

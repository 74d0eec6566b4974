package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitter_EventsDeliveredInOrder(t *testing.T) {
	em := NewEmitter(8, nil)
	ctx := context.Background()

	go func() {
		for i := 0; i < 5; i++ {
			em.Emit(ctx, Event{Type: EventPartialToken, Token: fmt.Sprintf("tok-%d", i)})
		}
		em.Emit(ctx, Event{Type: EventTerminal})
		em.Close()
	}()

	var got []Event
	for ev := range em.Events() {
		got = append(got, ev)
	}

	require.Len(t, got, 6)
	for i := 0; i < 5; i++ {
		assert.Equal(t, EventPartialToken, got[i].Type)
		assert.Equal(t, fmt.Sprintf("tok-%d", i), got[i].Token, "FIFO order preserved")
		assert.False(t, got[i].Timestamp.IsZero())
	}
	assert.Equal(t, EventTerminal, got[5].Type)
}

func TestEmitter_ChannelClosesAfterClose(t *testing.T) {
	em := NewEmitter(1, nil)
	em.Close()

	_, open := <-em.Events()
	assert.False(t, open, "channel is closed, sequence is finite")
}

func TestEmitter_CloseIsIdempotent(t *testing.T) {
	em := NewEmitter(1, nil)
	em.Close()
	assert.NotPanics(t, func() { em.Close() })
}

func TestEmitter_EmitAfterCloseDropped(t *testing.T) {
	em := NewEmitter(1, nil)
	em.Close()

	ok := em.Emit(context.Background(), Event{Type: EventPartialToken})
	assert.False(t, ok)
}

func TestEmitter_EmitBlocksUntilConsumed(t *testing.T) {
	em := NewEmitter(1, nil)
	ctx := context.Background()

	require.True(t, em.Emit(ctx, Event{Type: EventPartialToken, Token: "a"}))

	emitted := make(chan bool, 1)
	go func() {
		// 缓冲已满，这次 Emit 会阻塞直到消费者取走一条
		emitted <- em.Emit(ctx, Event{Type: EventPartialToken, Token: "b"})
	}()

	select {
	case <-emitted:
		t.Fatal("emit should block while the buffer is full")
	case <-time.After(20 * time.Millisecond):
	}

	ev := <-em.Events()
	assert.Equal(t, "a", ev.Token)
	assert.True(t, <-emitted, "emit unblocks once there is room")
	em.Close()
}

func TestEmitter_EmitRespectsContextCancel(t *testing.T) {
	em := NewEmitter(1, nil)
	require.True(t, em.Emit(context.Background(), Event{Token: "fill"}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	ok := em.Emit(ctx, Event{Token: "blocked"})
	assert.False(t, ok, "canceled producer stops instead of blocking forever")
}

func TestEmitter_DefaultBuffer(t *testing.T) {
	em := NewEmitter(0, nil)
	ctx := context.Background()

	// 默认缓冲足以容纳一批事件而不阻塞
	for i := 0; i < 64; i++ {
		require.True(t, em.Emit(ctx, Event{Token: fmt.Sprintf("%d", i)}))
	}
	em.Close()
}

func TestEmitter_CloseConcurrentWithEmit(t *testing.T) {
	em := NewEmitter(1, nil)
	ctx := context.Background()

	// 多个生产者把缓冲打满后阻塞在 Emit 上
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if !em.Emit(ctx, Event{Type: EventPartialToken, Token: "x"}) {
					return
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	em.Close() // 不会对阻塞中的发送方 panic
	wg.Wait()

	// 通道最终被关闭，已缓冲的事件仍可排空
	for range em.Events() {
	}
}

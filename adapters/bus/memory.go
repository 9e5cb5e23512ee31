package bus

import (
	"context"
	"sync"

	"github.com/smallnest/chanx"
)

// MemoryTransport 是單一行程內的傳輸方式，每條連線有無上限的緩衝，Publish 不會阻塞
type MemoryTransport[T any] struct {
	mu    sync.RWMutex
	conns map[string]map[*memoryConn[T]]struct{}
}

func NewMemoryTransport[T any]() *MemoryTransport[T] {
	return &MemoryTransport[T]{
		conns: make(map[string]map[*memoryConn[T]]struct{}),
	}
}

func (t *MemoryTransport[T]) Open(_ context.Context, channel string) (Conn[T], error) {
	conn := &memoryConn[T]{
		transport: t,
		channel:   channel,
		buffer:    chanx.NewUnboundedChan[T](context.Background(), 16),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[channel] == nil {
		t.conns[channel] = make(map[*memoryConn[T]]struct{})
	}
	t.conns[channel][conn] = struct{}{}
	return conn, nil
}

func (t *MemoryTransport[T]) Publish(_ context.Context, channel string, message T) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for conn := range t.conns[channel] {
		conn.buffer.In <- message
	}
	return nil
}

// Connections 返回頻道上開啟中的連線數量
func (t *MemoryTransport[T]) Connections(channel string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns[channel])
}

func (t *MemoryTransport[T]) remove(conn *memoryConn[T]) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	conns, ok := t.conns[conn.channel]
	if !ok {
		return false
	}
	if _, ok := conns[conn]; !ok {
		return false
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(t.conns, conn.channel)
	}
	return true
}

type memoryConn[T any] struct {
	transport *MemoryTransport[T]
	channel   string
	buffer    *chanx.UnboundedChan[T]
}

func (c *memoryConn[T]) Messages() <-chan T {
	return c.buffer.Out
}

// Close 從 transport 移除後關閉緩衝，已緩衝的訊息仍會送出
func (c *memoryConn[T]) Close() error {
	if c.transport.remove(c) {
		close(c.buffer.In)
	}
	return nil
}

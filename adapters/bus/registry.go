package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"lotbid/auction"
)

var (
	ErrRegistryClosed = errors.New("registry is closed")
)

// Handler 處理頻道上收到的訊息，不可以在 Handler 內同步呼叫 Registry 的方法
type Handler[T any] func(message T)

type handlerEntry[T any] struct {
	id uint64
	fn Handler[T]
}

// channelEntry 是一個頻道的共用連線與其上的所有 handler。
// 連線在 ready 關閉後才可以讀取 conn 與 err。
type channelEntry[T any] struct {
	ready chan struct{}
	conn  Conn[T]
	err   error
	refs  int // 由 Registry.mu 保護，包含還在等待連線的訂閱者

	mu       sync.RWMutex // 派送期間持有讀鎖，移除 handler 需要等待派送結束
	handlers []handlerEntry[T]
}

// Subscription 代表一個 (頻道, handler) 的註冊
type Subscription[T any] struct {
	registry *Registry[T]
	channel  string
	entry    *channelEntry[T]
	id       uint64
	once     sync.Once
}

// Channel 返回訂閱的頻道名稱
func (s *Subscription[T]) Channel() string {
	return s.channel
}

// Close 取消訂閱，可重複呼叫
func (s *Subscription[T]) Close() {
	s.registry.Unsubscribe(s)
}

type registryOptions struct {
	logger *slog.Logger
}

type RegistryOption func(*registryOptions)

// WithRegistryLogger 設置日誌記錄器
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(o *registryOptions) {
		o.logger = logger
	}
}

// Registry 管理所有頻道的訂閱。同一個頻道的多個 handler 共用一條引用計數的連線，
// 由單一的派送 goroutine 依照註冊順序送出訊息，所以每個 handler 看到的順序都相同。
// mu 只保護頻道表，開啟或關閉連線與等待派送都在鎖外進行。
type Registry[T any] struct {
	transport Transport[T]
	logger    *slog.Logger

	mu       sync.Mutex
	channels map[string]*channelEntry[T]
	nextID   uint64
	closed   atomic.Bool
	wg       sync.WaitGroup
}

func NewRegistry[T any](transport Transport[T], opts ...RegistryOption) (*Registry[T], error) {
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	options := registryOptions{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Registry[T]{
		transport: transport,
		logger:    options.logger.With(slog.String("caller", "Registry")),
		channels:  make(map[string]*channelEntry[T]),
	}, nil
}

// Subscribe 在頻道上註冊 handler，頻道還沒有連線時會開啟一條新的連線。
// 同時訂閱同一個頻道的呼叫會等待同一次開啟，不影響其他頻道。
func (r *Registry[T]) Subscribe(ctx context.Context, channel string, handler Handler[T]) (*Subscription[T], error) {
	const op = "Registry.Subscribe"
	if channel == "" || handler == nil {
		return nil, fmt.Errorf("[%s] channel and handler are required", op)
	}

	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		return nil, fmt.Errorf("[%s] %w", op, ErrRegistryClosed)
	}
	entry, ok := r.channels[channel]
	if !ok {
		entry = &channelEntry[T]{ready: make(chan struct{})}
		r.channels[channel] = entry
	}
	entry.refs++
	r.nextID++
	sub := &Subscription[T]{registry: r, channel: channel, entry: entry, id: r.nextID}
	r.mu.Unlock()

	if !ok {
		r.open(ctx, channel, entry)
	}

	select {
	case <-entry.ready:
	case <-ctx.Done():
		r.release(channel, entry)
		return nil, fmt.Errorf("[%s] %w", op, ctx.Err())
	}
	if entry.err != nil {
		r.release(channel, entry)
		if errors.Is(entry.err, ErrRegistryClosed) {
			return nil, fmt.Errorf("[%s] %w", op, ErrRegistryClosed)
		}
		return nil, fmt.Errorf("[%s] Fail to open channel %s, err=%w: %w", op, channel, auction.ErrTransport, entry.err)
	}

	entry.mu.Lock()
	entry.handlers = append(entry.handlers, handlerEntry[T]{id: sub.id, fn: handler})
	entry.mu.Unlock()
	return sub, nil
}

// open 開啟頻道連線並啟動派送，完成後關閉 entry.ready
func (r *Registry[T]) open(ctx context.Context, channel string, entry *channelEntry[T]) {
	defer close(entry.ready)
	conn, err := r.transport.Open(ctx, channel)

	r.mu.Lock()
	switch {
	case err != nil:
		entry.err = err
		// 讓之後的訂閱重新開啟
		if r.channels[channel] == entry {
			delete(r.channels, channel)
		}
	case r.closed.Load():
		entry.err = ErrRegistryClosed
	default:
		entry.conn = conn
		r.wg.Add(1)
		go r.dispatch(channel, entry)
	}
	r.mu.Unlock()

	switch {
	case err != nil:
		r.logger.Warn("Fail to open channel", slog.String("channel", channel), slog.Any("error", err))
	case entry.err != nil:
		r.closeConn(channel, conn)
	default:
		r.logger.Debug("channel opened", slog.String("channel", channel))
	}
}

// release 減少頻道的引用，最後一個引用離開時移除頻道並關閉連線
func (r *Registry[T]) release(channel string, entry *channelEntry[T]) {
	r.mu.Lock()
	entry.refs--
	idle := entry.refs == 0 && r.channels[channel] == entry
	if idle {
		delete(r.channels, channel)
	}
	r.mu.Unlock()

	if idle && entry.err == nil {
		r.closeConn(channel, entry.conn)
	}
}

// Unsubscribe 移除訂閱，返回後 handler 不會再被呼叫。
// 最後一個 handler 離開時，頻道會先從頻道表移除再關閉連線，之後的訂閱會開啟新的連線。
func (r *Registry[T]) Unsubscribe(sub *Subscription[T]) {
	if sub == nil {
		return
	}
	sub.once.Do(func() {
		entry := sub.entry
		entry.mu.Lock()
		entry.handlers = slices.DeleteFunc(entry.handlers, func(h handlerEntry[T]) bool {
			return h.id == sub.id
		})
		entry.mu.Unlock()
		r.release(sub.channel, entry)
	})
}

// Publish 將訊息送往頻道，傳輸失敗時返回 ErrTransport
func (r *Registry[T]) Publish(ctx context.Context, channel string, message T) error {
	const op = "Registry.Publish"
	if r.closed.Load() {
		return fmt.Errorf("[%s] %w", op, ErrRegistryClosed)
	}
	if err := r.transport.Publish(ctx, channel, message); err != nil {
		return fmt.Errorf("[%s] Fail to publish to %s, err=%w: %w", op, channel, auction.ErrTransport, err)
	}
	return nil
}

// Subscribers 返回頻道上目前的 handler 數量
func (r *Registry[T]) Subscribers(channel string) int {
	r.mu.Lock()
	entry, ok := r.channels[channel]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return len(entry.handlers)
}

// Close 關閉所有頻道並等待派送 goroutine 結束
func (r *Registry[T]) Close() {
	r.mu.Lock()
	if r.closed.Swap(true) {
		r.mu.Unlock()
		return
	}
	channels := r.channels
	r.channels = make(map[string]*channelEntry[T])
	r.mu.Unlock()

	for channel, entry := range channels {
		// 開啟中的頻道由 open 在看到 closed 後自行關閉
		<-entry.ready
		if entry.err != nil {
			continue
		}
		entry.mu.Lock()
		entry.handlers = nil
		entry.mu.Unlock()
		r.closeConn(channel, entry.conn)
	}
	r.wg.Wait()
	r.logger.Info("registry closed")
}

func (r *Registry[T]) closeConn(channel string, conn Conn[T]) {
	if err := conn.Close(); err != nil {
		r.logger.Warn("Fail to close channel connection",
			slog.String("channel", channel),
			slog.Any("error", err))
		return
	}
	r.logger.Debug("channel closed", slog.String("channel", channel))
}

// dispatch 是每個頻道唯一的派送 goroutine
func (r *Registry[T]) dispatch(channel string, entry *channelEntry[T]) {
	defer r.wg.Done()
	for message := range entry.conn.Messages() {
		entry.mu.RLock()
		for _, h := range entry.handlers {
			h.fn(message)
		}
		entry.mu.RUnlock()
	}
	r.logger.Debug("dispatcher stopped", slog.String("channel", channel))
}

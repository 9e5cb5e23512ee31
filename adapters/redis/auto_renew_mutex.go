package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// AutoRenewMutex 是持有期間會自動延長過期時間的分散式鎖。
// sweeper 用它確保同一時間只有一個實例在結算，
// 嚴格順序的 group consumer 用它確保同一時間只有一個實例在消費。
type AutoRenewMutex struct {
	mutex   *redsync.Mutex
	key     string
	logger  *slog.Logger
	options autoRenewMutexOptions

	mu       sync.Mutex
	held     bool
	release  context.CancelFunc
	renewers sync.WaitGroup
}

type autoRenewMutexOptions struct {
	logger        *slog.Logger
	renewInterval time.Duration
	retryDelay    time.Duration
	expiry        time.Duration
	skipLockError bool
}

type AutoRenewMutexOption func(*autoRenewMutexOptions)

// WithAutoRenewMutexLogger 設置日誌記錄器
func WithAutoRenewMutexLogger(logger *slog.Logger) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.logger = logger
	}
}

// WithAutoRenewMutexRenewInterval 設置續期間隔，預設為過期時間的1/3
func WithAutoRenewMutexRenewInterval(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.renewInterval = d
	}
}

// WithAutoRenewMutexRetryDelay 設置 Lock 等待鎖時的重試間隔
func WithAutoRenewMutexRetryDelay(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.retryDelay = d
	}
}

// WithAutoRenewMutexExpiry 設置鎖的過期時間
func WithAutoRenewMutexExpiry(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.expiry = d
	}
}

// WithAutoRenewMutexSkipLockError 設置 Lock 遇到 Redis 錯誤時是否繼續等待
func WithAutoRenewMutexSkipLockError(skip bool) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.skipLockError = skip
	}
}

func NewAutoRenewMutex(client *redis.Client, key string, opts ...AutoRenewMutexOption) IAutoRenewMutex {
	options := autoRenewMutexOptions{
		logger:     slog.Default(),
		expiry:     8 * time.Second,
		retryDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.renewInterval <= 0 {
		options.renewInterval = options.expiry / 3
	}

	// 只嘗試一次，等待與重試由 Lock 自行控制
	mutex := redsync.New(goredis.NewPool(client)).NewMutex(key,
		redsync.WithExpiry(options.expiry),
		redsync.WithTries(1),
	)
	return &AutoRenewMutex{
		mutex:   mutex,
		key:     key,
		logger:  options.logger.With(slog.String("caller", "AutoRenewMutex"), slog.String("key", key)),
		options: options,
	}
}

// Lock 等待直到取得鎖或 ctx 結束。
// 回傳的 context 在續期失敗或 Unlock 後會被取消，持有者應以它作為工作的 context。
func (m *AutoRenewMutex) Lock(ctx context.Context) (context.Context, error) {
	const op = "AutoRenewMutex.Lock"
	for {
		leaseCtx, acquired, err := m.TryLock(ctx)
		switch {
		case acquired:
			return leaseCtx, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil && !m.options.skipLockError:
			return nil, fmt.Errorf("[%s] %w", op, err)
		case err != nil:
			m.logger.Debug("Ignore lock error and keep waiting", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.options.retryDelay):
		}
	}
}

// TryLock 只嘗試一次，鎖由其他實例持有時回傳 false 與 nil error
func (m *AutoRenewMutex) TryLock(ctx context.Context) (context.Context, bool, error) {
	const op = "AutoRenewMutex.TryLock"
	if err := m.mutex.TryLockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		// 只有與 Redis 通訊失敗才是錯誤，其餘代表鎖被佔用
		var commErr *redsync.RedisError
		if errors.As(err, &commErr) {
			return nil, false, fmt.Errorf("[%s] Fail to acquire lock, err=%w", op, err)
		}
		return nil, false, nil
	}
	return m.hold(ctx), true, nil
}

// Unlock 停止續期並釋放鎖
func (m *AutoRenewMutex) Unlock() (bool, error) {
	m.drop()
	m.renewers.Wait()
	return m.mutex.Unlock()
}

// Valid 回傳鎖是否仍在續期中且尚未過期
func (m *AutoRenewMutex) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held && time.Now().Before(m.mutex.Until())
}

// hold 記錄取得的鎖並啟動續期
func (m *AutoRenewMutex) hold(parent context.Context) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	leaseCtx, release := context.WithCancel(parent)
	m.held = true
	m.release = release

	m.renewers.Add(1)
	go func() {
		defer m.renewers.Done()
		m.renew(leaseCtx)
	}()
	return leaseCtx
}

func (m *AutoRenewMutex) renew(ctx context.Context) {
	ticker := time.NewTicker(m.options.renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extended, err := m.mutex.ExtendContext(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil || !extended {
				// 續期失敗代表鎖可能已被其他實例取得，通知持有者停止工作
				m.logger.Warn("Lost lock while renewing", slog.Any("error", err))
				m.drop()
				return
			}
		}
	}
}

// drop 取消持有狀態，可以重複呼叫
func (m *AutoRenewMutex) drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held {
		return
	}
	m.held = false
	m.release()
}

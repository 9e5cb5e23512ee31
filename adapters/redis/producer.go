package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallnest/chanx"
)

var (
	ErrProducerClosed = errors.New("producer is closed")
)

type producerOptions[T any] struct {
	logger       *slog.Logger
	bufferSize   int
	maxLen       int64
	drainTimeout time.Duration
	parseFunc    func(T) (map[string]any, error)
	streamFunc   func(T) string
}

type ProducerOption[T any] func(*producerOptions[T])

// WithProducerLogger 設置日誌記錄器
func WithProducerLogger[T any](logger *slog.Logger) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.logger = logger
	}
}

// WithProducerBufferSize 設置緩衝大小
func WithProducerBufferSize[T any](size int) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.bufferSize = size
	}
}

// WithProducerMaxLen 設置stream的近似長度上限，0表示不裁剪
func WithProducerMaxLen[T any](n int64) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.maxLen = n
	}
}

// WithProducerDrainTimeout 設置關閉時送出剩餘訊息的時間上限
func WithProducerDrainTimeout[T any](d time.Duration) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.drainTimeout = d
	}
}

// WithProducerParseFunc 設置消息序列化函數
func WithProducerParseFunc[T any](fn func(T) (map[string]any, error)) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.parseFunc = fn
	}
}

// WithProducerStreamFunc 依照訊息內容決定寫入的stream
func WithProducerStreamFunc[T any](fn func(T) string) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.streamFunc = fn
	}
}

type outgoing struct {
	stream string
	values map[string]any
}

// Producer 以單一goroutine依序寫入stream，同一個stream的訊息順序與Publish順序一致
type Producer[T any] struct {
	client     *redis.Client
	upstream   *chanx.UnboundedChan[outgoing]
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex
	closed     bool
	logger     *slog.Logger
	options    producerOptions[T]
}

func NewProducer[T any](client *redis.Client, stream string, opts ...ProducerOption[T]) (*Producer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}

	// 默認選項
	options := producerOptions[T]{
		logger:       slog.Default(),
		bufferSize:   100,
		drainTimeout: time.Second,
		parseFunc:    DefaultParseToMessage[T],
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	if options.streamFunc == nil {
		if stream == "" {
			return nil, errors.New("stream cannot be empty")
		}
		options.streamFunc = func(T) string { return stream }
	}

	producer := &Producer[T]{
		client:  client,
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "Producer"), slog.String("stream", stream)),
		options: options,
	}

	return producer, nil
}

func (p *Producer[T]) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.upstream = chanx.NewUnboundedChan[outgoing](ctx, p.options.bufferSize)
	p.cancelFunc = cancel
	p.closed = false
	p.logger.Info("starting stream producer")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.logger.Info("producer goroutine stopped")

		// Close會關閉In，chanx送完緩衝後關閉Out
		for message := range p.upstream.Out {
			if ctx.Err() != nil {
				return
			}
			p.send(ctx, message)
		}
	}()
}

func (p *Producer[T]) send(ctx context.Context, message outgoing) {
	args := &redis.XAddArgs{
		Stream: message.stream,
		Values: message.values,
	}
	if p.options.maxLen > 0 {
		args.MaxLen = p.options.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		p.logger.Error("publish message error", slog.String("target", message.stream), slog.Any("error", err))
		return
	}
	p.logger.Debug("message published", slog.String("target", message.stream), slog.String("messageId", id))
}

// Publish 將訊息放入緩衝，由背景goroutine寫入stream，不會因redis阻塞
func (p *Producer[T]) Publish(data T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	message, err := p.options.parseFunc(data)
	if err != nil {
		return fmt.Errorf("parse message error: %w", err)
	}

	p.upstream.In <- outgoing{stream: p.options.streamFunc(data), values: message}
	return nil
}

func (p *Producer[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.logger.Info("closing stream producer")
	p.closed = true
	close(p.upstream.In)
	p.mu.Unlock()

	// 先讓goroutine把緩衝送完，超過時限才強制取消
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.options.drainTimeout):
		p.cancelFunc()
		<-done
	}
	p.cancelFunc()
	p.logger.Info("stream producer closed")
}

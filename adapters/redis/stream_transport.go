package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"lotbid/adapters/bus"
)

type envelope[T any] struct {
	channel string
	payload T
}

type streamTransportOptions struct {
	logger       *slog.Logger
	prefix       string
	maxLen       int64
	blockTimeout time.Duration
	bufferSize   int
}

type StreamTransportOption func(*streamTransportOptions)

// WithStreamTransportLogger 設置日誌記錄器
func WithStreamTransportLogger(logger *slog.Logger) StreamTransportOption {
	return func(o *streamTransportOptions) {
		o.logger = logger
	}
}

// WithStreamTransportPrefix 設置頻道 stream 的 key 前綴
func WithStreamTransportPrefix(prefix string) StreamTransportOption {
	return func(o *streamTransportOptions) {
		o.prefix = prefix
	}
}

// WithStreamTransportMaxLen 設置每個頻道 stream 保留的近似長度
func WithStreamTransportMaxLen(n int64) StreamTransportOption {
	return func(o *streamTransportOptions) {
		o.maxLen = n
	}
}

// WithStreamTransportBlockTimeout 設置 XREAD 的阻塞時間
func WithStreamTransportBlockTimeout(d time.Duration) StreamTransportOption {
	return func(o *streamTransportOptions) {
		o.blockTimeout = d
	}
}

// StreamTransport 以每個頻道一條 redis stream 實作 bus.Transport，讓多個服務實例共享事件。
// 發布經由 Producer 非同步寫入，redis 異常不會阻塞出價流程。
type StreamTransport[T any] struct {
	client   *redis.Client
	producer IProducer[envelope[T]]
	logger   *slog.Logger
	options  streamTransportOptions
}

var _ bus.Transport[struct{}] = (*StreamTransport[struct{}])(nil)

func NewStreamTransport[T any](client *redis.Client, opts ...StreamTransportOption) (*StreamTransport[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	options := streamTransportOptions{
		logger:       slog.Default(),
		prefix:       "lotbid:events:",
		maxLen:       1000,
		blockTimeout: time.Second,
		bufferSize:   100,
	}
	for _, opt := range opts {
		opt(&options)
	}

	producer, err := NewProducer[envelope[T]](client, options.prefix+"*",
		WithProducerLogger[envelope[T]](options.logger),
		WithProducerBufferSize[envelope[T]](options.bufferSize),
		WithProducerMaxLen[envelope[T]](options.maxLen),
		WithProducerStreamFunc(func(e envelope[T]) string {
			return options.prefix + e.channel
		}),
		WithProducerParseFunc(func(e envelope[T]) (map[string]any, error) {
			return DefaultParseToMessage(e.payload)
		}),
	)
	if err != nil {
		return nil, err
	}
	producer.Start()

	return &StreamTransport[T]{
		client:   client,
		producer: producer,
		logger:   options.logger.With(slog.String("caller", "StreamTransport")),
		options:  options,
	}, nil
}

// Open 從頻道 stream 目前最後一筆訊息之後開始讀取
func (t *StreamTransport[T]) Open(ctx context.Context, channel string) (bus.Conn[T], error) {
	const op = "StreamTransport.Open"
	stream := t.options.prefix + channel

	startID := "0-0"
	last, err := t.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to read stream tail, err=%w", op, err)
	}
	if len(last) > 0 {
		startID = last[0].ID
	}

	consumer, err := NewConsumer[T](t.client, stream,
		WithConsumerLogger[T](t.options.logger),
		WithConsumerBlockTimeout[T](t.options.blockTimeout),
		WithConsumerStartID[T](startID),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create consumer, err=%w", op, err)
	}
	consumer.Start()
	return &streamConn[T]{consumer: consumer}, nil
}

// Publish 將訊息放入發布緩衝
func (t *StreamTransport[T]) Publish(_ context.Context, channel string, message T) error {
	return t.producer.Publish(envelope[T]{channel: channel, payload: message})
}

// Close 送出剩餘的訊息並停止 producer
func (t *StreamTransport[T]) Close() {
	t.producer.Close()
}

type streamConn[T any] struct {
	consumer IConsumer[T]
	once     sync.Once
}

func (c *streamConn[T]) Messages() <-chan T {
	return c.consumer.Subscribe()
}

func (c *streamConn[T]) Close() error {
	c.once.Do(c.consumer.Close)
	return nil
}

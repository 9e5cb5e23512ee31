package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type consumerOptions[T any] struct {
	logger       *slog.Logger
	bufferSize   int
	batchSize    int64
	blockTimeout time.Duration
	startID      string
	parseFunc    func(map[string]any) (T, error)
}

type ConsumerOption[T any] func(*consumerOptions[T])

// WithConsumerLogger 設置日誌記錄器
func WithConsumerLogger[T any](logger *slog.Logger) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.logger = logger
	}
}

// WithConsumerBufferSize 設置下游channel的緩衝大小
func WithConsumerBufferSize[T any](size int) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.bufferSize = size
	}
}

// WithConsumerBatchSize 設置每次 XREAD 最多讀取的訊息數量
func WithConsumerBatchSize[T any](size int64) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.batchSize = size
	}
}

// WithConsumerBlockTimeout 設置阻塞讀取超時時間
func WithConsumerBlockTimeout[T any](d time.Duration) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.blockTimeout = d
	}
}

// WithConsumerStartID 設置開始讀取的訊息ID(不包含)，預設為"$"只讀取新訊息
func WithConsumerStartID[T any](id string) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.startID = id
	}
}

// WithConsumerParseFunc 設置自定義解析函數
func WithConsumerParseFunc[T any](fn func(map[string]any) (T, error)) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.parseFunc = fn
	}
}

// Consumer 以 XREAD 追蹤單一 stream，不使用 consumer group，
// 每個 Consumer 都會收到 stream 中的所有訊息。用於拍賣事件的 fan-out。
type Consumer[T any] struct {
	client  *redis.Client
	stream  string
	cursor  string
	out     chan T
	logger  *slog.Logger
	options consumerOptions[T]

	mu         sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

func NewConsumer[T any](client *redis.Client, stream string, opts ...ConsumerOption[T]) (*Consumer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}

	options := consumerOptions[T]{
		logger:       slog.Default(),
		bufferSize:   100,
		batchSize:    16,
		blockTimeout: time.Second,
		startID:      "$",
		parseFunc:    DefaultParseFromMessage[T],
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Consumer[T]{
		client:  client,
		stream:  stream,
		cursor:  options.startID,
		out:     make(chan T, options.bufferSize),
		logger:  options.logger.With(slog.String("caller", "Consumer"), slog.String("stream", stream)),
		options: options,
	}, nil
}

// Start 啟動讀取 goroutine，重複呼叫不會有作用
func (s *Consumer[T]) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.cancelFunc != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancelFunc = cancel

	s.logger.Info("Start stream consumer")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.out)
		s.run(ctx)
	}()
}

func (s *Consumer[T]) run(ctx context.Context) {
	defer s.logger.Info("Stream consumer stopped")
	for ctx.Err() == nil {
		messages, err := s.read(ctx)
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			s.logger.Error("Fail to read stream", slog.Any("error", err))
			// redis中斷時避免空轉
			select {
			case <-ctx.Done():
			case <-time.After(s.options.blockTimeout):
			}
			continue
		}

		for _, message := range messages {
			s.cursor = message.ID
			data, err := s.options.parseFunc(message.Values)
			if err != nil {
				s.logger.Error("Fail to parse message, skip",
					slog.String("messageID", message.ID),
					slog.Any("error", err))
				continue
			}
			select {
			case <-ctx.Done():
				return
			case s.out <- data:
			}
		}
	}
}

// read 讀取游標之後的一批訊息，沒有新訊息時回傳 redis.Nil
func (s *Consumer[T]) read(ctx context.Context) ([]redis.XMessage, error) {
	// "$" 在每次 XREAD 都代表當下的最後一筆，兩次讀取之間新增的訊息會被跳過，
	// 所以第一次讀取前先換成實際的ID
	if s.cursor == "$" {
		last, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", 1).Result()
		if err != nil {
			return nil, err
		}
		s.cursor = "0-0"
		if len(last) > 0 {
			s.cursor = last[0].ID
		}
	}

	streams, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.stream, s.cursor},
		Count:   s.options.batchSize,
		Block:   s.options.blockTimeout,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, redis.Nil
	}
	return streams[0].Messages, nil
}

// Subscribe 回傳解析後的訊息，Close 之後會被關閉
func (s *Consumer[T]) Subscribe() <-chan T {
	return s.out
}

// Close 停止讀取並等待 goroutine 結束。未啟動時直接關閉下游。
func (s *Consumer[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.running:
		s.running = false
		s.cancelFunc()
		s.wg.Wait()
	case s.cancelFunc == nil:
		// 從未啟動
		s.cancelFunc = func() {}
		close(s.out)
	}
}

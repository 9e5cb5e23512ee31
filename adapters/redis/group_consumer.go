package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	deadLetterSuffix = ":dead-letter"
	pendingPageSize  = 100
)

// Message 是從 consumer group 讀到的訊息，處理完畢後必須呼叫 Done 或 Fail 其中之一
type Message[T any] struct {
	Data T

	id      string
	values  map[string]any
	settled bool
	owner   *groupStream
}

// ID 返回stream中的訊息ID
func (m *Message[T]) ID() string {
	return m.id
}

// Done 確認訊息已處理完成，重複呼叫不會有作用
func (m *Message[T]) Done(ctx context.Context) error {
	const op = "Message.Done"
	if m.settled {
		return nil
	}
	if err := m.owner.ack(ctx, m.id); err != nil {
		return fmt.Errorf("[%s] Fail to ack message, err=%w", op, err)
	}
	m.settled = true
	return nil
}

// Fail 將訊息連同失敗原因移到 dead-letter stream 並確認，之後不會再被處理
func (m *Message[T]) Fail(ctx context.Context, cause error) error {
	const op = "Message.Fail"
	if m.settled {
		return nil
	}
	if err := m.owner.deadLetter(ctx, m.id, m.values, cause); err != nil {
		return fmt.Errorf("[%s] %w", op, err)
	}
	m.settled = true
	return nil
}

// groupStream 是 consumer group 在 stream 上的讀寫操作
type groupStream struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
}

func (g *groupStream) ack(ctx context.Context, id string) error {
	return g.client.XAck(ctx, g.stream, g.group, id).Err()
}

// deadLetter 保留原始欄位並附上錯誤原因
func (g *groupStream) deadLetter(ctx context.Context, id string, values map[string]any, cause error) error {
	entry := make(map[string]any, len(values)+2)
	for k, v := range values {
		entry[k] = v
	}
	entry["error"] = cause.Error()
	entry["source_id"] = id

	_, err := g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: g.stream + deadLetterSuffix, Values: entry})
		pipe.XAck(ctx, g.stream, g.group, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("Fail to move message to dead letter stream, err=%w", err)
	}
	return nil
}

// ensureGroup 建立consumer group，group已存在時視為成功
func (g *groupStream) ensureGroup(ctx context.Context, startID string) error {
	err := g.client.XGroupCreateMkStream(ctx, g.stream, g.group, startID).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// claimPending 把 group 中所有尚未確認的訊息轉移給自己，依ID排序回傳。
// 前一個持有鎖的實例中斷時留下的訊息會在這裡被接手。
func (g *groupStream) claimPending(ctx context.Context) ([]redis.XMessage, error) {
	var claimed []redis.XMessage
	start := "-"
	for {
		pending, err := g.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: g.stream,
			Group:  g.group,
			Start:  start,
			End:    "+",
			Count:  pendingPageSize,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("Fail to list pending messages, err=%w", err)
		}
		if len(pending) == 0 {
			return claimed, nil
		}

		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			ids = append(ids, p.ID)
		}
		messages, err := g.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   g.stream,
			Group:    g.group,
			Consumer: g.consumer,
			Messages: ids,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("Fail to claim pending messages, err=%w", err)
		}
		claimed = append(claimed, messages...)

		if len(pending) < pendingPageSize {
			return claimed, nil
		}
		// XPENDING 的範圍包含起點，下一頁從最後一筆之後開始
		next, err := nextStreamID(pending[len(pending)-1].ID)
		if err != nil {
			return nil, err
		}
		start = next
	}
}

// nextStreamID 回傳緊接在 id 之後的 stream ID
func nextStreamID(id string) (string, error) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return "", fmt.Errorf("invalid stream id %q", id)
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid stream id %q, err=%w", id, err)
	}
	return ms + "-" + strconv.FormatUint(n+1, 10), nil
}

// readNew 以阻塞的方式讀取一筆尚未分派的訊息，沒有訊息時回傳 redis.Nil
func (g *groupStream) readNew(ctx context.Context, block time.Duration) (redis.XMessage, error) {
	streams, err := g.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    g.group,
		Consumer: g.consumer,
		Streams:  []string{g.stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		return redis.XMessage{}, err
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return redis.XMessage{}, redis.Nil
	}
	return streams[0].Messages[0], nil
}

type groupConsumerOptions[T any] struct {
	logger         *slog.Logger
	parseFunc      func(map[string]any) (T, error)
	bufferSize     int
	blockTimeout   time.Duration
	mutex          IAutoRenewMutex
	strictOrdering bool
	startID        string
	retryDelay     time.Duration
}

type GroupConsumerOption[T any] func(*groupConsumerOptions[T])

// WithGroupConsumerLogger 設置日誌記錄器
func WithGroupConsumerLogger[T any](logger *slog.Logger) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.logger = logger
	}
}

// WithGroupConsumerParseFunc 設置消息解析函數
func WithGroupConsumerParseFunc[T any](fn func(map[string]any) (T, error)) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.parseFunc = fn
	}
}

// WithGroupConsumerBufferSize 設置下游channel的緩衝大小
func WithGroupConsumerBufferSize[T any](size int) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.bufferSize = size
	}
}

// WithGroupConsumerBlockTimeout 設置阻塞讀取超時時間
func WithGroupConsumerBlockTimeout[T any](d time.Duration) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.blockTimeout = d
	}
}

// WithGroupConsumerMutex 注入mutex
func WithGroupConsumerMutex[T any](mutex IAutoRenewMutex) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.mutex = mutex
	}
}

// WithGroupConsumerStrictOrdering 設置是否使用嚴格順序模式。
// 嚴格順序模式下同一個 group 同時只有一個實例在消費，接手時會先處理上一個實例留下的 pending 訊息。
func WithGroupConsumerStrictOrdering[T any](strict bool) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.strictOrdering = strict
	}
}

// WithGroupConsumerStartID 設置建立group時的起始位置，預設"0"會從頭處理stream
func WithGroupConsumerStartID[T any](id string) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.startID = id
	}
}

// WithGroupConsumerRetryDelay 設置redis錯誤後的重試間隔
func WithGroupConsumerRetryDelay[T any](d time.Duration) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.retryDelay = d
	}
}

// GroupConsumer 以 consumer group 消費 stream，每筆訊息只會交給 group 中的一個實例。
// 用於將被接受的出價寫回資料庫。
type GroupConsumer[T any] struct {
	source  *groupStream
	out     chan *Message[T]
	mutex   IAutoRenewMutex
	logger  *slog.Logger
	options groupConsumerOptions[T]

	mu         sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

func NewGroupConsumer[T any](
	client *redis.Client,
	stream, group, consumer string,
	opts ...GroupConsumerOption[T],
) (IGroupConsumer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" || group == "" || consumer == "" {
		return nil, errors.New("stream, group and consumer cannot be empty")
	}

	options := groupConsumerOptions[T]{
		logger:       slog.Default(),
		parseFunc:    DefaultParseFromMessage[T],
		bufferSize:   1,
		blockTimeout: time.Second,
		startID:      "0",
		retryDelay:   500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&options)
	}

	logger := options.logger.With(
		slog.String("caller", "GroupConsumer"),
		slog.String("stream", stream),
		slog.String("group", group),
		slog.String("consumer", consumer),
	)
	gc := &GroupConsumer[T]{
		source:  &groupStream{client: client, stream: stream, group: group, consumer: consumer},
		logger:  logger,
		options: options,
	}
	if options.strictOrdering {
		gc.mutex = options.mutex
		if gc.mutex == nil {
			gc.mutex = NewAutoRenewMutex(client, fmt.Sprintf("lock:%s:%s", stream, group),
				WithAutoRenewMutexSkipLockError(true),
				WithAutoRenewMutexLogger(options.logger),
			)
		}
	}
	return gc, nil
}

// Start 建立 consumer group 並開始消費，已啟動時不會有作用
func (s *GroupConsumer[T]) Start() error {
	const op = "GroupConsumer.Start"
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	setupCtx, cancelSetup := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSetup()
	if err := s.source.ensureGroup(setupCtx, s.options.startID); err != nil {
		return fmt.Errorf("[%s] Fail to create consumer group, err=%w", op, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.out = make(chan *Message[T], s.options.bufferSize)
	s.cancelFunc = cancel
	s.running = true
	s.logger.Info("Start group consumer")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.out)
		defer s.logger.Info("Group consumer stopped")
		for ctx.Err() == nil {
			s.session(ctx)
		}
	}()
	return nil
}

// session 是一輪消費。嚴格順序模式下只在持有鎖的期間進行，鎖遺失時結束這一輪。
func (s *GroupConsumer[T]) session(ctx context.Context) {
	workCtx := ctx
	if s.mutex != nil {
		leaseCtx, err := s.mutex.Lock(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("Fail to acquire stream lock", slog.Any("error", err))
				s.pause(ctx)
			}
			return
		}
		defer s.mutex.Unlock()
		workCtx = leaseCtx

		// 接手時先依序處理尚未確認的訊息
		pending, err := s.source.claimPending(workCtx)
		if err != nil {
			s.logger.Error("Fail to claim pending messages", slog.Any("error", err))
			s.pause(workCtx)
			return
		}
		if len(pending) > 0 {
			s.logger.Info("Resume pending messages", slog.Int("count", len(pending)))
		}
		for _, message := range pending {
			if err := s.dispatch(workCtx, message); err != nil {
				return
			}
		}
	}

	for workCtx.Err() == nil {
		message, err := s.source.readNew(workCtx, s.options.blockTimeout)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if workCtx.Err() == nil {
				// 一般是server跟redis之間的通訊異常，稍後重試即可
				s.logger.Error("Fail to read group stream", slog.Any("error", err))
				s.pause(workCtx)
			}
			continue
		}
		if err := s.dispatch(workCtx, message); err != nil {
			return
		}
	}
	if ctx.Err() == nil {
		s.logger.Warn("Stream lock lost, restart consuming")
	}
}

// dispatch 解析訊息並送往下游。
// 無法解析的訊息直接移到 dead-letter，重試也不會成功。
// 回傳錯誤時訊息仍留在 pending 中，嚴格順序模式會在下一輪優先處理。
func (s *GroupConsumer[T]) dispatch(ctx context.Context, message redis.XMessage) error {
	logger := s.logger.With(slog.String("messageID", message.ID))
	data, err := s.options.parseFunc(message.Values)
	if err != nil {
		logger.Error("Fail to parse message, move to dead letter", slog.Any("error", err))
		if err := s.source.deadLetter(ctx, message.ID, message.Values, err); err != nil {
			logger.Error("Fail to move message to dead letter", slog.Any("error", err))
			return err
		}
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.out <- &Message[T]{Data: data, id: message.ID, values: message.Values, owner: s.source}:
		return nil
	}
}

func (s *GroupConsumer[T]) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(s.options.retryDelay):
	}
}

// Subscribe 回傳待處理的訊息，Close 之後會被關閉
func (s *GroupConsumer[T]) Subscribe() <-chan *Message[T] {
	return s.out
}

// Close 停止消費並等待 goroutine 結束，已送出但未確認的訊息會留在 pending 中
func (s *GroupConsumer[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	s.cancelFunc()
	s.wg.Wait()
	return nil
}

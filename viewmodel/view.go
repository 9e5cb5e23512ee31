package viewmodel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"lotbid/adapters/bus"
	"lotbid/auction"
)

// ErrAlreadyMounted 同一個 AuctionView 不能重複掛載
var ErrAlreadyMounted = errors.New("view is already mounted")

// Source 提供拍賣的權威狀態
type Source interface {
	GetAuction(ctx context.Context, id uuid.UUID) (auction.Auction, error)
}

// Subscriber 是 fan-out bus 的訂閱端
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler bus.Handler[auction.Event]) (*bus.Subscription[auction.Event], error)
}

// State 是畫面上顯示的拍賣狀態
type State struct {
	AuctionID    uuid.UUID     `json:"auctionId"`
	Title        string        `json:"title"`
	Phase        auction.Phase `json:"phase"`
	StartAt      time.Time     `json:"startAt"`
	EndAt        time.Time     `json:"endAt"`
	CurrentPrice int64         `json:"currentPrice"`
	MinimumBid   int64         `json:"minimumBid"`
	LastBidderID string        `json:"lastBidderId,omitempty"`
	Remaining    string        `json:"remaining"`
	// Provisional 代表價格來自本地剛送出的出價，下一個權威事件會直接覆蓋
	Provisional bool `json:"provisional"`
	// Realtime 為 false 時即時更新不可用，需要手動 Refresh
	Realtime bool `json:"realtime"`
}

type viewOptions struct {
	logger   *slog.Logger
	clock    clockwork.Clock
	interval time.Duration
	onChange func(State)
}

type ViewOption func(*viewOptions)

// WithViewLogger 設置日誌記錄器
func WithViewLogger(logger *slog.Logger) ViewOption {
	return func(o *viewOptions) {
		o.logger = logger
	}
}

// WithViewClock 設置倒數計時使用的時間來源
func WithViewClock(c clockwork.Clock) ViewOption {
	return func(o *viewOptions) {
		o.clock = c
	}
}

// WithViewTickInterval 設置倒數計時的更新間隔
func WithViewTickInterval(d time.Duration) ViewOption {
	return func(o *viewOptions) {
		o.interval = d
	}
}

// WithViewOnChange 設置狀態變更時的回呼，回呼中不可呼叫 Unmount
func WithViewOnChange(f func(State)) ViewOption {
	return func(o *viewOptions) {
		o.onChange = f
	}
}

// AuctionView 合併權威狀態、fan-out 事件與倒數計時，產生單一拍賣的顯示狀態。
// 本地的樂觀價格只是暫時狀態，任何權威事件都會無條件取代它。
type AuctionView struct {
	id         uuid.UUID
	source     Source
	subscriber Subscriber
	logger     *slog.Logger
	options    viewOptions

	mu           sync.Mutex
	state        State
	minIncrement int64
	mounted      bool
	cancelFunc   context.CancelFunc
	wg           sync.WaitGroup
}

func NewAuctionView(id uuid.UUID, source Source, subscriber Subscriber, opts ...ViewOption) (*AuctionView, error) {
	if source == nil {
		return nil, errors.New("source cannot be nil")
	}
	if subscriber == nil {
		return nil, errors.New("subscriber cannot be nil")
	}
	options := viewOptions{
		logger:   slog.Default(),
		clock:    clockwork.NewRealClock(),
		interval: time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &AuctionView{
		id:         id,
		source:     source,
		subscriber: subscriber,
		logger: options.logger.With(
			slog.String("caller", "AuctionView"),
			slog.String("auctionID", id.String()),
		),
		options: options,
	}, nil
}

// Mount 取得完整狀態、訂閱拍賣頻道並啟動倒數計時。
// ctx 被取消時等同於 Unmount，但仍需呼叫 Unmount 等待資源釋放。
func (v *AuctionView) Mount(ctx context.Context) error {
	const op = "AuctionView.Mount"
	v.mu.Lock()
	if v.mounted {
		v.mu.Unlock()
		return fmt.Errorf("[%s] %w", op, ErrAlreadyMounted)
	}
	v.mounted = true
	v.mu.Unlock()

	a, err := v.source.GetAuction(ctx, v.id)
	if err != nil {
		v.mu.Lock()
		v.mounted = false
		v.mu.Unlock()
		return fmt.Errorf("[%s] Fail to fetch auction, err=%w", op, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	v.mu.Lock()
	v.replace(a)
	v.cancelFunc = cancel
	v.mu.Unlock()

	// 訂閱失敗只影響即時更新，出價流程不依賴它
	sub, err := v.subscriber.Subscribe(runCtx, auction.Channel(v.id), v.ApplyEvent)
	if err != nil {
		v.logger.Warn("Fail to subscribe auction channel, realtime updates disabled", slog.Any("error", err))
	}
	v.mu.Lock()
	v.state.Realtime = sub != nil
	state := v.state
	v.mu.Unlock()
	v.notify(state)

	countdown := NewCountdown(a.EndAt,
		WithCountdownClock(v.options.clock),
		WithCountdownInterval(v.options.interval),
	)

	countdown.Start(runCtx)
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		defer func() {
			countdown.Stop()
			if sub != nil {
				sub.Close()
			}
		}()
		expired := countdown.Expired()
		for {
			select {
			case <-runCtx.Done():
				return
			case display := <-countdown.Updates():
				v.update(func(s *State) {
					s.Remaining = display
					s.Phase = auction.PhaseAt(v.options.clock.Now(), s.StartAt, s.EndAt)
				})
			case <-expired:
				expired = nil
				v.update(func(s *State) {
					s.Phase = auction.PhaseEnded
				})
			}
		}
	}()
	return nil
}

// Unmount 停止倒數計時並取消訂閱，返回時所有資源都已釋放。可重複呼叫。
func (v *AuctionView) Unmount() {
	v.mu.Lock()
	cancel := v.cancelFunc
	v.cancelFunc = nil
	v.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// 不持有 v.mu 等待，取消訂閱時 dispatcher 可能正在呼叫 ApplyEvent
	v.wg.Wait()

	v.mu.Lock()
	v.mounted = false
	v.mu.Unlock()
}

// ApplyOptimistic 在本地出價送出後暫時顯示新價格
func (v *AuctionView) ApplyOptimistic(price int64) {
	v.update(func(s *State) {
		if price <= s.CurrentPrice {
			return
		}
		s.CurrentPrice = price
		s.MinimumBid = price + v.minIncrement
		s.Provisional = true
	})
}

// ApplyEvent 以權威事件無條件取代本地價格與階段
func (v *AuctionView) ApplyEvent(event auction.Event) {
	if event.AuctionID != v.id {
		return
	}
	v.update(func(s *State) {
		s.CurrentPrice = event.CurrentPrice
		s.MinimumBid = event.CurrentPrice + v.minIncrement
		s.Provisional = false
		if event.BidderID != "" {
			s.LastBidderID = event.BidderID
		}
		if event.Type == auction.EventEnded {
			s.Phase = auction.PhaseEnded
		}
	})
}

// Refresh 重新取得權威狀態，用於回到前景或重新連線
func (v *AuctionView) Refresh(ctx context.Context) error {
	const op = "AuctionView.Refresh"
	a, err := v.source.GetAuction(ctx, v.id)
	if err != nil {
		return fmt.Errorf("[%s] Fail to fetch auction, err=%w", op, err)
	}
	v.mu.Lock()
	v.replace(a)
	state := v.state
	v.mu.Unlock()
	v.notify(state)
	return nil
}

// Snapshot 回傳目前的顯示狀態
func (v *AuctionView) Snapshot() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// replace 以權威資料覆蓋狀態，呼叫前必須持有 v.mu
func (v *AuctionView) replace(a auction.Auction) {
	v.minIncrement = a.MinIncrement
	v.state = State{
		AuctionID:    a.ID,
		Title:        a.Title,
		Phase:        a.Phase,
		StartAt:      a.StartAt,
		EndAt:        a.EndAt,
		CurrentPrice: a.CurrentPrice,
		MinimumBid:   a.MinimumBid(),
		LastBidderID: v.state.LastBidderID,
		Remaining:    FormatRemaining(a.EndAt.Sub(v.options.clock.Now())),
		Realtime:     v.state.Realtime,
	}
}

func (v *AuctionView) update(f func(*State)) {
	v.mu.Lock()
	before := v.state
	f(&v.state)
	state := v.state
	v.mu.Unlock()
	if state != before {
		v.notify(state)
	}
}

func (v *AuctionView) notify(state State) {
	if v.options.onChange != nil {
		v.options.onChange(state)
	}
}

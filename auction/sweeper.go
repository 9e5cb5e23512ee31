package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

type sweeperOptions struct {
	logger    *slog.Logger
	clock     clockwork.Clock
	publisher Publisher
	locker    Locker
	interval  time.Duration
	batchSize int
}

type SweeperOption func(*sweeperOptions)

// WithSweeperLogger 設置日誌記錄器
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(o *sweeperOptions) {
		o.logger = logger
	}
}

// WithSweeperClock 設置時間來源
func WithSweeperClock(c clockwork.Clock) SweeperOption {
	return func(o *sweeperOptions) {
		o.clock = c
	}
}

// WithSweeperPublisher 設置拍賣結束事件的發布者
func WithSweeperPublisher(p Publisher) SweeperOption {
	return func(o *sweeperOptions) {
		o.publisher = p
	}
}

// WithSweeperLocker 設置跨行程互斥鎖，同一時間只有持有鎖的行程會掃描
func WithSweeperLocker(l Locker) SweeperOption {
	return func(o *sweeperOptions) {
		o.locker = l
	}
}

// WithSweeperInterval 設置掃描間隔
func WithSweeperInterval(d time.Duration) SweeperOption {
	return func(o *sweeperOptions) {
		o.interval = d
	}
}

// WithSweeperBatchSize 設置每次掃描最多處理的拍賣數
func WithSweeperBatchSize(n int) SweeperOption {
	return func(o *sweeperOptions) {
		o.batchSize = n
	}
}

// Sweeper 定期結算已結束的拍賣。
// 階段本身永遠由時間推導，Sweeper 只負責一次性的結算紀錄。
type Sweeper struct {
	repo    Repository
	logger  *slog.Logger
	options sweeperOptions
}

func NewSweeper(repo Repository, opts ...SweeperOption) (*Sweeper, error) {
	if repo == nil {
		return nil, errors.New("repository cannot be nil")
	}

	// 默認選項
	options := sweeperOptions{
		logger:    slog.Default(),
		clock:     clockwork.NewRealClock(),
		interval:  5 * time.Second,
		batchSize: 100,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	if options.interval <= 0 {
		return nil, errors.New("sweeper interval must be positive")
	}

	return &Sweeper{
		repo:    repo,
		logger:  options.logger.With(slog.String("caller", "LifecycleSweeper")),
		options: options,
	}, nil
}

// Run 依照掃描間隔執行 Sweep，直到 ctx 被取消
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("Start lifecycle sweeper", slog.Duration("interval", s.options.interval))
	defer s.logger.Info("Lifecycle sweeper stopped")

	ticker := s.options.clock.NewTicker(s.options.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Fail to sweep auctions", slog.Any("error", err))
			}
		}
	}
}

// Sweep 執行一輪結算，回傳本輪由自己完成結算的拍賣數量
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	const op = "Sweeper.Sweep"
	workCtx := ctx
	if s.options.locker != nil {
		heldCtx, acquired, err := s.options.locker.TryLock(ctx)
		if err != nil {
			return 0, fmt.Errorf("[%s] Fail to acquire sweeper lock, err=%w", op, err)
		}
		if !acquired {
			s.logger.Debug("Sweeper lock is held by another instance, skip")
			return 0, nil
		}
		defer func() {
			if _, err := s.options.locker.Unlock(); err != nil {
				s.logger.Warn("Fail to release sweeper lock", slog.Any("error", err))
			}
		}()
		// 鎖失效時 heldCtx 會被取消，停止本輪結算
		workCtx = heldCtx
	}

	now := s.options.clock.Now()
	auctions, err := s.repo.ListUnsettled(workCtx, now, s.options.batchSize)
	if err != nil {
		return 0, fmt.Errorf("[%s] Fail to list unsettled auctions, err=%w", op, err)
	}

	settled := 0
	var errs []error
	for _, a := range auctions {
		won, err := s.finalize(workCtx, a, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if won {
			settled++
		}
	}
	return settled, errors.Join(errs...)
}

func (s *Sweeper) finalize(ctx context.Context, a Auction, now time.Time) (bool, error) {
	const op = "Sweeper.finalize"
	logger := s.logger.With(slog.String("auctionID", a.ID.String()))

	// 以出價紀錄驗證快取的當前價格
	bids, err := s.repo.ListBids(ctx, a.ID, 0)
	if err != nil {
		return false, fmt.Errorf("[%s] Fail to list bids, auction=%s, err=%w", op, a.ID, err)
	}
	if expected := RecomputePrice(a.StartingPrice, bids); expected != a.CurrentPrice {
		logger.Warn("Current price diverges from ledger, repairing",
			slog.Int64("cached", a.CurrentPrice), slog.Int64("ledger", expected))
		if err := s.repo.RepairPrice(ctx, a.ID, expected); err != nil {
			return false, fmt.Errorf("[%s] Fail to repair price, auction=%s, err=%w", op, a.ID, err)
		}
	}

	settlement, won, err := s.repo.Settle(ctx, a.ID, now)
	if err != nil {
		return false, fmt.Errorf("[%s] Fail to settle auction, auction=%s, err=%w", op, a.ID, err)
	}
	if !won {
		logger.Debug("Auction already settled by another finalizer")
		return false, nil
	}
	logger.Info("Auction settled", slog.Int64("finalPrice", settlement.FinalPrice), slog.String("winner", settlement.BidderID))

	if s.options.publisher != nil {
		event := Event{
			Type:         EventEnded,
			AuctionID:    a.ID,
			CurrentPrice: settlement.FinalPrice,
			BidderID:     settlement.BidderID,
			At:           settlement.SettledAt,
		}
		if settlement.WinningBidID != nil {
			event.BidID = *settlement.WinningBidID
		}
		if err := s.options.publisher.Publish(ctx, event); err != nil {
			logger.Warn("Fail to publish ended event", slog.Any("error", fmt.Errorf("%w: %w", ErrTransport, err)))
		}
	}
	return true, nil
}

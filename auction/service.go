package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

type serviceOptions struct {
	logger        *slog.Logger
	clock         clockwork.Clock
	publisher     Publisher
	submitTimeout time.Duration
	maxAttempts   int
	baseBackoff   time.Duration
}

type ServiceOption func(*serviceOptions)

// WithServiceLogger 設置日誌記錄器
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// WithServiceClock 設置時間來源
func WithServiceClock(c clockwork.Clock) ServiceOption {
	return func(o *serviceOptions) {
		o.clock = c
	}
}

// WithServicePublisher 設置出價成功後的事件發布者
func WithServicePublisher(p Publisher) ServiceOption {
	return func(o *serviceOptions) {
		o.publisher = p
	}
}

// WithServiceSubmitTimeout 設置單次出價 (含重試) 的最長等待時間
func WithServiceSubmitTimeout(d time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		o.submitTimeout = d
	}
}

// WithServiceRetry 設置儲存層失敗時的最大嘗試次數與初始退避時間
func WithServiceRetry(maxAttempts int, baseBackoff time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		o.maxAttempts = maxAttempts
		o.baseBackoff = baseBackoff
	}
}

// BidRequest 是一次出價提交
type BidRequest struct {
	AuctionID uuid.UUID
	BidderID  string
	Amount    int64
	// IdempotencyKey 識別同一次提交，空字串時由服務產生。
	// 只有攜帶相同 key 的重送才會被視為同一筆出價。
	IdempotencyKey string
}

// Service 是出價受理服務，也是拍賣資料唯一的讀取入口 (階段在這裡統一計算)
type Service struct {
	repo    Repository
	logger  *slog.Logger
	options serviceOptions
}

func NewService(repo Repository, opts ...ServiceOption) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository cannot be nil")
	}

	// 默認選項
	options := serviceOptions{
		logger:        slog.Default(),
		clock:         clockwork.NewRealClock(),
		submitTimeout: 5 * time.Second,
		maxAttempts:   3,
		baseBackoff:   100 * time.Millisecond,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	if options.maxAttempts < 1 {
		options.maxAttempts = 1
	}

	return &Service{
		repo:    repo,
		logger:  options.logger.With(slog.String("caller", "BidService")),
		options: options,
	}, nil
}

// GetAuction 取得拍賣並以目前時間計算階段
func (s *Service) GetAuction(ctx context.Context, id uuid.UUID) (Auction, error) {
	const op = "Service.GetAuction"
	a, err := s.repo.GetAuction(ctx, id)
	if err != nil {
		return Auction{}, fmt.Errorf("[%s] %w", op, err)
	}
	return a.WithPhase(s.options.clock.Now()), nil
}

// ListAuctions 列出所有拍賣，同一次呼叫中所有拍賣以同一個時間點計算階段
func (s *Service) ListAuctions(ctx context.Context) ([]Auction, error) {
	const op = "Service.ListAuctions"
	auctions, err := s.repo.ListAuctions(ctx)
	if err != nil {
		return nil, fmt.Errorf("[%s] %w", op, err)
	}
	now := s.options.clock.Now()
	for i := range auctions {
		auctions[i] = auctions[i].WithPhase(now)
	}
	return auctions, nil
}

// ListBids 由新到舊列出出價紀錄
func (s *Service) ListBids(ctx context.Context, auctionID uuid.UUID, limit int) ([]Bid, error) {
	const op = "Service.ListBids"
	if _, err := s.repo.GetAuction(ctx, auctionID); err != nil {
		return nil, fmt.Errorf("[%s] %w", op, err)
	}
	bids, err := s.repo.ListBids(ctx, auctionID, limit)
	if err != nil {
		return nil, fmt.Errorf("[%s] %w", op, err)
	}
	return bids, nil
}

// CreateAuction 建立拍賣，供外部上架流程使用
func (s *Service) CreateAuction(ctx context.Context, req NewAuction) (Auction, error) {
	const op = "Service.CreateAuction"
	if req.MinIncrement <= 0 || req.StartingPrice < 0 || !req.StartAt.Before(req.EndAt) {
		return Auction{}, fmt.Errorf("[%s] invalid auction parameters: %w", op, ErrInvalidBid)
	}
	if req.StartingPrice > MaxAmount || req.MinIncrement > MaxAmount {
		return Auction{}, fmt.Errorf("[%s] price exceeds %d: %w", op, MaxAmount, ErrInvalidBid)
	}
	a, err := s.repo.CreateAuction(ctx, req)
	if err != nil {
		return Auction{}, fmt.Errorf("[%s] %w", op, err)
	}
	return a.WithPhase(s.options.clock.Now()), nil
}

// PlaceBid 受理一筆出價。每次呼叫只會得到成功或一個分類後的錯誤。
//
// 同一個拍賣的並行出價由儲存層的原子條件更新序列化；
// 儲存層失敗時只有在同一個 idempotency key 下才會重試。
func (s *Service) PlaceBid(ctx context.Context, req BidRequest) (Acceptance, error) {
	const op = "Service.PlaceBid"
	if req.Amount <= 0 {
		return Acceptance{}, fmt.Errorf("[%s] amount must be positive: %w", op, ErrInvalidBid)
	}
	if req.Amount > MaxAmount {
		return Acceptance{}, fmt.Errorf("[%s] amount exceeds %d: %w", op, MaxAmount, ErrInvalidBid)
	}
	if req.BidderID == "" {
		return Acceptance{}, fmt.Errorf("[%s] bidder identity is required: %w", op, ErrInvalidBid)
	}
	// 客戶端帶 key 時可能是重送，交由儲存層依 key 判斷
	replayable := req.IdempotencyKey != ""
	if !replayable {
		req.IdempotencyKey = uuid.NewString()
	}
	bidID, err := uuid.NewV7()
	if err != nil {
		return Acceptance{}, fmt.Errorf("[%s] fail to generate bid id, err=%w", op, err)
	}
	logger := s.logger.With(
		slog.String("auctionID", req.AuctionID.String()),
		slog.String("bidder", req.BidderID),
		slog.Int64("amount", req.Amount),
	)

	submitCtx, cancel := context.WithTimeout(ctx, s.options.submitTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < s.options.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := s.options.clock.NewTimer(s.options.baseBackoff * time.Duration(1<<(attempt-1)))
			select {
			case <-submitCtx.Done():
				backoff.Stop()
				return Acceptance{}, fmt.Errorf("[%s] bid submission timed out, err=%w: %w", op, ErrPersistence, lastErr)
			case <-backoff.Chan():
			}
		}

		acceptance, err := s.tryPlaceBid(submitCtx, req, bidID, attempt == 0 && !replayable)
		if err == nil {
			if acceptance.Replayed {
				// 原本的出價已經廣播過，不再發布舊的價格
				logger.Info("Replayed bid", slog.String("bidID", acceptance.Bid.ID.String()))
				return acceptance, nil
			}
			logger.Info("Higher bid occurs", slog.String("bidID", acceptance.Bid.ID.String()))
			s.publish(ctx, acceptance)
			return acceptance, nil
		}
		if !errors.Is(err, ErrPersistence) {
			return Acceptance{}, fmt.Errorf("[%s] %w", op, err)
		}
		lastErr = err
		if submitCtx.Err() != nil {
			break
		}
		logger.Warn("Persistence failure, retrying bid", slog.Int("attempt", attempt+1), slog.Any("error", err))
	}
	if submitCtx.Err() != nil {
		return Acceptance{}, fmt.Errorf("[%s] bid submission timed out, err=%w: %w", op, ErrPersistence, submitCtx.Err())
	}
	return Acceptance{}, fmt.Errorf("[%s] bid submission failed after %d attempts, err=%w", op, s.options.maxAttempts, lastErr)
}

// tryPlaceBid 執行一次出價嘗試。
// 重試或客戶端重送時跳過本地的最低價檢查，讓儲存層先以 idempotency key 判斷是否已經成功過。
func (s *Service) tryPlaceBid(ctx context.Context, req BidRequest, bidID uuid.UUID, precheck bool) (Acceptance, error) {
	now := s.options.clock.Now()
	a, err := s.repo.GetAuction(ctx, req.AuctionID)
	if err != nil {
		return Acceptance{}, asPersistence(err)
	}
	a = a.WithPhase(now)
	if a.Phase != PhaseLive {
		return Acceptance{}, newBidError(ErrAuctionNotLive, a)
	}
	if precheck && req.Amount < a.MinimumBid() {
		return Acceptance{}, newBidError(ErrBidTooLow, a)
	}

	bid, err := s.repo.ApplyBid(ctx, BidAttempt{
		BidID:          bidID,
		AuctionID:      req.AuctionID,
		BidderID:       req.BidderID,
		Amount:         req.Amount,
		ExpectedPrice:  a.CurrentPrice,
		IdempotencyKey: req.IdempotencyKey,
		At:             now,
	})
	if err != nil {
		return Acceptance{}, asPersistence(err)
	}
	if bid.ID == bidID {
		// 這次呼叫產生的出價 (包含前一次嘗試已提交的情況)
		return Acceptance{Bid: bid, CurrentPrice: bid.Amount}, nil
	}

	// 客戶端以相同 key 重送，之後可能已有更高的出價，價格重新讀取
	latest, err := s.repo.GetAuction(ctx, req.AuctionID)
	if err != nil {
		return Acceptance{}, asPersistence(err)
	}
	return Acceptance{Bid: bid, CurrentPrice: latest.CurrentPrice, Replayed: true}, nil
}

// publish 只在出價提交成功後呼叫，失敗時降級為手動重新整理而不影響出價結果
func (s *Service) publish(ctx context.Context, acceptance Acceptance) {
	if s.options.publisher == nil {
		return
	}
	event := Event{
		Type:         EventPrice,
		AuctionID:    acceptance.Bid.AuctionID,
		CurrentPrice: acceptance.CurrentPrice,
		BidID:        acceptance.Bid.ID,
		BidderID:     acceptance.Bid.BidderID,
		At:           acceptance.Bid.AcceptedAt,
	}
	if err := s.options.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn("Fail to publish price event",
			slog.String("auctionID", event.AuctionID.String()),
			slog.Any("error", fmt.Errorf("%w: %w", ErrTransport, err)))
	}
}

// asPersistence 將未分類的錯誤視為儲存層錯誤，確保每個結果都屬於錯誤分類之一
func asPersistence(err error) error {
	for _, kind := range []error{
		ErrAuctionNotFound, ErrAuctionNotLive, ErrBidTooLow, ErrInvalidBid,
		ErrConcurrencyConflict, ErrPersistence,
	} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}

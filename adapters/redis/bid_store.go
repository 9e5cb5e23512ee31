package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"

	"lotbid/auction"
)

// BidRecord 是出價在 stream 與 idempotency hash 中的編碼格式
type BidRecord struct {
	ID             string    `msgpack:"id"`
	AuctionID      string    `msgpack:"auction_id"`
	BidderID       string    `msgpack:"bidder_id"`
	Amount         int64     `msgpack:"amount"`
	AcceptedAt     time.Time `msgpack:"accepted_at"`
	IdempotencyKey string    `msgpack:"idempotency_key"`
}

// NewBidRecord 將 auction.Bid 轉為可編碼的紀錄
func NewBidRecord(bid auction.Bid) BidRecord {
	return BidRecord{
		ID:             bid.ID.String(),
		AuctionID:      bid.AuctionID.String(),
		BidderID:       bid.BidderID,
		Amount:         bid.Amount,
		AcceptedAt:     bid.AcceptedAt.UTC(),
		IdempotencyKey: bid.IdempotencyKey,
	}
}

// Bid 將紀錄還原為 auction.Bid
func (r BidRecord) Bid() (auction.Bid, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return auction.Bid{}, fmt.Errorf("invalid bid id %q: %w", r.ID, err)
	}
	auctionID, err := uuid.Parse(r.AuctionID)
	if err != nil {
		return auction.Bid{}, fmt.Errorf("invalid auction id %q: %w", r.AuctionID, err)
	}
	return auction.Bid{
		ID:             id,
		AuctionID:      auctionID,
		BidderID:       r.BidderID,
		Amount:         r.Amount,
		AcceptedAt:     r.AcceptedAt,
		IdempotencyKey: r.IdempotencyKey,
	}, nil
}

type bidStoreOptions struct {
	logger        *slog.Logger
	prefix        string
	archiveStream string
}

type BidStoreOption func(*bidStoreOptions)

// WithBidStoreLogger 設置日誌記錄器
func WithBidStoreLogger(logger *slog.Logger) BidStoreOption {
	return func(o *bidStoreOptions) {
		o.logger = logger
	}
}

// WithBidStorePrefix 設置所有 key 的前綴
func WithBidStorePrefix(prefix string) BidStoreOption {
	return func(o *bidStoreOptions) {
		o.prefix = prefix
	}
}

// WithBidStoreArchiveStream 設置共用的出價 stream，成功的出價會同時寫入，供封存到資料庫
func WithBidStoreArchiveStream(stream string) BidStoreOption {
	return func(o *bidStoreOptions) {
		o.archiveStream = stream
	}
}

// BidStore 以 redis 實作 auction.Repository，出價的檢查與寫入由 Lua 腳本原子完成
type BidStore struct {
	client  *redis.Client
	logger  *slog.Logger
	options bidStoreOptions
}

var _ auction.Repository = (*BidStore)(nil)

func NewBidStore(client *redis.Client, opts ...BidStoreOption) (*BidStore, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	options := bidStoreOptions{
		logger: slog.Default(),
		prefix: "lotbid:",
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &BidStore{
		client:  client,
		logger:  options.logger.With(slog.String("caller", "BidStore")),
		options: options,
	}, nil
}

func (s *BidStore) auctionKey(id uuid.UUID) string {
	return s.options.prefix + "auction:" + id.String()
}

func (s *BidStore) ledgerKey(id uuid.UUID) string {
	return s.auctionKey(id) + ":bids"
}

func (s *BidStore) idempotencyKey(id uuid.UUID) string {
	return s.auctionKey(id) + ":keys"
}

func (s *BidStore) indexKey() string {
	return s.options.prefix + "auctions"
}

func (s *BidStore) unsettledKey() string {
	return s.options.prefix + "auctions:unsettled"
}

func persistenceError(op, action string, err error) error {
	return fmt.Errorf("[%s] Fail to %s, err=%w: %w", op, action, auction.ErrPersistence, err)
}

func (s *BidStore) CreateAuction(ctx context.Context, req auction.NewAuction) (auction.Auction, error) {
	const op = "BidStore.CreateAuction"
	id, err := uuid.NewV7()
	if err != nil {
		return auction.Auction{}, fmt.Errorf("[%s] Fail to generate auction id, err=%w", op, err)
	}
	a := auction.Auction{
		ID:            id,
		LotRef:        req.LotRef,
		Title:         req.Title,
		Description:   req.Description,
		ImageURL:      req.ImageURL,
		StartAt:       time.UnixMilli(req.StartAt.UnixMilli()).UTC(),
		EndAt:         time.UnixMilli(req.EndAt.UnixMilli()).UTC(),
		StartingPrice: req.StartingPrice,
		CurrentPrice:  req.StartingPrice,
		MinIncrement:  req.MinIncrement,
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.auctionKey(id), map[string]any{
			"id":             id.String(),
			"lot_ref":        a.LotRef,
			"title":          a.Title,
			"description":    a.Description,
			"image_url":      a.ImageURL,
			"start_at":       a.StartAt.UnixMilli(),
			"end_at":         a.EndAt.UnixMilli(),
			"starting_price": a.StartingPrice,
			"current_price":  a.CurrentPrice,
			"min_increment":  a.MinIncrement,
		})
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(a.EndAt.UnixMilli()), Member: id.String()})
		pipe.ZAdd(ctx, s.unsettledKey(), redis.Z{Score: float64(a.EndAt.UnixMilli()), Member: id.String()})
		return nil
	})
	if err != nil {
		return auction.Auction{}, persistenceError(op, "create auction", err)
	}
	s.logger.Info("Auction created", slog.String("auctionID", id.String()), slog.String("lotRef", a.LotRef))
	return a, nil
}

func (s *BidStore) GetAuction(ctx context.Context, id uuid.UUID) (auction.Auction, error) {
	const op = "BidStore.GetAuction"
	fields, err := s.client.HGetAll(ctx, s.auctionKey(id)).Result()
	if err != nil {
		return auction.Auction{}, persistenceError(op, "get auction", err)
	}
	if len(fields) == 0 {
		return auction.Auction{}, fmt.Errorf("[%s] auction %s: %w", op, id, auction.ErrAuctionNotFound)
	}
	a, err := parseAuction(fields)
	if err != nil {
		return auction.Auction{}, persistenceError(op, "parse auction", err)
	}
	return a, nil
}

func (s *BidStore) ListAuctions(ctx context.Context) ([]auction.Auction, error) {
	const op = "BidStore.ListAuctions"
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, persistenceError(op, "list auction ids", err)
	}
	auctions, err := s.loadAuctions(ctx, ids)
	if err != nil {
		return nil, persistenceError(op, "load auctions", err)
	}
	return auctions, nil
}

func (s *BidStore) ListUnsettled(ctx context.Context, now time.Time, limit int) ([]auction.Auction, error) {
	const op = "BidStore.ListUnsettled"
	ids, err := s.client.ZRangeByScore(ctx, s.unsettledKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(max(limit, 0)),
	}).Result()
	if err != nil {
		return nil, persistenceError(op, "list unsettled auction ids", err)
	}
	auctions, err := s.loadAuctions(ctx, ids)
	if err != nil {
		return nil, persistenceError(op, "load auctions", err)
	}
	return auctions, nil
}

// loadAuctions 以 pipeline 讀取多個拍賣，已不存在的 ID 會被略過
func (s *BidStore) loadAuctions(ctx context.Context, ids []string) ([]auction.Auction, error) {
	if len(ids) == 0 {
		return []auction.Auction{}, nil
	}
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			cmds = append(cmds, pipe.HGetAll(ctx, s.options.prefix+"auction:"+id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	auctions := make([]auction.Auction, 0, len(cmds))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		a, err := parseAuction(fields)
		if err != nil {
			return nil, err
		}
		auctions = append(auctions, a)
	}
	return auctions, nil
}

func (s *BidStore) ApplyBid(ctx context.Context, attempt auction.BidAttempt) (auction.Bid, error) {
	const op = "BidStore.ApplyBid"
	bid := auction.Bid{
		ID:             attempt.BidID,
		AuctionID:      attempt.AuctionID,
		BidderID:       attempt.BidderID,
		Amount:         attempt.Amount,
		AcceptedAt:     time.UnixMilli(attempt.At.UnixMilli()).UTC(),
		IdempotencyKey: attempt.IdempotencyKey,
	}
	encoded, err := EncodePayload(NewBidRecord(bid))
	if err != nil {
		return auction.Bid{}, fmt.Errorf("[%s] Fail to encode bid, err=%w", op, err)
	}
	archive := "0"
	archiveStream := s.options.archiveStream
	if archiveStream != "" {
		archive = "1"
	} else {
		// Lua 腳本需要固定數量的 key
		archiveStream = s.options.prefix + "bids"
	}

	result, err := bidScript.Run(ctx, s.client,
		[]string{
			s.auctionKey(attempt.AuctionID),
			s.ledgerKey(attempt.AuctionID),
			s.idempotencyKey(attempt.AuctionID),
			archiveStream,
		},
		attempt.Amount,
		attempt.ExpectedPrice,
		attempt.At.UnixMilli(),
		attempt.IdempotencyKey,
		encoded,
		archive,
	).Slice()
	if err != nil {
		return auction.Bid{}, persistenceError(op, "run bid script", err)
	}

	status, err := toInt64(result[0])
	if err != nil {
		return auction.Bid{}, persistenceError(op, "parse bid script result", err)
	}
	switch status {
	case scriptAccepted:
		return bid, nil
	case scriptReplayed:
		previous, err := DecodePayload[BidRecord](fmt.Sprint(result[1]))
		if err != nil {
			return auction.Bid{}, persistenceError(op, "decode previous bid", err)
		}
		s.logger.Info("Replayed bid with existing idempotency key",
			slog.String("auctionID", attempt.AuctionID.String()),
			slog.String("bidID", previous.ID))
		return previous.Bid()
	case scriptNotFound:
		return auction.Bid{}, fmt.Errorf("[%s] auction %s: %w", op, attempt.AuctionID, auction.ErrAuctionNotFound)
	}

	snapshot, err := parseScriptSnapshot(attempt.AuctionID, result)
	if err != nil {
		return auction.Bid{}, persistenceError(op, "parse bid script result", err)
	}
	snapshot = snapshot.WithPhase(attempt.At)
	rejection := &auction.BidError{
		Phase:        snapshot.Phase,
		CurrentPrice: snapshot.CurrentPrice,
		MinimumBid:   snapshot.MinimumBid(),
	}
	switch status {
	case scriptNotLive:
		rejection.Kind = auction.ErrAuctionNotLive
	case scriptConflict:
		rejection.Kind = auction.ErrConcurrencyConflict
	case scriptTooLow:
		rejection.Kind = auction.ErrBidTooLow
	default:
		return auction.Bid{}, persistenceError(op, "run bid script", fmt.Errorf("unexpected status %d", status))
	}
	return auction.Bid{}, rejection
}

func (s *BidStore) ListBids(ctx context.Context, auctionID uuid.UUID, limit int) ([]auction.Bid, error) {
	const op = "BidStore.ListBids"
	var (
		messages []redis.XMessage
		err      error
	)
	if limit > 0 {
		messages, err = s.client.XRevRangeN(ctx, s.ledgerKey(auctionID), "+", "-", int64(limit)).Result()
	} else {
		messages, err = s.client.XRevRange(ctx, s.ledgerKey(auctionID), "+", "-").Result()
	}
	if err != nil {
		return nil, persistenceError(op, "read bid ledger", err)
	}
	bids := make([]auction.Bid, 0, len(messages))
	for _, message := range messages {
		record, err := DefaultParseFromMessage[BidRecord](message.Values)
		if err != nil {
			return nil, persistenceError(op, "decode bid "+message.ID, err)
		}
		bid, err := record.Bid()
		if err != nil {
			return nil, persistenceError(op, "decode bid "+message.ID, err)
		}
		bids = append(bids, bid)
	}
	return bids, nil
}

func (s *BidStore) RepairPrice(ctx context.Context, auctionID uuid.UUID, price int64) error {
	const op = "BidStore.RepairPrice"
	status, err := repairScript.Run(ctx, s.client, []string{s.auctionKey(auctionID)}, price).Int64()
	if err != nil {
		return persistenceError(op, "repair price", err)
	}
	if status == scriptNotFound {
		return fmt.Errorf("[%s] auction %s: %w", op, auctionID, auction.ErrAuctionNotFound)
	}
	s.logger.Warn("Current price repaired from ledger",
		slog.String("auctionID", auctionID.String()),
		slog.Int64("price", price))
	return nil
}

func (s *BidStore) Settle(ctx context.Context, auctionID uuid.UUID, now time.Time) (auction.Settlement, bool, error) {
	const op = "BidStore.Settle"
	bids, err := s.ListBids(ctx, auctionID, 0)
	if err != nil {
		return auction.Settlement{}, false, fmt.Errorf("[%s] %w", op, err)
	}
	winner, hasWinner := auction.HighestBid(bids)
	winningBidID := lo.Ternary(hasWinner, winner.ID.String(), "")

	settledAt := time.UnixMilli(now.UnixMilli()).UTC()
	result, err := settleScript.Run(ctx, s.client,
		[]string{s.auctionKey(auctionID), s.unsettledKey()},
		settledAt.UnixMilli(),
		auctionID.String(),
		winningBidID,
		winner.BidderID,
	).Slice()
	if err != nil {
		return auction.Settlement{}, false, persistenceError(op, "run settle script", err)
	}
	status, err := toInt64(result[0])
	if err != nil {
		return auction.Settlement{}, false, persistenceError(op, "parse settle script result", err)
	}
	switch status {
	case scriptSettled:
		return auction.Settlement{}, false, nil
	case scriptNotFound:
		return auction.Settlement{}, false, fmt.Errorf("[%s] auction %s: %w", op, auctionID, auction.ErrAuctionNotFound)
	case scriptNotEnded:
		return auction.Settlement{}, false, fmt.Errorf("[%s] auction %s has not ended: %w", op, auctionID, auction.ErrAuctionNotLive)
	case scriptAccepted:
	default:
		return auction.Settlement{}, false, persistenceError(op, "run settle script", fmt.Errorf("unexpected status %d", status))
	}

	finalPrice, err := toInt64(result[1])
	if err != nil {
		return auction.Settlement{}, false, persistenceError(op, "parse settle script result", err)
	}
	settlement := auction.Settlement{
		AuctionID:  auctionID,
		FinalPrice: finalPrice,
		SettledAt:  settledAt,
	}
	if hasWinner {
		settlement.WinningBidID = lo.ToPtr(winner.ID)
		settlement.BidderID = winner.BidderID
	}
	return settlement, true, nil
}

func parseAuction(fields map[string]string) (auction.Auction, error) {
	id, err := uuid.Parse(fields["id"])
	if err != nil {
		return auction.Auction{}, fmt.Errorf("invalid auction id %q: %w", fields["id"], err)
	}
	ints := make(map[string]int64, 6)
	for _, name := range []string{"start_at", "end_at", "starting_price", "current_price", "min_increment"} {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return auction.Auction{}, fmt.Errorf("invalid field %s=%q: %w", name, fields[name], err)
		}
		ints[name] = v
	}
	a := auction.Auction{
		ID:            id,
		LotRef:        fields["lot_ref"],
		Title:         fields["title"],
		Description:   fields["description"],
		ImageURL:      fields["image_url"],
		StartAt:       time.UnixMilli(ints["start_at"]).UTC(),
		EndAt:         time.UnixMilli(ints["end_at"]).UTC(),
		StartingPrice: ints["starting_price"],
		CurrentPrice:  ints["current_price"],
		MinIncrement:  ints["min_increment"],
	}
	if raw, ok := fields["settled_at"]; ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return auction.Auction{}, fmt.Errorf("invalid field settled_at=%q: %w", raw, err)
		}
		a.SettledAt = lo.ToPtr(time.UnixMilli(ms).UTC())
	}
	return a, nil
}

// parseScriptSnapshot 解析腳本拒絕時一併返回的拍賣狀態
func parseScriptSnapshot(id uuid.UUID, result []any) (auction.Auction, error) {
	if len(result) < 5 {
		return auction.Auction{}, fmt.Errorf("unexpected result length %d", len(result))
	}
	values := make([]int64, 4)
	for i := range values {
		v, err := toInt64(result[i+1])
		if err != nil {
			return auction.Auction{}, err
		}
		values[i] = v
	}
	return auction.Auction{
		ID:           id,
		CurrentPrice: values[0],
		MinIncrement: values[1],
		StartAt:      time.UnixMilli(values[2]).UTC(),
		EndAt:        time.UnixMilli(values[3]).UTC(),
	}, nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	}
	return 0, fmt.Errorf("unexpected script value %T", v)
}

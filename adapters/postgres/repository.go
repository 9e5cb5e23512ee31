package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lotbid/auction"
	"lotbid/models"
)

type repositoryOptions struct {
	logger *slog.Logger
}

type RepositoryOption func(*repositoryOptions)

// WithRepositoryLogger 設置日誌記錄器
func WithRepositoryLogger(logger *slog.Logger) RepositoryOption {
	return func(o *repositoryOptions) {
		o.logger = logger
	}
}

// Repository 以 gorm 實作 auction.Repository。
// 出價的序列化依賴資料庫的條件更新：同一個拍賣的並行交易會在 auctions 的 row lock 上排隊，
// 後到的交易會以最新的價格重新檢查 WHERE 條件。
type Repository struct {
	db     *gorm.DB
	logger *slog.Logger
}

var _ auction.Repository = (*Repository)(nil)

func NewRepository(db *gorm.DB, opts ...RepositoryOption) (*Repository, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	options := repositoryOptions{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Repository{
		db:     db,
		logger: options.logger.With(slog.String("caller", "PostgresRepository")),
	}, nil
}

// Migrate 建立或更新資料表
func (r *Repository) Migrate(ctx context.Context) error {
	const op = "Repository.Migrate"
	if err := r.db.WithContext(ctx).AutoMigrate(&models.Auction{}, &models.Bid{}, &models.Settlement{}); err != nil {
		return fmt.Errorf("[%s] Fail to migrate schema, err=%w", op, err)
	}
	return nil
}

func persistenceError(op, action string, err error) error {
	return fmt.Errorf("[%s] Fail to %s, err=%w: %w", op, action, auction.ErrPersistence, err)
}

func notFound(op string, id uuid.UUID) error {
	return fmt.Errorf("[%s] auction %s: %w", op, id, auction.ErrAuctionNotFound)
}

func (r *Repository) CreateAuction(ctx context.Context, req auction.NewAuction) (auction.Auction, error) {
	const op = "Repository.CreateAuction"
	id, err := uuid.NewV7()
	if err != nil {
		return auction.Auction{}, fmt.Errorf("[%s] Fail to generate auction id, err=%w", op, err)
	}
	row := models.Auction{
		ID:            id,
		LotRef:        req.LotRef,
		Title:         req.Title,
		Description:   req.Description,
		ImageURL:      req.ImageURL,
		StartAt:       req.StartAt.UTC(),
		EndAt:         req.EndAt.UTC(),
		StartingPrice: req.StartingPrice,
		CurrentPrice:  req.StartingPrice,
		MinIncrement:  req.MinIncrement,
	}
	if result := r.db.WithContext(ctx).Create(&row); result.Error != nil {
		return auction.Auction{}, persistenceError(op, "create auction", result.Error)
	}
	r.logger.Info("Auction created", slog.String("auctionID", id.String()), slog.String("lotRef", row.LotRef))
	return toAuction(row), nil
}

func (r *Repository) GetAuction(ctx context.Context, id uuid.UUID) (auction.Auction, error) {
	const op = "Repository.GetAuction"
	var row models.Auction
	if result := r.db.WithContext(ctx).First(&row, "id = ?", id); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return auction.Auction{}, notFound(op, id)
		}
		return auction.Auction{}, persistenceError(op, "find auction", result.Error)
	}
	return toAuction(row), nil
}

func (r *Repository) ListAuctions(ctx context.Context) ([]auction.Auction, error) {
	const op = "Repository.ListAuctions"
	var rows []models.Auction
	if result := r.db.WithContext(ctx).Order("end_at, id").Find(&rows); result.Error != nil {
		return nil, persistenceError(op, "list auctions", result.Error)
	}
	return lo.Map(rows, func(row models.Auction, _ int) auction.Auction { return toAuction(row) }), nil
}

func (r *Repository) ListUnsettled(ctx context.Context, now time.Time, limit int) ([]auction.Auction, error) {
	const op = "Repository.ListUnsettled"
	var rows []models.Auction
	query := r.db.WithContext(ctx).
		Where("settled_at IS NULL AND end_at <= ?", now.UTC()).
		Order("end_at, id")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if result := query.Find(&rows); result.Error != nil {
		return nil, persistenceError(op, "list unsettled auctions", result.Error)
	}
	return lo.Map(rows, func(row models.Auction, _ int) auction.Auction { return toAuction(row) }), nil
}

func (r *Repository) ApplyBid(ctx context.Context, attempt auction.BidAttempt) (auction.Bid, error) {
	const op = "Repository.ApplyBid"
	var accepted auction.Bid
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 相同 idempotency key 已經成功過
		previous, found, err := findByKey(tx, attempt.AuctionID, attempt.IdempotencyKey)
		if err != nil {
			return err
		}
		if found {
			accepted = previous
			return nil
		}

		at := attempt.At.UTC()
		result := tx.Model(&models.Auction{}).
			Where("id = ? AND current_price + min_increment <= ? AND start_at <= ? AND end_at > ?",
				attempt.AuctionID, attempt.Amount, at, at).
			Updates(map[string]any{
				"current_price": attempt.Amount,
				"bid_count":     gorm.Expr("bid_count + 1"),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var current models.Auction
			if err := tx.First(&current, "id = ?", attempt.AuctionID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return notFound(op, attempt.AuctionID)
				}
				return err
			}
			return auction.ClassifyRejection(toAuction(current), attempt)
		}

		var seq int64
		if err := tx.Model(&models.Auction{}).Select("bid_count").Where("id = ?", attempt.AuctionID).Scan(&seq).Error; err != nil {
			return err
		}
		row := models.Bid{
			ID:             attempt.BidID,
			AuctionID:      attempt.AuctionID,
			Seq:            seq,
			BidderID:       attempt.BidderID,
			Amount:         attempt.Amount,
			IdempotencyKey: attempt.IdempotencyKey,
			AcceptedAt:     at,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		accepted = toBid(row)
		return nil
	})
	if err == nil {
		return accepted, nil
	}

	// 相同 key 的兩個請求同時通過檢查時，後提交的會違反唯一索引
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		previous, found, findErr := findByKey(r.db.WithContext(ctx), attempt.AuctionID, attempt.IdempotencyKey)
		if findErr == nil && found {
			return previous, nil
		}
	}
	var bidErr *auction.BidError
	if errors.As(err, &bidErr) || errors.Is(err, auction.ErrAuctionNotFound) {
		return auction.Bid{}, err
	}
	return auction.Bid{}, persistenceError(op, "apply bid", err)
}

func findByKey(tx *gorm.DB, auctionID uuid.UUID, key string) (auction.Bid, bool, error) {
	var rows []models.Bid
	result := tx.Where("auction_id = ? AND idempotency_key = ?", auctionID, key).Limit(1).Find(&rows)
	if result.Error != nil {
		return auction.Bid{}, false, result.Error
	}
	if len(rows) == 0 {
		return auction.Bid{}, false, nil
	}
	return toBid(rows[0]), true, nil
}

func (r *Repository) ListBids(ctx context.Context, auctionID uuid.UUID, limit int) ([]auction.Bid, error) {
	const op = "Repository.ListBids"
	var rows []models.Bid
	query := r.db.WithContext(ctx).
		Where("auction_id = ?", auctionID).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "seq"}, Desc: true})
	if limit > 0 {
		query = query.Limit(limit)
	}
	if result := query.Find(&rows); result.Error != nil {
		return nil, persistenceError(op, "list bids", result.Error)
	}
	return lo.Map(rows, func(row models.Bid, _ int) auction.Bid { return toBid(row) }), nil
}

func (r *Repository) RepairPrice(ctx context.Context, auctionID uuid.UUID, price int64) error {
	const op = "Repository.RepairPrice"
	result := r.db.WithContext(ctx).Model(&models.Auction{}).
		Where("id = ?", auctionID).
		Update("current_price", price)
	if result.Error != nil {
		return persistenceError(op, "repair price", result.Error)
	}
	if result.RowsAffected == 0 {
		return notFound(op, auctionID)
	}
	r.logger.Warn("Current price repaired from ledger",
		slog.String("auctionID", auctionID.String()),
		slog.Int64("price", price))
	return nil
}

func (r *Repository) Settle(ctx context.Context, auctionID uuid.UUID, now time.Time) (auction.Settlement, bool, error) {
	const op = "Repository.Settle"
	now = now.UTC()
	var (
		settlement auction.Settlement
		won        bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Auction{}).
			Where("id = ? AND settled_at IS NULL AND end_at <= ?", auctionID, now).
			Update("settled_at", now)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var current models.Auction
			if err := tx.First(&current, "id = ?", auctionID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return notFound(op, auctionID)
				}
				return err
			}
			if current.SettledAt != nil {
				// 已經被其他 sweeper 結算
				return nil
			}
			return fmt.Errorf("[%s] auction %s has not ended: %w", op, auctionID, auction.ErrAuctionNotLive)
		}

		var current models.Auction
		if err := tx.First(&current, "id = ?", auctionID).Error; err != nil {
			return err
		}
		var winners []models.Bid
		if err := tx.Where("auction_id = ?", auctionID).Order("amount DESC, seq ASC").Limit(1).Find(&winners).Error; err != nil {
			return err
		}
		row := models.Settlement{
			AuctionID:  auctionID,
			FinalPrice: current.CurrentPrice,
			SettledAt:  now,
		}
		if len(winners) > 0 {
			row.WinningBidID = lo.ToPtr(winners[0].ID)
			row.BidderID = winners[0].BidderID
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		settlement = toSettlement(row)
		won = true
		return nil
	})
	if err != nil {
		if errors.Is(err, auction.ErrAuctionNotFound) || errors.Is(err, auction.ErrAuctionNotLive) {
			return auction.Settlement{}, false, err
		}
		return auction.Settlement{}, false, persistenceError(op, "settle auction", err)
	}
	return settlement, won, nil
}

// ArchiveBid 將其他儲存層已接受的出價寫入資料庫，重複的出價會被忽略。
// 資料庫中還沒有這個拍賣時，以 snapshot 建立。
func (r *Repository) ArchiveBid(ctx context.Context, snapshot auction.Auction, bid auction.Bid) (bool, error) {
	const op = "Repository.ArchiveBid"
	var inserted bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []models.Bid
		if err := tx.Where("id = ?", bid.ID).Limit(1).Find(&existing).Error; err != nil {
			return err
		}
		if len(existing) > 0 {
			return nil
		}

		row := toAuctionRow(snapshot)
		row.CurrentPrice = row.StartingPrice
		row.SettledAt = nil
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return err
		}
		result := tx.Model(&models.Auction{}).
			Where("id = ?", bid.AuctionID).
			Updates(map[string]any{
				"current_price": gorm.Expr("CASE WHEN current_price < ? THEN ? ELSE current_price END", bid.Amount, bid.Amount),
				"bid_count":     gorm.Expr("bid_count + 1"),
			})
		if result.Error != nil {
			return result.Error
		}
		var seq int64
		if err := tx.Model(&models.Auction{}).Select("bid_count").Where("id = ?", bid.AuctionID).Scan(&seq).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.Bid{
			ID:             bid.ID,
			AuctionID:      bid.AuctionID,
			Seq:            seq,
			BidderID:       bid.BidderID,
			Amount:         bid.Amount,
			IdempotencyKey: bid.IdempotencyKey,
			AcceptedAt:     bid.AcceptedAt.UTC(),
		}).Error; err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, persistenceError(op, "archive bid", err)
	}
	return inserted, nil
}

func toAuction(row models.Auction) auction.Auction {
	return auction.Auction{
		ID:            row.ID,
		LotRef:        row.LotRef,
		Title:         row.Title,
		Description:   row.Description,
		ImageURL:      row.ImageURL,
		StartAt:       row.StartAt.UTC(),
		EndAt:         row.EndAt.UTC(),
		StartingPrice: row.StartingPrice,
		CurrentPrice:  row.CurrentPrice,
		MinIncrement:  row.MinIncrement,
		SettledAt: lo.Ternary(row.SettledAt != nil,
			lo.ToPtr(lo.FromPtr(row.SettledAt).UTC()), nil),
	}
}

func toAuctionRow(a auction.Auction) models.Auction {
	return models.Auction{
		ID:            a.ID,
		LotRef:        a.LotRef,
		Title:         a.Title,
		Description:   a.Description,
		ImageURL:      a.ImageURL,
		StartAt:       a.StartAt.UTC(),
		EndAt:         a.EndAt.UTC(),
		StartingPrice: a.StartingPrice,
		CurrentPrice:  a.CurrentPrice,
		MinIncrement:  a.MinIncrement,
		SettledAt:     a.SettledAt,
	}
}

func toBid(row models.Bid) auction.Bid {
	return auction.Bid{
		ID:             row.ID,
		AuctionID:      row.AuctionID,
		BidderID:       row.BidderID,
		Amount:         row.Amount,
		AcceptedAt:     row.AcceptedAt.UTC(),
		IdempotencyKey: row.IdempotencyKey,
	}
}

func toSettlement(row models.Settlement) auction.Settlement {
	return auction.Settlement{
		AuctionID:    row.AuctionID,
		WinningBidID: row.WinningBidID,
		BidderID:     row.BidderID,
		FinalPrice:   row.FinalPrice,
		SettledAt:    row.SettledAt.UTC(),
	}
}

//go:generate mockgen -package=auction -destination=mock_test.go -source=interfaces.go

package auction

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository 定義拍賣與出價紀錄的持久層。
// 回傳的 Auction 不包含 Phase，由呼叫端依時間計算。
// 基礎設施錯誤必須包裝 ErrPersistence。
type Repository interface {
	// CreateAuction 由外部上架流程呼叫
	CreateAuction(ctx context.Context, auction NewAuction) (Auction, error)
	// GetAuction 找不到時回傳 ErrAuctionNotFound
	GetAuction(ctx context.Context, id uuid.UUID) (Auction, error)
	// ListAuctions 依結束時間排序
	ListAuctions(ctx context.Context) ([]Auction, error)
	// ApplyBid 在同一個原子操作中檢查拍賣進行中且 amount >= 當前價格 + 最小加價，
	// 成功時更新當前價格並寫入出價紀錄。相同 IdempotencyKey 重送時回傳原本的出價。
	ApplyBid(ctx context.Context, attempt BidAttempt) (Bid, error)
	// ListBids 由新到舊列出出價，limit <= 0 表示全部
	ListBids(ctx context.Context, auctionID uuid.UUID, limit int) ([]Bid, error)
	// ListUnsettled 列出在 now 已結束但尚未結算的拍賣
	ListUnsettled(ctx context.Context, now time.Time, limit int) ([]Auction, error)
	// RepairPrice 以出價紀錄重新計算出的價格修正快取的當前價格
	RepairPrice(ctx context.Context, auctionID uuid.UUID, price int64) error
	// Settle 只在尚未結算時寫入結算紀錄，已被其他人結算時回傳 false
	Settle(ctx context.Context, auctionID uuid.UUID, now time.Time) (Settlement, bool, error)
}

// Publisher 將已提交的事件送往 fan-out bus
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Locker 是跨行程的互斥鎖，用於讓同一時間只有一個 sweeper 執行
type Locker interface {
	// TryLock 只嘗試一次，鎖已被其他人持有時回傳 false。
	// 回傳的 context 會在鎖失效時被取消。
	TryLock(ctx context.Context) (context.Context, bool, error)
	Unlock() (bool, error)
}

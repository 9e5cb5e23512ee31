package auction

import (
	"time"

	"github.com/google/uuid"
)

// Phase 表示拍賣的生命週期階段，只由時間推導，不作為權威狀態儲存
type Phase string

const (
	PhaseScheduled Phase = "scheduled"
	PhaseLive      Phase = "live"
	PhaseEnded     Phase = "ended"
)

// PhaseAt 依照 (now, startAt, endAt) 計算拍賣階段。
// 所有讀取點 (列表、詳情、出價驗證) 都必須使用這個函數。
func PhaseAt(now, startAt, endAt time.Time) Phase {
	if !now.Before(endAt) {
		return PhaseEnded
	}
	if !now.Before(startAt) {
		return PhaseLive
	}
	return PhaseScheduled
}

// MaxAmount 是金額的上限 (2^53-1)，超過時 redis 腳本中的數值比較不再精確
const MaxAmount int64 = 1<<53 - 1

// Auction 代表一個拍賣中的商品 (lot)
type Auction struct {
	ID            uuid.UUID  `json:"id"`
	LotRef        string     `json:"lotRef"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	ImageURL      string     `json:"imageUrl,omitempty"`
	Phase         Phase      `json:"phase"`
	StartAt       time.Time  `json:"startAt"`
	EndAt         time.Time  `json:"endAt"`
	StartingPrice int64      `json:"startingPrice"`
	CurrentPrice  int64      `json:"currentPrice"`
	MinIncrement  int64      `json:"minIncrement"`
	SettledAt     *time.Time `json:"settledAt,omitempty"`
}

// MinimumBid 回傳下一筆出價至少需要的金額
func (a Auction) MinimumBid() int64 {
	return a.CurrentPrice + a.MinIncrement
}

// WithPhase 回傳以 now 重新計算階段後的副本
func (a Auction) WithPhase(now time.Time) Auction {
	a.Phase = PhaseAt(now, a.StartAt, a.EndAt)
	return a
}

// NewAuction 是外部上架流程建立拍賣時提供的資料
type NewAuction struct {
	LotRef        string    `json:"lotRef" binding:"required"`
	Title         string    `json:"title" binding:"required"`
	Description   string    `json:"description"`
	ImageURL      string    `json:"imageUrl"`
	StartAt       time.Time `json:"startAt" binding:"required"`
	EndAt         time.Time `json:"endAt" binding:"required"`
	StartingPrice int64     `json:"startingPrice"`
	MinIncrement  int64     `json:"minIncrement" binding:"required"`
}

// Bid 是一筆已被接受的出價，建立後不可變更
type Bid struct {
	ID             uuid.UUID `json:"id"`
	AuctionID      uuid.UUID `json:"auctionId"`
	BidderID       string    `json:"bidderId"`
	Amount         int64     `json:"amount"`
	AcceptedAt     time.Time `json:"acceptedAt"`
	IdempotencyKey string    `json:"-"`
}

// BidAttempt 是交給儲存層原子條件更新的出價嘗試
type BidAttempt struct {
	BidID          uuid.UUID
	AuctionID      uuid.UUID
	BidderID       string
	Amount         int64
	ExpectedPrice  int64 // 出價者看到的當前價格
	IdempotencyKey string
	At             time.Time
}

// Acceptance 是出價成功的結果
type Acceptance struct {
	Bid          Bid   `json:"bid"`
	CurrentPrice int64 `json:"currentPrice"`
	// Replayed 表示 idempotency key 對應到先前已受理的出價
	Replayed bool `json:"replayed,omitempty"`
}

// Settlement 記錄一個已結束拍賣的結算結果，每個拍賣只會寫入一次
type Settlement struct {
	AuctionID    uuid.UUID  `json:"auctionId"`
	WinningBidID *uuid.UUID `json:"winningBidId,omitempty"`
	BidderID     string     `json:"bidderId,omitempty"`
	FinalPrice   int64      `json:"finalPrice"`
	SettledAt    time.Time  `json:"settledAt"`
}

// EventType 是 fan-out 事件的種類
type EventType string

const (
	EventPrice EventType = "price"
	EventEnded EventType = "ended"
)

// Event 是廣播給訂閱者的權威事件
type Event struct {
	Type         EventType `json:"type" msgpack:"type"`
	AuctionID    uuid.UUID `json:"auctionId" msgpack:"auction_id"`
	CurrentPrice int64     `json:"currentPrice" msgpack:"current_price"`
	BidID        uuid.UUID `json:"bidId,omitempty" msgpack:"bid_id"`
	BidderID     string    `json:"bidderId,omitempty" msgpack:"bidder_id"`
	At           time.Time `json:"at" msgpack:"at"`
}

// Channel 回傳拍賣在 fan-out bus 上的頻道名稱
func Channel(auctionID uuid.UUID) string {
	return "auction:" + auctionID.String()
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// Bid 代表拍賣商品的出價紀錄，只會新增不會修改
// Seq 是同一個拍賣內的接受順序
type Bid struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey;<-:create"`
	AuctionID      uuid.UUID `gorm:"type:uuid;not null;<-:create;uniqueIndex:idx_bids_auction_seq,priority:1;uniqueIndex:idx_bids_auction_key,priority:1"`
	Seq            int64     `gorm:"not null;<-:create;uniqueIndex:idx_bids_auction_seq,priority:2"`
	BidderID       string    `gorm:"type:varchar(255);not null;<-:create"`
	Amount         int64     `gorm:"not null;<-:create"`
	IdempotencyKey string    `gorm:"type:varchar(255);not null;<-:create;uniqueIndex:idx_bids_auction_key,priority:2"`
	AcceptedAt     time.Time `gorm:"not null;<-:create"`
}

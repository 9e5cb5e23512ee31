package models

import (
	"time"

	"github.com/google/uuid"
)

// Settlement 記錄已結束拍賣的結算結果，每個拍賣只有一筆
type Settlement struct {
	AuctionID    uuid.UUID  `gorm:"type:uuid;primaryKey;<-:create"`
	WinningBidID *uuid.UUID `gorm:"type:uuid;<-:create"`
	BidderID     string     `gorm:"type:varchar(255);not null;<-:create"`
	FinalPrice   int64      `gorm:"not null;<-:create"`
	SettledAt    time.Time  `gorm:"not null;<-:create"`
}

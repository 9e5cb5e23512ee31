package models

import (
	"time"

	"github.com/google/uuid"
)

// Auction 代表一個拍賣中的商品 (lot)
// 階段 (scheduled/live/ended) 由時間推導，不存入資料庫
type Auction struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	LotRef        string     `gorm:"type:varchar(255);not null;index"`
	Title         string     `gorm:"type:varchar(255);not null"`
	Description   string     `gorm:"type:text;not null"`
	ImageURL      string     `gorm:"type:text;not null"`
	StartAt       time.Time  `gorm:"not null"`
	EndAt         time.Time  `gorm:"not null;index"`
	StartingPrice int64      `gorm:"not null;<-:create"`
	CurrentPrice  int64      `gorm:"not null"`
	MinIncrement  int64      `gorm:"not null;<-:create"`
	BidCount      int64      `gorm:"not null;default:0"`
	SettledAt     *time.Time `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// 外鍵關聯
	Bids       []Bid
	Settlement *Settlement
}

package api

import (
	"crypto/ed25519"
	"time"
)

const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"

	BusMemory = "memory"
	BusRedis  = "redis"
)

type ServerConfig struct {
	// ID 是這個服務實例的名稱，作為 consumer group 中的 consumer 名稱
	ID string
	// Store 選擇出價的權威儲存層
	Store string
	// Bus 選擇 fan-out 的傳輸方式
	Bus string

	DB      DBConfig
	Redis   RedisConfig
	Auth    AuthConfig
	Bidding BiddingConfig
	Sweeper SweeperConfig
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

// Enabled 回傳是否設定了資料庫連線
func (c DBConfig) Enabled() bool {
	return c.Host != "" && c.Database != ""
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string

	StreamKeys    RedisStreamKeys
	ConsumerGroup string
}

type RedisStreamKeys struct {
	// BidStream 是所有被接受的出價的共用 stream，由 archiver 寫回資料庫
	BidStream string
	// EventPrefix 是每個拍賣頻道的事件 stream 前綴
	EventPrefix string
}

type AuthConfig struct {
	PublicKey ed25519.PublicKey
	Issuer    string
	Audience  string
}

type BiddingConfig struct {
	SubmitTimeout time.Duration
	MaxAttempts   int
	BaseBackoff   time.Duration
	// BidsPageSize 與 BidsPageMax 限制出價紀錄查詢的筆數
	BidsPageSize int
	BidsPageMax  int
}

type SweeperConfig struct {
	Interval   time.Duration
	BatchSize  int
	LockExpiry time.Duration
}

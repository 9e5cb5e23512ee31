package bus

import "context"

// Conn 是某個頻道在傳輸層上的一條連線，由 Registry 在第一個訂閱者出現時開啟，
// 最後一個訂閱者離開時關閉
type Conn[T any] interface {
	// Messages 返回接收訊息的通道，連線關閉後通道會被關閉
	Messages() <-chan T
	// Close 關閉連線，可重複呼叫
	Close() error
}

// Transport 是 fan-out bus 底層的傳輸方式
type Transport[T any] interface {
	// Open 為頻道開啟一條新的連線
	Open(ctx context.Context, channel string) (Conn[T], error)
	// Publish 將訊息送往頻道上所有開啟中的連線
	Publish(ctx context.Context, channel string, message T) error
}

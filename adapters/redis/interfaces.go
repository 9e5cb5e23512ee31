package redis

import "context"

// IProducer 將訊息非同步寫入 stream，StreamTransport 以它發布頻道事件
type IProducer[T any] interface {
	Start()
	Publish(data T) error
	Close()
}

// IConsumer 以 XREAD 追蹤單一 stream，每條頻道連線各自持有一個
type IConsumer[T any] interface {
	Start()
	Subscribe() <-chan T
	Close()
}

// IGroupConsumer 以 consumer group 消費共用的出價 stream，由歸檔程序使用。
// 收到的 Message 必須以 Done 或 Fail 結束。
type IGroupConsumer[T any] interface {
	Start() error
	Subscribe() <-chan *Message[T]
	Close() error
}

// IAutoRenewMutex 是持有期間自動續期的分散式鎖。
// Lock 與 TryLock 回傳的 context 在鎖遺失或 Unlock 後被取消。
type IAutoRenewMutex interface {
	Lock(ctx context.Context) (context.Context, error)
	TryLock(ctx context.Context) (context.Context, bool, error)
	Unlock() (bool, error)
	Valid() bool
}

var (
	_ IProducer[BidRecord]      = (*Producer[BidRecord])(nil)
	_ IConsumer[BidRecord]      = (*Consumer[BidRecord])(nil)
	_ IGroupConsumer[BidRecord] = (*GroupConsumer[BidRecord])(nil)
	_ IAutoRenewMutex           = (*AutoRenewMutex)(nil)
)

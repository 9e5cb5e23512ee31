package auction

import (
	"errors"
	"fmt"
)

var (
	// ErrAuctionNotFound 拍賣不存在
	ErrAuctionNotFound = errors.New("auction not found")
	// ErrAuctionNotLive 拍賣尚未開始或已結束，這次出價不應重試
	ErrAuctionNotLive = errors.New("auction is not live")
	// ErrBidTooLow 出價低於當前價格加上最小加價 (ValidationError)
	ErrBidTooLow = errors.New("bid is below the minimum")
	// ErrInvalidBid 出價內容本身不合法，例如金額非正數或缺少出價者
	ErrInvalidBid = errors.New("invalid bid")
	// ErrConcurrencyConflict 出價在競爭中落敗，重新取得價格後可再次出價
	ErrConcurrencyConflict = errors.New("current price changed concurrently")
	// ErrPersistence 儲存層寫入或讀取失敗
	ErrPersistence = errors.New("persistence failure")
	// ErrTransport fan-out 連線或發布失敗，只影響即時更新
	ErrTransport = errors.New("transport failure")
)

// BidError 攜帶被拒絕出價時的最新價格資訊，讓前端可以重新計算最低出價
type BidError struct {
	Kind         error
	Phase        Phase
	CurrentPrice int64
	MinimumBid   int64
}

func (e *BidError) Error() string {
	return fmt.Sprintf("%v (phase=%s, current=%d, minimum=%d)", e.Kind, e.Phase, e.CurrentPrice, e.MinimumBid)
}

func (e *BidError) Unwrap() error {
	return e.Kind
}

// newBidError 依照拍賣目前的狀態建立 BidError
func newBidError(kind error, a Auction) *BidError {
	return &BidError{
		Kind:         kind,
		Phase:        a.Phase,
		CurrentPrice: a.CurrentPrice,
		MinimumBid:   a.MinimumBid(),
	}
}

// Recoverable 判斷錯誤是否可以由使用者重新出價解決
func Recoverable(err error) bool {
	switch {
	case errors.Is(err, ErrAuctionNotLive), errors.Is(err, ErrAuctionNotFound), errors.Is(err, ErrInvalidBid):
		return false
	case errors.Is(err, ErrBidTooLow), errors.Is(err, ErrConcurrencyConflict), errors.Is(err, ErrPersistence):
		return true
	}
	return false
}

// ClassifyRejection 在原子條件更新失敗後判斷拒絕原因，供儲存層實作使用。
// actual 是儲存層在同一個原子操作中看到的狀態。
func ClassifyRejection(actual Auction, attempt BidAttempt) error {
	actual = actual.WithPhase(attempt.At)
	if actual.Phase != PhaseLive {
		return newBidError(ErrAuctionNotLive, actual)
	}
	if actual.CurrentPrice != attempt.ExpectedPrice {
		return newBidError(ErrConcurrencyConflict, actual)
	}
	return newBidError(ErrBidTooLow, actual)
}

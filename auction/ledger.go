package auction

// RecomputePrice 從出價紀錄重新計算當前價格：max(startingPrice, max(bid.amount))。
// 用於偵測並修復不一致的價格快取。
func RecomputePrice(startingPrice int64, bids []Bid) int64 {
	price := startingPrice
	for _, bid := range bids {
		price = max(price, bid.Amount)
	}
	return price
}

// HighestBid 回傳金額最高的出價，金額相同時取較早被接受者
func HighestBid(bids []Bid) (Bid, bool) {
	var best Bid
	found := false
	for _, bid := range bids {
		if !found || bid.Amount > best.Amount || bid.Amount == best.Amount && bid.AcceptedAt.Before(best.AcceptedAt) {
			best = bid
			found = true
		}
	}
	return best, found
}

package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"lotbid/auction"
)

// ErrorResponse 是所有錯誤回應的格式。
// 出價被拒絕時附帶最新價格，讓前端可以重新計算最低出價。
type ErrorResponse struct {
	Kind         string        `json:"kind"`
	Message      string        `json:"message"`
	Retryable    bool          `json:"retryable"`
	Phase        auction.Phase `json:"phase,omitempty"`
	CurrentPrice *int64        `json:"currentPrice,omitempty"`
	MinimumBid   *int64        `json:"minimumBid,omitempty"`
}

type AuctionResponse struct {
	auction.Auction
	MinimumBid int64 `json:"minimumBid"`
}

type ListAuctionsResponse struct {
	Count int               `json:"count"`
	Items []AuctionResponse `json:"items"`
}

type ListBidsResponse struct {
	Count int           `json:"count"`
	Items []auction.Bid `json:"items"`
}

type PlaceBidRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

type PlaceBidResponse struct {
	Bid          auction.Bid `json:"bid"`
	CurrentPrice int64       `json:"currentPrice"`
	MinimumBid   int64       `json:"minimumBid"`
}

const idempotencyKeyHeader = "Idempotency-Key"

func newAuctionResponse(a auction.Auction) AuctionResponse {
	return AuctionResponse{Auction: a, MinimumBid: a.MinimumBid()}
}

// ListAuctions 列出所有拍賣
// (GET /auctions)
func (impl *ServerImpl) ListAuctions(c *gin.Context) {
	auctions, err := impl.service.ListAuctions(c.Request.Context())
	if err != nil {
		impl.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ListAuctionsResponse{
		Count: len(auctions),
		Items: lo.Map(auctions, func(a auction.Auction, _ int) AuctionResponse { return newAuctionResponse(a) }),
	})
}

// GetAuction 取得拍賣詳情
// (GET /auctions/:id)
func (impl *ServerImpl) GetAuction(c *gin.Context) {
	id, ok := parseAuctionID(c)
	if !ok {
		return
	}
	a, err := impl.service.GetAuction(c.Request.Context(), id)
	if err != nil {
		impl.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, newAuctionResponse(a))
}

// ListBids 由新到舊列出出價紀錄
// (GET /auctions/:id/bids?limit=)
func (impl *ServerImpl) ListBids(c *gin.Context) {
	id, ok := parseAuctionID(c)
	if !ok {
		return
	}
	limit := impl.config.Bidding.BidsPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Kind: "invalid", Message: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if impl.config.Bidding.BidsPageMax > 0 {
		limit = min(limit, impl.config.Bidding.BidsPageMax)
	}
	bids, err := impl.service.ListBids(c.Request.Context(), id, limit)
	if err != nil {
		impl.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ListBidsResponse{Count: len(bids), Items: bids})
}

// PlaceBid 以 access token 的身分出價
// (POST /auctions/:id/bids)
func (impl *ServerImpl) PlaceBid(c *gin.Context) {
	id, ok := parseAuctionID(c)
	if !ok {
		return
	}
	var body PlaceBidRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Kind: "invalid", Message: "amount is required"})
		return
	}
	claims := identity(c)
	if claims == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Kind: "unauthorized", Message: "missing access token"})
		return
	}

	acceptance, err := impl.service.PlaceBid(c.Request.Context(), auction.BidRequest{
		AuctionID:      id,
		BidderID:       claims.Subject,
		Amount:         body.Amount,
		IdempotencyKey: strings.TrimSpace(c.GetHeader(idempotencyKeyHeader)),
	})
	if err != nil {
		impl.abortWithError(c, err)
		return
	}
	minimum := acceptance.CurrentPrice
	if a, err := impl.service.GetAuction(c.Request.Context(), id); err == nil {
		minimum = a.MinimumBid()
	}
	c.JSON(http.StatusCreated, PlaceBidResponse{
		Bid:          acceptance.Bid,
		CurrentPrice: acceptance.CurrentPrice,
		MinimumBid:   minimum,
	})
}

// CreateAuction 由上架流程建立拍賣
// (POST /auctions)
func (impl *ServerImpl) CreateAuction(c *gin.Context) {
	var body auction.NewAuction
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Kind: "invalid", Message: err.Error()})
		return
	}
	// 處理拍賣描述
	body.Description = impl.htmlChecker.Sanitize(body.Description)
	body.Title = strings.TrimSpace(body.Title)
	if body.Title == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Kind: "invalid", Message: "title is required"})
		return
	}

	a, err := impl.service.CreateAuction(c.Request.Context(), body)
	if err != nil {
		impl.abortWithError(c, err)
		return
	}
	impl.logger.Info("Auction listed",
		slog.String("auctionID", a.ID.String()),
		slog.String("by", lo.FromPtr(identity(c)).Subject))
	c.Header("Location", "/auctions/"+a.ID.String())
	c.JSON(http.StatusCreated, newAuctionResponse(a))
}

func parseAuctionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Kind: "invalid", Message: "invalid auction id"})
		return uuid.Nil, false
	}
	return id, true
}

// abortWithError 依照錯誤分類回應對應的狀態碼
func (impl *ServerImpl) abortWithError(c *gin.Context, err error) {
	resp := ErrorResponse{Message: err.Error(), Retryable: auction.Recoverable(err)}
	var bidErr *auction.BidError
	if errors.As(err, &bidErr) {
		resp.Phase = bidErr.Phase
		resp.CurrentPrice = lo.ToPtr(bidErr.CurrentPrice)
		resp.MinimumBid = lo.ToPtr(bidErr.MinimumBid)
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, auction.ErrAuctionNotFound):
		status, resp.Kind = http.StatusNotFound, "not_found"
	case errors.Is(err, auction.ErrInvalidBid):
		status, resp.Kind = http.StatusBadRequest, "invalid"
	case errors.Is(err, auction.ErrBidTooLow):
		status, resp.Kind = http.StatusUnprocessableEntity, "too_low"
	case errors.Is(err, auction.ErrConcurrencyConflict):
		status, resp.Kind = http.StatusConflict, "conflict"
	case errors.Is(err, auction.ErrAuctionNotLive):
		resp.Kind = "not_live"
		status = lo.Ternary(resp.Phase == auction.PhaseScheduled, http.StatusForbidden, http.StatusGone)
	case errors.Is(err, auction.ErrPersistence):
		status, resp.Kind = http.StatusServiceUnavailable, "persistence"
	default:
		resp.Kind = "internal"
		resp.Message = "internal error"
	}

	if status >= http.StatusInternalServerError {
		impl.logger.Error("Request failed", slog.String("path", c.FullPath()), slog.Any("error", err))
	} else {
		impl.logger.Debug("Request rejected", slog.String("path", c.FullPath()), slog.Any("error", err))
	}
	c.AbortWithStatusJSON(status, resp)
}

package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallnest/chanx"

	"lotbid/auction"
	"lotbid/viewmodel"
)

const (
	// 開始前5分鐘開放連線
	eventsOpenBefore = 5 * time.Minute
	// 30秒沒有事件就發送一個空行，確保瀏覽器和Cloudflare不會斷開連線
	eventsKeepAlive = 30 * time.Second
)

// StreamEvents 以 SSE 推送拍賣的顯示狀態，每次出價、倒數更新與結束都會送出一次
// (GET /auctions/:id/events)
func (impl *ServerImpl) StreamEvents(c *gin.Context) {
	id, ok := parseAuctionID(c)
	if !ok {
		return
	}
	a, err := impl.service.GetAuction(c.Request.Context(), id)
	if err != nil {
		impl.abortWithError(c, err)
		return
	}
	now := impl.clock.Now()
	// 檢查拍賣物品是否已經開始拍賣
	if now.Before(a.StartAt.Add(-eventsOpenBefore)) {
		c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{Kind: "not_live", Message: "Auction has not started", Phase: a.Phase})
		return
	}
	// 檢查拍賣物品是否已經結束拍賣
	if a.Phase == auction.PhaseEnded {
		c.AbortWithStatusJSON(http.StatusGone, ErrorResponse{Kind: "not_live", Message: "Auction has ended", Phase: a.Phase})
		return
	}

	ctx := c.Request.Context()
	// 緩衝在 Unmount 之後才停止，onChange 不會卡在已停止的緩衝上
	bufferCtx, stopBuffer := context.WithCancel(context.Background())
	defer stopBuffer()
	states := chanx.NewUnboundedChan[viewmodel.State](bufferCtx, 8)
	view, err := viewmodel.NewAuctionView(id, impl.service, impl.registry,
		viewmodel.WithViewLogger(impl.logger),
		viewmodel.WithViewClock(impl.clock),
		viewmodel.WithViewOnChange(func(s viewmodel.State) {
			select {
			case states.In <- s:
			case <-bufferCtx.Done():
			}
		}),
	)
	if err != nil {
		impl.abortWithError(c, err)
		return
	}
	if err := view.Mount(ctx); err != nil {
		impl.abortWithError(c, err)
		return
	}
	defer view.Unmount()

	// SSE請求合法，開始初始化串流
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	logger := impl.logger.With(slog.String("auctionID", id.String()))
	logger.Debug("Event stream opened")
	defer logger.Debug("Event stream closed")

	keepAlive := impl.clock.NewTicker(eventsKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states.Out:
			if !ok {
				return
			}
			c.SSEvent("state", state)
			w.Flush()
			// 結束後送出最後的狀態即關閉串流
			if state.Phase == auction.PhaseEnded {
				return
			}
		case <-keepAlive.Chan():
			w.WriteString("\n\n")
			w.Flush()
		}
	}
}

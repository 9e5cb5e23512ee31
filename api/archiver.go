package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	redisAdapter "lotbid/adapters/redis"
	"lotbid/auction"
)

// AuctionSource 提供歸檔時需要的拍賣快照
type AuctionSource interface {
	GetAuction(ctx context.Context, id uuid.UUID) (auction.Auction, error)
}

// ArchiveStore 以冪等的方式寫入出價紀錄
type ArchiveStore interface {
	ArchiveBid(ctx context.Context, snapshot auction.Auction, bid auction.Bid) (bool, error)
}

type archiverOptions struct {
	logger *slog.Logger
}

type ArchiverOption func(*archiverOptions)

// WithArchiverLogger 設置日誌記錄器
func WithArchiverLogger(logger *slog.Logger) ArchiverOption {
	return func(o *archiverOptions) {
		o.logger = logger
	}
}

// Archiver 將 Redis 中被接受的出價依序寫回資料庫
type Archiver struct {
	consumer   redisAdapter.IGroupConsumer[redisAdapter.BidRecord]
	source     AuctionSource
	store      ArchiveStore
	logger     *slog.Logger
	wg         sync.WaitGroup
	cancelFunc context.CancelFunc
}

func NewArchiver(
	consumer redisAdapter.IGroupConsumer[redisAdapter.BidRecord],
	source AuctionSource,
	store ArchiveStore,
	opts ...ArchiverOption,
) (*Archiver, error) {
	if consumer == nil || source == nil || store == nil {
		return nil, errors.New("consumer, source and store cannot be nil")
	}
	options := archiverOptions{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Archiver{
		consumer: consumer,
		source:   source,
		store:    store,
		logger:   options.logger.With(slog.String("caller", "BidArchiver")),
	}, nil
}

// Start 啟動 group consumer 與寫入 worker
func (a *Archiver) Start() error {
	const op = "Archiver.Start"
	if err := a.consumer.Start(); err != nil {
		return fmt.Errorf("[%s] Fail to start group consumer, err=%w", op, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancelFunc = cancel

	a.logger.Info("Start bid archive worker")
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.logger.Info("Bid archive worker stopped")
		ch := a.consumer.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				a.process(ctx, msg)
			}
		}
	}()
	return nil
}

// Close 停止 consumer 與 worker，未確認的訊息會在下次啟動時重新處理
func (a *Archiver) Close() {
	if err := a.consumer.Close(); err != nil {
		a.logger.Warn("Fail to close group consumer", slog.Any("error", err))
	}
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	a.wg.Wait()
}

func (a *Archiver) process(ctx context.Context, msg *redisAdapter.Message[redisAdapter.BidRecord]) {
	logger := a.logger.With(slog.String("messageID", msg.ID()), slog.String("bidID", msg.Data.ID))
	logger.Debug("Receive message")

	if err := a.archive(ctx, msg.Data); err != nil {
		if ctx.Err() != nil {
			// 關閉中，留給下次啟動處理
			return
		}
		logger.Error("Fail to archive bid", slog.Any("error", err))
		if err := msg.Fail(ctx, err); err != nil {
			logger.Error("Fail to fail message", slog.Any("error", err))
		}
		return
	}
	if err := msg.Done(ctx); err != nil {
		logger.Error("Archive success but fail to done message", slog.Any("error", err))
		return
	}
	logger.Debug("Archive success")
}

func (a *Archiver) archive(ctx context.Context, record redisAdapter.BidRecord) error {
	bid, err := record.Bid()
	if err != nil {
		return fmt.Errorf("fail to decode bid record, err=%w", err)
	}
	snapshot, err := a.source.GetAuction(ctx, bid.AuctionID)
	if err != nil {
		return fmt.Errorf("fail to load auction snapshot, err=%w", err)
	}
	inserted, err := a.store.ArchiveBid(ctx, snapshot, bid)
	if err != nil {
		return err
	}
	if !inserted {
		a.logger.Debug("Ignore duplicated bid", slog.String("bidID", bid.ID.String()))
	}
	return nil
}

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"lotbid/adapters/bus"
	postgresAdapter "lotbid/adapters/postgres"
	redisAdapter "lotbid/adapters/redis"
	"lotbid/auction"
)

type serverOptions struct {
	logger      *slog.Logger
	clock       clockwork.Clock
	db          *gorm.DB
	redisClient *redis.Client
}

type ServerOption func(*serverOptions)

// WithServerLogger 設置日誌記錄器
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithServerClock 設置時間來源
func WithServerClock(c clockwork.Clock) ServerOption {
	return func(o *serverOptions) {
		o.clock = c
	}
}

// WithServerDB 使用已建立的資料庫連線，而不是依照設定連線
func WithServerDB(db *gorm.DB) ServerOption {
	return func(o *serverOptions) {
		o.db = db
	}
}

// WithServerRedisClient 使用已建立的 Redis 連線，而不是依照設定連線
func WithServerRedisClient(client *redis.Client) ServerOption {
	return func(o *serverOptions) {
		o.redisClient = client
	}
}

type ServerImpl struct {
	service     *auction.Service
	sweeper     *auction.Sweeper
	registry    *bus.Registry[auction.Event]
	transport   *redisAdapter.StreamTransport[auction.Event]
	archiver    *Archiver
	htmlChecker *bluemonday.Policy
	redisClient *redis.Client
	db          *gorm.DB
	clock       clockwork.Clock
	logger      *slog.Logger
	wg          sync.WaitGroup
	cancelFunc  context.CancelFunc

	// 由 NewServer 自行建立的連線，Close 時一併關閉
	ownRedis bool
	ownDB    bool

	config ServerConfig
}

func NewServer(config ServerConfig, opts ...ServerOption) (*ServerImpl, error) {
	const op = "NewServer"

	// 默認選項
	options := serverOptions{
		logger: slog.Default(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	impl := &ServerImpl{
		htmlChecker: bluemonday.UGCPolicy(),
		clock:       options.clock,
		logger:      options.logger.With(slog.String("caller", "Server")),
		db:          options.db,
		redisClient: options.redisClient,
		config:      config,
	}

	// 初始化資料庫連線
	if impl.db == nil && config.DB.Enabled() {
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database, config.DB.Schema)
		gormConfig := &gorm.Config{TranslateError: true}
		if config.DB.Schema != "" {
			gormConfig.NamingStrategy = schema.NamingStrategy{
				TablePrefix: config.DB.Schema + ".",
			}
		}
		db, err := gorm.Open(postgres.Open(dsn), gormConfig)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
		}
		impl.db = db
		impl.ownDB = true
	}

	// 初始化Redis連線
	if impl.redisClient == nil && config.Redis.Addr != "" {
		impl.redisClient = redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		impl.ownRedis = true
	}

	if err := impl.setup(); err != nil {
		impl.release()
		return nil, fmt.Errorf("[%s] %w", op, err)
	}
	return impl, nil
}

func (impl *ServerImpl) setup() error {
	config := impl.config
	logger := impl.logger

	// 初始化儲存層
	var (
		repo     auction.Repository
		pgRepo   *postgresAdapter.Repository
		bidStore *redisAdapter.BidStore
		err      error
	)
	if impl.db != nil {
		pgRepo, err = postgresAdapter.NewRepository(impl.db, postgresAdapter.WithRepositoryLogger(logger))
		if err != nil {
			return fmt.Errorf("Fail to create postgres repository, err=%w", err)
		}
		if err := pgRepo.Migrate(context.Background()); err != nil {
			return err
		}
	}
	switch config.Store {
	case StorePostgres:
		if pgRepo == nil {
			return errors.New("postgres store requires a database connection")
		}
		repo = pgRepo
	case StoreRedis:
		if impl.redisClient == nil {
			return errors.New("redis store requires a redis connection")
		}
		storeOpts := []redisAdapter.BidStoreOption{
			redisAdapter.WithBidStoreLogger(logger),
			redisAdapter.WithBidStorePrefix(config.Redis.KeyPrefix),
		}
		// 有資料庫時，出價同時寫入共用 stream 由 archiver 寫回
		if pgRepo != nil && config.Redis.StreamKeys.BidStream != "" {
			storeOpts = append(storeOpts, redisAdapter.WithBidStoreArchiveStream(config.Redis.StreamKeys.BidStream))
		}
		bidStore, err = redisAdapter.NewBidStore(impl.redisClient, storeOpts...)
		if err != nil {
			return fmt.Errorf("Fail to create redis bid store, err=%w", err)
		}
		repo = bidStore
	default:
		return fmt.Errorf("unknown store backend %q", config.Store)
	}

	// 初始化fan-out bus
	var transport bus.Transport[auction.Event]
	switch config.Bus {
	case BusMemory:
		transport = bus.NewMemoryTransport[auction.Event]()
	case BusRedis:
		if impl.redisClient == nil {
			return errors.New("redis bus requires a redis connection")
		}
		impl.transport, err = redisAdapter.NewStreamTransport[auction.Event](impl.redisClient,
			redisAdapter.WithStreamTransportLogger(logger),
			redisAdapter.WithStreamTransportPrefix(config.Redis.KeyPrefix+config.Redis.StreamKeys.EventPrefix),
		)
		if err != nil {
			return fmt.Errorf("Fail to create redis stream transport, err=%w", err)
		}
		transport = impl.transport
	default:
		return fmt.Errorf("unknown bus transport %q", config.Bus)
	}
	impl.registry, err = bus.NewRegistry[auction.Event](transport, bus.WithRegistryLogger(logger))
	if err != nil {
		return fmt.Errorf("Fail to create subscription registry, err=%w", err)
	}
	publisher := bus.NewEventPublisher(impl.registry)

	// 初始化出價服務
	serviceOpts := []auction.ServiceOption{
		auction.WithServiceLogger(logger),
		auction.WithServiceClock(impl.clock),
		auction.WithServicePublisher(publisher),
	}
	if config.Bidding.SubmitTimeout > 0 {
		serviceOpts = append(serviceOpts, auction.WithServiceSubmitTimeout(config.Bidding.SubmitTimeout))
	}
	if config.Bidding.MaxAttempts > 0 {
		serviceOpts = append(serviceOpts, auction.WithServiceRetry(config.Bidding.MaxAttempts, config.Bidding.BaseBackoff))
	}
	impl.service, err = auction.NewService(repo, serviceOpts...)
	if err != nil {
		return fmt.Errorf("Fail to create bid service, err=%w", err)
	}

	// 初始化結算排程，多個實例之間以分散式鎖互斥
	sweeperOpts := []auction.SweeperOption{
		auction.WithSweeperLogger(logger),
		auction.WithSweeperClock(impl.clock),
		auction.WithSweeperPublisher(publisher),
	}
	if config.Sweeper.Interval > 0 {
		sweeperOpts = append(sweeperOpts, auction.WithSweeperInterval(config.Sweeper.Interval))
	}
	if config.Sweeper.BatchSize > 0 {
		sweeperOpts = append(sweeperOpts, auction.WithSweeperBatchSize(config.Sweeper.BatchSize))
	}
	if impl.redisClient != nil {
		var mutexOpts []redisAdapter.AutoRenewMutexOption
		if config.Sweeper.LockExpiry > 0 {
			mutexOpts = append(mutexOpts, redisAdapter.WithAutoRenewMutexExpiry(config.Sweeper.LockExpiry))
		}
		sweeperOpts = append(sweeperOpts, auction.WithSweeperLocker(redisAdapter.NewAutoRenewMutex(
			impl.redisClient,
			config.Redis.KeyPrefix+"lock:sweeper",
			mutexOpts...,
		)))
	}
	impl.sweeper, err = auction.NewSweeper(repo, sweeperOpts...)
	if err != nil {
		return fmt.Errorf("Fail to create lifecycle sweeper, err=%w", err)
	}

	// 初始化group consumer
	if bidStore != nil && pgRepo != nil && config.Redis.StreamKeys.BidStream != "" {
		groupConsumer, err := redisAdapter.NewGroupConsumer[redisAdapter.BidRecord](
			impl.redisClient,
			config.Redis.StreamKeys.BidStream,
			config.Redis.ConsumerGroup,
			config.ID,
			redisAdapter.WithGroupConsumerLogger[redisAdapter.BidRecord](logger),
			redisAdapter.WithGroupConsumerStrictOrdering[redisAdapter.BidRecord](true),
		)
		if err != nil {
			return fmt.Errorf("Fail to create group consumer, err=%w", err)
		}
		impl.archiver, err = NewArchiver(groupConsumer, bidStore, pgRepo, WithArchiverLogger(logger))
		if err != nil {
			return fmt.Errorf("Fail to create bid archiver, err=%w", err)
		}
	}
	return nil
}

// Start 啟動背景工作：結算排程與出價歸檔
func (impl *ServerImpl) Start() error {
	const op = "Server.Start"
	ctx, cancel := context.WithCancel(context.Background())
	impl.cancelFunc = cancel

	// 啟動一個worker用於將Redis中的出價紀錄存回資料庫
	if impl.archiver != nil {
		if err := impl.archiver.Start(); err != nil {
			cancel()
			return fmt.Errorf("[%s] %w", op, err)
		}
	}

	impl.wg.Add(1)
	go func() {
		defer impl.wg.Done()
		impl.sweeper.Run(ctx)
	}()
	return nil
}

func (impl *ServerImpl) Close() {
	// 關閉排程
	if impl.cancelFunc != nil {
		impl.cancelFunc()
	}
	impl.wg.Wait()
	// 關閉archiver
	if impl.archiver != nil {
		impl.archiver.Close()
	}
	// 關閉所有訂閱
	if impl.registry != nil {
		impl.registry.Close()
	}
	impl.release()
}

func (impl *ServerImpl) release() {
	if impl.transport != nil {
		impl.transport.Close()
	}
	if impl.ownRedis && impl.redisClient != nil {
		if err := impl.redisClient.Close(); err != nil {
			impl.logger.Warn("Fail to close redis client", slog.Any("error", err))
		}
	}
	if impl.ownDB && impl.db != nil {
		if sqlDB, err := impl.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
}

// RegisterRoutes 註冊所有 HTTP 路由
func (impl *ServerImpl) RegisterRoutes(router gin.IRouter) {
	auctions := router.Group("/auctions")
	auctions.GET("", impl.ListAuctions)
	auctions.POST("", impl.RequireIdentity(), impl.CreateAuction)
	auctions.GET("/:id", impl.GetAuction)
	auctions.GET("/:id/bids", impl.ListBids)
	auctions.POST("/:id/bids", impl.RequireIdentity(), impl.PlaceBid)
	auctions.GET("/:id/events", impl.StreamEvents)
}

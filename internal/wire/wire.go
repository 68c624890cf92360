// Package wire 手工组装应用依赖
package wire

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"nano-banana-proxy/internal/application/dispatch"
	"nano-banana-proxy/internal/application/ledger"
	"nano-banana-proxy/internal/application/tokenpool"
	"nano-banana-proxy/internal/config"
	"nano-banana-proxy/internal/infrastructure/keycipher"
	"nano-banana-proxy/internal/infrastructure/messaging"
	"nano-banana-proxy/internal/infrastructure/persistence/postgres"
	"nano-banana-proxy/internal/infrastructure/persistence/redis"
	"nano-banana-proxy/internal/infrastructure/upstream"
	"nano-banana-proxy/internal/interfaces/http/handler"
	"nano-banana-proxy/internal/interfaces/http/router"
)

// Container 持有应用全部组件
type Container struct {
	Config *config.Config
	PG     *postgres.Client
	Redis  *redis.Client
	Engine *gin.Engine
}

// NewContainer 按依赖顺序组装应用
func NewContainer(cfg *config.Config) (*Container, error) {
	pg, err := postgres.NewClient(&cfg.Database.Postgres)
	if err != nil {
		return nil, fmt.Errorf("failed to init postgres: %w", err)
	}

	rdb, err := redis.NewClient(&cfg.Cache.Redis)
	if err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to init redis: %w", err)
	}

	cipher, err := keycipher.New(cfg.Upstream.EncryptionKey)
	if err != nil {
		pg.Close()
		rdb.Close()
		return nil, fmt.Errorf("failed to init key cipher: %w", err)
	}

	// 数据访问层
	tokenRepo := postgres.NewTokenRepository(pg)
	accountRepo := postgres.NewAccountRepository(pg)
	entryRepo := postgres.NewLedgerEntryRepository(pg)
	usageRepo := postgres.NewUsageRecordRepository(pg)
	txManager := postgres.NewTxManager(pg)

	// 应用层
	producer := messaging.NewProducer(rdb.Redis(), cfg.Alerting.Stream, cfg.Alerting.MaxLen)
	ledgerSvc := ledger.NewService(accountRepo, entryRepo, txManager)
	pool := tokenpool.NewPool(tokenRepo, txManager, producer, &cfg.Dispatch)
	upstreamClient := upstream.NewClient(&cfg.Upstream)
	pricer := dispatch.NewPricer(&cfg.Pricing)
	dispatcher := dispatch.NewDispatcher(ledgerSvc, pool, upstreamClient, cipher, pricer, usageRepo)

	// 接口层
	handlers := &router.Handlers{
		Generate: handler.NewGenerateHandler(dispatcher),
		Token:    handler.NewTokenHandler(tokenRepo, cipher),
		Account:  handler.NewAccountHandler(ledgerSvc, usageRepo),
		Health:   handler.NewHealthHandler(pg, rdb),
	}
	limiter := redis.NewRateLimiter(rdb)
	engine := router.New(cfg, handlers, limiter)

	return &Container{
		Config: cfg,
		PG:     pg,
		Redis:  rdb,
		Engine: engine,
	}, nil
}

// Close 释放外部连接
func (c *Container) Close() error {
	var firstErr error
	if err := c.Redis.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.PG.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

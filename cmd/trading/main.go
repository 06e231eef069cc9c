package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/livetrading/internal/marketdata/book"
	"github.com/wyfcoding/livetrading/internal/marketdata/gateway"
	"github.com/wyfcoding/livetrading/internal/marketdata/hub"
	markethttp "github.com/wyfcoding/livetrading/internal/marketdata/interfaces/http"
	marketws "github.com/wyfcoding/livetrading/internal/marketdata/interfaces/ws"
	"github.com/wyfcoding/livetrading/internal/trading/application"
	"github.com/wyfcoding/livetrading/internal/trading/domain"
	"github.com/wyfcoding/livetrading/internal/trading/infrastructure/events"
	tradingmysql "github.com/wyfcoding/livetrading/internal/trading/infrastructure/persistence/mysql"
	tradinghttp "github.com/wyfcoding/livetrading/internal/trading/interfaces/http"
	"github.com/wyfcoding/livetrading/pkg/cache"
	"github.com/wyfcoding/livetrading/pkg/config"
	"github.com/wyfcoding/livetrading/pkg/db"
	"github.com/wyfcoding/livetrading/pkg/logger"
	"github.com/wyfcoding/livetrading/pkg/metrics"
	"github.com/wyfcoding/livetrading/pkg/middleware"
	"github.com/wyfcoding/livetrading/pkg/mq"
	"github.com/wyfcoding/livetrading/pkg/ratelimit"
	"golang.org/x/sync/errgroup"
)

var configPath = flag.String("config", "configs/config.toml", "config file path")

func main() {
	flag.Parse()

	// 1. Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 2. Logger
	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		FilePath:   cfg.Logger.FilePath,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
		Compress:   cfg.Logger.Compress,
		WithCaller: cfg.Logger.WithCaller,
	}); err != nil {
		panic(fmt.Sprintf("failed to init logger: %v", err))
	}

	ctx := context.Background()

	// 3. Metrics
	m := metrics.New(cfg.ServiceName)
	if cfg.Metrics.Enabled {
		if err := m.Register(); err != nil {
			logger.Fatal(ctx, "Failed to register metrics", "error", err)
		}
	}

	// 4. Database
	database, err := db.Init(db.Config{
		DSN:                cfg.Database.DSN,
		MaxOpenConns:       cfg.Database.MaxOpenConns,
		MaxIdleConns:       cfg.Database.MaxIdleConns,
		ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
		LogEnabled:         cfg.Database.LogEnabled,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
	})
	if err != nil {
		logger.Fatal(ctx, "Failed to connect database", "error", err)
	}
	defer database.Close()

	if cfg.Environment == "dev" {
		if err := database.AutoMigrate(&domain.Portfolio{}, &domain.Holding{}, &domain.Transaction{}); err != nil {
			logger.Error(ctx, "Failed to migrate database", "error", err)
		}
		seedDemoPortfolio(ctx, database)
	}

	// 5. Redis（可选，网关二级缓存）
	var redisCache *cache.RedisCache
	if cfg.Redis.Enabled {
		redisCache, err = cache.New(cache.Config{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			MaxPoolSize:  cfg.Redis.MaxPoolSize,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			logger.Fatal(ctx, "Failed to connect redis", "error", err)
		}
		defer redisCache.Close()
	}

	// 6. Kafka（可选，结算事件）
	var publisher domain.EventPublisher = events.NoopEventPublisher{}
	if cfg.Kafka.Enabled {
		producer, err := mq.NewProducer(mq.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			MaxRetries:   cfg.Kafka.MaxRetries,
			RetryBackoff: cfg.Kafka.RetryBackoff,
		})
		if err != nil {
			logger.Fatal(ctx, "Failed to create kafka producer", "error", err)
		}
		defer producer.Close()
		publisher = events.NewKafkaEventPublisher(producer, cfg.Kafka.TradeTopic, cfg.Kafka.ReconciliationTopic)
	}

	// 7. 行情链路：网关 → 订单簿 → 推送中心
	gw := gateway.New(gateway.Config{
		BaseURL:            cfg.Market.UpstreamBaseURL,
		Timeout:            time.Duration(cfg.Market.UpstreamTimeout) * time.Millisecond,
		MinRequestInterval: time.Duration(cfg.Market.MinRequestInterval) * time.Millisecond,
		BatchSize:          cfg.Market.BatchSize,
		BatchDelay:         time.Duration(cfg.Market.BatchDelay) * time.Millisecond,
		CacheTTL:           time.Duration(cfg.Market.CacheTTL) * time.Second,
	}, redisCache, m, rand.New(rand.NewSource(time.Now().UnixNano())))
	defer gw.Close()

	books := book.NewService(book.Config{
		Depth: cfg.Market.OrderBookDepth,
		TTL:   time.Duration(cfg.Market.OrderBookTTL) * time.Second,
	}, gw, rand.New(rand.NewSource(time.Now().UnixNano())))

	priceHub := hub.New(gw, time.Duration(cfg.Market.BroadcastInterval)*time.Second, m)

	// 8. 交易链路
	ledger := tradingmysql.NewPortfolioRepository(database)
	engine := application.NewEngine(application.Config{
		MinOrderAmount: mustDecimal(cfg.Trading.MinOrderAmount),
		MaxOrderAmount: mustDecimal(cfg.Trading.MaxOrderAmount),
		TakerFeeRate:   mustDecimal(cfg.Trading.TakerFeeRate),
		MakerFeeRate:   mustDecimal(cfg.Trading.MakerFeeRate),
		BaseSlippage:   mustDecimal(cfg.Trading.BaseSlippage),
		MaxPriceImpact: mustDecimal(cfg.Trading.MaxPriceImpact),
	}, ledger, books, publisher, m)
	query := application.NewPortfolioQuery(ledger)

	// 9. Interfaces
	gin.SetMode(gin.ReleaseMode)
	if cfg.Environment == "dev" {
		gin.SetMode(gin.DebugMode)
	}
	r := gin.New()
	r.Use(middleware.GinRecoveryMiddleware())
	r.Use(middleware.GinLoggingMiddleware())
	r.Use(middleware.GinCORSMiddleware())
	if redisCache != nil && cfg.HTTP.RateLimitQPS > 0 {
		limiter := ratelimit.NewRedisRateLimiter(redisCache.Client())
		r.Use(middleware.GinRateLimitMiddleware(limiter, cfg.HTTP.RateLimitQPS, cfg.HTTP.RateLimitBurst))
	}

	api := r.Group("/api")
	markethttp.NewMarketDataHandler(gw, books).RegisterRoutes(api)
	tradinghttp.NewTradingHandler(engine, query).RegisterRoutes(api)
	marketws.NewHandler(priceHub).RegisterRoutes(r)

	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(metrics.Handler()))
	}
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 10. Start
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		priceHub.Start(gctx)
		return nil
	})

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	g.Go(func() error {
		logger.Info(gctx, "HTTP server starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
			logger.Info(gctx, "Shutting down servers...")
		case <-gctx.Done():
			logger.Info(gctx, "Context cancelled, shutting down...")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error(ctx, "Server exited with error", "error", err)
	}
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	return decimal.RequireFromString(s)
}

// seedDemoPortfolio dev 环境下保证演示组合存在
func seedDemoPortfolio(ctx context.Context, database *db.DB) {
	demo := &domain.Portfolio{
		PortfolioID: "demo",
		UserID:      "demo-user",
		CashBalance: decimal.NewFromInt(100000),
	}
	var count int64
	if err := database.WithContext(ctx).Model(&domain.Portfolio{}).
		Where("portfolio_id = ?", demo.PortfolioID).Count(&count).Error; err != nil {
		logger.Error(ctx, "Failed to check demo portfolio", "error", err)
		return
	}
	if count > 0 {
		return
	}
	if err := database.WithContext(ctx).Create(demo).Error; err != nil {
		logger.Error(ctx, "Failed to seed demo portfolio", "error", err)
	}
}

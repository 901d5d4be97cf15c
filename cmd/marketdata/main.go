package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	mdapp "github.com/bwils19/quantscope/internal/marketdata/application"
	"github.com/bwils19/quantscope/internal/marketdata/calendar"
	mddomain "github.com/bwils19/quantscope/internal/marketdata/domain"
	"github.com/bwils19/quantscope/internal/marketdata/infrastructure/persistence/mysql"
	mdredis "github.com/bwils19/quantscope/internal/marketdata/infrastructure/persistence/redis"
	"github.com/bwils19/quantscope/internal/marketdata/infrastructure/provider/alphavantage"
	mdhttp "github.com/bwils19/quantscope/internal/marketdata/interfaces/http"
	pfapp "github.com/bwils19/quantscope/internal/portfolio/application"
	pfdomain "github.com/bwils19/quantscope/internal/portfolio/domain"
	pfmysql "github.com/bwils19/quantscope/internal/portfolio/infrastructure/persistence/mysql"
	"github.com/bwils19/quantscope/pkg/cache"
	"github.com/bwils19/quantscope/pkg/config"
	"github.com/bwils19/quantscope/pkg/db"
	"github.com/bwils19/quantscope/pkg/logger"
	"github.com/bwils19/quantscope/pkg/metrics"
	"github.com/bwils19/quantscope/pkg/mq"
	"github.com/bwils19/quantscope/pkg/ratelimit"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config file")
	flag.Parse()

	// 加载配置（缺 API key 属于启动期致命错误）
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
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
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// 数据库连接与迁移
	database, err := db.Init(db.Config{
		Driver:             cfg.Database.Driver,
		DSN:                cfg.Database.DSN,
		MaxOpenConns:       cfg.Database.MaxOpenConns,
		MaxIdleConns:       cfg.Database.MaxIdleConns,
		ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
		LogEnabled:         cfg.Database.LogEnabled,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
	})
	if err != nil {
		logger.Fatal(ctx, "Database init failed", "error", err)
	}
	defer database.Close()

	if err := database.AutoMigrate(
		&mddomain.Quote{},
		&mddomain.HistoricalBar{},
		&mddomain.UpdateLog{},
		&pfdomain.Portfolio{},
		&pfdomain.Holding{},
	); err != nil {
		logger.Fatal(ctx, "Database migration failed", "error", err)
	}

	// Redis 缓存
	redisCache, err := cache.New(cache.Config{
		Host:        cfg.Redis.Host,
		Port:        cfg.Redis.Port,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		MaxPoolSize: cfg.Redis.MaxPoolSize,
	})
	if err != nil {
		logger.Fatal(ctx, "Redis init failed", "error", err)
	}
	defer redisCache.Close()

	// 指标
	var m *metrics.Metrics
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		m = metrics.New("marketdata")
		registry := prometheus.NewRegistry()
		if err := m.Register(registry); err != nil {
			logger.Fatal(ctx, "Metrics registration failed", "error", err)
		}
		metricsServer = metrics.Serve(cfg.Metrics.Port, cfg.Metrics.Path, registry)
	}

	// Kafka 事件发布（可选）
	var producer mdapp.EventPublisher
	if cfg.Kafka.Enabled {
		kp, err := mq.NewProducer(mq.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			MaxRetries:   cfg.Kafka.MaxRetries,
			RetryBackoff: cfg.Kafka.RetryBackoff,
		})
		if err != nil {
			logger.Fatal(ctx, "Kafka producer init failed", "error", err)
		}
		defer kp.Close()
		producer = kp
	}

	// 限流器：窗口配额由配置决定，所有抓取 worker 共享。
	// 多实例部署时切到 Redis 共享配额。
	var limiter ratelimit.QuotaLimiter
	window := time.Duration(cfg.MarketData.WindowSeconds) * time.Second
	if cfg.MarketData.DistributedRateLimit {
		limiter = ratelimit.NewDistributedWindowLimiter(
			ratelimit.NewRedisRateLimiter(redisCache.GetClient()),
			"marketdata:provider_quota",
			cfg.MarketData.RequestsPerWindow,
			window,
		)
	} else {
		limiter = ratelimit.NewWindowLimiter(cfg.MarketData.RequestsPerWindow, window)
	}

	// 交易日历
	cal, err := calendar.New(cfg.MarketData.FinalCutoffHour)
	if err != nil {
		logger.Fatal(ctx, "Calendar init failed", "error", err)
	}

	// 仓储与缓存读模型
	quoteRepo := mysql.NewQuoteRepository(database)
	barRepo := mysql.NewBarRepository(database)
	logRepo := mysql.NewUpdateLogRepository(database)
	priceCache := mdredis.NewPriceCache(redisCache, 24*time.Hour)
	portfolioRepo := pfmysql.NewPortfolioRepository(database)

	// 上游客户端
	provider, err := alphavantage.New(alphavantage.Config{
		APIKey:         cfg.MarketData.APIKey,
		BaseURL:        cfg.MarketData.BaseURL,
		RequestTimeout: time.Duration(cfg.MarketData.RequestTimeout) * time.Second,
		MaxAttempts:    cfg.MarketData.MaxFetchAttempts,
	}, limiter, priceCache, m)
	if err != nil {
		logger.Fatal(ctx, "Provider client init failed", "error", err)
	}

	// 应用服务
	priceSource := mdapp.NewQuotePriceSource(priceCache, quoteRepo)
	valuation := pfapp.NewValuationService(portfolioRepo, priceSource)

	syncService := mdapp.NewSyncService(
		provider, priceCache, quoteRepo, cal, limiter, valuation, producer, m,
		mdapp.SyncConfig{
			BatchSize:        cfg.MarketData.BatchSize,
			PersistBatchSize: cfg.MarketData.PersistBatchSize,
			CacheTTL:         time.Duration(cfg.MarketData.CacheTTLMinutes) * time.Minute,
		},
	)
	backfillService := mdapp.NewBackfillService(
		provider, barRepo, logRepo, portfolioRepo, cal, producer, m,
		cfg.MarketData.BenchmarkTickers,
	)
	query := mdapp.NewMarketDataQuery(priceCache, quoteRepo, logRepo, cal)

	// HTTP 服务
	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	handler := mdhttp.NewMarketDataHandler(syncService, backfillService, query)
	handler.RegisterRoutes(router.Group("/api"))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info(ctx, "HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "HTTP server failed", "error", err)
		}
	}()

	// 内部调度：开市时段周期同步，收盘定稿后回补。
	// 外部调度器也可以直接调 HTTP 触发端点，两条路径幂等等价。
	schedCtx, stopSched := context.WithCancel(ctx)
	go runScheduler(schedCtx, cal, syncService, backfillService, portfolioRepo,
		time.Duration(cfg.MarketData.CacheTTLMinutes)*time.Minute)

	// 优雅关停
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "Shutting down")
	stopSched()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "HTTP server shutdown failed", "error", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
}

// runScheduler 市场节奏驱动的内部定时器。
// 开市时段每个缓存 TTL 周期同步一次全量持仓 ticker；
// 回补触发交给闸门本身判断，未到最终化窗口的调用是无副作用的 no-op。
func runScheduler(
	ctx context.Context,
	cal *calendar.Calendar,
	syncService *mdapp.SyncService,
	backfillService *mdapp.BackfillService,
	portfolioRepo pfdomain.PortfolioRepository,
	syncInterval time.Duration,
) {
	if syncInterval <= 0 {
		syncInterval = 10 * time.Minute
	}
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	var lastBackfillDay string

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if cal.IsMarketOpen(now) {
				tickers, err := portfolioRepo.DistinctTickers(ctx)
				if err != nil {
					logger.Error(ctx, "Scheduled sync skipped, ticker universe unavailable", "error", err)
					continue
				}
				if _, err := syncService.SyncPrices(ctx, tickers); err != nil {
					logger.Error(ctx, "Scheduled sync failed", "error", err)
				}
				continue
			}

			// 每个交易日收盘定稿后只跑一次回补
			day := cal.LastCompletedTradingDay(now).Format("2006-01-02")
			if day == lastBackfillDay {
				continue
			}
			if ok, _ := cal.ShouldFetchFinalData(now); !ok {
				continue
			}
			if _, err := backfillService.RunBackfill(ctx, false); err != nil {
				logger.Error(ctx, "Scheduled backfill failed", "error", err)
				continue
			}
			lastBackfillDay = day
		}
	}
}

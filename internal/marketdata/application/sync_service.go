// Package application 行情数据的应用服务：批量价格同步编排与历史数据回补
package application

import (
	"context"
	"sync"
	"time"

	"github.com/bwils19/quantscope/internal/marketdata/calendar"
	"github.com/bwils19/quantscope/internal/marketdata/domain"
	"github.com/bwils19/quantscope/pkg/logger"
	"github.com/bwils19/quantscope/pkg/metrics"
	"github.com/bwils19/quantscope/pkg/ratelimit"
)

// Kafka 事件主题
const (
	TopicPricesUpdated     = "marketdata.prices.updated"
	TopicBackfillCompleted = "marketdata.backfill.completed"
)

// AggregateRecomputer 价格写入完成后触发的组合聚合重算端口
type AggregateRecomputer interface {
	RecomputeForTickers(ctx context.Context, tickers []string) error
}

// EventPublisher 运行完成事件的发布端口（kafka producer）
type EventPublisher interface {
	SendMessage(ctx context.Context, topic string, key string, value interface{}) error
}

// SyncConfig 同步编排配置
type SyncConfig struct {
	// BatchSize 单批 ticker 数量上限，不得超过窗口配额
	BatchSize int
	// PersistBatchSize 单次事务写入的报价行数上限
	PersistBatchSize int
	// CacheTTL 开市时段缓存报价的有效期
	CacheTTL time.Duration
}

// SyncResult 一次同步运行的结果
type SyncResult struct {
	// UpdatedCount 成功解析（缓存命中或抓取成功并落库）的 ticker 数
	UpdatedCount int `json:"updated_count"`
	// FailedTickers 抓取或落库失败的 ticker
	FailedTickers []string `json:"failed_tickers"`
	// Elapsed 运行耗时
	Elapsed time.Duration `json:"elapsed"`
	// Success 只有零个 ticker 更新成功时才为 false
	Success bool `json:"success"`
	// TimedOut 运行因 deadline 提前结束
	TimedOut bool `json:"timed_out"`
}

// SyncService 批量价格同步编排器。
// 把 ticker 集切成配额大小的批次，批内先用未过期的缓存报价，剩余并发抓取
// （在飞请求数不超过窗口配额），批间睡满窗口剩余时间，最后分子批次落库并
// 触发聚合重算。单 ticker 失败从不放弃整批。
type SyncService struct {
	provider   domain.MarketDataProvider
	cache      domain.PriceCache
	quoteRepo  domain.QuoteRepository
	cal        *calendar.Calendar
	limiter    ratelimit.QuotaLimiter
	recomputer AggregateRecomputer
	producer   EventPublisher
	metrics    *metrics.Metrics
	cfg        SyncConfig

	// now 可注入时钟，测试用
	now func() time.Time
}

// NewSyncService 创建同步编排器。recomputer、producer、metrics、limiter 均可为 nil。
func NewSyncService(
	provider domain.MarketDataProvider,
	cache domain.PriceCache,
	quoteRepo domain.QuoteRepository,
	cal *calendar.Calendar,
	limiter ratelimit.QuotaLimiter,
	recomputer AggregateRecomputer,
	producer EventPublisher,
	m *metrics.Metrics,
	cfg SyncConfig,
) *SyncService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 75
	}
	if cfg.PersistBatchSize <= 0 {
		cfg.PersistBatchSize = 50
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	return &SyncService{
		provider:   provider,
		cache:      cache,
		quoteRepo:  quoteRepo,
		cal:        cal,
		limiter:    limiter,
		recomputer: recomputer,
		producer:   producer,
		metrics:    m,
		cfg:        cfg,
		now:        time.Now,
	}
}

// SetClock 注入时钟（测试用）
func (s *SyncService) SetClock(now func() time.Time) {
	s.now = now
}

// SyncPrices 同步给定 ticker 集的最新报价。
// deadline 到期时已提交的子批次保持提交，返回部分结果。
func (s *SyncService) SyncPrices(ctx context.Context, tickers []string) (*SyncResult, error) {
	start := s.now()
	defer logger.LogDuration(ctx, "Price sync finished", "tickers", len(tickers))()

	result := &SyncResult{}
	tickers = dedupe(tickers)
	if len(tickers) == 0 {
		result.Success = true
		return result, nil
	}

	marketOpen := s.cal.IsMarketOpen(start)
	lastTradingDay := s.cal.LastCompletedTradingDay(start)

	var (
		fetched      []*domain.Quote
		cachedServed []string
		failedSet    = map[string]struct{}{}
	)

	chunks := chunk(tickers, s.cfg.BatchSize)
	for ci, batch := range chunks {
		if err := ctx.Err(); err != nil {
			result.TimedOut = true
			break
		}

		// 先用未过期的缓存报价，命中的 ticker 零网络调用
		toFetch := batch
		if s.cache != nil {
			cached, err := s.cache.GetBatch(ctx, batch)
			if err != nil {
				logger.Warn(ctx, "Price cache batch read failed, fetching all", "error", err)
			} else {
				toFetch = toFetch[:0:0]
				for _, t := range batch {
					q := cached[t]
					if q != nil && !q.IsStale(s.now(), marketOpen, s.cfg.CacheTTL, lastTradingDay) {
						cachedServed = append(cachedServed, t)
						if s.metrics != nil {
							s.metrics.CacheHitsTotal.Inc()
						}
						continue
					}
					if s.metrics != nil {
						s.metrics.CacheMissesTotal.Inc()
					}
					toFetch = append(toFetch, t)
				}
			}
		}

		quotes, failed := s.fetchBatch(ctx, toFetch)
		fetched = append(fetched, quotes...)
		for _, t := range failed {
			failedSet[t] = struct{}{}
		}

		// 编排假设每批吃满一个窗口的配额：还有后续批次时睡满窗口剩余时间
		if ci < len(chunks)-1 && s.limiter != nil {
			if err := sleepCtx(ctx, s.limiter.WindowRemainder()); err != nil {
				result.TimedOut = true
				break
			}
		}
	}

	// 全部批次抓取完成后分子批次落库；单个子批次失败回滚并记录，运行继续
	persisted := s.persistQuotes(ctx, fetched, failedSet, result)

	result.UpdatedCount = len(cachedServed) + persisted
	for t := range failedSet {
		result.FailedTickers = append(result.FailedTickers, t)
	}
	result.Success = result.UpdatedCount > 0 || len(tickers) == 0
	result.Elapsed = s.now().Sub(start)

	s.observeRun(result)

	// 价格写入全部完成后才触发聚合重算，保证重算观察到本轮写入
	updatedTickers := make([]string, 0, result.UpdatedCount)
	updatedTickers = append(updatedTickers, cachedServed...)
	for _, q := range fetched {
		if _, bad := failedSet[q.Ticker]; !bad {
			updatedTickers = append(updatedTickers, q.Ticker)
		}
	}
	if s.recomputer != nil && len(updatedTickers) > 0 {
		if err := s.recomputer.RecomputeForTickers(ctx, updatedTickers); err != nil {
			logger.Error(ctx, "Aggregate recompute after sync failed", "error", err)
		}
	}

	if s.producer != nil && len(updatedTickers) > 0 {
		event := map[string]interface{}{
			"updated_count":  result.UpdatedCount,
			"failed_tickers": result.FailedTickers,
			"occurred_at":    s.now(),
		}
		if err := s.producer.SendMessage(ctx, TopicPricesUpdated, "sync", event); err != nil {
			logger.Warn(ctx, "Failed to publish price update event", "error", err)
		}
	}

	if result.TimedOut {
		return result, ctx.Err()
	}
	return result, nil
}

// fetchBatch 并发抓取一批 ticker，在飞请求数由批大小（≤ 窗口配额）限制。
// 客户端内部的限流器等待保证任一滑动窗口内的出站调用不超配额。
func (s *SyncService) fetchBatch(ctx context.Context, tickers []string) ([]*domain.Quote, []string) {
	if len(tickers) == 0 {
		return nil, nil
	}

	concurrency := len(tickers)
	if concurrency > s.cfg.BatchSize {
		concurrency = s.cfg.BatchSize
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		quotes []*domain.Quote
		failed []string
		sem    = make(chan struct{}, concurrency)
	)

	for _, ticker := range tickers {
		if ctx.Err() != nil {
			mu.Lock()
			failed = append(failed, ticker)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(t string) {
			defer wg.Done()
			defer func() { <-sem }()

			quote, err := s.provider.FetchQuote(ctx, t)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// 单 ticker 失败只记录，绝不中断整批
				logger.Warn(ctx, "Quote fetch failed", "ticker", t, "error", err)
				failed = append(failed, t)
				return
			}
			quotes = append(quotes, quote)
		}(ticker)
	}

	wg.Wait()
	return quotes, failed
}

// persistQuotes 分子批次落库，返回成功持久化的报价数。
// 失败子批次内的 ticker 转入失败集合。
func (s *SyncService) persistQuotes(ctx context.Context, quotes []*domain.Quote, failedSet map[string]struct{}, result *SyncResult) int {
	persisted := 0
	for _, sub := range chunkQuotes(quotes, s.cfg.PersistBatchSize) {
		if err := ctx.Err(); err != nil {
			result.TimedOut = true
			for _, q := range sub {
				failedSet[q.Ticker] = struct{}{}
			}
			continue
		}
		if err := s.quoteRepo.SaveBatch(ctx, sub); err != nil {
			logger.Error(ctx, "Quote sub-batch commit failed, rolled back", "size", len(sub), "error", err)
			for _, q := range sub {
				failedSet[q.Ticker] = struct{}{}
			}
			continue
		}
		persisted += len(sub)
	}
	return persisted
}

func (s *SyncService) observeRun(result *SyncResult) {
	if s.metrics == nil {
		return
	}
	outcome := "success"
	if !result.Success {
		outcome = "failure"
	} else if len(result.FailedTickers) > 0 {
		outcome = "partial"
	}
	s.metrics.SyncRunsTotal.WithLabelValues(outcome).Inc()
	s.metrics.SyncTickersUpdated.Add(float64(result.UpdatedCount))
	s.metrics.SyncTickersFailed.Add(float64(len(result.FailedTickers)))
	s.metrics.SyncRunDuration.Observe(result.Elapsed.Seconds())
}

// sleepCtx ctx 感知的睡眠
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func dedupe(tickers []string) []string {
	seen := make(map[string]struct{}, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func chunk(items []string, size int) [][]string {
	if size <= 0 {
		size = len(items)
	}
	var chunks [][]string
	for len(items) > 0 {
		n := size
		if n > len(items) {
			n = len(items)
		}
		chunks = append(chunks, items[:n])
		items = items[n:]
	}
	return chunks
}

func chunkQuotes(items []*domain.Quote, size int) [][]*domain.Quote {
	if size <= 0 {
		size = len(items)
	}
	var chunks [][]*domain.Quote
	for len(items) > 0 {
		n := size
		if n > len(items) {
			n = len(items)
		}
		chunks = append(chunks, items[:n])
		items = items[n:]
	}
	return chunks
}

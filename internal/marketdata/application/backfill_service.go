package application

import (
	"context"
	"fmt"
	"time"

	"github.com/bwils19/quantscope/internal/marketdata/calendar"
	"github.com/bwils19/quantscope/internal/marketdata/domain"
	"github.com/bwils19/quantscope/pkg/logger"
	"github.com/bwils19/quantscope/pkg/metrics"
)

// compactSpanDays 缺口在此天数以内时用增量抓取，否则抓全量历史
const compactSpanDays = 90

// TickerUniverse 回补候选 ticker 的来源（组合持仓的去重集合）
type TickerUniverse interface {
	DistinctTickers(ctx context.Context) ([]string, error)
}

// TickerGap 一个待回补的 ticker 及其已知数据的最新日期
type TickerGap struct {
	Ticker string `json:"ticker"`
	// LatestDate 已有 bar 的最新日期，nil 表示完全没有历史数据
	LatestDate *time.Time `json:"latest_date,omitempty"`
}

// BackfillResult 一次回补运行的结果
type BackfillResult struct {
	TickersUpdated int    `json:"tickers_updated"`
	RecordsAdded   int64  `json:"records_added"`
	Status         string `json:"status"`
	// Skipped 非空表示本轮因最终化闸门未开而跳过
	Skipped string `json:"skipped,omitempty"`
	// TimedOut 运行因 deadline 提前结束，已写入的记录保持写入
	TimedOut bool   `json:"timed_out,omitempty"`
	Error    string `json:"error,omitempty"`
}

// BackfillService 历史数据回补。找出缺交易日的 ticker，抓取缺口，
// 幂等地写入历史库，并为每次运行留下一条可审计的日志记录。
type BackfillService struct {
	provider   domain.MarketDataProvider
	barRepo    domain.BarRepository
	logRepo    domain.UpdateLogRepository
	universe   TickerUniverse
	cal        *calendar.Calendar
	producer   EventPublisher
	metrics    *metrics.Metrics
	benchmarks []string

	// now 可注入时钟，测试用
	now func() time.Time
}

// NewBackfillService 创建回补服务。producer、metrics 可为 nil。
// benchmarks 中的基准指数 ticker 即使当前没有组合持有也始终进入候选集。
func NewBackfillService(
	provider domain.MarketDataProvider,
	barRepo domain.BarRepository,
	logRepo domain.UpdateLogRepository,
	universe TickerUniverse,
	cal *calendar.Calendar,
	producer EventPublisher,
	m *metrics.Metrics,
	benchmarks []string,
) *BackfillService {
	return &BackfillService{
		provider:   provider,
		barRepo:    barRepo,
		logRepo:    logRepo,
		universe:   universe,
		cal:        cal,
		producer:   producer,
		metrics:    m,
		benchmarks: benchmarks,
		now:        time.Now,
	}
}

// SetClock 注入时钟（测试用）
func (s *BackfillService) SetClock(now func() time.Time) {
	s.now = now
}

// TickersNeedingUpdate 返回缺历史数据的 ticker：完全没有 bar，
// 或最新 bar 早于最近已完成交易日。
func (s *BackfillService) TickersNeedingUpdate(ctx context.Context) ([]TickerGap, error) {
	tickers, err := s.universe.DistinctTickers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ticker universe: %w", err)
	}

	// 基准指数始终纳入候选
	seen := make(map[string]struct{}, len(tickers)+len(s.benchmarks))
	candidates := make([]string, 0, len(tickers)+len(s.benchmarks))
	for _, t := range append(append([]string{}, tickers...), s.benchmarks...) {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		candidates = append(candidates, t)
	}

	latest, err := s.barRepo.LatestDates(ctx)
	if err != nil {
		return nil, err
	}

	lastTradingDay := s.cal.LastCompletedTradingDay(s.now())
	var gaps []TickerGap
	for _, t := range candidates {
		if d, ok := latest[t]; ok {
			if d.Format("2006-01-02") < lastTradingDay.Format("2006-01-02") {
				dd := d
				gaps = append(gaps, TickerGap{Ticker: t, LatestDate: &dd})
			}
			continue
		}
		gaps = append(gaps, TickerGap{Ticker: t})
	}
	return gaps, nil
}

// RunBackfill 执行一次回补。force 为 false 时先过最终化闸门，
// 闸门未开就记一条零记录的 completed 日志并返回。
// 单 ticker 的抓取/处理异常只记录并跳过；日志行绝不会停留在 started 状态。
func (s *BackfillService) RunBackfill(ctx context.Context, force bool) (*BackfillResult, error) {
	runLog := &domain.UpdateLog{
		StartedAt: s.now(),
		Status:    domain.UpdateStatusStarted,
	}
	if err := s.logRepo.Create(ctx, runLog); err != nil {
		return nil, err
	}

	result := &BackfillResult{}

	// 无论走到哪条路径，返回前都必须把日志行推进到终态
	defer func() {
		if runLog.Terminal() {
			return
		}
		s.finishLog(ctx, runLog, domain.UpdateStatusFailed, result)
	}()

	if !force {
		if ok, reason := s.cal.ShouldFetchFinalData(s.now()); !ok {
			logger.Info(ctx, "Backfill skipped, finalization gate closed", "reason", reason)
			result.Status = domain.UpdateStatusCompleted
			result.Skipped = reason
			s.finishLog(ctx, runLog, domain.UpdateStatusCompleted, result)
			s.observeRun("skipped", 0)
			return result, nil
		}
	}

	gaps, err := s.TickersNeedingUpdate(ctx)
	if err != nil {
		result.Status = domain.UpdateStatusFailed
		result.Error = err.Error()
		runLog.Error = err.Error()
		s.finishLog(ctx, runLog, domain.UpdateStatusFailed, result)
		s.observeRun("failure", 0)
		return result, err
	}

	var (
		processed int
		failures  int
		lastErr   error
	)

	for _, gap := range gaps {
		if err := ctx.Err(); err != nil {
			result.TimedOut = true
			lastErr = err
			break
		}

		added, err := s.backfillTicker(ctx, gap, force)
		if err != nil {
			// 单 ticker 失败跳过，剩余 ticker 继续
			failures++
			lastErr = err
			logger.Error(ctx, "Backfill failed for ticker", "ticker", gap.Ticker, "error", err)
			continue
		}
		processed++
		if added > 0 {
			result.TickersUpdated++
			result.RecordsAdded += added
		}
	}

	// deadline 到期时已写入的记录保持写入，返回部分结果
	if result.TimedOut {
		status := domain.UpdateStatusCompleted
		if processed == 0 {
			status = domain.UpdateStatusFailed
		}
		result.Status = status
		runLog.Error = fmt.Sprintf("run interrupted after %d of %d tickers: %v", processed, len(gaps), lastErr)
		s.finishLog(ctx, runLog, status, result)
		s.observeRun("timeout", result.RecordsAdded)
		return result, lastErr
	}

	// 运行级失败只保留给零工作量的情形
	if processed == 0 && failures > 0 {
		result.Status = domain.UpdateStatusFailed
		result.Error = fmt.Sprintf("no ticker could be backfilled: %v", lastErr)
		runLog.Error = result.Error
		s.finishLog(ctx, runLog, domain.UpdateStatusFailed, result)
		s.observeRun("failure", 0)
		return result, fmt.Errorf("backfill run failed: %w", lastErr)
	}

	result.Status = domain.UpdateStatusCompleted
	if failures > 0 && lastErr != nil {
		runLog.Error = fmt.Sprintf("%d tickers skipped, last error: %v", failures, lastErr)
	}
	s.finishLog(ctx, runLog, domain.UpdateStatusCompleted, result)
	s.observeRun("success", result.RecordsAdded)

	if s.producer != nil {
		event := map[string]interface{}{
			"tickers_updated": result.TickersUpdated,
			"records_added":   result.RecordsAdded,
			"occurred_at":     s.now(),
		}
		if err := s.producer.SendMessage(ctx, TopicBackfillCompleted, "backfill", event); err != nil {
			logger.Warn(ctx, "Failed to publish backfill event", "error", err)
		}
	}

	return result, nil
}

// backfillTicker 抓取并写入单个 ticker 的缺口，返回新增行数
func (s *BackfillService) backfillTicker(ctx context.Context, gap TickerGap, force bool) (int64, error) {
	// 没有任何历史、或缺口太大时抓全量，否则抓最近区间
	full := gap.LatestDate == nil
	if !full && s.now().Sub(*gap.LatestDate) > compactSpanDays*24*time.Hour {
		full = true
	}

	bars, err := s.provider.FetchDailySeries(ctx, gap.Ticker, full)
	if err != nil {
		return 0, err
	}

	lastTradingDay := s.cal.LastCompletedTradingDay(s.now())
	filtered := make([]*domain.HistoricalBar, 0, len(bars))
	for _, bar := range bars {
		d := bar.Date.Format("2006-01-02")
		// 已知数据最新日期之前（含当日）的 bar 不再写入
		if gap.LatestDate != nil && d <= gap.LatestDate.Format("2006-01-02") {
			continue
		}
		// 未定稿的日期不入库
		if d > lastTradingDay.Format("2006-01-02") {
			continue
		}
		filtered = append(filtered, bar)
	}
	if len(filtered) == 0 {
		return 0, nil
	}

	if force {
		return s.barRepo.Upsert(ctx, filtered)
	}
	added, err := s.barRepo.InsertIgnore(ctx, filtered)
	if err != nil {
		return 0, err
	}
	if s.metrics != nil && added > 0 {
		s.metrics.BackfillRecordsAdded.Add(float64(added))
	}
	return added, nil
}

func (s *BackfillService) finishLog(ctx context.Context, runLog *domain.UpdateLog, status string, result *BackfillResult) {
	// 即使运行本身被取消，日志行也要推进到终态
	ctx = context.WithoutCancel(ctx)
	now := s.now()
	runLog.Status = status
	runLog.FinishedAt = &now
	runLog.TickersUpdated = result.TickersUpdated
	runLog.RecordsAdded = result.RecordsAdded
	if err := s.logRepo.Finish(ctx, runLog); err != nil {
		logger.Error(ctx, "Failed to finalize update log", "log_id", runLog.ID, "error", err)
	}
}

func (s *BackfillService) observeRun(outcome string, _ int64) {
	if s.metrics == nil {
		return
	}
	s.metrics.BackfillRunsTotal.WithLabelValues(outcome).Inc()
}

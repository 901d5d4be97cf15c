package application

import (
	"context"
	"errors"
	"time"

	"github.com/bwils19/quantscope/internal/marketdata/calendar"
	"github.com/bwils19/quantscope/internal/marketdata/domain"
)

// MarketDataQuery 行情数据的只读查询门面
type MarketDataQuery struct {
	cache     domain.PriceCache
	quoteRepo domain.QuoteRepository
	logRepo   domain.UpdateLogRepository
	cal       *calendar.Calendar
}

// NewMarketDataQuery 创建查询门面。cache 可为 nil。
func NewMarketDataQuery(
	cache domain.PriceCache,
	quoteRepo domain.QuoteRepository,
	logRepo domain.UpdateLogRepository,
	cal *calendar.Calendar,
) *MarketDataQuery {
	return &MarketDataQuery{
		cache:     cache,
		quoteRepo: quoteRepo,
		logRepo:   logRepo,
		cal:       cal,
	}
}

// GetQuote 返回 ticker 的最新报价，先查缓存再落库
func (q *MarketDataQuery) GetQuote(ctx context.Context, ticker string) (*domain.Quote, error) {
	if q.cache != nil {
		if quote, err := q.cache.Get(ctx, ticker); err == nil && quote != nil {
			return quote, nil
		}
	}
	return q.quoteRepo.Get(ctx, ticker)
}

// RecentUpdates 返回最近的回补运行记录
func (q *MarketDataQuery) RecentUpdates(ctx context.Context, limit int) ([]*domain.UpdateLog, error) {
	return q.logRepo.Recent(ctx, limit)
}

// CalendarStatus 市场日历当前状态
type CalendarStatus struct {
	Now                     time.Time `json:"now"`
	MarketOpen              bool      `json:"market_open"`
	LastCompletedTradingDay string    `json:"last_completed_trading_day"`
	FinalDataReady          bool      `json:"final_data_ready"`
	Reason                  string    `json:"reason,omitempty"`
}

// GetCalendarStatus 返回市场日历的当前状态快照
func (q *MarketDataQuery) GetCalendarStatus(now time.Time) *CalendarStatus {
	ready, reason := q.cal.ShouldFetchFinalData(now)
	return &CalendarStatus{
		Now:                     now,
		MarketOpen:              q.cal.IsMarketOpen(now),
		LastCompletedTradingDay: q.cal.LastCompletedTradingDay(now).Format("2006-01-02"),
		FinalDataReady:          ready,
		Reason:                  reason,
	}
}

// IsQuoteMissing 判断错误是否为报价缺失
func IsQuoteMissing(err error) bool {
	return errors.Is(err, domain.ErrQuoteNotFound)
}

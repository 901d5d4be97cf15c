package domain

import (
	"context"
	"time"
)

// QuoteRepository 报价的持久化仓储（mysql）。Save/SaveBatch 均为整行 upsert。
type QuoteRepository interface {
	Get(ctx context.Context, ticker string) (*Quote, error)
	GetBatch(ctx context.Context, tickers []string) (map[string]*Quote, error)
	Save(ctx context.Context, quote *Quote) error
	// SaveBatch 在单个事务内 upsert 一个子批次，失败时整批回滚
	SaveBatch(ctx context.Context, quotes []*Quote) error
}

// BarRepository 历史 bar 仓储。插入必须幂等：(ticker, date) 冲突时静默跳过。
type BarRepository interface {
	// InsertIgnore 条件插入，返回实际新增的行数
	InsertIgnore(ctx context.Context, bars []*HistoricalBar) (int64, error)
	// Upsert 显式 force-update 路径，冲突时覆盖
	Upsert(ctx context.Context, bars []*HistoricalBar) (int64, error)
	// LatestDates 返回每个 ticker 已有 bar 的最新日期
	LatestDates(ctx context.Context) (map[string]time.Time, error)
	// Range 返回指定 ticker 在日期区间内的 bar（升序）
	Range(ctx context.Context, ticker string, from, to time.Time) ([]*HistoricalBar, error)
}

// UpdateLogRepository 回补审计日志仓储（append-only）
type UpdateLogRepository interface {
	Create(ctx context.Context, log *UpdateLog) error
	// Finish 将运行记录推进到终态
	Finish(ctx context.Context, log *UpdateLog) error
	Recent(ctx context.Context, limit int) ([]*UpdateLog, error)
}

// PriceCache 短生命周期的报价缓存（redis 读模型）。
// 同一 ticker 的并发 upsert 必须串行化，避免批处理 worker 之间的丢失更新。
type PriceCache interface {
	// Get 返回缓存报价，不存在时返回 (nil, nil)
	Get(ctx context.Context, ticker string) (*Quote, error)
	GetBatch(ctx context.Context, tickers []string) (map[string]*Quote, error)
	Upsert(ctx context.Context, quote *Quote) error
}

// MarketDataProvider 上游行情数据提供商的抓取端口。
// 实现方负责配额消耗、退避重试与错误分类。
type MarketDataProvider interface {
	FetchQuote(ctx context.Context, ticker string) (*Quote, error)
	// FetchDailySeries full 为 true 时抓取全量历史，否则抓取最近区间
	FetchDailySeries(ctx context.Context, ticker string, full bool) ([]*HistoricalBar, error)
	FetchOverview(ctx context.Context, ticker string) (*SecurityOverview, error)
}

package domain

import "context"

// PortfolioRepository 投资组合仓储
type PortfolioRepository interface {
	// GetWithHoldings 读取组合及其全部持仓
	GetWithHoldings(ctx context.Context, id uint) (*Portfolio, error)
	// ListIDs 返回全部组合 ID
	ListIDs(ctx context.Context) ([]uint, error)
	// ListIDsHoldingTickers 返回持有任一给定 ticker 的组合 ID
	ListIDsHoldingTickers(ctx context.Context, tickers []string) ([]uint, error)
	// DistinctTickers 返回所有持仓涉及的 ticker 去重集合
	DistinctTickers(ctx context.Context) ([]string, error)
	// SaveAggregate 写回派生聚合列
	SaveAggregate(ctx context.Context, agg *Aggregate) error
}

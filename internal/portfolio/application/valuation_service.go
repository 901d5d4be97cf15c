// Package application 投资组合估值重算服务
package application

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/bwils19/quantscope/internal/portfolio/domain"
	"github.com/bwils19/quantscope/pkg/logger"
)

var oneHundred = decimal.NewFromInt(100)

// PriceSource 估值所需的最新价格来源。缺价的持仓按 (false, nil) 返回，
// 不计入估值但也不中断重算。
type PriceSource interface {
	// LatestPrice 返回 ticker 的最新价与前收盘价
	LatestPrice(ctx context.Context, ticker string) (current, previousClose decimal.Decimal, ok bool, err error)
}

// ValuationService 投资组合聚合重算。纯函数式：同样的持仓与报价
// 输入必然得到同样的聚合结果，单组合与全量重算行为一致。
type ValuationService struct {
	repo   domain.PortfolioRepository
	prices PriceSource
}

// NewValuationService 创建估值服务
func NewValuationService(repo domain.PortfolioRepository, prices PriceSource) *ValuationService {
	return &ValuationService{repo: repo, prices: prices}
}

// Recompute 重算单个组合的聚合并写回
func (s *ValuationService) Recompute(ctx context.Context, portfolioID uint) (*domain.Aggregate, error) {
	p, err := s.repo.GetWithHoldings(ctx, portfolioID)
	if err != nil {
		return nil, err
	}

	agg := s.computeAggregate(ctx, p)

	if err := s.repo.SaveAggregate(ctx, agg); err != nil {
		return nil, err
	}
	return agg, nil
}

// RecomputeAll 重算全部组合。单个组合失败只记录，不中断其余组合。
func (s *ValuationService) RecomputeAll(ctx context.Context) error {
	ids, err := s.repo.ListIDs(ctx)
	if err != nil {
		return err
	}
	return s.recomputeIDs(ctx, ids)
}

// RecomputeForTickers 重算持有任一给定 ticker 的组合。
// 价格同步完成后由编排器调用。
func (s *ValuationService) RecomputeForTickers(ctx context.Context, tickers []string) error {
	if len(tickers) == 0 {
		return nil
	}
	ids, err := s.repo.ListIDsHoldingTickers(ctx, tickers)
	if err != nil {
		return err
	}
	return s.recomputeIDs(ctx, ids)
}

func (s *ValuationService) recomputeIDs(ctx context.Context, ids []uint) error {
	var failed int
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.Recompute(ctx, id); err != nil {
			failed++
			logger.Error(ctx, "Portfolio recompute failed", "portfolio_id", id, "error", err)
		}
	}
	if failed > 0 && failed == len(ids) {
		return fmt.Errorf("recompute failed for all %d portfolios", failed)
	}
	return nil
}

// computeAggregate 单遍扫描持仓计算聚合：
//
//	totalValue   = Σ amount × currentPrice
//	dayChange    = Σ amount × (currentPrice − previousClose)
//	dayChangePct = dayChange / (totalValue − dayChange) × 100，基数非正时为 0
//	totalGain    = totalValue − Σ amount × purchasePrice（买入价未知的持仓贡献为 0）
func (s *ValuationService) computeAggregate(ctx context.Context, p *domain.Portfolio) *domain.Aggregate {
	var (
		totalValue = decimal.Zero
		dayChange  = decimal.Zero
		costBasis  = decimal.Zero
		gainValue  = decimal.Zero
	)

	for _, h := range p.Holdings {
		current, prevClose, ok, err := s.prices.LatestPrice(ctx, h.Ticker)
		if err != nil {
			logger.Warn(ctx, "Price lookup failed during valuation", "ticker", h.Ticker, "error", err)
			continue
		}
		if !ok {
			continue
		}

		value := h.Amount.Mul(current)
		totalValue = totalValue.Add(value)
		dayChange = dayChange.Add(h.Amount.Mul(current.Sub(prevClose)))

		if h.PurchasePrice.Valid {
			costBasis = costBasis.Add(h.Amount.Mul(h.PurchasePrice.Decimal))
			gainValue = gainValue.Add(value)
		}
	}

	dayChangePct := decimal.Zero
	if base := totalValue.Sub(dayChange); base.IsPositive() {
		dayChangePct = dayChange.Div(base).Mul(oneHundred)
	}

	return &domain.Aggregate{
		PortfolioID:  p.ID,
		TotalValue:   totalValue,
		DayChange:    dayChange,
		DayChangePct: dayChangePct,
		TotalGain:    gainValue.Sub(costBasis),
	}
}

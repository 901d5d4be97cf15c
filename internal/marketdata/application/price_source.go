package application

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/bwils19/quantscope/internal/marketdata/domain"
)

// QuotePriceSource 把报价缓存/仓储适配成组合估值所需的价格来源。
// 缓存优先，miss 时回落到持久化报价。
type QuotePriceSource struct {
	cache     domain.PriceCache
	quoteRepo domain.QuoteRepository
}

// NewQuotePriceSource 创建估值价格来源。cache 可为 nil。
func NewQuotePriceSource(cache domain.PriceCache, quoteRepo domain.QuoteRepository) *QuotePriceSource {
	return &QuotePriceSource{cache: cache, quoteRepo: quoteRepo}
}

// LatestPrice 返回 ticker 的最新价与前收盘价。报价不存在按缺价处理，不算错误。
func (p *QuotePriceSource) LatestPrice(ctx context.Context, ticker string) (decimal.Decimal, decimal.Decimal, bool, error) {
	if p.cache != nil {
		if quote, err := p.cache.Get(ctx, ticker); err == nil && quote != nil {
			return quote.CurrentPrice, quote.PreviousClose, true, nil
		}
	}

	quote, err := p.quoteRepo.Get(ctx, ticker)
	if err != nil {
		if errors.Is(err, domain.ErrQuoteNotFound) {
			return decimal.Zero, decimal.Zero, false, nil
		}
		return decimal.Zero, decimal.Zero, false, err
	}
	return quote.CurrentPrice, quote.PreviousClose, true, nil
}

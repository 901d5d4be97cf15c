// Package mysql 投资组合的 GORM 持久化仓储实现
package mysql

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/bwils19/quantscope/internal/portfolio/domain"
	pkgdb "github.com/bwils19/quantscope/pkg/db"
)

// ErrPortfolioNotFound 组合不存在
var ErrPortfolioNotFound = errors.New("portfolio not found")

// PortfolioRepository 投资组合仓储的 mysql 实现
type PortfolioRepository struct {
	db *pkgdb.DB
}

// NewPortfolioRepository 创建投资组合仓储
func NewPortfolioRepository(db *pkgdb.DB) *PortfolioRepository {
	return &PortfolioRepository{db: db}
}

// GetWithHoldings 读取组合及其全部持仓
func (r *PortfolioRepository) GetWithHoldings(ctx context.Context, id uint) (*domain.Portfolio, error) {
	var p domain.Portfolio
	err := r.db.WithContext(ctx).Preload("Holdings").First(&p, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPortfolioNotFound
		}
		return nil, fmt.Errorf("failed to load portfolio %d: %w", id, err)
	}
	return &p, nil
}

// ListIDs 返回全部组合 ID
func (r *PortfolioRepository) ListIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&domain.Portfolio{}).Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list portfolio ids: %w", err)
	}
	return ids, nil
}

// ListIDsHoldingTickers 返回持有任一给定 ticker 的组合 ID
func (r *PortfolioRepository) ListIDsHoldingTickers(ctx context.Context, tickers []string) ([]uint, error) {
	if len(tickers) == 0 {
		return nil, nil
	}
	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&domain.Holding{}).
		Where("ticker IN ?", tickers).
		Distinct().
		Pluck("portfolio_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list portfolios holding tickers: %w", err)
	}
	return ids, nil
}

// DistinctTickers 返回所有持仓涉及的 ticker 去重集合
func (r *PortfolioRepository) DistinctTickers(ctx context.Context) ([]string, error) {
	var tickers []string
	err := r.db.WithContext(ctx).
		Model(&domain.Holding{}).
		Distinct().
		Pluck("ticker", &tickers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list distinct tickers: %w", err)
	}
	return tickers, nil
}

// SaveAggregate 写回派生聚合列
func (r *PortfolioRepository) SaveAggregate(ctx context.Context, agg *domain.Aggregate) error {
	err := r.db.WithContext(ctx).
		Model(&domain.Portfolio{}).
		Where("id = ?", agg.PortfolioID).
		Updates(map[string]interface{}{
			"total_value":    agg.TotalValue,
			"day_change":     agg.DayChange,
			"day_change_pct": agg.DayChangePct,
			"total_gain":     agg.TotalGain,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to save aggregate for portfolio %d: %w", agg.PortfolioID, err)
	}
	return nil
}

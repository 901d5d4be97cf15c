// Package mysql 行情数据的 GORM 持久化仓储实现
package mysql

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bwils19/quantscope/internal/marketdata/domain"
	pkgdb "github.com/bwils19/quantscope/pkg/db"
)

// 报价 upsert 的唯一键与更新列
var (
	quoteUniqueColumns = []string{"ticker"}
	quoteUpdateColumns = []string{"current_price", "previous_close", "change_percent", "trading_day", "fetched_at", "updated_at"}
)

// QuoteRepository 报价仓储的 mysql 实现
type QuoteRepository struct {
	db *pkgdb.DB
}

// NewQuoteRepository 创建报价仓储
func NewQuoteRepository(db *pkgdb.DB) *QuoteRepository {
	return &QuoteRepository{db: db}
}

// Get 按 ticker 读取报价，不存在时返回 ErrQuoteNotFound
func (r *QuoteRepository) Get(ctx context.Context, ticker string) (*domain.Quote, error) {
	var quote domain.Quote
	err := r.db.WithContext(ctx).Where("ticker = ?", ticker).First(&quote).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrQuoteNotFound
		}
		return nil, &domain.PersistenceError{Op: "quote get", Err: err}
	}
	return &quote, nil
}

// GetBatch 批量读取报价，缺失的 ticker 不出现在结果中
func (r *QuoteRepository) GetBatch(ctx context.Context, tickers []string) (map[string]*domain.Quote, error) {
	if len(tickers) == 0 {
		return map[string]*domain.Quote{}, nil
	}
	var quotes []*domain.Quote
	if err := r.db.WithContext(ctx).Where("ticker IN ?", tickers).Find(&quotes).Error; err != nil {
		return nil, &domain.PersistenceError{Op: "quote batch get", Err: err}
	}
	result := make(map[string]*domain.Quote, len(quotes))
	for _, q := range quotes {
		result[q.Ticker] = q
	}
	return result, nil
}

// Save 整行 upsert 单个报价
func (r *QuoteRepository) Save(ctx context.Context, quote *domain.Quote) error {
	if err := r.db.UpsertWithConflict(ctx, quote, quoteUniqueColumns, quoteUpdateColumns); err != nil {
		return &domain.PersistenceError{Op: "quote save", Err: err}
	}
	return nil
}

// SaveBatch 在单个事务内 upsert 一个子批次。任何一行失败则整批回滚，
// 由调用方决定是否继续后续子批次。
func (r *QuoteRepository) SaveBatch(ctx context.Context, quotes []*domain.Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   pkgdb.Columns(quoteUniqueColumns),
			DoUpdates: clause.AssignmentColumns(quoteUpdateColumns),
		}).Create(&quotes).Error
	})
	if err != nil {
		return &domain.PersistenceError{Op: "quote batch save", Err: err}
	}
	return nil
}

package mysql

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bwils19/quantscope/internal/marketdata/domain"
	pkgdb "github.com/bwils19/quantscope/pkg/db"
)

var barConflictColumns = pkgdb.Columns([]string{"ticker", "date"})

// BarRepository 历史 bar 仓储的 mysql 实现。
// (ticker, date) 唯一索引保证任何写入路径都不会产生重复行。
type BarRepository struct {
	db *pkgdb.DB
}

// NewBarRepository 创建历史 bar 仓储
func NewBarRepository(db *pkgdb.DB) *BarRepository {
	return &BarRepository{db: db}
}

// InsertIgnore 条件插入：已存在的 (ticker, date) 静默跳过。
// 返回实际新增的行数，对已完整的数据重复运行恒为 0。
func (r *BarRepository) InsertIgnore(ctx context.Context, bars []*domain.HistoricalBar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	var added int64
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns:   barConflictColumns,
			DoNothing: true,
		}).Create(&bars)
		if result.Error != nil {
			return result.Error
		}
		added = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, &domain.PersistenceError{Op: "bar insert", Err: err}
	}
	return added, nil
}

// Upsert 显式 force-update 路径：冲突时覆盖已有行。
// 只有强制重建历史数据时才走这里，定稿后的 bar 不应被常规回补改写。
func (r *BarRepository) Upsert(ctx context.Context, bars []*domain.HistoricalBar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	var affected int64
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns: barConflictColumns,
			DoUpdates: clause.AssignmentColumns([]string{
				"open_price", "high_price", "low_price", "close_price",
				"adjusted_close", "volume", "updated_at",
			}),
		}).Create(&bars)
		if result.Error != nil {
			return result.Error
		}
		affected = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, &domain.PersistenceError{Op: "bar upsert", Err: err}
	}
	return affected, nil
}

// LatestDates 返回每个 ticker 已有 bar 的最新日期
func (r *BarRepository) LatestDates(ctx context.Context) (map[string]time.Time, error) {
	type row struct {
		Ticker string
		Latest time.Time
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&domain.HistoricalBar{}).
		Select("ticker, MAX(date) AS latest").
		Group("ticker").
		Scan(&rows).Error
	if err != nil {
		return nil, &domain.PersistenceError{Op: "bar latest dates", Err: err}
	}
	result := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		result[r.Ticker] = r.Latest
	}
	return result, nil
}

// Range 返回指定 ticker 在日期区间内的 bar（升序）
func (r *BarRepository) Range(ctx context.Context, ticker string, from, to time.Time) ([]*domain.HistoricalBar, error) {
	var bars []*domain.HistoricalBar
	err := r.db.WithContext(ctx).
		Where("ticker = ? AND date >= ? AND date <= ?", ticker, from, to).
		Order("date ASC").
		Find(&bars).Error
	if err != nil {
		return nil, &domain.PersistenceError{Op: "bar range", Err: err}
	}
	return bars, nil
}

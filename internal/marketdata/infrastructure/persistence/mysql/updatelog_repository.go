package mysql

import (
	"context"

	"github.com/bwils19/quantscope/internal/marketdata/domain"
	pkgdb "github.com/bwils19/quantscope/pkg/db"
)

// UpdateLogRepository 回补审计日志仓储的 mysql 实现
type UpdateLogRepository struct {
	db *pkgdb.DB
}

// NewUpdateLogRepository 创建审计日志仓储
func NewUpdateLogRepository(db *pkgdb.DB) *UpdateLogRepository {
	return &UpdateLogRepository{db: db}
}

// Create 以 started 状态写入一条新的运行记录
func (r *UpdateLogRepository) Create(ctx context.Context, log *domain.UpdateLog) error {
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return &domain.PersistenceError{Op: "update log create", Err: err}
	}
	return nil
}

// Finish 将运行记录推进到终态（完成计数或错误信息）
func (r *UpdateLogRepository) Finish(ctx context.Context, log *domain.UpdateLog) error {
	err := r.db.WithContext(ctx).
		Model(&domain.UpdateLog{}).
		Where("id = ?", log.ID).
		Updates(map[string]interface{}{
			"status":          log.Status,
			"tickers_updated": log.TickersUpdated,
			"records_added":   log.RecordsAdded,
			"finished_at":     log.FinishedAt,
			"error":           log.Error,
		}).Error
	if err != nil {
		return &domain.PersistenceError{Op: "update log finish", Err: err}
	}
	return nil
}

// Recent 返回最近的运行记录（按开始时间倒序）
func (r *UpdateLogRepository) Recent(ctx context.Context, limit int) ([]*domain.UpdateLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var logs []*domain.UpdateLog
	err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, &domain.PersistenceError{Op: "update log recent", Err: err}
	}
	return logs, nil
}

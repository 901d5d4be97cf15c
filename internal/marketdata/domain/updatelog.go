package domain

import (
	"time"

	"gorm.io/gorm"
)

// 回补运行状态
const (
	UpdateStatusStarted   = "started"
	UpdateStatusCompleted = "completed"
	UpdateStatusFailed    = "failed"
)

// UpdateLog 回补运行的 append-only 审计记录，每次运行一行。
// 进入终态后不再修改（只允许补充错误信息）。调用返回后绝不允许停留在 started 状态。
type UpdateLog struct {
	gorm.Model
	// StartedAt 运行开始时间
	StartedAt time.Time `gorm:"column:started_at;not null" json:"started_at"`
	// FinishedAt 运行结束时间
	FinishedAt *time.Time `gorm:"column:finished_at" json:"finished_at,omitempty"`
	// TickersUpdated 本次运行更新的 ticker 数
	TickersUpdated int `gorm:"column:tickers_updated;not null;default:0" json:"tickers_updated"`
	// RecordsAdded 本次运行新增的历史记录数
	RecordsAdded int64 `gorm:"column:records_added;not null;default:0" json:"records_added"`
	// Status 运行状态：started, completed, failed
	Status string `gorm:"column:status;type:varchar(16);index;not null" json:"status"`
	// Error 人类可读的错误信息
	Error string `gorm:"column:error;type:text" json:"error,omitempty"`
}

// TableName 指定表名
func (UpdateLog) TableName() string {
	return "update_logs"
}

// Terminal 判断是否处于终态
func (l *UpdateLog) Terminal() bool {
	return l.Status == UpdateStatusCompleted || l.Status == UpdateStatusFailed
}

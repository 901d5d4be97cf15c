// Package domain 投资组合的领域模型与仓储接口
package domain

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Portfolio 投资组合实体。聚合列（总市值、当日涨跌、总收益）是派生数据，
// 只由估值重算写入，从不独立编辑。
type Portfolio struct {
	gorm.Model
	// UserID 所属用户
	UserID uint `gorm:"column:user_id;index;not null" json:"user_id"`
	// Name 组合名称
	Name string `gorm:"column:name;type:varchar(128);not null" json:"name"`
	// TotalValue 总市值（派生）
	TotalValue decimal.Decimal `gorm:"column:total_value;type:decimal(20,6);not null;default:0" json:"total_value"`
	// DayChange 当日涨跌额（派生）
	DayChange decimal.Decimal `gorm:"column:day_change;type:decimal(20,6);not null;default:0" json:"day_change"`
	// DayChangePct 当日涨跌幅（派生，百分比）
	DayChangePct decimal.Decimal `gorm:"column:day_change_pct;type:decimal(10,4);not null;default:0" json:"day_change_pct"`
	// TotalGain 总收益（派生）
	TotalGain decimal.Decimal `gorm:"column:total_gain;type:decimal(20,6);not null;default:0" json:"total_gain"`
	// Holdings 持仓明细
	Holdings []Holding `gorm:"foreignKey:PortfolioID" json:"holdings,omitempty"`
}

// TableName 指定表名
func (Portfolio) TableName() string {
	return "portfolios"
}

// Holding 单个持仓
type Holding struct {
	gorm.Model
	// PortfolioID 所属组合
	PortfolioID uint `gorm:"column:portfolio_id;index;not null" json:"portfolio_id"`
	// Ticker 证券代码
	Ticker string `gorm:"column:ticker;type:varchar(16);index;not null" json:"ticker"`
	// Amount 持有数量
	Amount decimal.Decimal `gorm:"column:amount;type:decimal(20,6);not null" json:"amount"`
	// PurchasePrice 买入价，可能未知
	PurchasePrice decimal.NullDecimal `gorm:"column:purchase_price;type:decimal(20,6)" json:"purchase_price"`
}

// TableName 指定表名
func (Holding) TableName() string {
	return "holdings"
}

// Aggregate 一次估值重算的结果
type Aggregate struct {
	PortfolioID  uint            `json:"portfolio_id"`
	TotalValue   decimal.Decimal `json:"total_value"`
	DayChange    decimal.Decimal `json:"day_change"`
	DayChangePct decimal.Decimal `json:"day_change_pct"`
	TotalGain    decimal.Decimal `json:"total_gain"`
}

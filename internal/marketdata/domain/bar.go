package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// HistoricalBar 单个交易日的 OHLCV 历史记录。
// (ticker, date) 上有唯一复合索引：写入必须是条件/幂等 upsert，绝不允许盲插。
// 最终化窗口过后该日期的 bar 视为定稿，只有显式 force-update 才会改写。
type HistoricalBar struct {
	gorm.Model
	// Ticker 证券代码
	Ticker string `gorm:"column:ticker;type:varchar(16);uniqueIndex:idx_ticker_date;not null" json:"ticker"`
	// Date 交易日
	Date time.Time `gorm:"column:date;type:date;uniqueIndex:idx_ticker_date;not null" json:"date"`
	// Open 开盘价
	Open decimal.Decimal `gorm:"column:open_price;type:decimal(20,6);not null" json:"open"`
	// High 最高价
	High decimal.Decimal `gorm:"column:high_price;type:decimal(20,6);not null" json:"high"`
	// Low 最低价
	Low decimal.Decimal `gorm:"column:low_price;type:decimal(20,6);not null" json:"low"`
	// Close 收盘价
	Close decimal.Decimal `gorm:"column:close_price;type:decimal(20,6);not null" json:"close"`
	// AdjustedClose 复权收盘价
	AdjustedClose decimal.Decimal `gorm:"column:adjusted_close;type:decimal(20,6);not null" json:"adjusted_close"`
	// Volume 成交量
	Volume int64 `gorm:"column:volume;type:bigint;not null" json:"volume"`
}

// TableName 指定表名
func (HistoricalBar) TableName() string {
	return "historical_bars"
}

// SecurityOverview 公司概况静态元数据（上游 OVERVIEW 端点）
type SecurityOverview struct {
	Ticker            string          `json:"ticker"`
	Name              string          `json:"name"`
	Exchange          string          `json:"exchange"`
	Currency          string          `json:"currency"`
	Sector            string          `json:"sector"`
	Industry          string          `json:"industry"`
	MarketCap         decimal.Decimal `json:"market_cap"`
	SharesOutstanding decimal.Decimal `json:"shares_outstanding"`
}

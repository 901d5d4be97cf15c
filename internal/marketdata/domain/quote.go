// Package domain 行情数据服务的领域模型、实体、staleness 策略、仓储接口与错误类型
package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Quote 最新报价实体，每个 ticker 一行（upsert 语义）。
// 所有字段整体写入，不存在部分更新。
type Quote struct {
	gorm.Model
	// Ticker 证券代码
	Ticker string `gorm:"column:ticker;type:varchar(16);uniqueIndex;not null" json:"ticker"`
	// CurrentPrice 最新价格
	CurrentPrice decimal.Decimal `gorm:"column:current_price;type:decimal(20,6);not null" json:"current_price"`
	// PreviousClose 前收盘价
	PreviousClose decimal.Decimal `gorm:"column:previous_close;type:decimal(20,6);not null" json:"previous_close"`
	// ChangePercent 涨跌幅（百分比）
	ChangePercent decimal.Decimal `gorm:"column:change_percent;type:decimal(10,4)" json:"change_percent"`
	// TradingDay 报价对应的交易日
	TradingDay time.Time `gorm:"column:trading_day;type:date" json:"trading_day"`
	// FetchedAt 从上游抓取的时刻
	FetchedAt time.Time `gorm:"column:fetched_at" json:"fetched_at"`
}

// TableName 指定表名
func (Quote) TableName() string {
	return "quotes"
}

// DayChange 返回当日涨跌额
func (q *Quote) DayChange() decimal.Decimal {
	return q.CurrentPrice.Sub(q.PreviousClose)
}

// IsStale 判断缓存报价是否过期。这是全系统唯一的 staleness 判定入口：
//   - 没有抓取时间戳视为过期
//   - 开市期间超过 TTL 视为过期
//   - 报价交易日落后于最近一个已完成交易日视为过期
func (q *Quote) IsStale(now time.Time, marketOpen bool, ttl time.Duration, lastTradingDay time.Time) bool {
	if q == nil || q.FetchedAt.IsZero() {
		return true
	}
	if marketOpen && now.Sub(q.FetchedAt) > ttl {
		return true
	}
	if !q.TradingDay.IsZero() && !lastTradingDay.IsZero() {
		qd := q.TradingDay.Format("2006-01-02")
		ld := lastTradingDay.Format("2006-01-02")
		if qd < ld {
			return true
		}
	}
	return false
}

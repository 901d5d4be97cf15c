// Package calendar 纽交所交易日历：开市判断、最近已完成交易日、收盘数据最终化闸门
package calendar

import (
	"fmt"
	"time"
)

// 常规交易时段（美东时间）
const (
	openHour    = 9
	openMinute  = 30
	closeHour   = 16
	closeMinute = 0
)

// DefaultFinalCutoffHour 收盘数据最终化的默认截止小时（美东时间）。
// 16:00 收盘只代表交易时段结束；上游的 EOD 数据要到该小时之后才视为定稿。
const DefaultFinalCutoffHour = 20

// holidayTableLastYear 休市表维护到的最后一个年份。超过这个年份后
// 无法区分交易日和休市日，最终化闸门保持关闭，直到表被扩充。
const holidayTableLastYear = 2026

// nyseHolidays 全市场休市日（含补休）。节假日不遵循固定周模式，必须查表。
// 新增年份时同步更新 holidayTableLastYear。
var nyseHolidays = map[string]string{
	"2023-01-02": "New Year's Day (observed)",
	"2023-01-16": "Martin Luther King Jr. Day",
	"2023-02-20": "Presidents' Day",
	"2023-04-07": "Good Friday",
	"2023-05-29": "Memorial Day",
	"2023-06-19": "Juneteenth",
	"2023-07-04": "Independence Day",
	"2023-09-04": "Labor Day",
	"2023-11-23": "Thanksgiving Day",
	"2023-12-25": "Christmas Day",

	"2024-01-01": "New Year's Day",
	"2024-01-15": "Martin Luther King Jr. Day",
	"2024-02-19": "Presidents' Day",
	"2024-03-29": "Good Friday",
	"2024-05-27": "Memorial Day",
	"2024-06-19": "Juneteenth",
	"2024-07-04": "Independence Day",
	"2024-09-02": "Labor Day",
	"2024-11-28": "Thanksgiving Day",
	"2024-12-25": "Christmas Day",

	"2025-01-01": "New Year's Day",
	"2025-01-09": "National Day of Mourning",
	"2025-01-20": "Martin Luther King Jr. Day",
	"2025-02-17": "Presidents' Day",
	"2025-04-18": "Good Friday",
	"2025-05-26": "Memorial Day",
	"2025-06-19": "Juneteenth",
	"2025-07-04": "Independence Day",
	"2025-09-01": "Labor Day",
	"2025-11-27": "Thanksgiving Day",
	"2025-12-25": "Christmas Day",

	"2026-01-01": "New Year's Day",
	"2026-01-19": "Martin Luther King Jr. Day",
	"2026-02-16": "Presidents' Day",
	"2026-04-03": "Good Friday",
	"2026-05-25": "Memorial Day",
	"2026-06-19": "Juneteenth",
	"2026-07-03": "Independence Day (observed)",
	"2026-09-07": "Labor Day",
	"2026-11-26": "Thanksgiving Day",
	"2026-12-25": "Christmas Day",
}

// Calendar 交易日历。纯时间函数，无外部状态。
type Calendar struct {
	loc        *time.Location
	cutoffHour int
}

// New 创建交易日历。cutoffHour 为最终化截止小时（美东时间，24h 制），
// 传 0 使用默认值。
func New(cutoffHour int) (*Calendar, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("failed to load exchange timezone: %w", err)
	}
	if cutoffHour <= 0 {
		cutoffHour = DefaultFinalCutoffHour
	}
	return &Calendar{loc: loc, cutoffHour: cutoffHour}, nil
}

// Location 返回交易所时区
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// IsHoliday 判断指定日期是否为交易所休市日
func (c *Calendar) IsHoliday(t time.Time) bool {
	_, ok := nyseHolidays[t.In(c.loc).Format("2006-01-02")]
	return ok
}

// IsTradingDay 判断指定日期是否为交易日（非周末且非休市日）。
// 超出休市表覆盖年份的日期只能按周末判断。
func (c *Calendar) IsTradingDay(t time.Time) bool {
	et := t.In(c.loc)
	if et.Weekday() == time.Saturday || et.Weekday() == time.Sunday {
		return false
	}
	return !c.IsHoliday(et)
}

// IsMarketOpen 判断指定时刻市场是否处于常规交易时段
func (c *Calendar) IsMarketOpen(now time.Time) bool {
	et := now.In(c.loc)
	if !c.IsTradingDay(et) {
		return false
	}
	open := time.Date(et.Year(), et.Month(), et.Day(), openHour, openMinute, 0, 0, c.loc)
	close := time.Date(et.Year(), et.Month(), et.Day(), closeHour, closeMinute, 0, 0, c.loc)
	return !et.Before(open) && et.Before(close)
}

// LastCompletedTradingDay 返回最近一个已经收盘的交易日。
// 当天收盘之前，当天不算完成。
func (c *Calendar) LastCompletedTradingDay(now time.Time) time.Time {
	et := now.In(c.loc)
	day := time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, c.loc)

	if c.IsTradingDay(day) {
		close := day.Add(time.Duration(closeHour)*time.Hour + time.Duration(closeMinute)*time.Minute)
		if !et.Before(close) {
			return day
		}
	}

	for {
		day = day.AddDate(0, 0, -1)
		if c.IsTradingDay(day) {
			return day
		}
	}
}

// ShouldFetchFinalData 判断此刻抓取收盘定稿数据是否安全。
// 四个闸门全部通过才返回 true：非周末、非休市日、非开市时段、
// 且不处于收盘后到最终化截止之间的窗口。
func (c *Calendar) ShouldFetchFinalData(now time.Time) (bool, string) {
	et := now.In(c.loc)

	if et.Year() > holidayTableLastYear {
		return false, fmt.Sprintf("holiday table ends in %d; extend it before trusting end-of-day data", holidayTableLastYear)
	}

	if et.Weekday() == time.Saturday || et.Weekday() == time.Sunday {
		return false, "weekend; no trading session to finalize"
	}
	if name, ok := nyseHolidays[et.Format("2006-01-02")]; ok {
		return false, fmt.Sprintf("exchange holiday (%s); no trading session to finalize", name)
	}

	if c.IsMarketOpen(et) {
		return false, "market is open; end-of-day data not yet available"
	}

	close := time.Date(et.Year(), et.Month(), et.Day(), closeHour, closeMinute, 0, 0, c.loc)
	cutoff := time.Date(et.Year(), et.Month(), et.Day(), c.cutoffHour, 0, 0, 0, c.loc)
	if !et.Before(close) && et.Before(cutoff) {
		return false, fmt.Sprintf("awaiting finalization; end-of-day data not trusted before %02d:00 ET", c.cutoffHour)
	}

	return true, ""
}

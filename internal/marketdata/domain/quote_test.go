package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestQuoteIsStale(t *testing.T) {
	ttl := 10 * time.Minute
	now := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	tradingDay := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	prevDay := time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		quote      *Quote
		marketOpen bool
		lastDay    time.Time
		want       bool
	}{
		{
			name:  "nil quote",
			quote: nil,
			want:  true,
		},
		{
			name:  "never fetched",
			quote: &Quote{Ticker: "AAPL"},
			want:  true,
		},
		{
			name: "fresh while market open",
			quote: &Quote{
				Ticker:     "AAPL",
				FetchedAt:  now.Add(-5 * time.Minute),
				TradingDay: tradingDay,
			},
			marketOpen: true,
			lastDay:    prevDay,
			want:       false,
		},
		{
			name: "older than ttl while market open",
			quote: &Quote{
				Ticker:     "AAPL",
				FetchedAt:  now.Add(-11 * time.Minute),
				TradingDay: tradingDay,
			},
			marketOpen: true,
			lastDay:    prevDay,
			want:       true,
		},
		{
			name: "older than ttl but market closed",
			quote: &Quote{
				Ticker:     "AAPL",
				FetchedAt:  now.Add(-3 * time.Hour),
				TradingDay: tradingDay,
			},
			marketOpen: false,
			lastDay:    tradingDay,
			want:       false,
		},
		{
			name: "trading day behind last completed day",
			quote: &Quote{
				Ticker:     "AAPL",
				FetchedAt:  now.Add(-1 * time.Minute),
				TradingDay: prevDay,
			},
			marketOpen: false,
			lastDay:    tradingDay,
			want:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.quote.IsStale(now, tt.marketOpen, ttl, tt.lastDay); got != tt.want {
				t.Fatalf("IsStale() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuoteDayChange(t *testing.T) {
	q := &Quote{
		CurrentPrice:  decimal.NewFromFloat(105.5),
		PreviousClose: decimal.NewFromFloat(100),
	}
	if got := q.DayChange(); !got.Equal(decimal.NewFromFloat(5.5)) {
		t.Fatalf("DayChange() = %s, want 5.5", got)
	}
}

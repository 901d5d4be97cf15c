package calendar

import (
	"strings"
	"testing"
	"time"
)

func mustCalendar(t *testing.T) *Calendar {
	t.Helper()
	c, err := New(0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

// et 构造美东时间时刻
func et(t *testing.T, year int, month time.Month, day, hour, minute int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

func TestIsTradingDay(t *testing.T) {
	c := mustCalendar(t)

	tests := []struct {
		name string
		day  time.Time
		want bool
	}{
		{"regular wednesday", et(t, 2025, time.June, 11, 12, 0), true},
		{"saturday", et(t, 2025, time.June, 14, 12, 0), false},
		{"sunday", et(t, 2025, time.June, 15, 12, 0), false},
		{"independence day", et(t, 2025, time.July, 4, 12, 0), false},
		{"day of mourning", et(t, 2025, time.January, 9, 12, 0), false},
		{"observed holiday", et(t, 2026, time.July, 3, 12, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.IsTradingDay(tt.day); got != tt.want {
				t.Fatalf("IsTradingDay(%s) = %v, want %v", tt.day.Format("2006-01-02"), got, tt.want)
			}
		})
	}
}

func TestIsMarketOpen(t *testing.T) {
	c := mustCalendar(t)

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"mid session", et(t, 2025, time.June, 10, 11, 30), true},
		{"at the open", et(t, 2025, time.June, 10, 9, 30), true},
		{"one minute before open", et(t, 2025, time.June, 10, 9, 29), false},
		{"at the close", et(t, 2025, time.June, 10, 16, 0), false},
		{"saturday noon", et(t, 2025, time.June, 14, 12, 0), false},
		{"holiday noon", et(t, 2025, time.July, 4, 12, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.IsMarketOpen(tt.now); got != tt.want {
				t.Fatalf("IsMarketOpen(%s) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestLastCompletedTradingDay(t *testing.T) {
	c := mustCalendar(t)

	tests := []struct {
		name string
		now  time.Time
		want string
	}{
		{"monday morning rolls back to friday", et(t, 2025, time.June, 9, 10, 0), "2025-06-06"},
		{"monday after close counts monday", et(t, 2025, time.June, 9, 17, 0), "2025-06-09"},
		{"saturday rolls back to friday", et(t, 2025, time.June, 14, 12, 0), "2025-06-13"},
		{"morning after holiday skips it", et(t, 2025, time.July, 7, 8, 0), "2025-07-03"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.LastCompletedTradingDay(tt.now).Format("2006-01-02")
			if got != tt.want {
				t.Fatalf("LastCompletedTradingDay(%s) = %s, want %s", tt.now, got, tt.want)
			}
		})
	}
}

func TestShouldFetchFinalData(t *testing.T) {
	c := mustCalendar(t)

	tests := []struct {
		name       string
		now        time.Time
		want       bool
		wantReason string
	}{
		{"weekend", et(t, 2025, time.June, 14, 21, 0), false, "weekend"},
		{"holiday", et(t, 2025, time.July, 4, 21, 0), false, "holiday"},
		{"market open", et(t, 2025, time.June, 10, 12, 0), false, "market is open"},
		{"after close before cutoff", et(t, 2025, time.June, 10, 17, 30), false, "awaiting finalization"},
		{"after cutoff", et(t, 2025, time.June, 10, 20, 30), true, ""},
		{"before the open", et(t, 2025, time.June, 10, 7, 0), true, ""},
		{"past holiday table horizon", et(t, 2027, time.June, 8, 21, 0), false, "holiday table ends in 2026"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := c.ShouldFetchFinalData(tt.now)
			if got != tt.want {
				t.Fatalf("ShouldFetchFinalData(%s) = %v (%q), want %v", tt.now, got, reason, tt.want)
			}
			if tt.wantReason != "" && !strings.Contains(reason, tt.wantReason) {
				t.Fatalf("reason = %q, want it to mention %q", reason, tt.wantReason)
			}
		})
	}
}

func TestCustomCutoffHour(t *testing.T) {
	c, err := New(22)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if ok, _ := c.ShouldFetchFinalData(et(t, 2025, time.June, 10, 21, 0)); ok {
		t.Fatalf("21:00 should still be inside the finalization window with a 22:00 cutoff")
	}
	if ok, _ := c.ShouldFetchFinalData(et(t, 2025, time.June, 10, 22, 30)); !ok {
		t.Fatalf("22:30 should be past the 22:00 cutoff")
	}
}

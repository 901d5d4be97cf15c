package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestWindowLimiterConsumesQuota(t *testing.T) {
	w := NewWindowLimiter(3, time.Minute)
	base := time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)
	w.SetClock(func() time.Time { return base })

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := w.Wait(ctx); err != nil {
			t.Fatalf("Wait %d failed: %v", i, err)
		}
	}
	if got := w.Remaining(); got != 0 {
		t.Fatalf("Remaining = %d, want 0", got)
	}
}

func TestWindowLimiterRollsAfterPeriod(t *testing.T) {
	w := NewWindowLimiter(2, time.Minute)
	now := time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)
	w.SetClock(func() time.Time { return now })

	ctx := context.Background()
	_ = w.Wait(ctx)
	_ = w.Wait(ctx)
	if got := w.Remaining(); got != 0 {
		t.Fatalf("Remaining = %d, want 0", got)
	}

	now = now.Add(61 * time.Second)
	if got := w.Remaining(); got != 2 {
		t.Fatalf("Remaining after window reset = %d, want 2", got)
	}
	if err := w.Wait(ctx); err != nil {
		t.Fatalf("Wait after reset failed: %v", err)
	}
}

func TestWindowLimiterExhaust(t *testing.T) {
	w := NewWindowLimiter(5, time.Minute)
	now := time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)
	w.SetClock(func() time.Time { return now })

	ctx := context.Background()
	_ = w.Wait(ctx)

	w.Exhaust()
	if got := w.Remaining(); got != 0 {
		t.Fatalf("Remaining after Exhaust = %d, want 0", got)
	}

	now = now.Add(2 * time.Minute)
	if got := w.Remaining(); got != 5 {
		t.Fatalf("Remaining after reset = %d, want 5", got)
	}
}

func TestWindowLimiterWaitBlocksUntilReset(t *testing.T) {
	w := NewWindowLimiter(1, 60*time.Millisecond)

	ctx := context.Background()
	if err := w.Wait(ctx); err != nil {
		t.Fatalf("first Wait failed: %v", err)
	}

	start := time.Now()
	if err := w.Wait(ctx); err != nil {
		t.Fatalf("second Wait failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("second Wait returned after %v, expected it to block until window reset", elapsed)
	}
}

func TestWindowLimiterWaitHonorsContext(t *testing.T) {
	w := NewWindowLimiter(1, time.Hour)
	if err := w.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Wait error = %v, want context.DeadlineExceeded", err)
	}
}

// scriptedLimiter 按预设结果序列应答 Allow，记录收到的 key 与规则
type scriptedLimiter struct {
	results []*Result
	calls   int
	lastKey string
	lastLim Limit
	err     error
}

func (s *scriptedLimiter) Allow(_ context.Context, key string, limit Limit) (*Result, error) {
	s.lastKey = key
	s.lastLim = limit
	if s.err != nil {
		return nil, s.err
	}
	res := s.results[s.calls]
	if s.calls < len(s.results)-1 {
		s.calls++
	}
	return res, nil
}

func TestDistributedWaitConsumesSharedQuota(t *testing.T) {
	backend := &scriptedLimiter{results: []*Result{{Allowed: true, Remaining: 74}}}
	d := NewDistributedWindowLimiter(backend, "quota:test", 75, time.Minute)

	if err := d.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if backend.lastKey != "quota:test" {
		t.Fatalf("key = %q, want quota:test", backend.lastKey)
	}
	if backend.lastLim.Rate != 75 || backend.lastLim.Period != time.Minute {
		t.Fatalf("limit = %+v, want 75/min", backend.lastLim)
	}
}

func TestDistributedWaitBlocksOnDenial(t *testing.T) {
	backend := &scriptedLimiter{results: []*Result{
		{Allowed: false, RetryAfter: 20 * time.Millisecond},
		{Allowed: true},
	}}
	d := NewDistributedWindowLimiter(backend, "quota:test", 1, time.Minute)

	start := time.Now()
	if err := d.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("Wait returned after %v, want a RetryAfter-long block", elapsed)
	}
}

func TestDistributedWaitHonorsContext(t *testing.T) {
	backend := &scriptedLimiter{results: []*Result{
		{Allowed: false, RetryAfter: time.Hour},
	}}
	d := NewDistributedWindowLimiter(backend, "quota:test", 1, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Wait error = %v, want context.DeadlineExceeded", err)
	}
}

func TestDistributedExhaustPausesInstance(t *testing.T) {
	backend := &scriptedLimiter{results: []*Result{{Allowed: true}}}
	d := NewDistributedWindowLimiter(backend, "quota:test", 75, time.Minute)
	now := time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)
	d.SetClock(func() time.Time { return now })

	if got := d.WindowRemainder(); got != 0 {
		t.Fatalf("WindowRemainder before Exhaust = %v, want 0", got)
	}

	d.Exhaust()
	if got := d.WindowRemainder(); got != time.Minute {
		t.Fatalf("WindowRemainder after Exhaust = %v, want 1m", got)
	}

	// 暂停期间 Wait 不应打到后端
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Wait during pause = %v, want context.DeadlineExceeded", err)
	}
	if backend.lastKey != "" {
		t.Fatalf("backend was consulted while the instance is paused")
	}

	now = now.Add(61 * time.Second)
	if got := d.WindowRemainder(); got != 0 {
		t.Fatalf("WindowRemainder after window passed = %v, want 0", got)
	}
}

func TestWindowRemainder(t *testing.T) {
	w := NewWindowLimiter(10, time.Minute)
	now := time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)
	w.SetClock(func() time.Time { return now })

	if got := w.WindowRemainder(); got != 0 {
		t.Fatalf("WindowRemainder on idle limiter = %v, want 0", got)
	}

	_ = w.Wait(context.Background())
	now = now.Add(15 * time.Second)
	if got := w.WindowRemainder(); got != 45*time.Second {
		t.Fatalf("WindowRemainder = %v, want 45s", got)
	}
}

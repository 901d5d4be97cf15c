// Package ratelimit 提供限流原语：通用 RateLimiter 接口、基于 Redis 的分布式实现，
// 以及进程内固定窗口限流器（阻塞等待语义）
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// RateLimiter defines the interface for rate limiting
type RateLimiter interface {
	// Allow checks if the request is allowed for the given key and limit
	Allow(ctx context.Context, key string, limit Limit) (*Result, error)
}

// Limit defines the rate limit rule
type Limit struct {
	Rate   int
	Period time.Duration
	Burst  int
}

// Result represents the result of a rate limit check
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAfter time.Duration
	RetryAfter time.Duration
}

// RedisRateLimiter implements RateLimiter using Redis
type RedisRateLimiter struct {
	limiter *redis_rate.Limiter
}

// NewRedisRateLimiter creates a new RedisRateLimiter
func NewRedisRateLimiter(rdb *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{
		limiter: redis_rate.NewLimiter(rdb),
	}
}

// Allow checks if the request is allowed
func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit Limit) (*Result, error) {
	res, err := r.limiter.Allow(ctx, key, redis_rate.Limit{
		Rate:   limit.Rate,
		Period: limit.Period,
		Burst:  limit.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	return &Result{
		Allowed:    res.Allowed > 0,
		Remaining:  res.Remaining,
		ResetAfter: res.ResetAfter,
		RetryAfter: res.RetryAfter,
	}, nil
}

// WindowLimiter 进程内固定窗口限流器。与 Allow 型限流不同，Wait 在窗口配额
// 耗尽时阻塞到窗口重置，请求只会被延迟，不会被丢弃。
// 窗口计数器是所有 worker 共享的唯一可变状态，由单一互斥锁保护。
type WindowLimiter struct {
	mu          sync.Mutex
	limit       int
	period      time.Duration
	windowStart time.Time
	callsUsed   int

	// now 可注入时钟，测试用
	now func() time.Time
}

// NewWindowLimiter 创建固定窗口限流器
func NewWindowLimiter(limit int, period time.Duration) *WindowLimiter {
	if limit <= 0 {
		limit = 1
	}
	if period <= 0 {
		period = time.Minute
	}
	return &WindowLimiter{
		limit:  limit,
		period: period,
		now:    time.Now,
	}
}

// SetClock 注入时钟（测试用）
func (w *WindowLimiter) SetClock(now func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = now
}

// roll 窗口过期时滚动到新窗口。调用方必须持有锁。
func (w *WindowLimiter) roll(now time.Time) {
	if w.windowStart.IsZero() || now.Sub(w.windowStart) >= w.period {
		w.windowStart = now
		w.callsUsed = 0
	}
}

// Wait 占用一个配额名额。窗口耗尽时阻塞到窗口重置，ctx 取消时提前返回。
func (w *WindowLimiter) Wait(ctx context.Context) error {
	for {
		w.mu.Lock()
		now := w.now()
		w.roll(now)

		if w.callsUsed < w.limit {
			w.callsUsed++
			w.mu.Unlock()
			return nil
		}

		waitFor := w.windowStart.Add(w.period).Sub(now)
		w.mu.Unlock()

		if waitFor <= 0 {
			continue
		}

		timer := time.NewTimer(waitFor)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Exhaust 将当前窗口剩余配额清零。收到上游 429/5xx 时调用，
// 使后续请求阻塞到窗口重置而不是继续打满上游。
func (w *WindowLimiter) Exhaust() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(w.now())
	w.callsUsed = w.limit
}

// Remaining 返回当前窗口剩余配额
func (w *WindowLimiter) Remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(w.now())
	return w.limit - w.callsUsed
}

// WindowRemainder 返回当前窗口剩余时长。窗口未启用时返回 0。
func (w *WindowLimiter) WindowRemainder() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.roll(now)
	if w.callsUsed == 0 {
		return 0
	}
	remainder := w.windowStart.Add(w.period).Sub(now)
	if remainder < 0 {
		return 0
	}
	return remainder
}

// Limit 返回窗口配额
func (w *WindowLimiter) Limit() int {
	return w.limit
}

// QuotaLimiter 配额限流器的阻塞语义抽象：单实例部署用 WindowLimiter，
// 多实例部署用 DistributedWindowLimiter 共享同一份配额
type QuotaLimiter interface {
	// Wait 占用一个配额名额，配额耗尽时阻塞，ctx 取消时提前返回
	Wait(ctx context.Context) error
	// Exhaust 将当前窗口剩余配额清零
	Exhaust()
	// WindowRemainder 返回当前窗口剩余时长
	WindowRemainder() time.Duration
	// Limit 返回窗口配额
	Limit() int
}

var (
	_ QuotaLimiter = (*WindowLimiter)(nil)
	_ QuotaLimiter = (*DistributedWindowLimiter)(nil)
	_ RateLimiter  = (*RedisRateLimiter)(nil)
)

// DistributedWindowLimiter 在 Allow 型限流器（通常是 RedisRateLimiter）之上
// 实现阻塞等待语义，多个实例通过同一个 key 共享配额。
// Exhaust 只标记本实例：上游 429/5xx 说明共享配额已被打穿，
// 本实例在窗口剩余时间内不再发起请求。
type DistributedWindowLimiter struct {
	rl    RateLimiter
	key   string
	limit Limit

	mu          sync.Mutex
	pausedUntil time.Time
	now         func() time.Time
}

// NewDistributedWindowLimiter 创建分布式阻塞限流器
func NewDistributedWindowLimiter(rl RateLimiter, key string, limit int, period time.Duration) *DistributedWindowLimiter {
	if limit <= 0 {
		limit = 1
	}
	if period <= 0 {
		period = time.Minute
	}
	return &DistributedWindowLimiter{
		rl:    rl,
		key:   key,
		limit: Limit{Rate: limit, Period: period, Burst: limit},
		now:   time.Now,
	}
}

// SetClock 注入时钟（测试用）
func (d *DistributedWindowLimiter) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// Wait 占用一个共享配额名额，被拒绝时按 RetryAfter 阻塞后重试
func (d *DistributedWindowLimiter) Wait(ctx context.Context) error {
	for {
		d.mu.Lock()
		pause := d.pausedUntil.Sub(d.now())
		d.mu.Unlock()
		if pause > 0 {
			if err := sleepCtx(ctx, pause); err != nil {
				return err
			}
			continue
		}

		res, err := d.rl.Allow(ctx, d.key, d.limit)
		if err != nil {
			return err
		}
		if res.Allowed {
			return nil
		}

		retryAfter := res.RetryAfter
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		if err := sleepCtx(ctx, retryAfter); err != nil {
			return err
		}
	}
}

// Exhaust 标记本实例在当前窗口剩余时间内暂停发起请求
func (d *DistributedWindowLimiter) Exhaust() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pausedUntil = d.now().Add(d.limit.Period)
}

// WindowRemainder 返回本实例暂停状态的剩余时长，未暂停时返回 0
func (d *DistributedWindowLimiter) WindowRemainder() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	remainder := d.pausedUntil.Sub(d.now())
	if remainder < 0 {
		return 0
	}
	return remainder
}

// Limit 返回窗口配额
func (d *DistributedWindowLimiter) Limit() int {
	return d.limit.Rate
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

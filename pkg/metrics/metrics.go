// Package metrics 提供 Prometheus helper，包含行情同步/回补相关的 counter/gauge/histogram 模板
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bwils19/quantscope/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 指标集合
type Metrics struct {
	// 上游数据提供商调用计数
	ProviderCallsTotal *prometheus.CounterVec
	// 上游调用耗时
	ProviderCallDuration prometheus.Histogram
	// 限流等待耗时
	QuotaWaitDuration prometheus.Histogram

	// 报价缓存命中/未命中计数
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// 同步运行计数
	SyncRunsTotal *prometheus.CounterVec
	// 单次同步更新的 ticker 数
	SyncTickersUpdated prometheus.Counter
	// 单次同步失败的 ticker 数
	SyncTickersFailed prometheus.Counter
	// 同步运行耗时
	SyncRunDuration prometheus.Histogram

	// 回补运行计数
	BackfillRunsTotal *prometheus.CounterVec
	// 回补写入的历史记录数
	BackfillRecordsAdded prometheus.Counter
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		ProviderCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quantscope",
			Subsystem: serviceName,
			Name:      "provider_calls_total",
			Help:      "Total upstream provider calls by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		ProviderCallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quantscope",
			Subsystem: serviceName,
			Name:      "provider_call_duration_seconds",
			Help:      "Upstream provider call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		QuotaWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quantscope",
			Subsystem: serviceName,
			Name:      "quota_wait_duration_seconds",
			Help:      "Time spent blocked on the rate limit window",
			Buckets:   []float64{0.001, 0.01, 0.1, 1, 5, 15, 30, 60},
		}),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quantscope",
			Subsystem: serviceName,
			Name:      "price_cache_hits_total",
			Help:      "Quotes served from the price cache without a provider call",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quantscope",
			Subsystem: serviceName,
			Name:      "price_cache_misses_total",
			Help:      "Quotes requiring a provider fetch",
		}),
		SyncRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quantscope",
			Subsystem: serviceName,
			Name:      "sync_runs_total",
			Help:      "Price sync runs by outcome",
		}, []string{"outcome"}),
		SyncTickersUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quantscope",
			Subsystem: serviceName,
			Name:      "sync_tickers_updated_total",
			Help:      "Tickers whose quotes were updated by sync runs",
		}),
		SyncTickersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quantscope",
			Subsystem: serviceName,
			Name:      "sync_tickers_failed_total",
			Help:      "Tickers whose fetch failed during sync runs",
		}),
		SyncRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quantscope",
			Subsystem: serviceName,
			Name:      "sync_run_duration_seconds",
			Help:      "Price sync run duration in seconds",
			Buckets:   []float64{0.1, 1, 5, 15, 60, 120, 300, 600},
		}),
		BackfillRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quantscope",
			Subsystem: serviceName,
			Name:      "backfill_runs_total",
			Help:      "Historical backfill runs by outcome",
		}, []string{"outcome"}),
		BackfillRecordsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quantscope",
			Subsystem: serviceName,
			Name:      "backfill_records_added_total",
			Help:      "Historical bars inserted by backfill runs",
		}),
	}
}

// Register 注册全部指标到指定 registry
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.ProviderCallsTotal,
		m.ProviderCallDuration,
		m.QuotaWaitDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.SyncRunsTotal,
		m.SyncTickersUpdated,
		m.SyncTickersFailed,
		m.SyncRunDuration,
		m.BackfillRunsTotal,
		m.BackfillRecordsAdded,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return nil
}

// Serve 启动独立的指标 HTTP 服务
func Serve(port int, path string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(context.Background(), "Metrics server stopped", "error", err)
		}
	}()

	return srv
}

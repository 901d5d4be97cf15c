// Package alphavantage 上游行情数据客户端。系统内与外部提供商的唯一接触点：
// 负责配额消耗、退避重试与错误分类。
package alphavantage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/bwils19/quantscope/internal/marketdata/domain"
	"github.com/bwils19/quantscope/pkg/logger"
	"github.com/bwils19/quantscope/pkg/metrics"
	"github.com/bwils19/quantscope/pkg/ratelimit"
)

// 上游 payload 的键名
const (
	keyGlobalQuote = "Global Quote"
	keyTimeSeries  = "Time Series (Daily)"
	keyErrMessage  = "Error Message"
	keyNote        = "Note"
	keyInformation = "Information"
)

// Config 客户端配置
type Config struct {
	APIKey         string
	BaseURL        string
	RequestTimeout time.Duration
	// MaxAttempts 单 ticker 的最大尝试次数（含首次）
	MaxAttempts int
}

// Client 限流的上游行情客户端。
// 每次调用先经过窗口限流器：配额耗尽时阻塞到窗口重置，请求只延迟不丢弃。
// 收到 429/5xx 视为配额立即耗尽（清零窗口剩余），随后指数退避重试。
type Client struct {
	http        *resty.Client
	apiKey      string
	limiter     ratelimit.QuotaLimiter
	cache       domain.PriceCache
	metrics     *metrics.Metrics
	maxAttempts int
}

// New 创建客户端。cache 可为 nil（不做旁路刷新），metrics 可为 nil。
func New(cfg Config, limiter ratelimit.QuotaLimiter, cache domain.PriceCache, m *metrics.Metrics) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, domain.ErrMissingAPIKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.alphavantage.co/query"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout)

	return &Client{
		http:        httpClient,
		apiKey:      cfg.APIKey,
		limiter:     limiter,
		cache:       cache,
		metrics:     m,
		maxAttempts: cfg.MaxAttempts,
	}, nil
}

// FetchQuote 抓取最新报价。成功时顺带刷新价格缓存，
// 保证同批次后续失败不会丢弃已到手的价格。
func (c *Client) FetchQuote(ctx context.Context, ticker string) (*domain.Quote, error) {
	payload, err := c.getWithRetry(ctx, "quote", map[string]string{
		"function": "GLOBAL_QUOTE",
		"symbol":   ticker,
	})
	if err != nil {
		return nil, err
	}

	raw, ok := payload[keyGlobalQuote]
	if !ok {
		return nil, &domain.MalformedResponseError{Ticker: ticker, Reason: "missing Global Quote key"}
	}
	var fields map[string]string
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &domain.MalformedResponseError{Ticker: ticker, Reason: "Global Quote is not an object of strings"}
	}
	if len(fields) == 0 {
		return nil, &domain.MalformedResponseError{Ticker: ticker, Reason: "empty Global Quote payload"}
	}

	quote, err := parseGlobalQuote(ticker, fields)
	if err != nil {
		return nil, err
	}

	// 旁路刷新缓存，后续批次失败不影响已抓到的价格
	if c.cache != nil {
		if cerr := c.cache.Upsert(ctx, quote); cerr != nil {
			logger.Warn(ctx, "Failed to refresh price cache after fetch", "ticker", ticker, "error", cerr)
		}
	}

	return quote, nil
}

// FetchDailySeries 抓取日线历史，按日期升序返回。
// full 为 true 时请求全量历史，否则请求最近约 100 个交易日。
func (c *Client) FetchDailySeries(ctx context.Context, ticker string, full bool) ([]*domain.HistoricalBar, error) {
	outputSize := "compact"
	if full {
		outputSize = "full"
	}

	payload, err := c.getWithRetry(ctx, "daily_series", map[string]string{
		"function":   "TIME_SERIES_DAILY_ADJUSTED",
		"symbol":     ticker,
		"outputsize": outputSize,
	})
	if err != nil {
		return nil, err
	}

	raw, ok := payload[keyTimeSeries]
	if !ok {
		return nil, &domain.MalformedResponseError{Ticker: ticker, Reason: "missing Time Series (Daily) key"}
	}
	var series map[string]map[string]string
	if err := json.Unmarshal(raw, &series); err != nil {
		return nil, &domain.MalformedResponseError{Ticker: ticker, Reason: "Time Series (Daily) has unexpected shape"}
	}

	bars := make([]*domain.HistoricalBar, 0, len(series))
	for dateStr, fields := range series {
		bar, err := parseDailyBar(ticker, dateStr, fields)
		if err != nil {
			// 单个坏行跳过，不放弃整个序列
			logger.Warn(ctx, "Skipping unparseable bar", "ticker", ticker, "date", dateStr, "error", err)
			continue
		}
		bars = append(bars, bar)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return bars, nil
}

// FetchOverview 抓取公司概况静态元数据
func (c *Client) FetchOverview(ctx context.Context, ticker string) (*domain.SecurityOverview, error) {
	payload, err := c.getWithRetry(ctx, "overview", map[string]string{
		"function": "OVERVIEW",
		"symbol":   ticker,
	})
	if err != nil {
		return nil, err
	}

	fields := make(map[string]string, len(payload))
	for k, v := range payload {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			fields[k] = s
		}
	}
	if fields["Symbol"] == "" {
		return nil, &domain.MalformedResponseError{Ticker: ticker, Reason: "missing Symbol in overview payload"}
	}

	overview := &domain.SecurityOverview{
		Ticker:   fields["Symbol"],
		Name:     fields["Name"],
		Exchange: fields["Exchange"],
		Currency: fields["Currency"],
		Sector:   fields["Sector"],
		Industry: fields["Industry"],
	}
	if v, err := decimal.NewFromString(fields["MarketCapitalization"]); err == nil {
		overview.MarketCap = v
	}
	if v, err := decimal.NewFromString(fields["SharesOutstanding"]); err == nil {
		overview.SharesOutstanding = v
	}
	return overview, nil
}

// getWithRetry 执行一次配额受控的 GET，对可重试错误做指数退避。
// schema 损坏的响应立即放弃，只有传输/配额类错误才重试。
func (c *Client) getWithRetry(ctx context.Context, endpoint string, params map[string]string) (map[string]json.RawMessage, error) {
	var payload map[string]json.RawMessage

	op := func() error {
		p, err := c.doGet(ctx, endpoint, params)
		if err != nil {
			if !domain.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		payload = p
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxAttempts-1)), ctx))
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return payload, nil
}

// doGet 单次请求：先占配额名额，再发起调用，最后分类响应。
func (c *Client) doGet(ctx context.Context, endpoint string, params map[string]string) (map[string]json.RawMessage, error) {
	waitStart := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.QuotaWaitDuration.Observe(time.Since(waitStart).Seconds())
	}

	query := make(map[string]string, len(params)+1)
	for k, v := range params {
		query[k] = v
	}
	query["apikey"] = c.apiKey

	callStart := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		Get("")
	if c.metrics != nil {
		c.metrics.ProviderCallDuration.Observe(time.Since(callStart).Seconds())
	}

	if err != nil {
		c.observe(endpoint, "network_error")
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientNetwork, err)
	}

	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		// 上游明确限流：本窗口剩余配额作废，等窗口重置再试
		c.limiter.Exhaust()
		c.observe(endpoint, "rate_limited")
		return nil, fmt.Errorf("%w: HTTP 429 from provider", domain.ErrQuotaExceeded)
	case resp.StatusCode() >= http.StatusInternalServerError:
		c.limiter.Exhaust()
		c.observe(endpoint, "server_error")
		return nil, fmt.Errorf("%w: HTTP %d from provider", domain.ErrTransientNetwork, resp.StatusCode())
	case resp.StatusCode() != http.StatusOK:
		c.observe(endpoint, "client_error")
		return nil, &domain.MalformedResponseError{
			Ticker: params["symbol"],
			Reason: fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode()),
		}
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		c.observe(endpoint, "malformed")
		return nil, &domain.MalformedResponseError{Ticker: params["symbol"], Reason: "response body is not a JSON object"}
	}

	// 限流提示以 JSON Note/Information 字段出现，HTTP 状态仍是 200
	if raw, ok := payload[keyNote]; ok {
		c.limiter.Exhaust()
		c.observe(endpoint, "rate_limited")
		return nil, fmt.Errorf("%w: %s", domain.ErrQuotaExceeded, truncate(string(raw), 120))
	}
	if raw, ok := payload[keyInformation]; ok {
		c.limiter.Exhaust()
		c.observe(endpoint, "rate_limited")
		return nil, fmt.Errorf("%w: %s", domain.ErrQuotaExceeded, truncate(string(raw), 120))
	}
	if raw, ok := payload[keyErrMessage]; ok {
		c.observe(endpoint, "malformed")
		return nil, &domain.MalformedResponseError{
			Ticker: params["symbol"],
			Reason: truncate(string(raw), 200),
		}
	}

	c.observe(endpoint, "ok")
	return payload, nil
}

func (c *Client) observe(endpoint, outcome string) {
	if c.metrics != nil {
		c.metrics.ProviderCallsTotal.WithLabelValues(endpoint, outcome).Inc()
	}
}

// parseGlobalQuote 解析 GLOBAL_QUOTE 字段集
func parseGlobalQuote(ticker string, fields map[string]string) (*domain.Quote, error) {
	price, err := decimal.NewFromString(fields["05. price"])
	if err != nil {
		return nil, &domain.MalformedResponseError{Ticker: ticker, Reason: "unparseable price field"}
	}
	prevClose, err := decimal.NewFromString(fields["08. previous close"])
	if err != nil {
		return nil, &domain.MalformedResponseError{Ticker: ticker, Reason: "unparseable previous close field"}
	}

	quote := &domain.Quote{
		Ticker:        ticker,
		CurrentPrice:  price,
		PreviousClose: prevClose,
		FetchedAt:     time.Now(),
	}

	if pct := strings.TrimSuffix(fields["10. change percent"], "%"); pct != "" {
		if v, err := decimal.NewFromString(pct); err == nil {
			quote.ChangePercent = v
		}
	}
	if day := fields["07. latest trading day"]; day != "" {
		if t, err := time.Parse("2006-01-02", day); err == nil {
			quote.TradingDay = t
		}
	}

	return quote, nil
}

// parseDailyBar 解析单个日线条目
func parseDailyBar(ticker, dateStr string, fields map[string]string) (*domain.HistoricalBar, error) {
	date, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		return nil, fmt.Errorf("invalid bar date %q: %w", dateStr, err)
	}

	open, err := decimal.NewFromString(fields["1. open"])
	if err != nil {
		return nil, fmt.Errorf("invalid open: %w", err)
	}
	high, err := decimal.NewFromString(fields["2. high"])
	if err != nil {
		return nil, fmt.Errorf("invalid high: %w", err)
	}
	low, err := decimal.NewFromString(fields["3. low"])
	if err != nil {
		return nil, fmt.Errorf("invalid low: %w", err)
	}
	closePrice, err := decimal.NewFromString(fields["4. close"])
	if err != nil {
		return nil, fmt.Errorf("invalid close: %w", err)
	}

	bar := &domain.HistoricalBar{
		Ticker: ticker,
		Date:   date,
		Open:   open,
		High:   high,
		Low:    low,
		Close:  closePrice,
	}

	if adj, err := decimal.NewFromString(fields["5. adjusted close"]); err == nil {
		bar.AdjustedClose = adj
	} else {
		bar.AdjustedClose = closePrice
	}
	if vol, err := decimal.NewFromString(fields["6. volume"]); err == nil {
		bar.Volume = vol.IntPart()
	}

	return bar, nil
}

func truncate(s string, n int) string {
	s = strings.Trim(s, `"`)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

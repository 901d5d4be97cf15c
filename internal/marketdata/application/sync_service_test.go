package application

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bwils19/quantscope/internal/marketdata/calendar"
	"github.com/bwils19/quantscope/internal/marketdata/domain"
)

// 测试时钟：2025-06-10（周二）10:00 美东，常规交易时段内
func marketOpenClock(t *testing.T) func() time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	now := time.Date(2025, 6, 10, 10, 0, 0, 0, loc)
	return func() time.Time { return now }
}

func testCalendar(t *testing.T) *calendar.Calendar {
	t.Helper()
	cal, err := calendar.New(0)
	if err != nil {
		t.Fatalf("calendar.New failed: %v", err)
	}
	return cal
}

type fakeProvider struct {
	mu      sync.Mutex
	calls   int
	failing map[string]error
	series  map[string][]*domain.HistoricalBar
}

func (f *fakeProvider) FetchQuote(_ context.Context, ticker string) (*domain.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.failing[ticker]; ok {
		return nil, err
	}
	return &domain.Quote{
		Ticker:        ticker,
		CurrentPrice:  decimal.NewFromInt(100),
		PreviousClose: decimal.NewFromInt(99),
		FetchedAt:     time.Now(),
	}, nil
}

func (f *fakeProvider) FetchDailySeries(_ context.Context, ticker string, _ bool) ([]*domain.HistoricalBar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.failing[ticker]; ok {
		return nil, err
	}
	return f.series[ticker], nil
}

func (f *fakeProvider) FetchOverview(_ context.Context, ticker string) (*domain.SecurityOverview, error) {
	return &domain.SecurityOverview{Ticker: ticker}, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memPriceCache struct {
	mu     sync.Mutex
	quotes map[string]*domain.Quote
}

func newMemPriceCache() *memPriceCache {
	return &memPriceCache{quotes: make(map[string]*domain.Quote)}
}

func (m *memPriceCache) Get(_ context.Context, ticker string) (*domain.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quotes[ticker], nil
}

func (m *memPriceCache) GetBatch(_ context.Context, tickers []string) (map[string]*domain.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*domain.Quote, len(tickers))
	for _, t := range tickers {
		out[t] = m.quotes[t]
	}
	return out, nil
}

func (m *memPriceCache) Upsert(_ context.Context, quote *domain.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[quote.Ticker] = quote
	return nil
}

type memQuoteRepo struct {
	mu         sync.Mutex
	saved      map[string]*domain.Quote
	failTicker string
	batches    int
}

func newMemQuoteRepo() *memQuoteRepo {
	return &memQuoteRepo{saved: make(map[string]*domain.Quote)}
}

func (m *memQuoteRepo) Get(_ context.Context, ticker string) (*domain.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.saved[ticker]
	if !ok {
		return nil, domain.ErrQuoteNotFound
	}
	return q, nil
}

func (m *memQuoteRepo) GetBatch(_ context.Context, tickers []string) (map[string]*domain.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*domain.Quote)
	for _, t := range tickers {
		if q, ok := m.saved[t]; ok {
			out[t] = q
		}
	}
	return out, nil
}

func (m *memQuoteRepo) Save(_ context.Context, quote *domain.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[quote.Ticker] = quote
	return nil
}

// SaveBatch 事务语义：批内出现 failTicker 时整批失败，一行都不落
func (m *memQuoteRepo) SaveBatch(_ context.Context, quotes []*domain.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	for _, q := range quotes {
		if q.Ticker == m.failTicker {
			return &domain.PersistenceError{Op: "quote batch upsert", Err: errors.New("deadlock")}
		}
	}
	for _, q := range quotes {
		m.saved[q.Ticker] = q
	}
	return nil
}

type recordingRecomputer struct {
	mu      sync.Mutex
	tickers []string
	calls   int
}

func (r *recordingRecomputer) RecomputeForTickers(_ context.Context, tickers []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.tickers = append(r.tickers, tickers...)
	return nil
}

type recordingProducer struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingProducer) SendMessage(_ context.Context, topic string, _ string, _ interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func TestSyncPricesPartialFailure(t *testing.T) {
	provider := &fakeProvider{failing: map[string]error{
		"FAIL1": domain.ErrTransientNetwork,
		"FAIL2": &domain.MalformedResponseError{Ticker: "FAIL2", Reason: "empty payload"},
		"FAIL3": domain.ErrQuotaExceeded,
	}}
	repo := newMemQuoteRepo()
	recomputer := &recordingRecomputer{}

	svc := NewSyncService(provider, nil, repo, testCalendar(t), nil, recomputer, nil, nil, SyncConfig{})
	svc.SetClock(marketOpenClock(t))

	tickers := []string{"AAPL", "MSFT", "GOOG", "AMZN", "META", "NVDA", "TSLA", "FAIL1", "FAIL2", "FAIL3"}
	result, err := svc.SyncPrices(context.Background(), tickers)
	if err != nil {
		t.Fatalf("SyncPrices returned error: %v", err)
	}

	if result.UpdatedCount != 7 {
		t.Fatalf("UpdatedCount = %d, want 7", result.UpdatedCount)
	}
	if len(result.FailedTickers) != 3 {
		t.Fatalf("FailedTickers = %v, want 3 entries", result.FailedTickers)
	}
	if !result.Success {
		t.Fatalf("run with partial failures must still be a success")
	}
	if len(repo.saved) != 7 {
		t.Fatalf("persisted quotes = %d, want 7", len(repo.saved))
	}
	if recomputer.calls != 1 {
		t.Fatalf("recomputer calls = %d, want 1", recomputer.calls)
	}
}

func TestSyncPricesServesFreshQuotesFromCache(t *testing.T) {
	clock := marketOpenClock(t)
	now := clock()
	tradingDay := time.Date(2025, 6, 10, 0, 0, 0, 0, now.Location())

	cache := newMemPriceCache()
	for _, ticker := range []string{"AAPL", "MSFT"} {
		cache.quotes[ticker] = &domain.Quote{
			Ticker:        ticker,
			CurrentPrice:  decimal.NewFromInt(100),
			PreviousClose: decimal.NewFromInt(99),
			TradingDay:    tradingDay,
			FetchedAt:     now.Add(-2 * time.Minute),
		}
	}

	provider := &fakeProvider{}
	repo := newMemQuoteRepo()

	svc := NewSyncService(provider, cache, repo, testCalendar(t), nil, nil, nil, nil, SyncConfig{})
	svc.SetClock(clock)

	result, err := svc.SyncPrices(context.Background(), []string{"AAPL", "MSFT"})
	if err != nil {
		t.Fatalf("SyncPrices returned error: %v", err)
	}

	if provider.callCount() != 0 {
		t.Fatalf("provider calls = %d, want 0 for fresh cached quotes", provider.callCount())
	}
	if result.UpdatedCount != 2 {
		t.Fatalf("UpdatedCount = %d, want 2", result.UpdatedCount)
	}
}

func TestSyncPricesRefetchesStaleQuotes(t *testing.T) {
	clock := marketOpenClock(t)
	now := clock()

	cache := newMemPriceCache()
	// 开市时段超过 TTL 的缓存报价必须重新抓取
	cache.quotes["AAPL"] = &domain.Quote{
		Ticker:    "AAPL",
		FetchedAt: now.Add(-30 * time.Minute),
	}

	provider := &fakeProvider{}
	repo := newMemQuoteRepo()

	svc := NewSyncService(provider, cache, repo, testCalendar(t), nil, nil, nil, nil, SyncConfig{
		CacheTTL: 10 * time.Minute,
	})
	svc.SetClock(clock)

	result, err := svc.SyncPrices(context.Background(), []string{"AAPL"})
	if err != nil {
		t.Fatalf("SyncPrices returned error: %v", err)
	}

	if provider.callCount() != 1 {
		t.Fatalf("provider calls = %d, want 1 for a stale quote", provider.callCount())
	}
	if result.UpdatedCount != 1 {
		t.Fatalf("UpdatedCount = %d, want 1", result.UpdatedCount)
	}
}

func TestSyncPricesFailedSubBatchRollsBack(t *testing.T) {
	provider := &fakeProvider{}
	repo := newMemQuoteRepo()
	repo.failTicker = "BAD"

	svc := NewSyncService(provider, nil, repo, testCalendar(t), nil, nil, nil, nil, SyncConfig{
		PersistBatchSize: 2,
	})
	svc.SetClock(marketOpenClock(t))

	result, err := svc.SyncPrices(context.Background(), []string{"AAPL", "MSFT", "BAD", "GOOG"})
	if err != nil {
		t.Fatalf("SyncPrices returned error: %v", err)
	}

	if result.UpdatedCount != 2 {
		t.Fatalf("UpdatedCount = %d, want 2 (one sub-batch rolled back)", result.UpdatedCount)
	}
	if len(result.FailedTickers) != 2 {
		t.Fatalf("FailedTickers = %v, want the 2 tickers of the failed sub-batch", result.FailedTickers)
	}
	if _, ok := repo.saved["BAD"]; ok {
		t.Fatalf("rolled back ticker must not be persisted")
	}
	if !result.Success {
		t.Fatalf("run with surviving sub-batches must still be a success")
	}
}

func TestSyncPricesAllFailed(t *testing.T) {
	provider := &fakeProvider{failing: map[string]error{
		"A": domain.ErrTransientNetwork,
		"B": domain.ErrTransientNetwork,
	}}
	repo := newMemQuoteRepo()

	svc := NewSyncService(provider, nil, repo, testCalendar(t), nil, nil, nil, nil, SyncConfig{})
	svc.SetClock(marketOpenClock(t))

	result, err := svc.SyncPrices(context.Background(), []string{"A", "B"})
	if err != nil {
		t.Fatalf("SyncPrices returned error: %v", err)
	}
	if result.Success {
		t.Fatalf("run where zero tickers updated must not be a success")
	}
	if result.UpdatedCount != 0 {
		t.Fatalf("UpdatedCount = %d, want 0", result.UpdatedCount)
	}
}

func TestSyncPricesDedupesTickers(t *testing.T) {
	provider := &fakeProvider{}
	repo := newMemQuoteRepo()

	svc := NewSyncService(provider, nil, repo, testCalendar(t), nil, nil, nil, nil, SyncConfig{})
	svc.SetClock(marketOpenClock(t))

	result, err := svc.SyncPrices(context.Background(), []string{"AAPL", "AAPL", "", "AAPL"})
	if err != nil {
		t.Fatalf("SyncPrices returned error: %v", err)
	}
	if provider.callCount() != 1 {
		t.Fatalf("provider calls = %d, want 1 for duplicated input", provider.callCount())
	}
	if result.UpdatedCount != 1 {
		t.Fatalf("UpdatedCount = %d, want 1", result.UpdatedCount)
	}
}

func TestSyncPricesPublishesEvent(t *testing.T) {
	provider := &fakeProvider{}
	repo := newMemQuoteRepo()
	producer := &recordingProducer{}
	recomputer := &recordingRecomputer{}

	svc := NewSyncService(provider, nil, repo, testCalendar(t), nil, recomputer, producer, nil, SyncConfig{})
	svc.SetClock(marketOpenClock(t))

	if _, err := svc.SyncPrices(context.Background(), []string{"AAPL", "MSFT"}); err != nil {
		t.Fatalf("SyncPrices returned error: %v", err)
	}

	if len(producer.topics) != 1 || producer.topics[0] != TopicPricesUpdated {
		t.Fatalf("published topics = %v, want [%s]", producer.topics, TopicPricesUpdated)
	}

	sort.Strings(recomputer.tickers)
	if len(recomputer.tickers) != 2 {
		t.Fatalf("recomputed tickers = %v, want both updated tickers", recomputer.tickers)
	}
}

func TestSyncPricesEmptyInput(t *testing.T) {
	svc := NewSyncService(&fakeProvider{}, nil, newMemQuoteRepo(), testCalendar(t), nil, nil, nil, nil, SyncConfig{})
	svc.SetClock(marketOpenClock(t))

	result, err := svc.SyncPrices(context.Background(), nil)
	if err != nil {
		t.Fatalf("SyncPrices returned error: %v", err)
	}
	if !result.Success || result.UpdatedCount != 0 {
		t.Fatalf("empty input should be a trivially successful run, got %+v", result)
	}
}

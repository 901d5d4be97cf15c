package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/bwils19/quantscope/internal/marketdata/application"
	"github.com/bwils19/quantscope/internal/marketdata/calendar"
	"github.com/bwils19/quantscope/internal/marketdata/domain"
)

type stubProvider struct{}

func (stubProvider) FetchQuote(_ context.Context, ticker string) (*domain.Quote, error) {
	return &domain.Quote{
		Ticker:        ticker,
		CurrentPrice:  decimal.NewFromInt(100),
		PreviousClose: decimal.NewFromInt(99),
		FetchedAt:     time.Now(),
	}, nil
}

func (stubProvider) FetchDailySeries(context.Context, string, bool) ([]*domain.HistoricalBar, error) {
	return nil, nil
}

func (stubProvider) FetchOverview(_ context.Context, ticker string) (*domain.SecurityOverview, error) {
	return &domain.SecurityOverview{Ticker: ticker}, nil
}

type stubQuoteRepo struct {
	quotes map[string]*domain.Quote
}

func (s *stubQuoteRepo) Get(_ context.Context, ticker string) (*domain.Quote, error) {
	if q, ok := s.quotes[ticker]; ok {
		return q, nil
	}
	return nil, domain.ErrQuoteNotFound
}

func (s *stubQuoteRepo) GetBatch(_ context.Context, tickers []string) (map[string]*domain.Quote, error) {
	out := make(map[string]*domain.Quote)
	for _, t := range tickers {
		if q, ok := s.quotes[t]; ok {
			out[t] = q
		}
	}
	return out, nil
}

func (s *stubQuoteRepo) Save(_ context.Context, q *domain.Quote) error {
	s.quotes[q.Ticker] = q
	return nil
}

func (s *stubQuoteRepo) SaveBatch(_ context.Context, quotes []*domain.Quote) error {
	for _, q := range quotes {
		s.quotes[q.Ticker] = q
	}
	return nil
}

type stubBarRepo struct{}

func (stubBarRepo) InsertIgnore(context.Context, []*domain.HistoricalBar) (int64, error) {
	return 0, nil
}

func (stubBarRepo) Upsert(context.Context, []*domain.HistoricalBar) (int64, error) {
	return 0, nil
}

func (stubBarRepo) LatestDates(context.Context) (map[string]time.Time, error) {
	return map[string]time.Time{}, nil
}

func (stubBarRepo) Range(context.Context, string, time.Time, time.Time) ([]*domain.HistoricalBar, error) {
	return nil, nil
}

type stubLogRepo struct {
	logs []*domain.UpdateLog
}

func (s *stubLogRepo) Create(_ context.Context, log *domain.UpdateLog) error {
	log.ID = uint(len(s.logs) + 1)
	s.logs = append(s.logs, log)
	return nil
}

func (s *stubLogRepo) Finish(context.Context, *domain.UpdateLog) error { return nil }

func (s *stubLogRepo) Recent(_ context.Context, limit int) ([]*domain.UpdateLog, error) {
	if limit > len(s.logs) {
		limit = len(s.logs)
	}
	return s.logs[:limit], nil
}

type stubUniverse struct{}

func (stubUniverse) DistinctTickers(context.Context) ([]string, error) {
	return []string{"AAPL"}, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *stubQuoteRepo) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cal, err := calendar.New(0)
	if err != nil {
		t.Fatalf("calendar.New failed: %v", err)
	}

	quoteRepo := &stubQuoteRepo{quotes: make(map[string]*domain.Quote)}
	logRepo := &stubLogRepo{}

	syncSvc := application.NewSyncService(stubProvider{}, nil, quoteRepo, cal, nil, nil, nil, nil, application.SyncConfig{})

	backfillSvc := application.NewBackfillService(stubProvider{}, stubBarRepo{}, logRepo, stubUniverse{}, cal, nil, nil, nil)
	// 周六中午：最终化闸门关闭
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	backfillSvc.SetClock(func() time.Time {
		return time.Date(2025, 6, 14, 12, 0, 0, 0, loc)
	})

	query := application.NewMarketDataQuery(nil, quoteRepo, logRepo, cal)

	router := gin.New()
	handler := NewMarketDataHandler(syncSvc, backfillSvc, query)
	handler.RegisterRoutes(router.Group("/api"))
	return router, quoteRepo
}

func TestTriggerSyncValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/marketdata/sync", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a request without tickers", w.Code)
	}
}

func TestTriggerSyncReturnsResult(t *testing.T) {
	router, quoteRepo := newTestRouter(t)

	body := `{"tickers": ["AAPL", "MSFT"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/marketdata/sync", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", w.Code, w.Body.String())
	}

	var result application.SyncResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if result.UpdatedCount != 2 {
		t.Fatalf("UpdatedCount = %d, want 2", result.UpdatedCount)
	}
	if !result.Success {
		t.Fatalf("Success = false, want true")
	}
	if len(quoteRepo.quotes) != 2 {
		t.Fatalf("persisted quotes = %d, want 2", len(quoteRepo.quotes))
	}
}

func TestTriggerBackfillGateClosed(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/marketdata/backfill", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", w.Code, w.Body.String())
	}

	var result application.BackfillResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if result.Skipped == "" {
		t.Fatalf("weekend backfill should report a skip reason, body: %s", w.Body.String())
	}
}

func TestGetQuote(t *testing.T) {
	router, quoteRepo := newTestRouter(t)
	quoteRepo.quotes["AAPL"] = &domain.Quote{
		Ticker:        "AAPL",
		CurrentPrice:  decimal.NewFromInt(123),
		PreviousClose: decimal.NewFromInt(120),
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/marketdata/quote?ticker=AAPL", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/marketdata/quote?ticker=NOPE", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for unknown ticker", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/marketdata/quote", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without a ticker param", w.Code)
	}
}

func TestCalendarStatusEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/marketdata/calendar/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var status application.CalendarStatus
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if status.LastCompletedTradingDay == "" {
		t.Fatalf("LastCompletedTradingDay missing from response")
	}
}

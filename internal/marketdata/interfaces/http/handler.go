// Package http 行情数据服务的 HTTP 触发与查询接口
package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bwils19/quantscope/internal/marketdata/application"
)

// MarketDataHandler 行情数据的 gin handler。
// 同步与回补端点是幂等、可安全重复调用的触发入口，调度器（定时器或
// 上传完成回调）只负责调用，不持有任何状态。
type MarketDataHandler struct {
	sync     *application.SyncService
	backfill *application.BackfillService
	query    *application.MarketDataQuery
}

// NewMarketDataHandler 创建 handler
func NewMarketDataHandler(
	sync *application.SyncService,
	backfill *application.BackfillService,
	query *application.MarketDataQuery,
) *MarketDataHandler {
	return &MarketDataHandler{sync: sync, backfill: backfill, query: query}
}

// RegisterRoutes 注册路由
func (h *MarketDataHandler) RegisterRoutes(r *gin.RouterGroup) {
	v1 := r.Group("/v1/marketdata")
	{
		v1.POST("/sync", h.TriggerSync)
		v1.POST("/backfill", h.TriggerBackfill)
		v1.GET("/quote", h.GetQuote)
		v1.GET("/updates", h.RecentUpdates)
		v1.GET("/calendar/status", h.CalendarStatus)
	}
}

type syncRequest struct {
	Tickers []string `json:"tickers" binding:"required"`
	// TimeoutSeconds 整体 deadline，0 表示不限制
	TimeoutSeconds int `json:"timeout_seconds"`
}

// TriggerSync 触发一次价格同步
func (h *MarketDataHandler) TriggerSync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	result, err := h.sync.SyncPrices(ctx, req.Tickers)
	if err != nil && result == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// deadline 到期也返回部分结果
	c.JSON(http.StatusOK, result)
}

// TriggerBackfill 触发一次历史数据回补，?force=true 跳过最终化闸门
func (h *MarketDataHandler) TriggerBackfill(c *gin.Context) {
	force := c.Query("force") == "true"

	result, err := h.backfill.RunBackfill(c.Request.Context(), force)
	if err != nil && result == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetQuote 查询单个 ticker 的最新报价
func (h *MarketDataHandler) GetQuote(c *gin.Context) {
	ticker := c.Query("ticker")
	if ticker == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ticker is required"})
		return
	}

	quote, err := h.query.GetQuote(c.Request.Context(), ticker)
	if err != nil {
		if application.IsQuoteMissing(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "quote not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, quote)
}

// RecentUpdates 查询最近的回补运行记录
func (h *MarketDataHandler) RecentUpdates(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	logs, err := h.query.RecentUpdates(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updates": logs})
}

// CalendarStatus 查询市场日历当前状态
func (h *MarketDataHandler) CalendarStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.query.GetCalendarStatus(time.Now()))
}

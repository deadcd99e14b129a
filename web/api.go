package web

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quantexec/config"
	"quantexec/database"
	"quantexec/executor"
	"quantexec/logger"
	"quantexec/recon"
	"quantexec/trader"
)

// ExecutionService 执行服务接口（由执行编排器实现）
type ExecutionService interface {
	HandleExecutionRequest(ctx context.Context, req *executor.Request, clientIP string) *executor.Response
	ListOpenPositions(ctx context.Context) map[string]*trader.Position
	TriggerReconciliation(ctx context.Context) recon.Summary
}

// EventStore 执行事件查询接口（由数据库实现）
type EventStore interface {
	GetExecutionEvents(ctx context.Context, filter *database.EventFilter) ([]*database.ExecutionEvent, error)
}

// SetupRoutes 设置路由
func SetupRoutes(r *gin.Engine, cfg *config.Config, svc ExecutionService, events EventStore) {
	// Prometheus metrics 端点（不需要认证，供 Prometheus 抓取）
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 健康检查（不需要认证）
	r.GET("/api/health", handleHealth(cfg))

	// API 路由（配置了共享密钥时启用认证）
	api := r.Group("/api")
	api.Use(apiKeyMiddleware(cfg.Server.APIKey))
	{
		api.POST("/execute", handleExecute(cfg, svc))
		api.GET("/positions", handlePositions(svc))
		api.POST("/update-pnl", handleUpdatePnl(svc))
		api.GET("/settings", handleSettings(cfg))
		api.GET("/events", handleEvents(events))
	}
}

// apiKeyMiddleware X-API-Key 认证中间件，密钥未配置时直接放行
func apiKeyMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-API-Key") != apiKey {
			logger.Warn("⚠️ [Web] %s 认证失败: %s %s", c.ClientIP(), c.Request.Method, c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效的 API 密钥"})
			return
		}
		c.Next()
	}
}

// handleHealth 健康检查
func handleHealth(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":        "ok",
			"symbols":       cfg.SupportedSymbols(),
			"auth_required": cfg.Server.APIKey != "",
		})
	}
}

// handleExecute 处理执行请求
//
// 结构性校验失败返回 400 且不落事件；通过校验后交给执行编排器，
// 编排器保证返回时事件已是终态，响应统一 200 + 结构化结果。
func handleExecute(cfg *config.Config, svc ExecutionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req executor.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "请求体不是合法 JSON: " + err.Error()})
			return
		}

		action := strings.ToLower(strings.TrimSpace(req.Action))
		symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))

		if action == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 action 字段"})
			return
		}
		if symbol == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 symbol 字段"})
			return
		}
		if !strings.HasSuffix(symbol, "USDT") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "symbol 必须以 USDT 结尾"})
			return
		}
		if action == executor.ActionOpen && req.PositionType == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "open 请求缺少 position_type 字段"})
			return
		}
		if action == executor.ActionTrendTouch && len(req.AIDecision) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "trend_touch 请求缺少 ai_decision 字段"})
			return
		}

		resp := svc.HandleExecutionRequest(c.Request.Context(), &req, c.ClientIP())
		c.JSON(http.StatusOK, resp)
	}
}

// handlePositions 查询所有交易对的当前持仓
func handlePositions(svc ExecutionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		positions := svc.ListOpenPositions(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"positions": positions,
			"count":     len(positions),
		})
	}
}

// handleUpdatePnl 手动触发批量盈亏对账
func handleUpdatePnl(svc ExecutionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary := svc.TriggerReconciliation(c.Request.Context())
		c.JSON(http.StatusOK, summary)
	}
}

// handleEvents 查询执行事件审计记录
func handleEvents(events EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := &database.EventFilter{
			EventType: c.Query("event_type"),
			Symbol:    strings.ToUpper(c.Query("symbol")),
			Status:    c.Query("status"),
		}

		if startTimeStr := c.Query("start_time"); startTimeStr != "" {
			if t, err := time.Parse(time.RFC3339, startTimeStr); err == nil {
				filter.StartTime = &t
			}
		}
		if endTimeStr := c.Query("end_time"); endTimeStr != "" {
			if t, err := time.Parse(time.RFC3339, endTimeStr); err == nil {
				filter.EndTime = &t
			}
		}

		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		filter.Limit = limit
		filter.Offset = offset

		list, err := events.GetExecutionEvents(c.Request.Context(), filter)
		if err != nil {
			logger.Error("❌ [Web] 查询执行事件失败: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "查询执行事件失败"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"events": list,
			"count":  len(list),
		})
	}
}

// handleSettings 查询生效的交易配置（脱敏）
func handleSettings(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		settings := make(map[string]config.TradeSettings)
		for _, symbol := range cfg.SupportedSymbols() {
			settings[symbol] = cfg.SettingsFor(symbol)
		}

		c.JSON(http.StatusOK, gin.H{
			"testnet":  cfg.Bybit.Testnet,
			"symbols":  cfg.SupportedSymbols(),
			"settings": settings,
			"reconciliation": gin.H{
				"delay_seconds":      cfg.Reconciliation.DelaySeconds,
				"symbol_interval_ms": cfg.Reconciliation.SymbolIntervalMs,
				"lookback_hours":     cfg.Reconciliation.LookbackHours,
			},
		})
	}
}

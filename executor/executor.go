package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"quantexec/config"
	"quantexec/database"
	"quantexec/lock"
	"quantexec/logger"
	"quantexec/metrics"
	"quantexec/notify"
	"quantexec/recon"
	"quantexec/trader"
	"quantexec/utils"
)

// 请求动作
const (
	ActionOpen       = "open"
	ActionClose      = "close"
	ActionTrendTouch = "trend_touch"
)

// 事件类型
const (
	EventOpen       = "OPEN"
	EventClose      = "CLOSE"
	EventTrendTouch = "TREND_TOUCH"
)

// Request 执行请求（上游决策进程已验证过信号本身）
type Request struct {
	EventID      string                 `json:"event_id"`      // 可选，缺省时服务端生成
	Action       string                 `json:"action"`        // open / close / trend_touch
	Symbol       string                 `json:"symbol"`        // 必须以 USDT 结尾
	PositionType string                 `json:"position_type"` // open 必填: long / short
	AIDecision   map[string]interface{} `json:"ai_decision"`   // trend_touch 必填的顾问结论
}

// Response 执行响应（始终是结构化 JSON，不向上游抛异常）
type Response struct {
	EventID    string `json:"event_id"`
	Status     string `json:"status"` // SUCCESS / FAILED / SKIPPED / PARTIAL
	Symbol     string `json:"symbol"`
	Message    string `json:"message"`
	DurationMs int64  `json:"duration_ms"`
}

// Executor 执行编排器
//
// 每个请求是一次短生命周期状态机：
// 接收 → 事件落库(PENDING) → {SKIPPED|FAILED|PARTIAL|SUCCESS} → 事件终态更新。
// 终态更新恰好一次，panic 也会被兜住并落为 FAILED。
type Executor struct {
	db       database.Database
	registry *trader.Registry
	locks    lock.DistributedLock
	lockTTL  time.Duration
	recon    *recon.Reconciler
	notifier *notify.NotificationService
	pm       *metrics.PrometheusMetrics
}

// NewExecutor 创建执行编排器
func NewExecutor(db database.Database, registry *trader.Registry, locks lock.DistributedLock, lockTTL time.Duration, reconciler *recon.Reconciler, notifier *notify.NotificationService) *Executor {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Executor{
		db:       db,
		registry: registry,
		locks:    locks,
		lockTTL:  lockTTL,
		recon:    reconciler,
		notifier: notifier,
		pm:       metrics.GetPrometheusMetrics(),
	}
}

// eventTypeOf 请求动作到事件类型的映射
func eventTypeOf(action string) string {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case ActionOpen:
		return EventOpen
	case ActionClose:
		return EventClose
	case ActionTrendTouch:
		return EventTrendTouch
	default:
		return ""
	}
}

// HandleExecutionRequest 处理一次执行请求
//
// 同步执行到底，返回时事件已是终态。对账调度是唯一的异步尾巴。
func (e *Executor) HandleExecutionRequest(ctx context.Context, req *Request, clientIP string) *Response {
	start := time.Now()

	eventType := eventTypeOf(req.Action)
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	positionType := strings.ToLower(strings.TrimSpace(req.PositionType))

	// 事件ID：调用方提供则复用（幂等），否则生成
	eventID := strings.TrimSpace(req.EventID)
	if eventID == "" {
		eventID = uuid.NewString()
	}

	resp := &Response{EventID: eventID, Symbol: symbol}

	// 重复事件直接返回既有终态，不重复执行
	if existing, err := e.db.GetExecutionEvent(ctx, eventID); err == nil && existing != nil {
		resp.Status = existing.ExecStatus
		resp.Message = "重复事件，返回既有结果"
		resp.DurationMs = time.Since(start).Milliseconds()
		logger.Warn("⚠️ [Executor] 重复事件 %s，当前状态 %s", eventID, existing.ExecStatus)
		return resp
	}

	// 事件先行落库（PENDING），审计起点
	rawRequest, _ := json.Marshal(req)
	event := &database.ExecutionEvent{
		EventID:      eventID,
		EventType:    eventType,
		Symbol:       symbol,
		PositionType: positionType,
		ExecStatus:   database.ExecStatusPending,
		RequestTime:  start,
		RawRequest:   datatypes.JSON(rawRequest),
		RequestIP:    clientIP,
	}
	if err := e.db.SaveExecutionEvent(ctx, event); err != nil {
		// 审计写入失败是硬失败：没有事件行就没有后续的终态锚点
		logger.Error("❌ [Executor] 事件落库失败 %s: %v", eventID, err)
		resp.Status = database.ExecStatusFailed
		resp.Message = "事件落库失败"
		resp.DurationMs = time.Since(start).Milliseconds()
		return resp
	}

	// 终态更新恰好一次，panic 也会落为 FAILED
	finalize := func(status, message string) {
		resp.Status = status
		resp.Message = message
		resp.DurationMs = time.Since(start).Milliseconds()

		if err := e.db.FinalizeExecutionEvent(ctx, eventID, status, message, time.Now(), resp.DurationMs); err != nil {
			logger.Error("❌ [Executor] 事件终态更新失败 %s: %v", eventID, err)
		}
		e.pm.RecordExecution(eventType, symbol, status, time.Since(start))

		switch status {
		case database.ExecStatusFailed:
			e.alert(notify.AlertExecutionFailed, eventID, eventType, symbol, message)
		case database.ExecStatusPartial:
			e.alert(notify.AlertExecutionPartial, eventID, eventType, symbol, message)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("❌ [Executor] 事件 %s 执行时 panic: %v", eventID, r)
			finalize(database.ExecStatusFailed, fmt.Sprintf("内部错误: %v", r))
		}
	}()

	// 不支持的动作或交易对：事件已存在，落为 FAILED
	if eventType == "" {
		finalize(database.ExecStatusFailed, fmt.Sprintf("不支持的动作: %s", req.Action))
		return resp
	}
	t, ok := e.registry.Get(symbol)
	if !ok {
		finalize(database.ExecStatusFailed, fmt.Sprintf("不支持的交易对: %s", symbol))
		return resp
	}

	// 交易对锁：包住「读取持仓 → 决策 → 下单」临界区
	lockStart := time.Now()
	if err := e.locks.Lock(ctx, symbol, e.lockTTL); err != nil {
		e.pm.RecordLockAcquire(symbol, "failed")
		finalize(database.ExecStatusFailed, fmt.Sprintf("获取交易对锁失败: %v", err))
		return resp
	}
	e.pm.RecordLockAcquire(symbol, "success")
	defer func() {
		if err := e.locks.Unlock(ctx, symbol); err != nil {
			logger.Warn("⚠️ [Executor] WARN_LOCK_RELEASE %s 释放锁失败: %v", symbol, err)
		}
		e.pm.RecordLockHold(symbol, time.Since(lockStart))
	}()

	switch eventType {
	case EventOpen:
		status, message := e.openFlow(ctx, t, eventID, symbol, positionType)
		finalize(status, message)
	case EventClose:
		status, message := e.closeFlow(ctx, t, eventID, symbol, nil)
		finalize(status, message)
	case EventTrendTouch:
		status, message := e.trendTouchFlow(ctx, t, eventID, symbol, req.AIDecision)
		finalize(status, message)
	}

	return resp
}

// openFlow 开仓流程
//
// 同方向已有持仓 → SKIPPED；反方向持仓 → 先平后开（翻仓）。
// 翻仓中平仓失败 → FAILED 且不尝试开仓；平仓成功但开仓失败 → PARTIAL。
func (e *Executor) openFlow(ctx context.Context, t *trader.Trader, eventID, symbol, positionType string) (string, string) {
	if positionType != trader.PositionLong && positionType != trader.PositionShort {
		return database.ExecStatusFailed, fmt.Sprintf("开仓方向无效: %s", positionType)
	}

	position := t.GetCurrentPosition(ctx)

	// 同方向持仓：跳过
	if position != nil && position.PositionType == positionType {
		logger.Info("ℹ️ [Executor] %s 已持有 %s 仓位，跳过开仓", symbol, positionType)
		return database.ExecStatusSkipped, fmt.Sprintf("已持有 %s 仓位", positionType)
	}

	// 反方向持仓：先平仓（翻仓）
	flipped := false
	if position != nil {
		closeResult := t.ClosePosition(ctx)
		if !closeResult.Success {
			return database.ExecStatusFailed, fmt.Sprintf("翻仓平仓失败: %v", closeResult.Err)
		}
		if closeResult.Closed {
			flipped = true
			e.recordCloseTrade(ctx, eventID, symbol, position, t.Settings(), closeResult, nil)
		}
	}

	// 开新仓
	openResult := t.OpenPosition(ctx, positionType)
	if !openResult.Success {
		message := fmt.Sprintf("开仓失败(%s): %v", openResult.Reason, openResult.Err)
		if flipped {
			// 旧仓已平但新仓未建立，需要人工介入
			return database.ExecStatusPartial, "翻仓后" + message
		}
		return database.ExecStatusFailed, message
	}

	// 止盈止损尽力而为，失败不影响结果
	settings := t.Settings()
	tpsl := t.SetTpSl(ctx, openResult.EntryPrice, positionType)
	if !tpsl.Success {
		logger.Warn("⚠️ [Executor] WARN_TPSL_SET %s 止盈止损设置失败: %v", symbol, tpsl.Err)
	}

	// 写入持仓交易记录
	side := "Buy"
	if positionType == trader.PositionShort {
		side = "Sell"
	}
	openTrade := &database.Trade{
		TradeID:       uuid.NewString(),
		EventID:       eventID,
		Symbol:        symbol,
		OrderType:     "MARKET",
		Side:          side,
		PositionType:  positionType,
		Quantity:      openResult.Quantity,
		Price:         openResult.EntryPrice,
		Leverage:      settings.Leverage,
		OrderStatus:   database.OrderStatusOpen,
		BybitOrderID:  openResult.OrderID,
		ExecutionTime: time.Now(),
	}
	if tpsl.Success {
		openTrade.TakeProfit = &tpsl.TakeProfit
		openTrade.StopLoss = &tpsl.StopLoss
	}
	if err := e.db.SaveTrade(ctx, openTrade); err != nil {
		logger.Error("❌ [Executor] WARN_TRADE_PERSIST %s 持仓记录落库失败: %v", symbol, err)
	} else {
		e.pm.RecordTrade(symbol, side, database.OrderStatusOpen, openResult.Quantity)
	}

	if flipped {
		return database.ExecStatusSuccess, fmt.Sprintf("翻仓成功: %s @ %v", positionType, openResult.EntryPrice)
	}
	return database.ExecStatusSuccess, fmt.Sprintf("开仓成功: %s @ %v", positionType, openResult.EntryPrice)
}

// closeFlow 平仓流程
//
// 无持仓 → SKIPPED；平仓成功写入 FILLED 交易记录，
// 翻转旧持仓记录为 CLOSED（尽力而为），并调度延迟对账。
func (e *Executor) closeFlow(ctx context.Context, t *trader.Trader, eventID, symbol string, additionalInfo map[string]interface{}) (string, string) {
	position := t.GetCurrentPosition(ctx)
	if position == nil {
		logger.Info("ℹ️ [Executor] %s 无持仓，跳过平仓", symbol)
		return database.ExecStatusSkipped, "当前无持仓"
	}

	closeResult := t.ClosePosition(ctx)
	if !closeResult.Success {
		return database.ExecStatusFailed, fmt.Sprintf("平仓失败: %v", closeResult.Err)
	}
	if !closeResult.Closed {
		// 锁内读到持仓但平仓时已消失（例如止损触发），视为无操作
		return database.ExecStatusSkipped, "持仓已不存在"
	}

	e.recordCloseTrade(ctx, eventID, symbol, position, t.Settings(), closeResult, additionalInfo)
	return database.ExecStatusSuccess, fmt.Sprintf("平仓成功: %s size=%v @ %v",
		position.PositionType, closeResult.Quantity, closeResult.ClosePrice)
}

// trendTouchFlow 趋势触线流程：顾问结论为 yes 才平仓
func (e *Executor) trendTouchFlow(ctx context.Context, t *trader.Trader, eventID, symbol string, aiDecision map[string]interface{}) (string, string) {
	answer := ""
	if aiDecision != nil {
		if v, ok := aiDecision["Answer"].(string); ok {
			answer = v
		} else if v, ok := aiDecision["answer"].(string); ok {
			answer = v
		}
	}

	if !strings.EqualFold(strings.TrimSpace(answer), "yes") {
		logger.Info("ℹ️ [Executor] %s 顾问未建议平仓 (Answer=%q)，跳过", symbol, answer)
		return database.ExecStatusSkipped, "顾问未建议平仓"
	}

	// 顾问结论随交易记录持久化
	return e.closeFlow(ctx, t, eventID, symbol, map[string]interface{}{
		"ai_decision": aiDecision,
	})
}

// recordCloseTrade 写入平仓交易记录并调度对账
//
// 盈亏估算值只进附加信息，pnl 列留空等交易所结算值回填。
func (e *Executor) recordCloseTrade(ctx context.Context, eventID, symbol string, position *trader.Position, settings config.TradeSettings, closeResult trader.CloseResult, additionalInfo map[string]interface{}) {
	positionType := position.PositionType

	if additionalInfo == nil {
		additionalInfo = make(map[string]interface{})
	}
	if position.EntryPrice > 0 && closeResult.ClosePrice > 0 {
		additionalInfo["estimated_pnl"] = utils.CalculatePnl(
			position.EntryPrice, closeResult.ClosePrice, positionType, closeResult.Quantity, settings.Leverage)
	}

	var info datatypes.JSON
	if b, err := json.Marshal(additionalInfo); err == nil {
		info = datatypes.JSON(b)
	}

	closeTrade := &database.Trade{
		TradeID:        uuid.NewString(),
		EventID:        eventID,
		Symbol:         symbol,
		OrderType:      "MARKET",
		Side:           closeResult.Side,
		PositionType:   positionType,
		Quantity:       closeResult.Quantity,
		Price:          closeResult.ClosePrice,
		Leverage:       settings.Leverage,
		OrderStatus:    database.OrderStatusFilled,
		BybitOrderID:   closeResult.OrderID,
		AdditionalInfo: info,
		ExecutionTime:  time.Now(),
	}
	if err := e.db.SaveTrade(ctx, closeTrade); err != nil {
		logger.Error("❌ [Executor] WARN_TRADE_PERSIST %s 平仓记录落库失败: %v", symbol, err)
		return
	}
	e.pm.RecordTrade(symbol, closeResult.Side, database.OrderStatusFilled, closeResult.Quantity)

	// 翻转旧持仓记录为 CLOSED，失败只告警
	if prior, err := e.db.GetOpenTrade(ctx, symbol, positionType); err == nil && prior != nil {
		if err := e.db.UpdateTradeStatus(ctx, prior.TradeID, database.OrderStatusClosed); err != nil {
			logger.Warn("⚠️ [Executor] WARN_TRADE_FLIP %s 旧持仓记录 %s 状态翻转失败: %v", symbol, prior.TradeID, err)
		}
	} else if err != nil {
		logger.Warn("⚠️ [Executor] WARN_TRADE_FLIP %s 查询旧持仓记录失败: %v", symbol, err)
	}

	// 盈亏延迟结算，调度对账回填
	if e.recon != nil {
		e.recon.ScheduleTrade(closeTrade.TradeID, symbol, closeTrade.BybitOrderID)
	}
}

// alert 发送执行告警
func (e *Executor) alert(kind notify.AlertKind, eventID, eventType, symbol, message string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(&notify.Alert{
		Kind:      kind,
		EventID:   eventID,
		EventType: eventType,
		Symbol:    symbol,
		Message:   message,
	})
}

// ListOpenPositions 查询所有已注册交易对的当前持仓
func (e *Executor) ListOpenPositions(ctx context.Context) map[string]*trader.Position {
	positions := make(map[string]*trader.Position)
	for _, symbol := range e.registry.Symbols() {
		t, ok := e.registry.Get(symbol)
		if !ok {
			continue
		}
		if pos := t.GetCurrentPosition(ctx); pos != nil {
			positions[symbol] = pos
		}
	}
	return positions
}

// TriggerReconciliation 手动触发批量对账
func (e *Executor) TriggerReconciliation(ctx context.Context) recon.Summary {
	if e.recon == nil {
		return recon.Summary{}
	}
	return e.recon.RunAll(ctx)
}

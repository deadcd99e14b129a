package trader

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"quantexec/config"
	"quantexec/exchange/bybit"
	"quantexec/logger"
	"quantexec/utils"
)

// ExchangeClient 交易所客户端接口（bybit.Client 实现）
type ExchangeClient interface {
	GetInstruments(ctx context.Context, category, symbol string) ([]bybit.Instrument, error)
	GetTicker(ctx context.Context, category, symbol string) (*bybit.Ticker, error)
	GetPositions(ctx context.Context, category, symbol string) ([]bybit.Position, error)
	PlaceOrder(ctx context.Context, params map[string]interface{}) (*bybit.PlaceOrderResult, error)
	CancelAllOrders(ctx context.Context, category, symbol string) error
	SetLeverage(ctx context.Context, category, symbol string, leverage float64) error
	SetTradingStop(ctx context.Context, category, symbol, takeProfit, stopLoss string, positionIdx int) error
	GetBalance(ctx context.Context, accountType string) ([]bybit.Balance, error)
	GetClosedPnl(ctx context.Context, category, symbol string, startTime, endTime time.Time, limit int) ([]bybit.ClosedPnlRecord, error)
}

// 仓位方向
const (
	PositionLong  = "long"
	PositionShort = "short"
)

// Position 当前持仓（交易所是唯一事实来源，不落库）
type Position struct {
	Symbol        string  `json:"symbol"`
	PositionType  string  `json:"position_type"` // long / short
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealisedPnl float64 `json:"unrealised_pnl"`
	Leverage      float64 `json:"leverage"`
	TakeProfit    float64 `json:"take_profit"`
	StopLoss      float64 `json:"stop_loss"`
}

// OpenFailReason 开仓失败原因
type OpenFailReason string

const (
	OpenFailNone           OpenFailReason = ""                // 未失败
	OpenFailBalanceQuery   OpenFailReason = "BALANCE_QUERY"   // 余额查询失败
	OpenFailPriceQuery     OpenFailReason = "PRICE_QUERY"     // 行情查询失败
	OpenFailOrderRejected  OpenFailReason = "ORDER_REJECTED"  // 交易所拒单
	OpenFailPositionAbsent OpenFailReason = "POSITION_ABSENT" // 订单已受理但持仓未建立
)

// OpenResult 开仓结果
type OpenResult struct {
	Success    bool
	Reason     OpenFailReason
	OrderID    string
	Quantity   float64
	EntryPrice float64
	Err        error
}

// CloseResult 平仓结果
type CloseResult struct {
	Success    bool
	Closed     bool // false 表示本来就无持仓（无操作成功）
	Side       string
	Quantity   float64
	ClosePrice float64
	OrderID    string
	Err        error
}

// TpSlResult 止盈止损设置结果
type TpSlResult struct {
	Success    bool
	TakeProfit float64
	StopLoss   float64
	Err        error
}

// instrumentMeta 合约精度缓存
type instrumentMeta struct {
	tickSize float64
	qtyStep  float64
	minQty   float64
	maxQty   float64
}

// Trader 单交易对交易门面
//
// 持有交易所客户端、交易参数和合约精度缓存。精度在构造时拉取一次，
// 刷新失败时记录日志并沿用旧缓存。
type Trader struct {
	symbol string
	client ExchangeClient

	mu       sync.RWMutex
	settings config.TradeSettings
	meta     instrumentMeta
}

// NewTrader 创建交易门面并拉取合约精度
func NewTrader(ctx context.Context, symbol string, client ExchangeClient, settings config.TradeSettings) (*Trader, error) {
	t := &Trader{
		symbol:   symbol,
		client:   client,
		settings: settings,
		meta: instrumentMeta{
			// 精度查询失败时的保守兜底
			tickSize: 0.01,
			qtyStep:  0.001,
			minQty:   0.001,
		},
	}

	if err := t.RefreshInstrument(ctx); err != nil {
		return nil, fmt.Errorf("拉取 %s 合约信息失败: %w", symbol, err)
	}

	logger.Info("✅ [Trader] %s 初始化完成 tick=%v step=%v min=%v max=%v",
		symbol, t.meta.tickSize, t.meta.qtyStep, t.meta.minQty, t.meta.maxQty)
	return t, nil
}

// Symbol 返回交易对
func (t *Trader) Symbol() string {
	return t.symbol
}

// Settings 返回当前生效的交易参数
func (t *Trader) Settings() config.TradeSettings {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.settings
}

// UpdateSettings 热更新交易参数
func (t *Trader) UpdateSettings(settings config.TradeSettings) {
	t.mu.Lock()
	t.settings = settings
	t.mu.Unlock()
	logger.Info("ℹ️ [Trader] %s 交易参数已更新 leverage=%v tp=%v%% sl=%v%%",
		t.symbol, settings.Leverage, settings.TakeProfitPercent, settings.StopLossPercent)
}

// RefreshInstrument 刷新合约精度缓存，失败时沿用旧值
func (t *Trader) RefreshInstrument(ctx context.Context) error {
	instruments, err := t.client.GetInstruments(ctx, bybit.CategoryLinear, t.symbol)
	if err != nil {
		logger.Warn("⚠️ [Trader] %s 刷新合约信息失败，沿用旧精度: %v", t.symbol, err)
		return err
	}
	if len(instruments) == 0 {
		logger.Warn("⚠️ [Trader] %s 合约信息为空，沿用旧精度", t.symbol)
		return fmt.Errorf("合约 %s 不存在", t.symbol)
	}

	inst := instruments[0]
	meta := instrumentMeta{
		tickSize: utils.SafeFloat(inst.PriceFilter.TickSize),
		qtyStep:  utils.SafeFloat(inst.LotSizeFilter.QtyStep),
		minQty:   utils.SafeFloat(inst.LotSizeFilter.MinOrderQty),
		maxQty:   utils.SafeFloat(inst.LotSizeFilter.MaxOrderQty),
	}
	if meta.tickSize <= 0 || meta.qtyStep <= 0 {
		logger.Warn("⚠️ [Trader] %s 合约精度不完整，沿用旧精度", t.symbol)
		return fmt.Errorf("合约 %s 精度信息不完整", t.symbol)
	}

	t.mu.Lock()
	t.meta = meta
	t.mu.Unlock()
	return nil
}

func (t *Trader) metadata() instrumentMeta {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.meta
}

// GetCurrentPosition 获取当前持仓
//
// 无持仓和查询失败都返回 nil；失败只记录日志，调用方按无持仓处理。
func (t *Trader) GetCurrentPosition(ctx context.Context) *Position {
	positions, err := t.client.GetPositions(ctx, bybit.CategoryLinear, t.symbol)
	if err != nil {
		logger.Error("❌ [Trader] %s 查询持仓失败: %v", t.symbol, err)
		return nil
	}

	for _, p := range positions {
		size := utils.SafeFloat(p.Size)
		if size <= 0 {
			continue
		}

		positionType := PositionLong
		if strings.EqualFold(p.Side, "Sell") {
			positionType = PositionShort
		}

		return &Position{
			Symbol:        t.symbol,
			PositionType:  positionType,
			Size:          size,
			EntryPrice:    utils.SafeFloat(p.AvgPrice),
			MarkPrice:     utils.SafeFloat(p.MarkPrice),
			UnrealisedPnl: utils.SafeFloat(p.UnrealisedPnl),
			Leverage:      utils.SafeFloat(p.Leverage),
			TakeProfit:    utils.SafeFloat(p.TakeProfit),
			StopLoss:      utils.SafeFloat(p.StopLoss),
		}
	}

	return nil
}

// OpenPosition 市价开仓
//
// 流程：设置杠杆（失败仅告警）→ 查余额 → 查行情 → 计算数量 → 市价单 →
// 等待结算 → 重读持仓确认。订单被受理但持仓未建立是独立的失败原因。
func (t *Trader) OpenPosition(ctx context.Context, positionType string) OpenResult {
	settings := t.Settings()
	meta := t.metadata()

	// 设置杠杆（重复设置同一杠杆已在客户端视为成功）
	if err := t.client.SetLeverage(ctx, bybit.CategoryLinear, t.symbol, settings.Leverage); err != nil {
		logger.Warn("⚠️ [Trader] %s 设置杠杆失败，继续开仓: %v", t.symbol, err)
	}

	// 查询可用余额
	balances, err := t.client.GetBalance(ctx, "UNIFIED")
	if err != nil || len(balances) == 0 {
		logger.Error("❌ [Trader] %s 查询余额失败: %v", t.symbol, err)
		return OpenResult{Reason: OpenFailBalanceQuery, Err: fmt.Errorf("查询余额失败: %w", err)}
	}
	available := utils.SafeFloat(balances[0].TotalAvailableBalance)

	// 查询当前价格
	ticker, err := t.client.GetTicker(ctx, bybit.CategoryLinear, t.symbol)
	if err != nil {
		logger.Error("❌ [Trader] %s 查询行情失败: %v", t.symbol, err)
		return OpenResult{Reason: OpenFailPriceQuery, Err: fmt.Errorf("查询行情失败: %w", err)}
	}
	price := utils.SafeFloat(ticker.LastPrice)

	// 计算下单数量
	var qty float64
	if settings.SizingMode == "fixed" {
		qty = utils.CalculateFixedQuantity(settings.FixedAmount, settings.Leverage, price,
			meta.minQty, meta.qtyStep, meta.maxQty)
	} else {
		qty = utils.CalculateOrderQuantity(available, settings.SizePercent, settings.Leverage, price,
			meta.minQty, meta.qtyStep, meta.maxQty)
	}

	side := "Buy"
	if positionType == PositionShort {
		side = "Sell"
	}

	logger.Info("📊 [Trader] %s 开仓 %s qty=%s price=%v balance=%v leverage=%v",
		t.symbol, positionType, utils.FormatNumber(qty, meta.qtyStep), price, available, settings.Leverage)

	// 市价下单
	order, err := t.client.PlaceOrder(ctx, map[string]interface{}{
		"category":  bybit.CategoryLinear,
		"symbol":    t.symbol,
		"side":      side,
		"orderType": "Market",
		"qty":       utils.FormatNumber(qty, meta.qtyStep),
	})
	if err != nil {
		logger.Error("❌ [Trader] %s 开仓下单被拒: %v", t.symbol, err)
		return OpenResult{Reason: OpenFailOrderRejected, Err: fmt.Errorf("开仓下单失败: %w", err)}
	}

	// 等待市价单结算
	if settings.SettleWaitSeconds > 0 {
		time.Sleep(time.Duration(settings.SettleWaitSeconds) * time.Second)
	}

	// 重读持仓确认建仓
	position := t.GetCurrentPosition(ctx)
	if position == nil || position.PositionType != positionType {
		logger.Error("❌ [Trader] %s 订单已受理但持仓未建立 orderId=%s", t.symbol, order.OrderId)
		return OpenResult{
			Reason:  OpenFailPositionAbsent,
			OrderID: order.OrderId,
			Err:     fmt.Errorf("订单已执行但持仓未建立"),
		}
	}

	logger.Info("✅ [Trader] %s 开仓成功 %s size=%v entry=%v orderId=%s",
		t.symbol, positionType, position.Size, position.EntryPrice, order.OrderId)
	return OpenResult{
		Success:    true,
		OrderID:    order.OrderId,
		Quantity:   position.Size,
		EntryPrice: position.EntryPrice,
	}
}

// ClosePosition 市价平仓并撤销残留挂单
//
// 无持仓时返回无操作成功。平仓价取当前市场价（市价单的近似成交价）。
func (t *Trader) ClosePosition(ctx context.Context) CloseResult {
	position := t.GetCurrentPosition(ctx)
	if position == nil {
		return CloseResult{Success: true, Closed: false}
	}

	meta := t.metadata()

	// 反向市价单平掉全部持仓
	side := "Sell"
	if position.PositionType == PositionShort {
		side = "Buy"
	}

	order, err := t.client.PlaceOrder(ctx, map[string]interface{}{
		"category":   bybit.CategoryLinear,
		"symbol":     t.symbol,
		"side":       side,
		"orderType":  "Market",
		"qty":        utils.FormatNumber(position.Size, meta.qtyStep),
		"reduceOnly": true,
	})
	if err != nil {
		logger.Error("❌ [Trader] %s 平仓下单失败: %v", t.symbol, err)
		return CloseResult{Err: fmt.Errorf("平仓下单失败: %w", err)}
	}

	// 撤销残留挂单（止盈止损等），失败仅告警
	if err := t.client.CancelAllOrders(ctx, bybit.CategoryLinear, t.symbol); err != nil {
		logger.Warn("⚠️ [Trader] %s 撤销残留挂单失败: %v", t.symbol, err)
	}

	// 平仓价取当前市场价
	closePrice := position.MarkPrice
	if ticker, err := t.client.GetTicker(ctx, bybit.CategoryLinear, t.symbol); err == nil {
		closePrice = utils.SafeFloat(ticker.LastPrice)
	}

	logger.Info("✅ [Trader] %s 平仓成功 %s size=%v price=%v orderId=%s",
		t.symbol, position.PositionType, position.Size, closePrice, order.OrderId)
	return CloseResult{
		Success:    true,
		Closed:     true,
		Side:       side,
		Quantity:   position.Size,
		ClosePrice: closePrice,
		OrderID:    order.OrderId,
	}
}

// SetTpSl 按开仓价设置止盈止损
//
// 多头：tp = entry * (1 + tp%/100)，sl = entry * (1 - sl%/100)；空头镜像。
// 失败不影响主流程，由调用方决定是否告警。
func (t *Trader) SetTpSl(ctx context.Context, entryPrice float64, positionType string) TpSlResult {
	settings := t.Settings()
	meta := t.metadata()

	var tp, sl float64
	if positionType == PositionShort {
		tp = entryPrice * (1 - settings.TakeProfitPercent/100)
		sl = entryPrice * (1 + settings.StopLossPercent/100)
	} else {
		tp = entryPrice * (1 + settings.TakeProfitPercent/100)
		sl = entryPrice * (1 - settings.StopLossPercent/100)
	}
	tp = utils.RoundToTick(tp, meta.tickSize)
	sl = utils.RoundToTick(sl, meta.tickSize)

	err := t.client.SetTradingStop(ctx, bybit.CategoryLinear, t.symbol,
		utils.FormatNumber(tp, meta.tickSize), utils.FormatNumber(sl, meta.tickSize), 0)
	if err != nil {
		return TpSlResult{TakeProfit: tp, StopLoss: sl, Err: fmt.Errorf("设置止盈止损失败: %w", err)}
	}

	logger.Info("✅ [Trader] %s 止盈止损已设置 tp=%v sl=%v", t.symbol, tp, sl)
	return TpSlResult{Success: true, TakeProfit: tp, StopLoss: sl}
}

// ClosedPnl 查询已结算盈亏记录
func (t *Trader) ClosedPnl(ctx context.Context, since, until time.Time) ([]bybit.ClosedPnlRecord, error) {
	return t.client.GetClosedPnl(ctx, bybit.CategoryLinear, t.symbol, since, until, 100)
}

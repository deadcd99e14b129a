package recon

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/time/rate"
	"gorm.io/datatypes"

	"quantexec/database"
	"quantexec/logger"
	"quantexec/metrics"
	"quantexec/trader"
	"quantexec/utils"
)

// Config 对账配置
type Config struct {
	Delay          time.Duration // 平仓后延迟对账的时间
	SymbolInterval time.Duration // 批量对账时相邻币种查询的最小间隔
	Lookback       time.Duration // 已结算盈亏查询回看窗口
}

// Summary 一次批量对账的统计
type Summary struct {
	Scanned   int `json:"scanned"`
	Matched   int `json:"matched"`
	Unmatched int `json:"unmatched"`
	Errors    int `json:"errors"`
}

// Reconciler 盈亏对账器
//
// 交易所在平仓后延迟结算盈亏，所以平仓时交易记录的 pnl 先留空，
// 由对账器事后从已结算盈亏历史中按交易所订单号回填。
// 两条路径：平仓后的单笔延迟对账（fire-and-forget），和手动触发的批量对账。
// 对账是幂等的：已有 pnl 的记录直接跳过，未匹配的留给下一轮。
type Reconciler struct {
	db       database.Database
	registry *trader.Registry
	cfg      Config
	limiter  *rate.Limiter
	pm       *metrics.PrometheusMetrics
}

// NewReconciler 创建对账器
func NewReconciler(db database.Database, registry *trader.Registry, cfg Config) *Reconciler {
	if cfg.Delay <= 0 {
		cfg.Delay = time.Minute
	}
	if cfg.SymbolInterval <= 0 {
		cfg.SymbolInterval = 500 * time.Millisecond
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}

	return &Reconciler{
		db:       db,
		registry: registry,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(cfg.SymbolInterval), 1),
		pm:       metrics.GetPrometheusMetrics(),
	}
}

// ScheduleTrade 平仓后调度单笔延迟对账（fire-and-forget）
//
// 对账失败只记录日志，该笔记录留给下一次批量对账。
func (r *Reconciler) ScheduleTrade(tradeID, symbol, bybitOrderID string) {
	if bybitOrderID == "" {
		logger.Warn("⚠️ [Recon] %s 交易记录 %s 缺少交易所订单号，跳过延迟对账", symbol, tradeID)
		return
	}

	logger.Info("ℹ️ [Recon] %s 交易记录 %s 将在 %v 后对账", symbol, tradeID, r.cfg.Delay)
	time.AfterFunc(r.cfg.Delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := r.reconcileOne(ctx, tradeID, symbol, bybitOrderID); err != nil {
			logger.Warn("⚠️ [Recon] %s 交易记录 %s 延迟对账失败，留待批量对账: %v", symbol, tradeID, err)
		}
	})
}

// reconcileOne 对账单笔交易记录
func (r *Reconciler) reconcileOne(ctx context.Context, tradeID, symbol, bybitOrderID string) error {
	trade, err := r.db.GetTrade(ctx, tradeID)
	if err != nil {
		return err
	}
	if trade == nil || trade.Pnl != nil {
		// 记录不存在或已对账，幂等跳过
		return nil
	}

	records, err := r.fetchClosedPnl(ctx, symbol)
	if err != nil {
		return err
	}

	if record, ok := matchByOrderID(records, bybitOrderID); ok {
		return r.writePnl(ctx, trade, record)
	}

	r.pm.RecordReconciliationOutcome(symbol, "unmatched")
	logger.Info("ℹ️ [Recon] %s 交易记录 %s 暂未匹配到已结算盈亏，留待下一轮", symbol, tradeID)
	return nil
}

// RunAll 批量对账所有已成交且盈亏为空的交易记录
//
// 按交易对分组，每组只发一次已结算盈亏查询，组间由限速器控制节奏。
// 单个交易对或单笔记录的失败不影响其他组。
func (r *Reconciler) RunAll(ctx context.Context) Summary {
	r.pm.RecordReconciliationRun()

	var summary Summary

	trades, err := r.db.GetUnreconciledTrades(ctx)
	if err != nil {
		logger.Error("❌ [Recon] 查询待对账记录失败: %v", err)
		summary.Errors++
		return summary
	}
	summary.Scanned = len(trades)
	if len(trades) == 0 {
		return summary
	}

	// 按交易对分组
	bySymbol := make(map[string][]*database.Trade)
	for _, trade := range trades {
		bySymbol[trade.Symbol] = append(bySymbol[trade.Symbol], trade)
	}

	logger.Info("📊 [Recon] 批量对账开始：%d 笔记录，%d 个交易对", len(trades), len(bySymbol))

	for symbol, group := range bySymbol {
		// 组间限速
		if err := r.limiter.Wait(ctx); err != nil {
			logger.Warn("⚠️ [Recon] 批量对账被取消: %v", err)
			summary.Errors++
			return summary
		}

		records, err := r.fetchClosedPnl(ctx, symbol)
		if err != nil {
			logger.Warn("⚠️ [Recon] %s 查询已结算盈亏失败，跳过该交易对: %v", symbol, err)
			summary.Errors++
			continue
		}

		for _, trade := range group {
			if trade.BybitOrderID == "" {
				// 没有交易所订单号的记录永远无法匹配
				summary.Unmatched++
				r.pm.RecordReconciliationOutcome(symbol, "unmatched")
				continue
			}

			record, ok := matchByOrderID(records, trade.BybitOrderID)
			if !ok {
				summary.Unmatched++
				r.pm.RecordReconciliationOutcome(symbol, "unmatched")
				continue
			}

			if err := r.writePnl(ctx, trade, record); err != nil {
				logger.Warn("⚠️ [Recon] %s 交易记录 %s 写入盈亏失败: %v", symbol, trade.TradeID, err)
				summary.Errors++
				r.pm.RecordReconciliationOutcome(symbol, "error")
				continue
			}
			summary.Matched++
		}
	}

	logger.Info("✅ [Recon] 批量对账完成：扫描 %d，匹配 %d，未匹配 %d，失败 %d",
		summary.Scanned, summary.Matched, summary.Unmatched, summary.Errors)
	return summary
}

// fetchClosedPnl 查询交易对在回看窗口内的已结算盈亏
func (r *Reconciler) fetchClosedPnl(ctx context.Context, symbol string) ([]closedPnlRecord, error) {
	t, ok := r.registry.Get(symbol)
	if !ok {
		return nil, errUnknownSymbol(symbol)
	}

	now := time.Now()
	raw, err := t.ClosedPnl(ctx, now.Add(-r.cfg.Lookback), now)
	if err != nil {
		return nil, err
	}

	records := make([]closedPnlRecord, 0, len(raw))
	for _, rec := range raw {
		records = append(records, closedPnlRecord{
			orderID:    rec.OrderId,
			closedPnl:  utils.SafeFloat(rec.ClosedPnl),
			entryPrice: rec.AvgEntryPrice,
			exitPrice:  rec.AvgExitPrice,
			qty:        rec.Qty,
		})
	}
	return records, nil
}

// closedPnlRecord 已结算盈亏记录（对账内部表示）
type closedPnlRecord struct {
	orderID    string
	closedPnl  float64
	entryPrice string
	exitPrice  string
	qty        string
}

// matchByOrderID 严格按交易所订单号匹配
func matchByOrderID(records []closedPnlRecord, orderID string) (closedPnlRecord, bool) {
	for _, rec := range records {
		if rec.orderID == orderID {
			return rec, true
		}
	}
	return closedPnlRecord{}, false
}

// writePnl 写入盈亏并把成交明细合并进附加信息
func (r *Reconciler) writePnl(ctx context.Context, trade *database.Trade, record closedPnlRecord) error {
	info := mergeAdditionalInfo(trade.AdditionalInfo, map[string]interface{}{
		"entry_price":   record.entryPrice,
		"exit_price":    record.exitPrice,
		"closed_qty":    record.qty,
		"reconciled_at": time.Now().Format(time.RFC3339),
	})

	if err := r.db.UpdateTradePnl(ctx, trade.TradeID, record.closedPnl, info); err != nil {
		return err
	}

	r.pm.RecordReconciliationOutcome(trade.Symbol, "matched")
	r.pm.AddRealizedPnl(trade.Symbol, record.closedPnl)
	logger.Info("✅ [Recon] %s 交易记录 %s 对账完成 pnl=%v", trade.Symbol, trade.TradeID, record.closedPnl)
	return nil
}

// mergeAdditionalInfo 结构化合并附加信息
//
// 解析现有 JSON 为对象后逐键合并，已存在的键不覆盖；
// 现有内容不是 JSON 对象时整体保留在 "legacy" 键下。
func mergeAdditionalInfo(existing datatypes.JSON, updates map[string]interface{}) datatypes.JSON {
	merged := make(map[string]interface{})

	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &merged); err != nil {
			merged = map[string]interface{}{"legacy": string(existing)}
		}
	}

	for k, v := range updates {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return existing
	}
	return datatypes.JSON(out)
}

type errUnknownSymbol string

func (e errUnknownSymbol) Error() string {
	return "交易对未注册: " + string(e)
}

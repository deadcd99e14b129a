package database

import (
	"context"
	"testing"
	"time"

	"gorm.io/datatypes"
)

// newTestDatabase 创建内存 SQLite 数据库
func newTestDatabase(t *testing.T) *GormDatabase {
	t.Helper()
	db, err := NewGormDatabase(&DBConfig{
		Type:     "sqlite",
		DSN:      ":memory:",
		LogLevel: "silent",
	})
	if err != nil {
		t.Fatalf("创建测试数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestExecutionEventLifecycle(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	event := &ExecutionEvent{
		EventID:     "evt-1",
		EventType:   "OPEN",
		Symbol:      "BTCUSDT",
		PositionType: "long",
		ExecStatus:  ExecStatusPending,
		RequestTime: time.Now(),
		RawRequest:  datatypes.JSON(`{"action":"open"}`),
		RequestIP:   "127.0.0.1",
	}
	if err := db.SaveExecutionEvent(ctx, event); err != nil {
		t.Fatalf("保存执行事件失败: %v", err)
	}

	// 更新到终态
	now := time.Now()
	if err := db.FinalizeExecutionEvent(ctx, "evt-1", ExecStatusSuccess, "", now, 120); err != nil {
		t.Fatalf("更新执行事件失败: %v", err)
	}

	got, err := db.GetExecutionEvent(ctx, "evt-1")
	if err != nil {
		t.Fatalf("查询执行事件失败: %v", err)
	}
	if got == nil {
		t.Fatal("期望查到执行事件")
	}
	if got.ExecStatus != ExecStatusSuccess {
		t.Errorf("期望状态 SUCCESS，实际 %s", got.ExecStatus)
	}
	if got.ExecutionDuration != 120 {
		t.Errorf("期望执行耗时 120ms，实际 %d", got.ExecutionDuration)
	}
}

func TestFinalizeExecutionEventOnlyOnce(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	event := &ExecutionEvent{
		EventID:     "evt-2",
		EventType:   "CLOSE",
		Symbol:      "BTCUSDT",
		ExecStatus:  ExecStatusPending,
		RequestTime: time.Now(),
	}
	if err := db.SaveExecutionEvent(ctx, event); err != nil {
		t.Fatalf("保存执行事件失败: %v", err)
	}

	if err := db.FinalizeExecutionEvent(ctx, "evt-2", ExecStatusFailed, "close failed", time.Now(), 50); err != nil {
		t.Fatalf("第一次终态更新失败: %v", err)
	}

	// 第二次终态更新应被拒绝，终态不可覆盖
	if err := db.FinalizeExecutionEvent(ctx, "evt-2", ExecStatusSuccess, "", time.Now(), 60); err == nil {
		t.Fatal("期望重复终态更新报错")
	}

	got, _ := db.GetExecutionEvent(ctx, "evt-2")
	if got.ExecStatus != ExecStatusFailed {
		t.Errorf("期望终态保持 FAILED，实际 %s", got.ExecStatus)
	}
}

func TestGetExecutionEventNotFound(t *testing.T) {
	db := newTestDatabase(t)

	got, err := db.GetExecutionEvent(context.Background(), "missing")
	if err != nil {
		t.Fatalf("查询不存在的事件不应报错: %v", err)
	}
	if got != nil {
		t.Error("期望不存在的事件返回 nil")
	}
}

func TestTradeOpenCloseFlow(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	trade := &Trade{
		TradeID:       "trd-1",
		EventID:       "evt-1",
		Symbol:        "BTCUSDT",
		OrderType:     "MARKET",
		Side:          "Buy",
		PositionType:  "long",
		Quantity:      0.01,
		Price:         50000,
		Leverage:      5,
		OrderStatus:   OrderStatusOpen,
		BybitOrderID:  "order-1",
		ExecutionTime: time.Now(),
	}
	if err := db.SaveTrade(ctx, trade); err != nil {
		t.Fatalf("保存交易记录失败: %v", err)
	}

	// 持仓交易记录可按交易对+方向查到
	open, err := db.GetOpenTrade(ctx, "BTCUSDT", "long")
	if err != nil {
		t.Fatalf("查询持仓交易记录失败: %v", err)
	}
	if open == nil || open.TradeID != "trd-1" {
		t.Fatalf("期望查到 trd-1，实际 %+v", open)
	}

	// 其他方向查不到
	short, err := db.GetOpenTrade(ctx, "BTCUSDT", "short")
	if err != nil {
		t.Fatalf("查询持仓交易记录失败: %v", err)
	}
	if short != nil {
		t.Error("期望空头方向无持仓记录")
	}

	// 平仓后不再是持仓记录
	if err := db.UpdateTradeStatus(ctx, "trd-1", OrderStatusClosed); err != nil {
		t.Fatalf("更新交易状态失败: %v", err)
	}
	open, _ = db.GetOpenTrade(ctx, "BTCUSDT", "long")
	if open != nil {
		t.Error("期望平仓后查不到持仓记录")
	}
}

func TestGetUnreconciledTrades(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	pnl := 12.5
	trades := []*Trade{
		{TradeID: "trd-a", Symbol: "BTCUSDT", OrderStatus: OrderStatusFilled, ExecutionTime: time.Now()},
		{TradeID: "trd-b", Symbol: "ETHUSDT", OrderStatus: OrderStatusFilled, Pnl: &pnl, ExecutionTime: time.Now()},
		{TradeID: "trd-c", Symbol: "BTCUSDT", OrderStatus: OrderStatusOpen, ExecutionTime: time.Now()},
	}
	for _, trade := range trades {
		if err := db.SaveTrade(ctx, trade); err != nil {
			t.Fatalf("保存交易记录失败: %v", err)
		}
	}

	// 只有已成交且盈亏为空的记录需要对账
	unreconciled, err := db.GetUnreconciledTrades(ctx)
	if err != nil {
		t.Fatalf("查询待对账记录失败: %v", err)
	}
	if len(unreconciled) != 1 || unreconciled[0].TradeID != "trd-a" {
		t.Errorf("期望仅 trd-a 待对账，实际 %v", unreconciled)
	}
}

func TestUpdateTradePnl(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	trade := &Trade{
		TradeID:       "trd-pnl",
		Symbol:        "BTCUSDT",
		OrderStatus:   OrderStatusFilled,
		ExecutionTime: time.Now(),
	}
	if err := db.SaveTrade(ctx, trade); err != nil {
		t.Fatalf("保存交易记录失败: %v", err)
	}

	info := datatypes.JSON(`{"entry_price":"50000","exit_price":"51000"}`)
	if err := db.UpdateTradePnl(ctx, "trd-pnl", 25.5, info); err != nil {
		t.Fatalf("写入盈亏失败: %v", err)
	}

	got, err := db.GetTrade(ctx, "trd-pnl")
	if err != nil {
		t.Fatalf("查询交易记录失败: %v", err)
	}
	if got.Pnl == nil || *got.Pnl != 25.5 {
		t.Errorf("期望盈亏 25.5，实际 %v", got.Pnl)
	}
	if len(got.AdditionalInfo) == 0 {
		t.Error("期望附加信息已写入")
	}

	// 对账后不再出现在待对账列表
	unreconciled, _ := db.GetUnreconciledTrades(ctx)
	if len(unreconciled) != 0 {
		t.Errorf("期望待对账列表为空，实际 %v", unreconciled)
	}
}

func TestUpdateTradeStatusNotFound(t *testing.T) {
	db := newTestDatabase(t)

	if err := db.UpdateTradeStatus(context.Background(), "missing", OrderStatusClosed); err == nil {
		t.Error("期望更新不存在的交易记录报错")
	}
}

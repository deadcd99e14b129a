package trader

import (
	"context"
	"fmt"
	"testing"
	"time"

	"quantexec/config"
	"quantexec/exchange/bybit"
)

// fakeClient 可编程的交易所客户端假实现
type fakeClient struct {
	instruments []bybit.Instrument
	ticker      *bybit.Ticker
	positions   []bybit.Position
	balances    []bybit.Balance
	closedPnl   []bybit.ClosedPnlRecord

	placeOrderErr   error
	positionsErr    error
	balanceErr      error
	tickerErr       error
	tradingStopErr  error
	leverageErr     error
	cancelAllErr    error
	placedOrders    []map[string]interface{}
	tradingStopArgs []string
	cancelAllCalls  int
}

func (f *fakeClient) GetInstruments(ctx context.Context, category, symbol string) ([]bybit.Instrument, error) {
	return f.instruments, nil
}

func (f *fakeClient) GetTicker(ctx context.Context, category, symbol string) (*bybit.Ticker, error) {
	if f.tickerErr != nil {
		return nil, f.tickerErr
	}
	return f.ticker, nil
}

func (f *fakeClient) GetPositions(ctx context.Context, category, symbol string) ([]bybit.Position, error) {
	if f.positionsErr != nil {
		return nil, f.positionsErr
	}
	return f.positions, nil
}

func (f *fakeClient) PlaceOrder(ctx context.Context, params map[string]interface{}) (*bybit.PlaceOrderResult, error) {
	if f.placeOrderErr != nil {
		return nil, f.placeOrderErr
	}
	f.placedOrders = append(f.placedOrders, params)
	return &bybit.PlaceOrderResult{OrderId: fmt.Sprintf("order-%d", len(f.placedOrders))}, nil
}

func (f *fakeClient) CancelAllOrders(ctx context.Context, category, symbol string) error {
	f.cancelAllCalls++
	return f.cancelAllErr
}

func (f *fakeClient) SetLeverage(ctx context.Context, category, symbol string, leverage float64) error {
	return f.leverageErr
}

func (f *fakeClient) SetTradingStop(ctx context.Context, category, symbol, takeProfit, stopLoss string, positionIdx int) error {
	if f.tradingStopErr != nil {
		return f.tradingStopErr
	}
	f.tradingStopArgs = []string{takeProfit, stopLoss}
	return nil
}

func (f *fakeClient) GetBalance(ctx context.Context, accountType string) ([]bybit.Balance, error) {
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return f.balances, nil
}

func (f *fakeClient) GetClosedPnl(ctx context.Context, category, symbol string, startTime, endTime time.Time, limit int) ([]bybit.ClosedPnlRecord, error) {
	return f.closedPnl, nil
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		instruments: []bybit.Instrument{{
			Symbol:      "BTCUSDT",
			PriceFilter: bybit.PriceFilter{TickSize: "0.5"},
			LotSizeFilter: bybit.LotSizeFilter{
				QtyStep: "0.001", MinOrderQty: "0.001", MaxOrderQty: "100",
			},
		}},
		ticker:   &bybit.Ticker{Symbol: "BTCUSDT", LastPrice: "50000"},
		balances: []bybit.Balance{{TotalAvailableBalance: "1000"}},
	}
}

func testSettings() config.TradeSettings {
	return config.TradeSettings{
		SizingMode:        "percent",
		SizePercent:       10,
		FixedAmount:       100,
		Leverage:          5,
		TakeProfitPercent: 3,
		StopLossPercent:   1.5,
		SettleWaitSeconds: 0, // 测试不等待结算
	}
}

func newTestTrader(t *testing.T, client *fakeClient) *Trader {
	t.Helper()
	tr, err := NewTrader(context.Background(), "BTCUSDT", client, testSettings())
	if err != nil {
		t.Fatalf("创建 Trader 失败: %v", err)
	}
	return tr
}

func TestGetCurrentPositionMapsSide(t *testing.T) {
	client := newFakeClient()
	client.positions = []bybit.Position{{
		Symbol: "BTCUSDT", Side: "Sell", Size: "0.02",
		AvgPrice: "50000", MarkPrice: "49500", UnrealisedPnl: "10", Leverage: "5",
	}}
	tr := newTestTrader(t, client)

	pos := tr.GetCurrentPosition(context.Background())
	if pos == nil {
		t.Fatal("期望查到持仓")
	}
	if pos.PositionType != PositionShort {
		t.Errorf("期望空头持仓，实际 %s", pos.PositionType)
	}
	if pos.Size != 0.02 || pos.EntryPrice != 50000 {
		t.Errorf("持仓字段映射错误: %+v", pos)
	}
}

func TestGetCurrentPositionFlatAndError(t *testing.T) {
	client := newFakeClient()
	tr := newTestTrader(t, client)

	// 零持仓返回 nil
	client.positions = []bybit.Position{{Symbol: "BTCUSDT", Side: "", Size: "0"}}
	if pos := tr.GetCurrentPosition(context.Background()); pos != nil {
		t.Errorf("期望零持仓返回 nil，实际 %+v", pos)
	}

	// 查询失败也返回 nil（只记录日志）
	client.positionsErr = fmt.Errorf("network down")
	if pos := tr.GetCurrentPosition(context.Background()); pos != nil {
		t.Errorf("期望查询失败返回 nil，实际 %+v", pos)
	}
}

func TestOpenPositionSuccess(t *testing.T) {
	client := newFakeClient()
	tr := newTestTrader(t, client)

	// 下单后重读持仓能看到多头
	client.positions = []bybit.Position{{
		Symbol: "BTCUSDT", Side: "Buy", Size: "0.01", AvgPrice: "50000",
	}}

	result := tr.OpenPosition(context.Background(), PositionLong)
	if !result.Success {
		t.Fatalf("期望开仓成功，实际 reason=%s err=%v", result.Reason, result.Err)
	}
	if result.EntryPrice != 50000 || result.Quantity != 0.01 {
		t.Errorf("开仓结果字段错误: %+v", result)
	}

	// 验证下单参数：1000余额 10% 5倍杠杆 价格50000 -> 0.01
	if len(client.placedOrders) != 1 {
		t.Fatalf("期望一笔订单，实际 %d", len(client.placedOrders))
	}
	order := client.placedOrders[0]
	if order["qty"] != "0.010" {
		t.Errorf("期望下单数量 0.010，实际 %v", order["qty"])
	}
	if order["side"] != "Buy" || order["orderType"] != "Market" {
		t.Errorf("下单参数错误: %v", order)
	}
}

func TestOpenPositionOrderRejected(t *testing.T) {
	client := newFakeClient()
	tr := newTestTrader(t, client)
	client.placeOrderErr = fmt.Errorf("insufficient margin")

	result := tr.OpenPosition(context.Background(), PositionLong)
	if result.Success {
		t.Fatal("期望拒单时开仓失败")
	}
	if result.Reason != OpenFailOrderRejected {
		t.Errorf("期望失败原因 ORDER_REJECTED，实际 %s", result.Reason)
	}
}

func TestOpenPositionAbsentAfterOrder(t *testing.T) {
	client := newFakeClient()
	tr := newTestTrader(t, client)
	// 下单成功但重读持仓为空

	result := tr.OpenPosition(context.Background(), PositionLong)
	if result.Success {
		t.Fatal("期望持仓未建立时开仓失败")
	}
	if result.Reason != OpenFailPositionAbsent {
		t.Errorf("期望失败原因 POSITION_ABSENT，实际 %s", result.Reason)
	}
	if result.OrderID == "" {
		t.Error("期望保留已受理的订单ID")
	}
}

func TestOpenPositionBalanceQueryFail(t *testing.T) {
	client := newFakeClient()
	tr := newTestTrader(t, client)
	client.balanceErr = fmt.Errorf("timeout")

	result := tr.OpenPosition(context.Background(), PositionLong)
	if result.Success || result.Reason != OpenFailBalanceQuery {
		t.Errorf("期望失败原因 BALANCE_QUERY，实际 %+v", result)
	}
}

func TestClosePositionFlatIsNoop(t *testing.T) {
	client := newFakeClient()
	tr := newTestTrader(t, client)

	result := tr.ClosePosition(context.Background())
	if !result.Success {
		t.Fatalf("期望无持仓时平仓为无操作成功: %+v", result)
	}
	if result.Closed {
		t.Error("期望 Closed=false 表示本来就无持仓")
	}
	if len(client.placedOrders) != 0 {
		t.Error("期望无持仓时不下单")
	}
}

func TestClosePositionSuccess(t *testing.T) {
	client := newFakeClient()
	client.positions = []bybit.Position{{
		Symbol: "BTCUSDT", Side: "Buy", Size: "0.01", AvgPrice: "50000", MarkPrice: "50500",
	}}
	client.ticker = &bybit.Ticker{Symbol: "BTCUSDT", LastPrice: "50600"}
	tr := newTestTrader(t, client)

	result := tr.ClosePosition(context.Background())
	if !result.Success || !result.Closed {
		t.Fatalf("期望平仓成功: %+v", result)
	}
	// 多头持仓用反向 Sell 平仓，平仓价取当前市场价
	if result.Side != "Sell" {
		t.Errorf("期望平仓方向 Sell，实际 %s", result.Side)
	}
	if result.ClosePrice != 50600 {
		t.Errorf("期望平仓价 50600，实际 %v", result.ClosePrice)
	}
	// reduceOnly 市价单 + 撤销残留挂单
	order := client.placedOrders[0]
	if order["reduceOnly"] != true {
		t.Error("期望平仓单带 reduceOnly")
	}
	if client.cancelAllCalls != 1 {
		t.Errorf("期望撤销残留挂单一次，实际 %d", client.cancelAllCalls)
	}
}

func TestClosePositionOrderFail(t *testing.T) {
	client := newFakeClient()
	client.positions = []bybit.Position{{
		Symbol: "BTCUSDT", Side: "Buy", Size: "0.01", AvgPrice: "50000",
	}}
	tr := newTestTrader(t, client)
	client.placeOrderErr = fmt.Errorf("rejected")

	result := tr.ClosePosition(context.Background())
	if result.Success {
		t.Fatal("期望平仓下单失败时返回失败")
	}
	if result.Err == nil {
		t.Error("期望携带错误信息")
	}
}

func TestSetTpSlLong(t *testing.T) {
	client := newFakeClient()
	tr := newTestTrader(t, client)

	result := tr.SetTpSl(context.Background(), 50000, PositionLong)
	if !result.Success {
		t.Fatalf("期望设置止盈止损成功: %v", result.Err)
	}
	// 多头：tp = 50000 * 1.03 = 51500，sl = 50000 * 0.985 = 49250
	if result.TakeProfit != 51500 {
		t.Errorf("期望止盈 51500，实际 %v", result.TakeProfit)
	}
	if result.StopLoss != 49250 {
		t.Errorf("期望止损 49250，实际 %v", result.StopLoss)
	}
}

func TestSetTpSlShortMirrored(t *testing.T) {
	client := newFakeClient()
	tr := newTestTrader(t, client)

	result := tr.SetTpSl(context.Background(), 50000, PositionShort)
	if !result.Success {
		t.Fatalf("期望设置止盈止损成功: %v", result.Err)
	}
	// 空头镜像：tp = 48500，sl = 50750
	if result.TakeProfit != 48500 {
		t.Errorf("期望止盈 48500，实际 %v", result.TakeProfit)
	}
	if result.StopLoss != 50750 {
		t.Errorf("期望止损 50750，实际 %v", result.StopLoss)
	}
}

func TestSetTpSlFailureIsNonFatal(t *testing.T) {
	client := newFakeClient()
	tr := newTestTrader(t, client)
	client.tradingStopErr = fmt.Errorf("tpsl rejected")

	result := tr.SetTpSl(context.Background(), 50000, PositionLong)
	if result.Success {
		t.Fatal("期望设置失败时 Success=false")
	}
	if result.Err == nil {
		t.Error("期望携带错误供调用方告警")
	}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	tr := newTestTrader(t, newFakeClient())
	registry.Register(tr)

	got, ok := registry.Get("BTCUSDT")
	if !ok || got != tr {
		t.Fatal("期望按交易对取到注册的 Trader")
	}
	if _, ok := registry.Get("ETHUSDT"); ok {
		t.Error("期望未注册的交易对取不到")
	}
	symbols := registry.Symbols()
	if len(symbols) != 1 || symbols[0] != "BTCUSDT" {
		t.Errorf("期望交易对列表 [BTCUSDT]，实际 %v", symbols)
	}
}

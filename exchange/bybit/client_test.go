package bybit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// newTestClient 创建指向本地测试服务器的客户端
func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	client := NewClient("test-key", "test-secret", Options{BaseURL: server.URL})
	return client, server
}

func TestRequestSetsAuthHeaders(t *testing.T) {
	var gotHeaders http.Header
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[]}}`))
	})
	defer server.Close()

	_, err := client.GetPositions(context.Background(), CategoryLinear, "BTCUSDT")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}

	if gotHeaders.Get("X-BAPI-API-KEY") != "test-key" {
		t.Errorf("期望 X-BAPI-API-KEY 为 test-key，实际 %s", gotHeaders.Get("X-BAPI-API-KEY"))
	}
	if gotHeaders.Get("X-BAPI-SIGN") == "" {
		t.Error("期望携带 X-BAPI-SIGN 签名头")
	}
	if gotHeaders.Get("X-BAPI-TIMESTAMP") == "" {
		t.Error("期望携带 X-BAPI-TIMESTAMP 时间戳头")
	}
	if gotHeaders.Get("X-BAPI-RECV-WINDOW") != "5000" {
		t.Errorf("期望默认 recv_window 5000，实际 %s", gotHeaders.Get("X-BAPI-RECV-WINDOW"))
	}
}

func TestRequestReturnsAPIError(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":10001,"retMsg":"params error","result":{}}`))
	})
	defer server.Close()

	_, err := client.GetTicker(context.Background(), CategoryLinear, "BTCUSDT")
	if err == nil {
		t.Fatal("期望 retCode 非0时返回错误")
	}
	if !IsAPIError(err, 10001) {
		t.Errorf("期望识别为业务码 10001 的 API 错误，实际 %v", err)
	}
}

func TestGetTicker(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/tickers" {
			t.Errorf("期望请求 /v5/market/tickers，实际 %s", r.URL.Path)
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{"symbol":"BTCUSDT","lastPrice":"50000.5"}]}}`))
	})
	defer server.Close()

	ticker, err := client.GetTicker(context.Background(), CategoryLinear, "BTCUSDT")
	if err != nil {
		t.Fatalf("获取行情失败: %v", err)
	}
	if ticker.LastPrice != "50000.5" {
		t.Errorf("期望最新价 50000.5，实际 %s", ticker.LastPrice)
	}
}

func TestPlaceOrderPostsJSONBody(t *testing.T) {
	var gotBody map[string]interface{}
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("期望 POST 请求，实际 %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"order-123","orderLinkId":""}}`))
	})
	defer server.Close()

	result, err := client.PlaceOrder(context.Background(), map[string]interface{}{
		"category":  CategoryLinear,
		"symbol":    "BTCUSDT",
		"side":      "Buy",
		"orderType": "Market",
		"qty":       "0.01",
	})
	if err != nil {
		t.Fatalf("下单失败: %v", err)
	}
	if result.OrderId != "order-123" {
		t.Errorf("期望订单ID order-123，实际 %s", result.OrderId)
	}
	if gotBody["symbol"] != "BTCUSDT" || gotBody["side"] != "Buy" {
		t.Errorf("请求体参数不完整: %v", gotBody)
	}
}

func TestSetLeverageIgnoresNotModified(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":110043,"retMsg":"leverage not modified","result":{}}`))
	})
	defer server.Close()

	// 重复设置同一杠杆不应视为错误
	if err := client.SetLeverage(context.Background(), CategoryLinear, "BTCUSDT", 5); err != nil {
		t.Errorf("期望杠杆未变化时返回成功，实际 %v", err)
	}
}

func TestGetClosedPnlTimeWindow(t *testing.T) {
	var gotQuery map[string][]string
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"symbol":"BTCUSDT","orderId":"o1","side":"Sell","qty":"0.01","avgEntryPrice":"50000","avgExitPrice":"51000","closedPnl":"25.5"}
		]}}`))
	})
	defer server.Close()

	start := time.UnixMilli(1700000000000)
	end := time.UnixMilli(1700003600000)
	records, err := client.GetClosedPnl(context.Background(), CategoryLinear, "BTCUSDT", start, end, 100)
	if err != nil {
		t.Fatalf("查询已结算盈亏失败: %v", err)
	}
	if len(records) != 1 || records[0].ClosedPnl != "25.5" {
		t.Errorf("期望一条盈亏 25.5 的记录，实际 %v", records)
	}
	if gotQuery["startTime"][0] != "1700000000000" {
		t.Errorf("期望 startTime=1700000000000，实际 %v", gotQuery["startTime"])
	}
	if gotQuery["limit"][0] != "100" {
		t.Errorf("期望 limit=100，实际 %v", gotQuery["limit"])
	}
}

func TestGetInstrumentsParsesFilters(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"symbol":"BTCUSDT","baseCoin":"BTC","quoteCoin":"USDT",
			 "priceFilter":{"tickSize":"0.5"},
			 "lotSizeFilter":{"qtyStep":"0.001","minOrderQty":"0.001","maxOrderQty":"100"}}
		]}}`))
	})
	defer server.Close()

	instruments, err := client.GetInstruments(context.Background(), CategoryLinear, "BTCUSDT")
	if err != nil {
		t.Fatalf("获取合约信息失败: %v", err)
	}
	if len(instruments) != 1 {
		t.Fatalf("期望一条合约信息，实际 %d 条", len(instruments))
	}
	inst := instruments[0]
	if inst.PriceFilter.TickSize != "0.5" {
		t.Errorf("期望 tickSize 0.5，实际 %s", inst.PriceFilter.TickSize)
	}
	if inst.LotSizeFilter.QtyStep != "0.001" || inst.LotSizeFilter.MaxOrderQty != "100" {
		t.Errorf("数量过滤器解析不完整: %+v", inst.LotSizeFilter)
	}
}

package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	// 主网 API 地址
	MainnetRestURL = "https://api.bybit.com"
	// 测试网 API 地址
	TestnetRestURL = "https://api-testnet.bybit.com"

	// CategoryLinear USDT 永续合约
	CategoryLinear = "linear"

	// 杠杆未变化的业务码（重复设置同一杠杆时返回，视为成功）
	retCodeLeverageNotModified = 110043
)

// Options 客户端可选配置
type Options struct {
	BaseURL    string        // 为空则根据 Testnet 选择默认地址
	Testnet    bool          // 是否使用测试网
	RecvWindow int           // 签名有效窗口（毫秒，默认5000）
	Timeout    time.Duration // HTTP 超时（默认10秒）
}

// Client Bybit V5 REST API 客户端
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	recvWindow string
	httpClient *http.Client
}

// NewClient 创建 Bybit 客户端
func NewClient(apiKey, secretKey string, opts Options) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = MainnetRestURL
		if opts.Testnet {
			baseURL = TestnetRestURL
		}
	}
	recvWindow := opts.RecvWindow
	if recvWindow <= 0 {
		recvWindow = 5000
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		recvWindow: strconv.Itoa(recvWindow),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// sign 生成签名
func (c *Client) sign(params string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(params))
	return hex.EncodeToString(h.Sum(nil))
}

// apiError Bybit 业务错误（retCode != 0）
type apiError struct {
	Code    int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API 错误 %d: %s", e.Code, e.Message)
}

// IsAPIError 判断错误是否为指定业务码的 Bybit 业务错误
func IsAPIError(err error, code int) bool {
	var ae *apiError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Code == code
}

// request 发送 HTTP 请求
func (c *Client) request(ctx context.Context, method, path string, params map[string]interface{}) ([]byte, error) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	var queryString string
	var bodyBytes []byte

	if method == http.MethodGet {
		// GET 请求：参数放在 URL 中
		values := url.Values{}
		for k, v := range params {
			values.Add(k, fmt.Sprintf("%v", v))
		}
		queryString = values.Encode()
	} else {
		// POST 请求：参数放在 body 中
		if params != nil {
			var err error
			bodyBytes, err = json.Marshal(params)
			if err != nil {
				return nil, fmt.Errorf("序列化请求体失败: %w", err)
			}
		}
	}

	// 生成签名字符串
	signStr := timestamp + c.apiKey + c.recvWindow
	if method == http.MethodGet && queryString != "" {
		signStr += queryString
	} else if len(bodyBytes) > 0 {
		signStr += string(bodyBytes)
	}

	signature := c.sign(signStr)

	// 构造 URL
	fullURL := c.baseURL + path
	if queryString != "" {
		fullURL += "?" + queryString
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}

	// 设置请求头
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", c.recvWindow)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP 错误 %d: %s", resp.StatusCode, string(respBody))
	}

	// 检查 Bybit API 响应
	var apiResp struct {
		RetCode int             `json:"retCode"`
		RetMsg  string          `json:"retMsg"`
		Result  json.RawMessage `json:"result"`
	}

	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}

	if apiResp.RetCode != 0 {
		return nil, &apiError{Code: apiResp.RetCode, Message: apiResp.RetMsg}
	}

	return apiResp.Result, nil
}

// Instrument 合约信息
type Instrument struct {
	Symbol        string        `json:"symbol"`
	BaseCoin      string        `json:"baseCoin"`
	QuoteCoin     string        `json:"quoteCoin"`
	PriceFilter   PriceFilter   `json:"priceFilter"`
	LotSizeFilter LotSizeFilter `json:"lotSizeFilter"`
}

type PriceFilter struct {
	TickSize string `json:"tickSize"`
}

type LotSizeFilter struct {
	QtyStep     string `json:"qtyStep"`
	MinOrderQty string `json:"minOrderQty"`
	MaxOrderQty string `json:"maxOrderQty"`
}

// GetInstruments 获取合约信息
func (c *Client) GetInstruments(ctx context.Context, category, symbol string) ([]Instrument, error) {
	params := map[string]interface{}{
		"category": category,
	}
	if symbol != "" {
		params["symbol"] = symbol
	}

	data, err := c.request(ctx, http.MethodGet, "/v5/market/instruments-info", params)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []Instrument `json:"list"`
	}

	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("解析合约信息失败: %w", err)
	}

	return result.List, nil
}

// Ticker 行情数据
type Ticker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	MarkPrice string `json:"markPrice"`
}

// GetTicker 获取行情
func (c *Client) GetTicker(ctx context.Context, category, symbol string) (*Ticker, error) {
	params := map[string]interface{}{
		"category": category,
		"symbol":   symbol,
	}

	data, err := c.request(ctx, http.MethodGet, "/v5/market/tickers", params)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []Ticker `json:"list"`
	}

	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("解析行情数据失败: %w", err)
	}

	if len(result.List) == 0 {
		return nil, fmt.Errorf("未找到行情数据")
	}

	return &result.List[0], nil
}

// Position 持仓信息
type Position struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"` // Buy=多头 Sell=空头 ""=无持仓
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	Leverage      string `json:"leverage"`
	TakeProfit    string `json:"takeProfit"`
	StopLoss      string `json:"stopLoss"`
	PositionIdx   int    `json:"positionIdx"`
}

// GetPositions 获取持仓信息
func (c *Client) GetPositions(ctx context.Context, category, symbol string) ([]Position, error) {
	params := map[string]interface{}{
		"category": category,
	}
	if symbol != "" {
		params["symbol"] = symbol
	}

	data, err := c.request(ctx, http.MethodGet, "/v5/position/list", params)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []Position `json:"list"`
	}

	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("解析持仓信息失败: %w", err)
	}

	return result.List, nil
}

// PlaceOrderResult 下单结果
type PlaceOrderResult struct {
	OrderId     string `json:"orderId"`
	OrderLinkId string `json:"orderLinkId"`
}

// PlaceOrder 下单
func (c *Client) PlaceOrder(ctx context.Context, params map[string]interface{}) (*PlaceOrderResult, error) {
	data, err := c.request(ctx, http.MethodPost, "/v5/order/create", params)
	if err != nil {
		return nil, err
	}

	var result PlaceOrderResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("解析下单结果失败: %w", err)
	}

	return &result, nil
}

// CancelAllOrders 取消交易对的全部挂单
func (c *Client) CancelAllOrders(ctx context.Context, category, symbol string) error {
	params := map[string]interface{}{
		"category": category,
		"symbol":   symbol,
	}

	_, err := c.request(ctx, http.MethodPost, "/v5/order/cancel-all", params)
	return err
}

// SetLeverage 设置杠杆倍数（重复设置同一杠杆视为成功）
func (c *Client) SetLeverage(ctx context.Context, category, symbol string, leverage float64) error {
	lv := strconv.FormatFloat(leverage, 'f', -1, 64)
	params := map[string]interface{}{
		"category":     category,
		"symbol":       symbol,
		"buyLeverage":  lv,
		"sellLeverage": lv,
	}

	_, err := c.request(ctx, http.MethodPost, "/v5/position/set-leverage", params)
	if err != nil && IsAPIError(err, retCodeLeverageNotModified) {
		return nil
	}
	return err
}

// SetTradingStop 设置持仓的止盈止损（全仓模式）
func (c *Client) SetTradingStop(ctx context.Context, category, symbol, takeProfit, stopLoss string, positionIdx int) error {
	params := map[string]interface{}{
		"category":    category,
		"symbol":      symbol,
		"positionIdx": positionIdx,
		"tpslMode":    "Full",
	}
	if takeProfit != "" {
		params["takeProfit"] = takeProfit
	}
	if stopLoss != "" {
		params["stopLoss"] = stopLoss
	}

	_, err := c.request(ctx, http.MethodPost, "/v5/position/trading-stop", params)
	return err
}

// Balance 账户余额
type Balance struct {
	TotalEquity           string `json:"totalEquity"`
	TotalAvailableBalance string `json:"totalAvailableBalance"`
	TotalMarginBalance    string `json:"totalMarginBalance"`
}

// GetBalance 获取账户余额
func (c *Client) GetBalance(ctx context.Context, accountType string) ([]Balance, error) {
	params := map[string]interface{}{
		"accountType": accountType,
	}

	data, err := c.request(ctx, http.MethodGet, "/v5/account/wallet-balance", params)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []Balance `json:"list"`
	}

	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("解析余额信息失败: %w", err)
	}

	return result.List, nil
}

// ClosedPnlRecord 已结算盈亏记录
type ClosedPnlRecord struct {
	Symbol        string `json:"symbol"`
	OrderId       string `json:"orderId"`
	Side          string `json:"side"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avgEntryPrice"`
	AvgExitPrice  string `json:"avgExitPrice"`
	ClosedPnl     string `json:"closedPnl"`
	Leverage      string `json:"leverage"`
	CreatedTime   string `json:"createdTime"`
	UpdatedTime   string `json:"updatedTime"`
}

// GetClosedPnl 获取已结算盈亏记录（按时间窗口）
func (c *Client) GetClosedPnl(ctx context.Context, category, symbol string, startTime, endTime time.Time, limit int) ([]ClosedPnlRecord, error) {
	params := map[string]interface{}{
		"category": category,
		"symbol":   symbol,
	}
	if !startTime.IsZero() {
		params["startTime"] = startTime.UnixMilli()
	}
	if !endTime.IsZero() {
		params["endTime"] = endTime.UnixMilli()
	}
	if limit > 0 {
		params["limit"] = limit
	}

	data, err := c.request(ctx, http.MethodGet, "/v5/position/closed-pnl", params)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []ClosedPnlRecord `json:"list"`
	}

	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("解析已结算盈亏失败: %w", err)
	}

	return result.List, nil
}

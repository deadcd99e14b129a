package database

import (
	"context"
	"time"

	"gorm.io/datatypes"
)

// 执行事件状态
const (
	ExecStatusPending = "PENDING"
	ExecStatusSuccess = "SUCCESS"
	ExecStatusFailed  = "FAILED"
	ExecStatusSkipped = "SKIPPED"
	ExecStatusPartial = "PARTIAL"
)

// 交易记录状态
const (
	OrderStatusOpen     = "OPEN"
	OrderStatusFilled   = "FILLED"
	OrderStatusClosed   = "CLOSED"
	OrderStatusCanceled = "CANCELED"
	OrderStatusRejected = "REJECTED"
)

// Database 数据库接口
type Database interface {
	// 执行事件
	SaveExecutionEvent(ctx context.Context, event *ExecutionEvent) error
	FinalizeExecutionEvent(ctx context.Context, eventID, status, errorMessage string, executionTime time.Time, durationMs int64) error
	GetExecutionEvent(ctx context.Context, eventID string) (*ExecutionEvent, error)
	GetExecutionEvents(ctx context.Context, filter *EventFilter) ([]*ExecutionEvent, error)

	// 交易记录
	SaveTrade(ctx context.Context, trade *Trade) error
	GetTrade(ctx context.Context, tradeID string) (*Trade, error)
	GetTrades(ctx context.Context, filter *TradeFilter) ([]*Trade, error)
	GetOpenTrade(ctx context.Context, symbol, positionType string) (*Trade, error)
	UpdateTradeStatus(ctx context.Context, tradeID, status string) error
	GetUnreconciledTrades(ctx context.Context) ([]*Trade, error)
	UpdateTradePnl(ctx context.Context, tradeID string, pnl float64, additionalInfo datatypes.JSON) error

	// 健康检查
	Ping(ctx context.Context) error

	// 关闭连接
	Close() error
}

// 数据模型

// ExecutionEvent 执行事件（审计用，只追加；状态从 PENDING 恰好更新一次到终态）
type ExecutionEvent struct {
	EventID           string         `gorm:"primaryKey;size:64" json:"event_id"`
	EventType         string         `gorm:"index:idx_event_type_time;size:20" json:"event_type"` // OPEN, CLOSE, TREND_TOUCH
	Symbol            string         `gorm:"index:idx_event_symbol;size:50" json:"symbol"`
	PositionType      string         `gorm:"size:10" json:"position_type"` // long, short, 空表示未指定
	ExecStatus        string         `gorm:"index;size:20" json:"exec_status"`
	RequestTime       time.Time      `gorm:"index:idx_event_type_time" json:"request_time"`
	ExecutionTime     *time.Time     `json:"execution_time"`
	ExecutionDuration int64          `json:"execution_duration"` // 毫秒
	RawRequest        datatypes.JSON `json:"raw_request"`
	ErrorMessage      string         `gorm:"type:text" json:"error_message"`
	RequestIP         string         `gorm:"size:64" json:"request_ip"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Trade 交易记录
type Trade struct {
	TradeID        string         `gorm:"primaryKey;size:64" json:"trade_id"`
	EventID        string         `gorm:"index;size:64" json:"event_id"`
	Symbol         string         `gorm:"index:idx_trade_symbol_status;size:50" json:"symbol"`
	OrderType      string         `gorm:"size:20" json:"order_type"` // MARKET
	Side           string         `gorm:"size:10" json:"side"`       // Buy, Sell
	PositionType   string         `gorm:"size:10" json:"position_type"`
	Quantity       float64        `json:"quantity"`
	Price          float64        `json:"price"`
	Leverage       float64        `json:"leverage"`
	TakeProfit     *float64       `json:"take_profit"`
	StopLoss       *float64       `json:"stop_loss"`
	OrderStatus    string         `gorm:"index:idx_trade_symbol_status;size:20" json:"order_status"`
	BybitOrderID   string         `gorm:"index;size:64" json:"bybit_order_id"`
	Pnl            *float64       `json:"pnl"` // 为空表示尚未对账
	AdditionalInfo datatypes.JSON `json:"additional_info"`
	ExecutionTime  time.Time      `gorm:"index" json:"execution_time"`
	CreatedAt      time.Time      `json:"created_at"`
}

// 过滤器

// EventFilter 执行事件过滤器
type EventFilter struct {
	EventType string
	Symbol    string
	Status    string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// TradeFilter 交易记录过滤器
type TradeFilter struct {
	EventID   string
	Symbol    string
	Status    string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

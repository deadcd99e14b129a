package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDatabase GORM 数据库实现
type GormDatabase struct {
	db *gorm.DB
}

// DBConfig 数据库配置
type DBConfig struct {
	Type            string        // sqlite, postgres, mysql
	DSN             string        // 数据源名称
	MaxOpenConns    int           // 最大打开连接数
	MaxIdleConns    int           // 最大空闲连接数
	ConnMaxLifetime time.Duration // 连接最大生命周期
	LogLevel        string        // 日志级别: silent, error, warn, info
}

// NewGormDatabase 创建 GORM 数据库实例
func NewGormDatabase(config *DBConfig) (*GormDatabase, error) {
	var dialector gorm.Dialector

	switch config.Type {
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	// 日志级别
	logLevel := logger.Silent
	switch config.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	// 打开数据库
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 获取底层 sql.DB
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// 配置连接池
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	// 自动迁移
	if err := db.AutoMigrate(
		&ExecutionEvent{},
		&Trade{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	return &GormDatabase{db: db}, nil
}

// SaveExecutionEvent 保存执行事件
func (g *GormDatabase) SaveExecutionEvent(ctx context.Context, event *ExecutionEvent) error {
	return g.db.WithContext(ctx).Create(event).Error
}

// FinalizeExecutionEvent 将执行事件从 PENDING 更新到终态
//
// 只更新仍处于 PENDING 的行，重复调用不会覆盖已写入的终态。
func (g *GormDatabase) FinalizeExecutionEvent(ctx context.Context, eventID, status, errorMessage string, executionTime time.Time, durationMs int64) error {
	result := g.db.WithContext(ctx).Model(&ExecutionEvent{}).
		Where("event_id = ? AND exec_status = ?", eventID, ExecStatusPending).
		Updates(map[string]interface{}{
			"exec_status":        status,
			"error_message":      errorMessage,
			"execution_time":     executionTime,
			"execution_duration": durationMs,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("执行事件 %s 不存在或已是终态", eventID)
	}
	return nil
}

// GetExecutionEvent 查询执行事件
func (g *GormDatabase) GetExecutionEvent(ctx context.Context, eventID string) (*ExecutionEvent, error) {
	var event ExecutionEvent
	err := g.db.WithContext(ctx).Where("event_id = ?", eventID).First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

// GetExecutionEvents 查询执行事件列表
func (g *GormDatabase) GetExecutionEvents(ctx context.Context, filter *EventFilter) ([]*ExecutionEvent, error) {
	query := g.db.WithContext(ctx).Model(&ExecutionEvent{})

	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}
	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.Status != "" {
		query = query.Where("exec_status = ?", filter.Status)
	}
	if filter.StartTime != nil {
		query = query.Where("request_time >= ?", filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("request_time <= ?", filter.EndTime)
	}

	query = query.Order("request_time DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var events []*ExecutionEvent
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}

	return events, nil
}

// SaveTrade 保存交易记录
func (g *GormDatabase) SaveTrade(ctx context.Context, trade *Trade) error {
	return g.db.WithContext(ctx).Create(trade).Error
}

// GetTrade 查询交易记录
func (g *GormDatabase) GetTrade(ctx context.Context, tradeID string) (*Trade, error) {
	var trade Trade
	err := g.db.WithContext(ctx).Where("trade_id = ?", tradeID).First(&trade).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trade, nil
}

// GetTrades 查询交易记录列表
func (g *GormDatabase) GetTrades(ctx context.Context, filter *TradeFilter) ([]*Trade, error) {
	query := g.db.WithContext(ctx).Model(&Trade{})

	if filter.EventID != "" {
		query = query.Where("event_id = ?", filter.EventID)
	}
	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.Status != "" {
		query = query.Where("order_status = ?", filter.Status)
	}
	if filter.StartTime != nil {
		query = query.Where("execution_time >= ?", filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("execution_time <= ?", filter.EndTime)
	}

	query = query.Order("execution_time DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var trades []*Trade
	if err := query.Find(&trades).Error; err != nil {
		return nil, err
	}

	return trades, nil
}

// GetOpenTrade 查询交易对当前的持仓交易记录（最多一条）
func (g *GormDatabase) GetOpenTrade(ctx context.Context, symbol, positionType string) (*Trade, error) {
	query := g.db.WithContext(ctx).
		Where("symbol = ? AND order_status = ?", symbol, OrderStatusOpen)
	if positionType != "" {
		query = query.Where("position_type = ?", positionType)
	}

	var trade Trade
	err := query.Order("execution_time DESC").First(&trade).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trade, nil
}

// UpdateTradeStatus 更新交易记录状态
func (g *GormDatabase) UpdateTradeStatus(ctx context.Context, tradeID, status string) error {
	result := g.db.WithContext(ctx).Model(&Trade{}).
		Where("trade_id = ?", tradeID).
		Update("order_status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("交易记录 %s 不存在", tradeID)
	}
	return nil
}

// GetUnreconciledTrades 查询待对账的交易记录（已成交但盈亏为空）
func (g *GormDatabase) GetUnreconciledTrades(ctx context.Context) ([]*Trade, error) {
	var trades []*Trade
	err := g.db.WithContext(ctx).
		Where("order_status = ? AND pnl IS NULL", OrderStatusFilled).
		Order("execution_time ASC").
		Find(&trades).Error
	if err != nil {
		return nil, err
	}
	return trades, nil
}

// UpdateTradePnl 写入对账后的盈亏和附加信息
func (g *GormDatabase) UpdateTradePnl(ctx context.Context, tradeID string, pnl float64, additionalInfo datatypes.JSON) error {
	updates := map[string]interface{}{
		"pnl": pnl,
	}
	if additionalInfo != nil {
		updates["additional_info"] = additionalInfo
	}

	result := g.db.WithContext(ctx).Model(&Trade{}).
		Where("trade_id = ?", tradeID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("交易记录 %s 不存在", tradeID)
	}
	return nil
}

// Ping 健康检查
func (g *GormDatabase) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (g *GormDatabase) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

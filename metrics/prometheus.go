package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *PrometheusMetrics

	// 执行指标
	executionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantexec_execution_total",
			Help: "Total number of execution requests by terminal status",
		},
		[]string{"event_type", "symbol", "status"},
	)

	executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quantexec_execution_duration_seconds",
			Help:    "End-to-end execution request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
		[]string{"event_type", "symbol"},
	)

	// 交易指标
	tradeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantexec_trade_total",
			Help: "Total number of trade records written",
		},
		[]string{"symbol", "side", "status"},
	)

	tradeVolume = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantexec_trade_volume_total",
			Help: "Total traded quantity in base currency",
		},
		[]string{"symbol", "side"},
	)

	// 盈亏指标
	realizedPnl = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quantexec_realized_pnl_total",
			Help: "Cumulative realized profit and loss from reconciliation",
		},
		[]string{"symbol"},
	)

	// 对账指标
	reconciliationRunTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quantexec_reconciliation_run_total",
			Help: "Total number of reconciliation runs",
		},
	)

	reconciliationTradeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantexec_reconciliation_trade_total",
			Help: "Reconciliation outcomes per trade",
		},
		[]string{"symbol", "outcome"}, // outcome: matched, unmatched, error
	)

	// 锁指标
	lockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantexec_lock_acquire_total",
			Help: "Total number of lock acquisitions",
		},
		[]string{"key", "status"}, // status: success, failed
	)

	lockHoldDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quantexec_lock_hold_duration_seconds",
			Help:    "Lock hold duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0},
		},
		[]string{"key"},
	)

	// 系统指标
	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quantexec_goroutine_count",
			Help: "Number of goroutines",
		},
	)

	memoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quantexec_memory_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		},
	)
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct{}

// GetPrometheusMetrics 获取指标收集器单例
func GetPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		instance = &PrometheusMetrics{}
	})
	return instance
}

// 执行相关指标记录

// RecordExecution 记录执行请求的终态和耗时
func (pm *PrometheusMetrics) RecordExecution(eventType, symbol, status string, duration time.Duration) {
	executionTotal.WithLabelValues(eventType, symbol, status).Inc()
	executionDuration.WithLabelValues(eventType, symbol).Observe(duration.Seconds())
}

// RecordTrade 记录交易记录写入
func (pm *PrometheusMetrics) RecordTrade(symbol, side, status string, quantity float64) {
	tradeTotal.WithLabelValues(symbol, side, status).Inc()
	if quantity > 0 {
		tradeVolume.WithLabelValues(symbol, side).Add(quantity)
	}
}

// 盈亏相关指标记录

// AddRealizedPnl 累加对账写回的已实现盈亏
func (pm *PrometheusMetrics) AddRealizedPnl(symbol string, pnl float64) {
	realizedPnl.WithLabelValues(symbol).Add(pnl)
}

// 对账相关指标记录

// RecordReconciliationRun 记录一次对账运行
func (pm *PrometheusMetrics) RecordReconciliationRun() {
	reconciliationRunTotal.Inc()
}

// RecordReconciliationOutcome 记录单笔交易的对账结果
func (pm *PrometheusMetrics) RecordReconciliationOutcome(symbol, outcome string) {
	reconciliationTradeTotal.WithLabelValues(symbol, outcome).Inc()
}

// 锁相关指标记录

// RecordLockAcquire 记录锁获取
func (pm *PrometheusMetrics) RecordLockAcquire(key, status string) {
	lockAcquireTotal.WithLabelValues(key, status).Inc()
}

// RecordLockHold 记录锁持有时长
func (pm *PrometheusMetrics) RecordLockHold(key string, duration time.Duration) {
	lockHoldDuration.WithLabelValues(key).Observe(duration.Seconds())
}

// 系统相关指标记录

// SetGoroutineCount 设置 Goroutine 数量
func (pm *PrometheusMetrics) SetGoroutineCount(count int) {
	goroutineCount.Set(float64(count))
}

// SetMemoryAlloc 设置堆内存分配
func (pm *PrometheusMetrics) SetMemoryAlloc(bytes uint64) {
	memoryAllocBytes.Set(float64(bytes))
}

package utils

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CalculateOrderQuantity 根据账户余额计算下单数量
//
// 名义价值 = 余额 * 百分比 / 100 * 杠杆，数量 = 名义价值 / 价格，
// 按步进向下取整后夹在 [minQty, maxQty] 区间内。
// 任何算术上无法计算的情况（价格/步进非正数、结果非有限值）返回 minQty，
// 让交易所的最终校验来拒绝，而不是在本地报错。
func CalculateOrderQuantity(balance, sizePercent, leverage, price, minQty, stepQty, maxQty float64) float64 {
	if price <= 0 || stepQty <= 0 {
		return minQty
	}

	notional := balance * sizePercent / 100.0 * leverage
	qty := notional / price
	if math.IsNaN(qty) || math.IsInf(qty, 0) {
		return minQty
	}

	// 按步进向下取整
	qty = math.Floor(qty/stepQty) * stepQty

	// 区间夹取
	if qty < minQty {
		qty = minQty
	}
	if maxQty > 0 && qty > maxQty {
		qty = maxQty
	}
	return qty
}

// CalculateFixedQuantity 根据固定金额（USDT）计算下单数量
//
// 固定金额视为保证金本金，乘以杠杆后除以价格。取整与夹取规则同上。
func CalculateFixedQuantity(fixedAmount, leverage, price, minQty, stepQty, maxQty float64) float64 {
	if price <= 0 || stepQty <= 0 {
		return minQty
	}

	qty := fixedAmount * leverage / price
	if math.IsNaN(qty) || math.IsInf(qty, 0) {
		return minQty
	}

	qty = math.Floor(qty/stepQty) * stepQty

	if qty < minQty {
		qty = minQty
	}
	if maxQty > 0 && qty > maxQty {
		qty = maxQty
	}
	return qty
}

// RoundToTick 将数值按最小变动单位向下取整（价格和数量通用）
func RoundToTick(value, tick float64) float64 {
	if tick <= 0 {
		return value
	}
	return math.Floor(value/tick) * tick
}

// CalculatePnl 客户端估算已实现盈亏
//
// 多头收益率 = (平仓价 - 开仓价) / 开仓价，空头取反；
// 盈亏 = 数量 * 开仓价 * 收益率 * 杠杆。
// 仅用于即时展示，对账时以交易所返回的已结算盈亏为准。
func CalculatePnl(entryPrice, exitPrice float64, positionType string, quantity, leverage float64) float64 {
	if entryPrice <= 0 {
		return 0
	}
	ratio := (exitPrice - entryPrice) / entryPrice
	if strings.EqualFold(positionType, "short") {
		ratio = -ratio
	}
	return quantity * entryPrice * ratio * leverage
}

// GetDecimalPlaces 获取最小变动单位对应的小数位数
// 例如 0.001 -> 3，1 -> 0
func GetDecimalPlaces(tick float64) int {
	if tick <= 0 {
		return 0
	}
	s := strconv.FormatFloat(tick, 'f', -1, 64)
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return 0
	}
	return len(s) - idx - 1
}

// FormatNumber 按最小变动单位的小数位数格式化数值（用于下单字符串参数）
func FormatNumber(value, tick float64) string {
	return strconv.FormatFloat(value, 'f', GetDecimalPlaces(tick), 64)
}

// SafeFloat 安全解析字符串为浮点数，空串或解析失败返回0
func SafeFloat(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// ParseFloat 解析字符串为浮点数，解析失败返回错误
func ParseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("空字符串无法解析为数字")
	}
	return strconv.ParseFloat(s, 64)
}

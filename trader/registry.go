package trader

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"quantexec/config"
	"quantexec/exchange/bybit"
	"quantexec/logger"
)

// Registry 交易对到 Trader 的显式注册表
//
// 启动时按配置构建一次，之后按引用传递给执行器和 Web 层。
type Registry struct {
	mu      sync.RWMutex
	traders map[string]*Trader
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{
		traders: make(map[string]*Trader),
	}
}

// BuildRegistry 按配置为每个已配置凭证的交易对构建 Trader
//
// 单个交易对初始化失败会跳过并告警，不影响其他交易对。
func BuildRegistry(ctx context.Context, cfg *config.Config) (*Registry, error) {
	registry := NewRegistry()

	for _, symbol := range cfg.SupportedSymbols() {
		acct, ok := cfg.AccountFor(symbol)
		if !ok {
			continue
		}

		client := bybit.NewClient(acct.APIKey, acct.SecretKey, bybit.Options{
			BaseURL:    cfg.Bybit.BaseURL,
			Testnet:    cfg.Bybit.Testnet,
			RecvWindow: cfg.Bybit.RecvWindow,
		})

		t, err := NewTrader(ctx, symbol, client, cfg.SettingsFor(symbol))
		if err != nil {
			logger.Error("❌ [Registry] %s 初始化失败，已跳过: %v", symbol, err)
			continue
		}
		registry.Register(t)
	}

	if len(registry.Symbols()) == 0 {
		return nil, fmt.Errorf("没有任何交易对初始化成功")
	}

	return registry, nil
}

// Register 注册 Trader
func (r *Registry) Register(t *Trader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traders[t.Symbol()] = t
}

// Get 按交易对获取 Trader
func (r *Registry) Get(symbol string) (*Trader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.traders[symbol]
	return t, ok
}

// Symbols 返回已注册的交易对（字典序）
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	symbols := make([]string, 0, len(r.traders))
	for symbol := range r.traders {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// UpdateSettings 将新配置的交易参数下发到所有已注册的 Trader（热更新）
func (r *Registry) UpdateSettings(cfg *config.Config) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for symbol, t := range r.traders {
		t.UpdateSettings(cfg.SettingsFor(symbol))
	}
}

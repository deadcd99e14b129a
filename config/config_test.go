package config

import (
	"testing"
)

const minimalYAML = `
bybit:
  accounts:
    BTC:
      api_key: "k"
      secret_key: "s"
`

func TestLoadConfigFromBytesDefaults(t *testing.T) {
	cfg, err := LoadConfigFromBytes([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("加载最小配置失败: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("期望默认监听地址 0.0.0.0，实际 %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("期望默认端口 8080，实际 %d", cfg.Server.Port)
	}
	if cfg.Bybit.BaseURL != "https://api.bybit.com" {
		t.Errorf("期望默认主网地址，实际 %s", cfg.Bybit.BaseURL)
	}
	if cfg.Database.Type != "sqlite" {
		t.Errorf("期望默认数据库类型 sqlite，实际 %s", cfg.Database.Type)
	}
	if cfg.Lock.Type != "local" {
		t.Errorf("期望默认锁类型 local，实际 %s", cfg.Lock.Type)
	}

	// 交易参数默认值（10%仓位，5倍杠杆，3%/1.5%止盈止损，2秒结算等待）
	ts := cfg.Trading.Defaults
	if ts.SizingMode != "percent" {
		t.Errorf("期望默认仓位模式 percent，实际 %s", ts.SizingMode)
	}
	if ts.SizePercent != 10.0 {
		t.Errorf("期望默认仓位百分比 10.0，实际 %v", ts.SizePercent)
	}
	if ts.Leverage != 5 {
		t.Errorf("期望默认杠杆 5，实际 %v", ts.Leverage)
	}
	if ts.TakeProfitPercent != 3.0 || ts.StopLossPercent != 1.5 {
		t.Errorf("期望默认止盈/止损 3.0/1.5，实际 %v/%v", ts.TakeProfitPercent, ts.StopLossPercent)
	}
	if ts.SettleWaitSeconds != 2 {
		t.Errorf("期望默认结算等待 2 秒，实际 %d", ts.SettleWaitSeconds)
	}
}

func TestLoadConfigTestnetBaseURL(t *testing.T) {
	cfg, err := LoadConfigFromBytes([]byte(`
bybit:
  testnet: true
  accounts:
    BTC:
      api_key: "k"
      secret_key: "s"
`))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Bybit.BaseURL != "https://api-testnet.bybit.com" {
		t.Errorf("期望测试网地址，实际 %s", cfg.Bybit.BaseURL)
	}
}

func TestValidateRejectsMissingAccounts(t *testing.T) {
	_, err := LoadConfigFromBytes([]byte(`
server:
  port: 9000
`))
	if err == nil {
		t.Fatal("期望未配置凭证时验证失败")
	}
}

func TestValidateRejectsIncompleteAccount(t *testing.T) {
	_, err := LoadConfigFromBytes([]byte(`
bybit:
  accounts:
    BTC:
      api_key: "k"
`))
	if err == nil {
		t.Fatal("期望凭证不完整时验证失败")
	}
}

func TestValidateRejectsBadDatabaseType(t *testing.T) {
	_, err := LoadConfigFromBytes([]byte(minimalYAML + `
database:
  type: "oracle"
`))
	if err == nil {
		t.Fatal("期望不支持的数据库类型验证失败")
	}
}

func TestCoinBase(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT":  "BTC",
		"btcusdt":  "BTC",
		" ETHUSDT": "ETH",
		"SOLUSDT":  "SOL",
		"BTC":      "BTC",
	}
	for in, want := range cases {
		if got := CoinBase(in); got != want {
			t.Errorf("CoinBase(%q) 期望 %s，实际 %s", in, want, got)
		}
	}
}

func TestSettingsForMergesOverrides(t *testing.T) {
	cfg, err := LoadConfigFromBytes([]byte(`
bybit:
  accounts:
    BTC:
      api_key: "k"
      secret_key: "s"
    ETH:
      api_key: "k2"
      secret_key: "s2"
trading:
  defaults:
    leverage: 5
    take_profit_percent: 3.0
  symbols:
    ETH:
      leverage: 10
`))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	// ETH 覆盖杠杆，其余回落默认值
	eth := cfg.SettingsFor("ETHUSDT")
	if eth.Leverage != 10 {
		t.Errorf("期望 ETH 杠杆覆盖为 10，实际 %v", eth.Leverage)
	}
	if eth.TakeProfitPercent != 3.0 {
		t.Errorf("期望 ETH 止盈回落默认 3.0，实际 %v", eth.TakeProfitPercent)
	}
	if eth.SizePercent != 10.0 {
		t.Errorf("期望 ETH 仓位百分比回落默认 10.0，实际 %v", eth.SizePercent)
	}

	// BTC 无覆盖，使用默认
	btc := cfg.SettingsFor("BTCUSDT")
	if btc.Leverage != 5 {
		t.Errorf("期望 BTC 使用默认杠杆 5，实际 %v", btc.Leverage)
	}
}

func TestAccountForAndIsSupported(t *testing.T) {
	cfg, err := LoadConfigFromBytes([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	acct, ok := cfg.AccountFor("BTCUSDT")
	if !ok {
		t.Fatal("期望 BTCUSDT 有对应凭证")
	}
	if acct.APIKey != "k" {
		t.Errorf("期望 api_key 为 k，实际 %s", acct.APIKey)
	}

	if cfg.IsSupported("DOGEUSDT") {
		t.Error("期望未配置的 DOGEUSDT 不受支持")
	}

	symbols := cfg.SupportedSymbols()
	if len(symbols) != 1 || symbols[0] != "BTCUSDT" {
		t.Errorf("期望支持的交易对为 [BTCUSDT]，实际 %v", symbols)
	}
}

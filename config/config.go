package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AccountConfig 单币种的 Bybit API 凭证
type AccountConfig struct {
	APIKey    string `yaml:"api_key" json:"api_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
}

// TradeSettings 单币种的交易参数
type TradeSettings struct {
	SizingMode        string  `yaml:"sizing_mode" json:"sizing_mode"`                 // 仓位计算方式: percent（余额百分比）或 fixed（固定金额）
	SizePercent       float64 `yaml:"size_percent" json:"size_percent"`               // 百分比模式：余额百分比（默认10.0）
	FixedAmount       float64 `yaml:"fixed_amount" json:"fixed_amount"`               // 固定模式：本金金额 USDT（默认100.0）
	Leverage          float64 `yaml:"leverage" json:"leverage"`                       // 杠杆倍数（默认5）
	TakeProfitPercent float64 `yaml:"take_profit_percent" json:"take_profit_percent"` // 止盈百分比（默认3.0）
	StopLossPercent   float64 `yaml:"stop_loss_percent" json:"stop_loss_percent"`     // 止损百分比（默认1.5）
	SettleWaitSeconds int     `yaml:"settle_wait_seconds" json:"settle_wait_seconds"` // 下单后等待成交结算的秒数（默认2）
}

// Config 交易执行服务配置
type Config struct {
	// Web 服务配置
	Server struct {
		Host   string `yaml:"host"`    // 监听地址（默认 0.0.0.0）
		Port   int    `yaml:"port"`    // 监听端口（默认 8080）
		APIKey string `yaml:"api_key"` // 共享密钥（可选，为空则不启用 X-API-Key 认证）
	} `yaml:"server"`

	// Bybit 交易所配置
	Bybit struct {
		BaseURL    string                   `yaml:"base_url"`    // API 地址，默认 https://api.bybit.com
		Testnet    bool                     `yaml:"testnet"`     // 是否使用测试网（默认 false）
		RecvWindow int                      `yaml:"recv_window"` // 签名有效窗口（毫秒，默认5000）
		Timeout    int                      `yaml:"timeout"`     // HTTP 超时（秒，默认10）
		Accounts   map[string]AccountConfig `yaml:"accounts"`    // 按币种基础代码配置凭证，如 BTC、ETH
	} `yaml:"bybit"`

	// 交易参数配置
	Trading struct {
		Defaults TradeSettings            `yaml:"defaults"` // 默认交易参数
		Symbols  map[string]TradeSettings `yaml:"symbols"`  // 按币种基础代码覆盖，如 BTC、ETH
	} `yaml:"trading"`

	// 数据库配置（支持 SQLite、PostgreSQL、MySQL）
	Database struct {
		Type            string `yaml:"type"`              // 数据库类型: sqlite, postgres, mysql，默认 sqlite
		DSN             string `yaml:"dsn"`               // 数据源名称，默认 ./data/quantexec.db
		MaxOpenConns    int    `yaml:"max_open_conns"`    // 最大打开连接数，默认100
		MaxIdleConns    int    `yaml:"max_idle_conns"`    // 最大空闲连接数，默认10
		ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 连接最大生命周期（秒），默认3600
		LogLevel        string `yaml:"log_level"`         // 日志级别: silent, error, warn, info，默认 error
	} `yaml:"database"`

	// 交易对串行化锁配置
	Lock struct {
		Type       string `yaml:"type"`        // 锁类型: local, redis, nop，默认 local
		Prefix     string `yaml:"prefix"`      // 锁键前缀，默认 "quantexec:lock:"
		DefaultTTL int    `yaml:"default_ttl"` // 锁过期时间（秒，默认30）

		Redis struct {
			Addr     string `yaml:"addr"`      // Redis 地址，默认 localhost:6379
			Password string `yaml:"password"`  // Redis 密码，默认为空
			DB       int    `yaml:"db"`        // Redis 数据库，默认0
			PoolSize int    `yaml:"pool_size"` // 连接池大小，默认10
		} `yaml:"redis"`
	} `yaml:"lock"`

	// 盈亏对账配置
	Reconciliation struct {
		DelaySeconds     int `yaml:"delay_seconds"`      // 平仓后延迟对账的秒数（默认60）
		SymbolIntervalMs int `yaml:"symbol_interval_ms"` // 批量对账时相邻币种查询的最小间隔（毫秒，默认500）
		LookbackHours    int `yaml:"lookback_hours"`     // 已结算盈亏查询回看窗口（小时，默认24）
	} `yaml:"reconciliation"`

	// 通知配置
	Notifications struct {
		Enabled bool `yaml:"enabled"`

		Telegram struct {
			Enabled  bool   `yaml:"enabled"`
			BotToken string `yaml:"bot_token"`
			ChatID   string `yaml:"chat_id"`
		} `yaml:"telegram"`

		Webhook struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url"`
			Timeout int    `yaml:"timeout"` // 超时时间（秒，默认3）
		} `yaml:"webhook"`

		// 通知规则：哪些结果需要通知
		Rules struct {
			ExecutionFailed  bool `yaml:"execution_failed"`  // 执行失败
			ExecutionPartial bool `yaml:"execution_partial"` // 部分执行（需要人工介入）
		} `yaml:"rules"`
	} `yaml:"notifications"`

	// 系统配置
	System struct {
		LogLevel string `yaml:"log_level"` // 日志级别: debug, info, warn, error
		Timezone string `yaml:"timezone"`  // 时区，如 "Asia/Shanghai"
	} `yaml:"system"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %v", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %v", err)
	}

	return &cfg, nil
}

// LoadConfigFromBytes 从字节数组加载配置（用于测试）
func LoadConfigFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %v", err)
	}

	return &cfg, nil
}

// Validate 验证配置并填充默认值
func (c *Config) Validate() error {
	// Web 服务默认值
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}

	// Bybit 默认值
	if c.Bybit.BaseURL == "" {
		if c.Bybit.Testnet {
			c.Bybit.BaseURL = "https://api-testnet.bybit.com"
		} else {
			c.Bybit.BaseURL = "https://api.bybit.com"
		}
	}
	if c.Bybit.RecvWindow <= 0 {
		c.Bybit.RecvWindow = 5000
	}
	if c.Bybit.Timeout <= 0 {
		c.Bybit.Timeout = 10
	}

	// 必须至少配置一个币种的凭证
	if len(c.Bybit.Accounts) == 0 {
		return fmt.Errorf("未配置任何币种的 API 凭证，请在 bybit.accounts 中添加配置")
	}
	for coin, acct := range c.Bybit.Accounts {
		if acct.APIKey == "" || acct.SecretKey == "" {
			return fmt.Errorf("币种 %s 的 API 配置不完整", coin)
		}
	}

	// 交易参数默认值
	applyTradeDefaults(&c.Trading.Defaults)
	if c.Trading.Symbols == nil {
		c.Trading.Symbols = make(map[string]TradeSettings)
	}
	for coin, ts := range c.Trading.Symbols {
		merged := mergeTradeSettings(c.Trading.Defaults, ts)
		if merged.SizingMode != "percent" && merged.SizingMode != "fixed" {
			return fmt.Errorf("币种 %s 的 sizing_mode 必须是 percent 或 fixed", coin)
		}
		c.Trading.Symbols[coin] = merged
	}

	// 数据库默认值
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	switch c.Database.Type {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("不支持的数据库类型: %s（支持 sqlite, postgres, mysql）", c.Database.Type)
	}
	if c.Database.DSN == "" {
		if c.Database.Type == "sqlite" {
			c.Database.DSN = "./data/quantexec.db"
		} else {
			return fmt.Errorf("数据库类型 %s 必须配置 dsn", c.Database.Type)
		}
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 100
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = 3600
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "error"
	}

	// 锁默认值
	if c.Lock.Type == "" {
		c.Lock.Type = "local"
	}
	switch c.Lock.Type {
	case "local", "redis", "nop":
	default:
		return fmt.Errorf("不支持的锁类型: %s（支持 local, redis, nop）", c.Lock.Type)
	}
	if c.Lock.Prefix == "" {
		c.Lock.Prefix = "quantexec:lock:"
	}
	if c.Lock.DefaultTTL <= 0 {
		c.Lock.DefaultTTL = 30
	}
	if c.Lock.Type == "redis" {
		if c.Lock.Redis.Addr == "" {
			c.Lock.Redis.Addr = "localhost:6379"
		}
		if c.Lock.Redis.PoolSize <= 0 {
			c.Lock.Redis.PoolSize = 10
		}
	}

	// 对账默认值
	if c.Reconciliation.DelaySeconds <= 0 {
		c.Reconciliation.DelaySeconds = 60
	}
	if c.Reconciliation.SymbolIntervalMs <= 0 {
		c.Reconciliation.SymbolIntervalMs = 500
	}
	if c.Reconciliation.LookbackHours <= 0 {
		c.Reconciliation.LookbackHours = 24
	}

	// 通知默认值
	if c.Notifications.Webhook.Timeout <= 0 {
		c.Notifications.Webhook.Timeout = 3
	}

	// 系统默认值
	if c.System.LogLevel == "" {
		c.System.LogLevel = "info"
	}
	if c.System.Timezone == "" {
		c.System.Timezone = "Asia/Shanghai"
	}

	return nil
}

// applyTradeDefaults 填充交易参数默认值（原始系统默认：10% 仓位，5倍杠杆，3%止盈/1.5%止损）
func applyTradeDefaults(ts *TradeSettings) {
	if ts.SizingMode == "" {
		ts.SizingMode = "percent"
	}
	if ts.SizePercent <= 0 {
		ts.SizePercent = 10.0
	}
	if ts.FixedAmount <= 0 {
		ts.FixedAmount = 100.0
	}
	if ts.Leverage <= 0 {
		ts.Leverage = 5
	}
	if ts.TakeProfitPercent <= 0 {
		ts.TakeProfitPercent = 3.0
	}
	if ts.StopLossPercent <= 0 {
		ts.StopLossPercent = 1.5
	}
	if ts.SettleWaitSeconds <= 0 {
		ts.SettleWaitSeconds = 2
	}
}

// mergeTradeSettings 按币种覆盖默认交易参数（零值字段回落到默认值）
func mergeTradeSettings(base, override TradeSettings) TradeSettings {
	out := base
	if override.SizingMode != "" {
		out.SizingMode = override.SizingMode
	}
	if override.SizePercent > 0 {
		out.SizePercent = override.SizePercent
	}
	if override.FixedAmount > 0 {
		out.FixedAmount = override.FixedAmount
	}
	if override.Leverage > 0 {
		out.Leverage = override.Leverage
	}
	if override.TakeProfitPercent > 0 {
		out.TakeProfitPercent = override.TakeProfitPercent
	}
	if override.StopLossPercent > 0 {
		out.StopLossPercent = override.StopLossPercent
	}
	if override.SettleWaitSeconds > 0 {
		out.SettleWaitSeconds = override.SettleWaitSeconds
	}
	return out
}

// CoinBase 提取交易对的基础币种代码（BTCUSDT -> BTC）
func CoinBase(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	return strings.TrimSuffix(s, "USDT")
}

// AccountFor 获取交易对对应的 API 凭证
func (c *Config) AccountFor(symbol string) (AccountConfig, bool) {
	acct, ok := c.Bybit.Accounts[CoinBase(symbol)]
	return acct, ok
}

// SettingsFor 获取交易对的生效交易参数（币种覆盖 + 默认值）
func (c *Config) SettingsFor(symbol string) TradeSettings {
	if ts, ok := c.Trading.Symbols[CoinBase(symbol)]; ok {
		return ts
	}
	return c.Trading.Defaults
}

// SupportedSymbols 返回已配置凭证的交易对列表（币种基础代码 + USDT）
func (c *Config) SupportedSymbols() []string {
	symbols := make([]string, 0, len(c.Bybit.Accounts))
	for coin := range c.Bybit.Accounts {
		symbols = append(symbols, strings.ToUpper(coin)+"USDT")
	}
	return symbols
}

// IsSupported 判断交易对是否已配置凭证
func (c *Config) IsSupported(symbol string) bool {
	_, ok := c.AccountFor(symbol)
	return ok
}

// CreateDefaultConfig 生成带注释的默认配置文件（--init 引导用）
func CreateDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("配置文件已存在: %s", configPath)
	}

	const template = `# quantexec 配置文件

server:
  host: "0.0.0.0"
  port: 8080
  api_key: ""          # 为空则不启用 X-API-Key 认证

bybit:
  testnet: false
  recv_window: 5000
  timeout: 10
  accounts:            # 按币种基础代码配置凭证
    BTC:
      api_key: "your-api-key"
      secret_key: "your-secret-key"

trading:
  defaults:
    sizing_mode: "percent"   # percent 或 fixed
    size_percent: 10.0       # 余额百分比
    fixed_amount: 100.0      # 固定本金（USDT）
    leverage: 5
    take_profit_percent: 3.0
    stop_loss_percent: 1.5
    settle_wait_seconds: 2
  symbols: {}                # 按币种覆盖，如 BTC: { leverage: 10 }

database:
  type: "sqlite"             # sqlite / postgres / mysql
  dsn: "./data/quantexec.db"

lock:
  type: "local"              # local / redis / nop

reconciliation:
  delay_seconds: 60
  symbol_interval_ms: 500
  lookback_hours: 24

notifications:
  enabled: false
  rules:
    execution_failed: true
    execution_partial: true

system:
  log_level: "info"
  timezone: "Asia/Shanghai"
`

	if err := os.WriteFile(configPath, []byte(template), 0644); err != nil {
		return fmt.Errorf("写入配置文件失败: %v", err)
	}
	return nil
}

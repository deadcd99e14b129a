package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quantexec/config"
	"quantexec/database"
	"quantexec/executor"
	"quantexec/lock"
	"quantexec/logger"
	"quantexec/metrics"
	"quantexec/notify"
	"quantexec/recon"
	"quantexec/trader"
	"quantexec/utils"
	"quantexec/web"
)

// Version 版本号
var Version = "1.2.0"

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	initConfig := flag.Bool("init", false, "生成默认配置文件后退出")
	initDB := flag.Bool("init-db", false, "初始化数据库表结构后退出")
	showVersion := flag.Bool("version", false, "显示版本号后退出")
	flag.Parse()

	if *showVersion {
		fmt.Printf("QuantExec Execution Orchestrator\n")
		fmt.Printf("Version: %s\n", Version)
		os.Exit(0)
	}

	if *initConfig {
		if err := config.CreateDefaultConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置文件失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✅ 已生成默认配置文件: %s，请填入 API 凭证后启动\n", *configPath)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 日志与时区
	logger.SetLevel(logger.ParseLogLevel(cfg.System.LogLevel))
	if err := utils.SetLocation(cfg.System.Timezone); err != nil {
		logger.Warn("⚠️ 加载时区 %s 失败: %v，将使用默认时区 Asia/Shanghai", cfg.System.Timezone, err)
		utils.SetLocation("Asia/Shanghai")
	}
	logger.SetLocation(utils.GlobalLocation)
	if err := logger.InitWebLogger(); err != nil {
		logger.Warn("⚠️ 初始化 Web 日志失败: %v，Web 请求日志将不落盘", err)
	}
	defer logger.Close()

	logger.Info("🚀 QuantExec 交易执行服务启动...")
	logger.Info("📦 版本号: %s", Version)
	logger.Info("✅ 配置加载成功: 交易对=%v, 测试网=%v, 数据库=%s, 锁=%s",
		cfg.SupportedSymbols(), cfg.Bybit.Testnet, cfg.Database.Type, cfg.Lock.Type)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 数据库
	logger.Info("🔧 正在初始化数据库...")
	db, err := database.NewDatabase(&database.Config{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		LogLevel:        cfg.Database.LogLevel,
	})
	if err != nil {
		logger.Fatal("❌ 初始化数据库失败: %v", err)
	}
	defer db.Close()

	// 建表由 AutoMigrate 在连接时完成，-init-db 到这里就结束
	if *initDB {
		logger.Info("✅ 数据库表结构初始化完成: %s (%s)", cfg.Database.DSN, cfg.Database.Type)
		return
	}

	// 每个交易对一个执行单元（含交易规格缓存）
	logger.Info("🔧 正在初始化交易单元...")
	registry, err := trader.BuildRegistry(ctx, cfg)
	if err != nil {
		logger.Fatal("❌ 初始化交易单元失败: %v", err)
	}
	for _, symbol := range registry.Symbols() {
		s := cfg.SettingsFor(symbol)
		logger.Info("📊 [%s] 生效参数: 模式=%s, 比例=%.1f%%, 固定=%.1f, 杠杆=%.0fx, 止盈=%.2f%%, 止损=%.2f%%",
			symbol, s.SizingMode, s.SizePercent, s.FixedAmount, s.Leverage, s.TakeProfitPercent, s.StopLossPercent)
	}

	// 交易对串行化锁
	locks, err := lock.NewLock(&lock.Config{
		Type:       cfg.Lock.Type,
		Prefix:     cfg.Lock.Prefix,
		DefaultTTL: time.Duration(cfg.Lock.DefaultTTL) * time.Second,
		Redis: lock.RedisConfig{
			Addr:     cfg.Lock.Redis.Addr,
			Password: cfg.Lock.Redis.Password,
			DB:       cfg.Lock.Redis.DB,
			PoolSize: cfg.Lock.Redis.PoolSize,
		},
	})
	if err != nil {
		logger.Fatal("❌ 初始化交易对锁失败: %v", err)
	}
	defer locks.Close()

	// 盈亏对账与通知
	reconciler := recon.NewReconciler(db, registry, recon.Config{
		Delay:          time.Duration(cfg.Reconciliation.DelaySeconds) * time.Second,
		SymbolInterval: time.Duration(cfg.Reconciliation.SymbolIntervalMs) * time.Millisecond,
		Lookback:       time.Duration(cfg.Reconciliation.LookbackHours) * time.Hour,
	})
	notifier := notify.NewNotificationService(cfg)

	// 执行编排器
	exec := executor.NewExecutor(db, registry, locks,
		time.Duration(cfg.Lock.DefaultTTL)*time.Second, reconciler, notifier)

	// 系统指标采集
	collector := metrics.NewSystemMetricsCollector(30 * time.Second)
	collector.Start()
	defer collector.Stop()

	// 配置热更新：只有交易参数支持热更新
	watcher, err := config.NewConfigWatcher(*configPath, func(newCfg *config.Config) {
		registry.UpdateSettings(newCfg)
		logger.Info("✅ 交易参数已热更新")
	})
	if err != nil {
		logger.Warn("⚠️ 创建配置监控器失败: %v，配置热更新不可用", err)
	} else if err := watcher.Start(ctx); err != nil {
		logger.Warn("⚠️ 启动配置监控器失败: %v，配置热更新不可用", err)
	} else {
		defer watcher.Stop()
		go func() {
			for watchErr := range watcher.GetErrorChan() {
				logger.Warn("⚠️ 配置热更新失败: %v", watchErr)
			}
		}()
	}

	// Web 服务
	ws := web.NewWebServer(cfg, exec, db)
	if err := ws.Start(ctx); err != nil {
		logger.Fatal("❌ 启动 Web 服务失败: %v", err)
	}

	logger.Info("💡 按 Ctrl+C 退出程序")

	// 等待退出信号（SIGINT 或 SIGTERM）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("🛑 收到退出信号，开始优雅关闭...")

	// 先停 Web 服务，拒绝新请求；在途请求随 Shutdown 自然结束
	ws.Stop()

	// 停止所有协程
	cancel()
	time.Sleep(500 * time.Millisecond)

	logger.Info("✅ 服务已关闭")
}

package notify

import (
	"time"

	"quantexec/config"
	"quantexec/logger"
)

// AlertKind 告警类别
type AlertKind string

const (
	AlertExecutionFailed  AlertKind = "EXECUTION_FAILED"  // 执行失败
	AlertExecutionPartial AlertKind = "EXECUTION_PARTIAL" // 部分执行，需要人工介入
)

// Alert 执行告警
type Alert struct {
	Kind      AlertKind
	EventID   string
	EventType string
	Symbol    string
	Message   string
	Timestamp time.Time
}

// Notifier 通知接口
type Notifier interface {
	Send(alert *Alert) error
	Name() string
}

// NotificationService 通知服务
type NotificationService struct {
	notifiers []Notifier
	cfg       *config.Config
}

// NewNotificationService 创建通知服务
func NewNotificationService(cfg *config.Config) *NotificationService {
	ns := &NotificationService{
		cfg: cfg,
	}

	// 初始化启用的通知渠道
	if cfg.Notifications.Enabled {
		if cfg.Notifications.Telegram.Enabled && cfg.Notifications.Telegram.BotToken != "" {
			telegramNotifier, err := NewTelegramNotifier(cfg)
			if err != nil {
				logger.Warn("⚠️ 初始化 Telegram 通知失败: %v", err)
			} else {
				ns.notifiers = append(ns.notifiers, telegramNotifier)
				logger.Info("✅ Telegram 通知已启用")
			}
		}

		if cfg.Notifications.Webhook.Enabled && cfg.Notifications.Webhook.URL != "" {
			webhookNotifier, err := NewWebhookNotifier(cfg)
			if err != nil {
				logger.Warn("⚠️ 初始化 Webhook 通知失败: %v", err)
			} else {
				ns.notifiers = append(ns.notifiers, webhookNotifier)
				logger.Info("✅ Webhook 通知已启用")
			}
		}
	}

	return ns
}

// shouldNotify 检查是否需要通知
func (ns *NotificationService) shouldNotify(kind AlertKind) bool {
	if !ns.cfg.Notifications.Enabled {
		return false
	}

	rules := ns.cfg.Notifications.Rules
	switch kind {
	case AlertExecutionFailed:
		return rules.ExecutionFailed
	case AlertExecutionPartial:
		return rules.ExecutionPartial
	default:
		return false
	}
}

// Notify 异步发送告警到所有启用的渠道
//
// 通知失败只记录日志，不影响主流程。
func (ns *NotificationService) Notify(alert *Alert) {
	if !ns.shouldNotify(alert.Kind) {
		return
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	for _, n := range ns.notifiers {
		go func(n Notifier) {
			if err := n.Send(alert); err != nil {
				logger.Warn("⚠️ [%s] 发送告警失败: %v", n.Name(), err)
			}
		}(n)
	}
}

// Package notify 在任务进入失败态或被终止时向外发送告警。
// 告警器订阅事件总线，和引擎本体完全解耦。
package notify

import "github.com/stevelan1995/gridflow/pkg/core/events"

// Notifier 告警器接口（对外导出）
type Notifier interface {
	// Name 告警器名称（对外导出）
	Name() string
	// Init 初始化告警器（对外导出）
	Init(params map[string]string) error
	// Notify 发送一条任务告警（对外导出）
	Notify(ev events.TaskStatusChanged) error
}

// NewLogNotifier 创建日志告警器（对外导出）
func NewLogNotifier() Notifier {
	return &LogNotifier{name: "log_alert"}
}

// NewEmailNotifier 创建邮件告警器（对外导出）
func NewEmailNotifier() Notifier {
	return &EmailNotifier{name: "email_alert"}
}

// NewSmsNotifier 创建短信告警器（对外导出）
func NewSmsNotifier() Notifier {
	return &SmsNotifier{name: "sms_alert"}
}

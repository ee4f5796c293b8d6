package notify

import (
	"log"

	"github.com/stevelan1995/gridflow/pkg/core/events"
)

// EmailNotifier 邮件告警器（对外导出）
type EmailNotifier struct {
	name     string
	smtpHost string
	smtpPort int
}

// Name 告警器名称（实现Notifier接口，对外导出）
func (e *EmailNotifier) Name() string {
	return e.name
}

// Init 初始化告警器（实现Notifier接口，对外导出）
func (e *EmailNotifier) Init(params map[string]string) error {
	e.smtpHost = params["smtp_host"]
	e.smtpPort = 25
	log.Println("✅ 邮件告警器初始化完成")
	return nil
}

// Notify 发送邮件告警（实现Notifier接口，对外导出）
func (e *EmailNotifier) Notify(ev events.TaskStatusChanged) error {
	log.Printf("📧 发送邮件告警：任务 %s (%s) %s -> %s", ev.TaskID, ev.Kind, ev.From, ev.To)
	return nil
}

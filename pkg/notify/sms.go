package notify

import (
	"log"

	"github.com/stevelan1995/gridflow/pkg/core/events"
)

// SmsNotifier 短信告警器（对外导出）
type SmsNotifier struct {
	name      string
	url       string
	apiKey    string
	apiSecret string
}

// Name 告警器名称（实现Notifier接口，对外导出）
func (s *SmsNotifier) Name() string {
	return s.name
}

// Init 初始化告警器（实现Notifier接口，对外导出）
func (s *SmsNotifier) Init(params map[string]string) error {
	s.url = params["url"]
	s.apiKey = params["api_key"]
	s.apiSecret = params["api_secret"]
	log.Println("✅ 短信告警器初始化完成")
	return nil
}

// Notify 发送短信告警（实现Notifier接口，对外导出）
func (s *SmsNotifier) Notify(ev events.TaskStatusChanged) error {
	log.Printf("🔔 发送短信告警：任务 %s (%s) 进入 %s", ev.TaskID, ev.Kind, ev.To)
	return nil
}

package notify

import (
	"log"

	"github.com/stevelan1995/gridflow/pkg/core/events"
)

// LogNotifier 日志告警器，直接写进程日志（对外导出）
type LogNotifier struct {
	name string
}

// Name 告警器名称（实现Notifier接口，对外导出）
func (l *LogNotifier) Name() string {
	return l.name
}

// Init 初始化告警器（实现Notifier接口，对外导出）
func (l *LogNotifier) Init(params map[string]string) error {
	return nil
}

// Notify 写一条告警日志（实现Notifier接口，对外导出）
func (l *LogNotifier) Notify(ev events.TaskStatusChanged) error {
	log.Printf("❌ 任务告警：%s (%s) 第%d轮 %s -> %s", ev.TaskID, ev.Kind, ev.RunNumber, ev.From, ev.To)
	return nil
}

package notify

import (
	"context"
	"fmt"
	"log"

	"github.com/stevelan1995/gridflow/pkg/core/events"
	"github.com/stevelan1995/gridflow/pkg/core/task"
)

// Watcher 订阅事件总线并把失败事件分发给各告警器（对外导出）
type Watcher struct {
	notifiers []Notifier
}

// NewWatcher 创建Watcher（对外导出）
func NewWatcher(notifiers ...Notifier) *Watcher {
	return &Watcher{notifiers: notifiers}
}

// shouldAlert 判断事件是否需要告警
func shouldAlert(ev events.TaskStatusChanged) bool {
	return task.IsFailed(ev.To) || ev.To == task.StatusTerminated
}

// Watch 开始监听状态事件，随 ctx 取消而退出（对外导出）
func (w *Watcher) Watch(ctx context.Context, bus *events.Bus) error {
	if len(w.notifiers) == 0 {
		return fmt.Errorf("没有可用的告警器")
	}

	ch, err := bus.SubscribeStatusChanges(ctx)
	if err != nil {
		return fmt.Errorf("订阅状态事件失败: %w", err)
	}

	go func() {
		for ev := range ch {
			if !shouldAlert(ev) {
				continue
			}
			for _, n := range w.notifiers {
				if err := n.Notify(ev); err != nil {
					log.Printf("告警器 %s 发送失败: %v", n.Name(), err)
				}
			}
		}
	}()
	return nil
}

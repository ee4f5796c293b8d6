// Package events 发布任务状态变迁事件。
// 进程内订阅方（运维 API 的推送、日志审计）通过它解耦于引擎。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// TopicTaskStatus 任务状态变迁事件的主题名
const TopicTaskStatus = "gridflow.task.status"

// TaskStatusChanged 状态变迁事件载荷
type TaskStatusChanged struct {
	TaskID    string    `json:"task_id"`
	Kind      string    `json:"kind"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	RunNumber int       `json:"run_number"`
	At        time.Time `json:"at"`
}

// Bus 进程内事件总线（对外导出）
type Bus struct {
	pubSub *gochannel.GoChannel
}

// NewBus 创建事件总线（对外导出）
func NewBus() *Bus {
	return &Bus{
		pubSub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, watermill.NopLogger{}),
	}
}

// PublishStatusChange 发布一条状态变迁事件（对外导出）
func (b *Bus) PublishStatusChange(ev TaskStatusChanged) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("序列化状态事件失败: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubSub.Publish(TopicTaskStatus, msg); err != nil {
		return fmt.Errorf("发布状态事件失败: %w", err)
	}
	return nil
}

// SubscribeStatusChanges 订阅状态变迁事件（对外导出）
// 返回的通道随 ctx 取消或总线关闭而关闭。
func (b *Bus) SubscribeStatusChanges(ctx context.Context) (<-chan TaskStatusChanged, error) {
	messages, err := b.pubSub.Subscribe(ctx, TopicTaskStatus)
	if err != nil {
		return nil, fmt.Errorf("订阅状态事件失败: %w", err)
	}
	out := make(chan TaskStatusChanged, 64)
	go func() {
		defer close(out)
		for msg := range messages {
			var ev TaskStatusChanged
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				msg.Nack()
				continue
			}
			msg.Ack()
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close 关闭总线，所有订阅通道随之关闭（对外导出）
func (b *Bus) Close() error {
	return b.pubSub.Close()
}

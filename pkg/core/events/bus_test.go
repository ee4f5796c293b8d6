package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevelan1995/gridflow/pkg/core/task"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.SubscribeStatusChanges(ctx)
	require.NoError(t, err)

	sent := TaskStatusChanged{
		TaskID:    "t-1",
		Kind:      "civet",
		From:      task.StatusNew,
		To:        task.StatusSetup,
		RunNumber: 1,
	}
	require.NoError(t, bus.PublishStatusChange(sent))

	select {
	case got := <-ch:
		assert.Equal(t, "t-1", got.TaskID)
		assert.Equal(t, task.StatusSetup, got.To)
		assert.False(t, got.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("超时未收到状态事件")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1, err := bus.SubscribeStatusChanges(ctx)
	require.NoError(t, err)
	ch2, err := bus.SubscribeStatusChanges(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.PublishStatusChange(TaskStatusChanged{TaskID: "t-2", From: task.StatusActive, To: task.StatusDataReady}))

	for _, ch := range []<-chan TaskStatusChanged{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, "t-2", got.TaskID)
		case <-time.After(2 * time.Second):
			t.Fatal("订阅方未收到广播")
		}
	}
}

func TestSubscribeChannelClosesOnCancel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.SubscribeStatusChanges(ctx)
	require.NoError(t, err)

	cancel()
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("取消后通道未关闭")
	}
}

package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevelan1995/gridflow/pkg/core/events"
	"github.com/stevelan1995/gridflow/pkg/core/task"
)

// captureNotifier 把收到的事件记下来
type captureNotifier struct {
	mu  sync.Mutex
	got []events.TaskStatusChanged
}

func (c *captureNotifier) Name() string                        { return "capture" }
func (c *captureNotifier) Init(params map[string]string) error { return nil }

func (c *captureNotifier) Notify(ev events.TaskStatusChanged) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, ev)
	return nil
}

func (c *captureNotifier) snapshot() []events.TaskStatusChanged {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.TaskStatusChanged, len(c.got))
	copy(out, c.got)
	return out
}

func TestWatcherAlertsOnFailuresOnly(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &captureNotifier{}
	w := NewWatcher(sink)
	require.NoError(t, w.Watch(ctx, bus))

	publish := func(id, from, to string) {
		require.NoError(t, bus.PublishStatusChange(events.TaskStatusChanged{
			TaskID: id, Kind: "civet", From: from, To: to,
		}))
	}

	publish("t1", task.StatusNew, task.StatusSetup)
	publish("t1", task.StatusSetup, task.StatusFailedSetup)
	publish("t2", task.StatusQueued, task.StatusActive)
	publish("t2", task.StatusActive, task.StatusFailedOnCluster)
	publish("t3", task.StatusNew, task.StatusTerminated)
	publish("t4", task.StatusDataReady, task.StatusCompleted)

	// 异步分发，轮询等待
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := sink.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, task.StatusFailedSetup, got[0].To)
	assert.Equal(t, task.StatusFailedOnCluster, got[1].To)
	assert.Equal(t, task.StatusTerminated, got[2].To)
}

func TestWatcherRequiresNotifier(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	w := NewWatcher()
	assert.Error(t, w.Watch(context.Background(), bus))
}

package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	isqlite "github.com/stevelan1995/gridflow/internal/storage/sqlite"
	"github.com/stevelan1995/gridflow/pkg/core/cluster"
	"github.com/stevelan1995/gridflow/pkg/core/portal"
	"github.com/stevelan1995/gridflow/pkg/core/registry"
	"github.com/stevelan1995/gridflow/pkg/core/store"
	"github.com/stevelan1995/gridflow/pkg/core/task"
	"github.com/stevelan1995/gridflow/pkg/storage"
)

// fakeCluster 可编程的执行侧钩子，按名字注册成独立种类
type fakeCluster struct {
	setupOK    bool
	saveOK     bool
	recoverOK  bool
	commands   []string
	setupCalls *int32
}

func (f *fakeCluster) Setup(rc *cluster.RunContext) (bool, error) {
	if f.setupCalls != nil {
		atomic.AddInt32(f.setupCalls, 1)
	}
	if !f.setupOK {
		return false, nil
	}
	return true, rc.SafeMkdir("out")
}

func (f *fakeCluster) ClusterCommands(rc *cluster.RunContext) ([]string, error) {
	return f.commands, nil
}

func (f *fakeCluster) SaveResults(rc *cluster.RunContext) (bool, error) {
	return f.saveOK, nil
}

func (f *fakeCluster) RecoverFromClusterFailure(rc *cluster.RunContext) (bool, error) {
	return f.recoverOK, nil
}

type fakePortal struct{ portal.Base }

func registerFake(t *testing.T, name string, c *fakeCluster) {
	t.Helper()
	if _, exists := registry.Get(name); exists {
		return
	}
	require.NoError(t, registry.Register(registry.Entry{
		Name:    name,
		Portal:  func() portal.Kind { return &fakePortal{} },
		Cluster: func() cluster.Kind { return c },
	}))
}

func newTestEngine(t *testing.T) (*Engine, storage.TaskRepository, context.Context) {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo, err := isqlite.NewTaskRepo(db)
	require.NoError(t, err)

	rs, err := store.NewLocalStore(filepath.Join(t.TempDir(), "provider"), filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)

	eng, err := NewBuilder().
		WithRepository(repo).
		WithResultStore(rs).
		WithWorkRoot(t.TempDir()).
		WithMaxWorkers(4).
		WithMaxRecoveryAttempts(3).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() { eng.Bus().Close() })
	return eng, repo, context.Background()
}

func waitStatus(t *testing.T, repo storage.TaskRepository, id string, want string) *task.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := repo.GetByID(context.Background(), id)
		require.NoError(t, err)
		if rec != nil && rec.Status == want {
			return rec
		}
		time.Sleep(20 * time.Millisecond)
	}
	rec, _ := repo.GetByID(context.Background(), id)
	t.Fatalf("任务 %s 未达到状态 %s，当前 %v", id, want, rec)
	return nil
}

func TestRunTaskToCompletion(t *testing.T) {
	eng, repo, ctx := newTestEngine(t)
	registerFake(t, "fake_ok", &fakeCluster{setupOK: true, saveOK: true, commands: []string{"echo science"}})

	rec := task.NewRecord("fake_ok", "u1", "local")
	require.NoError(t, repo.Save(ctx, rec))

	eng.DispatchTick(ctx)
	got := waitStatus(t, repo, rec.ID, task.StatusCompleted)

	// 日志轨迹覆盖每个阶段
	joined := ""
	for _, l := range got.Log {
		joined += l + "\n"
	}
	assert.Contains(t, joined, "准备工作目录")
	assert.Contains(t, joined, "提交 1 条命令")
	assert.Contains(t, joined, "任务完成")

	// 捕获文件落在工作目录里
	matches, err := filepath.Glob(filepath.Join(got.Workdir, "science.*.stdout"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestNoCommandsSkipsGrid(t *testing.T) {
	eng, repo, ctx := newTestEngine(t)
	registerFake(t, "fake_combine", &fakeCluster{setupOK: true, saveOK: true, commands: nil})

	rec := task.NewRecord("fake_combine", "u1", "local")
	require.NoError(t, repo.Save(ctx, rec))

	eng.DispatchTick(ctx)
	got := waitStatus(t, repo, rec.ID, task.StatusCompleted)

	joined := ""
	for _, l := range got.Log {
		joined += l + "\n"
	}
	assert.Contains(t, joined, "跳过网格提交")
	matches, _ := filepath.Glob(filepath.Join(got.Workdir, "science.*"))
	assert.Empty(t, matches)
}

func TestSetupFailureMarksFailedSetup(t *testing.T) {
	eng, repo, ctx := newTestEngine(t)
	registerFake(t, "fake_badsetup", &fakeCluster{setupOK: false})

	rec := task.NewRecord("fake_badsetup", "u1", "local")
	require.NoError(t, repo.Save(ctx, rec))

	eng.DispatchTick(ctx)
	waitStatus(t, repo, rec.ID, task.StatusFailedSetup)
}

func TestPrerequisiteGatingAndPropagation(t *testing.T) {
	eng, repo, ctx := newTestEngine(t)
	registerFake(t, "fake_fails", &fakeCluster{setupOK: true, saveOK: false, commands: []string{"true"}})
	registerFake(t, "fake_waits", &fakeCluster{setupOK: true, saveOK: true})

	prereq := task.NewRecord("fake_fails", "u1", "local")
	dependent := task.NewRecord("fake_waits", "u1", "local")
	grandchild := task.NewRecord("fake_waits", "u1", "local")
	require.NoError(t, dependent.AddPrerequisiteForSetup(prereq.ID, ""))
	require.NoError(t, grandchild.AddPrerequisiteForSetup(dependent.ID, ""))
	for _, r := range []*task.Record{prereq, dependent, grandchild} {
		require.NoError(t, repo.Save(ctx, r))
	}

	eng.DispatchTick(ctx)
	waitStatus(t, repo, prereq.ID, task.StatusFailedOnCluster)

	// 失败传递给直接和间接依赖方
	waitStatus(t, repo, dependent.ID, task.StatusPrerequisiteFailed)
	waitStatus(t, repo, grandchild.ID, task.StatusPrerequisiteFailed)
}

func TestPrerequisiteSatisfiedRuns(t *testing.T) {
	eng, repo, ctx := newTestEngine(t)
	registerFake(t, "fake_first", &fakeCluster{setupOK: true, saveOK: true})
	registerFake(t, "fake_second", &fakeCluster{setupOK: true, saveOK: true})

	first := task.NewRecord("fake_first", "u1", "local")
	second := task.NewRecord("fake_second", "u1", "local")
	require.NoError(t, second.AddPrerequisiteForSetup(first.ID, ""))
	require.NoError(t, repo.Save(ctx, first))
	require.NoError(t, repo.Save(ctx, second))

	eng.DispatchTick(ctx)
	waitStatus(t, repo, first.ID, task.StatusCompleted)

	// 第一轮不得拾取 second
	got, err := repo.GetByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusNew, got.Status)

	eng.DispatchTick(ctx)
	waitStatus(t, repo, second.ID, task.StatusCompleted)
}

func TestRecoverRequeuesWithIncrementedRun(t *testing.T) {
	eng, repo, ctx := newTestEngine(t)
	registerFake(t, "fake_recoverable", &fakeCluster{setupOK: true, saveOK: false, recoverOK: true, commands: []string{"true"}})

	rec := task.NewRecord("fake_recoverable", "u1", "local")
	require.NoError(t, repo.Save(ctx, rec))
	eng.DispatchTick(ctx)
	waitStatus(t, repo, rec.ID, task.StatusFailedOnCluster)

	require.NoError(t, eng.Recover(ctx, rec.ID))
	got := waitStatus(t, repo, rec.ID, task.StatusNew)
	assert.Equal(t, 2, got.RunNumber)
}

func TestRecoverBoundTerminates(t *testing.T) {
	eng, repo, ctx := newTestEngine(t)
	registerFake(t, "fake_exhausted", &fakeCluster{setupOK: true, saveOK: false, recoverOK: true})

	rec := task.NewRecord("fake_exhausted", "u1", "local")
	rec.Status = task.StatusFailedOnCluster
	rec.RunNumber = 3 // 已达上限
	require.NoError(t, repo.Save(ctx, rec))

	err := eng.Recover(ctx, rec.ID)
	require.Error(t, err)
	waitStatus(t, repo, rec.ID, task.StatusTerminated)
}

func TestRecoverRejectsUnfailedTask(t *testing.T) {
	eng, repo, ctx := newTestEngine(t)
	rec := task.NewRecord("fake_ok", "u1", "local")
	require.NoError(t, repo.Save(ctx, rec))

	err := eng.Recover(ctx, rec.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "不可恢复")
}

func TestRestartAtSetupWipesWorkdir(t *testing.T) {
	eng, repo, ctx := newTestEngine(t)
	registerFake(t, "fake_restart", &fakeCluster{setupOK: true, saveOK: true})

	rec := task.NewRecord("fake_restart", "u1", "local")
	require.NoError(t, repo.Save(ctx, rec))
	eng.DispatchTick(ctx)
	got := waitStatus(t, repo, rec.ID, task.StatusCompleted)

	stale := filepath.Join(got.Workdir, "out", "stale.txt")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	require.NoError(t, eng.RestartAtSetup(ctx, rec.ID))
	requeued := waitStatus(t, repo, rec.ID, task.StatusNew)
	assert.Equal(t, 2, requeued.RunNumber)
	_, statErr := os.Stat(stale)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRestartAtClusterSkipsSetup(t *testing.T) {
	eng, repo, ctx := newTestEngine(t)
	var calls int32
	registerFake(t, "fake_cluster_restart", &fakeCluster{setupOK: true, saveOK: true, commands: []string{"true"}, setupCalls: &calls})

	rec := task.NewRecord("fake_cluster_restart", "u1", "local")
	require.NoError(t, repo.Save(ctx, rec))
	eng.DispatchTick(ctx)
	waitStatus(t, repo, rec.ID, task.StatusCompleted)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	require.NoError(t, eng.RestartAtCluster(ctx, rec.ID))
	eng.DispatchTick(ctx)
	got := waitStatus(t, repo, rec.ID, task.StatusCompleted)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "集群重跑不得重复 SETUP")
	assert.Equal(t, 2, got.RunNumber)
}

func TestDeleteTaskCascadesPrereqDeregistration(t *testing.T) {
	eng, repo, ctx := newTestEngine(t)
	registerFake(t, "fake_del", &fakeCluster{setupOK: true, saveOK: true})

	a := task.NewRecord("fake_del", "u1", "local")
	b := task.NewRecord("fake_del", "u1", "local")
	require.NoError(t, b.AddPrerequisiteForSetup(a.ID, ""))
	require.NoError(t, repo.Save(ctx, a))
	require.NoError(t, repo.Save(ctx, b))

	require.NoError(t, eng.DeleteTask(ctx, a.ID))

	gone, err := repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	got, err := repo.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, got.PrereqForSetup)

	// b 不再被 a 挡住
	eng.DispatchTick(ctx)
	waitStatus(t, repo, b.ID, task.StatusCompleted)
}

func TestEventsPublishedOnTransitions(t *testing.T) {
	eng, repo, ctx := newTestEngine(t)
	registerFake(t, "fake_events", &fakeCluster{setupOK: true, saveOK: true})

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := eng.Bus().SubscribeStatusChanges(subCtx)
	require.NoError(t, err)

	rec := task.NewRecord("fake_events", "u1", "local")
	require.NoError(t, repo.Save(ctx, rec))
	eng.DispatchTick(ctx)
	waitStatus(t, repo, rec.ID, task.StatusCompleted)

	var tos []string
	deadline := time.After(3 * time.Second)
	for len(tos) < 3 {
		select {
		case ev := <-ch:
			if ev.TaskID == rec.ID {
				tos = append(tos, ev.To)
			}
		case <-deadline:
			t.Fatalf("状态事件不足，收到 %v", tos)
		}
	}
	assert.Equal(t, task.StatusSetup, tos[0])
}

// Package engine 驱动任务记录走完生命周期：
// 调度循环拾取前置条件已满足的 NEW 任务，在工作池里依次执行
// SETUP -> 网格提交 -> 采收，失败时传播 PREREQUISITE_FAILED，
// 并提供受次数约束的恢复与重跑入口。
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stevelan1995/gridflow/pkg/core/cluster"
	"github.com/stevelan1995/gridflow/pkg/core/dag"
	"github.com/stevelan1995/gridflow/pkg/core/events"
	"github.com/stevelan1995/gridflow/pkg/core/grid"
	"github.com/stevelan1995/gridflow/pkg/core/registry"
	"github.com/stevelan1995/gridflow/pkg/core/store"
	"github.com/stevelan1995/gridflow/pkg/core/task"
	"github.com/stevelan1995/gridflow/pkg/storage"
)

// Engine 任务生命周期引擎（对外导出）
type Engine struct {
	repo     storage.TaskRepository
	store    store.ResultStore
	grid     grid.Grid
	bus      *events.Bus
	pool     *WorkerPool
	workRoot string

	maxRecoveryAttempts int
	pollSpec            string
	cron                *cron.Cron

	mu        sync.Mutex
	inFlight  map[string]bool
	skipSetup map[string]bool
	running   bool
	wg        sync.WaitGroup
}

// Start 启动调度循环（对外导出）
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	e.cron = cron.New(cron.WithSeconds())
	if _, err := e.cron.AddFunc(e.pollSpec, func() {
		e.DispatchTick(context.Background())
	}); err != nil {
		return fmt.Errorf("注册调度周期 %q 失败: %w", e.pollSpec, err)
	}
	e.cron.Start()
	e.running = true
	log.Println("✅ 任务引擎已启动")
	return nil
}

// Stop 停止调度并等待在途任务收尾（对外导出）
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	c := e.cron
	e.mu.Unlock()

	if c != nil {
		c.Stop()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("✅ 任务引擎已关闭")
	case <-time.After(30 * time.Second):
		log.Println("❌ 任务引擎关闭超时，放弃等待在途任务")
	}
	return nil
}

// Bus 返回事件总线（运维 API 订阅用）
func (e *Engine) Bus() *events.Bus { return e.bus }

// Repo 返回任务存储（运维 API 查询用）
func (e *Engine) Repo() storage.TaskRepository { return e.repo }

// Store 返回结果存储
func (e *Engine) Store() store.ResultStore { return e.store }

// DispatchTick 执行一轮调度（对外导出）
// 拾取前置条件已满足的 NEW 任务并放进工作池。每轮都重建依赖图，
// 图以任务记录上的前置声明为唯一事实来源。
func (e *Engine) DispatchTick(ctx context.Context) {
	news, err := e.repo.ListByStatus(ctx, task.StatusNew)
	if err != nil {
		log.Printf("❌ 调度查询失败: %v", err)
		return
	}
	if len(news) == 0 {
		return
	}

	all, err := e.repo.ListAll(ctx)
	if err != nil {
		log.Printf("❌ 调度查询失败: %v", err)
		return
	}
	graph, err := dag.BuildFromRecords(all)
	if err != nil {
		log.Printf("❌ 依赖图构建失败: %v", err)
		return
	}
	statuses := make(map[string]string, len(all))
	for _, r := range all {
		statuses[r.ID] = r.Status
	}
	statusOf := func(id string) (string, bool) {
		s, ok := statuses[id]
		return s, ok
	}

	for _, rec := range news {
		e.mu.Lock()
		busy := e.inFlight[rec.ID]
		e.mu.Unlock()
		if busy {
			continue
		}
		if !graph.IsRunnable(rec.ID, statusOf) {
			continue
		}

		release, ok := e.pool.TryAcquire(rec.ResourceID)
		if !ok {
			continue
		}
		e.mu.Lock()
		e.inFlight[rec.ID] = true
		e.mu.Unlock()
		e.wg.Add(1)

		r := rec
		go func() {
			defer e.wg.Done()
			defer release()
			defer func() {
				e.mu.Lock()
				delete(e.inFlight, r.ID)
				e.mu.Unlock()
			}()
			e.runTask(ctx, r)
		}()
	}
}

// setStatus 执行状态迁移并持久化、广播
func (e *Engine) setStatus(ctx context.Context, rec *task.Record, to, logFormat string, args ...interface{}) error {
	from := rec.Status
	if err := rec.TransitionTo(to); err != nil {
		return err
	}
	if logFormat != "" {
		rec.AddLog(logFormat, args...)
	}
	if err := e.repo.Save(ctx, rec); err != nil {
		return fmt.Errorf("持久化状态 %s 失败: %w", to, err)
	}
	if e.bus != nil {
		_ = e.bus.PublishStatusChange(events.TaskStatusChanged{
			TaskID:    rec.ID,
			Kind:      rec.Kind,
			From:      from,
			To:        to,
			RunNumber: rec.RunNumber,
		})
	}
	return nil
}

// terminate 程序性错误的终点：任务不再参与生命周期
func (e *Engine) terminate(ctx context.Context, rec *task.Record, reason string) {
	log.Printf("❌ 任务 %s 终止: %s", rec.ID, reason)
	if err := e.setStatus(ctx, rec, task.StatusTerminated, "终止: %s", reason); err != nil {
		// 迁移表拦不住终止：直接落状态，保留日志轨迹
		rec.Status = task.StatusTerminated
		rec.AddLog("终止: %s", reason)
		_ = e.repo.Save(ctx, rec)
	}
	e.sweepFailure(ctx, rec.ID)
}

// fail 预期内失败：任务进入可恢复的失败态并传播给依赖方
func (e *Engine) fail(ctx context.Context, rec *task.Record, status, reason string) {
	log.Printf("❌ 任务 %s 失败（%s）: %s", rec.ID, status, reason)
	if err := e.setStatus(ctx, rec, status, "失败: %s", reason); err != nil {
		e.terminate(ctx, rec, fmt.Sprintf("落入失败态出错: %v", err))
		return
	}
	e.sweepFailure(ctx, rec.ID)
}

// sweepFailure 把失败任务的全部传递依赖方标记为 PREREQUISITE_FAILED
func (e *Engine) sweepFailure(ctx context.Context, failedID string) {
	all, err := e.repo.ListAll(ctx)
	if err != nil {
		log.Printf("❌ 失败传播查询出错: %v", err)
		return
	}
	graph, err := dag.BuildFromRecords(all)
	if err != nil {
		log.Printf("❌ 失败传播图构建出错: %v", err)
		return
	}
	byID := make(map[string]*task.Record, len(all))
	for _, r := range all {
		byID[r.ID] = r
	}
	for _, depID := range graph.FailedDependents(failedID) {
		dep := byID[depID]
		if dep == nil || dep.Status != task.StatusNew {
			continue
		}
		if err := e.setStatus(ctx, dep, task.StatusPrerequisiteFailed, "前置任务 %s 失败", failedID); err != nil {
			log.Printf("❌ 标记任务 %s 前置失败出错: %v", depID, err)
		}
	}
}

func (e *Engine) takeSkipSetup(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.skipSetup[id] {
		delete(e.skipSetup, id)
		return true
	}
	return false
}

// runTask 在工作池中执行一个任务的完整生命周期
func (e *Engine) runTask(ctx context.Context, rec *task.Record) {
	defer func() {
		if p := recover(); p != nil {
			e.terminate(ctx, rec, fmt.Sprintf("执行协程 panic: %v", p))
		}
	}()

	entry, ok := registry.Get(rec.Kind)
	if !ok {
		e.terminate(ctx, rec, fmt.Sprintf("未注册的任务种类 %q", rec.Kind))
		return
	}
	kind := entry.Cluster()

	if rec.Workdir == "" {
		rec.Workdir = filepath.Join(e.workRoot, rec.ID)
	}
	if err := os.MkdirAll(rec.Workdir, 0o755); err != nil {
		e.terminate(ctx, rec, fmt.Sprintf("创建工作目录失败: %v", err))
		return
	}

	skipSetup := e.takeSkipSetup(rec.ID)

	if err := e.setStatus(ctx, rec, task.StatusSetup, "开始准备工作目录（第 %d 次运行）", rec.RunNumber); err != nil {
		e.terminate(ctx, rec, fmt.Sprintf("进入 SETUP 失败: %v", err))
		return
	}

	rc := &cluster.RunContext{
		Ctx:     ctx,
		Task:    rec,
		Workdir: rec.Workdir,
		Store:   e.store,
		TaskLookup: func(id string) (*task.Record, error) {
			return e.repo.GetByID(ctx, id)
		},
	}

	if skipSetup {
		rec.AddLog("按集群重跑要求跳过 SETUP")
	} else {
		ok, err := kind.Setup(rc)
		if err != nil {
			e.terminate(ctx, rec, fmt.Sprintf("SETUP 程序性错误: %v", err))
			return
		}
		if !ok {
			e.fail(ctx, rec, task.StatusFailedSetup, "SETUP 钩子报告失败")
			return
		}
	}

	commands, err := kind.ClusterCommands(rc)
	if err != nil {
		e.terminate(ctx, rec, fmt.Sprintf("生成集群命令失败: %v", err))
		return
	}

	if len(commands) == 0 {
		// 没有集群侧工作的种类直接进入采收
		if err := e.setStatus(ctx, rec, task.StatusDataReady, "无集群侧命令，跳过网格提交"); err != nil {
			e.terminate(ctx, rec, err.Error())
			return
		}
	} else {
		if err := e.setStatus(ctx, rec, task.StatusQueued, "提交 %d 条命令到网格", len(commands)); err != nil {
			e.terminate(ctx, rec, err.Error())
			return
		}
		if err := e.setStatus(ctx, rec, task.StatusActive, ""); err != nil {
			e.terminate(ctx, rec, err.Error())
			return
		}

		job, err := e.grid.Submit(ctx, rec.Workdir, rec.RunID(), commands)
		if err != nil {
			e.fail(ctx, rec, task.StatusFailedOnCluster, fmt.Sprintf("网格提交失败: %v", err))
			return
		}
		rc.StdoutPath = job.StdoutPath
		rc.StderrPath = job.StderrPath
		rc.GridExitCode = job.ExitCode

		if err := e.setStatus(ctx, rec, task.StatusDataReady, "网格作业结束，退出码 %d", job.ExitCode); err != nil {
			e.terminate(ctx, rec, err.Error())
			return
		}
	}

	saved, err := kind.SaveResults(rc)
	if err != nil {
		e.terminate(ctx, rec, fmt.Sprintf("采收程序性错误: %v", err))
		return
	}
	if !saved {
		e.fail(ctx, rec, task.StatusFailedOnCluster, "完成信号校验未通过")
		return
	}

	if err := e.setStatus(ctx, rec, task.StatusCompleted, "任务完成"); err != nil {
		e.terminate(ctx, rec, err.Error())
		return
	}
	log.Printf("✅ 任务 %s（%s）完成", rec.ID, rec.Kind)
}

// DeleteTask 删除任务并级联注销它在其它任务上的前置声明（对外导出）
func (e *Engine) DeleteTask(ctx context.Context, id string) error {
	e.mu.Lock()
	busy := e.inFlight[id]
	e.mu.Unlock()
	if busy {
		return fmt.Errorf("任务 %s 正在执行，不能删除", id)
	}

	rec, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("任务 %s 不存在", id)
	}

	all, err := e.repo.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, other := range all {
		if _, ok := other.PrereqForSetup[id]; !ok {
			continue
		}
		delete(other.PrereqForSetup, id)
		other.AddLog("前置任务 %s 已删除，解除依赖", id)
		if err := e.repo.Save(ctx, other); err != nil {
			return fmt.Errorf("解除任务 %s 的依赖失败: %w", other.ID, err)
		}
	}

	if rec.Workdir != "" {
		if err := os.RemoveAll(rec.Workdir); err != nil {
			return fmt.Errorf("清理工作目录失败: %w", err)
		}
	}
	return e.repo.Delete(ctx, id)
}

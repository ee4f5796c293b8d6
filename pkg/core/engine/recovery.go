package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/stevelan1995/gridflow/pkg/core/cluster"
	"github.com/stevelan1995/gridflow/pkg/core/registry"
	"github.com/stevelan1995/gridflow/pkg/core/task"
)

// loadRecoverable 加载处于失败态的任务记录
func (e *Engine) loadRecoverable(ctx context.Context, id string) (*task.Record, error) {
	rec, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("任务 %s 不存在", id)
	}
	switch rec.Status {
	case task.StatusFailedSetup, task.StatusFailedOnCluster:
		return rec, nil
	}
	return nil, fmt.Errorf("任务 %s 当前状态 %s 不可恢复", id, rec.Status)
}

// Recover 恢复一个失败的任务（对外导出）
// 调用种类的清理钩子抹掉失败残留，递增运行序号后放回 NEW 队列。
// 运行序号达到恢复次数上限时不再尝试，任务终止。
func (e *Engine) Recover(ctx context.Context, id string) error {
	rec, err := e.loadRecoverable(ctx, id)
	if err != nil {
		return err
	}

	if rec.RunNumber >= e.maxRecoveryAttempts {
		e.terminate(ctx, rec, fmt.Sprintf("恢复次数已达上限（%d），不再尝试", e.maxRecoveryAttempts))
		return fmt.Errorf("任务 %s 恢复次数已达上限", id)
	}

	if err := e.setStatus(ctx, rec, task.StatusRecovering, "开始恢复（第 %d 次运行失败后）", rec.RunNumber); err != nil {
		return err
	}

	entry, ok := registry.Get(rec.Kind)
	if !ok {
		e.terminate(ctx, rec, fmt.Sprintf("未注册的任务种类 %q", rec.Kind))
		return fmt.Errorf("未注册的任务种类 %q", rec.Kind)
	}
	rc := &cluster.RunContext{
		Ctx:     ctx,
		Task:    rec,
		Workdir: rec.Workdir,
		Store:   e.store,
		TaskLookup: func(tid string) (*task.Record, error) {
			return e.repo.GetByID(ctx, tid)
		},
	}

	recovered, err := entry.Cluster().RecoverFromClusterFailure(rc)
	if err != nil {
		e.terminate(ctx, rec, fmt.Sprintf("恢复钩子程序性错误: %v", err))
		return err
	}
	if !recovered {
		e.terminate(ctx, rec, "恢复钩子判定该失败不可恢复")
		return fmt.Errorf("任务 %s 不可恢复", id)
	}

	rec.RunNumber++
	return e.setStatus(ctx, rec, task.StatusNew, "恢复完成，以第 %d 次运行重新排队", rec.RunNumber)
}

// RestartAtSetup 从头重跑（对外导出）
// 清空工作目录、递增运行序号后放回 NEW 队列。已完成的任务也可以重跑。
func (e *Engine) RestartAtSetup(ctx context.Context, id string) error {
	rec, err := e.loadRestartable(ctx, id)
	if err != nil {
		return err
	}

	if rec.Workdir != "" {
		if err := os.RemoveAll(rec.Workdir); err != nil {
			return fmt.Errorf("清空工作目录失败: %w", err)
		}
	}
	rec.RunNumber++
	return e.setStatus(ctx, rec, task.StatusNew, "从 SETUP 重跑（第 %d 次运行）", rec.RunNumber)
}

// RestartAtCluster 只重跑集群侧（对外导出）
// 保留已准备好的工作目录，跳过 SETUP 直接重新提交网格作业。
func (e *Engine) RestartAtCluster(ctx context.Context, id string) error {
	rec, err := e.loadRestartable(ctx, id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.skipSetup[id] = true
	e.mu.Unlock()

	rec.RunNumber++
	return e.setStatus(ctx, rec, task.StatusNew, "从集群阶段重跑（第 %d 次运行）", rec.RunNumber)
}

func (e *Engine) loadRestartable(ctx context.Context, id string) (*task.Record, error) {
	rec, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("任务 %s 不存在", id)
	}
	switch rec.Status {
	case task.StatusCompleted, task.StatusFailedSetup, task.StatusFailedOnCluster, task.StatusPrerequisiteFailed:
		return rec, nil
	}
	return nil, fmt.Errorf("任务 %s 当前状态 %s 不能重跑", id, rec.Status)
}

package portal

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/stevelan1995/gridflow/pkg/core/store"
	"github.com/stevelan1995/gridflow/pkg/core/task"
)

// DefaultBulkKeys 扇出后从子任务参数中剥除的批量圈选键。
// 这些键记录的是整批输入，留在子任务里既冗余又可能撑破参数体积上限。
var DefaultBulkKeys = []string{"interface_userfile_ids"}

// Launcher 提交驱动：按协议顺序执行钩子并持久化最终任务列表
type Launcher struct {
	Store store.ResultStore

	// SaveTask 持久化一条任务记录（新建或更新）
	SaveTask func(ctx context.Context, r *task.Record) error

	// BulkKeys 覆盖 DefaultBulkKeys，nil 表示用默认值
	BulkKeys []string
}

// Launch 执行一次完整的提交流程（对外导出）
// 顺序：默认参数补缺 -> BeforeForm -> AfterForm（校验）->
// FinalTaskList（扇出）-> 逐个剥键/限体积/落库 -> AfterFinalTaskListSaved。
// 校验失败返回 *ValidationError，且不落库任何任务。
func (l *Launcher) Launch(ctx context.Context, kind Kind, tmpl *task.Record, selectedIDs []string, isNew bool) ([]*task.Record, error) {
	if l.SaveTask == nil {
		return nil, fmt.Errorf("Launcher 未配置 SaveTask")
	}

	fc := &FormContext{
		Ctx:              ctx,
		Task:             tmpl,
		SelectedInputIDs: selectedIDs,
		IsNewRecord:      isNew,
		Errors:           NewParamsErrors(),
		Store:            l.Store,
		SaveTask:         l.SaveTask,
	}

	// 默认参数只补缺，不覆盖用户已填的值
	for k, v := range kind.DefaultLaunchArgs() {
		if _, ok := tmpl.Params[k]; !ok {
			tmpl.Params[k] = v
		}
	}

	if err := kind.BeforeForm(fc); err != nil {
		return nil, fmt.Errorf("表单准备失败: %w", err)
	}
	if err := kind.AfterForm(fc); err != nil {
		return nil, fmt.Errorf("表单校验异常: %w", err)
	}
	if !fc.Errors.IsEmpty() {
		return nil, &ValidationError{Errors: fc.Errors}
	}

	finals, err := kind.FinalTaskList(fc)
	if err != nil {
		return nil, fmt.Errorf("展开任务列表失败: %w", err)
	}
	if len(finals) == 0 {
		return nil, fmt.Errorf("展开结果为空: 种类 %s 没有产生任何任务", tmpl.Kind)
	}

	// 重新启动已持久化的记录不允许扇出
	if !isNew && (len(finals) != 1 || finals[0] != tmpl) {
		return nil, fmt.Errorf("已持久化的任务 %s 重新提交时不得扇出", tmpl.ID)
	}

	bulkKeys := l.BulkKeys
	if bulkKeys == nil {
		bulkKeys = DefaultBulkKeys
	}

	batchID := tmpl.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}

	for _, r := range finals {
		r.BatchID = batchID
		// 扇出的子任务不保留整批圈选键；模板自身重新提交时保留
		if r != tmpl || len(finals) > 1 {
			r.Params.StripKeys(bulkKeys...)
		}
		if err := r.Params.CheckSize(); err != nil {
			return nil, fmt.Errorf("任务 %s 参数超限: %w", r.ID, err)
		}
		if err := l.SaveTask(ctx, r); err != nil {
			return nil, fmt.Errorf("持久化任务 %s 失败: %w", r.ID, err)
		}
	}

	if err := kind.AfterFinalTaskListSaved(fc, finals); err != nil {
		return nil, fmt.Errorf("任务列表收尾失败: %w", err)
	}

	// 收尾钩子可能补写了前置依赖，回写一遍
	for _, r := range finals {
		if err := l.SaveTask(ctx, r); err != nil {
			return nil, fmt.Errorf("回写任务 %s 失败: %w", r.ID, err)
		}
	}
	return finals, nil
}

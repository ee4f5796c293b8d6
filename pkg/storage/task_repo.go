package storage

import (
	"context"

	"github.com/stevelan1995/gridflow/pkg/core/task"
)

// TaskRepository 任务记录存储接口（对外导出）
// Save 是幂等的 upsert；GetByID 在记录不存在时返回 (nil, nil)。
type TaskRepository interface {
	// Save 新建或整条覆盖任务记录
	Save(ctx context.Context, r *task.Record) error

	// GetByID 按 ID 查询，不存在时返回 (nil, nil)
	GetByID(ctx context.Context, id string) (*task.Record, error)

	// ListByStatus 按状态集合查询
	ListByStatus(ctx context.Context, statuses ...string) ([]*task.Record, error)

	// ListByBatch 查询同一批次的全部任务
	ListByBatch(ctx context.Context, batchID string) ([]*task.Record, error)

	// ListAll 查询全部任务记录
	ListAll(ctx context.Context) ([]*task.Record, error)

	// UpdateStatus 只更新状态列（调度器的轻量写路径）
	UpdateStatus(ctx context.Context, id, status string) error

	// Delete 删除任务记录
	Delete(ctx context.Context, id string) error
}

package dao

import (
	"database/sql"
	"time"
)

// TaskDAO 任务记录表的数据访问对象（内部使用）
// params、prereqs、log 三列以 YAML 文本存储
type TaskDAO struct {
	ID                string         `db:"id"`
	Kind              string         `db:"kind"`
	UserID            string         `db:"user_id"`
	ResourceID        string         `db:"resource_id"`
	GroupID           sql.NullString `db:"group_id"`
	BatchID           sql.NullString `db:"batch_id"`
	Status            string         `db:"status"`
	RunNumber         int            `db:"run_number"`
	Params            string         `db:"params"`
	Prereqs           sql.NullString `db:"prereqs"`
	ResultsLocationID sql.NullString `db:"results_location_id"`
	Description       sql.NullString `db:"description"`
	Workdir           sql.NullString `db:"workdir"`
	Log               sql.NullString `db:"log"`
	CreateTime        time.Time      `db:"create_time"`
	UpdateTime        time.Time      `db:"update_time"`
}

// TaskColumns task_record 表的列名列表，与 TaskDAO 字段一一对应
var TaskColumns = []string{
	"id", "kind", "user_id", "resource_id", "group_id", "batch_id",
	"status", "run_number", "params", "prereqs", "results_location_id",
	"description", "workdir", "log", "create_time", "update_time",
}

// TaskUpdateColumns upsert 冲突时更新的列（不含主键和创建时间）
var TaskUpdateColumns = []string{
	"kind", "user_id", "resource_id", "group_id", "batch_id",
	"status", "run_number", "params", "prereqs", "results_location_id",
	"description", "workdir", "log", "update_time",
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"gopkg.in/yaml.v3"

	"github.com/stevelan1995/gridflow/pkg/core/task"
	"github.com/stevelan1995/gridflow/pkg/storage"
	"github.com/stevelan1995/gridflow/pkg/storage/dao"
	sqlitedialect "github.com/stevelan1995/gridflow/pkg/storage/sqlite"
)

// taskRepo 基于 sqlx 的任务记录存储（小写，不导出）
// SQL 经由方言生成，同一份代码服务 sqlite/mysql/postgres
type taskRepo struct {
	db      *sqlx.DB
	dialect storage.Dialect
}

// NewTaskRepo 创建默认（SQLite方言）的任务存储实例
func NewTaskRepo(db *sqlx.DB) (storage.TaskRepository, error) {
	return NewTaskRepoWithDialect(db, sqlitedialect.NewSQLiteDialect())
}

// NewTaskRepoWithDialect 使用指定方言创建任务存储实例
func NewTaskRepoWithDialect(db *sqlx.DB, dialect storage.Dialect) (storage.TaskRepository, error) {
	repo := &taskRepo{db: db, dialect: dialect}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("初始化任务表结构失败: %w", err)
	}
	return repo, nil
}

// initSchema 初始化数据库表结构（内部方法）
func (r *taskRepo) initSchema() error {
	for _, stmt := range r.dialect.ConfigureDB() {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("执行配置语句失败: %w", err)
		}
	}

	baseSchema := `
	CREATE TABLE IF NOT EXISTS task_record (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		user_id TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		group_id TEXT,
		batch_id TEXT,
		status TEXT NOT NULL,
		run_number INTEGER NOT NULL DEFAULT 1,
		params TEXT,
		prereqs TEXT,
		results_location_id TEXT,
		description TEXT,
		workdir TEXT,
		log TEXT,
		create_time DATETIME NOT NULL,
		update_time DATETIME NOT NULL
	);
	`
	if _, err := r.db.Exec(r.dialect.CreateTableSQL(baseSchema)); err != nil {
		return err
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_task_record_status ON task_record(status);",
		"CREATE INDEX IF NOT EXISTS idx_task_record_batch_id ON task_record(batch_id);",
	}
	for _, idx := range indexes {
		if _, err := r.db.Exec(idx); err != nil {
			return err
		}
	}
	return nil
}

// toDAO 业务实体 -> 数据访问对象
func toDAO(rec *task.Record) (*dao.TaskDAO, error) {
	paramsYAML, err := rec.Params.EncodeYAML()
	if err != nil {
		return nil, err
	}

	d := &dao.TaskDAO{
		ID:         rec.ID,
		Kind:       rec.Kind,
		UserID:     rec.UserID,
		ResourceID: rec.ResourceID,
		Status:     rec.Status,
		RunNumber:  rec.RunNumber,
		Params:     string(paramsYAML),
		CreateTime: rec.CreateTime,
		UpdateTime: rec.UpdateTime,
	}

	if rec.GroupID != "" {
		d.GroupID = sql.NullString{String: rec.GroupID, Valid: true}
	}
	if rec.BatchID != "" {
		d.BatchID = sql.NullString{String: rec.BatchID, Valid: true}
	}
	if rec.ResultsLocationID != "" {
		d.ResultsLocationID = sql.NullString{String: rec.ResultsLocationID, Valid: true}
	}
	if rec.Description != "" {
		d.Description = sql.NullString{String: rec.Description, Valid: true}
	}
	if rec.Workdir != "" {
		d.Workdir = sql.NullString{String: rec.Workdir, Valid: true}
	}
	if len(rec.PrereqForSetup) > 0 {
		data, err := yaml.Marshal(rec.PrereqForSetup)
		if err != nil {
			return nil, fmt.Errorf("序列化前置条件失败: %w", err)
		}
		d.Prereqs = sql.NullString{String: string(data), Valid: true}
	}
	if len(rec.Log) > 0 {
		data, err := yaml.Marshal(rec.Log)
		if err != nil {
			return nil, fmt.Errorf("序列化日志轨迹失败: %w", err)
		}
		d.Log = sql.NullString{String: string(data), Valid: true}
	}
	return d, nil
}

// fromDAO 数据访问对象 -> 业务实体
func fromDAO(d *dao.TaskDAO) (*task.Record, error) {
	params, err := task.DecodeParamsYAML([]byte(d.Params))
	if err != nil {
		return nil, err
	}

	rec := &task.Record{
		ID:                d.ID,
		Kind:              d.Kind,
		UserID:            d.UserID,
		ResourceID:        d.ResourceID,
		GroupID:           d.GroupID.String,
		BatchID:           d.BatchID.String,
		Status:            d.Status,
		RunNumber:         d.RunNumber,
		Params:            params,
		ResultsLocationID: d.ResultsLocationID.String,
		Description:       d.Description.String,
		Workdir:           d.Workdir.String,
		PrereqForSetup:    map[string]string{},
		Log:               []string{},
		CreateTime:        d.CreateTime,
		UpdateTime:        d.UpdateTime,
	}

	if d.Prereqs.Valid {
		if err := yaml.Unmarshal([]byte(d.Prereqs.String), &rec.PrereqForSetup); err != nil {
			return nil, fmt.Errorf("反序列化前置条件失败: %w", err)
		}
	}
	if d.Log.Valid {
		if err := yaml.Unmarshal([]byte(d.Log.String), &rec.Log); err != nil {
			return nil, fmt.Errorf("反序列化日志轨迹失败: %w", err)
		}
	}
	return rec, nil
}

func selectColumns() string {
	return strings.Join(dao.TaskColumns, ", ")
}

// Save 保存任务记录（upsert）
func (r *taskRepo) Save(ctx context.Context, rec *task.Record) error {
	d, err := toDAO(rec)
	if err != nil {
		return fmt.Errorf("转换任务记录失败: %w", err)
	}
	query := r.dialect.UpsertSQL("task_record", dao.TaskColumns, "id", dao.TaskUpdateColumns)
	if _, err := r.db.NamedExecContext(ctx, query, d); err != nil {
		return fmt.Errorf("保存任务失败: %w", err)
	}
	return nil
}

// GetByID 根据ID查询任务记录，不存在时返回 (nil, nil)
func (r *taskRepo) GetByID(ctx context.Context, id string) (*task.Record, error) {
	var d dao.TaskDAO
	query := r.dialect.Rebind("SELECT " + selectColumns() + " FROM task_record WHERE id = ?")
	err := r.db.GetContext(ctx, &d, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询任务失败: %w", err)
	}
	return fromDAO(&d)
}

// ListByStatus 按状态集合查询任务记录
func (r *taskRepo) ListByStatus(ctx context.Context, statuses ...string) ([]*task.Record, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In("SELECT "+selectColumns()+" FROM task_record WHERE status IN (?) ORDER BY create_time", statuses)
	if err != nil {
		return nil, fmt.Errorf("构建查询失败: %w", err)
	}
	return r.list(ctx, r.dialect.Rebind(query), args...)
}

// ListByBatch 查询同一批次的全部任务记录
func (r *taskRepo) ListByBatch(ctx context.Context, batchID string) ([]*task.Record, error) {
	query := r.dialect.Rebind("SELECT " + selectColumns() + " FROM task_record WHERE batch_id = ? ORDER BY create_time")
	return r.list(ctx, query, batchID)
}

// ListAll 查询全部任务记录
func (r *taskRepo) ListAll(ctx context.Context) ([]*task.Record, error) {
	return r.list(ctx, "SELECT "+selectColumns()+" FROM task_record ORDER BY create_time")
}

func (r *taskRepo) list(ctx context.Context, query string, args ...interface{}) ([]*task.Record, error) {
	var daos []dao.TaskDAO
	if err := r.db.SelectContext(ctx, &daos, query, args...); err != nil {
		return nil, fmt.Errorf("查询任务列表失败: %w", err)
	}
	out := make([]*task.Record, 0, len(daos))
	for i := range daos {
		rec, err := fromDAO(&daos[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// UpdateStatus 只更新状态列
func (r *taskRepo) UpdateStatus(ctx context.Context, id, status string) error {
	query := r.dialect.Rebind("UPDATE task_record SET status = ?, update_time = ? WHERE id = ?")
	res, err := r.db.ExecContext(ctx, query, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("更新任务状态失败: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("任务 %s 不存在", id)
	}
	return nil
}

// Delete 删除任务记录
func (r *taskRepo) Delete(ctx context.Context, id string) error {
	query := r.dialect.Rebind("DELETE FROM task_record WHERE id = ?")
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("删除任务失败: %w", err)
	}
	return nil
}

// 确保实现接口
var _ storage.TaskRepository = (*taskRepo)(nil)

package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record 任务记录：生命周期状态机的持久化单元
type Record struct {
	ID          string
	Kind        string // 任务种类名称（注册表键），创建后不可变
	UserID      string
	ResourceID  string // 执行资源标识，工作进程按资源分池
	GroupID     string
	BatchID     string // 同一次表单提交扇出的任务共享批次号
	Status      string
	RunNumber   int // 从 1 开始，每次恢复/重跑递增
	Params      Params
	Description string
	Workdir     string

	// PrereqForSetup 进入 SETUP 前必须满足的前置条件：
	// 前置任务 ID -> 要求达到（或超越）的状态
	PrereqForSetup map[string]string

	// ResultsLocationID 采收产物要写入的存储供应方 ID
	ResultsLocationID string

	// Log 带时间戳的人类可读日志轨迹，随记录持久化
	Log []string

	CreateTime time.Time
	UpdateTime time.Time
}

// NewRecord 创建任务记录（对外导出）
// 初始状态 NEW、运行序号 1。kind 必须是注册表中的种类名。
func NewRecord(kind, userID, resourceID string) *Record {
	now := time.Now()
	return &Record{
		ID:             uuid.NewString(),
		Kind:           kind,
		UserID:         userID,
		ResourceID:     resourceID,
		Status:         StatusNew,
		RunNumber:      1,
		Params:         Params{},
		PrereqForSetup: map[string]string{},
		Log:            []string{},
		CreateTime:     now,
		UpdateTime:     now,
	}
}

// Instantiate 从模板记录派生一个新任务（对外导出）
// 扇出专用：新 ID、深拷贝参数、状态回到 NEW、运行序号归 1，
// 批次号与模板一致。overrides 中的键覆盖模板参数。
func Instantiate(template *Record, overrides Params) *Record {
	now := time.Now()
	child := &Record{
		ID:                uuid.NewString(),
		Kind:              template.Kind,
		UserID:            template.UserID,
		ResourceID:        template.ResourceID,
		GroupID:           template.GroupID,
		BatchID:           template.BatchID,
		Status:            StatusNew,
		RunNumber:         1,
		Params:            template.Params.Clone(),
		Description:       template.Description,
		ResultsLocationID: template.ResultsLocationID,
		PrereqForSetup:    map[string]string{},
		Log:               []string{},
		CreateTime:        now,
		UpdateTime:        now,
	}
	for k, v := range overrides {
		child.Params[k] = cloneValue(v)
	}
	return child
}

// RunID 返回本次运行的唯一标识：任务 ID 前缀 + 运行序号
// 用于工作目录中的脚本名、输出捕获文件名等。
func (r *Record) RunID() string {
	id := r.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s-%d", id, r.RunNumber)
}

// AddLog 追加一条带时间戳的日志（对外导出）
func (r *Record) AddLog(format string, args ...interface{}) {
	line := fmt.Sprintf("[%s] %s", time.Now().Format("2006-01-02 15:04:05"), fmt.Sprintf(format, args...))
	r.Log = append(r.Log, line)
}

// AddPrerequisiteForSetup 声明进入 SETUP 前的前置条件（对外导出）
// requiredStatus 缺省为 COMPLETED。对自身声明前置条件是编程错误。
func (r *Record) AddPrerequisiteForSetup(otherTaskID, requiredStatus string) error {
	if otherTaskID == "" {
		return fmt.Errorf("前置任务 ID 不能为空")
	}
	if otherTaskID == r.ID {
		return fmt.Errorf("任务不能以自身为前置条件: %s", r.ID)
	}
	if requiredStatus == "" {
		requiredStatus = StatusCompleted
	}
	if _, ok := successRank[requiredStatus]; !ok {
		return fmt.Errorf("前置条件要求的状态 %q 不在成功路径上", requiredStatus)
	}
	if r.PrereqForSetup == nil {
		r.PrereqForSetup = map[string]string{}
	}
	r.PrereqForSetup[otherTaskID] = requiredStatus
	return nil
}

// TransitionTo 执行状态迁移（对外导出）
// 非法迁移返回 *ErrIllegalTransition，记录保持原状。
func (r *Record) TransitionTo(status string) error {
	if !CanTransition(r.Status, status) {
		return &ErrIllegalTransition{From: r.Status, To: status}
	}
	r.Status = status
	r.UpdateTime = time.Now()
	return nil
}

// ApplyParamUpdates 应用参数修改并保护不可触碰键（对外导出）
// untouchable 中的键若出现在 updates 里将被忽略并记入日志。
func (r *Record) ApplyParamUpdates(updates Params, untouchable []string) {
	guard := make(map[string]bool, len(untouchable))
	for _, k := range untouchable {
		guard[k] = true
	}
	for k, v := range updates {
		if guard[k] {
			r.AddLog("忽略对受保护参数 %q 的修改", k)
			continue
		}
		r.Params[k] = cloneValue(v)
	}
}

package task

import "fmt"

// 任务生命周期状态（与数据库 status 列一致）
const (
	StatusNew                = "NEW"
	StatusSetup              = "SETUP"
	StatusQueued             = "QUEUED"
	StatusActive             = "ACTIVE"
	StatusDataReady          = "DATA_READY"
	StatusCompleted          = "COMPLETED"
	StatusFailedSetup        = "FAILED_SETUP"
	StatusFailedOnCluster    = "FAILED_ON_CLUSTER"
	StatusPrerequisiteFailed = "PREREQUISITE_FAILED"
	StatusRecovering         = "RECOVERING"
	StatusTerminated         = "TERMINATED"
)

// successRank 成功路径上的状态排名：排名更高表示在生命周期中更靠后。
// 失败态和终止态不在成功路径上，排名为 0。
var successRank = map[string]int{
	StatusNew:       1,
	StatusSetup:     2,
	StatusQueued:    3,
	StatusActive:    4,
	StatusDataReady: 5,
	StatusCompleted: 6,
}

// Satisfies 判断 current 是否已达到或超越 required（对外导出）
// 用于前置任务检查：要求 QUEUED 的前置条件在任务已 COMPLETED 时同样满足。
func Satisfies(current, required string) bool {
	cr, ok := successRank[current]
	if !ok {
		return false
	}
	rr, ok := successRank[required]
	if !ok {
		return false
	}
	return cr >= rr
}

// IsFailed 判断状态是否为失败态（对外导出）
func IsFailed(status string) bool {
	switch status {
	case StatusFailedSetup, StatusFailedOnCluster, StatusPrerequisiteFailed:
		return true
	}
	return false
}

// IsFinal 判断状态是否为终态（不会再被调度器拾取）
func IsFinal(status string) bool {
	return status == StatusCompleted || status == StatusTerminated
}

// legalTransitions 合法的状态迁移表。不在表中的迁移一律拒绝，
// 避免并发路径把已终止的任务重新拉回生命周期。
var legalTransitions = map[string][]string{
	StatusNew:                {StatusSetup, StatusPrerequisiteFailed, StatusTerminated},
	StatusSetup:              {StatusQueued, StatusDataReady, StatusFailedSetup, StatusTerminated},
	StatusQueued:             {StatusActive, StatusFailedOnCluster, StatusTerminated},
	StatusActive:             {StatusDataReady, StatusFailedOnCluster, StatusTerminated},
	StatusDataReady:          {StatusCompleted, StatusFailedOnCluster, StatusTerminated},
	StatusCompleted:          {StatusNew, StatusTerminated},
	StatusFailedSetup:        {StatusRecovering, StatusNew, StatusTerminated},
	StatusFailedOnCluster:    {StatusRecovering, StatusNew, StatusTerminated},
	StatusPrerequisiteFailed: {StatusNew, StatusTerminated},
	StatusRecovering:         {StatusNew, StatusTerminated},
}

// CanTransition 判断 from -> to 是否为合法迁移（对外导出）
func CanTransition(from, to string) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition 非法状态迁移错误
type ErrIllegalTransition struct {
	From string
	To   string
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("非法的状态迁移: %s -> %s", e.From, e.To)
}

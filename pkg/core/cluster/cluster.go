// Package cluster 定义任务在执行侧的协议：
// 准备工作目录（SETUP）、生成网格命令、作业结束后采收产物、
// 以及集群侧失败后的恢复清理。所有钩子以 (ok, error) 区分
// 预期内失败（ok=false，任务转入失败态）和程序性错误（error，任务终止）。
package cluster

import (
	"context"
	"strings"

	"github.com/stevelan1995/gridflow/pkg/core/store"
	"github.com/stevelan1995/gridflow/pkg/core/task"
)

// RunContext 执行钩子的运行环境
type RunContext struct {
	Ctx     context.Context
	Task    *task.Record
	Workdir string
	Store   store.ResultStore

	// TaskLookup 按 ID 查其它任务记录（组合器读取前置任务的产出 ID）
	TaskLookup func(id string) (*task.Record, error)

	// 作业结束后由引擎填充
	StdoutPath   string
	StderrPath   string
	GridExitCode int
}

// Kind 任务种类的执行侧协议（对外导出）
type Kind interface {
	// Setup 在工作目录中幂等地准备输入。重复调用必须无害，
	// 恢复路径会在已部分填充的目录上重跑它。
	Setup(rc *RunContext) (bool, error)

	// ClusterCommands 生成要提交到网格的命令序列。
	// 返回 (nil, nil) 表示该种类没有集群侧工作，直接进入采收。
	ClusterCommands(rc *RunContext) ([]string, error)

	// SaveResults 校验完成信号并采收产物。ok=false 表示科学作业
	// 失败（FAILED_ON_CLUSTER），error 表示采收本身出了程序性问题。
	SaveResults(rc *RunContext) (bool, error)

	// RecoverFromClusterFailure 清理失败残留，使任务可以重新进入
	// SETUP。ok=false 表示该失败不可恢复。
	RecoverFromClusterFailure(rc *RunContext) (bool, error)
}

// BashEscape 把任意标量包进单引号以便安全嵌入 bash 命令（对外导出）
// 所有来自用户参数的值拼进命令前都必须过这里。
func BashEscape(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// BashEscapeJoin 逐个转义后用空格拼接
func BashEscapeJoin(parts []string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = BashEscape(p)
	}
	return strings.Join(escaped, " ")
}

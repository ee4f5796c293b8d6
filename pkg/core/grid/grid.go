// Package grid 是批处理系统的提交边界。
// 引擎把任务种类生成的命令序列交给 Grid，拿回退出码和
// 标准输出/错误的捕获文件路径，不关心背后是本地 bash 还是集群调度器。
package grid

import "context"

// Job 一次网格作业的结果句柄
type Job struct {
	RunID      string
	Workdir    string
	ScriptPath string
	StdoutPath string
	StderrPath string
	ExitCode   int
}

// Grid 作业提交接口（对外导出）
// 命令在 workdir 中顺序执行；任一命令失败即停止并反映在 ExitCode 上。
// 提交或捕获层面的故障返回 error，科学命令自身失败不算 error。
type Grid interface {
	Submit(ctx context.Context, workdir, runID string, commands []string) (*Job, error)
}

package grid

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// LocalGrid 用本机 bash 顺序执行命令的参考实现。
// 脚本与捕获文件都留在工作目录里，便于事后排查和恢复判定。
type LocalGrid struct{}

var _ Grid = (*LocalGrid)(nil)

// NewLocalGrid 创建本地执行器（对外导出）
func NewLocalGrid() *LocalGrid {
	return &LocalGrid{}
}

func (g *LocalGrid) Submit(ctx context.Context, workdir, runID string, commands []string) (*Job, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID 不能为空")
	}
	if _, err := os.Stat(workdir); err != nil {
		return nil, fmt.Errorf("工作目录 %s 不可用: %w", workdir, err)
	}

	job := &Job{
		RunID:      runID,
		Workdir:    workdir,
		ScriptPath: filepath.Join(workdir, fmt.Sprintf("science.%s.sh", runID)),
		StdoutPath: filepath.Join(workdir, fmt.Sprintf("science.%s.stdout", runID)),
		StderrPath: filepath.Join(workdir, fmt.Sprintf("science.%s.stderr", runID)),
	}

	var sb strings.Builder
	sb.WriteString("#!/bin/bash\n\n")
	sb.WriteString("set -e\n\n")
	for _, c := range commands {
		sb.WriteString(c)
		sb.WriteString("\n")
	}
	if err := os.WriteFile(job.ScriptPath, []byte(sb.String()), 0o755); err != nil {
		return nil, fmt.Errorf("写入作业脚本失败: %w", err)
	}

	stdout, err := os.Create(job.StdoutPath)
	if err != nil {
		return nil, fmt.Errorf("创建标准输出捕获文件失败: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(job.StderrPath)
	if err != nil {
		return nil, fmt.Errorf("创建标准错误捕获文件失败: %w", err)
	}
	defer stderr.Close()

	cmd := exec.CommandContext(ctx, "bash", job.ScriptPath)
	cmd.Dir = workdir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			job.ExitCode = exitErr.ExitCode()
			return job, nil
		}
		return nil, fmt.Errorf("提交本地作业失败: %w", err)
	}
	job.ExitCode = 0
	return job, nil
}

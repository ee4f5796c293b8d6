package cluster

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ErrNoCompletionPolicy 完成判定策略配置不足。
// 退出码不可信，单一信号不允许：每个种类至少要配两个独立信号。
var ErrNoCompletionPolicy = errors.New("完成判定策略至少需要两个独立信号")

// CompletionPolicy 多信号完成判定策略。
// 零值字段表示该信号未启用；启用的信号必须全部通过才算完成。
type CompletionPolicy struct {
	// OutputDir 工作目录内应当存在且非空的输出目录（相对路径）
	OutputDir string

	// RunningMarkers 仍在运行的标记 glob（相对路径）。出现即未完成。
	RunningMarkers []string

	// FailureMarkers 失败标记 glob（相对路径）。出现即失败。
	FailureMarkers []string

	// StdoutSentinel 标准输出中必须出现的收尾哨兵行
	StdoutSentinel *regexp.Regexp
}

func (p *CompletionPolicy) signalCount() int {
	n := 0
	if p.OutputDir != "" {
		n++
	}
	if len(p.RunningMarkers) > 0 || len(p.FailureMarkers) > 0 {
		n++
	}
	if p.StdoutSentinel != nil {
		n++
	}
	return n
}

// VerifyCompletion 按策略判定作业是否真正完成（对外导出）
// 返回 (完成与否, 人类可读的判定理由, 程序性错误)。
// 策略信号不足两个时返回 ErrNoCompletionPolicy，任务应当终止而非猜测。
func (rc *RunContext) VerifyCompletion(p *CompletionPolicy) (bool, string, error) {
	if p == nil || p.signalCount() < 2 {
		return false, "", ErrNoCompletionPolicy
	}

	if p.OutputDir != "" {
		abs, err := rc.relInWorkdir(p.OutputDir)
		if err != nil {
			return false, "", err
		}
		entries, err := os.ReadDir(abs)
		if err != nil {
			return false, fmt.Sprintf("输出目录 %s 不存在", p.OutputDir), nil
		}
		if len(entries) == 0 {
			return false, fmt.Sprintf("输出目录 %s 为空", p.OutputDir), nil
		}
	}

	for _, g := range p.FailureMarkers {
		matches, err := rc.globInWorkdir(g)
		if err != nil {
			return false, "", err
		}
		if len(matches) > 0 {
			return false, fmt.Sprintf("存在失败标记 %s", filepath.Base(matches[0])), nil
		}
	}
	for _, g := range p.RunningMarkers {
		matches, err := rc.globInWorkdir(g)
		if err != nil {
			return false, "", err
		}
		if len(matches) > 0 {
			return false, fmt.Sprintf("存在运行中标记 %s", filepath.Base(matches[0])), nil
		}
	}

	if p.StdoutSentinel != nil {
		found, err := fileMatchesLine(rc.StdoutPath, p.StdoutSentinel)
		if err != nil {
			return false, "", fmt.Errorf("读取标准输出捕获失败: %w", err)
		}
		if !found {
			return false, fmt.Sprintf("标准输出中未出现收尾哨兵 %s", p.StdoutSentinel), nil
		}
	}

	return true, "全部完成信号通过", nil
}

func (rc *RunContext) globInWorkdir(relGlob string) ([]string, error) {
	abs, err := rc.relInWorkdir(relGlob)
	if err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(abs)
	if err != nil {
		return nil, fmt.Errorf("无效的 glob %s: %w", relGlob, err)
	}
	return matches, nil
}

// StderrMatches 判断标准错误捕获中是否出现指定模式（对外导出）
// "command not found" 之类的环境性失败检查用。
func (rc *RunContext) StderrMatches(re *regexp.Regexp) (bool, error) {
	return fileMatchesLine(rc.StderrPath, re)
}

func fileMatchesLine(path string, re *regexp.Regexp) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if re.MatchString(scanner.Text()) {
			return true, nil
		}
	}
	return false, scanner.Err()
}

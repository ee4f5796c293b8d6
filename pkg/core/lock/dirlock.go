// Package lock 提供基于 mkdir 原子性的协作式目录锁，
// 以及共享资源的"临时目录构建 + 原子改名"安装原语。
// 多个工作进程共享一个网络目录时用它串行化安装动作。
package lock

import (
	"context"
	"fmt"
	"os"
	"time"
)

// DefaultPollInterval 抢锁失败后的重试间隔
const DefaultPollInterval = 500 * time.Millisecond

// DirLock 命名目录锁：Path 存在即视为锁被持有
type DirLock struct {
	Path         string
	PollInterval time.Duration
}

// New 创建目录锁（对外导出）
func New(path string) *DirLock {
	return &DirLock{Path: path, PollInterval: DefaultPollInterval}
}

// Acquire 在 timeout 内反复尝试获取锁（对外导出）
// 依赖 os.Mkdir 的原子性：成功创建目录的一方持有锁。
// 超时或 ctx 取消时返回错误，其它文件系统错误立即上抛。
func (l *DirLock) Acquire(ctx context.Context, timeout time.Duration) error {
	interval := l.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.Now().Add(timeout)
	for {
		err := os.Mkdir(l.Path, 0o755)
		if err == nil {
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("获取目录锁 %s 失败: %w", l.Path, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("获取目录锁 %s 超时（%s）", l.Path, timeout)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("获取目录锁 %s 被取消: %w", l.Path, ctx.Err())
		case <-time.After(interval):
		}
	}
}

// Release 释放锁（对外导出）
// 锁目录不存在时视为已释放，不报错。
func (l *DirLock) Release() error {
	err := os.Remove(l.Path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("释放目录锁 %s 失败: %w", l.Path, err)
	}
	return nil
}

// InstallShared 把共享资源安装到 target（对外导出）
// target 已存在则直接返回。否则调用 build 在 <target>.<pid>.tmp
// 里构建完整内容，再原子改名为 target。并发调用下恰好一方安装成功，
// 其余方清理各自的临时目录后同样返回成功。
func InstallShared(target string, build func(tmpDir string) error) error {
	if _, err := os.Stat(target); err == nil {
		return nil
	}

	tmp := fmt.Sprintf("%s.%d.tmp", target, os.Getpid())
	if err := os.RemoveAll(tmp); err != nil {
		return fmt.Errorf("清理残留临时目录 %s 失败: %w", tmp, err)
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return fmt.Errorf("创建临时目录 %s 失败: %w", tmp, err)
	}
	if err := build(tmp); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("构建共享资源失败: %w", err)
	}

	if err := os.Rename(tmp, target); err != nil {
		// 改名失败但 target 已就位，说明别的进程抢先安装完成
		if _, statErr := os.Stat(target); statErr == nil {
			os.RemoveAll(tmp)
			return nil
		}
		os.RemoveAll(tmp)
		return fmt.Errorf("安装共享资源到 %s 失败: %w", target, err)
	}
	return nil
}

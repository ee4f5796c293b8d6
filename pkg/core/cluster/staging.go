package cluster

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// relInWorkdir 校验相对路径没有逃出工作目录
func (rc *RunContext) relInWorkdir(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("相对路径不能为空")
	}
	if filepath.IsAbs(relPath) {
		return "", fmt.Errorf("路径 %s 必须是工作目录内的相对路径", relPath)
	}
	clean := filepath.Clean(relPath)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("路径 %s 逃出了工作目录", relPath)
	}
	return filepath.Join(rc.Workdir, clean), nil
}

// SafeMkdir 在工作目录内幂等地创建子目录（对外导出）
func (rc *RunContext) SafeMkdir(relPath string) error {
	abs, err := rc.relInWorkdir(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("创建目录 %s 失败: %w", relPath, err)
	}
	return nil
}

// SafeSymlink 在工作目录内幂等地创建符号链接（对外导出）
// 链接已存在且指向相同目标时无事发生；指向不同目标时替换，
// 恢复路径重跑 SETUP 时会走到这里。
func (rc *RunContext) SafeSymlink(target, relPath string) error {
	abs, err := rc.relInWorkdir(relPath)
	if err != nil {
		return err
	}
	if existing, err := os.Readlink(abs); err == nil {
		if existing == target {
			return nil
		}
		if err := os.Remove(abs); err != nil {
			return fmt.Errorf("替换符号链接 %s 失败: %w", relPath, err)
		}
	} else if _, statErr := os.Lstat(abs); statErr == nil {
		return fmt.Errorf("路径 %s 已存在且不是符号链接", relPath)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("创建父目录失败: %w", err)
	}
	if err := os.Symlink(target, abs); err != nil {
		return fmt.Errorf("创建符号链接 %s -> %s 失败: %w", relPath, target, err)
	}
	return nil
}

// MakeAvailable 把产物同步到缓存并以符号链接挂进工作目录（对外导出）
// 绝不复制数据：工作目录里只出现指向缓存的链接。
func (rc *RunContext) MakeAvailable(artifactID, relPath string) error {
	cachePath, err := rc.Store.SyncToCache(rc.Ctx, artifactID)
	if err != nil {
		return fmt.Errorf("同步产物 %s 失败: %w", artifactID, err)
	}
	return rc.SafeSymlink(cachePath, relPath)
}

// PathExists 判断工作目录内的相对路径是否存在
func (rc *RunContext) PathExists(relPath string) bool {
	abs, err := rc.relInWorkdir(relPath)
	if err != nil {
		return false
	}
	_, statErr := os.Stat(abs)
	return statErr == nil
}

// RemoveGlob 删除工作目录内匹配 glob 的路径，返回删除的数量（对外导出）
// 恢复清理 .failed/.running/.lock 等标记文件用。
func (rc *RunContext) RemoveGlob(relGlob string) (int, error) {
	abs, err := rc.relInWorkdir(relGlob)
	if err != nil {
		return 0, err
	}
	matches, err := filepath.Glob(abs)
	if err != nil {
		return 0, fmt.Errorf("无效的 glob %s: %w", relGlob, err)
	}
	removed := 0
	for _, m := range matches {
		if err := os.RemoveAll(m); err != nil {
			return removed, fmt.Errorf("删除 %s 失败: %w", m, err)
		}
		removed++
	}
	return removed, nil
}

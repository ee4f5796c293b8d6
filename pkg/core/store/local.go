package store

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stevelan1995/gridflow/pkg/core/pattern"
)

// LocalStore 本地文件系统参考实现：
// providerDir 是权威存储，cacheDir 是工作机缓存。
// 登记表仅在内存中，进程生命周期内有效。
type LocalStore struct {
	providerDir string
	cacheDir    string

	mu        sync.Mutex
	artifacts map[string]*Artifact
	// byKey: type + "\x00" + name + "\x00" + providerID -> artifactID
	byKey map[string]string
}

var _ ResultStore = (*LocalStore)(nil)

// NewLocalStore 创建本地存储（对外导出）
func NewLocalStore(providerDir, cacheDir string) (*LocalStore, error) {
	for _, d := range []string{providerDir, cacheDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("创建存储目录 %s 失败: %w", d, err)
		}
	}
	return &LocalStore{
		providerDir: providerDir,
		cacheDir:    cacheDir,
		artifacts:   make(map[string]*Artifact),
		byKey:       make(map[string]string),
	}, nil
}

func storeKey(typ, name, providerID string) string {
	return typ + "\x00" + name + "\x00" + providerID
}

// RegisterExisting 登记一个已存在于供应方目录中的产物（对外导出）
// 测试和引导数据用：输入文件不是任务产出，但任务需要按 ID 引用它。
func (s *LocalStore) RegisterExisting(typ, name, providerID string) (*Artifact, error) {
	return s.FindOrCreateByName(context.Background(), typ, name, providerID)
}

func (s *LocalStore) FindOrCreateByName(_ context.Context, typ, name, providerID string) (*Artifact, error) {
	if !pattern.IsLegalFilename(name) {
		return nil, fmt.Errorf("产物名 %q 不合法", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[storeKey(typ, name, providerID)]; ok {
		return s.artifacts[id], nil
	}
	a := &Artifact{
		ID:         uuid.NewString(),
		Name:       name,
		Type:       typ,
		ProviderID: providerID,
		Meta:       map[string]string{},
		CreateTime: time.Now(),
	}
	s.artifacts[a.ID] = a
	s.byKey[storeKey(typ, name, providerID)] = a.ID
	return a, nil
}

func (s *LocalStore) FindByID(_ context.Context, artifactID string) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifacts[artifactID], nil
}

func (s *LocalStore) get(artifactID string) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[artifactID]
	if !ok {
		return nil, fmt.Errorf("产物 %s 未登记", artifactID)
	}
	return a, nil
}

func (s *LocalStore) providerPath(a *Artifact) string {
	return filepath.Join(s.providerDir, a.Name)
}

func (s *LocalStore) cachePath(a *Artifact) string {
	return filepath.Join(s.cacheDir, a.Name)
}

func (s *LocalStore) CacheFullPath(artifactID string) (string, error) {
	a, err := s.get(artifactID)
	if err != nil {
		return "", err
	}
	return s.cachePath(a), nil
}

func (s *LocalStore) SyncToCache(_ context.Context, artifactID string) (string, error) {
	a, err := s.get(artifactID)
	if err != nil {
		return "", err
	}
	src := s.providerPath(a)
	dst := s.cachePath(a)
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("产物 %s 在供应方中不存在: %w", a.Name, err)
	}
	if err := copyTree(src, dst); err != nil {
		return "", fmt.Errorf("同步产物 %s 到缓存失败: %w", a.Name, err)
	}
	return dst, nil
}

func (s *LocalStore) CacheCopyFromLocalFile(_ context.Context, artifactID, localPath string) error {
	a, err := s.get(artifactID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(localPath); err != nil {
		return fmt.Errorf("本地路径 %s 不可读: %w", localPath, err)
	}
	if err := copyTree(localPath, s.cachePath(a)); err != nil {
		return fmt.Errorf("写入产物缓存 %s 失败: %w", a.Name, err)
	}
	if err := copyTree(localPath, s.providerPath(a)); err != nil {
		return fmt.Errorf("回传产物 %s 到供应方失败: %w", a.Name, err)
	}
	return nil
}

func (s *LocalStore) MoveToChildOf(_ context.Context, artifactID, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[artifactID]
	if !ok {
		return fmt.Errorf("产物 %s 未登记", artifactID)
	}
	if _, ok := s.artifacts[parentID]; !ok {
		return fmt.Errorf("父产物 %s 未登记", parentID)
	}
	a.ParentID = parentID
	return nil
}

func (s *LocalStore) SetCreatedBy(_ context.Context, artifactID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[artifactID]
	if !ok {
		return fmt.Errorf("产物 %s 未登记", artifactID)
	}
	a.CreatedByTaskID = taskID
	return nil
}

func (s *LocalStore) UpdateMeta(_ context.Context, artifactID string, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[artifactID]
	if !ok {
		return fmt.Errorf("产物 %s 未登记", artifactID)
	}
	for k, v := range meta {
		a.Meta[k] = v
	}
	return nil
}

func (s *LocalStore) ListFiles(_ context.Context, artifactID string) ([]string, error) {
	a, err := s.get(artifactID)
	if err != nil {
		return nil, err
	}
	root := s.cachePath(a)
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("产物 %s 尚未同步到缓存: %w", a.Name, err)
	}
	if !info.IsDir() {
		return []string{a.Name}, nil
	}
	var files []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Children 列出父产物下的全部子产物（对外导出）
func (s *LocalStore) Children(parentID string) []*Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Artifact
	for _, a := range s.artifacts {
		if a.ParentID == parentID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// copyTree 递归复制文件或目录，目标中已存在的同名文件被覆盖
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

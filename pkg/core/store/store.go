// Package store 定义结果存储的消费侧契约。
// 引擎和任务种类只依赖这里的接口：产物如何落盘、如何跨机同步
// 是供应方的事，任务代码只操作本地缓存路径。
package store

import (
	"context"
	"time"
)

// 产物类型
const (
	TypeSingleFile = "single_file"
	TypeCollection = "file_collection"
	TypeStudy      = "study"
)

// Artifact 产物登记项：指向某个存储供应方中的一个文件或目录树
type Artifact struct {
	ID              string
	Name            string
	Type            string
	ProviderID      string
	ParentID        string // 归属的父产物（如研究集），空表示顶层
	CreatedByTaskID string // 溯源：创建该产物的任务
	Meta            map[string]string
	CreateTime      time.Time
}

// ResultStore 结果存储接口（对外导出）
// 采收协议依赖的最小集合。实现必须保证 FindOrCreateByName 按
// (type, name, provider) 幂等，重复采收复用同一产物。
type ResultStore interface {
	// SyncToCache 把产物内容同步到本机缓存，返回缓存内的绝对路径
	SyncToCache(ctx context.Context, artifactID string) (string, error)

	// CacheFullPath 返回产物在本机缓存中的绝对路径（不触发同步）
	CacheFullPath(artifactID string) (string, error)

	// CacheCopyFromLocalFile 把本地路径的内容写入产物并回传供应方
	CacheCopyFromLocalFile(ctx context.Context, artifactID, localPath string) error

	// FindOrCreateByName 按 (type, name, provider) 查找或创建产物
	FindOrCreateByName(ctx context.Context, typ, name, providerID string) (*Artifact, error)

	// FindByID 按 ID 查找产物，不存在时返回 (nil, nil)
	FindByID(ctx context.Context, artifactID string) (*Artifact, error)

	// MoveToChildOf 把产物挂到父产物之下（研究集归并）
	MoveToChildOf(ctx context.Context, artifactID, parentID string) error

	// ListFiles 列出产物内的相对文件路径（已同步的缓存内容）
	ListFiles(ctx context.Context, artifactID string) ([]string, error)

	// SetCreatedBy 记录产物的创建任务（溯源链接）
	SetCreatedBy(ctx context.Context, artifactID, taskID string) error

	// UpdateMeta 合并写入产物元数据
	UpdateMeta(ctx context.Context, artifactID string, meta map[string]string) error
}

// Package registry 维护任务种类名到提交侧/执行侧实现的注册表。
// 种类在进程启动时注册一次，之后按记录上的 Kind 字段查找，
// 调用方永远不对具体种类做类型判断。
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/stevelan1995/gridflow/pkg/core/cluster"
	"github.com/stevelan1995/gridflow/pkg/core/portal"
)

// Entry 一个任务种类的完整登记项
type Entry struct {
	Name    string
	Portal  func() portal.Kind
	Cluster func() cluster.Kind
}

var (
	mu      sync.RWMutex
	entries = make(map[string]Entry)
)

// Register 注册任务种类（对外导出）
// 重复注册同名种类是编程错误。
func Register(e Entry) error {
	if e.Name == "" || e.Portal == nil || e.Cluster == nil {
		return fmt.Errorf("登记项不完整: 需要 Name、Portal、Cluster")
	}
	mu.Lock()
	defer mu.Unlock()
	if _, ok := entries[e.Name]; ok {
		return fmt.Errorf("任务种类 %q 已注册", e.Name)
	}
	entries[e.Name] = e
	return nil
}

// MustRegister 注册失败时 panic，供 init 使用（对外导出）
func MustRegister(e Entry) {
	if err := Register(e); err != nil {
		panic(err)
	}
}

// Get 按名称查找种类（对外导出）
func Get(name string) (Entry, bool) {
	mu.RLock()
	defer mu.RUnlock()
	e, ok := entries[name]
	return e, ok
}

// Names 返回全部已注册的种类名，已排序（对外导出）
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(entries))
	for n := range entries {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

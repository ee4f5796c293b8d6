package dag

import (
	"fmt"
	"sort"

	"github.com/stevelan1995/gridflow/pkg/core/task"
)

// Edge 前置依赖边：Dependent 进入 SETUP 前，Prereq 必须达到 RequiredStatus
type Edge struct {
	Dependent      string
	Prereq         string
	RequiredStatus string
}

// PrerequisiteGraph 前置依赖图（对外导出）
// 节点是任务 ID，边携带要求达到的状态。非并发安全，调用方自行加锁。
type PrerequisiteGraph struct {
	// prereqs[dependent][prereq] = requiredStatus
	prereqs map[string]map[string]string
	// dependents[prereq] = 依赖它的任务 ID 集合
	dependents map[string]map[string]bool
	nodes      map[string]bool
}

// NewPrerequisiteGraph 创建空图（对外导出）
func NewPrerequisiteGraph() *PrerequisiteGraph {
	return &PrerequisiteGraph{
		prereqs:    make(map[string]map[string]string),
		dependents: make(map[string]map[string]bool),
		nodes:      make(map[string]bool),
	}
}

// BuildFromRecords 从任务记录集合构建依赖图（对外导出）
// 每条记录的 PrereqForSetup 成为入边。检测到环时返回错误。
func BuildFromRecords(records []*task.Record) (*PrerequisiteGraph, error) {
	g := NewPrerequisiteGraph()
	for _, r := range records {
		g.AddNode(r.ID)
		for prereqID, required := range r.PrereqForSetup {
			if err := g.AddEdge(r.ID, prereqID, required); err != nil {
				return nil, err
			}
		}
	}
	if cycle := g.findCycle(); cycle != nil {
		return nil, fmt.Errorf("检测到循环依赖: %v", cycle)
	}
	return g, nil
}

// AddNode 注册节点，重复注册无害
func (g *PrerequisiteGraph) AddNode(id string) {
	g.nodes[id] = true
}

// AddEdge 添加依赖边（对外导出）
// 会立即做环检测：成环的边被拒绝且不落入图中。
func (g *PrerequisiteGraph) AddEdge(dependent, prereq, requiredStatus string) error {
	if dependent == prereq {
		return fmt.Errorf("任务 %s 不能依赖自身", dependent)
	}
	if requiredStatus == "" {
		requiredStatus = task.StatusCompleted
	}
	g.AddNode(dependent)
	g.AddNode(prereq)

	if g.prereqs[dependent] == nil {
		g.prereqs[dependent] = make(map[string]string)
	}
	if g.dependents[prereq] == nil {
		g.dependents[prereq] = make(map[string]bool)
	}
	g.prereqs[dependent][prereq] = requiredStatus
	g.dependents[prereq][dependent] = true

	if cycle := g.findCycle(); cycle != nil {
		delete(g.prereqs[dependent], prereq)
		delete(g.dependents[prereq], dependent)
		return fmt.Errorf("添加边 %s -> %s 会形成循环依赖: %v", prereq, dependent, cycle)
	}
	return nil
}

// RemoveNode 移除节点及其所有出入边（对外导出）
// 任务删除时的级联注销。
func (g *PrerequisiteGraph) RemoveNode(id string) {
	for prereq := range g.prereqs[id] {
		delete(g.dependents[prereq], id)
	}
	delete(g.prereqs, id)
	for dep := range g.dependents[id] {
		delete(g.prereqs[dep], id)
	}
	delete(g.dependents, id)
	delete(g.nodes, id)
}

// IsRunnable 判断任务的所有前置条件是否满足（对外导出）
// statusOf 返回前置任务的当前状态；前置任务缺失视为不满足。
func (g *PrerequisiteGraph) IsRunnable(id string, statusOf func(string) (string, bool)) bool {
	for prereq, required := range g.prereqs[id] {
		current, ok := statusOf(prereq)
		if !ok {
			return false
		}
		if !task.Satisfies(current, required) {
			return false
		}
	}
	return true
}

// Prereqs 返回任务的直接前置条件（prereqID -> requiredStatus）
func (g *PrerequisiteGraph) Prereqs(id string) map[string]string {
	out := make(map[string]string, len(g.prereqs[id]))
	for k, v := range g.prereqs[id] {
		out[k] = v
	}
	return out
}

// FailedDependents 返回失败任务的全部传递依赖方（对外导出）
// 任务失败后，这些任务应标记为 PREREQUISITE_FAILED。结果已排序。
func (g *PrerequisiteGraph) FailedDependents(failedID string) []string {
	seen := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		for dep := range g.dependents[id] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(failedID)

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Layers 返回拓扑分层（对外导出）
// 同层任务互不依赖，可并行。仅用于巡检展示，调度器不依赖它。
func (g *PrerequisiteGraph) Layers() ([][]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.prereqs[id])
	}

	queue := make([]string, 0)
	for id, d := range inDegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	layers := make([][]string, 0)
	processed := 0
	for len(queue) > 0 {
		sort.Strings(queue)
		layers = append(layers, queue)
		next := make([]string, 0)
		for _, id := range queue {
			processed++
			for dep := range g.dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		queue = next
	}

	if processed != len(g.nodes) {
		return nil, fmt.Errorf("拓扑分层失败: 存在未处理的节点（可能存在环）")
	}
	return layers, nil
}

// findCycle 三色标记法 DFS 环检测。沿 prereq -> dependent 方向遍历，
// 返回环路径，无环时返回 nil。
func (g *PrerequisiteGraph) findCycle() []string {
	// 0=白色（未访问），1=灰色（正在访问），2=黑色（已访问）
	color := make(map[string]int, len(g.nodes))
	parent := make(map[string]string)

	var cycle []string
	var dfs func(id string) bool
	dfs = func(id string) bool {
		color[id] = 1
		for dep := range g.dependents[id] {
			switch color[dep] {
			case 0:
				parent[dep] = id
				if dfs(dep) {
					return true
				}
			case 1:
				// 后向边，构建环路径
				cycle = append(cycle, dep)
				cur := id
				for cur != dep && cur != "" {
					cycle = append(cycle, cur)
					cur = parent[cur]
				}
				cycle = append(cycle, dep)
				return true
			}
		}
		color[id] = 2
		return false
	}

	for id := range g.nodes {
		if color[id] == 0 {
			if dfs(id) {
				return cycle
			}
		}
	}
	return nil
}

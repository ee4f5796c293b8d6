package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevelan1995/gridflow/pkg/core/task"
)

func statusMap(m map[string]string) func(string) (string, bool) {
	return func(id string) (string, bool) {
		s, ok := m[id]
		return s, ok
	}
}

func TestAddEdgeRejectsCycle(t *testing.T) {
	g := NewPrerequisiteGraph()
	require.NoError(t, g.AddEdge("b", "a", ""))
	require.NoError(t, g.AddEdge("c", "b", ""))

	err := g.AddEdge("a", "c", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "循环依赖")

	// 被拒绝的边不得留在图中
	assert.Len(t, g.Prereqs("a"), 0)
}

func TestAddEdgeRejectsSelfDependency(t *testing.T) {
	g := NewPrerequisiteGraph()
	assert.Error(t, g.AddEdge("a", "a", ""))
}

func TestIsRunnable(t *testing.T) {
	g := NewPrerequisiteGraph()
	require.NoError(t, g.AddEdge("qc", "combiner", task.StatusCompleted))
	require.NoError(t, g.AddEdge("combiner", "civet-1", task.StatusCompleted))
	require.NoError(t, g.AddEdge("combiner", "civet-2", task.StatusQueued))

	statuses := map[string]string{
		"civet-1":  task.StatusCompleted,
		"civet-2":  task.StatusSetup,
		"combiner": task.StatusNew,
		"qc":       task.StatusNew,
	}
	assert.False(t, g.IsRunnable("combiner", statusMap(statuses)))

	// QUEUED 的要求被 ACTIVE 超越满足
	statuses["civet-2"] = task.StatusActive
	assert.True(t, g.IsRunnable("combiner", statusMap(statuses)))

	// 前置任务缺失视为不满足
	assert.False(t, g.IsRunnable("qc", statusMap(map[string]string{})))

	// 无前置条件的任务总是可运行
	g.AddNode("lone")
	assert.True(t, g.IsRunnable("lone", statusMap(statuses)))
}

func TestFailedDependentsTransitive(t *testing.T) {
	g := NewPrerequisiteGraph()
	require.NoError(t, g.AddEdge("combiner", "civet-1", ""))
	require.NoError(t, g.AddEdge("combiner", "civet-2", ""))
	require.NoError(t, g.AddEdge("qc", "combiner", ""))

	deps := g.FailedDependents("civet-1")
	assert.Equal(t, []string{"combiner", "qc"}, deps)

	// 旁路任务不受影响
	assert.Empty(t, g.FailedDependents("qc"))
}

func TestLayers(t *testing.T) {
	g := NewPrerequisiteGraph()
	require.NoError(t, g.AddEdge("combiner", "civet-1", ""))
	require.NoError(t, g.AddEdge("combiner", "civet-2", ""))
	require.NoError(t, g.AddEdge("qc", "combiner", ""))

	layers, err := g.Layers()
	require.NoError(t, err)
	require.Len(t, layers, 3)
	assert.Equal(t, []string{"civet-1", "civet-2"}, layers[0])
	assert.Equal(t, []string{"combiner"}, layers[1])
	assert.Equal(t, []string{"qc"}, layers[2])
}

func TestBuildFromRecords(t *testing.T) {
	a := task.NewRecord("civet", "u1", "r1")
	b := task.NewRecord("civet_combiner", "u1", "r1")
	require.NoError(t, b.AddPrerequisiteForSetup(a.ID, ""))

	g, err := BuildFromRecords([]*task.Record{a, b})
	require.NoError(t, err)
	assert.True(t, g.IsRunnable(a.ID, statusMap(map[string]string{})))
	assert.False(t, g.IsRunnable(b.ID, statusMap(map[string]string{a.ID: task.StatusActive})))
	assert.True(t, g.IsRunnable(b.ID, statusMap(map[string]string{a.ID: task.StatusCompleted})))
}

func TestRemoveNodeCascades(t *testing.T) {
	g := NewPrerequisiteGraph()
	require.NoError(t, g.AddEdge("b", "a", ""))
	require.NoError(t, g.AddEdge("c", "b", ""))

	g.RemoveNode("b")
	assert.Empty(t, g.FailedDependents("a"))
	assert.Len(t, g.Prereqs("c"), 0)
}

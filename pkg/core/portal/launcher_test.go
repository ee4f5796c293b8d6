package portal

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevelan1995/gridflow/pkg/core/task"
)

// fanoutKind 按圈选的输入逐个扇出，并声明一个收尾校验
type fanoutKind struct {
	Base
	requirePrefix bool
}

func (k *fanoutKind) DefaultLaunchArgs() task.Params {
	return task.Params{"n3_distance": "200"}
}

func (k *fanoutKind) AfterForm(fc *FormContext) error {
	if k.requirePrefix && fc.Task.Params.GetString("prefix") == "" {
		fc.Errors.Add("prefix", "不能为空")
	}
	return nil
}

func (k *fanoutKind) FinalTaskList(fc *FormContext) ([]*task.Record, error) {
	if !fc.IsNewRecord {
		return []*task.Record{fc.Task}, nil
	}
	out := make([]*task.Record, 0, len(fc.SelectedInputIDs))
	for _, id := range fc.SelectedInputIDs {
		out = append(out, task.Instantiate(fc.Task, task.Params{"input_id": id}))
	}
	return out, nil
}

type memorySaver struct {
	saved map[string]*task.Record
	order []string
}

func newMemorySaver() *memorySaver {
	return &memorySaver{saved: make(map[string]*task.Record)}
}

func (m *memorySaver) save(_ context.Context, r *task.Record) error {
	if _, seen := m.saved[r.ID]; !seen {
		m.order = append(m.order, r.ID)
	}
	m.saved[r.ID] = r
	return nil
}

func TestLaunchFansOutPerInput(t *testing.T) {
	saver := newMemorySaver()
	l := &Launcher{SaveTask: saver.save}

	tmpl := task.NewRecord("civet", "u1", "r1")
	tmpl.Params["prefix"] = "study"
	tmpl.Params["interface_userfile_ids"] = []string{"f1", "f2", "f3"}

	finals, err := l.Launch(context.Background(), &fanoutKind{}, tmpl, []string{"f1", "f2", "f3"}, true)
	require.NoError(t, err)
	require.Len(t, finals, 3)

	batch := finals[0].BatchID
	require.NotEmpty(t, batch)
	for _, r := range finals {
		assert.Equal(t, batch, r.BatchID)
		assert.Equal(t, task.StatusNew, r.Status)
		// 默认参数补齐、批量键被剥除
		assert.Equal(t, "200", r.Params.GetString("n3_distance"))
		_, hasBulk := r.Params["interface_userfile_ids"]
		assert.False(t, hasBulk)
		assert.Contains(t, saver.saved, r.ID)
	}

	// 子任务 ID 互不相同且不同于模板
	ids := map[string]bool{tmpl.ID: true}
	for _, r := range finals {
		assert.False(t, ids[r.ID])
		ids[r.ID] = true
	}
}

func TestLaunchValidationErrorCreatesNothing(t *testing.T) {
	saver := newMemorySaver()
	l := &Launcher{SaveTask: saver.save}

	tmpl := task.NewRecord("civet", "u1", "r1")
	_, err := l.Launch(context.Background(), &fanoutKind{requirePrefix: true}, tmpl, []string{"f1"}, true)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"prefix: 不能为空"}, verr.Errors.Messages())
	assert.Empty(t, saver.saved)
}

func TestLaunchRerunReturnsSelf(t *testing.T) {
	saver := newMemorySaver()
	l := &Launcher{SaveTask: saver.save}

	persisted := task.NewRecord("civet", "u1", "r1")
	persisted.BatchID = "batch-7"
	persisted.Params["prefix"] = "study"
	persisted.Params["interface_userfile_ids"] = []string{"f1"}

	finals, err := l.Launch(context.Background(), &fanoutKind{}, persisted, nil, false)
	require.NoError(t, err)
	require.Len(t, finals, 1)
	assert.Same(t, persisted, finals[0])
	assert.Equal(t, "batch-7", persisted.BatchID)

	// 重新提交不剥模板自身的键
	_, hasBulk := persisted.Params["interface_userfile_ids"]
	assert.True(t, hasBulk)
}

func TestLaunchOversizedChildRejected(t *testing.T) {
	saver := newMemorySaver()
	l := &Launcher{SaveTask: saver.save}

	tmpl := task.NewRecord("civet", "u1", "r1")
	tmpl.Params["blob"] = strings.Repeat("x", task.MaxParamsBytes)

	_, err := l.Launch(context.Background(), &fanoutKind{}, tmpl, []string{"f1"}, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "参数超限")
}

func TestParamsErrorsAccumulate(t *testing.T) {
	e := NewParamsErrors()
	assert.True(t, e.IsEmpty())

	e.Add("dsid", "包含非法字符 %q", "@")
	e.Add("prefix", "不能为空")
	e.Add("prefix", "必须是标识符")

	assert.False(t, e.IsEmpty())
	assert.Len(t, e.On("prefix"), 2)
	msgs := e.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "dsid: 包含非法字符 \"@\"", msgs[0])
}

// Package portal 定义任务在提交侧的协议：
// 参数表单的默认值、校验钩子，以及把一次提交展开成
// 一个或多个任务记录的扇出驱动。
package portal

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/stevelan1995/gridflow/pkg/core/store"
	"github.com/stevelan1995/gridflow/pkg/core/task"
)

// ParamsErrors 按字段累积的校验错误
type ParamsErrors struct {
	fields map[string][]string
}

// NewParamsErrors 创建空的错误累积器（对外导出）
func NewParamsErrors() *ParamsErrors {
	return &ParamsErrors{fields: make(map[string][]string)}
}

// Add 记录某字段的一条错误
func (e *ParamsErrors) Add(field, format string, args ...interface{}) {
	e.fields[field] = append(e.fields[field], fmt.Sprintf(format, args...))
}

// IsEmpty 是否没有任何错误
func (e *ParamsErrors) IsEmpty() bool {
	return len(e.fields) == 0
}

// On 返回某字段的错误列表
func (e *ParamsErrors) On(field string) []string {
	return e.fields[field]
}

// Messages 返回全部错误的 "字段: 消息" 列表，按字段排序
func (e *ParamsErrors) Messages() []string {
	fields := make([]string, 0, len(e.fields))
	for f := range e.fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	var out []string
	for _, f := range fields {
		for _, m := range e.fields[f] {
			out = append(out, fmt.Sprintf("%s: %s", f, m))
		}
	}
	return out
}

// ValidationError 用户可修正的表单校验失败。
// 携带字段级错误，调用方展示给用户后重新提交即可，任务不会被创建。
type ValidationError struct {
	Errors *ParamsErrors
}

func (e *ValidationError) Error() string {
	return "参数校验失败: " + strings.Join(e.Errors.Messages(), "; ")
}

// FormContext 表单钩子的运行环境
type FormContext struct {
	Ctx  context.Context
	Task *task.Record

	// SelectedInputIDs 用户在界面上圈选的输入产物 ID
	SelectedInputIDs []string

	// IsNewRecord 首次提交为 true；对已持久化记录重新启动为 false
	IsNewRecord bool

	Errors *ParamsErrors
	Store  store.ResultStore

	// SaveTask 持久化一条任务记录；收尾钩子用它落库衍生任务
	// （研究集组合器、质检任务）
	SaveTask func(ctx context.Context, r *task.Record) error
}

// Kind 任务种类的提交侧协议（对外导出）
type Kind interface {
	// DefaultLaunchArgs 表单初始参数。只补缺省，不覆盖已有值。
	DefaultLaunchArgs() task.Params

	// UntouchableParams 创建后不允许用户再修改的参数键
	UntouchableParams() []string

	// BeforeForm 表单渲染前的准备（读取所选输入、推断参数）
	BeforeForm(fc *FormContext) error

	// AfterForm 表单提交后的校验。错误写入 fc.Errors，不 return error。
	AfterForm(fc *FormContext) error

	// FinalTaskList 把模板记录展开成最终要持久化的任务列表。
	// 对已持久化记录（IsNewRecord=false）必须原样返回 [模板自身]。
	FinalTaskList(fc *FormContext) ([]*task.Record, error)

	// AfterFinalTaskListSaved 全部任务落库后的收尾（声明前置依赖等）
	AfterFinalTaskListSaved(fc *FormContext, saved []*task.Record) error
}

// Base 提交侧协议的缺省实现，种类按需覆盖
type Base struct{}

func (Base) DefaultLaunchArgs() task.Params  { return task.Params{} }
func (Base) UntouchableParams() []string     { return nil }
func (Base) BeforeForm(fc *FormContext) error { return nil }
func (Base) AfterForm(fc *FormContext) error  { return nil }

// FinalTaskList 缺省不扇出：模板自身就是唯一任务
func (Base) FinalTaskList(fc *FormContext) ([]*task.Record, error) {
	return []*task.Record{fc.Task}, nil
}

func (Base) AfterFinalTaskListSaved(fc *FormContext, saved []*task.Record) error {
	return nil
}

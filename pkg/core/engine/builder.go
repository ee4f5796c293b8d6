package engine

import (
	"fmt"

	"github.com/stevelan1995/gridflow/pkg/core/events"
	"github.com/stevelan1995/gridflow/pkg/core/grid"
	"github.com/stevelan1995/gridflow/pkg/core/store"
	"github.com/stevelan1995/gridflow/pkg/storage"
)

// 引擎默认配置
const (
	DefaultPollSpec            = "*/5 * * * * *" // 每5秒一轮调度
	DefaultMaxWorkers          = 10
	DefaultMaxRecoveryAttempts = 3
)

// Builder 引擎构建器（对外导出）
// 必填：任务存储、结果存储、工作根目录。其余有默认值。
type Builder struct {
	repo                storage.TaskRepository
	resultStore         store.ResultStore
	grd                 grid.Grid
	bus                 *events.Bus
	workRoot            string
	maxWorkers          int
	resourceSlots       map[string]int
	pollSpec            string
	maxRecoveryAttempts int
}

// NewBuilder 创建构建器（对外导出）
func NewBuilder() *Builder {
	return &Builder{
		maxWorkers:          DefaultMaxWorkers,
		pollSpec:            DefaultPollSpec,
		maxRecoveryAttempts: DefaultMaxRecoveryAttempts,
	}
}

// WithRepository 设置任务存储
func (b *Builder) WithRepository(repo storage.TaskRepository) *Builder {
	b.repo = repo
	return b
}

// WithResultStore 设置结果存储
func (b *Builder) WithResultStore(s store.ResultStore) *Builder {
	b.resultStore = s
	return b
}

// WithGrid 设置网格提交实现，缺省为本机 bash 执行
func (b *Builder) WithGrid(g grid.Grid) *Builder {
	b.grd = g
	return b
}

// WithBus 设置事件总线，缺省新建一个进程内总线
func (b *Builder) WithBus(bus *events.Bus) *Builder {
	b.bus = bus
	return b
}

// WithWorkRoot 设置任务工作目录的根路径
func (b *Builder) WithWorkRoot(root string) *Builder {
	b.workRoot = root
	return b
}

// WithMaxWorkers 设置全局并发上限
func (b *Builder) WithMaxWorkers(n int) *Builder {
	b.maxWorkers = n
	return b
}

// WithResourceSlots 设置按执行资源划分的子池大小
func (b *Builder) WithResourceSlots(slots map[string]int) *Builder {
	b.resourceSlots = slots
	return b
}

// WithPollSpec 设置调度周期（cron 表达式，秒级精度）
func (b *Builder) WithPollSpec(spec string) *Builder {
	b.pollSpec = spec
	return b
}

// WithMaxRecoveryAttempts 设置恢复次数上限
func (b *Builder) WithMaxRecoveryAttempts(n int) *Builder {
	b.maxRecoveryAttempts = n
	return b
}

// Build 校验配置并创建引擎（对外导出）
func (b *Builder) Build() (*Engine, error) {
	if b.repo == nil {
		return nil, fmt.Errorf("缺少任务存储")
	}
	if b.resultStore == nil {
		return nil, fmt.Errorf("缺少结果存储")
	}
	if b.workRoot == "" {
		return nil, fmt.Errorf("缺少工作根目录")
	}
	if b.maxRecoveryAttempts <= 0 {
		return nil, fmt.Errorf("恢复次数上限必须大于0")
	}

	pool, err := NewWorkerPool(b.maxWorkers, b.resourceSlots)
	if err != nil {
		return nil, err
	}

	g := b.grd
	if g == nil {
		g = grid.NewLocalGrid()
	}
	bus := b.bus
	if bus == nil {
		bus = events.NewBus()
	}

	return &Engine{
		repo:                b.repo,
		store:               b.resultStore,
		grid:                g,
		bus:                 bus,
		pool:                pool,
		workRoot:            b.workRoot,
		maxRecoveryAttempts: b.maxRecoveryAttempts,
		pollSpec:            b.pollSpec,
		inFlight:            make(map[string]bool),
		skipSetup:           make(map[string]bool),
	}, nil
}

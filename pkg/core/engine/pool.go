package engine

import (
	"context"
	"fmt"
	"sync"
)

const maxGlobalWorkers = 1000 // 全局最大并发数上限

// WorkerPool 工作进程池：全局并发上限 + 按执行资源划分的子池。
// 同一集群的任务共用一个子池，避免单个资源被整批任务灌满。
type WorkerPool struct {
	mu            sync.Mutex
	maxWorkers    int
	global        chan struct{}
	resourcePools map[string]chan struct{}
}

// NewWorkerPool 创建工作池（对外导出）
// resourceSlots: 执行资源 ID -> 子池并发上限，未配置的资源只受全局上限约束
func NewWorkerPool(maxWorkers int, resourceSlots map[string]int) (*WorkerPool, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10 // 默认值
	}
	if maxWorkers > maxGlobalWorkers {
		return nil, fmt.Errorf("最大并发数不能超过 %d", maxGlobalWorkers)
	}

	pools := make(map[string]chan struct{}, len(resourceSlots))
	total := 0
	for res, n := range resourceSlots {
		if n <= 0 {
			return nil, fmt.Errorf("资源 %q 的子池大小必须大于0", res)
		}
		total += n
		pools[res] = make(chan struct{}, n)
	}
	if total > maxWorkers {
		return nil, fmt.Errorf("资源子池大小总和（%d）超过全局最大并发数（%d）", total, maxWorkers)
	}

	return &WorkerPool{
		maxWorkers:    maxWorkers,
		global:        make(chan struct{}, maxWorkers),
		resourcePools: pools,
	}, nil
}

// Acquire 占用一个执行槽位（对外导出）
// 先占资源子池再占全局池，返回释放函数。ctx 取消时放弃等待。
func (p *WorkerPool) Acquire(ctx context.Context, resourceID string) (func(), error) {
	p.mu.Lock()
	sub := p.resourcePools[resourceID]
	p.mu.Unlock()

	if sub != nil {
		select {
		case sub <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	select {
	case p.global <- struct{}{}:
	case <-ctx.Done():
		if sub != nil {
			<-sub
		}
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-p.global
			if sub != nil {
				<-sub
			}
		})
	}, nil
}

// TryAcquire 非阻塞占用，占不到返回 false（调度循环用）
func (p *WorkerPool) TryAcquire(resourceID string) (func(), bool) {
	p.mu.Lock()
	sub := p.resourcePools[resourceID]
	p.mu.Unlock()

	if sub != nil {
		select {
		case sub <- struct{}{}:
		default:
			return nil, false
		}
	}
	select {
	case p.global <- struct{}{}:
	default:
		if sub != nil {
			<-sub
		}
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-p.global
			if sub != nil {
				<-sub
			}
		})
	}, true
}

// InFlight 当前占用的全局槽位数
func (p *WorkerPool) InFlight() int {
	return len(p.global)
}

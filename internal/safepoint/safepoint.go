// Package safepoint 实现 Stop-The-World 互斥操作执行器。
//
// 需要修改被所有线程无锁读取的共享结构时（例如每线程计数器数组），
// 必须先让所有 mutator 停在安全点，再独占执行修改。
package safepoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// STW 协调器
// ============================================================================
//
// mutator 的三种状态：
//   - running: 已 Join，正在执行，可能读写共享结构
//   - stopped: 停在 Poll 中等待操作结束
//   - parked:  处于 Park/Unpark 之间（阻塞、休眠、本地代码），不访问共享结构
//
// 操作只在 stopped+parked == joined 时执行。
// 操作执行期间新的 Join 和 Unpark 都会阻塞。

// ErrAborted 在 mutator 全部停下之前 ctx 结束
var ErrAborted = errors.New("safepoint: operation aborted before all mutators stopped")

// Operation 在 STW 期间执行的操作
type Operation interface {
	// Name 操作名称，用于统计和日志
	Name() string

	// Doit 执行操作，此时所有 mutator 都已停下
	Doit()
}

// Executor 互斥操作执行器
type Executor interface {
	// Execute 在所有 mutator 停下后执行 op，返回 nil 表示 op 已执行完成
	Execute(ctx context.Context, op Operation) error
}

// Coordinator 基于条件变量的 STW 协调器
type Coordinator struct {
	// opMu 保证同一时刻只有一个操作
	opMu sync.Mutex

	mu   sync.Mutex
	cond *sync.Cond

	// requested 快速路径检查，Poll 只在为 true 时加锁
	requested atomic.Bool

	// 以下字段受 mu 保护
	joined  int
	stopped int
	parked  int

	// =========================================================================
	// STW 统计
	// =========================================================================

	stwCount       atomic.Int64
	totalSTWTimeNs atomic.Int64
	maxSTWTimeNs   atomic.Int64
	lastSTWTimeNs  atomic.Int64
	lastOperation  atomic.Value
}

// NewCoordinator 创建协调器
func NewCoordinator() *Coordinator {
	c := &Coordinator{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// ============================================================================
// mutator 侧
// ============================================================================

// Join 登记一个 running 状态的 mutator
//
// 有操作进行中时阻塞到操作结束。
func (c *Coordinator) Join() {
	c.mu.Lock()
	for c.requested.Load() {
		c.cond.Wait()
	}
	c.joined++
	c.mu.Unlock()
}

// Leave 注销一个 running 状态的 mutator
func (c *Coordinator) Leave() {
	c.mu.Lock()
	c.joined--
	if c.joined < 0 {
		c.mu.Unlock()
		panic("safepoint: Leave without Join")
	}
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Poll 安全点检查
//
// mutator 在不持有共享结构引用的位置调用。
// 有操作请求时停下，直到操作结束才返回。
func (c *Coordinator) Poll() {
	if !c.requested.Load() {
		return
	}
	c.mu.Lock()
	if c.requested.Load() {
		c.stopped++
		c.cond.Broadcast()
		for c.requested.Load() {
			c.cond.Wait()
		}
		c.stopped--
	}
	c.mu.Unlock()
}

// Park 进入不访问共享结构的区域（阻塞等待、休眠等）
func (c *Coordinator) Park() {
	c.mu.Lock()
	c.parked++
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Unpark 离开 Park 区域，有操作进行中时阻塞到操作结束
func (c *Coordinator) Unpark() {
	c.mu.Lock()
	for c.requested.Load() {
		c.cond.Wait()
	}
	c.parked--
	if c.parked < 0 {
		c.mu.Unlock()
		panic("safepoint: Unpark without Park")
	}
	c.mu.Unlock()
}

// Blocking 在 Park 区域内执行 fn
func (c *Coordinator) Blocking(fn func()) {
	c.Park()
	defer c.Unpark()
	fn()
}

// NeedsSafePoint 是否有操作在等待（不阻塞）
func (c *Coordinator) NeedsSafePoint() bool {
	return c.requested.Load()
}

// ============================================================================
// 操作执行
// ============================================================================

// Execute 在所有 mutator 停下后独占执行 op
//
// 调用者自身如果是 running 状态的 mutator，必须先 Park，否则永远等不到自己停下。
// ctx 在 mutator 全部停下之前结束时返回 ErrAborted，op 不会执行。
func (c *Coordinator) Execute(ctx context.Context, op Operation) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	startTime := time.Now()

	c.mu.Lock()
	c.requested.Store(true)

	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})

	for c.stopped+c.parked < c.joined {
		if ctx.Err() != nil {
			stop()
			c.requested.Store(false)
			c.cond.Broadcast()
			c.mu.Unlock()
			return fmt.Errorf("%w: %s: %v", ErrAborted, op.Name(), ctx.Err())
		}
		c.cond.Wait()
	}
	stop()
	c.mu.Unlock()

	// requested 仍为 true，没有 mutator 能离开安全点或新加入
	op.Doit()

	c.mu.Lock()
	c.requested.Store(false)
	c.cond.Broadcast()
	c.mu.Unlock()

	c.record(op.Name(), time.Since(startTime))
	return nil
}

// ExecuteFunc 以函数形式提交操作
func (c *Coordinator) ExecuteFunc(ctx context.Context, name string, fn func()) error {
	return c.Execute(ctx, funcOperation{name: name, fn: fn})
}

type funcOperation struct {
	name string
	fn   func()
}

func (o funcOperation) Name() string { return o.name }
func (o funcOperation) Doit()        { o.fn() }

// ============================================================================
// 统计信息
// ============================================================================

// Stats STW 统计信息
type Stats struct {
	STWCount       int64  // STW 次数
	TotalSTWTimeNs int64  // 总 STW 时间
	MaxSTWTimeNs   int64  // 最大 STW 时间
	LastSTWTimeNs  int64  // 上次 STW 时间
	AvgSTWTimeNs   int64  // 平均 STW 时间
	LastOperation  string // 上次执行的操作
}

func (c *Coordinator) record(name string, d time.Duration) {
	ns := d.Nanoseconds()
	c.stwCount.Add(1)
	c.totalSTWTimeNs.Add(ns)
	c.lastSTWTimeNs.Store(ns)
	for {
		old := c.maxSTWTimeNs.Load()
		if ns <= old || c.maxSTWTimeNs.CompareAndSwap(old, ns) {
			break
		}
	}
	c.lastOperation.Store(name)
}

// Stats 返回 STW 统计信息
func (c *Coordinator) Stats() Stats {
	s := Stats{
		STWCount:       c.stwCount.Load(),
		TotalSTWTimeNs: c.totalSTWTimeNs.Load(),
		MaxSTWTimeNs:   c.maxSTWTimeNs.Load(),
		LastSTWTimeNs:  c.lastSTWTimeNs.Load(),
	}
	if s.STWCount > 0 {
		s.AvgSTWTimeNs = s.TotalSTWTimeNs / s.STWCount
	}
	if name, ok := c.lastOperation.Load().(string); ok {
		s.LastOperation = name
	}
	return s
}

// Mutators 返回 joined/stopped/parked 计数，用于诊断
func (c *Coordinator) Mutators() (joined, stopped, parked int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined, c.stopped, c.parked
}

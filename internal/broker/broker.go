// Package broker 实现编译器线程池和编译任务队列。
//
// 每个编译器线程都是受 JVMCI 层管理的线程：启动时登记为安全点 mutator
// 并分配计数器，执行任务的每一步都记录编译心跳并经过安全点，
// 退出时把计数器并入累计值。
package broker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tangzhangming/jitci/internal/jvmci"
	"github.com/tangzhangming/jitci/internal/threads"
)

// ============================================================================
// 线程池配置
// ============================================================================

const (
	// DefaultQueueSize 任务队列默认容量
	DefaultQueueSize = 256

	// MaxWorkers 编译器线程数上限
	MaxWorkers = 64
)

var (
	// ErrNotRunning 线程池未启动或已停止
	ErrNotRunning = errors.New("broker: not running")

	// ErrQueueFull 任务队列已满
	ErrQueueFull = errors.New("broker: queue full")
)

// Options 线程池配置
type Options struct {
	// Workers 编译器线程数，0 表示使用 CPU 核心数
	Workers int

	// QueueSize 任务队列容量，0 表示 DefaultQueueSize
	QueueSize int
}

// ============================================================================
// 编译器线程池
// ============================================================================

// Broker 编译器线程池
type Broker struct {
	jvmci *jvmci.JVMCI
	log   *zap.Logger

	numWorkers int
	queue      chan *Task

	// mu 保护 running 状态切换和向 queue 发送
	mu      sync.Mutex
	running bool
	group   *errgroup.Group

	errMu    sync.Mutex
	taskErrs error

	stats Stats
}

// Stats 线程池统计信息
type Stats struct {
	// Completed 成功完成的任务数
	Completed int64

	// Failed 失败的任务数
	Failed int64

	// Steps 所有任务执行的总步数
	Steps int64
}

// New 创建编译器线程池
//
// 参数:
//   - j: 已完成 InitializeGlobals 的 JVMCI 对象
//   - opts: 线程池配置
func New(j *jvmci.JVMCI, opts Options) *Broker {
	n := opts.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n > MaxWorkers {
		n = MaxWorkers
	}
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Broker{
		jvmci:      j,
		log:        j.Logger().Named("broker"),
		numWorkers: n,
		queue:      make(chan *Task, size),
	}
}

// NumWorkers 编译器线程数
func (b *Broker) NumWorkers() int { return b.numWorkers }

// Start 启动所有编译器线程
//
// 线程在返回前已经登记，任何一个线程启动失败时已启动的线程全部退出。
// ctx 结束时编译器线程在完成当前任务后退出。
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}

	started := make([]*threads.Thread, 0, b.numWorkers)
	for i := 0; i < b.numWorkers; i++ {
		t, err := b.jvmci.StartThread(fmt.Sprintf("JVMCI CompilerThread%d", i), threads.KindCompiler)
		if err != nil {
			for _, t := range started {
				b.jvmci.ExitThread(t)
			}
			return fmt.Errorf("start compiler thread %d: %w", i, err)
		}
		started = append(started, t)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range started {
		g.Go(func() error {
			defer b.jvmci.ExitThread(t)
			t.Run(func() { b.loop(gctx, t) })
			return nil
		})
	}
	b.group = g
	b.running = true
	b.log.Info("compiler threads started", zap.Int("workers", b.numWorkers))
	return nil
}

// Submit 提交编译任务
func (b *Broker) Submit(task *Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return ErrNotRunning
	}
	select {
	case b.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop 关闭任务队列并等待所有编译器线程退出
//
// 队列中剩余的任务会先执行完。返回值汇总了所有失败任务的错误。
func (b *Broker) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.queue)
	g := b.group
	b.mu.Unlock()

	err := g.Wait()
	b.errMu.Lock()
	err = multierr.Append(err, b.taskErrs)
	b.errMu.Unlock()

	st := b.Stats()
	b.log.Info("compiler threads stopped",
		zap.Int64("completed", st.Completed),
		zap.Int64("failed", st.Failed),
		zap.Int64("steps", st.Steps))
	return err
}

// Stats 获取统计信息
func (b *Broker) Stats() Stats {
	return Stats{
		Completed: atomic.LoadInt64(&b.stats.Completed),
		Failed:    atomic.LoadInt64(&b.stats.Failed),
		Steps:     atomic.LoadInt64(&b.stats.Steps),
	}
}

// ============================================================================
// 编译器线程
// ============================================================================

// loop 编译器线程主循环
//
// 等待任务期间线程处于 parked 状态，不阻塞 STW 操作。
func (b *Broker) loop(ctx context.Context, t *threads.Thread) {
	coord := b.jvmci.Coordinator()
	for {
		var task *Task
		coord.Blocking(func() {
			select {
			case task = <-b.queue:
			case <-ctx.Done():
			}
		})
		if task == nil {
			return
		}
		b.run(t, task)
	}
}

// run 执行一个任务
func (b *Broker) run(t *threads.Thread, task *Task) {
	if b.jvmci.InShutdown() {
		b.fail(task, fmt.Errorf("compile %s: %w", task.Method, jvmci.ErrShutdown))
		return
	}

	coord := b.jvmci.Coordinator()
	store := b.jvmci.Counters()
	t.SetTask(task)
	for step := 0; step < task.Steps; step++ {
		b.jvmci.CompilationTick(t)
		if n := store.Size(); n > 0 {
			store.Increment(t, step%n, 1)
		}
		atomic.AddInt64(&b.stats.Steps, 1)
		coord.Poll()
	}
	t.SetTask(nil)

	atomic.AddInt64(&b.stats.Completed, 1)
	if ev := b.jvmci.Events(); ev != nil {
		ev.Event2("compiled %s in %d steps", task.Method, task.Steps)
	}
	task.finish(nil)
}

func (b *Broker) fail(task *Task, err error) {
	atomic.AddInt64(&b.stats.Failed, 1)
	b.errMu.Lock()
	b.taskErrs = multierr.Append(b.taskErrs, err)
	b.errMu.Unlock()
	task.finish(err)
}

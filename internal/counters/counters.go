// Package counters 管理每线程 JVMCI 计数器数组和已退出线程的累计数组。
//
// 计数器数组被任意线程无锁读取，因此改变数组长度只能在 STW 操作中进行。
// 所有存活线程的数组与累计数组的长度始终等于当前全局计数器长度。
package counters

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tangzhangming/jitci/internal/safepoint"
	"github.com/tangzhangming/jitci/internal/threads"
)

var (
	// ErrLengthMismatch 汇总缓冲区长度与当前计数器长度不一致
	ErrLengthMismatch = errors.New("counters: length does not match counter size")

	// ErrRetiredFreed 累计数组已由 FreeRetired 释放
	ErrRetiredFreed = errors.New("counters: retired counters freed")

	// ErrLiveThreads 仍有存活线程时不能释放累计数组
	ErrLiveThreads = errors.New("counters: threads still running")
)

// Allocator 分配长度为 n 的计数器数组，失败时返回 nil
type Allocator func(n int) []int64

// DefaultAllocator 默认分配器，长度超出运行时限制时返回 nil
func DefaultAllocator(n int) (out []int64) {
	defer func() {
		if recover() != nil {
			out = nil
		}
	}()
	return make([]int64, n)
}

// Store 计数器存储
type Store struct {
	// size 当前全局计数器长度，只在 STW 操作中改变
	size atomic.Int64

	// retired 已退出线程的累计值。数组本身只在注册表写锁内替换
	retired []int64
	freed   bool

	excludeCompiler bool

	registry *threads.Registry
	executor safepoint.Executor
	alloc    Allocator
}

// Options 构造参数
type Options struct {
	Size            int
	ExcludeCompiler bool
	Registry        *threads.Registry
	Executor        safepoint.Executor
	Allocator       Allocator // 为 nil 时使用 DefaultAllocator
}

// NewStore 创建计数器存储，累计数组在 Init 中分配
func NewStore(opts Options) *Store {
	s := &Store{
		excludeCompiler: opts.ExcludeCompiler,
		registry:        opts.Registry,
		executor:        opts.Executor,
		alloc:           opts.Allocator,
	}
	if s.alloc == nil {
		s.alloc = DefaultAllocator
	}
	s.size.Store(int64(opts.Size))
	return s
}

// Size 当前全局计数器长度
func (s *Store) Size() int { return int(s.size.Load()) }

// SetAllocator 替换分配器
func (s *Store) SetAllocator(a Allocator) { s.alloc = a }

// Init 分配累计数组，长度为 0 时不分配
func (s *Store) Init() {
	s.freed = false
	if n := s.Size(); n > 0 {
		s.retired = make([]int64, n)
	} else {
		s.retired = nil
	}
}

// FreeRetired 释放累计数组，在最后一次汇总之后调用
//
// 所有受管线程必须已经退出。之后 Collect 返回 ErrRetiredFreed，
// 之后退出的线程不再累加。重复调用无效果。
func (s *Store) FreeRetired() error {
	var err error
	s.registry.Update(func(live []*threads.Thread) {
		if len(live) > 0 {
			err = fmt.Errorf("%w: %d live", ErrLiveThreads, len(live))
			return
		}
		s.retired = nil
		s.freed = true
	})
	return err
}

// Retired 返回累计数组的副本
func (s *Store) Retired() []int64 {
	var out []int64
	s.registry.View(func([]*threads.Thread) {
		out = make([]int64, len(s.retired))
		for i := range s.retired {
			out[i] = atomic.LoadInt64(&s.retired[i])
		}
	})
	return out
}

// includes 汇总时是否计入该线程
func (s *Store) includes(t *threads.Thread) bool {
	return !s.excludeCompiler || !t.IsCompilerThread()
}

// ============================================================================
// 线程生命周期
// ============================================================================

// Attach 为新线程分配当前长度的计数器数组
//
// 调用者必须已是 running 状态的 mutator，保证分配期间长度不会改变。
func (s *Store) Attach(t *threads.Thread) bool {
	n := s.Size()
	if n == 0 {
		return true
	}
	arr := s.alloc(n)
	if arr == nil {
		return false
	}
	t.JVMCI().SetCounters(arr)
	return true
}

// Increment 线程 t 的第 i 个计数器加 v
//
// 只由线程自己调用，与生成代码的写入方式一致。
func (s *Store) Increment(t *threads.Thread, i int, v int64) {
	atomic.AddInt64(&t.JVMCI().Counters()[i], v)
}

// Accumulate 把退出线程的计数器累加到累计数组
//
// 调用者是尚未注销的 running 线程，累计数组和长度在此期间不会被替换。
func (s *Store) Accumulate(t *threads.Thread) {
	n := s.Size()
	if n == 0 || s.retired == nil || !s.includes(t) {
		return
	}
	c := t.JVMCI().Counters()
	for i := 0; i < n; i++ {
		atomic.AddInt64(&s.retired[i], atomic.LoadInt64(&c[i]))
	}
}

// Free 释放退出线程的计数器数组，在 Accumulate 和注销之后调用
func (s *Store) Free(t *threads.Thread) {
	if s.Size() > 0 {
		t.JVMCI().SetCounters(nil)
	}
}

// ============================================================================
// 汇总
// ============================================================================

// Collect 把累计值与所有存活线程的当前值之和写入 out
//
// len(out) 必须等于当前计数器长度。结果是最终一致的快照，
// 并发递增期间不保证整个数组的原子性。汇总在注册表读锁内进行，
// 可以与线程启动、退出以及调整长度的提交并发调用。
func (s *Store) Collect(out []int64) error {
	var err error
	s.registry.View(func(live []*threads.Thread) {
		n := s.Size()
		if len(out) != n {
			err = fmt.Errorf("%w: got %d, want %d", ErrLengthMismatch, len(out), n)
			return
		}
		if s.freed {
			err = ErrRetiredFreed
			return
		}
		for i := 0; i < n; i++ {
			out[i] = atomic.LoadInt64(&s.retired[i])
		}
		for _, t := range live {
			if !s.includes(t) {
				continue
			}
			c := t.JVMCI().Counters()
			for i := 0; i < n && i < len(c); i++ {
				out[i] += atomic.LoadInt64(&c[i])
			}
		}
	})
	return err
}

// ============================================================================
// 调整长度
// ============================================================================

// resizeArray 分配新数组并复制重叠前缀，新增部分为零
//
// 旧数组保持不变，失败时返回 nil。
func (s *Store) resizeArray(old []int64, oldSize, newSize int) []int64 {
	arr := s.alloc(newSize)
	if arr == nil {
		return nil
	}
	n := oldSize
	if newSize < n {
		n = newSize
	}
	if len(old) < n {
		n = len(old)
	}
	for i := 0; i < n; i++ {
		arr[i] = atomic.LoadInt64(&old[i])
	}
	for i := n; i < newSize; i++ {
		arr[i] = 0
	}
	return arr
}

// ResizeThread 调整单个线程的数组长度
//
// 新数组完整准备好之后才替换线程的引用；分配失败时返回 false，旧数组不变。
func (s *Store) ResizeThread(t *threads.Thread, oldSize, newSize int) bool {
	arr := s.resizeArray(t.JVMCI().Counters(), oldSize, newSize)
	if arr == nil {
		return false
	}
	t.JVMCI().SetCounters(arr)
	return true
}

// resizeOperation 调整全部计数器长度的 STW 操作
//
// 先为累计数组和每个存活线程分配好新数组，全部成功后才提交，
// 任何一次分配失败都不会留下部分调整的状态。
type resizeOperation struct {
	store   *Store
	newSize int
	failed  bool
	err     error
}

func (op *resizeOperation) Name() string { return "JVMCIResizeCounters" }

// Doit 在注册表写锁内执行，并发的 Collect 只能看到调整前或调整后的完整状态
func (op *resizeOperation) Doit() {
	s := op.store
	s.registry.Update(func(live []*threads.Thread) {
		if s.freed {
			op.err = ErrRetiredFreed
			return
		}
		oldSize := s.Size()

		retired := s.resizeArray(s.retired, oldSize, op.newSize)
		if retired == nil {
			op.failed = true
			return
		}
		prepared := make([][]int64, len(live))
		for i, t := range live {
			arr := s.resizeArray(t.JVMCI().Counters(), oldSize, op.newSize)
			if arr == nil {
				op.failed = true
				return
			}
			prepared[i] = arr
		}

		s.retired = retired
		for i, t := range live {
			t.JVMCI().SetCounters(prepared[i])
		}
		s.size.Store(int64(op.newSize))
	})
}

// ResizeAll 在 STW 操作中调整累计数组和所有存活线程的数组长度
//
// 返回 (true, nil) 表示全部调整成功且全局长度已更新；
// (false, nil) 表示分配失败，所有数组与长度保持调用前的状态；
// error 表示操作没能执行（例如 ctx 在所有线程停下前结束，或累计数组已释放）。
func (s *Store) ResizeAll(ctx context.Context, newSize int) (bool, error) {
	if newSize < 0 {
		return false, fmt.Errorf("counters: invalid size %d", newSize)
	}
	op := &resizeOperation{store: s, newSize: newSize}
	if err := s.executor.Execute(ctx, op); err != nil {
		return false, err
	}
	if op.err != nil {
		return false, op.err
	}
	return !op.failed, nil
}

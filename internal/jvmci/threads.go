package jvmci

import (
	"context"
	"errors"

	units "github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/tangzhangming/jitci/internal/threads"
)

// ErrCounterAllocation 新线程的计数器数组分配失败
var ErrCounterAllocation = errors.New("jvmci: unable to allocate thread counters")

// ============================================================================
// 线程生命周期
// ============================================================================
//
// 受管线程启动时先分配计数器再登记，注册表发布的线程总带着完整的数组。
// 退出时按 累加 → 注销 → 释放 → 离开 的顺序执行，中间不经过安全点，
// 因此计数器调整操作要么看到完整的线程，要么完全看不到；
// 汇总只在注册表读锁内读取数组，看不到已释放的数组。

// StartThread 创建并登记受管线程
//
// 返回的线程处于 running 状态，调用者必须周期性地调用 Coordinator().Poll()，
// 并在结束时调用 ExitThread。
func (j *JVMCI) StartThread(name string, kind threads.Kind) (*threads.Thread, error) {
	if j.counters == nil {
		return nil, ErrNotInitialized
	}
	t := threads.New(name, kind)
	j.deps.Coordinator.Join()
	if !j.counters.Attach(t) {
		j.deps.Coordinator.Leave()
		return nil, ErrCounterAllocation
	}
	j.deps.Registry.Add(t)
	j.log.Debug("thread started", zap.Stringer("thread", t))
	return t, nil
}

// ExitThread 把线程的计数器并入累计值并注销线程
func (j *JVMCI) ExitThread(t *threads.Thread) {
	j.counters.Accumulate(t)
	j.deps.Registry.Remove(t)
	j.counters.Free(t)
	j.deps.Coordinator.Leave()
	j.log.Debug("thread exited", zap.Stringer("thread", t))
}

// ============================================================================
// 计数器
// ============================================================================

// ResizeAllCounters 在 STW 操作中把所有计数器数组调整为 n
//
// 当前 goroutine 绑定了已登记的线程时，等待期间该线程处于 parked 状态。
//
// 返回值:
//   - true 表示调整成功；false 表示分配失败，所有数组保持原样
func (j *JVMCI) ResizeAllCounters(ctx context.Context, n int) (bool, error) {
	if j.counters == nil {
		return false, ErrNotInitialized
	}
	old := j.counters.Size()

	var ok bool
	var err error
	resize := func() { ok, err = j.counters.ResizeAll(ctx, n) }
	if t := threads.Current(); t != nil && j.deps.Registry.Contains(t) {
		j.deps.Coordinator.Blocking(resize)
	} else {
		resize()
	}
	if err != nil {
		return false, err
	}
	if !ok {
		j.log.Warn("unable to resize counters", zap.Int("from", old), zap.Int("to", n))
		return false, nil
	}

	live := j.deps.Registry.Len()
	footprint := float64(n * 8 * (live + 1))
	j.event1("resized JVMCI counters from %d to %d", old, n)
	j.log.Info("resized counters",
		zap.Int("from", old),
		zap.Int("to", n),
		zap.Int("threads", live),
		zap.String("footprint", units.BytesSize(footprint)))
	return true, nil
}

// CollectCounters 返回累计值与所有存活线程当前值之和
func (j *JVMCI) CollectCounters() ([]int64, error) {
	if j.counters == nil {
		return nil, ErrNotInitialized
	}
	out := make([]int64, j.counters.Size())
	if err := j.counters.Collect(out); err != nil {
		return nil, err
	}
	return out, nil
}

// FreeCounters 释放已退出线程的累计计数器，在最后一次 CollectCounters 之后调用
//
// 仍有受管线程存活时返回错误，累计值保持不变。
func (j *JVMCI) FreeCounters() error {
	if j.counters == nil {
		return nil
	}
	if err := j.counters.FreeRetired(); err != nil {
		return err
	}
	j.log.Debug("freed retired counters")
	return nil
}

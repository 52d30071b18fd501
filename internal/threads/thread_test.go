package threads

import (
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// 状态块测试
// ============================================================================

func TestNewJVMCIThreadState(t *testing.T) {
	th := New("main", KindJava)
	s := th.JVMCI()

	assert.Equal(t, NoPendingDeoptimization, s.PendingDeoptimization())
	assert.False(t, s.HasPendingDeoptimization())
	assert.False(t, s.PendingMonitorEnter())
	assert.False(t, s.PendingTransferToInterpreter())
	assert.False(t, s.InRetryableAllocation())
	assert.Equal(t, int64(0), s.PendingFailedSpeculation())
	assert.Equal(t, uintptr(0), s.AlternateCallTarget())
	assert.Nil(t, s.Counters())
	assert.Equal(t, int64(0), s.Reserved0())
	assert.Equal(t, int64(0), s.Reserved1())
	assert.Nil(t, s.ReservedOop0())
}

func TestStateAccessors(t *testing.T) {
	s := NewJVMCIThreadState()

	s.SetPendingDeoptimization(7)
	assert.True(t, s.HasPendingDeoptimization())
	s.ClearPendingDeoptimization()
	assert.False(t, s.HasPendingDeoptimization())

	s.SetPendingMonitorEnter(true)
	s.SetPendingTransferToInterpreter(true)
	s.SetInRetryableAllocation(true)
	s.SetPendingFailedSpeculation(-42)
	assert.True(t, s.PendingMonitorEnter())
	assert.True(t, s.PendingTransferToInterpreter())
	assert.True(t, s.InRetryableAllocation())
	assert.Equal(t, int64(-42), s.PendingFailedSpeculation())

	// 共享槽：两种视图读写同一存储
	s.SetAlternateCallTarget(0x1000)
	assert.Equal(t, uintptr(0x1000), s.ImplicitExceptionPC())
	s.SetImplicitExceptionPC(0x2000)
	assert.Equal(t, uintptr(0x2000), s.AlternateCallTarget())
}

// ============================================================================
// 偏移测试
// ============================================================================

func TestOffsetsReadThroughRawMemory(t *testing.T) {
	th := New("raw", KindJava)
	s := th.JVMCI()
	s.SetPendingDeoptimization(99)
	s.SetPendingMonitorEnter(true)
	s.SetAlternateCallTarget(0xdead)
	s.SetPendingFailedSpeculation(1234)
	s.SetCounters([]int64{5, 6, 7})

	base := unsafe.Pointer(th)
	assert.Equal(t, int32(99), *(*int32)(unsafe.Add(base, PendingDeoptimizationOffset())))
	assert.True(t, *(*bool)(unsafe.Add(base, PendingMonitorEnterOffset())))
	assert.Equal(t, uintptr(0xdead), *(*uintptr)(unsafe.Add(base, ImplicitExceptionPCOffset())))
	assert.Equal(t, int64(1234), *(*int64)(unsafe.Add(base, PendingFailedSpeculationOffset())))

	data := *(**int64)(unsafe.Add(base, CountersOffset()))
	require.NotNil(t, data)
	assert.Equal(t, int64(5), *data)
}

func TestLayoutStable(t *testing.T) {
	l := ThreadLayout()
	assert.Equal(t, l.AlternateCallTarget, l.ImplicitExceptionPC)

	offsets := []uintptr{
		l.PendingDeoptimization,
		l.PendingMonitorEnter,
		l.PendingTransferToInterpreter,
		l.InRetryableAllocation,
		l.PendingFailedSpeculation,
		l.AlternateCallTarget,
		l.Counters,
	}
	for i := 1; i < len(offsets); i++ {
		assert.Greater(t, offsets[i], offsets[i-1], "field %d out of order", i)
	}
	assert.Equal(t, l.StateOffset, l.PendingDeoptimization)
	assert.Less(t, l.Counters, l.StateOffset+l.StateSize)

	if unsafe.Sizeof(uintptr(0)) == 8 {
		assert.Equal(t, uintptr(8), l.PendingFailedSpeculation-l.StateOffset)
		assert.Equal(t, uintptr(16), l.AlternateCallTarget-l.StateOffset)
		assert.Equal(t, uintptr(24), l.Counters-l.StateOffset)
		assert.Equal(t, uintptr(72), l.StateSize)
	}
}

// ============================================================================
// 注册表与当前线程
// ============================================================================

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := New("a", KindJava)
	b := New("b", KindCompiler)

	r.Add(b)
	r.Add(a)
	assert.Equal(t, 2, r.Len())
	assert.True(t, r.Contains(a))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Less(t, snap[0].ID(), snap[1].ID())

	visited := 0
	r.Range(func(*Thread) bool {
		visited++
		return false
	})
	assert.Equal(t, 1, visited)

	assert.True(t, r.Remove(a))
	assert.False(t, r.Remove(a))
	assert.Equal(t, 1, r.Len())
}

func TestKindAndName(t *testing.T) {
	th := New("", KindCompiler)
	assert.True(t, th.IsCompilerThread())
	assert.Contains(t, th.Name(), "Thread-")
	assert.Equal(t, "compiler", th.Kind().String())
	assert.Equal(t, "unknown", Kind(42).String())
}

func TestCurrent(t *testing.T) {
	assert.Nil(t, Current())

	th := New("bound", KindJava)
	th.Run(func() {
		assert.Same(t, th, Current())

		var wg sync.WaitGroup
		wg.Add(1)
		Go(func() {
			defer wg.Done()
			assert.Same(t, th, Current())
		})
		wg.Wait()
	})

	assert.Nil(t, Current())
}

func TestRegistryViewBlocksRemove(t *testing.T) {
	r := NewRegistry()
	a := New("a", KindJava)
	r.Add(a)

	removed := make(chan struct{})
	r.View(func(live []*Thread) {
		require.Len(t, live, 1)
		go func() {
			r.Remove(a)
			close(removed)
		}()
		select {
		case <-removed:
			t.Error("remove finished while viewing")
		case <-time.After(20 * time.Millisecond):
		}
		assert.Same(t, a, live[0])
	})
	<-removed
	assert.Zero(t, r.Len())

	r.Update(func(live []*Thread) { assert.Empty(t, live) })
}

package broker

import (
	"context"
	"sync/atomic"

	"github.com/tangzhangming/jitci/internal/threads"
)

// CompileState 阻塞式编译的状态
//
// 请求编译的线程等待结果期间，通过 ticks 判断编译器是否仍在推进。
type CompileState struct {
	ticks atomic.Int64
}

// IncCompilationTicks 实现 threads.TickCounter
func (s *CompileState) IncCompilationTicks() { s.ticks.Add(1) }

// Ticks 当前心跳次数
func (s *CompileState) Ticks() int64 { return s.ticks.Load() }

// Task 编译任务
type Task struct {
	// Method 被编译的方法
	Method string

	// Steps 编译需要的步数，每一步记录一次心跳并经过一次安全点
	Steps int

	// Blocking 请求者是否同步等待结果
	Blocking bool

	state CompileState
	done  chan struct{}
	err   error
}

// NewTask 创建编译任务
func NewTask(method string, steps int, blocking bool) *Task {
	return &Task{
		Method:   method,
		Steps:    steps,
		Blocking: blocking,
		done:     make(chan struct{}),
	}
}

// BlockingCompileState 实现 threads.CompileTask，非阻塞任务返回 nil
func (t *Task) BlockingCompileState() threads.TickCounter {
	if !t.Blocking {
		return nil
	}
	return &t.state
}

// Ticks 编译过程中记录的心跳次数，非阻塞任务始终为 0
func (t *Task) Ticks() int64 { return t.state.Ticks() }

// Wait 等待任务结束
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done 任务结束时关闭
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) finish(err error) {
	t.err = err
	close(t.done)
}

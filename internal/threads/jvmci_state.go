// jvmci_state.go - 由 JIT 生成代码直接读写的线程状态块
//
// 内存布局（相对 JVMCIThreadState 起始位置，64 位平台）:
//   偏移 0:  pendingDeoptimization        (4 bytes) - 待处理的反优化 id，-1 表示无
//   偏移 4:  pendingMonitorEnter          (1 byte)
//   偏移 5:  pendingTransferToInterpreter (1 byte)
//   偏移 6:  inRetryableAllocation        (1 byte)
//   偏移 7:  填充                          (1 byte)
//   偏移 8:  pendingFailedSpeculation     (8 bytes)
//   偏移 16: callTargetOrPC               (8 bytes) - 备用调用目标 / 隐式异常 PC
//   偏移 24: counters                     (24 bytes) - 数据指针位于偏移 24
//   偏移 48: reserved0                    (8 bytes)
//   偏移 56: reserved1                    (8 bytes)
//   偏移 64: reservedOop0                 (8 bytes)
//
// 生成代码把这些偏移写死在机器码里。只能在末尾追加字段，不能插入或重排。

package threads

import "unsafe"

// NoPendingDeoptimization pendingDeoptimization 的哨兵值
const NoPendingDeoptimization int32 = -1

// JVMCIThreadState 每线程 JVMCI 状态
type JVMCIThreadState struct {
	pendingDeoptimization        int32
	pendingMonitorEnter          bool
	pendingTransferToInterpreter bool
	inRetryableAllocation        bool
	_                            [1]byte

	pendingFailedSpeculation int64

	// callTargetOrPC 同一存储槽的两种解释，按调用约定互斥使用：
	// 从编译代码调用运行时前存放备用调用目标；
	// 隐式异常分派时存放触发异常的 PC。
	callTargetOrPC uintptr

	// counters 本线程的计数器数组，由 counters.Store 管理
	counters []int64

	reserved0    int64
	reserved1    int64
	reservedOop0 unsafe.Pointer
}

// NewJVMCIThreadState 创建初始化后的状态块
func NewJVMCIThreadState() JVMCIThreadState {
	return JVMCIThreadState{
		pendingDeoptimization: NoPendingDeoptimization,
	}
}

// PendingDeoptimization 待处理的反优化 id
func (s *JVMCIThreadState) PendingDeoptimization() int32 { return s.pendingDeoptimization }

// SetPendingDeoptimization 设置待处理的反优化 id
func (s *JVMCIThreadState) SetPendingDeoptimization(id int32) { s.pendingDeoptimization = id }

// HasPendingDeoptimization 是否有待处理的反优化
func (s *JVMCIThreadState) HasPendingDeoptimization() bool {
	return s.pendingDeoptimization != NoPendingDeoptimization
}

// ClearPendingDeoptimization 清除待处理的反优化
func (s *JVMCIThreadState) ClearPendingDeoptimization() {
	s.pendingDeoptimization = NoPendingDeoptimization
}

func (s *JVMCIThreadState) PendingMonitorEnter() bool     { return s.pendingMonitorEnter }
func (s *JVMCIThreadState) SetPendingMonitorEnter(b bool) { s.pendingMonitorEnter = b }

func (s *JVMCIThreadState) PendingTransferToInterpreter() bool {
	return s.pendingTransferToInterpreter
}

func (s *JVMCIThreadState) SetPendingTransferToInterpreter(b bool) {
	s.pendingTransferToInterpreter = b
}

func (s *JVMCIThreadState) InRetryableAllocation() bool     { return s.inRetryableAllocation }
func (s *JVMCIThreadState) SetInRetryableAllocation(b bool) { s.inRetryableAllocation = b }

func (s *JVMCIThreadState) PendingFailedSpeculation() int64 { return s.pendingFailedSpeculation }

func (s *JVMCIThreadState) SetPendingFailedSpeculation(id int64) {
	s.pendingFailedSpeculation = id
}

// AlternateCallTarget 以备用调用目标解释共享槽
func (s *JVMCIThreadState) AlternateCallTarget() uintptr { return s.callTargetOrPC }

// SetAlternateCallTarget 写入备用调用目标
func (s *JVMCIThreadState) SetAlternateCallTarget(addr uintptr) { s.callTargetOrPC = addr }

// ImplicitExceptionPC 以隐式异常 PC 解释共享槽
func (s *JVMCIThreadState) ImplicitExceptionPC() uintptr { return s.callTargetOrPC }

// SetImplicitExceptionPC 写入隐式异常 PC
func (s *JVMCIThreadState) SetImplicitExceptionPC(pc uintptr) { s.callTargetOrPC = pc }

// Counters 返回本线程计数器数组
//
// 只有计数器所有者和安全点操作可以替换该数组。
func (s *JVMCIThreadState) Counters() []int64 { return s.counters }

// SetCounters 替换本线程计数器数组
func (s *JVMCIThreadState) SetCounters(c []int64) { s.counters = c }

// Reserved0 / Reserved1 / ReservedOop0 是编译器自用的暂存槽
func (s *JVMCIThreadState) Reserved0() int64                 { return s.reserved0 }
func (s *JVMCIThreadState) SetReserved0(v int64)             { s.reserved0 = v }
func (s *JVMCIThreadState) Reserved1() int64                 { return s.reserved1 }
func (s *JVMCIThreadState) SetReserved1(v int64)             { s.reserved1 = v }
func (s *JVMCIThreadState) ReservedOop0() unsafe.Pointer     { return s.reservedOop0 }
func (s *JVMCIThreadState) SetReservedOop0(p unsafe.Pointer) { s.reservedOop0 = p }

// ============================================================================
// 字节偏移（相对 Thread 起始地址）
// ============================================================================

var (
	layoutThread Thread
	layoutState  JVMCIThreadState
)

// StateOffset JVMCIThreadState 在 Thread 中的偏移
func StateOffset() uintptr { return unsafe.Offsetof(layoutThread.jvmci) }

func PendingDeoptimizationOffset() uintptr {
	return StateOffset() + unsafe.Offsetof(layoutState.pendingDeoptimization)
}

func PendingMonitorEnterOffset() uintptr {
	return StateOffset() + unsafe.Offsetof(layoutState.pendingMonitorEnter)
}

func PendingTransferToInterpreterOffset() uintptr {
	return StateOffset() + unsafe.Offsetof(layoutState.pendingTransferToInterpreter)
}

func InRetryableAllocationOffset() uintptr {
	return StateOffset() + unsafe.Offsetof(layoutState.inRetryableAllocation)
}

func PendingFailedSpeculationOffset() uintptr {
	return StateOffset() + unsafe.Offsetof(layoutState.pendingFailedSpeculation)
}

func AlternateCallTargetOffset() uintptr {
	return StateOffset() + unsafe.Offsetof(layoutState.callTargetOrPC)
}

// ImplicitExceptionPCOffset 与 AlternateCallTargetOffset 指向同一存储槽
func ImplicitExceptionPCOffset() uintptr {
	return AlternateCallTargetOffset()
}

// CountersOffset 计数器数组数据指针的偏移
func CountersOffset() uintptr {
	return StateOffset() + unsafe.Offsetof(layoutState.counters)
}

// Layout 生成代码所需的全部偏移
type Layout struct {
	StateOffset                  uintptr `json:"state_offset"`
	StateSize                    uintptr `json:"state_size"`
	PendingDeoptimization        uintptr `json:"pending_deoptimization"`
	PendingMonitorEnter          uintptr `json:"pending_monitorenter"`
	PendingTransferToInterpreter uintptr `json:"pending_transfer_to_interpreter"`
	InRetryableAllocation        uintptr `json:"in_retryable_allocation"`
	PendingFailedSpeculation     uintptr `json:"pending_failed_speculation"`
	AlternateCallTarget          uintptr `json:"alternate_call_target"`
	ImplicitExceptionPC          uintptr `json:"implicit_exception_pc"`
	Counters                     uintptr `json:"counters"`
}

// ThreadLayout 返回当前构建的布局
func ThreadLayout() Layout {
	return Layout{
		StateOffset:                  StateOffset(),
		StateSize:                    unsafe.Sizeof(layoutState),
		PendingDeoptimization:        PendingDeoptimizationOffset(),
		PendingMonitorEnter:          PendingMonitorEnterOffset(),
		PendingTransferToInterpreter: PendingTransferToInterpreterOffset(),
		InRetryableAllocation:        InRetryableAllocationOffset(),
		PendingFailedSpeculation:     PendingFailedSpeculationOffset(),
		AlternateCallTarget:          AlternateCallTargetOffset(),
		ImplicitExceptionPC:          ImplicitExceptionPCOffset(),
		Counters:                     CountersOffset(),
	}
}

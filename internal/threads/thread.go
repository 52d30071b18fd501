// Package threads 定义受 JVMCI 层管理的线程、线程注册表以及生成代码直接访问的线程状态块。
package threads

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ============================================================================
// 线程种类
// ============================================================================

// Kind 线程种类
type Kind int32

const (
	KindJava     Kind = iota // 执行托管代码的应用线程
	KindCompiler             // 编译器工作线程
	KindNative               // 从本地代码附加进来的线程
)

func (k Kind) String() string {
	switch k {
	case KindJava:
		return "java"
	case KindCompiler:
		return "compiler"
	case KindNative:
		return "native"
	default:
		return "unknown"
	}
}

// ============================================================================
// 编译任务接口
// ============================================================================

// TickCounter 阻塞式编译状态，记录编译进度的心跳
type TickCounter interface {
	IncCompilationTicks()
}

// CompileTask 编译线程当前执行的任务
type CompileTask interface {
	// BlockingCompileState 返回阻塞式编译的状态，非阻塞编译返回 nil
	BlockingCompileState() TickCounter
}

// ============================================================================
// 线程
// ============================================================================

var nextThreadID atomic.Int64

// Thread 受管线程
//
// id、kind、jvmci 三个字段位于结构体开头且顺序固定，
// 生成代码通过 StateOffset() 等函数得到的偏移访问 jvmci。
type Thread struct {
	id    int64
	kind  Kind
	jvmci JVMCIThreadState

	name string

	// task 当前编译任务，只由线程自己读写
	task CompileTask
}

// New 创建线程，状态块按初始值构造
func New(name string, kind Kind) *Thread {
	id := nextThreadID.Add(1)
	if name == "" {
		name = fmt.Sprintf("Thread-%d", id)
	}
	return &Thread{
		id:    id,
		kind:  kind,
		jvmci: NewJVMCIThreadState(),
		name:  name,
	}
}

// ID 线程 ID
func (t *Thread) ID() int64 { return t.id }

// Name 线程名
func (t *Thread) Name() string { return t.name }

// Kind 线程种类
func (t *Thread) Kind() Kind { return t.kind }

// IsCompilerThread 是否为编译器线程
func (t *Thread) IsCompilerThread() bool { return t.kind == KindCompiler }

// JVMCI 返回线程状态块
func (t *Thread) JVMCI() *JVMCIThreadState { return &t.jvmci }

// Task 当前编译任务
func (t *Thread) Task() CompileTask { return t.task }

// SetTask 设置当前编译任务
func (t *Thread) SetTask(task CompileTask) { t.task = task }

func (t *Thread) String() string {
	return fmt.Sprintf("%s(%d,%s)", t.name, t.id, t.kind)
}

// ============================================================================
// 线程注册表
// ============================================================================

// Registry 存活线程注册表
type Registry struct {
	mu      sync.RWMutex
	threads map[int64]*Thread
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{
		threads: make(map[int64]*Thread),
	}
}

// Add 注册线程
func (r *Registry) Add(t *Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threads[t.id] = t
}

// Remove 注销线程，返回线程之前是否已注册
func (r *Registry) Remove(t *Thread) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.threads[t.id]; !ok {
		return false
	}
	delete(r.threads, t.id)
	return true
}

// Contains 线程是否已注册
func (r *Registry) Contains(t *Thread) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.threads[t.id]
	return ok
}

// Len 存活线程数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.threads)
}

// Snapshot 按 ID 排序的存活线程快照
func (r *Registry) Snapshot() []*Thread {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted()
}

// sorted 按 ID 排序的存活线程，调用者持有锁
func (r *Registry) sorted() []*Thread {
	list := make([]*Thread, 0, len(r.threads))
	for _, t := range r.threads {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

// View 持有读锁执行 fn，live 为按 ID 排序的存活线程
//
// fn 返回前 live 中的线程不会被注销，也不会有新线程登记。fn 不能修改注册表。
func (r *Registry) View(fn func(live []*Thread)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn(r.sorted())
}

// Update 持有写锁执行 fn，期间没有 View 或 Range 在进行
func (r *Registry) Update(fn func(live []*Thread)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.sorted())
}

// Range 按 ID 顺序遍历存活线程，f 返回 false 时停止
//
// 遍历期间持有读锁，f 看到的线程在 f 返回前不会被注销。f 不能修改注册表。
func (r *Registry) Range(f func(*Thread) bool) {
	r.View(func(live []*Thread) {
		for _, t := range live {
			if !f(t) {
				return
			}
		}
	})
}

// Package jvmci 实现 JIT 编译器接口层的全局生命周期。
//
// JVMCI 对象持有事件日志、计数器存储、共享库加载器和一个或两个运行时，
// 负责初始化顺序、装箱缓存的预初始化、类卸载转发以及关闭。
//
// 生命周期：
//
//	New → (CanInitialize 为 true 之后) InitializeGlobals → InitializeCompiler → ... → Shutdown
package jvmci

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/jitci/internal/config"
	"github.com/tangzhangming/jitci/internal/counters"
	"github.com/tangzhangming/jitci/internal/events"
	"github.com/tangzhangming/jitci/internal/fatallog"
	"github.com/tangzhangming/jitci/internal/metadata"
	"github.com/tangzhangming/jitci/internal/safepoint"
	"github.com/tangzhangming/jitci/internal/sharedlib"
	"github.com/tangzhangming/jitci/internal/threads"
)

// BoxCacheClasses 需要在编译器使用装箱常量之前完成初始化的类，按初始化顺序排列
var BoxCacheClasses = []string{
	"java/lang/Boolean",
	"java/lang/Byte$ByteCache",
	"java/lang/Short$ShortCache",
	"java/lang/Character$CharacterCache",
	"java/lang/Integer$IntegerCache",
	"java/lang/Long$LongCache",
}

var (
	// ErrNotInitialized InitializeGlobals 尚未调用
	ErrNotInitialized = errors.New("jvmci: globals not initialized")

	// ErrShutdown 已经开始关闭
	ErrShutdown = errors.New("jvmci: shutting down")

	// ErrNoCompilerFactory 没有配置编译器工厂
	ErrNoCompilerFactory = errors.New("jvmci: no compiler factory")
)

// Deps 外部依赖，零值字段使用默认实现
type Deps struct {
	Logger      *zap.Logger
	Registry    *threads.Registry
	Coordinator *safepoint.Coordinator
	Compilers   CompilerFactory

	// Dlopen 共享库加载函数，为 nil 时使用平台实现
	Dlopen sharedlib.DlopenFunc

	// Fatal 报告致命错误，默认记录日志后以状态 1 退出
	Fatal func(msg string)

	// Exit 接口描述输出后调用，默认 os.Exit
	Exit func(code int)

	// TTY 追踪输出，默认 os.Stdout
	TTY io.Writer

	// Stdout 接口描述 "-" 和致命日志的控制台输出，默认 os.Stdout
	Stdout *os.File

	// Allocator 计数器数组分配器，为 nil 时使用默认分配器
	Allocator counters.Allocator
}

// JVMCI 接口层的全局状态
type JVMCI struct {
	opts *config.Options
	host Host
	deps Deps
	log  *zap.Logger

	// mu JVMCI 锁，保护共享库加载和关闭标志的设置。
	// lockOwner 是持有者的令牌，0 表示未持有；持有者的 goroutine 上 lockKey 绑定同一令牌
	mu        sync.Mutex
	lockKey   interface{}
	lockSeq   atomic.Uint64
	lockOwner atomic.Uint64

	events    *events.Events
	counters  *counters.Store
	sharedLib *sharedlib.Loader
	fatalLog  *fatallog.Stream

	compilerRuntime *Runtime
	javaRuntime     *Runtime

	globalsInitialized   atomic.Bool
	boxCachesInitialized atomic.Bool
	inShutdown           atomic.Bool
	isInitialized        atomic.Bool
}

// New 创建 JVMCI 对象，此时还没有任何运行时
//
// 参数:
//   - opts: 配置选项，之后不再修改
//   - host: 宿主 VM
//   - deps: 外部依赖
func New(opts *config.Options, host Host, deps Deps) *JVMCI {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Registry == nil {
		deps.Registry = threads.NewRegistry()
	}
	if deps.Coordinator == nil {
		deps.Coordinator = safepoint.NewCoordinator()
	}
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.TTY == nil {
		deps.TTY = deps.Stdout
	}
	if deps.Exit == nil {
		deps.Exit = os.Exit
	}
	log := deps.Logger.Named("jvmci")
	if deps.Fatal == nil {
		deps.Fatal = func(msg string) { log.Fatal(msg) }
	}

	j := &JVMCI{
		opts:    opts.Clone(),
		host:    host,
		deps:    deps,
		log:     log,
		lockKey: threads.NewKey(),
	}
	j.fatalLog = fatallog.New(fatallog.Options{
		ToStdout:     opts.ErrorFileToStdout,
		ToStderr:     opts.ErrorFileToStderr,
		FileTemplate: opts.NativeLibraryErrorFile,
		Stdout:       deps.Stdout,
	})
	return j
}

// Options 配置选项
func (j *JVMCI) Options() *config.Options { return j.opts }

// Logger 日志记录器
func (j *JVMCI) Logger() *zap.Logger { return j.log }

// Registry 线程注册表
func (j *JVMCI) Registry() *threads.Registry { return j.deps.Registry }

// Coordinator 安全点协调器
func (j *JVMCI) Coordinator() *safepoint.Coordinator { return j.deps.Coordinator }

// Events 事件日志，InitializeGlobals 之前为 nil
func (j *JVMCI) Events() *events.Events { return j.events }

// Counters 计数器存储，InitializeGlobals 之前为 nil
func (j *JVMCI) Counters() *counters.Store { return j.counters }

// FatalLog 共享库致命错误报告输出流
func (j *JVMCI) FatalLog() *fatallog.Stream { return j.fatalLog }

// CompilerRuntime 编译器使用的运行时
func (j *JVMCI) CompilerRuntime() *Runtime { return j.compilerRuntime }

// JavaRuntime 托管代码使用的运行时，单运行时模式下与 CompilerRuntime 相同
func (j *JVMCI) JavaRuntime() *Runtime { return j.javaRuntime }

// ============================================================================
// JVMCI 锁
// ============================================================================

// WithLock 持有 JVMCI 锁执行 fn
//
// fn 及其同步调用的函数中 HoldsLock 返回 true，其他 goroutine 中返回 false。
func (j *JVMCI) WithLock(fn func()) {
	j.mu.Lock()
	defer j.mu.Unlock()

	token := j.lockSeq.Inc()
	j.lockOwner.Store(token)
	defer j.lockOwner.Store(0)
	threads.WithValue(j.lockKey, token, fn)
}

// HoldsLock 当前 goroutine 是否持有 JVMCI 锁
func (j *JVMCI) HoldsLock() bool {
	owner := j.lockOwner.Load()
	if owner == 0 {
		return false
	}
	v, ok := threads.Value(j.lockKey)
	return ok && v == owner
}

// ============================================================================
// 初始化
// ============================================================================

// CanInitialize 宿主是否已具备初始化条件（系统类加载器已就绪）
func (j *JVMCI) CanInitialize() bool {
	return j.host.SystemLoaderReady()
}

// InitializeGlobals 创建事件日志、计数器存储和运行时，只能调用一次
func (j *JVMCI) InitializeGlobals() {
	if !j.globalsInitialized.CAS(false, true) {
		j.log.Warn("globals already initialized")
		return
	}

	j.events = events.New(j.opts, j.deps.TTY)
	j.counters = counters.NewStore(counters.Options{
		Size:            j.opts.CounterSize,
		ExcludeCompiler: j.opts.CountersExcludeCompiler,
		Registry:        j.deps.Registry,
		Executor:        j.deps.Coordinator,
		Allocator:       j.deps.Allocator,
	})
	j.counters.Init()
	j.sharedLib = sharedlib.NewLoader(sharedlib.Options{
		LibPath:    j.opts.LibPath,
		DllDir:     j.opts.DllDir,
		Dlopen:     j.deps.Dlopen,
		Fatal:      j.deps.Fatal,
		OwnerCheck: j.HoldsLock,
		Events:     j.events,
	})

	if j.opts.UseNativeLibrary {
		j.compilerRuntime = newRuntime(j, 0)
		j.javaRuntime = newRuntime(j, -1)
	} else {
		j.compilerRuntime = newRuntime(j, 0)
		j.javaRuntime = j.compilerRuntime
	}

	j.log.Info("globals initialized",
		zap.Bool("native_library", j.opts.UseNativeLibrary),
		zap.Int("counter_size", j.opts.CounterSize),
		zap.Int("event_log_level", j.opts.EventLogLevel))
}

// InitializeCompiler 初始化编译器运行时
//
// 配置了 LibDumpInterface 时只输出接口描述并退出进程。
func (j *JVMCI) InitializeCompiler(ctx context.Context) error {
	if !j.globalsInitialized.Load() {
		return ErrNotInitialized
	}
	if j.opts.LibDumpInterface != "" {
		if err := j.dumpInterfaceTo(j.opts.LibDumpInterface); err != nil {
			return err
		}
		j.deps.Exit(0)
		return nil
	}
	_, err := j.compilerRuntime.GetCompiler(ctx)
	return err
}

// IsCompilerInitialized 编译器是否已创建
func (j *JVMCI) IsCompilerInitialized() bool {
	return j.isInitialized.Load()
}

// EnsureBoxCachesInitialized 按顺序解析并初始化装箱缓存类
//
// 完成后设置标志，之后的调用立即返回。多个线程可能同时进入，
// 宿主的类初始化本身是同步的。任何一个类失败都会返回错误且不设置标志。
func (j *JVMCI) EnsureBoxCachesInitialized() error {
	if j.boxCachesInitialized.Load() {
		return nil
	}
	for _, name := range BoxCacheClasses {
		k, err := j.host.ResolveClass(name)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", name, err)
		}
		if !k.IsInitialized() {
			if err := k.Initialize(); err != nil {
				return fmt.Errorf("initialize %s: %w", name, err)
			}
		}
	}
	j.boxCachesInitialized.Store(true)
	return nil
}

// BoxCachesInitialized 装箱缓存类是否已全部初始化
func (j *JVMCI) BoxCachesInitialized() bool {
	return j.boxCachesInitialized.Load()
}

// ============================================================================
// 共享库
// ============================================================================

// SharedLibrary 返回编译器共享库，load 为 true 时按需加载
//
// 加载时调用者必须持有 JVMCI 锁。
func (j *JVMCI) SharedLibrary(load bool) (*sharedlib.Library, string) {
	if j.sharedLib == nil {
		return nil, ""
	}
	return j.sharedLib.Get(load)
}

// ============================================================================
// 类卸载
// ============================================================================

// runtimes 返回不重复的运行时，Java 运行时在前
func (j *JVMCI) runtimes() []*Runtime {
	var out []*Runtime
	if j.javaRuntime != nil {
		out = append(out, j.javaRuntime)
	}
	if j.compilerRuntime != nil && j.compilerRuntime != j.javaRuntime {
		out = append(out, j.compilerRuntime)
	}
	return out
}

// MetadataDo 访问所有运行时持有的元数据，同一个句柄表只访问一次
func (j *JVMCI) MetadataDo(visit func(metadata.Metadata)) {
	for _, rt := range j.runtimes() {
		rt.metadata.MetadataDo(visit)
	}
}

// DoUnloading 类卸载后清除指向已卸载元数据的句柄
//
// 返回值:
//   - 清除的句柄总数，unloadingOccurred 为 false 时为 0
func (j *JVMCI) DoUnloading(unloadingOccurred bool) int {
	if !unloadingOccurred {
		return 0
	}
	cleared := 0
	for _, rt := range j.runtimes() {
		cleared += rt.metadata.DoUnloading()
	}
	if cleared > 0 {
		j.log.Debug("cleared unloaded metadata handles", zap.Int("count", cleared))
	}
	return cleared
}

// ============================================================================
// 编译心跳
// ============================================================================

// CompilationTick 为编译线程当前的阻塞式编译记录一次心跳，返回 t
func (j *JVMCI) CompilationTick(t *threads.Thread) *threads.Thread {
	if t.IsCompilerThread() {
		if task := t.Task(); task != nil {
			if state := task.BlockingCompileState(); state != nil {
				state.IncCompilationTicks()
			}
		}
	}
	return t
}

// ============================================================================
// 关闭
// ============================================================================

// Shutdown 关闭所有运行时
//
// 先在 JVMCI 锁内设置关闭标志，之后 InShutdown 对所有线程可见。
// Java 运行时与编译器运行时不同时先关闭 Java 运行时。
func (j *JVMCI) Shutdown() error {
	j.WithLock(func() {
		j.inShutdown.Store(true)
		j.event1("shutting down JVMCI")
	})

	var err error
	if j.javaRuntime != nil && j.javaRuntime != j.compilerRuntime {
		err = multierr.Append(err, j.javaRuntime.Shutdown())
	}
	if j.compilerRuntime != nil {
		err = multierr.Append(err, j.compilerRuntime.Shutdown())
	}
	if err != nil {
		j.log.Warn("shutdown finished with errors", zap.Error(err))
	} else {
		j.log.Info("shutdown complete")
	}
	return err
}

// InShutdown 是否已开始关闭
func (j *JVMCI) InShutdown() bool {
	return j.inShutdown.Load()
}

// ============================================================================
// 事件
// ============================================================================

// event1 InitializeGlobals 之前没有事件日志，此时忽略事件
func (j *JVMCI) event1(format string, args ...interface{}) {
	if j.events != nil {
		j.events.Event1(format, args...)
	}
}

func (j *JVMCI) event2(format string, args ...interface{}) {
	if j.events != nil {
		j.events.Event2(format, args...)
	}
}

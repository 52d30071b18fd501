package jvmci

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tangzhangming/jitci/internal/metadata"
	"github.com/tangzhangming/jitci/internal/sharedlib"
)

// Runtime JVMCI 运行时
//
// 单运行时模式下只有一个 id 为 0 的运行时，同时服务编译器和托管代码；
// 共享库模式下编译器运行时 id 为 0，Java 运行时 id 为 -1。
type Runtime struct {
	id       int
	jvmci    *JVMCI
	metadata *metadata.Handles

	mu       sync.Mutex
	compiler Compiler
	shutdown bool
}

func newRuntime(j *JVMCI, id int) *Runtime {
	return &Runtime{
		id:       id,
		jvmci:    j,
		metadata: metadata.NewHandles(),
	}
}

// ID 运行时编号
func (r *Runtime) ID() int { return r.id }

// IsShared 是否同时作为编译器运行时和 Java 运行时
func (r *Runtime) IsShared() bool {
	return r.jvmci.compilerRuntime == r && r.jvmci.javaRuntime == r
}

// Metadata 运行时持有的元数据句柄表
func (r *Runtime) Metadata() *metadata.Handles { return r.metadata }

// Compiler 已创建的编译器，尚未创建时为 nil
func (r *Runtime) Compiler() Compiler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compiler
}

// GetCompiler 返回运行时的编译器，第一次调用时创建
//
// 共享库模式下先在 JVMCI 锁内加载共享库。创建失败不会缓存，之后可以重试。
func (r *Runtime) GetCompiler(ctx context.Context) (Compiler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown || r.jvmci.InShutdown() {
		return nil, ErrShutdown
	}
	if r.compiler != nil {
		return r.compiler, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	factory := r.jvmci.deps.Compilers
	if factory == nil {
		return nil, ErrNoCompilerFactory
	}

	var lib *sharedlib.Library
	if r.jvmci.opts.UseNativeLibrary {
		r.jvmci.WithLock(func() {
			lib, _ = r.jvmci.SharedLibrary(true)
		})
	}

	c, err := factory.NewCompiler(r, lib)
	if err != nil {
		return nil, fmt.Errorf("runtime %d: create compiler: %w", r.id, err)
	}
	r.compiler = c
	r.jvmci.isInitialized.Store(true)
	r.jvmci.event2("created compiler %s in runtime %d", c.Name(), r.id)
	r.jvmci.log.Info("compiler initialized", zap.Int("runtime", r.id), zap.String("compiler", c.Name()))
	return c, nil
}

// Shutdown 关闭运行时，重复调用无效果
func (r *Runtime) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return nil
	}
	r.shutdown = true
	if r.compiler == nil {
		return nil
	}
	if err := r.compiler.Shutdown(); err != nil {
		return fmt.Errorf("runtime %d: shutdown compiler %s: %w", r.id, r.compiler.Name(), err)
	}
	return nil
}

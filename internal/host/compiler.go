package host

import (
	"fmt"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/jitci/internal/jvmci"
	"github.com/tangzhangming/jitci/internal/sharedlib"
)

// Compiler 模拟的编译器实例
type Compiler struct {
	name    string
	runtime int
	lib     *sharedlib.Library
	log     *zap.Logger

	shutdowns atomic.Int32
}

// Name 实现 jvmci.Compiler
func (c *Compiler) Name() string { return c.name }

// RuntimeID 创建该编译器的运行时
func (c *Compiler) RuntimeID() int { return c.runtime }

// Library 共享库模式下加载的共享库，否则为 nil
func (c *Compiler) Library() *sharedlib.Library { return c.lib }

// Shutdowns Shutdown 被调用的次数
func (c *Compiler) Shutdowns() int { return int(c.shutdowns.Load()) }

// Shutdown 实现 jvmci.Compiler
func (c *Compiler) Shutdown() error {
	c.shutdowns.Inc()
	c.log.Info("compiler shut down", zap.String("compiler", c.name))
	return nil
}

// NewCompilerFactory 返回创建模拟编译器的工厂
//
// 共享库模式下编译器名称带上共享库路径。
func NewCompilerFactory(log *zap.Logger) jvmci.CompilerFactory {
	if log == nil {
		log = zap.NewNop()
	}
	return jvmci.CompilerFactoryFunc(func(rt *jvmci.Runtime, lib *sharedlib.Library) (jvmci.Compiler, error) {
		name := fmt.Sprintf("simulated-%d", rt.ID())
		if lib != nil {
			name = fmt.Sprintf("%s@%s", name, lib.Path())
		}
		c := &Compiler{name: name, runtime: rt.ID(), lib: lib, log: log.Named("compiler")}
		c.log.Info("compiler created", zap.String("compiler", name))
		return c, nil
	})
}

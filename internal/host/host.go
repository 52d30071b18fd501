// Package host 提供一个模拟的宿主 VM，供命令行工具和集成测试驱动 JVMCI 层。
//
// 模拟宿主维护一张类表：类可以被解析、初始化和卸载；
// 系统类加载器的就绪状态可以在运行中切换。
package host

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/jitci/internal/jvmci"
)

// ErrClassNotFound 类表中没有该类
var ErrClassNotFound = errors.New("NoClassDefFoundError")

// ============================================================================
// 类
// ============================================================================

// Class 模拟的类，同时也是可以被句柄表引用的元数据
type Class struct {
	name string
	init func() error

	mu          sync.Mutex
	initialized bool
	initErr     error
	initCount   int

	unloaded atomic.Bool
}

// Name 类的内部名称
func (c *Class) Name() string { return c.name }

// IsInitialized 静态初始化是否已完成
func (c *Class) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Initialize 执行静态初始化
//
// 同一个类的初始化是互斥的；初始化失败后类处于错误状态，之后的调用返回同一个错误。
func (c *Class) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	if c.initErr != nil {
		return c.initErr
	}
	if c.init != nil {
		if err := c.init(); err != nil {
			c.initErr = fmt.Errorf("ExceptionInInitializerError: %s: %w", c.name, err)
			return c.initErr
		}
	}
	c.initCount++
	c.initialized = true
	return nil
}

// InitCount 静态初始化实际执行的次数
func (c *Class) InitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initCount
}

// IsUnloaded 类是否已被卸载
func (c *Class) IsUnloaded() bool { return c.unloaded.Load() }

// ============================================================================
// 宿主 VM
// ============================================================================

// VM 模拟的宿主 VM
type VM struct {
	log *zap.Logger

	loaderReady atomic.Bool

	mu      sync.RWMutex
	classes map[string]*Class
}

// New 创建模拟宿主，预先定义装箱缓存类，系统类加载器尚未就绪
func New(log *zap.Logger) *VM {
	if log == nil {
		log = zap.NewNop()
	}
	v := &VM{
		log:     log.Named("host"),
		classes: make(map[string]*Class),
	}
	for _, name := range jvmci.BoxCacheClasses {
		v.DefineClass(name, nil)
	}
	return v
}

// SetSystemLoaderReady 切换系统类加载器的就绪状态
func (v *VM) SetSystemLoaderReady(ready bool) {
	v.loaderReady.Store(ready)
	v.log.Debug("system loader state changed", zap.Bool("ready", ready))
}

// SystemLoaderReady 实现 jvmci.Host
func (v *VM) SystemLoaderReady() bool {
	return v.loaderReady.Load()
}

// DefineClass 定义或替换一个类
//
// 参数:
//   - name: 内部名称，例如 java/lang/Integer$IntegerCache
//   - init: 静态初始化函数，可为 nil
func (v *VM) DefineClass(name string, init func() error) *Class {
	c := &Class{name: name, init: init}
	v.mu.Lock()
	v.classes[name] = c
	v.mu.Unlock()
	return c
}

// Lookup 查找类，找不到时返回 nil
func (v *VM) Lookup(name string) *Class {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.classes[name]
}

// ResolveClass 实现 jvmci.Host
func (v *VM) ResolveClass(name string) (jvmci.Class, error) {
	c := v.Lookup(name)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrClassNotFound, name)
	}
	return c, nil
}

// Unload 卸载类，从类表中移除并标记为已卸载
//
// 返回值:
//   - 是否确实卸载了类
func (v *VM) Unload(name string) bool {
	v.mu.Lock()
	c, ok := v.classes[name]
	if ok {
		delete(v.classes, name)
	}
	v.mu.Unlock()
	if !ok {
		return false
	}
	c.unloaded.Store(true)
	v.log.Debug("class unloaded", zap.String("class", name))
	return true
}

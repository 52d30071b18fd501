package jvmci

import (
	"github.com/tangzhangming/jitci/internal/sharedlib"
)

// ============================================================================
// 宿主 VM 接口
// ============================================================================

// Host 宿主 VM 提供给 JVMCI 层的服务
type Host interface {
	// SystemLoaderReady 系统类加载器是否已完成初始化
	SystemLoaderReady() bool

	// ResolveClass 按内部名称解析类，找不到时返回错误
	ResolveClass(name string) (Class, error)
}

// Class 宿主 VM 中的类
type Class interface {
	Name() string

	// IsInitialized 静态初始化是否已完成
	IsInitialized() bool

	// Initialize 执行静态初始化。宿主保证并发调用时只初始化一次。
	Initialize() error
}

// ============================================================================
// 编译器接口
// ============================================================================

// Compiler 运行时创建的编译器实例
type Compiler interface {
	Name() string
	Shutdown() error
}

// CompilerFactory 为运行时创建编译器
//
// lib 在共享库模式下是已加载的编译器共享库，否则为 nil。
type CompilerFactory interface {
	NewCompiler(rt *Runtime, lib *sharedlib.Library) (Compiler, error)
}

// CompilerFactoryFunc 函数形式的 CompilerFactory
type CompilerFactoryFunc func(rt *Runtime, lib *sharedlib.Library) (Compiler, error)

// NewCompiler 实现 CompilerFactory
func (f CompilerFactoryFunc) NewCompiler(rt *Runtime, lib *sharedlib.Library) (Compiler, error) {
	return f(rt, lib)
}

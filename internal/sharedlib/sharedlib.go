// Package sharedlib 按需加载 JVMCI 编译器共享库，每个进程最多加载一次。
//
// 加载成功后句柄和路径永久缓存，之后的查询无锁完成；
// 共享库不会被卸载。
package sharedlib

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
)

// ============================================================================
// 平台相关常量
// ============================================================================

// BaseName 共享库的基本名称
const BaseName = "jvmcicompiler"

// FileName 当前平台上的共享库文件名
func FileName() string {
	return fileNameFor(runtime.GOOS)
}

func fileNameFor(goos string) string {
	switch goos {
	case "windows":
		return BaseName + ".dll"
	case "darwin", "ios":
		return "lib" + BaseName + ".dylib"
	default:
		return "lib" + BaseName + ".so"
	}
}

// ============================================================================
// 加载器
// ============================================================================

// Library 已加载的共享库
type Library struct {
	handle uintptr
	path   string
}

// Handle 动态链接器返回的句柄
func (l *Library) Handle() uintptr { return l.handle }

// Path 加载时使用的完整路径
func (l *Library) Path() string { return l.path }

// DlopenFunc 打开共享库，返回句柄
type DlopenFunc func(path string) (uintptr, error)

// FatalFunc 报告致命错误，正常情况下不返回
type FatalFunc func(msg string)

// EventSink 接收加载事件
type EventSink interface {
	Event1(format string, args ...interface{})
}

// Options 加载器配置
type Options struct {
	// LibPath 以 os.PathListSeparator 分隔的目录列表，非空时优先使用
	LibPath string

	// DllDir 默认安装目录
	DllDir string

	// Dlopen 为 nil 时使用平台实现
	Dlopen DlopenFunc

	// Fatal 为 nil 时 panic
	Fatal FatalFunc

	// OwnerCheck 报告调用者是否持有 JVMCI 锁，为 nil 时不检查
	OwnerCheck func() bool

	// Events 为 nil 时不记录事件
	Events EventSink
}

// Loader 共享库加载器
type Loader struct {
	opts Options
	lib  atomic.Pointer[Library]
}

// ErrNotFound 目录列表中找不到共享库文件
var ErrNotFound = errors.New("sharedlib: library not found")

// NewLoader 创建加载器
func NewLoader(opts Options) *Loader {
	if opts.Dlopen == nil {
		opts.Dlopen = dlopen
	}
	if opts.Fatal == nil {
		opts.Fatal = func(msg string) { panic(msg) }
	}
	return &Loader{opts: opts}
}

// Loaded 共享库是否已加载
func (l *Loader) Loaded() bool {
	return l.lib.Load() != nil
}

// Get 返回共享库句柄和路径，必要时加载
//
// 参数:
//   - load: 尚未加载时是否加载；为 false 时不产生任何副作用
//
// 返回值:
//   - 已加载的共享库，未加载且 load 为 false 时为 nil
//   - 加载路径
//
// load 为 true 且需要加载时，调用者必须持有 JVMCI 锁。
// 路径无法确定或加载失败是致命错误。
func (l *Loader) Get(load bool) (*Library, string) {
	if lib := l.lib.Load(); lib != nil {
		return lib, lib.path
	}
	if !load {
		return nil, ""
	}
	if l.opts.OwnerCheck != nil && !l.opts.OwnerCheck() {
		l.opts.Fatal("JVMCI lock must be held to load the JVMCI shared library")
		return nil, ""
	}

	// 持锁情况下再检查一次
	if lib := l.lib.Load(); lib != nil {
		return lib, lib.path
	}

	path, ok := l.resolve()
	if !ok {
		return nil, ""
	}
	handle, err := l.opts.Dlopen(path)
	if err != nil {
		l.opts.Fatal(fmt.Sprintf("Unable to load JVMCI shared library from %s: %s", path, err))
		return nil, ""
	}

	lib := &Library{handle: handle, path: path}
	l.lib.Store(lib)
	if l.opts.Events != nil {
		l.opts.Events.Event1("loaded JVMCI shared library from %s", path)
	}
	return lib, lib.path
}

// resolve 确定共享库的完整路径，失败时已报告致命错误
func (l *Loader) resolve() (string, bool) {
	name := FileName()
	if l.opts.LibPath != "" {
		path, err := Locate(l.opts.LibPath, name)
		if err != nil {
			l.opts.Fatal(fmt.Sprintf("Unable to create path to JVMCI shared library based on value of JVMCILibPath (%s)", l.opts.LibPath))
			return "", false
		}
		return path, true
	}
	path, err := Locate(l.opts.DllDir, name)
	if err != nil {
		l.opts.Fatal("Unable to create path to JVMCI shared library")
		return "", false
	}
	return path, true
}

// Locate 在目录列表中查找文件
//
// 参数:
//   - dirs: 以 os.PathListSeparator 分隔的目录列表
//   - name: 文件名
//
// 返回值:
//   - 第一个包含该文件的目录拼接出的完整路径
func Locate(dirs, name string) (string, error) {
	for _, dir := range filepath.SplitList(dirs) {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, name)
		if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s in %q", ErrNotFound, name, dirs)
}

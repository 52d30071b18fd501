package sharedlib

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fatalError string

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Event1(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, fmt.Sprintf(format, args...))
}

// installLibrary 在 dir 中放一个空的共享库文件
func installLibrary(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, FileName())
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	return path
}

func newTestLoader(opts Options, opened *int32) *Loader {
	if opts.Dlopen == nil {
		opts.Dlopen = func(path string) (uintptr, error) {
			atomic.AddInt32(opened, 1)
			return 0x1000, nil
		}
	}
	opts.Fatal = func(msg string) { panic(fatalError(msg)) }
	return NewLoader(opts)
}

func TestFileNameFor(t *testing.T) {
	assert.Equal(t, "libjvmcicompiler.so", fileNameFor("linux"))
	assert.Equal(t, "libjvmcicompiler.so", fileNameFor("freebsd"))
	assert.Equal(t, "libjvmcicompiler.dylib", fileNameFor("darwin"))
	assert.Equal(t, "jvmcicompiler.dll", fileNameFor("windows"))
}

func TestGetWithoutLoad(t *testing.T) {
	var opened int32
	l := newTestLoader(Options{DllDir: t.TempDir()}, &opened)
	lib, path := l.Get(false)
	assert.Nil(t, lib)
	assert.Empty(t, path)
	assert.False(t, l.Loaded())
	assert.Zero(t, opened)
}

func TestLoadFromDllDirOnce(t *testing.T) {
	dir := t.TempDir()
	want := installLibrary(t, dir)
	sink := &recordingSink{}

	var opened int32
	l := newTestLoader(Options{DllDir: dir, Events: sink}, &opened)

	lib, path := l.Get(true)
	require.NotNil(t, lib)
	assert.Equal(t, want, path)
	assert.Equal(t, uintptr(0x1000), lib.Handle())

	// 之后的调用不论 load 取值都返回同一个句柄
	lib2, path2 := l.Get(true)
	lib3, path3 := l.Get(false)
	assert.Same(t, lib, lib2)
	assert.Same(t, lib, lib3)
	assert.Equal(t, path, path2)
	assert.Equal(t, path, path3)
	assert.Equal(t, int32(1), opened)
	assert.Equal(t, []string{"loaded JVMCI shared library from " + want}, sink.events)
}

func TestLibPathTakesPrecedence(t *testing.T) {
	dllDir := t.TempDir()
	installLibrary(t, dllDir)
	empty := t.TempDir()
	second := t.TempDir()
	want := installLibrary(t, second)

	var opened int32
	libPath := strings.Join([]string{empty, second}, string(os.PathListSeparator))
	l := newTestLoader(Options{LibPath: libPath, DllDir: dllDir}, &opened)

	_, path := l.Get(true)
	assert.Equal(t, want, path)
}

func TestLibPathNotFoundIsFatal(t *testing.T) {
	var opened int32
	missing := filepath.Join(t.TempDir(), "nope")
	l := newTestLoader(Options{LibPath: missing}, &opened)

	want := fatalError(fmt.Sprintf("Unable to create path to JVMCI shared library based on value of JVMCILibPath (%s)", missing))
	assert.PanicsWithValue(t, want, func() { l.Get(true) })
	assert.False(t, l.Loaded())
	assert.Zero(t, opened)
}

func TestDllDirNotFoundIsFatal(t *testing.T) {
	var opened int32
	l := newTestLoader(Options{DllDir: t.TempDir()}, &opened)
	assert.PanicsWithValue(t, fatalError("Unable to create path to JVMCI shared library"), func() { l.Get(true) })
}

func TestDlopenFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := installLibrary(t, dir)
	l := newTestLoader(Options{
		DllDir: dir,
		Dlopen: func(string) (uintptr, error) { return 0, errors.New("invalid ELF header") },
	}, nil)

	want := fatalError(fmt.Sprintf("Unable to load JVMCI shared library from %s: invalid ELF header", path))
	assert.PanicsWithValue(t, want, func() { l.Get(true) })
	assert.False(t, l.Loaded())
}

func TestOwnerCheck(t *testing.T) {
	dir := t.TempDir()
	installLibrary(t, dir)
	var held atomic.Bool

	var opened int32
	l := newTestLoader(Options{DllDir: dir, OwnerCheck: held.Load}, &opened)
	assert.Panics(t, func() { l.Get(true) })
	assert.NotPanics(t, func() { l.Get(false) })

	held.Store(true)
	lib, _ := l.Get(true)
	assert.NotNil(t, lib)

	// 已加载后不再检查锁
	held.Store(false)
	assert.NotPanics(t, func() { l.Get(true) })
}

func TestConcurrentReaders(t *testing.T) {
	dir := t.TempDir()
	installLibrary(t, dir)
	var opened int32
	l := newTestLoader(Options{DllDir: dir}, &opened)
	lib, _ := l.Get(true)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, _ := l.Get(false)
			assert.Same(t, lib, got)
		}()
	}
	wg.Wait()
}

func TestLocate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, FileName()), 0o755))
	_, err := Locate(dir, FileName())
	assert.True(t, errors.Is(err, ErrNotFound), "directory must not match")

	_, err = Locate("", FileName())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPlatformDlopenMissingFile(t *testing.T) {
	_, err := dlopen(filepath.Join(t.TempDir(), FileName()))
	assert.Error(t, err)
}

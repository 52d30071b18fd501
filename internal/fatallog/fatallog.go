// Package fatallog 实现共享库致命错误报告的输出流。
//
// 第一个写入者负责打开目标（stdout、stderr 或错误报告文件），
// 其他写入者短暂休眠等待目标发布。写入路径不使用任何 VM 锁，
// 因为调用者可能是没有挂接到 VM 的本地线程。
package fatallog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultFileName 默认错误报告文件名模板
const DefaultFileName = "hs_err_pid%p_libjvmci.log"

// DefaultPollInterval 等待目标发布时的休眠间隔
const DefaultPollInterval = 50 * time.Millisecond

// noOwner 尚无线程负责初始化
const noOwner int64 = -1

// Options 输出流配置
type Options struct {
	ToStdout bool
	ToStderr bool

	// FileTemplate 错误报告文件名模板，支持 %p（进程号）、%u（随机 UUID）和 %%
	FileTemplate string

	// Stdout/Stderr 为 nil 时使用 os.Stdout/os.Stderr
	Stdout *os.File
	Stderr *os.File

	// Console 打印打开文件失败的提示，为 nil 时使用 Stdout
	Console io.Writer

	// PollInterval 为 0 时使用 DefaultPollInterval
	PollInterval time.Duration

	// ThreadID 为 nil 时使用当前 OS 线程号
	ThreadID func() int64
}

// Stream 致命错误报告输出流
type Stream struct {
	opts Options

	// owner 负责初始化的线程号，noOwner 表示尚未开始
	owner atomic.Int64

	// dest 已发布的目标，发布后不再改变
	dest atomic.Pointer[os.File]

	filename string
}

// New 创建输出流，目标在第一次写入时才确定
func New(opts Options) *Stream {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Console == nil {
		opts.Console = opts.Stdout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ThreadID == nil {
		opts.ThreadID = threadID
	}
	s := &Stream{opts: opts}
	s.owner.Store(noOwner)
	return s
}

// Write 把 buf 原样写入错误报告目标
//
// 所有调用者写入同一个目标。实现 io.Writer。
func (s *Stream) Write(buf []byte) (int, error) {
	dest := s.dest.Load()
	if dest == nil {
		if s.owner.Load() == noOwner && s.owner.CompareAndSwap(noOwner, s.opts.ThreadID()) {
			dest = s.open()
			s.dest.Store(dest)
		} else {
			for dest = s.dest.Load(); dest == nil; dest = s.dest.Load() {
				time.Sleep(s.opts.PollInterval)
			}
		}
	}
	return rawWrite(dest, buf)
}

// Filename 创建的错误报告文件名，输出到控制台时为空
//
// 只有在 Write 返回之后调用才有意义。
func (s *Stream) Filename() string {
	if s.dest.Load() == nil {
		return ""
	}
	return s.filename
}

// Initialized 目标是否已发布
func (s *Stream) Initialized() bool {
	return s.dest.Load() != nil
}

// open 确定目标，只由赢得竞争的线程调用
func (s *Stream) open() *os.File {
	switch {
	case s.opts.ToStdout:
		return s.opts.Stdout
	case s.opts.ToStderr:
		return s.opts.Stderr
	}
	f, name, err := Prepare(s.opts.FileTemplate, DefaultFileName)
	if err != nil {
		fmt.Fprintf(s.opts.Console, "Can't open JVMCI shared library error report file. Error: %s\n", err)
		fmt.Fprintln(s.opts.Console, "JVMCI shared library error report will be written to console.")
		return s.opts.Stdout
	}
	s.filename = name
	return f
}

// ============================================================================
// 错误报告文件
// ============================================================================

// Expand 展开文件名模板
//
// %p 替换为进程号，%u 替换为随机 UUID，%% 替换为 %，其他 % 序列原样保留。
func Expand(template string) string {
	var sb strings.Builder
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '%' || i+1 == len(template) {
			sb.WriteByte(c)
			continue
		}
		switch template[i+1] {
		case 'p':
			sb.WriteString(strconv.Itoa(os.Getpid()))
		case 'u':
			sb.WriteString(uuid.NewString())
		case '%':
			sb.WriteByte('%')
		default:
			sb.WriteByte(c)
			continue
		}
		i++
	}
	return sb.String()
}

// Prepare 创建错误报告文件
//
// 参数:
//   - template: 用户指定的文件名模板，可为空
//   - def: 默认文件名模板
//
// 返回值:
//   - 打开的文件和它的完整路径
//
// 依次尝试用户指定的位置、当前目录下的默认文件名、临时目录下的默认文件名，
// 全部失败时返回最后一次的错误。已存在的文件会被截断。
func Prepare(template, def string) (*os.File, string, error) {
	var candidates []string
	if template != "" {
		candidates = append(candidates, absolute(Expand(template)))
	}
	name := Expand(def)
	candidates = append(candidates, absolute(name), filepath.Join(os.TempDir(), name))

	var lastErr error
	for _, path := range candidates {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
		if err == nil {
			return f, path, nil
		}
		lastErr = err
	}
	return nil, "", lastErr
}

func absolute(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	if cwd, err := os.Getwd(); err == nil {
		return filepath.Join(cwd, name)
	}
	return name
}

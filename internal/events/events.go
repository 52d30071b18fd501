package events

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/tangzhangming/jitci/internal/config"
	"github.com/tangzhangming/jitci/internal/threads"
)

// ============================================================================
// 分级事件
// ============================================================================
//
// 每个事件同时走两条路径：
//   - VLog 写入环形缓冲区，开销低，事后在崩溃报告中查看
//   - VTrace 直接输出到信息流，用于实时追踪
// 级别 1 写入简要日志，更高级别写入详细日志。

// Events 事件分发器
type Events struct {
	logEvents  bool
	eventLevel int
	traceLevel int

	terse   *EventLog
	verbose *EventLog

	ttyMu sync.Mutex
	tty   io.Writer
}

// New 按配置创建事件日志
//
// 启用事件且级别大于 0 时创建简要日志；级别大于 1 时再创建详细日志，
// 容量为基础容量乘以 10 的 (级别-1) 次方，级别上限为 config.MaxEventLogLevel。
func New(opts *config.Options, tty io.Writer) *Events {
	e := &Events{
		logEvents:  opts.LogEvents,
		eventLevel: opts.EventLogLevel,
		traceLevel: opts.TraceLevel,
		tty:        tty,
	}
	if opts.LogEvents && opts.EventLogLevel > 0 {
		e.terse = NewEventLog("JVMCI Events", "jvmci", opts.LogEventsBufferEntries)
		if opts.EventLogLevel > 1 {
			e.verbose = NewEventLog("Verbose JVMCI Events", "verbose-jvmci", opts.VerboseEventCapacity())
		}
	}
	return e
}

// Terse 简要事件日志，未启用时为 nil
func (e *Events) Terse() *EventLog { return e.terse }

// Verbose 详细事件日志，未启用时为 nil
func (e *Events) Verbose() *EventLog { return e.verbose }

// VLog 把事件写入对应级别的环形缓冲区
//
// 目标日志不存在说明级别配置不一致，直接 panic。
// 当前 goroutine 未绑定线程时忽略。
func (e *Events) VLog(level int, format string, args ...interface{}) {
	if !e.logEvents || e.eventLevel < level {
		return
	}
	log := e.verbose
	if level == 1 {
		log = e.terse
	}
	if log == nil {
		panic("JVMCI event log not yet initialized")
	}
	t := threads.Current()
	if t == nil {
		return
	}
	log.Log(t.Name(), format, args...)
}

// VTrace 按级别缩进，把事件直接写到信息流
func (e *Events) VTrace(level int, format string, args ...interface{}) {
	if e.traceLevel < level || e.tty == nil {
		return
	}
	name := "?"
	if t := threads.Current(); t != nil {
		name = t.Name()
	}
	indent := 1
	if level > 1 {
		indent = level
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "JVMCITrace-%d[%s]:%s", level, name, strings.Repeat(" ", indent))
	fmt.Fprintf(&sb, format, args...)
	sb.WriteByte('\n')

	e.ttyMu.Lock()
	io.WriteString(e.tty, sb.String())
	e.ttyMu.Unlock()
}

// Event 以运行时给定的级别记录事件
func (e *Events) Event(level int, format string, args ...interface{}) {
	e.VLog(level, format, args...)
	e.VTrace(level, format, args...)
}

func (e *Events) Event1(format string, args ...interface{}) { e.Event(1, format, args...) }
func (e *Events) Event2(format string, args ...interface{}) { e.Event(2, format, args...) }
func (e *Events) Event3(format string, args ...interface{}) { e.Event(3, format, args...) }
func (e *Events) Event4(format string, args ...interface{}) { e.Event(4, format, args...) }

// Print 输出全部事件日志（崩溃报告使用）
func (e *Events) Print(w io.Writer) error {
	for _, log := range []*EventLog{e.terse, e.verbose} {
		if log == nil {
			continue
		}
		if err := log.Print(w); err != nil {
			return err
		}
	}
	return nil
}

// Package events 实现 JVMCI 的事件环形缓冲区和分级追踪输出。
package events

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// ============================================================================
// 事件记录
// ============================================================================

// Record 一条事件
type Record struct {
	Timestamp float64 // 相对日志创建时间的秒数
	Thread    string  // 记录事件的线程名
	Message   string
}

// ============================================================================
// 环形缓冲区
// ============================================================================

// EventLog 固定容量的事件环形缓冲区，写满后覆盖最旧的记录
type EventLog struct {
	name   string
	handle string
	start  time.Time

	mu      sync.Mutex
	records []Record
	next    int   // 下一个写入位置
	count   int64 // 累计写入条数
}

// NewEventLog 创建事件日志
//
// 参数:
//   - name: 打印时的标题
//   - handle: 短名称，用于按名称选择日志
//   - capacity: 容量，小于 1 时按 1 处理
func NewEventLog(name, handle string, capacity int) *EventLog {
	if capacity < 1 {
		capacity = 1
	}
	return &EventLog{
		name:    name,
		handle:  handle,
		start:   time.Now(),
		records: make([]Record, capacity),
	}
}

// Name 日志标题
func (l *EventLog) Name() string { return l.name }

// Handle 日志短名称
func (l *EventLog) Handle() string { return l.handle }

// Capacity 容量
func (l *EventLog) Capacity() int { return len(l.records) }

// Log 追加一条格式化的事件
func (l *EventLog) Log(thread, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	ts := time.Since(l.start).Seconds()

	l.mu.Lock()
	l.records[l.next] = Record{Timestamp: ts, Thread: thread, Message: msg}
	l.next = (l.next + 1) % len(l.records)
	l.count++
	l.mu.Unlock()
}

// Count 累计写入条数（包括已被覆盖的）
func (l *EventLog) Count() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Len 当前保留的条数
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lenLocked()
}

func (l *EventLog) lenLocked() int {
	if l.count < int64(len(l.records)) {
		return int(l.count)
	}
	return len(l.records)
}

// Records 按时间顺序返回保留的记录
func (l *EventLog) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.lenLocked()
	out := make([]Record, 0, n)
	first := 0
	if n == len(l.records) {
		first = l.next
	}
	for i := 0; i < n; i++ {
		out = append(out, l.records[(first+i)%len(l.records)])
	}
	return out
}

// Print 以崩溃报告格式输出日志
func (l *EventLog) Print(w io.Writer) error {
	records := l.Records()
	if _, err := fmt.Fprintf(w, "%s (%d events):\n", l.name, len(records)); err != nil {
		return err
	}
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No events")
		return err
	}
	for _, r := range records {
		if _, err := fmt.Fprintf(w, "Event: %.3f Thread %s %s\n", r.Timestamp, r.Thread, r.Message); err != nil {
			return err
		}
	}
	return nil
}

// Package metadata 实现 JVMCI 运行时持有的元数据引用表。
//
// 编译器通过句柄间接引用类、方法等元数据。类卸载后对应的句柄
// 在 DoUnloading 中被清除，MetadataDo 用于 GC 遍历仍然存活的引用。
package metadata

import (
	"sync"
)

// Metadata 被引用的元数据对象
type Metadata interface {
	// Name 元数据名称（用于日志）
	Name() string

	// IsUnloaded 所属类是否已被卸载
	IsUnloaded() bool
}

// Handle 元数据句柄，0 表示无效句柄
type Handle int

// InvalidHandle 无效句柄
const InvalidHandle Handle = 0

// ============================================================================
// 句柄表
// ============================================================================

// Handles 元数据句柄表
//
// 槽位释放后进入空闲链表，再次分配时优先复用。
type Handles struct {
	mu    sync.Mutex
	slots []Metadata
	free  []int // 空闲槽位下标
	live  int
}

// NewHandles 创建空句柄表
func NewHandles() *Handles {
	return &Handles{}
}

// Allocate 为 m 分配句柄
func (h *Handles) Allocate(m Metadata) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()

	var idx int
	if n := len(h.free); n > 0 {
		idx = h.free[n-1]
		h.free = h.free[:n-1]
		h.slots[idx] = m
	} else {
		idx = len(h.slots)
		h.slots = append(h.slots, m)
	}
	h.live++
	return Handle(idx + 1)
}

// Get 解析句柄，句柄无效或已释放时返回 nil
func (h *Handles) Get(handle Handle) Metadata {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := int(handle) - 1
	if idx < 0 || idx >= len(h.slots) {
		return nil
	}
	return h.slots[idx]
}

// Release 释放句柄，重复释放无效果
func (h *Handles) Release(handle Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clearLocked(int(handle) - 1)
}

func (h *Handles) clearLocked(idx int) bool {
	if idx < 0 || idx >= len(h.slots) || h.slots[idx] == nil {
		return false
	}
	h.slots[idx] = nil
	h.free = append(h.free, idx)
	h.live--
	return true
}

// Len 当前存活的句柄数
func (h *Handles) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live
}

// MetadataDo 按分配顺序访问每个存活的元数据
//
// visit 在持锁状态下调用，不能再访问本句柄表。
func (h *Handles) MetadataDo(visit func(Metadata)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.slots {
		if m != nil {
			visit(m)
		}
	}
}

// DoUnloading 清除所有指向已卸载元数据的句柄
//
// 返回值:
//   - 清除的句柄数
func (h *Handles) DoUnloading() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cleared := 0
	for i, m := range h.slots {
		if m != nil && m.IsUnloaded() && h.clearLocked(i) {
			cleared++
		}
	}
	return cleared
}

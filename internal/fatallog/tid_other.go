//go:build !linux

package fatallog

import (
	"sync/atomic"
)

var nextID atomic.Int64

// threadID 没有 gettid 的平台上为每次调用分配一个不同的正数
func threadID() int64 {
	return nextID.Add(1)
}

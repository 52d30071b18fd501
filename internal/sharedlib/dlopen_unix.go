//go:build (darwin || freebsd || linux || netbsd) && !android

package sharedlib

import (
	"github.com/ebitengine/purego"
)

// dlopen 立即解析全部符号，并使符号对之后加载的库可见
func dlopen(path string) (uintptr, error) {
	return purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
}

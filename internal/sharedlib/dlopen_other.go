//go:build !((darwin || freebsd || linux || netbsd) && !android) && !windows

package sharedlib

import (
	"fmt"
	"runtime"
)

func dlopen(path string) (uintptr, error) {
	return 0, fmt.Errorf("dynamic loading not supported on %s", runtime.GOOS)
}

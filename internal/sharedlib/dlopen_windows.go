//go:build windows

package sharedlib

import (
	"golang.org/x/sys/windows"
)

func dlopen(path string) (uintptr, error) {
	h, err := windows.LoadLibrary(path)
	if err != nil {
		return 0, err
	}
	return uintptr(h), nil
}

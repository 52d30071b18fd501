//go:build !unix

package fatallog

import (
	"os"
)

func rawWrite(f *os.File, buf []byte) (int, error) {
	return f.Write(buf)
}

//go:build unix

package fatallog

import (
	"os"

	"golang.org/x/sys/unix"
)

// rawWrite 直接调用 write(2)，绕过 os.File 的内部锁和轮询器
func rawWrite(f *os.File, buf []byte) (int, error) {
	fd := int(f.Fd())
	total := 0
	for total < len(buf) {
		n, err := unix.Write(fd, buf[total:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

//go:build linux

package journal

import (
	"os"
	"syscall"
)

func syncFile(file *os.File) error {
	if file == nil {
		return nil
	}
	return syscall.Fdatasync(int(file.Fd()))
}

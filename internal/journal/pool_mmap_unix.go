//go:build unix

package journal

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

type mmapPool struct {
	file *os.File
	data []byte
}

func mapPool(f *os.File) (poolStorage, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, poolSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("journal: mmap revision pool: %w", err)
	}
	return &mmapPool{file: f, data: data}, nil
}

func (m *mmapPool) bytes() []byte { return m.data }

func (m *mmapPool) flush() error {
	return unix.Msync(m.data, unix.MS_SYNC)
}

func (m *mmapPool) close() error {
	err := unix.Munmap(m.data)
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	return err
}

//go:build !windows
// +build !windows

package index

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/dswd/zvault/internal/errors"
)

type unixMapping struct {
	data []byte
}

// mmapFile maps the entirety of f, which must already be truncated to size,
// read/write and shared so that writes are visible to every process that has
// the file mapped, including this one after a crash and restart.
func mmapFile(f *os.File, size int) (mapping, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "Mmap")
	}
	return &unixMapping{data: data}, nil
}

func (m *unixMapping) bytes() []byte {
	return m.data
}

func (m *unixMapping) sync() error {
	return errors.Wrap(unix.Msync(m.data, unix.MS_SYNC), "Msync")
}

func (m *unixMapping) close() error {
	return errors.Wrap(unix.Munmap(m.data), "Munmap")
}

package index

import (
	"os"

	"github.com/dswd/zvault/internal/errors"
)

// windowsMapping is a fallback for platforms without golang.org/x/sys/unix's
// mmap: the whole file is read into memory up front and written back on
// every sync. It is not a real memory mapping, but the index format and the
// probing logic built on top of the mapping interface don't know the
// difference.
type windowsMapping struct {
	f    *os.File
	data []byte
}

func mmapFile(f *os.File, size int) (mapping, error) {
	data := make([]byte, size)
	if size > 0 {
		if _, err := f.ReadAt(data, 0); err != nil {
			return nil, errors.Wrap(err, "ReadAt")
		}
	}
	return &windowsMapping{f: f, data: data}, nil
}

func (m *windowsMapping) bytes() []byte {
	return m.data
}

func (m *windowsMapping) sync() error {
	if _, err := m.f.WriteAt(m.data, 0); err != nil {
		return errors.Wrap(err, "WriteAt")
	}
	return errors.Wrap(m.f.Sync(), "Sync")
}

func (m *windowsMapping) close() error {
	return m.sync()
}

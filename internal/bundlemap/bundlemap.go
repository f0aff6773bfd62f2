// Package bundlemap implements the bundle map described in §4.5: the
// stable translation from a bundle's 128-bit id to the small internal
// integer an index entry actually stores. New bundles are appended, so the
// number assigned to an id never changes across runs; the whole map can
// also be thrown away and rebuilt by re-reading every bundle's header,
// since it holds no information the remote doesn't already have.
package bundlemap

import (
	"os"
	"sync"

	"github.com/dswd/zvault/internal/bundle"
	"github.com/dswd/zvault/internal/errors"
)

// Map is the in-memory, file-backed id <-> internal number translation.
type Map struct {
	mu   sync.Mutex
	path string
	ids  []bundle.ID
	nums map[bundle.ID]uint32
}

// Open loads the map from path, or returns an empty map if the file does
// not yet exist.
func Open(path string) (*Map, error) {
	m := &Map{path: path, nums: map[bundle.ID]uint32{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, errors.Wrap(err, "ReadFile")
	}
	if len(data)%len(bundle.ID{}) != 0 {
		return nil, errors.Errorf("bundle map file has invalid length %d", len(data))
	}

	n := len(data) / len(bundle.ID{})
	m.ids = make([]bundle.ID, n)
	for i := 0; i < n; i++ {
		var id bundle.ID
		copy(id[:], data[i*len(id):(i+1)*len(id)])
		m.ids[i] = id
		m.nums[id] = uint32(i)
	}
	return m, nil
}

// Number returns the internal number assigned to id, if any.
func (m *Map) Number(id bundle.ID) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nums[id]
	return n, ok
}

// ID returns the bundle id assigned internal number n, if any.
func (m *Map) ID(n uint32) (bundle.ID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(n) >= len(m.ids) {
		return bundle.ID{}, false
	}
	return m.ids[n], true
}

// Add assigns id a number if it doesn't already have one, appends the
// change to disk, and returns the (possibly pre-existing) number.
func (m *Map) Add(id bundle.ID) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n, ok := m.nums[id]; ok {
		return n, nil
	}

	n := uint32(len(m.ids))
	m.ids = append(m.ids, id)
	m.nums[id] = n

	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return 0, errors.Wrap(err, "OpenFile")
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(id[:]); err != nil {
		return 0, errors.Wrap(err, "Write")
	}
	return n, errors.Wrap(f.Sync(), "Sync")
}

// Len returns the number of bundles currently known to the map.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ids)
}

// Rebuild discards the current contents and replaces them with ids, in
// order, used by check --repair when the map is rebuilt from the remote.
func (m *Map) Rebuild(ids []bundle.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ids = append([]bundle.ID(nil), ids...)
	m.nums = make(map[bundle.ID]uint32, len(ids))
	buf := make([]byte, 0, len(ids)*len(bundle.ID{}))
	for i, id := range m.ids {
		m.nums[id] = uint32(i)
		buf = append(buf, id[:]...)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0600); err != nil {
		return errors.Wrap(err, "WriteFile")
	}
	return errors.Wrap(os.Rename(tmp, m.path), "Rename")
}

// Package bundlecache implements the bundle cache described in §4.5: a
// local, rebuildable map from a bundle's id to its current remote filename
// and its BundleInfo, so that listing bundles or resolving an index hit to
// a readable file never has to re-fetch and re-decrypt every bundle header
// on the remote. The invariant it must uphold is loose on purpose: either
// the cache's claimed path is correct, or the entry is stale and will be
// rebuilt by check --repair, exactly like restic's local object cache.
package bundlecache

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/dswd/zvault/internal/bundle"
	"github.com/dswd/zvault/internal/errors"
)

// Entry is what the cache remembers about one bundle.
type Entry struct {
	Filename string
	Info     bundle.Info
}

// Cache is the in-memory, file-backed id -> Entry cache.
type Cache struct {
	mu      sync.Mutex
	path    string
	entries map[bundle.ID]Entry
}

// Open loads the cache from path, or returns an empty cache if the file
// does not yet exist. A damaged file is not fatal, since every entry is
// reconstructible from the remote: records that fail to decode are
// skipped, and parsing stops at a truncated record, keeping the entries
// read before it.
func Open(path string) (*Cache, error) {
	c := &Cache{path: path, entries: map[bundle.ID]Entry{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, errors.Wrap(err, "ReadFile")
	}

	for len(data) > 0 {
		if len(data) < 4 {
			break
		}
		n := binary.LittleEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < n {
			break
		}
		rec := data[:n]
		data = data[n:]

		id, e, err := decodeEntry(rec)
		if err != nil {
			continue
		}
		c.entries[id] = e
	}
	return c, nil
}

func decodeEntry(data []byte) (bundle.ID, Entry, error) {
	if len(data) < len(bundle.ID{})+4 {
		return bundle.ID{}, Entry{}, errors.New("cache entry too short")
	}
	var id bundle.ID
	copy(id[:], data[:len(id)])
	data = data[len(id):]

	nameLen := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < nameLen {
		return bundle.ID{}, Entry{}, errors.New("cache entry truncated filename")
	}
	filename := string(data[:nameLen])
	data = data[nameLen:]

	info, err := bundle.DecodeInfo(data)
	if err != nil {
		return bundle.ID{}, Entry{}, err
	}
	return id, Entry{Filename: filename, Info: info}, nil
}

func encodeEntry(id bundle.ID, e Entry) ([]byte, error) {
	infoWire, err := e.Info.Encode()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(id)+4+len(e.Filename)+len(infoWire))
	buf = append(buf, id[:]...)
	var nameLen [4]byte
	binary.LittleEndian.PutUint32(nameLen[:], uint32(len(e.Filename)))
	buf = append(buf, nameLen[:]...)
	buf = append(buf, e.Filename...)
	buf = append(buf, infoWire...)
	return buf, nil
}

// Get returns the cached entry for id, if any.
func (c *Cache) Get(id bundle.ID) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return e, ok
}

// Each calls fn once for every cached entry, in no particular order.
func (c *Cache) Each(fn func(id bundle.ID, e Entry) error) error {
	c.mu.Lock()
	snapshot := make(map[bundle.ID]Entry, len(c.entries))
	for k, v := range c.entries {
		snapshot[k] = v
	}
	c.mu.Unlock()

	for id, e := range snapshot {
		if err := fn(id, e); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Put records or replaces the entry for id and persists the whole cache.
func (c *Cache) Put(id bundle.ID, e Entry) error {
	c.mu.Lock()
	c.entries[id] = e
	c.mu.Unlock()
	return c.save()
}

// Remove deletes the entry for id, if present, and persists the change.
func (c *Cache) Remove(id bundle.ID) error {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
	return c.save()
}

// save rewrites the whole cache file. The cache is expected to be small
// (one entry per bundle, not per chunk), so a full rewrite on every change
// is simpler than an append log and its compaction, at negligible cost.
func (c *Cache) save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var buf []byte
	for id, e := range c.entries {
		rec, err := encodeEntry(id, e)
		if err != nil {
			return err
		}
		var recLen [4]byte
		binary.LittleEndian.PutUint32(recLen[:], uint32(len(rec)))
		buf = append(buf, recLen[:]...)
		buf = append(buf, rec...)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0600); err != nil {
		return errors.Wrap(err, "WriteFile")
	}
	return errors.Wrap(os.Rename(tmp, c.path), "Rename")
}

// Package index implements the chunk fingerprint index described in §4.6: a
// memory-mapped, open-addressing hash table from a chunk's fingerprint to
// the (bundle number, chunk index) pair identifying where its data lives.
// The table is linear-probed, sized to a power of two, and kept below a
// 75% load factor by doubling on growth; it shrinks back down once the load
// factor drops below 25%. Every slot is 24 bytes: a 16-byte fingerprint
// followed by two 4-byte little-endian integers. A slot whose fingerprint
// and bundle number are both all-zero is empty.
//
// The index is derived state: everything it holds can be reconstructed by
// re-reading every bundle's chunk list, so corruption is recoverable rather
// than fatal. To make that recovery possible, the header carries a dirty
// flag that is set before any write that spans more than one slot (a grow
// or shrink) and cleared only after the rewritten table has been flushed;
// an index that opens with the flag still set was interrupted mid-rewrite
// and must be rebuilt rather than trusted.
package index

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/dswd/zvault/internal/chunk"
	"github.com/dswd/zvault/internal/debug"
	"github.com/dswd/zvault/internal/errors"
	"github.com/dswd/zvault/internal/hash"
)

const (
	magic       = "ZVIX"
	formatMajor = 1

	// headerSize is the fixed size in bytes of the file header preceding
	// the slot array.
	headerSize = 32

	// slotSize is the encoded size of one table slot: fingerprint (16) +
	// bundle number (4) + chunk index (4).
	slotSize = hash.Size + 4 + 4

	// MinCapacity is the smallest table capacity an index is ever created
	// or shrunk to.
	MinCapacity = 1024

	growThreshold   = 0.75
	shrinkThreshold = 0.25
)

const (
	offMagic     = 0
	offVersion   = 4
	offHashMeth  = 5
	offDirty     = 6
	offReserved  = 7
	offCapacity  = 8
	offCount     = 16
	// bytes 24..32 reserved for future use
)

var errDirty = errors.New("index is marked dirty and must be rebuilt")

// Entry is the value half of an index slot: where a chunk's data lives.
type Entry struct {
	BundleNo  uint32
	ChunkIdx  uint32
}

// Index is an open chunk fingerprint index backed by a memory-mapped file.
type Index struct {
	mu sync.Mutex

	f          *os.File
	m          mapping
	capacity   int
	count      int
	hashMethod hash.Method
}

// Open opens the index file at path, creating it at MinCapacity if it does
// not exist. It returns errDirty (test with IsDirty) if the file was left
// marked dirty by an interrupted grow or shrink; callers should rebuild the
// index from the bundle store in that case rather than trust its contents.
func Open(path string, hashMethod hash.Method) (*Index, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "OpenFile")
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "Stat")
	}

	idx := &Index{f: f, hashMethod: hashMethod}
	if fi.Size() == 0 {
		if err := idx.format(MinCapacity, hashMethod); err != nil {
			_ = f.Close()
			return nil, err
		}
	} else {
		if err := idx.load(); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return idx, nil
}

// Reset discards whatever is at path, replacing it with a fresh, empty,
// clean table at MinCapacity. It is the repair primitive §4.6's "on open,
// if header is dirty, trigger rebuild" relies on: since the index holds no
// information that cannot be recovered by re-inserting every bundle's
// chunk list, an empty table is always a safe starting point for that
// rebuild, whatever the previous contents looked like.
func Reset(path string, hashMethod hash.Method) (*Index, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "OpenFile")
	}
	idx := &Index{f: f}
	if err := idx.format(MinCapacity, hashMethod); err != nil {
		_ = f.Close()
		return nil, err
	}
	return idx, nil
}

// format truncates the index file to hold capacity slots and writes a
// fresh, empty, clean header.
func (idx *Index) format(capacity int, hashMethod hash.Method) error {
	size := headerSize + capacity*slotSize
	if err := idx.f.Truncate(int64(size)); err != nil {
		return errors.Wrap(err, "Truncate")
	}
	m, err := mmapFile(idx.f, size)
	if err != nil {
		return err
	}
	idx.m = m
	idx.capacity = capacity
	idx.count = 0
	idx.hashMethod = hashMethod
	idx.writeHeader(false)
	return idx.m.sync()
}

func (idx *Index) load() error {
	fi, err := idx.f.Stat()
	if err != nil {
		return errors.Wrap(err, "Stat")
	}
	size := int(fi.Size())
	if size < headerSize {
		return errors.Errorf("index file too small: %d bytes", size)
	}

	m, err := mmapFile(idx.f, size)
	if err != nil {
		return err
	}
	idx.m = m

	b := m.bytes()
	if string(b[offMagic:offMagic+4]) != magic {
		return errors.Errorf("not an index file: bad magic")
	}
	if b[offVersion] != formatMajor {
		return errors.Errorf("unsupported index format version %d", b[offVersion])
	}
	dirty := b[offDirty] != 0
	idx.hashMethod = hash.Method(b[offHashMeth])
	idx.capacity = int(binary.LittleEndian.Uint64(b[offCapacity : offCapacity+8]))
	idx.count = int(binary.LittleEndian.Uint64(b[offCount : offCount+8]))

	if headerSize+idx.capacity*slotSize != size {
		return errors.Errorf("index file size %d inconsistent with capacity %d", size, idx.capacity)
	}
	if dirty {
		debug.Log("index %v opened with dirty flag set", idx.f.Name())
		return errDirty
	}
	return nil
}

// IsDirty reports whether err is the sentinel returned by Open when the
// index was left mid-rewrite by a crash.
func IsDirty(err error) bool {
	return errors.Is(err, errDirty)
}

func (idx *Index) writeHeader(dirty bool) {
	b := idx.m.bytes()
	copy(b[offMagic:offMagic+4], magic)
	b[offVersion] = formatMajor
	b[offHashMeth] = byte(idx.hashMethod)
	if dirty {
		b[offDirty] = 1
	} else {
		b[offDirty] = 0
	}
	b[offReserved] = 0
	binary.LittleEndian.PutUint64(b[offCapacity:offCapacity+8], uint64(idx.capacity))
	binary.LittleEndian.PutUint64(b[offCount:offCount+8], uint64(idx.count))
}

func slotOffset(i int) int {
	return headerSize + i*slotSize
}

func (idx *Index) slotEmpty(i int) bool {
	b := idx.m.bytes()
	off := slotOffset(i)
	for _, c := range b[off : off+hash.Size+4] {
		if c != 0 {
			return false
		}
	}
	return true
}

func (idx *Index) readSlot(i int) (chunk.Fingerprint, Entry) {
	b := idx.m.bytes()
	off := slotOffset(i)
	var fp chunk.Fingerprint
	copy(fp[:], b[off:off+hash.Size])
	bundleNo := binary.LittleEndian.Uint32(b[off+hash.Size : off+hash.Size+4])
	chunkIdx := binary.LittleEndian.Uint32(b[off+hash.Size+4 : off+slotSize])
	return fp, Entry{BundleNo: bundleNo, ChunkIdx: chunkIdx}
}

func (idx *Index) writeSlot(i int, fp chunk.Fingerprint, e Entry) {
	b := idx.m.bytes()
	off := slotOffset(i)
	copy(b[off:off+hash.Size], fp[:])
	binary.LittleEndian.PutUint32(b[off+hash.Size:off+hash.Size+4], e.BundleNo)
	binary.LittleEndian.PutUint32(b[off+hash.Size+4:off+slotSize], e.ChunkIdx)
}

func (idx *Index) clearSlot(i int) {
	b := idx.m.bytes()
	off := slotOffset(i)
	for j := off; j < off+slotSize; j++ {
		b[j] = 0
	}
}

// probeStart returns the home slot for fp: its low 64 bits modulo capacity.
func (idx *Index) probeStart(fp chunk.Fingerprint) int {
	low := binary.LittleEndian.Uint64(fp[8:16])
	return int(low % uint64(idx.capacity))
}

// find returns the slot holding fp, or the first empty slot encountered
// while probing, and whether fp itself was found.
func (idx *Index) find(fp chunk.Fingerprint) (slot int, found bool) {
	start := idx.probeStart(fp)
	for i := 0; i < idx.capacity; i++ {
		s := (start + i) % idx.capacity
		if idx.slotEmpty(s) {
			return s, false
		}
		existing, _ := idx.readSlot(s)
		if existing == fp {
			return s, true
		}
	}
	return -1, false
}

// Contains reports whether fp has an entry in the index.
func (idx *Index) Contains(fp chunk.Fingerprint) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, found := idx.find(fp)
	return found
}

// Get returns the entry for fp, if any.
func (idx *Index) Get(fp chunk.Fingerprint) (Entry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	slot, found := idx.find(fp)
	if !found {
		return Entry{}, false
	}
	_, e := idx.readSlot(slot)
	return e, true
}

// Add inserts or overwrites the entry for fp. Re-adding the same
// (fp, bundleNo, chunkIdx) leaves exactly one entry, satisfying the
// index's idempotence requirement.
func (idx *Index) Add(fp chunk.Fingerprint, e Entry) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if float64(idx.count+1)/float64(idx.capacity) > growThreshold {
		if err := idx.resize(idx.capacity * 2); err != nil {
			return err
		}
	}

	slot, found := idx.find(fp)
	if slot < 0 {
		return errors.Errorf("index full: no empty slot found for %v", fp)
	}
	idx.writeSlot(slot, fp, e)
	if !found {
		idx.count++
	}
	idx.writeHeader(false)
	return idx.m.sync()
}

// Remove deletes the entry for fp, if present, and re-packs the probe
// chain behind it so lookups for other entries are not broken by the gap a
// naive clear would leave.
func (idx *Index) Remove(fp chunk.Fingerprint) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	slot, found := idx.find(fp)
	if !found {
		return nil
	}
	// Re-packing the probe chain can rewrite several slots.
	idx.writeHeader(true)
	if err := idx.m.sync(); err != nil {
		return err
	}
	idx.deleteAndRepack(slot)
	idx.count--
	idx.writeHeader(false)
	if err := idx.m.sync(); err != nil {
		return err
	}

	if idx.capacity > MinCapacity && float64(idx.count)/float64(idx.capacity) < shrinkThreshold {
		return idx.resize(idx.capacity / 2)
	}
	return nil
}

// deleteAndRepack implements the standard linear-probing deletion
// algorithm: clear the slot, then walk forward re-inserting every entry in
// the following run that could have probed through the now-empty slot.
func (idx *Index) deleteAndRepack(hole int) {
	idx.clearSlot(hole)
	i := hole
	for {
		i = (i + 1) % idx.capacity
		if idx.slotEmpty(i) {
			return
		}
		fp, e := idx.readSlot(i)
		home := idx.probeStart(fp)
		if !probeCovers(hole, i, home, idx.capacity) {
			continue
		}
		idx.clearSlot(i)
		idx.writeSlot(hole, fp, e)
		hole = i
	}
}

// probeCovers reports whether an entry whose home slot is home, currently
// sitting at slot cur, would have probed through hole on its way to cur.
func probeCovers(hole, cur, home, capacity int) bool {
	// Distances are measured forward from home, modulo capacity.
	dHole := (hole - home + capacity) % capacity
	dCur := (cur - home + capacity) % capacity
	return dHole <= dCur
}

// Each calls fn once for every (fingerprint, entry) pair currently stored,
// in slot order. fn must not call back into the index: Each holds idx.mu
// for its whole traversal.
func (idx *Index) Each(fn func(fp chunk.Fingerprint, e Entry) error) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for i := 0; i < idx.capacity; i++ {
		if idx.slotEmpty(i) {
			continue
		}
		fp, e := idx.readSlot(i)
		if err := fn(fp, e); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of entries currently stored.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.count
}

// Capacity returns the current number of slots.
func (idx *Index) Capacity() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.capacity
}

// resize rewrites the whole table at a new capacity, rehashing every live
// entry. The dirty flag is set before the old mapping is torn down and
// cleared only once the new table has been fully written and flushed, so a
// crash mid-resize is detectable on the next Open.
func (idx *Index) resize(newCapacity int) error {
	if newCapacity < MinCapacity {
		newCapacity = MinCapacity
	}
	debug.Log("resizing index from %d to %d slots", idx.capacity, newCapacity)

	idx.writeHeader(true)
	if err := idx.m.sync(); err != nil {
		return err
	}

	entries := make([]struct {
		fp chunk.Fingerprint
		e  Entry
	}, 0, idx.count)
	for i := 0; i < idx.capacity; i++ {
		if idx.slotEmpty(i) {
			continue
		}
		fp, e := idx.readSlot(i)
		entries = append(entries, struct {
			fp chunk.Fingerprint
			e  Entry
		}{fp, e})
	}

	if err := idx.m.close(); err != nil {
		return err
	}

	size := headerSize + newCapacity*slotSize
	if err := idx.f.Truncate(int64(size)); err != nil {
		return errors.Wrap(err, "Truncate")
	}
	m, err := mmapFile(idx.f, size)
	if err != nil {
		return err
	}
	idx.m = m
	idx.capacity = newCapacity

	for i := 0; i < newCapacity; i++ {
		idx.clearSlot(i)
	}
	for _, ent := range entries {
		slot := idx.probeStart(ent.fp)
		for j := 0; j < idx.capacity; j++ {
			s := (slot + j) % idx.capacity
			if idx.slotEmpty(s) {
				idx.writeSlot(s, ent.fp, ent.e)
				break
			}
		}
	}

	idx.writeHeader(false)
	return idx.m.sync()
}

// Close unmaps and closes the index file.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.m.close(); err != nil {
		return err
	}
	return idx.f.Close()
}

package index_test

import (
	"path/filepath"
	"testing"

	"github.com/dswd/zvault/internal/chunk"
	"github.com/dswd/zvault/internal/hash"
	"github.com/dswd/zvault/internal/index"
	rtest "github.com/dswd/zvault/internal/test"
)

func fingerprint(b byte) chunk.Fingerprint {
	var fp chunk.Fingerprint
	fp[0] = b
	fp[15] = b
	return fp
}

func TestAddGetContains(t *testing.T) {
	path := filepath.Join(rtest.TempDir(t), "index")
	idx, err := index.Open(path, hash.Blake2)
	rtest.OK(t, err)
	defer func() { rtest.OK(t, idx.Close()) }()

	fp := fingerprint(0x42)
	rtest.Assert(t, !idx.Contains(fp), "fresh index should not contain anything")

	rtest.OK(t, idx.Add(fp, index.Entry{BundleNo: 3, ChunkIdx: 7}))
	rtest.Assert(t, idx.Contains(fp), "expected fp to be present after Add")

	e, ok := idx.Get(fp)
	rtest.Assert(t, ok, "expected Get to find fp")
	rtest.Equals(t, uint32(3), e.BundleNo)
	rtest.Equals(t, uint32(7), e.ChunkIdx)
	rtest.Equals(t, 1, idx.Len())
}

func TestAddIsIdempotent(t *testing.T) {
	path := filepath.Join(rtest.TempDir(t), "index")
	idx, err := index.Open(path, hash.Blake2)
	rtest.OK(t, err)
	defer func() { rtest.OK(t, idx.Close()) }()

	fp := fingerprint(0x11)
	rtest.OK(t, idx.Add(fp, index.Entry{BundleNo: 1, ChunkIdx: 1}))
	rtest.OK(t, idx.Add(fp, index.Entry{BundleNo: 1, ChunkIdx: 1}))
	rtest.Equals(t, 1, idx.Len())
}

func TestRemove(t *testing.T) {
	path := filepath.Join(rtest.TempDir(t), "index")
	idx, err := index.Open(path, hash.Blake2)
	rtest.OK(t, err)
	defer func() { rtest.OK(t, idx.Close()) }()

	fp := fingerprint(0x22)
	rtest.OK(t, idx.Add(fp, index.Entry{BundleNo: 1, ChunkIdx: 1}))
	rtest.OK(t, idx.Remove(fp))
	rtest.Assert(t, !idx.Contains(fp), "expected fp to be gone after Remove")
	rtest.Equals(t, 0, idx.Len())

	// Removing an absent entry is not an error.
	rtest.OK(t, idx.Remove(fp))
}

func TestRemoveRepacksProbeChain(t *testing.T) {
	path := filepath.Join(rtest.TempDir(t), "index")
	idx, err := index.Open(path, hash.Blake2)
	rtest.OK(t, err)
	defer func() { rtest.OK(t, idx.Close()) }()

	// Insert many entries so collisions within the small starting table
	// are certain, then delete roughly half and confirm every survivor is
	// still reachable: this exercises the probe-chain repacking on delete.
	const n = 200
	fps := make([]chunk.Fingerprint, n)
	for i := 0; i < n; i++ {
		fps[i] = fingerprint(byte(i))
		rtest.OK(t, idx.Add(fps[i], index.Entry{BundleNo: uint32(i), ChunkIdx: uint32(i)}))
	}
	for i := 0; i < n; i += 2 {
		rtest.OK(t, idx.Remove(fps[i]))
	}
	for i := 1; i < n; i += 2 {
		e, ok := idx.Get(fps[i])
		rtest.Assert(t, ok, "fp %d should still be present", i)
		rtest.Equals(t, uint32(i), e.BundleNo)
	}
}

func TestGrowsAboveLoadFactor(t *testing.T) {
	path := filepath.Join(rtest.TempDir(t), "index")
	idx, err := index.Open(path, hash.Blake2)
	rtest.OK(t, err)
	defer func() { rtest.OK(t, idx.Close()) }()

	initial := idx.Capacity()
	for i := 0; i < initial; i++ {
		var fp chunk.Fingerprint
		fp[0] = byte(i)
		fp[1] = byte(i >> 8)
		fp[15] = 0xaa
		rtest.OK(t, idx.Add(fp, index.Entry{BundleNo: uint32(i), ChunkIdx: uint32(i)}))
	}
	rtest.Assert(t, idx.Capacity() > initial, "expected index to grow past its initial capacity")
}

func TestReopenPreservesEntries(t *testing.T) {
	path := filepath.Join(rtest.TempDir(t), "index")
	idx, err := index.Open(path, hash.Blake2)
	rtest.OK(t, err)

	fp := fingerprint(0x33)
	rtest.OK(t, idx.Add(fp, index.Entry{BundleNo: 9, ChunkIdx: 4}))
	rtest.OK(t, idx.Close())

	idx2, err := index.Open(path, hash.Blake2)
	rtest.OK(t, err)
	defer func() { rtest.OK(t, idx2.Close()) }()

	e, ok := idx2.Get(fp)
	rtest.Assert(t, ok, "expected entry to survive reopen")
	rtest.Equals(t, uint32(9), e.BundleNo)
	rtest.Equals(t, uint32(4), e.ChunkIdx)
}

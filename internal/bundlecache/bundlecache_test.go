package bundlecache_test

import (
	"path/filepath"
	"testing"

	"github.com/dswd/zvault/internal/bundle"
	"github.com/dswd/zvault/internal/bundlecache"
	"github.com/dswd/zvault/internal/compress"
	"github.com/dswd/zvault/internal/hash"
	rtest "github.com/dswd/zvault/internal/test"
)

func TestPutGet(t *testing.T) {
	path := filepath.Join(rtest.TempDir(t), "bundle_cache")
	c, err := bundlecache.Open(path)
	rtest.OK(t, err)

	id := bundle.NewRandomID()
	entry := bundlecache.Entry{
		Filename: "some-bundle-file",
		Info: bundle.Info{
			ID:            id,
			Mode:          bundle.Data,
			Compression:   &compress.Descriptor{Method: compress.LZ4},
			HashMethod:    hash.Blake2,
			RawSize:       1000,
			EncodedSize:   500,
			ChunkCount:    3,
			ChunkListSize: 60,
		},
	}
	rtest.OK(t, c.Put(id, entry))

	got, ok := c.Get(id)
	rtest.Assert(t, ok, "expected entry to be present")
	rtest.Equals(t, entry.Filename, got.Filename)
	rtest.Equals(t, entry.Info.RawSize, got.Info.RawSize)
	rtest.Equals(t, entry.Info.ChunkCount, got.Info.ChunkCount)
}

func TestReopenPreservesEntries(t *testing.T) {
	path := filepath.Join(rtest.TempDir(t), "bundle_cache")
	c, err := bundlecache.Open(path)
	rtest.OK(t, err)

	id := bundle.NewRandomID()
	entry := bundlecache.Entry{
		Filename: "f",
		Info:     bundle.Info{ID: id, HashMethod: hash.Blake2, RawSize: 42},
	}
	rtest.OK(t, c.Put(id, entry))

	c2, err := bundlecache.Open(path)
	rtest.OK(t, err)
	got, ok := c2.Get(id)
	rtest.Assert(t, ok, "expected entry to survive reopen")
	rtest.Equals(t, uint64(42), got.Info.RawSize)
}

func TestRemove(t *testing.T) {
	path := filepath.Join(rtest.TempDir(t), "bundle_cache")
	c, err := bundlecache.Open(path)
	rtest.OK(t, err)

	id := bundle.NewRandomID()
	rtest.OK(t, c.Put(id, bundlecache.Entry{Filename: "f", Info: bundle.Info{ID: id, HashMethod: hash.Blake2}}))
	rtest.OK(t, c.Remove(id))

	_, ok := c.Get(id)
	rtest.Assert(t, !ok, "expected entry to be gone after Remove")
	rtest.Equals(t, 0, c.Len())
}

func TestEachVisitsAllEntries(t *testing.T) {
	path := filepath.Join(rtest.TempDir(t), "bundle_cache")
	c, err := bundlecache.Open(path)
	rtest.OK(t, err)

	ids := []bundle.ID{bundle.NewRandomID(), bundle.NewRandomID(), bundle.NewRandomID()}
	for _, id := range ids {
		rtest.OK(t, c.Put(id, bundlecache.Entry{Filename: id.String(), Info: bundle.Info{ID: id, HashMethod: hash.Blake2}}))
	}

	seen := map[bundle.ID]bool{}
	err = c.Each(func(id bundle.ID, e bundlecache.Entry) error {
		seen[id] = true
		return nil
	})
	rtest.OK(t, err)
	rtest.Equals(t, len(ids), len(seen))
}

package store_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/dswd/zvault/internal/store"
	rtest "github.com/dswd/zvault/internal/test"
)

func newTestStore(t *testing.T) *store.Store {
	dir := filepath.Join(rtest.TempDir(t), "remote")
	s, err := store.Create(dir)
	rtest.OK(t, err)
	return s
}

func TestSaveLoadRoundtrip(t *testing.T) {
	s := newTestStore(t)
	data := rtest.Random(1, 4096)

	rtest.OK(t, s.Save("abcd0000000000000000000000000000", bytes.NewReader(data)))

	r, err := s.Load("abcd0000000000000000000000000000")
	rtest.OK(t, err)
	got, err := io.ReadAll(r)
	rtest.OK(t, err)
	rtest.OK(t, r.Close())
	rtest.Assert(t, bytes.Equal(data, got), "loaded data does not match saved data")
}

func TestSaveShardsBundlesByPrefix(t *testing.T) {
	s := newTestStore(t)
	name := "ab00000000000000000000000000ffff"
	rtest.OK(t, s.Save(name, bytes.NewReader([]byte("x"))))

	full := s.Filename(name)
	rtest.Assert(t, filepath.Base(filepath.Dir(full)) == "ab", "expected shard dir 'ab', got %q", filepath.Dir(full))
}

func TestStatAndRemove(t *testing.T) {
	s := newTestStore(t)
	name := "1111111111111111111111111111ffff"
	rtest.OK(t, s.Save(name, bytes.NewReader([]byte("hello"))))

	size, err := s.Stat(name)
	rtest.OK(t, err)
	rtest.Equals(t, int64(5), size)

	rtest.OK(t, s.Remove(name))
	_, err = s.Stat(name)
	rtest.Assert(t, err != nil, "expected error after removing file")

	// Removing an already-absent file is not an error.
	rtest.OK(t, s.Remove(name))
}

func TestRename(t *testing.T) {
	s := newTestStore(t)
	oldName := "aa00000000000000000000000000ffff"
	newName := "ff00000000000000000000000000ffff"
	rtest.OK(t, s.Save(oldName, bytes.NewReader([]byte("data"))))

	rtest.OK(t, s.Rename(oldName, newName))

	_, err := s.Stat(oldName)
	rtest.Assert(t, err != nil, "expected old name to be gone after rename")
	size, err := s.Stat(newName)
	rtest.OK(t, err)
	rtest.Equals(t, int64(4), size)
}

func TestListVisitsAllShards(t *testing.T) {
	s := newTestStore(t)
	names := []string{
		"aa00000000000000000000000000ffff",
		"bb00000000000000000000000000ffff",
		"aa11111111111111111111111111ffff",
	}
	for _, n := range names {
		rtest.OK(t, s.Save(n, bytes.NewReader([]byte("data"))))
	}

	seen := map[string]bool{}
	err := s.List(func(name string) error {
		seen[name] = true
		return nil
	})
	rtest.OK(t, err)
	rtest.Equals(t, len(names), len(seen))
	for _, n := range names {
		rtest.Assert(t, seen[n], "List did not report %v", n)
	}
}

func TestListSkipsTempFiles(t *testing.T) {
	s := newTestStore(t)
	rtest.OK(t, s.Save("cc00000000000000000000000000ffff", bytes.NewReader([]byte("d"))))

	// Simulate a crash that left a temporary file behind.
	stray := filepath.Join(filepath.Dir(s.Filename("cc00000000000000000000000000ffff")), "cc00000000000000000000000000ffff-tmp-123")
	rtest.OK(t, os.WriteFile(stray, []byte("partial"), 0600))

	count := 0
	err := s.List(func(name string) error {
		count++
		return nil
	})
	rtest.OK(t, err)
	rtest.Equals(t, 1, count)
}

// Package store implements the remote bundle store (§4.4, §9): the
// sharded directory of bundle files that is the only thing a zVault remote
// is required to support, besides atomic create/rename/delete on an
// ordinary directory. It knows nothing about bundle contents; it only
// moves whole files in and out of a content-addressed directory tree, the
// same separation of concerns restic draws between its backend and its
// repository layer.
package store

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dswd/zvault/internal/debug"
	"github.com/dswd/zvault/internal/errors"
)

// Store is a directory tree holding one repository's remote bundles,
// sharded one level deep by the first two hex characters of their name so
// that no single directory ever holds more entries than a typical
// filesystem handles comfortably, mirroring restic's default layout.
type Store struct {
	Path string
}

// Open returns a Store rooted at path. The bundles subdirectory must
// already exist; use Create to lay out a fresh one.
func Open(path string) (*Store, error) {
	fi, err := os.Stat(filepath.Join(path, "bundles"))
	if err != nil {
		return nil, errors.Wrap(err, "Stat")
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("%v/bundles is not a directory", path)
	}
	return &Store{Path: path}, nil
}

// Create lays out a new, empty store at path.
func Create(path string) (*Store, error) {
	s := &Store{Path: path}
	if err := os.MkdirAll(s.bundlesDir(), 0700); err != nil {
		return nil, errors.Wrap(err, "MkdirAll")
	}
	for i := 0; i < 256; i++ {
		if err := os.MkdirAll(filepath.Join(s.bundlesDir(), hexByte(byte(i))), 0700); err != nil {
			return nil, errors.Wrap(err, "MkdirAll")
		}
	}
	return s, nil
}

func (s *Store) bundlesDir() string {
	return filepath.Join(s.Path, "bundles")
}

func hexByte(b byte) string {
	const hextable = "0123456789abcdef"
	return string([]byte{hextable[b>>4], hextable[b&0x0f]})
}

func (s *Store) dirname(name string) string {
	if len(name) >= 2 {
		return filepath.Join(s.bundlesDir(), name[:2])
	}
	return s.bundlesDir()
}

// Filename returns the path of the bundle file named name.
func (s *Store) Filename(name string) string {
	return filepath.Join(s.dirname(name), name)
}

// Save writes the contents of r to the bundle file named name, atomically:
// the data is written to a temporary file in the same shard directory
// first, fsynced, and only then renamed into place, so a crash or a reader
// racing the write never observes a partial bundle (§4.4).
func (s *Store) Save(name string, r io.Reader) (err error) {
	finalname := s.Filename(name)
	dir := filepath.Dir(finalname)

	debug.Log("save bundle %v", name)

	f, err := os.CreateTemp(dir, filepath.Base(finalname)+"-tmp-")
	if err != nil && os.IsNotExist(err) {
		if mkErr := os.MkdirAll(dir, 0700); mkErr != nil {
			return errors.Wrap(mkErr, "MkdirAll")
		}
		f, err = os.CreateTemp(dir, filepath.Base(finalname)+"-tmp-")
	}
	if err != nil {
		return errors.Wrap(err, "CreateTemp")
	}

	defer func(f *os.File) {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}(f)

	if _, err = io.Copy(f, r); err != nil {
		return errors.Wrap(err, "Copy")
	}

	if err = f.Sync(); err != nil && !errors.Is(err, syscall.ENOTSUP) {
		return errors.Wrap(err, "Sync")
	}
	if err = f.Close(); err != nil {
		return errors.Wrap(err, "Close")
	}
	if err = os.Rename(f.Name(), finalname); err != nil {
		return errors.Wrap(err, "Rename")
	}

	return fsyncDir(dir)
}

// Load opens the bundle file named name for reading. The caller must Close
// the returned reader.
func (s *Store) Load(name string) (io.ReadCloser, error) {
	debug.Log("load bundle %v", name)
	f, err := os.Open(s.Filename(name))
	if err != nil {
		return nil, errors.Wrap(err, "Open")
	}
	return f, nil
}

// Stat returns the size in bytes of the bundle file named name.
func (s *Store) Stat(name string) (int64, error) {
	fi, err := os.Stat(s.Filename(name))
	if err != nil {
		return 0, errors.Wrap(err, "Stat")
	}
	return fi.Size(), nil
}

// Remove deletes the bundle file named name. Removing a file that does not
// exist is not an error, since pruning races a concurrent vacuum run
// removing the same bundle are expected, not exceptional (§6.3).
func (s *Store) Remove(name string) error {
	debug.Log("remove bundle %v", name)
	err := os.Remove(s.Filename(name))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "Remove")
	}
	return nil
}

// Rename moves the bundle file named oldName to newName within the same
// shard layout. Check uses this under repair to move a broken bundle aside
// to its .broken name.
func (s *Store) Rename(oldName, newName string) error {
	if err := os.Rename(s.Filename(oldName), s.Filename(newName)); err != nil {
		return errors.Wrap(err, "Rename")
	}
	return fsyncDir(s.dirname(newName))
}

// IsNotExist reports whether err indicates that a requested bundle does
// not exist.
func IsNotExist(err error) bool {
	return os.IsNotExist(errors.Cause(err))
}

// List calls fn once for every bundle file in the store, in no particular
// order. A single unreadable shard directory is skipped rather than
// aborting the whole listing, since a backup or vacuum run should make
// progress on the files it can see even if one shard is damaged.
func (s *Store) List(fn func(name string) error) error {
	debug.Log("list bundles")

	entries, err := os.ReadDir(s.bundlesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "ReadDir")
	}
	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		if err := visitFiles(filepath.Join(s.bundlesDir(), shard.Name()), fn); err != nil {
			return err
		}
	}
	return nil
}

func visitFiles(dir string, fn func(name string) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			debug.Log("skipping unreadable shard %v: %v", dir, err)
		}
		return nil
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.Contains(name, "-tmp-") || strings.HasSuffix(name, ".broken") {
			continue
		}
		if err := fn(name); err != nil {
			return err
		}
	}
	return nil
}

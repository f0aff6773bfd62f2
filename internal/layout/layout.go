// Package layout names the files and directories that make up a
// repository's local state (§9's directory layout): the config record, the
// keys directory, the memory-mapped chunk index, the bundle cache and
// bundle map, the backups directory, the lock directory and the dirty
// sentinel. It is deliberately path-only: every other package that reads
// or writes one of these files takes a *Layout and does its own I/O, the
// way restic's backend.Layout computes paths without owning the files.
package layout

import (
	"os"
	"path/filepath"

	"github.com/dswd/zvault/internal/errors"
)

// Layout is the set of paths rooted at one repository directory.
type Layout struct {
	Root string
}

// New returns a Layout rooted at root.
func New(root string) *Layout {
	return &Layout{Root: root}
}

func (l *Layout) ConfigFile() string      { return filepath.Join(l.Root, "config") }
func (l *Layout) ExcludesFile() string    { return filepath.Join(l.Root, "excludes") }
func (l *Layout) KeysDir() string         { return filepath.Join(l.Root, "keys") }
func (l *Layout) IndexFile() string       { return filepath.Join(l.Root, "index") }
func (l *Layout) BundleCacheFile() string { return filepath.Join(l.Root, "bundle_cache") }
func (l *Layout) BundleMapFile() string   { return filepath.Join(l.Root, "bundle_map") }
func (l *Layout) BackupsDir() string      { return filepath.Join(l.Root, "backups") }
func (l *Layout) LocksDir() string        { return filepath.Join(l.Root, "locks") }
func (l *Layout) DirtyFile() string       { return filepath.Join(l.Root, "dirty") }

// EnsureDirs creates every directory the layout names, if missing.
func (l *Layout) EnsureDirs() error {
	for _, dir := range []string{l.Root, l.KeysDir(), l.BackupsDir(), l.LocksDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return errors.Wrap(err, "MkdirAll")
		}
	}
	return nil
}

// Exists reports whether the repository directory has already been
// initialized, i.e. whether its config file exists.
func (l *Layout) Exists() bool {
	_, err := os.Stat(l.ConfigFile())
	return err == nil
}

// MarkDirty creates the dirty sentinel, signalling that a write is in
// progress and that an unclean shutdown must trigger a consistency check on
// next open (§5's crash model).
func (l *Layout) MarkDirty() error {
	f, err := os.OpenFile(l.DirtyFile(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrap(err, "OpenFile")
	}
	return errors.Wrap(f.Close(), "Close")
}

// ClearDirty removes the dirty sentinel after a clean shutdown.
func (l *Layout) ClearDirty() error {
	err := os.Remove(l.DirtyFile())
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "Remove")
	}
	return nil
}

// IsDirty reports whether the dirty sentinel is present, meaning the
// previous run did not shut down cleanly.
func (l *Layout) IsDirty() bool {
	_, err := os.Stat(l.DirtyFile())
	return err == nil
}

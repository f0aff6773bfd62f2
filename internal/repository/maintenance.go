package repository

import (
	"bytes"
	"os"

	"github.com/dswd/zvault/internal/bundle"
	"github.com/dswd/zvault/internal/bundlecache"
	"github.com/dswd/zvault/internal/bundlemap"
	"github.com/dswd/zvault/internal/chunk"
	"github.com/dswd/zvault/internal/config"
	"github.com/dswd/zvault/internal/crypto"
	"github.com/dswd/zvault/internal/errors"
	"github.com/dswd/zvault/internal/hash"
	"github.com/dswd/zvault/internal/index"
	"github.com/dswd/zvault/internal/manifest"
)

// Import implements §4.8's import operation: create an empty repository
// at localPath and populate its bundle map, bundle cache and chunk index
// by reading every bundle already present at remotePath, without
// re-uploading anything. Used to attach a fresh local state directory to
// an existing remote, e.g. after losing the original one.
func Import(localPath string, cfg config.Config, remotePath string, keys *crypto.Keypair) (*Repository, error) {
	r, err := Init(localPath, cfg, remotePath, false)
	if err != nil {
		return nil, err
	}
	r.keys = keys
	if keys != nil && cfg.EncryptionKeyName != "" {
		if err := config.SaveKeypair(r.layout.KeysDir(), cfg.EncryptionKeyName, keys); err != nil {
			return nil, err
		}
	}

	err = r.remote.List(func(name string) error {
		rc, err := r.remote.Load(name)
		if err != nil {
			return errors.Wrap(err, "Load")
		}
		defer func() { _ = rc.Close() }()

		b, err := bundle.Open(rc, r.keys)
		if err != nil {
			return errors.Wrap(err, "decode bundle "+name)
		}
		return r.healBundle(name, b)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// BundleStats reports how much of one bundle's content is still
// referenced by some backup, the input Analyze and Vacuum use to decide
// which bundles are worth rewriting.
type BundleStats struct {
	ID          bundle.ID
	Filename    string
	Mode        bundle.Mode
	TotalChunks uint64
	UsedChunks  uint64
	TotalSize   uint64
	UsedSize    uint64
}

// UsedRatio is the fraction of TotalSize still referenced by some backup,
// in [0, 1].
func (s BundleStats) UsedRatio() float64 {
	if s.TotalSize == 0 {
		return 1
	}
	return float64(s.UsedSize) / float64(s.TotalSize)
}

// Analyze implements §4.8's analyze: walk every backup's inode tree,
// marking every chunk it references, then report each known bundle's
// used-ratio and reclaimable space.
func (r *Repository) Analyze() ([]BundleStats, error) {
	used, err := r.usedChunks()
	if err != nil {
		return nil, err
	}
	return r.bundleStats(used)
}

// usedChunks walks every backup's inode tree and returns the set of
// fingerprints still referenced by at least one of them.
func (r *Repository) usedChunks() (map[chunk.Fingerprint]bool, error) {
	used := make(map[chunk.Fingerprint]bool)
	names, err := r.ListBackups()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if err := r.markBackupChunks(name, used); err != nil {
			return nil, errors.Wrap(err, "walk backup "+name)
		}
	}
	return used, nil
}

func (r *Repository) markBackupChunks(name string, used map[chunk.Fingerprint]bool) error {
	b, err := r.GetBackup(name)
	if err != nil {
		return err
	}
	markChunkList(used, b.Root)
	n, err := r.GetInode(b.Root)
	if err != nil {
		return err
	}
	return r.markInodeChunks(n, used)
}

func (r *Repository) markInodeChunks(n manifest.Inode, used map[chunk.Fingerprint]bool) error {
	switch n.DataNesting {
	case manifest.NestingChunks:
		list, err := chunk.Decode(n.Data)
		if err != nil {
			return err
		}
		markChunkList(used, list)
	case manifest.NestingChunksOfChunks:
		outer, err := chunk.Decode(n.Data)
		if err != nil {
			return err
		}
		markChunkList(used, outer)
		for _, e := range outer {
			raw, err := r.GetChunk(e.Fingerprint)
			if err != nil {
				return err
			}
			inner, err := chunk.Decode(raw)
			if err != nil {
				return err
			}
			markChunkList(used, inner)
		}
	}

	for name, ref := range n.Children {
		list, err := chunk.Decode(ref)
		if err != nil {
			return err
		}
		markChunkList(used, list)
		child, err := r.GetInode(list)
		if err != nil {
			return errors.Wrap(err, "decode child "+name)
		}
		if err := r.markInodeChunks(child, used); err != nil {
			return err
		}
	}
	return nil
}

func markChunkList(used map[chunk.Fingerprint]bool, list chunk.List) {
	for _, e := range list {
		used[e.Fingerprint] = true
	}
}

// bundleStats opens every bundle the bundle map knows about and tallies
// how many of its chunks appear in used.
func (r *Repository) bundleStats(used map[chunk.Fingerprint]bool) ([]BundleStats, error) {
	r.mu.Lock()
	count := r.bmap.Len()
	ids := make([]bundle.ID, count)
	for i := range ids {
		ids[i], _ = r.bmap.ID(uint32(i))
	}
	r.mu.Unlock()

	stats := make([]BundleStats, 0, len(ids))
	for _, id := range ids {
		b, err := r.openBundle(id)
		if err != nil {
			return nil, errors.Wrap(err, "open bundle "+id.String())
		}

		s := BundleStats{ID: id, Mode: b.Info.Mode}
		if entry, ok := r.bcache.Get(id); ok {
			s.Filename = entry.Filename
		}
		for _, e := range b.ChunkList() {
			s.TotalChunks++
			s.TotalSize += uint64(e.Size)
			if used[e.Fingerprint] {
				s.UsedChunks++
				s.UsedSize += uint64(e.Size)
			}
		}
		stats = append(stats, s)
	}
	return stats, nil
}

// Vacuum implements §4.8's vacuum: for every bundle whose used-ratio is at
// or below ratio, copy its still-used chunks into a new bundle under the
// repository's current compression and encryption settings, publish that
// new bundle, point the index at it, and only then delete the old one.
// New bundles are always created before old ones are deleted, and the
// index is checked again immediately before delete, so a crash mid-vacuum
// never loses a reachable chunk.
//
// Vacuum expects to run under this repository's own exclusive lock; force
// overrides that check for a caller that already knows it holds exclusive
// access some other way (e.g. a maintenance tool managing its own Open).
func (r *Repository) Vacuum(ratio float64, force bool) ([]BundleStats, error) {
	if r.uploader == nil && !force {
		return nil, errors.Errorf("vacuum requires an exclusive repository lock")
	}

	used, err := r.usedChunks()
	if err != nil {
		return nil, err
	}
	stats, err := r.bundleStats(used)
	if err != nil {
		return nil, err
	}

	var rewritten []BundleStats
	for _, s := range stats {
		if s.UsedRatio() > ratio {
			continue
		}
		if err := r.rewriteBundle(s, used); err != nil {
			return nil, errors.Wrap(err, "rewrite bundle "+s.ID.String())
		}
		rewritten = append(rewritten, s)
	}
	return rewritten, nil
}

// rewriteBundle copies s's still-used chunks into a fresh bundle, points
// the index at it, and deletes the old bundle once nothing in the index
// can reach it any longer.
func (r *Repository) rewriteBundle(s BundleStats, used map[chunk.Fingerprint]bool) error {
	old, err := r.openBundle(s.ID)
	if err != nil {
		return err
	}

	var chunks [][]byte
	var fps []chunk.Fingerprint
	for i, e := range old.ChunkList() {
		if !used[e.Fingerprint] {
			continue
		}
		data, err := old.Chunk(i)
		if err != nil {
			return err
		}
		chunks = append(chunks, data)
		fps = append(fps, e.Fingerprint)
	}
	if len(chunks) == 0 {
		return r.deleteBundle(s)
	}

	opts := bundle.WriteOptions{
		Mode:        s.Mode,
		Compression: r.cfg.Compression,
		HashMethod:  r.cfg.HashMethod,
		Encryption:  r.encryptionKey(),
	}
	var buf bytes.Buffer
	newID, err := bundle.Write(&buf, chunks, opts)
	if err != nil {
		return err
	}
	newBundle, err := bundle.Open(bytes.NewReader(buf.Bytes()), r.keys)
	if err != nil {
		return errors.Wrap(err, "reopen rewritten bundle")
	}

	newName := newID.String() + ".bundle"
	if err := r.remote.Save(newName, bytes.NewReader(buf.Bytes())); err != nil {
		return errors.Wrap(err, "Save")
	}

	r.mu.Lock()
	newBundleNo, err := r.bmap.Add(newID)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	for i, fp := range fps {
		if err := r.idx.Add(fp, index.Entry{BundleNo: newBundleNo, ChunkIdx: uint32(i)}); err != nil {
			return err
		}
	}
	if err := r.bcache.Put(newID, bundlecache.Entry{Filename: newName, Info: newBundle.Info}); err != nil {
		return err
	}

	return r.deleteBundle(s)
}

// deleteBundle removes a bundle fully superseded by a rewrite, after
// checking under the index's own lock that none of its chunks are still
// reachable there.
func (r *Repository) deleteBundle(s BundleStats) error {
	reachable := false
	err := r.idx.Each(func(fp chunk.Fingerprint, e index.Entry) error {
		if id, ok := r.bmap.ID(e.BundleNo); ok && id == s.ID {
			reachable = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if reachable {
		return errors.Errorf("refusing to delete bundle %v: still reachable from the index", s.ID)
	}

	name := s.Filename
	if name == "" {
		name = s.ID.String() + ".bundle"
	}
	return r.remote.Remove(name)
}

// CheckScope selects which stages of Check's cascade run.
type CheckScope uint8

const (
	CheckBundles CheckScope = 1 << iota
	CheckIndex
	CheckBackups
	CheckFilesystem

	CheckAll = CheckBundles | CheckIndex | CheckBackups | CheckFilesystem
)

// CheckReport collects everything Check found wrong.
type CheckReport struct {
	BrokenBundles     []string
	IndexErrors       []string
	BrokenBackups     []string
	UnreachableChunks []chunk.Fingerprint
}

// OK reports whether the report found nothing wrong.
func (rep *CheckReport) OK() bool {
	return len(rep.BrokenBundles) == 0 && len(rep.IndexErrors) == 0 &&
		len(rep.BrokenBackups) == 0 && len(rep.UnreachableChunks) == 0
}

// Check implements §4.8's check: a cascade of bundle integrity, optional
// full bundle content verification, index integrity, backup integrity and
// filesystem (reachability) checks. On repair, broken bundles and backups
// are renamed aside with a .broken suffix, and a healthy bundle's
// map/index/cache entries are filled in if they were missing.
func (r *Repository) Check(scope CheckScope, full, repair bool) (*CheckReport, error) {
	report := &CheckReport{}

	var goodBundles map[bundle.ID]bool
	if scope&CheckBundles != 0 {
		goodBundles = make(map[bundle.ID]bool)
		err := r.remote.List(func(name string) error {
			rc, err := r.remote.Load(name)
			if err != nil {
				report.BrokenBundles = append(report.BrokenBundles, name)
				return nil
			}
			defer func() { _ = rc.Close() }()

			b, err := bundle.Open(rc, r.keys)
			if err == nil && full {
				err = verifyBundleContent(b, r.cfg.HashMethod)
			}
			if err != nil {
				report.BrokenBundles = append(report.BrokenBundles, name)
				if repair {
					return r.quarantineBundle(name)
				}
				return nil
			}

			goodBundles[b.Info.ID] = true
			if repair {
				return r.healBundle(name, b)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if scope&CheckIndex != 0 {
		indexErrs, rebuildNeeded, err := r.checkIndexIntegrity(goodBundles)
		if err != nil {
			return nil, err
		}
		if rebuildNeeded && repair {
			if err := r.rebuildIndexAndBundleMap(); err != nil {
				return nil, err
			}
			indexErrs, _, err = r.checkIndexIntegrity(goodBundles)
			if err != nil {
				return nil, err
			}
		}
		report.IndexErrors = indexErrs
	}

	type backupWalk struct {
		name string
		used map[chunk.Fingerprint]bool
		err  error
	}
	var walks []backupWalk
	if scope&(CheckBackups|CheckFilesystem) != 0 {
		names, err := r.ListBackups()
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			used := make(map[chunk.Fingerprint]bool)
			err := r.markBackupChunks(name, used)
			walks = append(walks, backupWalk{name: name, used: used, err: err})
		}
	}

	if scope&CheckBackups != 0 {
		for _, w := range walks {
			if w.err == nil {
				continue
			}
			report.BrokenBackups = append(report.BrokenBackups, w.name)
			if repair {
				if err := r.quarantineBackup(w.name); err != nil {
					return nil, err
				}
			}
		}
	}

	if scope&CheckFilesystem != 0 {
		for _, w := range walks {
			if w.err != nil {
				continue
			}
			for fp := range w.used {
				if !r.idx.Contains(fp) {
					report.UnreachableChunks = append(report.UnreachableChunks, fp)
				}
			}
		}
	}

	return report, nil
}

// checkIndexIntegrity walks the index looking for entries the bundle map
// can't resolve, or that resolve to a bundle goodBundles marked as failed.
// The second return reports whether any entry referenced an unknown
// bundle number, the signal that the map and index have drifted apart and
// need a full rebuild rather than a per-entry fix.
func (r *Repository) checkIndexIntegrity(goodBundles map[bundle.ID]bool) ([]string, bool, error) {
	var errs []string
	rebuildNeeded := false
	err := r.idx.Each(func(fp chunk.Fingerprint, e index.Entry) error {
		id, ok := r.bmap.ID(e.BundleNo)
		if !ok {
			errs = append(errs, errors.Errorf("entry %v references unknown bundle number %d", fp, e.BundleNo).Error())
			rebuildNeeded = true
			return nil
		}
		if goodBundles != nil && !goodBundles[id] {
			errs = append(errs, errors.Errorf("entry %v references bundle %v, which failed its bundle check", fp, id).Error())
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return errs, rebuildNeeded, nil
}

func verifyBundleContent(b *bundle.Bundle, method hash.Method) error {
	for i, e := range b.ChunkList() {
		data, err := b.Chunk(i)
		if err != nil {
			return err
		}
		fp, err := chunk.Compute(method, data)
		if err != nil {
			return err
		}
		if fp != e.Fingerprint {
			return errors.Errorf("chunk %d fingerprint mismatch", i)
		}
	}
	return nil
}

// healBundleEntries additively fills in the bundle map, index and bundle
// cache entries a known-good bundle should have, without disturbing
// anything else; re-adding an entry that is already correct is a no-op.
// Shared between Repository.healBundle and the dirty-index repair path in
// Open, which rebuilds an index before a *Repository exists to hang a
// method off of.
func healBundleEntries(idx *index.Index, bmap *bundlemap.Map, bcache *bundlecache.Cache, name string, b *bundle.Bundle) error {
	bundleNo, err := bmap.Add(b.Info.ID)
	if err != nil {
		return err
	}
	for i, e := range b.ChunkList() {
		if err := idx.Add(e.Fingerprint, index.Entry{BundleNo: bundleNo, ChunkIdx: uint32(i)}); err != nil {
			return err
		}
	}
	return bcache.Put(b.Info.ID, bundlecache.Entry{Filename: name, Info: b.Info})
}

func (r *Repository) healBundle(name string, b *bundle.Bundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return healBundleEntries(r.idx, r.bmap, r.bcache, name, b)
}

// rebuildIndexAndBundleMap discards the bundle map and index and rebuilds
// both together from every bundle currently in the remote. CheckIndex
// calls this under repair when it finds index entries referencing a
// bundle number the map doesn't recognize: the index's bundle numbers are
// only meaningful relative to the map that assigned them, so the two must
// be thrown away and rebuilt as a pair rather than patched independently.
func (r *Repository) rebuildIndexAndBundleMap() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.bmap.Rebuild(nil); err != nil {
		return err
	}
	if err := r.idx.Close(); err != nil {
		return err
	}
	idx, err := index.Reset(r.layout.IndexFile(), r.cfg.HashMethod)
	if err != nil {
		return err
	}
	r.idx = idx

	return r.remote.List(func(name string) error {
		rc, err := r.remote.Load(name)
		if err != nil {
			return errors.Wrap(err, "Load")
		}
		defer func() { _ = rc.Close() }()

		b, err := bundle.Open(rc, r.keys)
		if err != nil {
			// broken bundles are the bundle check's problem, not the
			// index/map rebuild's; skip and leave them for quarantine.
			return nil
		}
		return healBundleEntries(r.idx, r.bmap, r.bcache, name, b)
	})
}

func (r *Repository) quarantineBundle(name string) error {
	return r.remote.Rename(name, name+".broken")
}

func (r *Repository) quarantineBackup(name string) error {
	path := backupPath(r.layout.BackupsDir(), name)
	err := os.Rename(path, path+".broken")
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "Rename")
	}
	return nil
}

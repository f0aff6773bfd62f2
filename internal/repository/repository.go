// Package repository implements the repository engine described in §4.8:
// the top-level operations (init, import, add_chunk, get_chunk,
// put_backup, get_backup, prune_backup, analyze, vacuum, check) that
// compose the chunker, bundle, store, index, bundlecache, bundlemap and
// manifest packages into one content-addressed, deduplicating backup
// store. It owns the local repository directory (internal/layout) and the
// remote bundle directory (internal/store). Open takes the shared or
// exclusive lock from §5; of the mutating operations, only Vacuum checks
// that the lock held is exclusive.
package repository

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dswd/zvault/internal/bundle"
	"github.com/dswd/zvault/internal/bundlecache"
	"github.com/dswd/zvault/internal/bundlemap"
	"github.com/dswd/zvault/internal/chunk"
	"github.com/dswd/zvault/internal/chunker"
	"github.com/dswd/zvault/internal/config"
	"github.com/dswd/zvault/internal/crypto"
	"github.com/dswd/zvault/internal/debug"
	"github.com/dswd/zvault/internal/errors"
	"github.com/dswd/zvault/internal/index"
	"github.com/dswd/zvault/internal/layout"
	"github.com/dswd/zvault/internal/lock"
	"github.com/dswd/zvault/internal/store"
)

// inlineThreshold is the largest file content stored directly in an
// Inode.data field instead of being chunked (§3, "below ~128 bytes").
const inlineThreshold = 128

// chunkListInlineLimit is the largest encoded chunk.List kept directly in
// a parent's encoding before it is split into a nesting-2 chunk list of
// chunk lists (§3, "fits within ~1 KiB of the parent encoding").
const chunkListInlineLimit = 1024

const defaultKeyName = "default"

// Repository is one opened zVault repository: its local state plus a
// handle on its remote bundle directory.
type Repository struct {
	layout *layout.Layout
	remote *store.Store
	cfg    config.Config
	keys   *crypto.Keypair // nil if the repository stores everything unencrypted

	mu     sync.Mutex
	idx    *index.Index
	bmap   *bundlemap.Map
	bcache *bundlecache.Cache

	lk *lock.Lock

	dataWriter *bundleWriter
	metaWriter *bundleWriter
	uploader   *bundleUploader

	// pending holds fingerprints already buffered in an open writer but
	// not yet published, so AddChunk can dedupe against them even
	// though the index does not know about them yet.
	pending map[chunk.Fingerprint]bool

	// sealedBundles counts every bundle sealed over the repository's
	// lifetime, so PutBackup can report the number of bundles it newly
	// wrote as a delta against a snapshot taken at its start (§8
	// scenario 1: a second backup of already-deduplicated content
	// reports a bundle_count of zero).
	sealedBundles uint64

	bundleCache *lru.Cache[bundle.ID, *bundle.Bundle]
}

// Init creates a fresh repository at localPath backed by the remote
// directory at remotePath, per §4.8's init operation. It refuses to
// overwrite an already-initialized directory.
func Init(localPath string, cfg config.Config, remotePath string, encrypt bool) (*Repository, error) {
	lay := layout.New(localPath)
	if lay.Exists() {
		return nil, errors.Errorf("repository %v is already initialized", localPath)
	}
	if err := lay.EnsureDirs(); err != nil {
		return nil, err
	}

	remote, err := store.Create(remotePath)
	if err != nil {
		return nil, err
	}

	var keys *crypto.Keypair
	if encrypt {
		keys, err = config.GenerateAndSaveKeypair(lay.KeysDir(), defaultKeyName)
		if err != nil {
			return nil, err
		}
		cfg.EncryptionKeyName = defaultKeyName
	}

	if err := config.Save(lay.ConfigFile(), cfg); err != nil {
		return nil, err
	}

	bmap, err := bundlemap.Open(lay.BundleMapFile())
	if err != nil {
		return nil, err
	}
	bcache, err := bundlecache.Open(lay.BundleCacheFile())
	if err != nil {
		return nil, err
	}
	idx, err := index.Open(lay.IndexFile(), cfg.HashMethod)
	if err != nil {
		return nil, err
	}

	r := &Repository{layout: lay, remote: remote, cfg: cfg, keys: keys, idx: idx, bmap: bmap, bcache: bcache}
	return r, nil
}

// Open opens an already-initialized repository at localPath, acquiring a
// shared or exclusive lock depending on exclusive, and, for an exclusive
// lock, starts the bundle uploader pipeline used by AddChunk.
func Open(localPath, remotePath string, keys *crypto.Keypair, exclusive bool) (*Repository, error) {
	lay := layout.New(localPath)
	if !lay.Exists() {
		return nil, errors.Errorf("repository %v is not initialized", localPath)
	}

	lk, err := lock.Acquire(lay.LocksDir(), exclusive)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(lay.ConfigFile())
	if err != nil {
		_ = lk.Unlock()
		return nil, err
	}
	if cfg.EncryptionKeyName != "" && keys == nil {
		_ = lk.Unlock()
		return nil, errors.Fatalf("repository was created with secret key %q, which was not provided; bundles and backups cannot be decrypted without it", cfg.EncryptionKeyName)
	}

	remote, err := store.Open(remotePath)
	if err != nil {
		_ = lk.Unlock()
		return nil, err
	}

	bmap, err := bundlemap.Open(lay.BundleMapFile())
	if err != nil {
		_ = lk.Unlock()
		return nil, err
	}
	bcache, err := bundlecache.Open(lay.BundleCacheFile())
	if err != nil {
		_ = lk.Unlock()
		return nil, err
	}

	idx, err := index.Open(lay.IndexFile(), cfg.HashMethod)
	if err != nil {
		if !index.IsDirty(err) {
			_ = lk.Unlock()
			return nil, err
		}
		if !exclusive {
			_ = lk.Unlock()
			return nil, errors.Wrap(err, "index was left dirty by an unclean shutdown; open for writing (or run check --repair) to rebuild it")
		}
		debug.Log("index at %v was left dirty; rebuilding from remote bundles", lay.IndexFile())
		idx, err = rebuildDirtyIndex(lay.IndexFile(), cfg, remote, keys, bmap, bcache)
		if err != nil {
			_ = lk.Unlock()
			return nil, errors.Wrap(err, "rebuild dirty index")
		}
	}

	// §4.8's crash model: an unclean shutdown leaves this sentinel set, and
	// its presence at the next open is what is supposed to trigger a
	// consistency check, independent of whether the index header itself
	// came up clean.
	wasDirty := lay.IsDirty()

	if exclusive {
		if err := lay.MarkDirty(); err != nil {
			_ = lk.Unlock()
			return nil, err
		}
	}

	r := &Repository{
		layout: lay,
		remote: remote,
		cfg:    cfg,
		keys:   keys,
		idx:    idx,
		bmap:   bmap,
		bcache: bcache,
		lk:     lk,
	}
	if exclusive {
		r.uploader = newBundleUploader(r, 4)
	}

	if exclusive && wasDirty {
		debug.Log("repository %v was left dirty by an unclean shutdown; running a repair check", localPath)
		if _, err := r.Check(CheckAll, false, true); err != nil {
			_ = r.Close()
			return nil, errors.Wrap(err, "consistency check after unclean shutdown")
		}
	}

	return r, nil
}

// rebuildDirtyIndex discards idxPath's current, untrustworthy contents and
// repopulates it from scratch by re-walking every bundle currently in
// remote, the same recovery §4.6 describes for an index left dirty by an
// interrupted resize. bmap and bcache are healed along the way using the
// same additive logic Import/healBundle use; both are safe to re-apply to
// entries that already exist.
func rebuildDirtyIndex(idxPath string, cfg config.Config, remote *store.Store, keys *crypto.Keypair, bmap *bundlemap.Map, bcache *bundlecache.Cache) (*index.Index, error) {
	idx, err := index.Reset(idxPath, cfg.HashMethod)
	if err != nil {
		return nil, err
	}

	err = remote.List(func(name string) error {
		rc, err := remote.Load(name)
		if err != nil {
			return errors.Wrap(err, "Load")
		}
		defer func() { _ = rc.Close() }()

		b, err := bundle.Open(rc, keys)
		if err != nil {
			// an unreadable bundle is the bundle check's problem, not the
			// index rebuild's; skip it and let check --repair quarantine it.
			return nil
		}
		return healBundleEntries(idx, bmap, bcache, name, b)
	})
	if err != nil {
		_ = idx.Close()
		return nil, err
	}
	return idx, nil
}

// encryptionKey returns the public key new bundles and backups should be
// sealed for, or nil if the repository stores everything in the clear.
func (r *Repository) encryptionKey() *crypto.PublicKey {
	if r.keys == nil || r.cfg.EncryptionKeyName == "" {
		return nil
	}
	return &r.keys.Public
}

// Close flushes any open bundle writers, waits for pending uploads, and
// releases the repository's lock, clearing the dirty sentinel on a clean
// exit (§4.8's state machine).
func (r *Repository) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(r.Flush())
	if r.uploader != nil {
		record(r.uploader.shutdown())
	}

	r.mu.Lock()
	record(r.idx.Close())
	r.mu.Unlock()

	if r.lk != nil {
		if firstErr == nil {
			record(r.layout.ClearDirty())
		}
		record(r.lk.Unlock())
	}
	return firstErr
}

func chunkerParams(cfg config.Config) chunker.Params {
	p := cfg.Chunker
	if p.TargetSize == 0 {
		p.TargetSize = config.DefaultChunkSize
	}
	return p
}

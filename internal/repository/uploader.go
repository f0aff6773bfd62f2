package repository

import (
	"bytes"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dswd/zvault/internal/bundle"
	"github.com/dswd/zvault/internal/bundlecache"
	"github.com/dswd/zvault/internal/chunk"
	"github.com/dswd/zvault/internal/errors"
	"github.com/dswd/zvault/internal/index"
)

// uploadTask is one sealed bundle waiting to be published to the remote,
// recorded in the bundle map and cache, and inserted into the index.
type uploadTask struct {
	id           bundle.ID
	data         []byte
	info         bundle.Info
	fingerprints []chunkFingerprint
}

// chunkFingerprint pairs a sealed chunk's fingerprint with its index
// within the bundle, so the index entry can be built once the bundle's
// internal number is known, after publish (§5's ordering guarantee).
type chunkFingerprint struct {
	fp  chunk.Fingerprint
	idx uint32
}

// bundleUploader bounds how many bundles may be uploading to the remote
// at once, the same backpressure restic's packerUploader gets from a
// fixed-size worker pool draining a channel; here the bound is a
// semaphore around errgroup.Group instead, so that enqueue can be called
// again after a Flush drains the group, across many backup runs sharing
// one Repository (§5, "a bounded queue of sealed bundles awaiting
// upload").
//
// errgroup.Group latches its first error for good, so the group backing
// wg is replaced on every drain: once a batch of uploads has been waited
// on, a failure among them must not keep failing every later Flush.
type bundleUploader struct {
	repo *Repository
	sem  chan struct{}

	mu sync.Mutex
	wg *errgroup.Group
}

func newBundleUploader(repo *Repository, connections int) *bundleUploader {
	return &bundleUploader{repo: repo, sem: make(chan struct{}, connections), wg: &errgroup.Group{}}
}

// enqueue blocks until a slot is free, then uploads t in the background.
func (u *bundleUploader) enqueue(t uploadTask) {
	u.sem <- struct{}{}
	u.mu.Lock()
	g := u.wg
	u.mu.Unlock()
	g.Go(func() error {
		defer func() { <-u.sem }()
		return u.repo.publish(t)
	})
}

// drain waits for every upload queued so far to finish, returning the
// first error any of them hit, then replaces the underlying errgroup.Group
// so a past failure cannot leak into a later drain. The uploader remains
// usable afterwards.
func (u *bundleUploader) drain() error {
	u.mu.Lock()
	g := u.wg
	u.wg = &errgroup.Group{}
	u.mu.Unlock()
	return g.Wait()
}

// shutdown drains the uploader one last time, for Close.
func (u *bundleUploader) shutdown() error {
	return u.drain()
}

// publish uploads a sealed bundle to the remote, records it in the bundle
// map, and only then inserts its chunks into the index — the order §5
// requires so that an index hit is never returned for a chunk whose bundle
// has not actually been published yet. The bundle cache entry is written
// last.
func (r *Repository) publish(t uploadTask) error {
	name := t.id.String() + ".bundle"
	if err := r.remote.Save(name, bytes.NewReader(t.data)); err != nil {
		return errors.Wrap(err, "Save")
	}

	r.mu.Lock()
	bundleNo, err := r.bmap.Add(t.id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	for _, cf := range t.fingerprints {
		if err := r.idx.Add(cf.fp, index.Entry{BundleNo: bundleNo, ChunkIdx: cf.idx}); err != nil {
			r.mu.Unlock()
			return err
		}
		delete(r.pending, cf.fp)
	}
	r.mu.Unlock()

	return r.bcache.Put(t.id, bundlecache.Entry{Filename: name, Info: t.info})
}

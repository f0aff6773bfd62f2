package repository

import (
	"bytes"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dswd/zvault/internal/bundle"
	"github.com/dswd/zvault/internal/chunk"
	"github.com/dswd/zvault/internal/errors"
	"github.com/dswd/zvault/internal/index"
)

// openBundleCacheSize bounds how many decoded bundles GetChunk keeps
// around, trading memory for avoiding a decrypt+decompress pass on every
// single-chunk read when a restore walks many chunks from the same
// bundle, the same trade restic's FileRestorer makes for its pack writer
// cache.
const openBundleCacheSize = 16

// openBundles lazily creates and returns the small LRU of recently opened
// bundles consulted by GetChunk before going back to the remote.
func (r *Repository) openBundles() *lru.Cache[bundle.ID, *bundle.Bundle] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bundleCache == nil {
		c, err := lru.New[bundle.ID, *bundle.Bundle](openBundleCacheSize)
		if err != nil {
			panic(err) // only fails for a non-positive size, which is constant here
		}
		r.bundleCache = c
	}
	return r.bundleCache
}

// AddChunk implements §4.8's add_chunk: hash data, return an existing
// index hit unchanged, or append it to the open bundle for mode, sealing
// and publishing that bundle once it reaches the repository's target
// size. The chunk is not guaranteed durable until the bundle containing it
// has been published; callers that need that guarantee should call Flush.
func (r *Repository) AddChunk(data []byte, mode bundle.Mode) (chunk.Fingerprint, error) {
	fp, err := chunk.Compute(r.cfg.HashMethod, data)
	if err != nil {
		return fp, err
	}

	r.mu.Lock()
	if r.idx.Contains(fp) {
		r.mu.Unlock()
		return fp, nil
	}
	if r.pending == nil {
		r.pending = map[chunk.Fingerprint]bool{}
	}
	if r.pending[fp] {
		r.mu.Unlock()
		return fp, nil
	}
	r.pending[fp] = true

	w := r.writerFor(mode)
	w.append(data, fp)

	var task *uploadTask
	if r.targetSizeReached(w) {
		t, err := r.seal(w)
		if err != nil {
			r.mu.Unlock()
			return fp, err
		}
		r.clearWriter(mode)
		task = &t
	}
	r.mu.Unlock()

	if task != nil {
		if err := r.dispatch(*task); err != nil {
			return fp, err
		}
	}
	return fp, nil
}

// Flush seals and publishes any bundle writers that still hold buffered
// chunks, and waits for every in-flight upload to complete. A backup run
// must call this before writing its Backup record, per §5's ordering
// guarantee that a backup is never published until every chunk it
// references is in a published bundle.
func (r *Repository) Flush() error {
	r.mu.Lock()
	var tasks []uploadTask
	if r.dataWriter != nil && r.dataWriter.len() > 0 {
		t, err := r.seal(r.dataWriter)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		r.clearWriter(bundle.Data)
		tasks = append(tasks, t)
	}
	if r.metaWriter != nil && r.metaWriter.len() > 0 {
		t, err := r.seal(r.metaWriter)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		r.clearWriter(bundle.Meta)
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	for _, t := range tasks {
		if err := r.dispatch(t); err != nil {
			return err
		}
	}
	if r.uploader != nil {
		return r.uploader.drain()
	}
	return nil
}

// dispatch hands a sealed bundle to the async uploader if one is running,
// or publishes it synchronously otherwise (e.g. a shared-lock reader
// process that never writes has no uploader at all).
func (r *Repository) dispatch(t uploadTask) error {
	if r.uploader != nil {
		r.uploader.enqueue(t)
		return nil
	}
	return r.publish(t)
}

// seal encodes w's buffered chunks as a complete bundle file and returns
// the uploadTask describing it, without performing any I/O against the
// remote. Called with r.mu held.
func (r *Repository) seal(w *bundleWriter) (uploadTask, error) {
	opts := bundle.WriteOptions{
		Mode:        w.mode,
		Compression: r.cfg.Compression,
		HashMethod:  r.cfg.HashMethod,
		Encryption:  r.encryptionKey(),
	}

	var buf bytes.Buffer
	id, err := bundle.Write(&buf, w.chunks, opts)
	if err != nil {
		return uploadTask{}, err
	}

	b, err := bundle.Open(bytes.NewReader(buf.Bytes()), r.keys)
	if err != nil {
		return uploadTask{}, errors.Wrap(err, "reopen sealed bundle")
	}

	fps := make([]chunkFingerprint, len(w.fps))
	for i, fp := range w.fps {
		fps[i] = chunkFingerprint{fp: fp, idx: uint32(i)}
	}

	r.sealedBundles++

	return uploadTask{id: id, data: buf.Bytes(), info: b.Info, fingerprints: fps}, nil
}

// GetChunk implements §4.8's get_chunk: resolve fp via the index to a
// bundle and position within it, then fetch and decompress that chunk.
func (r *Repository) GetChunk(fp chunk.Fingerprint) ([]byte, error) {
	r.mu.Lock()
	entry, ok := r.idx.Get(fp)
	r.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("chunk %v not found in index", fp)
	}
	return r.getChunkAt(entry)
}

func (r *Repository) getChunkAt(entry index.Entry) ([]byte, error) {
	r.mu.Lock()
	id, ok := r.bmap.ID(entry.BundleNo)
	r.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("bundle number %d not found in bundle map", entry.BundleNo)
	}

	b, err := r.openBundle(id)
	if err != nil {
		return nil, err
	}
	return b.Chunk(int(entry.ChunkIdx))
}

func (r *Repository) openBundle(id bundle.ID) (*bundle.Bundle, error) {
	cache := r.openBundles()
	if b, ok := cache.Get(id); ok {
		return b, nil
	}

	r.mu.Lock()
	entry, haveCache := r.bcache.Get(id)
	r.mu.Unlock()

	name := id.String() + ".bundle"
	if haveCache {
		name = entry.Filename
	}

	rc, err := r.remote.Load(name)
	if err != nil {
		return nil, errors.Wrap(err, "Load")
	}
	defer func() { _ = rc.Close() }()

	b, err := bundle.Open(rc, r.keys)
	if err != nil {
		return nil, errors.Wrap(err, "Open")
	}
	cache.Add(id, b)
	return b, nil
}

// chunkSource exposes GetChunk (§4.8's chunk fetch) as a manifest.ChunkSource,
// letting Inode.Resolve pull file content straight out of the repository.
type chunkSource struct {
	repo *Repository
}

func (s chunkSource) GetChunk(fp chunk.Fingerprint) ([]byte, error) {
	return s.repo.GetChunk(fp)
}

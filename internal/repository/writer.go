package repository

import (
	"github.com/dswd/zvault/internal/bundle"
	"github.com/dswd/zvault/internal/chunk"
	"github.com/dswd/zvault/internal/config"
)

// bundleWriter accumulates chunks for one open bundle (data or meta) until
// it is sealed and handed to the uploader, per §4.8's add_chunk: "append
// to the appropriate open bundle writer ... if writer exceeds target size
// estimate, seal and upload". fps mirrors chunks one-to-one, so that once
// the bundle is published each fingerprint can be paired with its final
// chunk index for the index insertion §5 requires.
type bundleWriter struct {
	mode   bundle.Mode
	chunks [][]byte
	fps    []chunk.Fingerprint
	size   int
}

func newBundleWriter(mode bundle.Mode) *bundleWriter {
	return &bundleWriter{mode: mode}
}

func (w *bundleWriter) append(data []byte, fp chunk.Fingerprint) int {
	idx := len(w.chunks)
	w.chunks = append(w.chunks, data)
	w.fps = append(w.fps, fp)
	w.size += len(data)
	return idx
}

func (w *bundleWriter) len() int {
	return len(w.chunks)
}

// writerFor returns the open writer for mode, creating it if necessary.
func (r *Repository) writerFor(mode bundle.Mode) *bundleWriter {
	if mode == bundle.Meta {
		if r.metaWriter == nil {
			r.metaWriter = newBundleWriter(bundle.Meta)
		}
		return r.metaWriter
	}
	if r.dataWriter == nil {
		r.dataWriter = newBundleWriter(bundle.Data)
	}
	return r.dataWriter
}

func (r *Repository) clearWriter(mode bundle.Mode) {
	if mode == bundle.Meta {
		r.metaWriter = nil
	} else {
		r.dataWriter = nil
	}
}

// targetSizeReached reports whether w's accumulated raw size estimate has
// crossed the repository's configured bundle size, the trigger for
// sealing and uploading it.
func (r *Repository) targetSizeReached(w *bundleWriter) bool {
	target := r.cfg.BundleSize
	if target == 0 {
		target = config.DefaultBundleSize
	}
	return uint64(w.size) >= target
}

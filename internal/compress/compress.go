// Package compress implements the solid-archive compression codecs used to
// pack chunk data inside a bundle. "Solid" means the codec operates over the
// concatenation of all chunks in the bundle, so repeated patterns across
// chunk boundaries still compress together.
//
// The set of algorithms is a closed enum with fixed wire codes (§4.3 of the
// bundle format); adding a new one requires both a new code and, if old
// readers would misinterpret it, a format version bump. There is
// deliberately no registry or plugin mechanism.
package compress

import (
	"bytes"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz/lzma"

	"github.com/dswd/zvault/internal/errors"
)

// Method identifies a compression algorithm by its wire code.
type Method uint64

const (
	Deflate Method = 0
	Brotli  Method = 1
	LZMA    Method = 2
	LZ4     Method = 3
)

// Descriptor is the (method, level) pair recorded in a BundleInfo. Level's
// meaning is algorithm-specific; 0 means "algorithm default".
type Descriptor struct {
	Method Method
	Level  int
}

func (d Descriptor) String() string {
	name := "unknown"
	switch d.Method {
	case Deflate:
		name = "deflate"
	case Brotli:
		name = "brotli"
	case LZMA:
		name = "lzma"
	case LZ4:
		name = "lz4"
	}
	return name
}

// ParseMethod maps a configuration name to its Method.
func ParseMethod(name string) (Method, error) {
	switch name {
	case "deflate":
		return Deflate, nil
	case "brotli":
		return Brotli, nil
	case "lzma":
		return LZMA, nil
	case "lz4":
		return LZ4, nil
	default:
		return 0, errors.Errorf("unknown compression method %q", name)
	}
}

// Compress buffers the entire plaintext in memory and returns the
// compressed bytes. Bundles are bounded in size (§4.4), so this is
// acceptable, and it lets every codec use the simplest possible API instead
// of having to support incremental flushing.
func Compress(d Descriptor, plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := newWriter(d, &buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, errors.Wrap(err, "Write")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "Close")
	}
	return buf.Bytes(), nil
}

// Decompress inflates ciphertext that was produced by Compress with the
// same Descriptor and returns exactly rawSize bytes (the value recorded in
// the bundle's BundleInfo). It fails if the stream yields fewer bytes;
// bytes beyond rawSize are not read, so a longer stream is not detected.
func Decompress(d Descriptor, data []byte, rawSize uint64) ([]byte, error) {
	r, err := newReader(d, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	out := make([]byte, rawSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errors.Wrap(err, "ReadFull")
	}
	if c, ok := r.(io.Closer); ok {
		_ = c.Close()
	}
	return out, nil
}

func newWriter(d Descriptor, w io.Writer) (io.WriteCloser, error) {
	switch d.Method {
	case Deflate:
		level := d.Level
		if level == 0 {
			level = flate.DefaultCompression
		}
		return flate.NewWriter(w, level)
	case Brotli:
		level := d.Level
		if level == 0 {
			level = brotli.DefaultCompression
		}
		return brotli.NewWriterLevel(w, level), nil
	case LZMA:
		return lzma.NewWriter(w)
	case LZ4:
		zw := lz4.NewWriter(w)
		if d.Level != 0 {
			if err := zw.Apply(lz4.CompressionLevelOption(lz4.CompressionLevel(d.Level))); err != nil {
				return nil, errors.Wrap(err, "Apply")
			}
		}
		return zw, nil
	default:
		return nil, errors.Errorf("unknown compression method %d", d.Method)
	}
}

func newReader(d Descriptor, r io.Reader) (io.Reader, error) {
	switch d.Method {
	case Deflate:
		return flate.NewReader(r), nil
	case Brotli:
		return brotli.NewReader(r), nil
	case LZMA:
		return lzma.NewReader(r)
	case LZ4:
		return lz4.NewReader(r), nil
	default:
		return nil, errors.Errorf("unknown compression method %d", d.Method)
	}
}

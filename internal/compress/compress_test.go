package compress_test

import (
	"bytes"
	"testing"

	"github.com/dswd/zvault/internal/compress"
	rtest "github.com/dswd/zvault/internal/test"
)

func TestRoundtripAllMethods(t *testing.T) {
	plaintext := bytes.Repeat(rtest.Random(1, 4096), 4)

	for _, m := range []compress.Method{compress.Deflate, compress.Brotli, compress.LZMA, compress.LZ4} {
		d := compress.Descriptor{Method: m}

		compressed, err := compress.Compress(d, plaintext)
		rtest.OK(t, err)

		decompressed, err := compress.Decompress(d, compressed, uint64(len(plaintext)))
		rtest.OK(t, err)

		rtest.Assert(t, bytes.Equal(plaintext, decompressed), "roundtrip mismatch for method %v", d)
	}
}

func TestParseMethod(t *testing.T) {
	for _, name := range []string{"deflate", "brotli", "lzma", "lz4"} {
		_, err := compress.ParseMethod(name)
		rtest.OK(t, err)
	}

	_, err := compress.ParseMethod("zstd")
	rtest.Assert(t, err != nil, "expected error for unsupported method")
}

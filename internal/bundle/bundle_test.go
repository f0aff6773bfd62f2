package bundle_test

import (
	"bytes"
	"testing"

	"github.com/dswd/zvault/internal/bundle"
	"github.com/dswd/zvault/internal/compress"
	"github.com/dswd/zvault/internal/crypto"
	"github.com/dswd/zvault/internal/hash"
	rtest "github.com/dswd/zvault/internal/test"
)

func makeChunks(t *testing.T, n, size int) [][]byte {
	chunks := make([][]byte, n)
	for i := range chunks {
		chunks[i] = rtest.Random(i+1, size)
	}
	return chunks
}

func TestWriteOpenRoundtripPlain(t *testing.T) {
	chunks := makeChunks(t, 5, 4096)
	opts := bundle.WriteOptions{
		Mode:        bundle.Data,
		Compression: &compress.Descriptor{Method: compress.Deflate},
		HashMethod:  hash.Blake2,
	}

	var buf bytes.Buffer
	id, err := bundle.Write(&buf, chunks, opts)
	rtest.OK(t, err)

	b, err := bundle.Open(&buf, nil)
	rtest.OK(t, err)
	rtest.Equals(t, id, b.Info.ID)
	rtest.Equals(t, len(chunks), len(b.ChunkList()))

	for i, want := range chunks {
		got, err := b.Chunk(i)
		rtest.OK(t, err)
		rtest.Assert(t, bytes.Equal(want, got), "chunk %d mismatch", i)
	}
}

func TestWriteOpenRoundtripEncrypted(t *testing.T) {
	kp, err := crypto.GenerateKeypair()
	rtest.OK(t, err)

	chunks := makeChunks(t, 3, 2048)
	opts := bundle.WriteOptions{
		Mode:        bundle.Meta,
		Compression: &compress.Descriptor{Method: compress.LZ4},
		HashMethod:  hash.Murmur3,
		Encryption:  &kp.Public,
	}

	var buf bytes.Buffer
	_, err = bundle.Write(&buf, chunks, opts)
	rtest.OK(t, err)

	// Without the secret key, the bundle cannot be opened.
	encoded := buf.Bytes()
	_, err = bundle.Open(bytes.NewReader(encoded), nil)
	rtest.Assert(t, err != nil, "expected error opening encrypted bundle without keypair")

	b, err := bundle.Open(bytes.NewReader(encoded), kp)
	rtest.OK(t, err)
	rtest.Equals(t, bundle.Meta, b.Info.Mode)

	for i, want := range chunks {
		got, err := b.Chunk(i)
		rtest.OK(t, err)
		rtest.Assert(t, bytes.Equal(want, got), "chunk %d mismatch", i)
	}
}

func TestWriteOpenAllCompressionMethods(t *testing.T) {
	chunks := makeChunks(t, 2, 1024)
	for _, method := range []compress.Method{compress.Deflate, compress.Brotli, compress.LZMA, compress.LZ4} {
		opts := bundle.WriteOptions{
			Compression: &compress.Descriptor{Method: method},
			HashMethod:  hash.Blake2,
		}
		var buf bytes.Buffer
		_, err := bundle.Write(&buf, chunks, opts)
		rtest.OK(t, err)

		b, err := bundle.Open(&buf, nil)
		rtest.OK(t, err)
		got0, err := b.Chunk(0)
		rtest.OK(t, err)
		rtest.Assert(t, bytes.Equal(chunks[0], got0), "method %v: chunk 0 mismatch", method)
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	_, err := bundle.Open(bytes.NewReader([]byte("not a bundle file at all")), nil)
	rtest.Assert(t, err != nil, "expected error for bad magic")
}

func TestOpenReportsDeclaredChunkCount(t *testing.T) {
	chunks := makeChunks(t, 2, 256)
	opts := bundle.WriteOptions{HashMethod: hash.Blake2}
	var buf bytes.Buffer
	_, err := bundle.Write(&buf, chunks, opts)
	rtest.OK(t, err)

	// A fresh decode of a well-formed bundle must report the number of
	// chunks that were written.
	b, err := bundle.Open(&buf, nil)
	rtest.OK(t, err)
	rtest.Equals(t, uint64(len(chunks)), b.Info.ChunkCount)
}

func TestChunkOutOfRange(t *testing.T) {
	chunks := makeChunks(t, 1, 128)
	opts := bundle.WriteOptions{HashMethod: hash.Blake2}
	var buf bytes.Buffer
	_, err := bundle.Write(&buf, chunks, opts)
	rtest.OK(t, err)

	b, err := bundle.Open(&buf, nil)
	rtest.OK(t, err)
	_, err = b.Chunk(1)
	rtest.Assert(t, err != nil, "expected error for out-of-range chunk index")
}

package chunker_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/dswd/zvault/internal/chunker"
	rtest "github.com/dswd/zvault/internal/test"
)

func split(t *testing.T, algo chunker.Algorithm, data []byte) [][]byte {
	params := chunker.Params{Algorithm: algo, TargetSize: 8 * 1024, Seed: 0}
	c, err := chunker.New(bytes.NewReader(data), params)
	rtest.OK(t, err)

	var chunks [][]byte
	for {
		chunk, err := c.Next()
		if err == io.EOF {
			break
		}
		rtest.OK(t, err)
		rtest.Assert(t, len(chunk) <= int(params.MaxSize()), "chunk exceeds MaxSize: %d", len(chunk))
		chunks = append(chunks, append([]byte{}, chunk...))
	}
	return chunks
}

func TestDeterministic(t *testing.T) {
	data := rtest.Random(1, 512*1024)
	for _, algo := range []chunker.Algorithm{chunker.Rabin, chunker.AE, chunker.FastCDC} {
		a := split(t, algo, data)
		b := split(t, algo, data)
		rtest.Equals(t, len(a), len(b))
		for i := range a {
			rtest.Assert(t, bytes.Equal(a[i], b[i]), "%v: chunk %d differs between runs", algo, i)
		}
	}
}

func TestReconstructsInput(t *testing.T) {
	data := rtest.Random(2, 300*1024)
	for _, algo := range []chunker.Algorithm{chunker.Rabin, chunker.AE, chunker.FastCDC} {
		chunks := split(t, algo, data)
		var buf bytes.Buffer
		for _, c := range chunks {
			buf.Write(c)
		}
		rtest.Assert(t, bytes.Equal(data, buf.Bytes()), "%v: reconstructed data does not match input", algo)
	}
}

func TestFinalChunkAlwaysEmitted(t *testing.T) {
	data := []byte("short")
	chunks := split(t, chunker.FastCDC, data)
	rtest.Equals(t, 1, len(chunks))
	rtest.Assert(t, bytes.Equal(data, chunks[0]), "final short chunk should equal input")
}

func TestEmptyInput(t *testing.T) {
	chunks := split(t, chunker.Rabin, nil)
	rtest.Equals(t, 0, len(chunks))
}

func TestInvalidParams(t *testing.T) {
	_, err := chunker.New(bytes.NewReader(nil), chunker.Params{Algorithm: chunker.Rabin, TargetSize: 100})
	rtest.Assert(t, err != nil, "expected error for non-power-of-two target size")

	_, err = chunker.New(bytes.NewReader(nil), chunker.Params{Algorithm: chunker.Rabin, TargetSize: 1 << 10})
	rtest.OK(t, err)
}

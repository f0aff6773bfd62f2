package chunk_test

import (
	"testing"

	"github.com/dswd/zvault/internal/chunk"
	"github.com/dswd/zvault/internal/hash"
	rtest "github.com/dswd/zvault/internal/test"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	list := chunk.List{}
	for i := 0; i < 5; i++ {
		fp, err := chunk.Compute(hash.Blake2, rtest.Random(i, 100+i))
		rtest.OK(t, err)
		list = append(list, chunk.Entry{Fingerprint: fp, Size: uint32(100 + i)})
	}

	encoded := list.Encode()
	rtest.Equals(t, len(list)*chunk.EntrySize, len(encoded))

	decoded, err := chunk.Decode(encoded)
	rtest.OK(t, err)
	rtest.Equals(t, list, decoded)
}

func TestDecodeInvalidLength(t *testing.T) {
	_, err := chunk.Decode(make([]byte, chunk.EntrySize+1))
	rtest.Assert(t, err != nil, "expected error for misaligned chunk list")
}

func TestTotalSize(t *testing.T) {
	list := chunk.List{{Size: 10}, {Size: 20}, {Size: 5}}
	rtest.Equals(t, uint64(35), list.TotalSize())
}

func TestFingerprintZero(t *testing.T) {
	var fp chunk.Fingerprint
	rtest.Assert(t, fp.IsZero(), "zero value fingerprint should be IsZero")

	fp[0] = 1
	rtest.Assert(t, !fp.IsZero(), "non-zero fingerprint should not be IsZero")
}

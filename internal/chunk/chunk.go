// Package chunk defines the basic units of deduplication: the Fingerprint
// that identifies a Chunk's content, and the ChunkList encoding used both
// inline inside bundles and inodes, and as a reference to data stored
// elsewhere.
package chunk

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/dswd/zvault/internal/errors"
	"github.com/dswd/zvault/internal/hash"
)

// EntrySize is the encoded size of one (fingerprint, size) pair in a
// ChunkList: 16 bytes of fingerprint followed by 4 bytes of little-endian
// length.
const EntrySize = hash.Size + 4

// Fingerprint is the 128-bit content identity of a Chunk.
type Fingerprint [hash.Size]byte

// Compute derives the fingerprint of data using the given hash method.
func Compute(method hash.Method, data []byte) (Fingerprint, error) {
	sum, err := hash.Sum(method, data)
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint(sum), nil
}

// IsZero reports whether fp is the all-zero fingerprint, used as the empty
// marker in the chunk index.
func (fp Fingerprint) IsZero() bool {
	return fp == Fingerprint{}
}

func (fp Fingerprint) String() string {
	return hex.EncodeToString(fp[:])
}

// Entry is one (fingerprint, size) pair of a ChunkList.
type Entry struct {
	Fingerprint Fingerprint
	Size        uint32
}

// List is an ordered sequence of chunk references, encoded back-to-back
// without separators. It is used both to describe the chunk data inside a
// bundle and to point at chunks that make up file or directory data.
type List []Entry

// TotalSize returns the sum of all entry sizes, i.e. the raw byte length the
// list reconstructs to.
func (l List) TotalSize() uint64 {
	var total uint64
	for _, e := range l {
		total += uint64(e.Size)
	}
	return total
}

// Encode serializes the list to its flat wire representation.
func (l List) Encode() []byte {
	buf := make([]byte, len(l)*EntrySize)
	for i, e := range l {
		off := i * EntrySize
		copy(buf[off:off+hash.Size], e.Fingerprint[:])
		binary.LittleEndian.PutUint32(buf[off+hash.Size:off+EntrySize], e.Size)
	}
	return buf
}

// Decode parses a flat wire representation produced by Encode. The input
// length must be a multiple of EntrySize.
func Decode(data []byte) (List, error) {
	if len(data)%EntrySize != 0 {
		return nil, errors.Errorf("chunk list has invalid length %d, not a multiple of %d", len(data), EntrySize)
	}
	count := len(data) / EntrySize
	list := make(List, count)
	for i := 0; i < count; i++ {
		off := i * EntrySize
		copy(list[i].Fingerprint[:], data[off:off+hash.Size])
		list[i].Size = binary.LittleEndian.Uint32(data[off+hash.Size : off+EntrySize])
	}
	return list, nil
}

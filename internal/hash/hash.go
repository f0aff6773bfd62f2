// Package hash implements the fingerprint hash methods used to identify
// chunks and bundles. Both methods produce a 128-bit digest; which one a
// repository uses is a closed, wire-coded choice recorded in its config and
// must not change after creation, because changing it silently partitions
// the deduplication space.
package hash

import (
	"github.com/spaolacci/murmur3"
	"golang.org/x/crypto/blake2b"

	"github.com/dswd/zvault/internal/errors"
)

// Method identifies a fingerprint algorithm by its wire code.
type Method uint64

const (
	// Blake2 truncates a Blake2b-256 digest to 128 bits.
	Blake2 Method = 0
	// Murmur3 is the 128-bit x64 variant of MurmurHash3. It is not
	// cryptographically secure and should only be used when
	// deduplication, not integrity, is the goal.
	Murmur3 Method = 1
)

// Size is the length in bytes of every fingerprint, regardless of method.
const Size = 16

// String returns the wire name of the method.
func (m Method) String() string {
	switch m {
	case Blake2:
		return "blake2"
	case Murmur3:
		return "murmur3"
	default:
		return "unknown"
	}
}

// ParseMethod maps a configuration name to its Method.
func ParseMethod(name string) (Method, error) {
	switch name {
	case "blake2":
		return Blake2, nil
	case "murmur3":
		return Murmur3, nil
	default:
		return 0, errors.Errorf("unknown hash method %q", name)
	}
}

// Sum computes the fingerprint of data using method m.
func Sum(m Method, data []byte) ([Size]byte, error) {
	var out [Size]byte
	switch m {
	case Blake2:
		full := blake2b.Sum256(data)
		copy(out[:], full[:Size])
		return out, nil
	case Murmur3:
		hi, lo := murmur3.Sum128(data)
		putUint64(out[0:8], hi)
		putUint64(out[8:16], lo)
		return out, nil
	default:
		return out, errors.Errorf("unknown hash method %d", m)
	}
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * (7 - i)))
	}
}

// Package chunker splits a byte stream into content-defined chunks. Three
// algorithms are supported, chosen by a repository's configuration and
// recorded there for the lifetime of the repository: changing it later
// would silently partition the deduplication space, since identical bytes
// would no longer land on identical chunk boundaries.
//
// Every algorithm shares the same contract (§4.2): the target size is a
// power of two between 1 KiB and 1 MiB, the minimum size is target/4, the
// maximum is target*4, the first MinSize bytes of a chunk always feed the
// boundary-detection state even though no cut can occur before them, and a
// final short chunk is always emitted when the input ends.
package chunker

import (
	"bufio"
	"io"
	"math/bits"

	"github.com/dswd/zvault/internal/errors"
)

// Algorithm identifies a chunking algorithm by its wire code.
type Algorithm uint64

const (
	Rabin Algorithm = 0
	AE    Algorithm = 1
	FastCDC Algorithm = 2
)

func (a Algorithm) String() string {
	switch a {
	case Rabin:
		return "rabin"
	case AE:
		return "ae"
	case FastCDC:
		return "fastcdc"
	default:
		return "unknown"
	}
}

// ParseAlgorithm maps a configuration name to its Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "rabin":
		return Rabin, nil
	case "ae":
		return AE, nil
	case "fastcdc":
		return FastCDC, nil
	default:
		return 0, errors.Errorf("unknown chunker algorithm %q", name)
	}
}

const (
	MinTargetSize = 1 << 10 // 1 KiB
	MaxTargetSize = 1 << 20 // 1 MiB

	minSizeDivisor = 4
	maxSizeFactor  = 4
)

// Params configures a Chunker. TargetSize must be a power of two in
// [MinTargetSize, MaxTargetSize]. Seed lets the rabin and fastcdc
// algorithms vary their boundary function, e.g. to avoid
// fingerprinting attacks across repositories that happen to share content.
type Params struct {
	Algorithm  Algorithm
	TargetSize uint32
	Seed       uint64
}

// Validate checks that Params satisfies the contract in §4.2.
func (p Params) Validate() error {
	if p.TargetSize < MinTargetSize || p.TargetSize > MaxTargetSize {
		return errors.Errorf("target chunk size %d out of range [%d, %d]", p.TargetSize, MinTargetSize, MaxTargetSize)
	}
	if p.TargetSize&(p.TargetSize-1) != 0 {
		return errors.Errorf("target chunk size %d is not a power of two", p.TargetSize)
	}
	switch p.Algorithm {
	case Rabin, AE, FastCDC:
	default:
		return errors.Errorf("unknown chunker algorithm %d", p.Algorithm)
	}
	return nil
}

// MinSize is the smallest chunk Params will ever produce, except for a
// trailing chunk at end of stream.
func (p Params) MinSize() uint32 { return p.TargetSize / minSizeDivisor }

// MaxSize is the largest chunk Params will ever produce.
func (p Params) MaxSize() uint32 { return p.TargetSize * maxSizeFactor }

// boundary is the algorithm-specific rolling state that decides where a
// chunk ends. It is fed one byte at a time starting from the first byte of
// the chunk, including the bytes below MinSize, so that the first MinSize
// bytes always contribute to the decision for the cut that follows them.
type boundary interface {
	// roll processes the next byte and reports whether it completes a
	// chunk. pos is the number of bytes in the current chunk including b.
	roll(b byte, pos uint32) bool
	reset()
}

// Chunker reads from an underlying io.Reader and emits content-defined
// chunks via Next. It is deterministic: the same bytes, Params and Seed
// always produce the same boundaries.
type Chunker struct {
	params Params
	b      boundary
	r      *bufio.Reader
	done   bool
}

// New creates a Chunker reading from r.
func New(r io.Reader, params Params) (*Chunker, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var b boundary
	switch params.Algorithm {
	case Rabin:
		b = newRabinBoundary(params)
	case AE:
		b = newAEBoundary(params)
	case FastCDC:
		b = newFastCDCBoundary(params)
	default:
		return nil, errors.Errorf("unknown chunker algorithm %d", params.Algorithm)
	}

	return &Chunker{
		params: params,
		b:      b,
		r:      bufio.NewReaderSize(r, int(params.MaxSize())),
	}, nil
}

// Next returns the bytes of the next chunk. It returns io.EOF once the
// entire stream has been consumed; the final chunk of a non-empty stream is
// returned together with a nil error, and io.EOF is only returned
// afterwards, on the next call.
func (c *Chunker) Next() ([]byte, error) {
	if c.done {
		return nil, io.EOF
	}

	max := c.params.MaxSize()
	min := c.params.MinSize()
	buf := make([]byte, 0, max)

	c.b.reset()

	for {
		b, err := c.r.ReadByte()
		if err == io.EOF {
			c.done = true
			if len(buf) == 0 {
				return nil, io.EOF
			}
			return buf, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "ReadByte")
		}

		buf = append(buf, b)
		pos := uint32(len(buf))

		cut := c.b.roll(b, pos)
		if pos >= min && (cut || pos >= max) {
			return buf, nil
		}
	}
}

// log2 returns floor(log2(n)) for a positive power-of-two-or-not n.
func log2(n uint32) uint {
	return uint(bits.Len32(n) - 1)
}

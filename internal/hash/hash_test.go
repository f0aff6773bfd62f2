package hash_test

import (
	"testing"

	"github.com/dswd/zvault/internal/hash"
	rtest "github.com/dswd/zvault/internal/test"
)

func TestSumDeterministic(t *testing.T) {
	data := rtest.Random(1, 4096)
	for _, m := range []hash.Method{hash.Blake2, hash.Murmur3} {
		a, err := hash.Sum(m, data)
		rtest.OK(t, err)
		b, err := hash.Sum(m, data)
		rtest.OK(t, err)
		rtest.Equals(t, a, b)
	}
}

func TestParseMethod(t *testing.T) {
	m, err := hash.ParseMethod("blake2")
	rtest.OK(t, err)
	rtest.Equals(t, hash.Blake2, m)

	m, err = hash.ParseMethod("murmur3")
	rtest.OK(t, err)
	rtest.Equals(t, hash.Murmur3, m)

	_, err = hash.ParseMethod("sha256")
	rtest.Assert(t, err != nil, "expected error for unknown method")
}

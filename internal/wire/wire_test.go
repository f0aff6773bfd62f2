package wire_test

import (
	"testing"

	"github.com/dswd/zvault/internal/wire"
	rtest "github.com/dswd/zvault/internal/test"
)

func TestWriterReaderRoundtrip(t *testing.T) {
	w := wire.NewWriter()
	w.Field(0, true, uint64(42))
	w.Field(1, false, "omitted because not present")
	w.Field(2, true, "hello")

	data, err := w.Bytes()
	rtest.OK(t, err)

	r, err := wire.NewReader(data)
	rtest.OK(t, err)

	var gotInt uint64
	var gotStr string
	seen := map[int8]bool{}
	for {
		id, ok, err := r.Next()
		rtest.OK(t, err)
		if !ok {
			break
		}
		seen[id] = true
		switch id {
		case 0:
			rtest.OK(t, r.Decode(&gotInt))
		case 2:
			rtest.OK(t, r.Decode(&gotStr))
		default:
			rtest.OK(t, r.Skip())
		}
	}

	rtest.Equals(t, uint64(42), gotInt)
	rtest.Equals(t, "hello", gotStr)
	rtest.Assert(t, !seen[1], "omitted field should not appear in the record")
}

func TestReaderToleratesUnknownFields(t *testing.T) {
	w := wire.NewWriter()
	w.Field(0, true, "known")
	w.Field(99, true, "from a newer writer")

	data, err := w.Bytes()
	rtest.OK(t, err)

	r, err := wire.NewReader(data)
	rtest.OK(t, err)

	var known string
	for {
		id, ok, err := r.Next()
		rtest.OK(t, err)
		if !ok {
			break
		}
		if id == 0 {
			rtest.OK(t, r.Decode(&known))
			continue
		}
		rtest.OK(t, r.Skip())
	}
	rtest.Equals(t, "known", known)
}

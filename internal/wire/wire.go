// Package wire implements the positional, number-keyed encoding used for
// every structured record in the repository: BundleHeader, BundleInfo,
// Backup and Inode. Each record is a MessagePack map from a small integer
// field id to its value. Readers must accept a record with any field
// missing (substituting a documented default) and must never reject an
// unknown field id, so that future versions can add fields without
// breaking old readers. Writers omit fields that hold their default value
// and must emit field ids in ascending order.
package wire

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dswd/zvault/internal/errors"
)

// Writer accumulates (field id, value) pairs for one record and encodes
// them as a MessagePack map once Bytes is called.
type Writer struct {
	ids    []int8
	values []interface{}
}

// NewWriter returns an empty record writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Field appends a field to the record if present is true. Callers pass
// present = (value != default) so that default-valued fields are omitted,
// per the canonical encoding rules in §4.3 of the bundle format.
func (w *Writer) Field(id int8, present bool, value interface{}) {
	if !present {
		return
	}
	w.ids = append(w.ids, id)
	w.values = append(w.values, value)
}

// Bytes encodes the accumulated fields as a MessagePack map, field ids in
// the order they were added. Callers are responsible for adding fields in
// ascending id order to satisfy the canonical-ordering requirement.
func (w *Writer) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(len(w.ids)); err != nil {
		return nil, errors.Wrap(err, "EncodeMapLen")
	}
	for i, id := range w.ids {
		if err := enc.EncodeInt8(id); err != nil {
			return nil, errors.Wrap(err, "EncodeInt8")
		}
		if err := enc.Encode(w.values[i]); err != nil {
			return nil, errors.Wrap(err, "Encode")
		}
	}
	return buf.Bytes(), nil
}

// Reader walks the (field id, value) pairs of one record in wire order,
// letting the caller dispatch on id and decode or skip each value.
type Reader struct {
	dec       *msgpack.Decoder
	remaining int
}

// NewReader parses the map header of a record and returns a Reader
// positioned at its first field.
func NewReader(data []byte) (*Reader, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, errors.Wrap(err, "DecodeMapLen")
	}
	return &Reader{dec: dec, remaining: n}, nil
}

// Next reads the next field id. ok is false once every field has been
// consumed.
func (r *Reader) Next() (id int8, ok bool, err error) {
	if r.remaining <= 0 {
		return 0, false, nil
	}
	r.remaining--
	id, err = r.dec.DecodeInt8()
	if err != nil {
		return 0, false, errors.Wrap(err, "DecodeInt8")
	}
	return id, true, nil
}

// Decode decodes the value belonging to the field id most recently
// returned by Next into v.
func (r *Reader) Decode(v interface{}) error {
	return errors.Wrap(r.dec.Decode(v), "Decode")
}

// Skip discards the value belonging to the field id most recently returned
// by Next. Readers call this for field ids they don't recognize, so that
// records written by newer implementations remain parseable.
func (r *Reader) Skip() error {
	return errors.Wrap(r.dec.Skip(), "Skip")
}

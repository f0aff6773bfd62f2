package bundle

import "github.com/dswd/zvault/internal/wire"

func newFieldWriter() *wire.Writer {
	return wire.NewWriter()
}

type fieldDecoder = *wire.Reader

// decodeFields drives a wire.Reader, calling visit once per field with its
// id; visit must either Decode or Skip the value before returning.
func decodeFields(data []byte, visit func(id int8, dec fieldDecoder) error) error {
	r, err := wire.NewReader(data)
	if err != nil {
		return err
	}
	for {
		id, ok, err := r.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := visit(id, r); err != nil {
			return err
		}
	}
}

package bundle

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/dswd/zvault/internal/chunk"
	"github.com/dswd/zvault/internal/compress"
	"github.com/dswd/zvault/internal/crypto"
	"github.com/dswd/zvault/internal/errors"
	"github.com/dswd/zvault/internal/hash"
)

// WriteOptions configures how a new bundle is encoded.
type WriteOptions struct {
	Mode        Mode
	Compression *compress.Descriptor
	HashMethod  hash.Method
	// Encryption, if non-nil, is the recipient public key chunks are
	// sealed for. A nil value writes an unencrypted bundle.
	Encryption *crypto.PublicKey
}

// Write encodes chunks as a complete bundle file and writes it to w,
// returning the bundle's randomly generated id.
func Write(w io.Writer, chunks [][]byte, opts WriteOptions) (ID, error) {
	id := NewRandomID()

	list := make(chunk.List, len(chunks))
	var raw bytes.Buffer
	for i, c := range chunks {
		fp, err := chunk.Compute(opts.HashMethod, c)
		if err != nil {
			return id, err
		}
		list[i] = chunk.Entry{Fingerprint: fp, Size: uint32(len(c))}
		raw.Write(c)
	}

	compression := opts.Compression
	if compression == nil {
		compression = &compress.Descriptor{Method: compress.Deflate}
	}
	compressed, err := compress.Compress(*compression, raw.Bytes())
	if err != nil {
		return id, errors.Wrap(err, "Compress")
	}

	encodedData := compressed
	chunkListPlain := list.Encode()
	chunkListWire := chunkListPlain
	var header Header
	if opts.Encryption != nil {
		header.Encryption = opts.Encryption

		encodedData, err = crypto.Seal(compressed, *opts.Encryption)
		if err != nil {
			return id, errors.Wrap(err, "Seal data")
		}

		chunkListWire, err = crypto.Seal(chunkListPlain, *opts.Encryption)
		if err != nil {
			return id, errors.Wrap(err, "Seal chunk list")
		}
	}

	info := Info{
		ID:            id,
		Mode:          opts.Mode,
		Compression:   compression,
		HashMethod:    opts.HashMethod,
		RawSize:       uint64(raw.Len()),
		EncodedSize:   uint64(len(encodedData)),
		ChunkCount:    uint64(len(list)),
		ChunkListSize: uint64(len(chunkListWire)),
	}
	infoPlain, err := info.Encode()
	if err != nil {
		return id, errors.Wrap(err, "Encode info")
	}
	infoWire := infoPlain
	if opts.Encryption != nil {
		infoWire, err = crypto.Seal(infoPlain, *opts.Encryption)
		if err != nil {
			return id, errors.Wrap(err, "Seal info")
		}
	}
	header.InfoSize = uint32(len(infoWire))

	headerWire, err := header.Encode()
	if err != nil {
		return id, errors.Wrap(err, "Encode header")
	}
	if len(headerWire) > 0xffff {
		return id, errors.Errorf("bundle header too large: %d bytes", len(headerWire))
	}

	if _, err := w.Write(Magic[:]); err != nil {
		return id, errors.Wrap(err, "write magic")
	}
	if err := writeUint16(w, uint16(len(headerWire))); err != nil {
		return id, err
	}
	if _, err := w.Write(headerWire); err != nil {
		return id, errors.Wrap(err, "write header")
	}
	if _, err := w.Write(infoWire); err != nil {
		return id, errors.Wrap(err, "write info")
	}
	if _, err := w.Write(chunkListWire); err != nil {
		return id, errors.Wrap(err, "write chunk list")
	}
	if _, err := w.Write(encodedData); err != nil {
		return id, errors.Wrap(err, "write chunk data")
	}

	return id, nil
}

func writeUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return errors.Wrap(err, "write uint16")
}

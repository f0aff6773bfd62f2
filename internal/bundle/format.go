// Package bundle implements the on-disk bundle file format: the solid,
// write-once container that holds many chunks packed, compressed and
// optionally encrypted together (§4.3).
//
// A bundle file is laid out as five consecutive parts:
//
//  1. an 8-byte magic: "zvault" + a file-type byte + a format version byte
//  2. a small, unencrypted Header naming the encryption method (if any)
//     and the size of the following Info block
//  3. Info, encrypted if the header says so, never compressed
//  4. the ChunkList, encrypted under the same rules as Info
//  5. the chunk data: compressed solidly, then encrypted
//
// Every structured part (Header, Info) uses the field-numbered encoding in
// internal/wire so that future fields can be added without breaking old
// readers.
package bundle

import (
	"github.com/dswd/zvault/internal/compress"
	"github.com/dswd/zvault/internal/crypto"
	"github.com/dswd/zvault/internal/errors"
	"github.com/dswd/zvault/internal/hash"
)

// FileTypeBundle distinguishes a bundle file from a backup file, both of
// which share the first 6 bytes of magic ("zvault").
const FileTypeBundle byte = 0x01

// FormatVersion is the only version understood by this implementation.
// Byte-level interoperability across zVault installations requires readers
// and writers to agree on this value.
const FormatVersion byte = 0x01

// Magic is the fixed 8-byte prefix of every bundle file.
var Magic = [8]byte{'z', 'v', 'a', 'u', 'l', 't', FileTypeBundle, FormatVersion}

// Mode distinguishes bundles holding file-data chunks from bundles holding
// metadata chunks (encoded inodes and chunk lists), which allows the
// repository to cache and vacuum the two populations separately.
type Mode uint64

const (
	Data Mode = 0
	Meta Mode = 1
)

func (m Mode) String() string {
	if m == Meta {
		return "meta"
	}
	return "data"
}

// ID uniquely identifies a bundle. It is embedded in Info rather than
// derived from the filename, so renaming a bundle file never invalidates
// it: the filename is purely informational (§4.4, §9).
type ID [16]byte

// NewRandomID returns a fresh random bundle id.
func NewRandomID() ID {
	var id ID
	copy(id[:], crypto.NewRandomBytes(len(id)))
	return id
}

func (id ID) String() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, len(id)*2)
	for i, b := range id {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf)
}

// Header is the small, unencrypted part 2 of a bundle file.
type Header struct {
	// Encryption is nil if the bundle's Info/ChunkList/data are stored
	// in the clear.
	Encryption *crypto.PublicKey
	InfoSize   uint32
}

const (
	fieldHeaderEncryptionKey int8 = 0
	fieldHeaderInfoSize      int8 = 1
)

// Encode serializes the header using the field-numbered record encoding.
func (h Header) Encode() ([]byte, error) {
	w := newFieldWriter()
	if h.Encryption != nil {
		w.Field(fieldHeaderEncryptionKey, true, h.Encryption[:])
	}
	w.Field(fieldHeaderInfoSize, h.InfoSize != 0, h.InfoSize)
	return w.Bytes()
}

// DecodeHeader parses a Header previously produced by Encode.
func DecodeHeader(data []byte) (Header, error) {
	var h Header
	err := decodeFields(data, func(id int8, dec fieldDecoder) error {
		switch id {
		case fieldHeaderEncryptionKey:
			var key crypto.PublicKey
			var raw []byte
			if err := dec.Decode(&raw); err != nil {
				return err
			}
			copy(key[:], raw)
			h.Encryption = &key
			return nil
		case fieldHeaderInfoSize:
			return dec.Decode(&h.InfoSize)
		default:
			return dec.Skip()
		}
	})
	return h, err
}

// Info is bundle part 3: the metadata describing the bundle's contents.
// Field ids 3 and 5 are historical gaps from a retired "creation date"
// field; readers must tolerate their absence and writers must never reuse
// them (§9 open questions).
type Info struct {
	ID            ID
	Mode          Mode
	Compression   *compress.Descriptor
	HashMethod    hash.Method
	RawSize       uint64
	EncodedSize   uint64
	ChunkCount    uint64
	ChunkListSize uint64
}

const (
	fieldInfoID            int8 = 0
	fieldInfoMode          int8 = 1
	fieldInfoCompression   int8 = 2
	fieldInfoHashMethod    int8 = 4
	fieldInfoRawSize       int8 = 6
	fieldInfoEncodedSize   int8 = 7
	fieldInfoChunkCount    int8 = 8
	fieldInfoChunkListSize int8 = 9
)

// Encode serializes Info, omitting fields that hold their default value.
func (info Info) Encode() ([]byte, error) {
	w := newFieldWriter()
	w.Field(fieldInfoID, true, info.ID[:])
	w.Field(fieldInfoMode, info.Mode != Data, uint64(info.Mode))
	if info.Compression != nil {
		w.Field(fieldInfoCompression, true, []uint64{uint64(info.Compression.Method), uint64(info.Compression.Level)})
	}
	w.Field(fieldInfoHashMethod, info.HashMethod != hash.Blake2, uint64(info.HashMethod))
	w.Field(fieldInfoRawSize, info.RawSize != 0, info.RawSize)
	w.Field(fieldInfoEncodedSize, info.EncodedSize != 0, info.EncodedSize)
	w.Field(fieldInfoChunkCount, info.ChunkCount != 0, info.ChunkCount)
	w.Field(fieldInfoChunkListSize, info.ChunkListSize != 0, info.ChunkListSize)
	return w.Bytes()
}

// DecodeInfo parses an Info record previously produced by Encode.
func DecodeInfo(data []byte) (Info, error) {
	info := Info{HashMethod: hash.Blake2, Mode: Data}
	err := decodeFields(data, func(id int8, dec fieldDecoder) error {
		switch id {
		case fieldInfoID:
			var raw []byte
			if err := dec.Decode(&raw); err != nil {
				return err
			}
			copy(info.ID[:], raw)
			return nil
		case fieldInfoMode:
			var m uint64
			if err := dec.Decode(&m); err != nil {
				return err
			}
			info.Mode = Mode(m)
			return nil
		case fieldInfoCompression:
			var pair []uint64
			if err := dec.Decode(&pair); err != nil {
				return err
			}
			if len(pair) != 2 {
				return errors.Errorf("invalid compression descriptor encoding")
			}
			info.Compression = &compress.Descriptor{Method: compress.Method(pair[0]), Level: int(pair[1])}
			return nil
		case fieldInfoHashMethod:
			var m uint64
			if err := dec.Decode(&m); err != nil {
				return err
			}
			info.HashMethod = hash.Method(m)
			return nil
		case fieldInfoRawSize:
			return dec.Decode(&info.RawSize)
		case fieldInfoEncodedSize:
			return dec.Decode(&info.EncodedSize)
		case fieldInfoChunkCount:
			return dec.Decode(&info.ChunkCount)
		case fieldInfoChunkListSize:
			return dec.Decode(&info.ChunkListSize)
		default:
			return dec.Skip()
		}
	})
	return info, err
}

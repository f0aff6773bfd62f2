package bundle

import (
	"encoding/binary"
	"io"

	"github.com/dswd/zvault/internal/chunk"
	"github.com/dswd/zvault/internal/compress"
	"github.com/dswd/zvault/internal/crypto"
	"github.com/dswd/zvault/internal/errors"
)

// Bundle is an opened bundle file: its structured parts have been parsed
// and, if the bundle is encrypted, decrypted, but the chunk data is kept
// compressed until a specific chunk is requested.
type Bundle struct {
	Header Header
	Info   Info

	chunkList    chunk.List
	encodedData  []byte // still compressed, decrypted if necessary
	decoded      []byte // lazily decompressed solid archive
	keypair      *crypto.Keypair
}

// Open parses every structured part of a bundle file read from r, and
// decrypts Info and the chunk list immediately. Chunk payload bytes are
// decrypted too (sealed boxes cannot be opened partially) but are only
// decompressed on first access, per §4.3's reading sequence.
//
// keypair may be nil if the bundle is known to be unencrypted; opening an
// encrypted bundle without a keypair, or without its secret key, fails
// with crypto's missing-secret-key error.
func Open(r io.Reader, keypair *crypto.Keypair) (*Bundle, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, errors.Wrap(err, "read magic")
	}
	if magic != Magic {
		return nil, errors.Errorf("not a bundle file: bad magic %x", magic)
	}

	var headerLen uint16
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, errors.Wrap(err, "read header length")
	}
	headerWire := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerWire); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	header, err := DecodeHeader(headerWire)
	if err != nil {
		return nil, errors.Wrap(err, "decode header")
	}

	infoWire := make([]byte, header.InfoSize)
	if _, err := io.ReadFull(r, infoWire); err != nil {
		return nil, errors.Wrap(err, "read info")
	}
	infoPlain, err := maybeOpen(infoWire, header, keypair)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt info")
	}
	info, err := DecodeInfo(infoPlain)
	if err != nil {
		return nil, errors.Wrap(err, "decode info")
	}

	chunkListWire := make([]byte, info.ChunkListSize)
	if _, err := io.ReadFull(r, chunkListWire); err != nil {
		return nil, errors.Wrap(err, "read chunk list")
	}
	chunkListPlain, err := maybeOpen(chunkListWire, header, keypair)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt chunk list")
	}
	list, err := chunk.Decode(chunkListPlain)
	if err != nil {
		return nil, errors.Wrap(err, "decode chunk list")
	}
	if uint64(len(list)) != info.ChunkCount {
		return nil, errors.Errorf("bundle %v: chunk list has %d entries, info declares %d", info.ID, len(list), info.ChunkCount)
	}

	encodedData := make([]byte, info.EncodedSize)
	if _, err := io.ReadFull(r, encodedData); err != nil {
		return nil, errors.Wrap(err, "read chunk data")
	}
	encodedData, err = maybeOpen(encodedData, header, keypair)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt chunk data")
	}

	return &Bundle{
		Header:      header,
		Info:        info,
		chunkList:   list,
		encodedData: encodedData,
		keypair:     keypair,
	}, nil
}

func maybeOpen(data []byte, header Header, keypair *crypto.Keypair) ([]byte, error) {
	if header.Encryption == nil {
		return data, nil
	}
	if keypair == nil {
		return nil, errors.New("missing secret key")
	}
	return crypto.Open(data, *keypair)
}

// ChunkList returns the bundle's chunk list.
func (b *Bundle) ChunkList() chunk.List {
	return b.chunkList
}

func (b *Bundle) ensureDecoded() error {
	if b.decoded != nil {
		return nil
	}
	if b.Info.Compression == nil {
		b.decoded = b.encodedData
		return nil
	}
	decoded, err := compress.Decompress(*b.Info.Compression, b.encodedData, b.Info.RawSize)
	if err != nil {
		return err
	}
	b.decoded = decoded
	return nil
}

// Chunk returns the decompressed bytes of chunk i, decompressing the solid
// archive on first access and caching the result for subsequent calls.
func (b *Bundle) Chunk(i int) ([]byte, error) {
	if i < 0 || i >= len(b.chunkList) {
		return nil, errors.Errorf("chunk index %d out of range [0, %d)", i, len(b.chunkList))
	}
	if err := b.ensureDecoded(); err != nil {
		return nil, err
	}

	var start uint64
	for j := 0; j < i; j++ {
		start += uint64(b.chunkList[j].Size)
	}
	end := start + uint64(b.chunkList[i].Size)
	if end > uint64(len(b.decoded)) {
		return nil, errors.Errorf("chunk %d extends beyond decoded data", i)
	}
	return b.decoded[start:end], nil
}

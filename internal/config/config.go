// Package config implements the repository configuration record described
// in §4.2/§9: a small, plaintext, structured file naming the algorithms a
// repository was created with. Unlike bundle headers, the config file is
// never encrypted, since a reader needs it before it can even locate the
// keys directory that holds the repository's encryption keys.
package config

import (
	"os"

	"github.com/dswd/zvault/internal/chunker"
	"github.com/dswd/zvault/internal/compress"
	"github.com/dswd/zvault/internal/errors"
	"github.com/dswd/zvault/internal/hash"
	"github.com/dswd/zvault/internal/wire"
)

// Defaults mirror what init uses when the caller leaves a field unset.
const (
	DefaultBundleSize = 25 << 20 // 25 MiB
	DefaultChunkSize  = 8 << 10  // 8 KiB
)

// Config is the repository's persistent configuration: the set of
// algorithms every bundle, chunk and key in the repository was produced
// with. BundleSize and Compression may be changed freely on an existing
// repository, since they only affect bundles written from now on; Chunker
// and HashMethod must not change, because doing so would partition the
// deduplication space between chunks cut or fingerprinted before and after
// the change (§4.2).
type Config struct {
	BundleSize  uint64
	Chunker     chunker.Params
	Compression *compress.Descriptor
	HashMethod  hash.Method

	// EncryptionKeyName, if non-empty, names the keypair in the
	// repository's keys directory that new bundles and backups are
	// sealed for. Empty means the repository stores everything in the
	// clear.
	EncryptionKeyName string
}

const (
	fieldConfigBundleSize    int8 = 0
	fieldConfigChunkerAlgo   int8 = 1
	fieldConfigChunkSize     int8 = 2
	fieldConfigChunkerSeed   int8 = 3
	fieldConfigCompression   int8 = 4
	fieldConfigHashMethod    int8 = 5
	fieldConfigEncryptionKey int8 = 6
)

// Encode serializes the Config using the field-numbered record encoding
// shared with every other structured file in the repository.
func (c Config) Encode() ([]byte, error) {
	w := wire.NewWriter()
	w.Field(fieldConfigBundleSize, c.BundleSize != 0, c.BundleSize)
	w.Field(fieldConfigChunkerAlgo, c.Chunker.Algorithm != chunker.Rabin, uint64(c.Chunker.Algorithm))
	w.Field(fieldConfigChunkSize, c.Chunker.TargetSize != 0, uint64(c.Chunker.TargetSize))
	w.Field(fieldConfigChunkerSeed, c.Chunker.Seed != 0, c.Chunker.Seed)
	if c.Compression != nil {
		w.Field(fieldConfigCompression, true, []uint64{uint64(c.Compression.Method), uint64(c.Compression.Level)})
	}
	w.Field(fieldConfigHashMethod, c.HashMethod != hash.Blake2, uint64(c.HashMethod))
	w.Field(fieldConfigEncryptionKey, c.EncryptionKeyName != "", c.EncryptionKeyName)
	return w.Bytes()
}

// Decode parses a Config record previously produced by Encode.
func Decode(data []byte) (Config, error) {
	c := Config{
		BundleSize: DefaultBundleSize,
		Chunker:    chunker.Params{Algorithm: chunker.Rabin, TargetSize: DefaultChunkSize},
		HashMethod: hash.Blake2,
	}
	err := decodeFields(data, func(id int8, dec *wire.Reader) error {
		switch id {
		case fieldConfigBundleSize:
			return dec.Decode(&c.BundleSize)
		case fieldConfigChunkerAlgo:
			var a uint64
			if err := dec.Decode(&a); err != nil {
				return err
			}
			c.Chunker.Algorithm = chunker.Algorithm(a)
			return nil
		case fieldConfigChunkSize:
			var s uint64
			if err := dec.Decode(&s); err != nil {
				return err
			}
			c.Chunker.TargetSize = uint32(s)
			return nil
		case fieldConfigChunkerSeed:
			return dec.Decode(&c.Chunker.Seed)
		case fieldConfigCompression:
			var pair []uint64
			if err := dec.Decode(&pair); err != nil {
				return err
			}
			if len(pair) != 2 {
				return errors.Errorf("invalid compression descriptor encoding")
			}
			c.Compression = &compress.Descriptor{Method: compress.Method(pair[0]), Level: int(pair[1])}
			return nil
		case fieldConfigHashMethod:
			var m uint64
			if err := dec.Decode(&m); err != nil {
				return err
			}
			c.HashMethod = hash.Method(m)
			return nil
		case fieldConfigEncryptionKey:
			return dec.Decode(&c.EncryptionKeyName)
		default:
			return dec.Skip()
		}
	})
	return c, err
}

func decodeFields(data []byte, visit func(id int8, dec *wire.Reader) error) error {
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

// Load reads and decodes the config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "ReadFile")
	}
	return Decode(data)
}

// Save encodes c and writes it to path by temp-file-then-rename, the same
// atomic-write pattern used for every other local repository file.
func Save(path string, c Config) error {
	data, err := c.Encode()
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errors.Wrap(err, "WriteFile")
	}
	return errors.Wrap(os.Rename(tmp, path), "Rename")
}

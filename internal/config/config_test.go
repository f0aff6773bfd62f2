package config_test

import (
	"path/filepath"
	"testing"

	"github.com/dswd/zvault/internal/chunker"
	"github.com/dswd/zvault/internal/compress"
	"github.com/dswd/zvault/internal/config"
	"github.com/dswd/zvault/internal/hash"
	rtest "github.com/dswd/zvault/internal/test"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	c := config.Config{
		BundleSize:        10 << 20,
		Chunker:           chunker.Params{Algorithm: chunker.FastCDC, TargetSize: 16 << 10, Seed: 42},
		Compression:       &compress.Descriptor{Method: compress.Brotli, Level: 3},
		HashMethod:        hash.Murmur3,
		EncryptionKeyName: "default",
	}

	data, err := c.Encode()
	rtest.OK(t, err)

	got, err := config.Decode(data)
	rtest.OK(t, err)
	rtest.Equals(t, c.BundleSize, got.BundleSize)
	rtest.Equals(t, c.Chunker, got.Chunker)
	rtest.Equals(t, *c.Compression, *got.Compression)
	rtest.Equals(t, c.HashMethod, got.HashMethod)
	rtest.Equals(t, c.EncryptionKeyName, got.EncryptionKeyName)
}

func TestDecodeAppliesDefaults(t *testing.T) {
	got, err := config.Decode([]byte{0x80}) // empty msgpack map
	rtest.OK(t, err)
	rtest.Equals(t, uint64(config.DefaultBundleSize), got.BundleSize)
	rtest.Equals(t, chunker.Rabin, got.Chunker.Algorithm)
	rtest.Equals(t, hash.Blake2, got.HashMethod)
	rtest.Equals(t, "", got.EncryptionKeyName)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(rtest.TempDir(t), "config")
	c := config.Config{BundleSize: 5 << 20, Chunker: chunker.Params{Algorithm: chunker.AE, TargetSize: 4 << 10}, HashMethod: hash.Blake2}
	rtest.OK(t, config.Save(path, c))

	got, err := config.Load(path)
	rtest.OK(t, err)
	rtest.Equals(t, c.BundleSize, got.BundleSize)
	rtest.Equals(t, c.Chunker.Algorithm, got.Chunker.Algorithm)
}

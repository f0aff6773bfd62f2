package manifest_test

import (
	"testing"
	"time"

	"github.com/dswd/zvault/internal/chunk"
	"github.com/dswd/zvault/internal/crypto"
	"github.com/dswd/zvault/internal/errors"
	"github.com/dswd/zvault/internal/hash"
	"github.com/dswd/zvault/internal/manifest"
	rtest "github.com/dswd/zvault/internal/test"
)

func TestInodeEncodeDecodeRoundtrip(t *testing.T) {
	n := manifest.Inode{
		Name:        "file.txt",
		Size:        42,
		Type:        manifest.File,
		Mode:        0o600,
		UID:         0,
		GID:         0,
		ModTime:     time.Unix(1700000000, 0).UTC(),
		DataNesting: manifest.NestingInline,
		Data:        []byte("hello world"),
		CumSize:     42,
		CumFiles:    1,
		ExtendedAttributes: []manifest.ExtendedAttribute{
			{Name: "user.comment", Value: []byte("test")},
		},
	}

	wire, err := n.Encode()
	rtest.OK(t, err)

	got, err := manifest.DecodeInode(wire)
	rtest.OK(t, err)
	rtest.Equals(t, n.Name, got.Name)
	rtest.Equals(t, n.Size, got.Size)
	rtest.Equals(t, n.Mode, got.Mode)
	rtest.Equals(t, n.Data, got.Data)
	rtest.Equals(t, n.ModTime, got.ModTime)
	rtest.Equals(t, 1, len(got.ExtendedAttributes))
	rtest.Equals(t, "user.comment", got.ExtendedAttributes[0].Name)
}

func TestInodeDefaultsOmittedOnEncode(t *testing.T) {
	n := manifest.Inode{Name: "x", Mode: manifest.DefaultMode, UID: manifest.DefaultUID, GID: manifest.DefaultGID}
	wire, err := n.Encode()
	rtest.OK(t, err)

	got, err := manifest.DecodeInode(wire)
	rtest.OK(t, err)
	rtest.Equals(t, uint32(manifest.DefaultMode), got.Mode)
	rtest.Equals(t, uint32(manifest.DefaultUID), got.UID)
	rtest.Equals(t, uint32(manifest.DefaultGID), got.GID)
	rtest.Equals(t, manifest.File, got.Type)
}

func TestDirectoryChildrenRoundtrip(t *testing.T) {
	childRef := chunk.List{{Fingerprint: fingerprint(1), Size: 10}}.Encode()
	dir := manifest.Inode{
		Name: "dir",
		Type: manifest.Directory,
		Children: map[string][]byte{
			"a.txt": childRef,
			"b.txt": childRef,
		},
		CumDirs:  1,
		CumFiles: 2,
	}

	wire, err := dir.Encode()
	rtest.OK(t, err)

	got, err := manifest.DecodeInode(wire)
	rtest.OK(t, err)
	rtest.Equals(t, 2, len(got.Children))
	list, err := got.ChildChunkList("a.txt")
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(list))
}

type fakeChunkSource struct {
	chunks map[chunk.Fingerprint][]byte
}

func (s fakeChunkSource) GetChunk(fp chunk.Fingerprint) ([]byte, error) {
	data, ok := s.chunks[fp]
	if !ok {
		return nil, errors.New("no such chunk")
	}
	return data, nil
}

func fingerprint(b byte) chunk.Fingerprint {
	var fp chunk.Fingerprint
	fp[0] = b
	return fp
}

func TestResolveInlineData(t *testing.T) {
	n := manifest.Inode{DataNesting: manifest.NestingInline, Data: []byte("abc")}
	data, err := n.Resolve(fakeChunkSource{})
	rtest.OK(t, err)
	rtest.Equals(t, []byte("abc"), data)
}

func TestResolveDirectChunkList(t *testing.T) {
	fp1, err := chunk.Compute(hash.Blake2, []byte("hello "))
	rtest.OK(t, err)
	fp2, err := chunk.Compute(hash.Blake2, []byte("world"))
	rtest.OK(t, err)

	src := fakeChunkSource{chunks: map[chunk.Fingerprint][]byte{
		fp1: []byte("hello "),
		fp2: []byte("world"),
	}}

	list := chunk.List{
		{Fingerprint: fp1, Size: 6},
		{Fingerprint: fp2, Size: 5},
	}
	n := manifest.Inode{DataNesting: manifest.NestingChunks, Data: list.Encode()}

	data, err := n.Resolve(src)
	rtest.OK(t, err)
	rtest.Equals(t, []byte("hello world"), data)
}

func TestResolveNestedChunkList(t *testing.T) {
	fp1, err := chunk.Compute(hash.Blake2, []byte("foo"))
	rtest.OK(t, err)
	fp2, err := chunk.Compute(hash.Blake2, []byte("bar"))
	rtest.OK(t, err)

	innerList := chunk.List{
		{Fingerprint: fp1, Size: 3},
		{Fingerprint: fp2, Size: 3},
	}
	innerWire := innerList.Encode()
	metaFP, err := chunk.Compute(hash.Blake2, innerWire)
	rtest.OK(t, err)

	src := fakeChunkSource{chunks: map[chunk.Fingerprint][]byte{
		fp1:    []byte("foo"),
		fp2:    []byte("bar"),
		metaFP: innerWire,
	}}

	outer := chunk.List{{Fingerprint: metaFP, Size: uint32(len(innerWire))}}
	n := manifest.Inode{DataNesting: manifest.NestingChunksOfChunks, Data: outer.Encode()}

	data, err := n.Resolve(src)
	rtest.OK(t, err)
	rtest.Equals(t, []byte("foobar"), data)
}

func TestBackupEncodeDecodeRoundtrip(t *testing.T) {
	root := chunk.List{{Fingerprint: fingerprint(7), Size: 99}}
	b := manifest.Backup{
		Root:          root,
		TotalDataSize: 1024,
		BundleCount:   2,
		ChunkCount:    5,
		StartTime:     time.Unix(1700000000, 0).UTC(),
		Duration:      5 * time.Second,
		FileCount:     3,
		DirCount:      1,
		Host:          "example",
		Path:          "/home/user",
	}

	data, err := manifest.EncodeFile(b, nil)
	rtest.OK(t, err)

	got, err := manifest.DecodeFile(data, nil)
	rtest.OK(t, err)
	rtest.Equals(t, b.TotalDataSize, got.TotalDataSize)
	rtest.Equals(t, b.BundleCount, got.BundleCount)
	rtest.Equals(t, b.Host, got.Host)
	rtest.Equals(t, b.Path, got.Path)
	rtest.Equals(t, b.StartTime, got.StartTime)
	rtest.Equals(t, b.Duration, got.Duration)
	rtest.Equals(t, 1, len(got.Root))
	rtest.Equals(t, root[0].Fingerprint, got.Root[0].Fingerprint)
}

func TestBackupEncryptedRoundtrip(t *testing.T) {
	kp, err := crypto.GenerateKeypair()
	rtest.OK(t, err)

	b := manifest.Backup{Host: "secrethost"}
	data, err := manifest.EncodeFile(b, &kp.Public)
	rtest.OK(t, err)

	_, err = manifest.DecodeFile(data, nil)
	rtest.Assert(t, err != nil, "expected decode without keypair to fail")

	got, err := manifest.DecodeFile(data, kp)
	rtest.OK(t, err)
	rtest.Equals(t, "secrethost", got.Host)
}

func TestDecodeFileRejectsBadMagic(t *testing.T) {
	_, err := manifest.DecodeFile([]byte("not a backup file at all"), nil)
	rtest.Assert(t, err != nil, "expected bad magic to be rejected")
}

// Package manifest implements the backup manifest described in §4.7: the
// recursive inode tree that describes a backed-up filesystem, and the
// small Backup record that anchors one backup to its root. Both use the
// same field-numbered record encoding as internal/bundle, so that new
// fields can be added without breaking old readers (internal/wire).
package manifest

import (
	"time"

	"github.com/dswd/zvault/internal/chunk"
	"github.com/dswd/zvault/internal/errors"
	"github.com/dswd/zvault/internal/wire"
)

// FileType classifies what kind of filesystem entry an Inode describes.
type FileType uint64

const (
	File FileType = iota
	Directory
	Symlink
	BlockDevice
	CharDevice
	NamedPipe
)

func (t FileType) String() string {
	switch t {
	case Directory:
		return "directory"
	case Symlink:
		return "symlink"
	case BlockDevice:
		return "block device"
	case CharDevice:
		return "char device"
	case NamedPipe:
		return "named pipe"
	default:
		return "file"
	}
}

// Nesting describes how Inode.Data should be interpreted.
type Nesting int

const (
	// NestingInline means Data is the file's literal content, used for
	// files small enough that a chunk-list reference would cost more
	// than the data itself (under ~128 bytes).
	NestingInline Nesting = 0
	// NestingChunks means Data is an encoded chunk.List pointing
	// directly at the file's data chunks.
	NestingChunks Nesting = 1
	// NestingChunksOfChunks means Data is an encoded chunk.List whose
	// entries each reference a meta chunk holding a further encoded
	// chunk.List (interpreted as NestingChunks), used for files whose
	// direct chunk list would otherwise be too large to keep inline in
	// the parent directory's encoding.
	NestingChunksOfChunks Nesting = 2
)

// DefaultMode and DefaultOwner are substituted for inodes that do not
// record this information, e.g. because the source filesystem has no
// concept of POSIX permissions or ownership.
const (
	DefaultMode = 0o644
	DefaultUID  = 1000
	DefaultGID  = 1000
)

// ExtendedAttribute is one extended-attribute (xattr) name/value pair
// attached to an Inode.
type ExtendedAttribute struct {
	Name  string
	Value []byte
}

// Inode describes one filesystem entry: a file, directory, symlink or
// special file. Directories record their entries via Children, a map from
// child name to the encoded chunk.List bytes that reference the child
// Inode's own encoded form; there are no parent pointers, so the tree is
// acyclic by construction (§9, "cyclic inode graphs").
type Inode struct {
	Name    string
	Size    uint64
	Type    FileType
	Mode    uint32
	UID     uint32
	GID     uint32
	User    string
	Group   string
	ModTime time.Time

	// SymlinkTarget is set only when Type == Symlink.
	SymlinkTarget string

	// DeviceMajor and DeviceMinor are set only for BlockDevice and
	// CharDevice entries.
	DeviceMajor uint32
	DeviceMinor uint32

	// DataNesting and Data together describe the file's content, per
	// the collapse rule in §4.7. Data is unset for directories and
	// other non-regular entries.
	DataNesting Nesting
	Data        []byte

	// Children maps a directory entry's name to the encoded chunk.List
	// that references that child Inode's own encoded bytes. Unset for
	// non-directory entries.
	Children map[string][]byte

	// CumSize, CumDirs and CumFiles are cumulative statistics over the
	// subtree rooted at this Inode (itself included for Dirs/Files).
	CumSize  uint64
	CumDirs  uint64
	CumFiles uint64

	ExtendedAttributes []ExtendedAttribute
}

const (
	fieldInodeName        int8 = 0
	fieldInodeSize        int8 = 1
	fieldInodeType        int8 = 2
	fieldInodeMode        int8 = 3
	fieldInodeUID         int8 = 4
	fieldInodeGID         int8 = 5
	fieldInodeUser        int8 = 6
	fieldInodeGroup       int8 = 7
	fieldInodeModTime     int8 = 8
	fieldInodeSymlink     int8 = 9
	fieldInodeDeviceMajor int8 = 10
	fieldInodeDeviceMinor int8 = 11
	fieldInodeNesting     int8 = 12
	fieldInodeData        int8 = 13
	fieldInodeChildren    int8 = 14
	fieldInodeCumSize     int8 = 15
	fieldInodeCumDirs     int8 = 16
	fieldInodeCumFiles    int8 = 17
	fieldInodeXAttrs      int8 = 18
)

// Encode serializes the Inode, omitting fields that hold their default
// value, in ascending field id order. A zero Mode, UID or GID is omitted
// as well, so it decodes as DefaultMode, DefaultUID or DefaultGID.
func (n Inode) Encode() ([]byte, error) {
	w := wire.NewWriter()
	w.Field(fieldInodeName, n.Name != "", n.Name)
	w.Field(fieldInodeSize, n.Size != 0, n.Size)
	w.Field(fieldInodeType, n.Type != File, uint64(n.Type))
	w.Field(fieldInodeMode, n.Mode != 0 && n.Mode != DefaultMode, n.Mode)
	w.Field(fieldInodeUID, n.UID != 0 && n.UID != DefaultUID, n.UID)
	w.Field(fieldInodeGID, n.GID != 0 && n.GID != DefaultGID, n.GID)
	w.Field(fieldInodeUser, n.User != "", n.User)
	w.Field(fieldInodeGroup, n.Group != "", n.Group)
	w.Field(fieldInodeModTime, !n.ModTime.IsZero(), n.ModTime.UnixNano())
	w.Field(fieldInodeSymlink, n.SymlinkTarget != "", n.SymlinkTarget)
	w.Field(fieldInodeDeviceMajor, n.DeviceMajor != 0, n.DeviceMajor)
	w.Field(fieldInodeDeviceMinor, n.DeviceMinor != 0, n.DeviceMinor)
	w.Field(fieldInodeNesting, n.DataNesting != NestingInline || len(n.Data) > 0, uint64(n.DataNesting))
	w.Field(fieldInodeData, len(n.Data) > 0, n.Data)
	if len(n.Children) > 0 {
		names := make([]string, 0, len(n.Children))
		for name := range n.Children {
			names = append(names, name)
		}
		sortStrings(names)
		refs := make([][]byte, len(names))
		for i, name := range names {
			refs[i] = n.Children[name]
		}
		w.Field(fieldInodeChildren, true, childrenRecord{Names: names, Refs: refs})
	}
	w.Field(fieldInodeCumSize, n.CumSize != 0, n.CumSize)
	w.Field(fieldInodeCumDirs, n.CumDirs != 0, n.CumDirs)
	w.Field(fieldInodeCumFiles, n.CumFiles != 0, n.CumFiles)
	if len(n.ExtendedAttributes) > 0 {
		names := make([]string, len(n.ExtendedAttributes))
		values := make([][]byte, len(n.ExtendedAttributes))
		for i, xa := range n.ExtendedAttributes {
			names[i] = xa.Name
			values[i] = xa.Value
		}
		w.Field(fieldInodeXAttrs, true, xattrRecord{Names: names, Values: values})
	}
	return w.Bytes()
}

// childrenRecord and xattrRecord give msgpack two parallel slices to
// encode instead of a map or struct slice, keeping the wire encoding
// independent of Go map iteration order and of ExtendedAttribute's field
// layout.
type childrenRecord struct {
	Names []string
	Refs  [][]byte
}

type xattrRecord struct {
	Names  []string
	Values [][]byte
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// DecodeInode parses an Inode previously produced by Encode.
func DecodeInode(data []byte) (Inode, error) {
	n := Inode{Type: File, Mode: DefaultMode, UID: DefaultUID, GID: DefaultGID}
	err := decodeFields(data, func(id int8, dec *wire.Reader) error {
		switch id {
		case fieldInodeName:
			return dec.Decode(&n.Name)
		case fieldInodeSize:
			return dec.Decode(&n.Size)
		case fieldInodeType:
			var t uint64
			if err := dec.Decode(&t); err != nil {
				return err
			}
			n.Type = FileType(t)
			return nil
		case fieldInodeMode:
			return dec.Decode(&n.Mode)
		case fieldInodeUID:
			return dec.Decode(&n.UID)
		case fieldInodeGID:
			return dec.Decode(&n.GID)
		case fieldInodeUser:
			return dec.Decode(&n.User)
		case fieldInodeGroup:
			return dec.Decode(&n.Group)
		case fieldInodeModTime:
			var nanos int64
			if err := dec.Decode(&nanos); err != nil {
				return err
			}
			n.ModTime = time.Unix(0, nanos).UTC()
			return nil
		case fieldInodeSymlink:
			return dec.Decode(&n.SymlinkTarget)
		case fieldInodeDeviceMajor:
			return dec.Decode(&n.DeviceMajor)
		case fieldInodeDeviceMinor:
			return dec.Decode(&n.DeviceMinor)
		case fieldInodeNesting:
			var v uint64
			if err := dec.Decode(&v); err != nil {
				return err
			}
			n.DataNesting = Nesting(v)
			return nil
		case fieldInodeData:
			return dec.Decode(&n.Data)
		case fieldInodeChildren:
			var rec childrenRecord
			if err := dec.Decode(&rec); err != nil {
				return err
			}
			if len(rec.Names) != len(rec.Refs) {
				return errors.Errorf("inode children record has mismatched name/ref counts")
			}
			n.Children = make(map[string][]byte, len(rec.Names))
			for i, name := range rec.Names {
				n.Children[name] = rec.Refs[i]
			}
			return nil
		case fieldInodeCumSize:
			return dec.Decode(&n.CumSize)
		case fieldInodeCumDirs:
			return dec.Decode(&n.CumDirs)
		case fieldInodeCumFiles:
			return dec.Decode(&n.CumFiles)
		case fieldInodeXAttrs:
			var rec xattrRecord
			if err := dec.Decode(&rec); err != nil {
				return err
			}
			if len(rec.Names) != len(rec.Values) {
				return errors.Errorf("inode xattr record has mismatched name/value counts")
			}
			n.ExtendedAttributes = make([]ExtendedAttribute, len(rec.Names))
			for i, name := range rec.Names {
				n.ExtendedAttributes[i] = ExtendedAttribute{Name: name, Value: rec.Values[i]}
			}
			return nil
		default:
			return dec.Skip()
		}
	})
	return n, err
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

// ChunkSource fetches the decoded content of a data chunk by fingerprint,
// used to resolve an Inode's file content or a directory's children.
type ChunkSource interface {
	GetChunk(fp chunk.Fingerprint) ([]byte, error)
}

// Resolve reconstructs the literal byte content described by n's
// DataNesting and Data, following the collapse rule in §4.7: level 0 is
// inline content, level 1 is a direct chunk list, and level 2 is a chunk
// list of meta chunks that each hold a further, level-1 chunk list.
func (n Inode) Resolve(src ChunkSource) ([]byte, error) {
	switch n.DataNesting {
	case NestingInline:
		return append([]byte(nil), n.Data...), nil
	case NestingChunks:
		list, err := chunk.Decode(n.Data)
		if err != nil {
			return nil, err
		}
		return resolveChunkList(src, list)
	case NestingChunksOfChunks:
		outer, err := chunk.Decode(n.Data)
		if err != nil {
			return nil, err
		}
		var out []byte
		for _, e := range outer {
			raw, err := src.GetChunk(e.Fingerprint)
			if err != nil {
				return nil, err
			}
			inner, err := chunk.Decode(raw)
			if err != nil {
				return nil, err
			}
			data, err := resolveChunkList(src, inner)
			if err != nil {
				return nil, err
			}
			out = append(out, data...)
		}
		return out, nil
	default:
		return nil, errors.Errorf("inode has unsupported data nesting level %d", n.DataNesting)
	}
}

func resolveChunkList(src ChunkSource, list chunk.List) ([]byte, error) {
	var out []byte
	for _, e := range list {
		data, err := src.GetChunk(e.Fingerprint)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

// ChildChunkList decodes the chunk.List referencing one named child,
// for callers that want to recurse without reimplementing the lookup.
func (n Inode) ChildChunkList(name string) (chunk.List, error) {
	ref, ok := n.Children[name]
	if !ok {
		return nil, errors.Errorf("no such child %q", name)
	}
	return chunk.Decode(ref)
}

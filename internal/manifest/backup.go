package manifest

import (
	"time"

	"github.com/dswd/zvault/internal/chunk"
	"github.com/dswd/zvault/internal/crypto"
	"github.com/dswd/zvault/internal/errors"
	"github.com/dswd/zvault/internal/wire"
)

// FileTypeBackup distinguishes a backup file from a bundle file, both of
// which share the first 6 bytes of magic ("zvault") (§4.7).
const FileTypeBackup byte = 0x03

// FormatVersion is the only backup file version understood by this
// implementation.
const FormatVersion byte = 0x01

// Magic is the fixed 8-byte prefix of every backup file.
var Magic = [8]byte{'z', 'v', 'a', 'u', 'l', 't', FileTypeBackup, FormatVersion}

// Backup is the small record anchoring one backup run: where its root
// inode lives and the statistics gathered while producing it (§3, §4.7).
// It is persisted as its own file outside the bundle store, so that
// listing or removing backups never has to touch the remote.
type Backup struct {
	// Root is the encoded chunk.List pointing at the root Inode's own
	// encoded bytes.
	Root chunk.List

	TotalDataSize        uint64
	DeduplicatedDataSize uint64
	EncodedDataSize      uint64
	BundleCount          uint64
	ChunkCount           uint64
	AvgChunkSize         uint64

	StartTime time.Time
	Duration  time.Duration

	FileCount uint64
	DirCount  uint64

	Host string
	Path string

	// Config is the wire-encoded repository configuration in effect
	// when this backup was written, kept so that old backups remain
	// self-describing even if the repository's live config later
	// changes (§4.2).
	Config []byte
}

const (
	fieldBackupRoot                 int8 = 0
	fieldBackupTotalDataSize        int8 = 1
	fieldBackupDeduplicatedDataSize int8 = 2
	fieldBackupEncodedDataSize      int8 = 3
	fieldBackupBundleCount          int8 = 4
	fieldBackupChunkCount           int8 = 5
	fieldBackupAvgChunkSize         int8 = 6
	fieldBackupStartTime            int8 = 7
	fieldBackupDuration             int8 = 8
	fieldBackupFileCount            int8 = 9
	fieldBackupDirCount             int8 = 10
	fieldBackupHost                 int8 = 11
	fieldBackupPath                 int8 = 12
	fieldBackupConfig               int8 = 13
)

// Encode serializes the Backup record, omitting default-valued fields.
func (b Backup) Encode() ([]byte, error) {
	w := wire.NewWriter()
	w.Field(fieldBackupRoot, len(b.Root) > 0, b.Root.Encode())
	w.Field(fieldBackupTotalDataSize, b.TotalDataSize != 0, b.TotalDataSize)
	w.Field(fieldBackupDeduplicatedDataSize, b.DeduplicatedDataSize != 0, b.DeduplicatedDataSize)
	w.Field(fieldBackupEncodedDataSize, b.EncodedDataSize != 0, b.EncodedDataSize)
	w.Field(fieldBackupBundleCount, b.BundleCount != 0, b.BundleCount)
	w.Field(fieldBackupChunkCount, b.ChunkCount != 0, b.ChunkCount)
	w.Field(fieldBackupAvgChunkSize, b.AvgChunkSize != 0, b.AvgChunkSize)
	w.Field(fieldBackupStartTime, !b.StartTime.IsZero(), b.StartTime.UnixNano())
	w.Field(fieldBackupDuration, b.Duration != 0, int64(b.Duration))
	w.Field(fieldBackupFileCount, b.FileCount != 0, b.FileCount)
	w.Field(fieldBackupDirCount, b.DirCount != 0, b.DirCount)
	w.Field(fieldBackupHost, b.Host != "", b.Host)
	w.Field(fieldBackupPath, b.Path != "", b.Path)
	w.Field(fieldBackupConfig, len(b.Config) > 0, b.Config)
	return w.Bytes()
}

// DecodeBackup parses a Backup record previously produced by Encode.
func DecodeBackup(data []byte) (Backup, error) {
	var b Backup
	err := decodeFields(data, func(id int8, dec *wire.Reader) error {
		switch id {
		case fieldBackupRoot:
			var raw []byte
			if err := dec.Decode(&raw); err != nil {
				return err
			}
			list, err := chunk.Decode(raw)
			if err != nil {
				return err
			}
			b.Root = list
			return nil
		case fieldBackupTotalDataSize:
			return dec.Decode(&b.TotalDataSize)
		case fieldBackupDeduplicatedDataSize:
			return dec.Decode(&b.DeduplicatedDataSize)
		case fieldBackupEncodedDataSize:
			return dec.Decode(&b.EncodedDataSize)
		case fieldBackupBundleCount:
			return dec.Decode(&b.BundleCount)
		case fieldBackupChunkCount:
			return dec.Decode(&b.ChunkCount)
		case fieldBackupAvgChunkSize:
			return dec.Decode(&b.AvgChunkSize)
		case fieldBackupStartTime:
			var nanos int64
			if err := dec.Decode(&nanos); err != nil {
				return err
			}
			b.StartTime = time.Unix(0, nanos).UTC()
			return nil
		case fieldBackupDuration:
			var nanos int64
			if err := dec.Decode(&nanos); err != nil {
				return err
			}
			b.Duration = time.Duration(nanos)
			return nil
		case fieldBackupFileCount:
			return dec.Decode(&b.FileCount)
		case fieldBackupDirCount:
			return dec.Decode(&b.DirCount)
		case fieldBackupHost:
			return dec.Decode(&b.Host)
		case fieldBackupPath:
			return dec.Decode(&b.Path)
		case fieldBackupConfig:
			return dec.Decode(&b.Config)
		default:
			return dec.Skip()
		}
	})
	return b, err
}

// Header is the small, unencrypted part of a backup file naming the
// encryption method of the Backup record that follows it, mirroring
// bundle.Header.
type Header struct {
	Encryption *crypto.PublicKey
}

const fieldBackupHeaderEncryptionKey int8 = 0

// Encode serializes the Header.
func (h Header) Encode() ([]byte, error) {
	w := wire.NewWriter()
	if h.Encryption != nil {
		w.Field(fieldBackupHeaderEncryptionKey, true, h.Encryption[:])
	}
	return w.Bytes()
}

// DecodeHeader parses a Header previously produced by Encode.
func DecodeHeader(data []byte) (Header, error) {
	var h Header
	err := decodeFields(data, func(id int8, dec *wire.Reader) error {
		switch id {
		case fieldBackupHeaderEncryptionKey:
			var raw []byte
			if err := dec.Decode(&raw); err != nil {
				return err
			}
			var key crypto.PublicKey
			copy(key[:], raw)
			h.Encryption = &key
			return nil
		default:
			return dec.Skip()
		}
	})
	return h, err
}

// EncodeFile lays out a complete backup file: magic, a length-prefixed
// Header, then the Backup record, sealed for recipient if given.
func EncodeFile(b Backup, recipient *crypto.PublicKey) ([]byte, error) {
	backupWire, err := b.Encode()
	if err != nil {
		return nil, err
	}

	header := Header{}
	if recipient != nil {
		header.Encryption = recipient
		backupWire, err = crypto.Seal(backupWire, *recipient)
		if err != nil {
			return nil, err
		}
	}
	headerWire, err := header.Encode()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(Magic)+4+len(headerWire)+len(backupWire))
	buf = append(buf, Magic[:]...)
	buf = appendUint32(buf, uint32(len(headerWire)))
	buf = append(buf, headerWire...)
	buf = append(buf, backupWire...)
	return buf, nil
}

// DecodeFile parses a complete backup file produced by EncodeFile. keypair
// is required only if the file's header says the Backup record is
// encrypted.
func DecodeFile(data []byte, keypair *crypto.Keypair) (Backup, error) {
	if len(data) < len(Magic)+4 {
		return Backup{}, errors.Errorf("backup file too short")
	}
	if [8]byte(data[:8]) != Magic {
		return Backup{}, errors.Errorf("not a zvault backup file")
	}
	data = data[8:]

	headerSize := readUint32(data)
	data = data[4:]
	if uint32(len(data)) < headerSize {
		return Backup{}, errors.Errorf("backup file truncated in header")
	}
	header, err := DecodeHeader(data[:headerSize])
	if err != nil {
		return Backup{}, err
	}
	data = data[headerSize:]

	if header.Encryption != nil {
		if keypair == nil {
			return Backup{}, errors.Errorf("backup is encrypted but no keypair was given")
		}
		data, err = crypto.Open(data, *keypair)
		if err != nil {
			return Backup{}, err
		}
	}
	return DecodeBackup(data)
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func readUint32(data []byte) uint32 {
	return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
}

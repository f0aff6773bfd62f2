package repository

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dswd/zvault/internal/bundle"
	"github.com/dswd/zvault/internal/chunk"
	"github.com/dswd/zvault/internal/chunker"
	"github.com/dswd/zvault/internal/errors"
	"github.com/dswd/zvault/internal/manifest"
)

// DirEntry is one node of the in-memory tree handed to PutBackup: a
// directory with Children, or a regular/special file with literal
// Content. The caller is responsible for walking the real filesystem (or
// whatever source a backup run is pulling from) and building this tree;
// the repository engine only knows how to turn it into chunks and inodes.
type DirEntry struct {
	Inode    manifest.Inode
	Content  []byte
	Children []DirEntry
}

// PutBackup implements §4.8's put_backup: encode root's tree recursively,
// writing each inode's own bytes as meta chunks and each file's content as
// data chunks (content at or below inlineThreshold is stored in the inode
// instead), until a root chunk-list exists, then write the resulting
// Backup record to backups/<name>.backup by temp+rename.
func (r *Repository) PutBackup(name string, root DirEntry, host, path string) error {
	start := time.Now()

	r.mu.Lock()
	sealedBefore := r.sealedBundles
	r.mu.Unlock()

	rootList, stats, err := r.encodeTree(root)
	if err != nil {
		return err
	}
	if err := r.Flush(); err != nil {
		return err
	}

	cfgWire, err := r.cfg.Encode()
	if err != nil {
		return err
	}

	r.mu.Lock()
	bundleCount := r.sealedBundles - sealedBefore
	r.mu.Unlock()

	var avgChunkSize uint64
	if stats.chunks > 0 {
		avgChunkSize = stats.totalSize / stats.chunks
	}

	backup := manifest.Backup{
		Root:                 rootList,
		TotalDataSize:        stats.totalSize,
		DeduplicatedDataSize: stats.newSize,
		BundleCount:          bundleCount,
		ChunkCount:           stats.chunks,
		AvgChunkSize:         avgChunkSize,
		StartTime:            start,
		Duration:             time.Since(start),
		FileCount:            stats.files,
		DirCount:             stats.dirs,
		Host:                 host,
		Path:                 path,
		Config:               cfgWire,
	}

	data, err := manifest.EncodeFile(backup, r.encryptionKey())
	if err != nil {
		return err
	}
	return writeBackupFile(r.layout.BackupsDir(), name, data)
}

// GetBackup implements §4.8's get_backup: read and decrypt the backup
// file, exposing its root chunk-list for the caller to walk via
// ChunkSource/Inode.Resolve.
func (r *Repository) GetBackup(name string) (manifest.Backup, error) {
	data, err := os.ReadFile(backupPath(r.layout.BackupsDir(), name))
	if err != nil {
		return manifest.Backup{}, errors.Wrap(err, "ReadFile")
	}
	return manifest.DecodeFile(data, r.keys)
}

// GetInode decodes the inode referenced by list, the entry point for
// walking a backup's tree starting from its Backup.Root.
func (r *Repository) GetInode(list chunk.List) (manifest.Inode, error) {
	var data []byte
	for _, e := range list {
		piece, err := r.GetChunk(e.Fingerprint)
		if err != nil {
			return manifest.Inode{}, err
		}
		data = append(data, piece...)
	}
	return manifest.DecodeInode(data)
}

// ResolveInode reconstructs the literal file content n.Data describes,
// per the nesting rule in §4.7.
func (r *Repository) ResolveInode(n manifest.Inode) ([]byte, error) {
	return n.Resolve(chunkSource{repo: r})
}

// PruneBackup implements §4.8's prune_backup: delete the backup file.
// Chunks it referenced are not reclaimed here; that is vacuum's job.
func (r *Repository) PruneBackup(name string) error {
	err := os.Remove(backupPath(r.layout.BackupsDir(), name))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "Remove")
	}
	return nil
}

// ListBackups returns the names of every backup file in the repository.
func (r *Repository) ListBackups() ([]string, error) {
	entries, err := os.ReadDir(r.layout.BackupsDir())
	if err != nil {
		return nil, errors.Wrap(err, "ReadDir")
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const suffix = ".backup"
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			names = append(names, name[:len(name)-len(suffix)])
		}
	}
	return names, nil
}

func backupPath(dir, name string) string {
	return filepath.Join(dir, name+".backup")
}

func writeBackupFile(dir, name string, data []byte) error {
	path := backupPath(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errors.Wrap(err, "WriteFile")
	}
	return errors.Wrap(os.Rename(tmp, path), "Rename")
}

// treeStats accumulates the cumulative statistics a Backup record reports,
// and the per-subtree CumSize/CumDirs/CumFiles stored on each directory
// Inode.
type treeStats struct {
	totalSize uint64
	newSize   uint64
	chunks    uint64
	dirs      uint64
	files     uint64
}

func (s *treeStats) add(other treeStats) {
	s.totalSize += other.totalSize
	s.newSize += other.newSize
	s.chunks += other.chunks
	s.dirs += other.dirs
	s.files += other.files
}

// encodeTree recursively turns e into chunks and inodes, returning the
// chunk-list that references e's own encoded Inode bytes, ready to be
// stored in a parent's Children map or, for the root, in Backup.Root.
func (r *Repository) encodeTree(e DirEntry) (chunk.List, treeStats, error) {
	n := e.Inode
	var stats treeStats

	if n.Type == manifest.Directory {
		if len(e.Children) > 0 {
			n.Children = make(map[string][]byte, len(e.Children))
		}
		for _, child := range e.Children {
			childList, childStats, err := r.encodeTree(child)
			if err != nil {
				return nil, treeStats{}, err
			}
			n.Children[child.Inode.Name] = childList.Encode()
			stats.add(childStats)
		}
		n.CumSize, n.CumDirs, n.CumFiles = stats.totalSize, stats.dirs+1, stats.files
		stats.dirs++
	} else {
		// Content small enough to be stored inline is not chunked, so that
		// no data chunk is left without a reference.
		var list chunk.List
		var newSize uint64
		var err error
		if len(e.Content) > inlineThreshold {
			list, newSize, err = r.chunkData(e.Content)
			if err != nil {
				return nil, treeStats{}, err
			}
		}
		n.Size = uint64(len(e.Content))
		n.DataNesting, n.Data, err = r.collapseChunkList(list, e.Content)
		if err != nil {
			return nil, treeStats{}, err
		}
		n.CumSize, n.CumDirs, n.CumFiles = n.Size, 0, 1
		stats.totalSize = n.Size
		stats.newSize = newSize
		stats.chunks += uint64(len(list))
		stats.files = 1
	}

	encoded, err := n.Encode()
	if err != nil {
		return nil, treeStats{}, err
	}
	metaList, newMetaSize, err := r.chunkInto(encoded, bundle.Meta)
	if err != nil {
		return nil, treeStats{}, err
	}
	stats.newSize += newMetaSize
	stats.chunks += uint64(len(metaList))
	return metaList, stats, nil
}

// collapseChunkList picks the nesting level a file's content should use
// per §4.7: inline for content at or below inlineThreshold, a direct
// chunk list when it fits within chunkListInlineLimit once encoded, and
// otherwise a chunk list of chunk lists.
func (r *Repository) collapseChunkList(list chunk.List, content []byte) (manifest.Nesting, []byte, error) {
	if len(content) <= inlineThreshold {
		return manifest.NestingInline, append([]byte(nil), content...), nil
	}
	encoded := list.Encode()
	if len(encoded) <= chunkListInlineLimit {
		return manifest.NestingChunks, encoded, nil
	}
	outer, err := r.chunkListOfChunks(list)
	if err != nil {
		return 0, nil, err
	}
	return manifest.NestingChunksOfChunks, outer.Encode(), nil
}

// chunkListOfChunks splits list into groups that each fit within
// chunkListInlineLimit once encoded, stores each group as one meta chunk,
// and returns the outer chunk-list referencing those meta chunks.
func (r *Repository) chunkListOfChunks(list chunk.List) (chunk.List, error) {
	groupSize := chunkListInlineLimit / chunk.EntrySize
	if groupSize < 1 {
		groupSize = 1
	}
	var outer chunk.List
	for i := 0; i < len(list); i += groupSize {
		end := i + groupSize
		if end > len(list) {
			end = len(list)
		}
		group := list[i:end]
		encoded := group.Encode()
		fp, _, err := r.addCountedChunk(encoded, bundle.Meta)
		if err != nil {
			return nil, err
		}
		outer = append(outer, chunk.Entry{Fingerprint: fp, Size: uint32(len(encoded))})
	}
	return outer, nil
}

// chunkData splits raw file content into content-defined chunks and
// stores each one as a data chunk, returning the resulting chunk-list and
// the total size of chunks that were newly stored rather than deduped.
func (r *Repository) chunkData(content []byte) (chunk.List, uint64, error) {
	return r.chunkInto(content, bundle.Data)
}

// chunkInto splits data into content-defined chunks via the repository's
// configured chunker and stores each one in mode's bundle stream,
// returning the resulting chunk-list and the total size of newly stored
// chunks.
func (r *Repository) chunkInto(data []byte, mode bundle.Mode) (chunk.List, uint64, error) {
	if len(data) == 0 {
		return nil, 0, nil
	}
	c, err := chunker.New(bytes.NewReader(data), chunkerParams(r.cfg))
	if err != nil {
		return nil, 0, err
	}

	var list chunk.List
	var newSize uint64
	for {
		piece, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		fp, isNew, err := r.addCountedChunk(piece, mode)
		if err != nil {
			return nil, 0, err
		}
		if isNew {
			newSize += uint64(len(piece))
		}
		list = append(list, chunk.Entry{Fingerprint: fp, Size: uint32(len(piece))})
	}
	return list, newSize, nil
}

// addCountedChunk calls AddChunk and additionally reports whether the
// chunk was new to the repository, for the statistics recorded on the
// resulting Backup. The membership check is best-effort and not meant to
// be exact under concurrent writers; it only feeds reporting, never
// deduplication itself, which AddChunk still enforces on its own.
func (r *Repository) addCountedChunk(data []byte, mode bundle.Mode) (chunk.Fingerprint, bool, error) {
	fp, err := chunk.Compute(r.cfg.HashMethod, data)
	if err != nil {
		return fp, false, err
	}
	r.mu.Lock()
	isNew := !r.idx.Contains(fp) && !r.pending[fp]
	r.mu.Unlock()

	fp, err = r.AddChunk(data, mode)
	return fp, isNew, err
}

package index

// mapping is the platform's view of a memory-mapped file: a byte slice
// backed directly by the file's pages on unix, and a plain in-memory copy
// flushed back to disk on sync elsewhere. The rest of the package only ever
// touches the returned []byte, so growth and shrink rewrite the table
// without caring which implementation is active.
type mapping interface {
	bytes() []byte
	sync() error
	close() error
}

package sim

import (
	"bytes"
	"io"
	"os"
	"sync"
)

// Storage is the backing store of an emulated flash array, including any
// spare areas.
type Storage interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the storage size in bytes.
	Size() (int64, error)
}

// MemStorage is storage backed by a byte slice.
type MemStorage struct {
	Bytes []byte
}

// FileStorage is storage backed by a file, so the flash contents persist
// across runs.
type FileStorage struct {
	File *os.File
}

// SparseStorage is in-memory storage that only allocates chunks that have
// been written. Unwritten bytes read as 0xff, like erased flash.
type SparseStorage struct {
	mu     sync.Mutex
	size   int64
	chunks map[int64][]byte
}

const chunkSize = 4096

// NewMemStorage returns size bytes of erased storage.
func NewMemStorage(size int) *MemStorage {
	return &MemStorage{Bytes: bytes.Repeat([]byte{0xff}, size)}
}

// ReadAt copies from the backing slice at off into p.
func (ms *MemStorage) ReadAt(p []byte, off int64) (n int, err error) {
	if off >= int64(len(ms.Bytes)) {
		return 0, io.EOF
	}

	n = copy(p, ms.Bytes[off:])
	if n < len(p) {
		err = io.EOF
	}

	return n, err
}

// Size returns the size of the backing slice in bytes.
func (ms *MemStorage) Size() (int64, error) {
	return int64(len(ms.Bytes)), nil
}

// WriteAt copies p into the backing slice at off.
func (ms *MemStorage) WriteAt(p []byte, off int64) (n int, err error) {
	if off >= int64(len(ms.Bytes)) {
		return 0, io.ErrShortWrite
	}

	n = copy(ms.Bytes[off:], p)
	if n < len(p) {
		err = io.ErrShortWrite
	}

	return n, err
}

// OpenFileStorage opens or creates the file at path and grows it to size
// bytes, filling new space with 0xff.
func OpenFileStorage(path string, size int64) (*FileStorage, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if have := info.Size(); have < size {
		fill := bytes.Repeat([]byte{0xff}, chunkSize)
		for off := have; off < size; off += chunkSize {
			n := min(int64(chunkSize), size-off)
			if _, err := f.WriteAt(fill[:n], off); err != nil {
				f.Close()
				return nil, err
			}
		}
	}

	return &FileStorage{File: f}, nil
}

// ReadAt reads from the backing file.
func (fs *FileStorage) ReadAt(p []byte, off int64) (n int, err error) {
	return fs.File.ReadAt(p, off)
}

// Size stats the backing file and returns its size in bytes.
func (fs *FileStorage) Size() (int64, error) {
	info, err := fs.File.Stat()
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// WriteAt writes to the backing file.
func (fs *FileStorage) WriteAt(p []byte, off int64) (n int, err error) {
	return fs.File.WriteAt(p, off)
}

// Close closes the backing file.
func (fs *FileStorage) Close() error {
	return fs.File.Close()
}

// NewSparseStorage returns size bytes of erased storage.
func NewSparseStorage(size int64) *SparseStorage {
	return &SparseStorage{size: size, chunks: make(map[int64][]byte)}
}

// ReadAt copies from the allocated chunks into p.
func (ss *SparseStorage) ReadAt(p []byte, off int64) (n int, err error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	for n < len(p) {
		pos := off + int64(n)
		if pos >= ss.size {
			return n, io.EOF
		}

		base, i := pos/chunkSize*chunkSize, pos%chunkSize
		end := min(len(p)-n, chunkSize-int(i), int(ss.size-pos))

		if c, ok := ss.chunks[base]; ok {
			copy(p[n:n+end], c[i:])
		} else {
			fill(p[n:n+end], 0xff)
		}

		n += end
	}

	return n, nil
}

// Size returns the storage size in bytes.
func (ss *SparseStorage) Size() (int64, error) {
	return ss.size, nil
}

// WriteAt copies p into the storage, allocating chunks as needed.
func (ss *SparseStorage) WriteAt(p []byte, off int64) (n int, err error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	for n < len(p) {
		pos := off + int64(n)
		if pos >= ss.size {
			return n, io.ErrShortWrite
		}

		base, i := pos/chunkSize*chunkSize, pos%chunkSize
		end := min(len(p)-n, chunkSize-int(i), int(ss.size-pos))

		c, ok := ss.chunks[base]
		if !ok {
			c = bytes.Repeat([]byte{0xff}, chunkSize)
			ss.chunks[base] = c
		}

		copy(c[i:], p[n:n+end])
		n += end
	}

	return n, nil
}

func fill(p []byte, b byte) {
	for i := range p {
		p[i] = b
	}
}

package reg

import (
	"encoding/binary"
	"sync"
)

var le = binary.LittleEndian

// Mem is a little-endian register file backed by a byte slice.
// Accesses outside the slice read as zero and are otherwise ignored.
type Mem struct {
	mu    sync.Mutex
	Bytes []byte
}

// NewMem returns a zeroed register file of size bytes.
func NewMem(size int) *Mem {
	return &Mem{Bytes: make([]byte, size)}
}

// Read32 reads the little-endian word at off.
func (m *Mem) Read32(off uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(off)+4 > len(m.Bytes) {
		return 0
	}

	return le.Uint32(m.Bytes[off:])
}

// Write32 stores v as a little-endian word at off.
func (m *Mem) Write32(off uint32, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(off)+4 > len(m.Bytes) {
		return
	}

	le.PutUint32(m.Bytes[off:], v)
}

package reg

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrDevMem is returned when a physical register window can't be mapped.
var ErrDevMem = errors.New("reg: map /dev/mem failed")

// DevMem is a register window mapped from /dev/mem. Every access is a single
// 32-bit load or store on the mapped page.
type DevMem struct {
	f    *os.File
	mem  []byte
	off  uint32 // offset of base within the first mapped page
	size uint32
}

// OpenDevMem maps size bytes of physical memory starting at base.
// The caller needs CAP_SYS_RAWIO, and base must be 4-byte aligned.
func OpenDevMem(base uint64, size int) (*DevMem, error) {
	if base%4 != 0 || size <= 0 {
		return nil, fmt.Errorf("%w: bad window %#x+%#x", ErrDevMem, base, size)
	}

	f, err := os.OpenFile("/dev/mem", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDevMem, err)
	}

	pageMask := uint64(os.Getpagesize() - 1)
	pageOff := base & pageMask

	mem, err := unix.Mmap(int(f.Fd()), int64(base&^pageMask), int(pageOff)+size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", ErrDevMem, err)
	}

	return &DevMem{f: f, mem: mem, off: uint32(pageOff), size: uint32(size)}, nil
}

// Read32 loads the register at off. Offsets outside the window read as zero.
func (d *DevMem) Read32(off uint32) uint32 {
	p := d.word(off)
	if p == nil {
		return 0
	}

	return atomic.LoadUint32(p)
}

// Write32 stores v to the register at off. Offsets outside the window are ignored.
func (d *DevMem) Write32(off uint32, v uint32) {
	if p := d.word(off); p != nil {
		atomic.StoreUint32(p, v)
	}
}

// Close unmaps the window.
func (d *DevMem) Close() error {
	err := unix.Munmap(d.mem)
	if cerr := d.f.Close(); err == nil {
		err = cerr
	}

	return err
}

func (d *DevMem) word(off uint32) *uint32 {
	if off%4 != 0 || off+4 > d.size {
		return nil
	}

	return (*uint32)(unsafe.Pointer(&d.mem[d.off+off]))
}

package flash

import (
	"bytes"
	"fmt"

	"github.com/c35s/qspiflash/qspi"
)

// Device is the part of a flash driver that doesn't depend on the vendor.
type Device interface {

	// ReadID returns the JEDEC ID.
	ReadID() ([]byte, error)

	// Read fills p from the array at addr.
	Read(p []byte, addr uint32) error

	// Program writes p at addr. p must not cross a page boundary.
	Program(p []byte, addr uint32) error

	// EraseBlock erases the nth erase unit.
	EraseBlock(n int) error

	// EraseAll erases the whole array.
	EraseAll() error

	// Geometry describes the array.
	Geometry() Geometry
}

// Probe finds the IO format the flash answers in. It tries QuadFull, DualFull
// and Normal in that order, keeping the rest of the controller configuration,
// and calls readID after each. The first format whose ID doesn't start with
// 0xff wins and is left configured.
func Probe(bus *Bus, readID func() ([]byte, error)) (qspi.IOFormat, error) {
	return ProbeOrder(bus, []qspi.IOFormat{qspi.QuadFull, qspi.DualFull, qspi.Normal}, readID)
}

// ProbeOrder is Probe with the given search order.
func ProbeOrder(bus *Bus, order []qspi.IOFormat, readID func() ([]byte, error)) (qspi.IOFormat, error) {
	cfg := bus.Config()

	for _, f := range order {
		cfg.IOFormat = f
		if err := bus.Configure(cfg); err != nil {
			return 0, err
		}

		id, err := readID()
		if err != nil {
			return 0, err
		}

		if len(id) > 0 && id[0] != 0xff {
			return f, nil
		}
	}

	return 0, ErrNoResponse
}

// Write programs p at addr, one page at a time.
func Write(dev Device, p []byte, addr uint32) error {
	g := dev.Geometry()
	if err := g.Check(addr, len(p)); err != nil {
		return err
	}

	ps := uint32(g.PageSize)
	for len(p) > 0 {
		n := min(len(p), int(ps-addr%ps))
		if err := dev.Program(p[:n], addr); err != nil {
			return err
		}

		p = p[n:]
		addr += uint32(n)
	}

	return nil
}

// Erase erases every block that overlaps [addr, addr+n).
func Erase(dev Device, addr uint32, n int) error {
	g := dev.Geometry()
	if err := g.Check(addr, n); err != nil {
		return err
	}

	if n == 0 {
		return nil
	}

	bs := int64(g.BlockSize())
	for b := int64(addr) / bs; b <= (int64(addr)+int64(n)-1)/bs; b++ {
		if err := dev.EraseBlock(int(b)); err != nil {
			return err
		}
	}

	return nil
}

// Verify reads back len(want) bytes at addr and compares them to want.
func Verify(dev Device, want []byte, addr uint32) error {
	got := make([]byte, len(want))
	if err := dev.Read(got, addr); err != nil {
		return err
	}

	if i := mismatch(want, got); i >= 0 {
		return fmt.Errorf("%w: at %#x: %#02x != %#02x", ErrVerify, addr+uint32(i), got[i], want[i])
	}

	return nil
}

func mismatch(a, b []byte) int {
	if bytes.Equal(a, b) {
		return -1
	}

	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}

	return len(a)
}

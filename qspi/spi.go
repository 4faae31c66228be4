package qspi

import (
	"fmt"

	"tinygo.org/x/drivers"
)

var _ drivers.SPI = SPI{}

// SPI exposes a Controller through the tinygo drivers.SPI interface so that
// generic SPI device drivers can issue raw commands. Each Tx is one
// half-duplex frame: w carries the opcode, AddrBytes address bytes and any
// data, and r is filled from the receive phase that follows.
type SPI struct {
	C         *Controller
	AddrBytes uint8
	Idle      uint8
}

// Tx sends w and then reads len(r) bytes.
func (s SPI) Tx(w, r []byte) error {
	if len(w) == 0 {
		return fmt.Errorf("%w: empty command", ErrPrecondition)
	}

	return s.C.TransferBlocking(s.AddrBytes, w, r, s.Idle)
}

// Transfer sends the single opcode b and returns one response byte.
func (s SPI) Transfer(b byte) (byte, error) {
	var r [1]byte
	err := s.Tx([]byte{b}, r[:])
	return r[0], err
}

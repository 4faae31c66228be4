// Package flash holds what the serial flash command drivers share: the bus
// they issue frames on, IO format probing, device geometry and the error
// kinds they report.
package flash

import (
	"errors"
	"fmt"

	"github.com/c35s/qspiflash/qspi"
)

var (
	ErrPrecondition  = qspi.ErrPrecondition
	ErrNoResponse    = errors.New("flash: no IO format gets a response")
	ErrTimeout       = errors.New("flash: timed out waiting for the device")
	ErrUnknownDevice = errors.New("flash: unknown device")
	ErrVerify        = errors.New("flash: verify failed")
)

// Fault is a failure reported by the device in one of its status registers.
type Fault struct {
	Op     string // operation that failed
	Status uint8  // raw status register value
	Mask   uint8  // failure bits of interest in Status
}

func (f *Fault) Error() string {
	return fmt.Sprintf("flash: %s failed: status %#02x", f.Op, f.Status)
}

// Bits returns the failure bits that were set.
func (f *Fault) Bits() uint8 {
	return f.Status & f.Mask
}

// Outcome classifies the result of a flash operation.
type Outcome int

const (
	OK Outcome = iota
	HardwareFault
	PreconditionViolation
	Timeout
	NoResponse
	Failed
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case HardwareFault:
		return "hardware fault"
	case PreconditionViolation:
		return "precondition violation"
	case Timeout:
		return "timeout"
	case NoResponse:
		return "no response"
	default:
		return "failed"
	}
}

// Classify returns the Outcome of err.
func Classify(err error) Outcome {
	var fault *Fault

	switch {
	case err == nil:
		return OK
	case errors.As(err, &fault):
		return HardwareFault
	case errors.Is(err, ErrPrecondition):
		return PreconditionViolation
	case errors.Is(err, ErrTimeout), errors.Is(err, qspi.ErrTimeout):
		return Timeout
	case errors.Is(err, ErrNoResponse):
		return NoResponse
	default:
		return Failed
	}
}

// Register is a device register value, for display.
type Register struct {
	Name  string
	Value uint32
}

// Geometry describes a flash array.
type Geometry struct {
	Name          string
	PageSize      int // program unit in bytes
	SpareSize     int // spare bytes per page, zero for NOR
	PagesPerBlock int // erase unit in pages
	Blocks        int
}

// BlockSize returns the erase unit in bytes.
func (g Geometry) BlockSize() int {
	return g.PageSize * g.PagesPerBlock
}

// Pages returns the number of pages in the array.
func (g Geometry) Pages() int {
	return g.PagesPerBlock * g.Blocks
}

// Size returns the size of the main array in bytes.
func (g Geometry) Size() int64 {
	return int64(g.BlockSize()) * int64(g.Blocks)
}

// Check returns ErrPrecondition unless [addr, addr+n) lies within the array.
func (g Geometry) Check(addr uint32, n int) error {
	if n < 0 || int64(addr)+int64(n) > g.Size() {
		return fmt.Errorf("%w: %d bytes at %#x outside %d byte device", ErrPrecondition, n, addr, g.Size())
	}

	return nil
}

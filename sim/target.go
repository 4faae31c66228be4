package sim

import "github.com/c35s/qspiflash/qspi"

// Target is a chip wired to the emulated controller's chip select.
type Target interface {

	// DataIn returns the number of bytes after the command bytes that the
	// chip expects to receive before it drives a response. f has Format,
	// Command and Idle set. A negative count means the controller transmits
	// the rest of the frame.
	DataIn(f Frame) int

	// Transact executes a complete frame and returns exactly f.RxLen bytes.
	// The chip must return 0xff for commands it can't decode, which is what
	// the controller sees on undriven data lines.
	Transact(f Frame) []byte
}

// XIPReader is implemented by targets that support execute-in-place reads.
type XIPReader interface {
	ReadXIP(p []byte, off int64) (int, error)
}

// Frame is one decoded QSPI frame as seen by a Target.
type Frame struct {
	Format  qspi.IOFormat
	Command []byte // opcode and address bytes
	Data    []byte // bytes transmitted after the command
	Idle    int    // idle cycles between command and data
	RxLen   int    // bytes the controller will read back
}

// Op returns the frame's opcode.
func (f Frame) Op() byte {
	return f.Command[0]
}

// Addr returns the frame's address bytes as a big-endian integer.
func (f Frame) Addr() uint32 {
	var a uint32
	for _, b := range f.Command[1:] {
		a = a<<8 | uint32(b)
	}

	return a
}

// cmdLanes returns the number of lanes the opcode is sent on in format f.
func cmdLanes(f qspi.IOFormat) int {
	switch f {
	case qspi.DualFull:
		return 2
	case qspi.QuadFull:
		return 4
	default:
		return 1
	}
}

func ones(n int) []byte {
	p := make([]byte, n)
	fill(p, 0xff)
	return p
}

// respond copies p into a response of n bytes, padded with 0xff.
func respond(n int, p ...byte) []byte {
	r := ones(n)
	copy(r, p)
	return r
}

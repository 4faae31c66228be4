// Package sim emulates a CoreQSPI controller and the flash chips behind it,
// so the drivers can run without hardware.
package sim

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"

	"github.com/c35s/qspiflash/qspi"
)

// ErrXIP is returned by ReadXIP when the controller or chip isn't in XIP mode.
var ErrXIP = errors.New("sim: XIP is not active")

var le = binary.LittleEndian

// Options configures an emulated controller.
type Options struct {

	// Pad is how many bytes the controller reads past the end of a receive
	// phase. Drivers must drain them. The default is 4; use a negative
	// value for none.
	Pad int

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Controller emulates the CoreQSPI register interface with one target on
// its chip select. It implements reg.Space.
type Controller struct {
	target Target
	pad    int
	log    *slog.Logger
	irq    chan struct{}

	mu        sync.Mutex
	control   uint32
	frames    uint32
	framesUp  uint32
	intEnable uint32
	done      uint32 // latched TXDONE and RXDONE
	direct    uint32
	upper     uint32

	frame     qspi.Frame
	active    bool // a frame is in progress
	receiving bool // the frame's response is still in the receive FIFO
	dataIn    int  // transmit data bytes expected after the command, -1 until decoded
	tx        []byte
	rx        []byte
}

const doneBits = qspi.StatusTxDone | qspi.StatusRxDone

// NewController returns an idle controller wired to t.
func NewController(t Target, opts Options) *Controller {
	if opts.Pad == 0 {
		opts.Pad = 4
	}

	if opts.Pad < 0 {
		opts.Pad = 0
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Controller{
		target: t,
		pad:    opts.Pad,
		log:    opts.Logger.With(slog.String("component", "sim")),
		irq:    make(chan struct{}, 1),
		dataIn: -1,
	}
}

// IRQ returns the interrupt line. It is signalled whenever an enabled
// status condition is raised; signals are coalesced.
func (c *Controller) IRQ() <-chan struct{} {
	return c.irq
}

// Read32 reads the register at off.
func (c *Controller) Read32(off uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch off {
	case qspi.RegControl:
		return c.control

	case qspi.RegFrames:
		return c.frames

	case qspi.RegFramesUp:
		return c.framesUp

	case qspi.RegIntEnable:
		return c.intEnable

	case qspi.RegStatus:
		return c.status()

	case qspi.RegDirectAccess:
		v := c.direct
		if !c.active {
			v |= qspi.DirectIdle
		}

		return v

	case qspi.RegUpperAddress:
		return c.upper

	case qspi.RegRxData:
		return c.pop(1)

	case qspi.RegX4RxData:
		return c.pop(4)

	default:
		return 0
	}
}

// Write32 writes v to the register at off.
func (c *Controller) Write32(off uint32, v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch off {
	case qspi.RegControl:
		c.control = v

	case qspi.RegFrames:
		c.start(v)

	case qspi.RegFramesUp:
		c.framesUp = v & qspi.FramesUpBytesUpper

	case qspi.RegIntEnable:
		c.intEnable = v
		c.raise()

	case qspi.RegStatus:
		c.done &^= v & doneBits

	case qspi.RegDirectAccess:
		c.direct = v &^ (qspi.DirectIpSDI | qspi.DirectIpSCLK | qspi.DirectIpSSEL | qspi.DirectIdle)

	case qspi.RegUpperAddress:
		c.upper = v & qspi.UpperAddrMask

	case qspi.RegTxData:
		c.push(byte(v))

	case qspi.RegX4TxData:
		var b [4]byte
		le.PutUint32(b[:], v)
		c.push(b[:]...)

	default:
		c.log.Warn("write to read-only or unknown register", "off", off, "val", v)
	}
}

// ReadXIP reads through the XIP window, as a CPU fetch from the memory-mapped
// flash region would.
func (c *Controller) ReadXIP(p []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	x, ok := c.target.(XIPReader)
	if !ok || c.control&qspi.CtrlXIP == 0 {
		return 0, ErrXIP
	}

	return x.ReadXIP(p, off)
}

func (c *Controller) status() uint32 {
	st := c.done | qspi.StatusTxAvailable

	if len(c.rx) > 0 {
		st |= qspi.StatusRxAvailable
	}

	if c.control&qspi.CtrlFlagsX4 != 0 {
		st |= qspi.StatusFlagsX4
		if len(c.rx) < 4 {
			st |= qspi.StatusRxFIFOEmpty
		}
	} else if len(c.rx) == 0 {
		st |= qspi.StatusRxFIFOEmpty
	}

	if !c.active {
		st |= qspi.StatusReady
	}

	return st
}

// raise signals the interrupt line if an enabled condition is pending.
func (c *Controller) raise() {
	if c.status()&c.intEnable&(doneBits|qspi.StatusRxAvailable) == 0 {
		return
	}

	select {
	case c.irq <- struct{}{}:
	default:
	}
}

func (c *Controller) start(frames uint32) {
	if c.active {
		c.log.Warn("frame started while another is in progress")
	}

	c.frames = frames
	c.frame = qspi.ParseFrame(frames, c.framesUp)
	c.active = c.frame.TotalBytes > 0
	c.receiving = false
	c.dataIn = -1
	c.tx = c.tx[:0]
	c.rx = c.rx[:0]
	c.done &^= doneBits
}

func (c *Controller) push(p ...byte) {
	if !c.active || c.receiving {
		c.log.Warn("transmit outside a frame", "bytes", len(p))
		return
	}

	c.tx = append(c.tx, p...)
	c.advance()
}

// advance runs the frame on the target once every transmit byte it needs
// has been written.
func (c *Controller) advance() {
	total := int(c.frame.TotalBytes)
	cmd := min(int(c.frame.CommandBytes), total)

	if len(c.tx) < cmd {
		return
	}

	f := Frame{
		Format:  qspi.Unpack(c.control).IOFormat,
		Command: clone(c.tx[:cmd]),
		Idle:    int(c.frame.Idle),
	}

	if c.dataIn < 0 {
		n := c.target.DataIn(f)
		if n < 0 || cmd+n > total {
			n = total - cmd
		}

		c.dataIn = n
	}

	need := cmd + c.dataIn
	if len(c.tx) < need {
		return
	}

	f.Data = clone(c.tx[cmd:need])
	f.RxLen = total - need

	res := c.target.Transact(f)
	if len(res) != f.RxLen {
		c.log.Error("target response length mismatch", "op", f.Op(), "want", f.RxLen, "got", len(res))
		res = append(res, ones(f.RxLen)...)[:f.RxLen]
	}

	c.tx = c.tx[:0]
	c.done |= qspi.StatusTxDone

	if f.RxLen == 0 {
		c.active = false
	} else {
		c.receiving = true
		c.rx = append(c.rx, res...)
		c.rx = append(c.rx, make([]byte, c.pad)...)
	}

	c.raise()
}

// pop removes up to n bytes from the receive FIFO, little-endian.
func (c *Controller) pop(n int) uint32 {
	var b [4]byte
	k := copy(b[:n], c.rx)
	c.rx = c.rx[k:]

	if c.receiving && len(c.rx) == 0 {
		c.receiving = false
		c.active = false
		c.done |= qspi.StatusRxDone
	}

	c.raise()
	return le.Uint32(b[:])
}

func clone(p []byte) []byte {
	return append([]byte(nil), p...)
}

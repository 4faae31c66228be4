// Package qspi drives a Microchip CoreQSPI (PolarFire SoC MSS QSPI) controller.
//
// A Controller moves one frame at a time: an opcode byte, up to four address
// bytes, optional transmit data, optional idle cycles and optional receive
// data. Frames complete either by polling (TransferBlocking) or through the
// controller's interrupt (TransferAsync and ISR).
package qspi

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c35s/qspiflash/reg"
)

var (
	ErrPrecondition = errors.New("qspi: precondition violated")
	ErrTimeout      = errors.New("qspi: timed out waiting for status")
	ErrBusy         = errors.New("qspi: controller busy")
)

var le = binary.LittleEndian

// StatusHandler is called from ISR with StatusTxDone or StatusRxDone.
// It runs with the controller locked and must not call back into it.
type StatusHandler func(mask uint32)

// Options configures a Controller. The zero value is usable.
type Options struct {

	// SpinLimit bounds each busy-wait on a status bit to that many polls,
	// after which the transfer fails with ErrTimeout. Zero waits forever.
	SpinLimit int

	// Sleep is the delay primitive. It defaults to time.Sleep.
	Sleep func(time.Duration)

	// TailDelay is inserted between the word-wide and byte-wide FIFO
	// accesses of a transfer. It defaults to 10ms.
	TailDelay time.Duration

	// SettleDelay is inserted before TransferAsync returns when a receive
	// is expected. It defaults to 10ms.
	SettleDelay time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}

	if o.TailDelay == 0 {
		o.TailDelay = 10 * time.Millisecond
	}

	if o.SettleDelay == 0 {
		o.SettleDelay = 10 * time.Millisecond
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	return o
}

// Controller is one CoreQSPI instance. Only one transfer is in flight at a
// time; every transfer and every ISR run holds the controller's lock.
type Controller struct {
	regs reg.Space
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	handler StatusHandler
	rx      []byte // destination of the pending interrupt-driven receive
}

// New returns a controller driving regs and initializes it.
func New(regs reg.Space, opts Options) *Controller {
	if regs == nil {
		panic("qspi: nil register space")
	}

	opts = opts.withDefaults()
	c := &Controller{
		regs:    regs,
		opts:    opts,
		log:     opts.Logger.With(slog.String("component", "qspi")),
		handler: func(uint32) {},
	}

	c.Init()
	return c
}

// Init enables the controller with default clocking (divide by 2, sampling
// on the positive edge, clock idle high) and masks all interrupts.
func (c *Controller) Init() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.regs.Write32(RegControl, CtrlEnable|
		uint32(SamplePosEdge)<<CtrlSampleShift|
		uint32(Div2)<<CtrlClkRateShift|
		uint32(Mode3)<<CtrlClkIdleShift)

	c.regs.Write32(RegIntEnable, 0)
	c.rx = nil
}

// Configure writes cfg to CONTROL in a single store. The enable bit is always set.
func (c *Controller) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.regs.Write32(RegControl, cfg.Pack())
	return nil
}

// Config reads back the configuration from CONTROL.
func (c *Controller) Config() Config {
	return Unpack(c.regs.Read32(RegControl))
}

// SetStatusHandler installs h. A nil h leaves the current handler in place.
func (c *Controller) SetStatusHandler(h StatusHandler) {
	if h == nil {
		return
	}

	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Status reads the STATUS register.
func (c *Controller) Status() uint32 {
	return c.regs.Read32(RegStatus)
}

// DirectAccess reads the DIRECT_ACCESS register.
func (c *Controller) DirectAccess() uint32 {
	return c.regs.Read32(RegDirectAccess)
}

// SetDirectAccess writes the DIRECT_ACCESS register.
func (c *Controller) SetDirectAccess(v uint32) {
	c.regs.Write32(RegDirectAccess, v)
}

// UpperAddress reads the UPPER_ADDRESS byte.
func (c *Controller) UpperAddress() uint8 {
	return uint8(c.regs.Read32(RegUpperAddress) & UpperAddrMask)
}

// SetUpperAddress writes the UPPER_ADDRESS byte.
func (c *Controller) SetUpperAddress(b uint8) {
	c.regs.Write32(RegUpperAddress, uint32(b))
}

// TransferBlocking sends tx and then receives len(rx) bytes, polling the
// status register throughout. tx holds the opcode, addrBytes address bytes
// and any transmit data, in that order. idle is the number of idle cycles
// between the command and data phases.
func (c *Controller) TransferBlocking(addrBytes uint8, tx, rx []byte, idle uint8) error {
	f, err := c.frame(addrBytes, tx, rx, idle)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.regs.Write32(RegIntEnable, 0)

	if _, err := c.wait("ready", isSet(StatusReady)); err != nil {
		return err
	}

	c.log.Debug("transfer", "op", tx[0], "addr", addrBytes, "tx", len(tx), "rx", len(rx), "idle", idle)

	c.start(f)
	if err := c.send(tx); err != nil {
		return err
	}

	if len(rx) == 0 {
		return nil
	}

	if err := c.receive(rx); err != nil {
		return err
	}

	// the controller reads past the end of the frame; flush until it's done
	for {
		st, err := c.wait("rx done", func(st uint32) bool {
			return st&StatusRxDone != 0 || st&StatusRxFIFOEmpty == 0
		})

		if err != nil {
			return err
		}

		if st&StatusRxDone != 0 {
			return nil
		}

		c.discard(st)
	}
}

// TransferAsync starts a transfer that completes through ISR. The transmit
// phase is written before it returns; received bytes are copied into rx by
// ISR, and the status handler sees StatusRxDone once rx is complete (or
// StatusTxDone for a transmit-only frame). rx must not be touched until then.
//
// It returns ErrBusy if the controller isn't ready for a new frame.
func (c *Controller) TransferAsync(addrBytes uint8, tx, rx []byte, idle uint8) error {
	f, err := c.frame(addrBytes, tx, rx, idle)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.regs.Read32(RegStatus)&StatusReady == 0 {
		return ErrBusy
	}

	c.log.Debug("async transfer", "op", tx[0], "addr", addrBytes, "tx", len(tx), "rx", len(rx), "idle", idle)

	c.rx = rx
	c.start(f)

	enable := uint32(StatusTxDone)
	if len(rx) > 0 {
		enable |= StatusRxDone | StatusRxAvailable
	}

	c.regs.Write32(RegIntEnable, enable)

	if err := c.send(tx); err != nil {
		return err
	}

	if len(rx) > 0 {
		c.opts.Sleep(c.opts.SettleDelay)
	}

	return nil
}

// ISR services the controller interrupt. TXDONE, RXAVAILABLE and RXDONE are
// handled in that order, each independently of the others.
func (c *Controller) ISR() {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.regs.Read32(RegStatus)

	if st&StatusTxDone != 0 {
		c.handler(StatusTxDone)
		c.regs.Write32(RegStatus, StatusTxDone)
	}

	if st&StatusRxAvailable != 0 {
		c.regs.Write32(RegStatus, StatusRxAvailable)

		rx := c.rx
		c.rx = nil

		if err := c.receive(rx); err != nil {
			c.log.Error("interrupt receive failed", "err", err)
		}

		for i := 0; ; i++ {
			st := c.regs.Read32(RegStatus)
			if st&StatusRxFIFOEmpty != 0 {
				break
			}

			if c.opts.SpinLimit > 0 && i >= c.opts.SpinLimit {
				c.log.Error("receive FIFO won't drain", "status", st)
				break
			}

			c.discard(st)
		}
	}

	if st&StatusRxDone != 0 {
		c.handler(StatusRxDone)
		reg.Clear(c.regs, RegIntEnable, StatusRxDone|StatusRxAvailable)
		c.regs.Write32(RegStatus, StatusRxDone)
	}
}

// Serve calls ISR each time irq fires, until ctx is done or irq is closed.
func (c *Controller) Serve(ctx context.Context, irq <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case _, ok := <-irq:
			if !ok {
				return nil
			}

			c.ISR()
		}
	}
}

func (c *Controller) frame(addrBytes uint8, tx, rx []byte, idle uint8) (Frame, error) {
	if len(tx) < 1+int(addrBytes) {
		return Frame{}, fmt.Errorf("%w: %d command bytes for %d address bytes", ErrPrecondition, len(tx), addrBytes)
	}

	return NewFrame(addrBytes, len(tx)-1-int(addrBytes), len(rx), idle, c.regs.Read32(RegControl))
}

func (c *Controller) start(f Frame) {
	c.regs.Write32(RegFramesUp, f.FramesUp())
	c.regs.Write32(RegFrames, f.Frames())
}

// send writes tx a word at a time, then the remaining bytes one at a time.
func (c *Controller) send(tx []byte) error {
	words := len(tx) / 4

	reg.Set(c.regs, RegControl, CtrlFlagsX4)
	for i := 0; i < words; i++ {
		if _, err := c.wait("tx fifo", isClear(StatusTxFIFOFull)); err != nil {
			reg.Clear(c.regs, RegControl, CtrlFlagsX4)
			return err
		}

		c.regs.Write32(RegX4TxData, le.Uint32(tx[i*4:]))
	}

	reg.Clear(c.regs, RegControl, CtrlFlagsX4)
	c.opts.Sleep(c.opts.TailDelay)

	for _, b := range tx[words*4:] {
		if _, err := c.wait("tx fifo", isClear(StatusTxFIFOFull)); err != nil {
			return err
		}

		c.regs.Write32(RegTxData, uint32(b))
	}

	return nil
}

// receive fills rx a word at a time, then the remaining bytes one at a time.
func (c *Controller) receive(rx []byte) error {
	words := len(rx) / 4

	reg.Set(c.regs, RegControl, CtrlFlagsX4)
	for i := 0; i < words; i++ {
		if _, err := c.wait("rx fifo", isClear(StatusRxFIFOEmpty)); err != nil {
			reg.Clear(c.regs, RegControl, CtrlFlagsX4)
			return err
		}

		le.PutUint32(rx[i*4:], c.regs.Read32(RegX4RxData))
	}

	reg.Clear(c.regs, RegControl, CtrlFlagsX4)

	for i := words * 4; i < len(rx); i++ {
		if _, err := c.wait("rx fifo", isClear(StatusRxFIFOEmpty)); err != nil {
			return err
		}

		rx[i] = byte(c.regs.Read32(RegRxData))
	}

	return nil
}

// discard reads and drops one FIFO entry, in whatever width the FIFO is in.
func (c *Controller) discard(st uint32) {
	if st&StatusFlagsX4 != 0 {
		c.regs.Read32(RegX4RxData)
	} else {
		c.regs.Read32(RegRxData)
	}
}

// wait polls STATUS until ok returns true and returns the last status read.
func (c *Controller) wait(what string, ok func(st uint32) bool) (uint32, error) {
	for i := 0; ; i++ {
		st := c.regs.Read32(RegStatus)
		if ok(st) {
			return st, nil
		}

		if c.opts.SpinLimit > 0 && i >= c.opts.SpinLimit {
			return st, fmt.Errorf("%w: %s (status %#x)", ErrTimeout, what, st)
		}
	}
}

func isSet(mask uint32) func(uint32) bool {
	return func(st uint32) bool { return st&mask != 0 }
}

func isClear(mask uint32) func(uint32) bool {
	return func(st uint32) bool { return st&mask == 0 }
}

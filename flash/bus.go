package flash

import (
	"fmt"
	"time"

	"github.com/c35s/qspiflash/qspi"
)

// Mode selects how a Bus waits for transfers to complete.
type Mode int

const (
	Polled    Mode = iota // busy-wait on the status register
	Interrupt             // wait for the controller's status handler
)

func (m Mode) String() string {
	if m == Interrupt {
		return "interrupt"
	}

	return "polled"
}

// BusOptions configures a Bus.
type BusOptions struct {
	Mode Mode

	// Timeout bounds the wait for an interrupt-driven transfer. Zero waits
	// forever.
	Timeout time.Duration
}

// Bus issues flash command frames on a controller. In Interrupt mode it
// installs the controller's status handler, and something must run the
// controller's ISR (see qspi.Controller.Serve).
type Bus struct {
	ctl     *qspi.Controller
	mode    Mode
	timeout time.Duration
	done    chan uint32
}

// NewBus returns a bus on ctl.
func NewBus(ctl *qspi.Controller, opts BusOptions) *Bus {
	b := &Bus{
		ctl:     ctl,
		mode:    opts.Mode,
		timeout: opts.Timeout,
		done:    make(chan uint32, 4),
	}

	if b.mode == Interrupt {
		ctl.SetStatusHandler(b.status)
	}

	return b
}

// Controller returns the bus controller.
func (b *Bus) Controller() *qspi.Controller {
	return b.ctl
}

// Mode returns the bus completion mode.
func (b *Bus) Mode() Mode {
	return b.mode
}

// Config returns the controller configuration.
func (b *Bus) Config() qspi.Config {
	return b.ctl.Config()
}

// Configure reconfigures the controller.
func (b *Bus) Configure(cfg qspi.Config) error {
	return b.ctl.Configure(cfg)
}

// Transfer issues one frame and returns when it is complete.
// The arguments are those of qspi.Controller.TransferBlocking.
func (b *Bus) Transfer(addrBytes uint8, tx, rx []byte, idle uint8) error {
	if b.mode == Polled {
		return b.ctl.TransferBlocking(addrBytes, tx, rx, idle)
	}

drain:
	for {
		select {
		case <-b.done:
		default:
			break drain
		}
	}

	if err := b.ctl.TransferAsync(addrBytes, tx, rx, idle); err != nil {
		return err
	}

	want := uint32(qspi.StatusTxDone)
	if len(rx) > 0 {
		want = qspi.StatusRxDone
	}

	var timeout <-chan time.Time
	if b.timeout > 0 {
		t := time.NewTimer(b.timeout)
		defer t.Stop()
		timeout = t.C
	}

	for {
		select {
		case mask := <-b.done:
			if mask == want {
				return nil
			}

		case <-timeout:
			return fmt.Errorf("%w: no completion interrupt for opcode %#02x", ErrTimeout, tx[0])
		}
	}
}

// Polled issues one frame with TransferBlocking whatever the bus mode.
func (b *Bus) Polled(addrBytes uint8, tx, rx []byte, idle uint8) error {
	return b.ctl.TransferBlocking(addrBytes, tx, rx, idle)
}

func (b *Bus) status(mask uint32) {
	select {
	case b.done <- mask:
	default:
	}
}

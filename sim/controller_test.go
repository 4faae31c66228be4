package sim_test

import (
	"errors"
	"testing"

	"github.com/c35s/qspiflash/qspi"
	"github.com/c35s/qspiflash/sim"
	"github.com/google/go-cmp/cmp"
)

func newMT25Q(t *testing.T) *sim.MT25Q {
	t.Helper()

	chip, err := sim.NewMT25Q(sim.MT25QL128ID, sim.NewSparseStorage(16<<20))
	if err != nil {
		t.Fatal(err)
	}

	return chip
}

// start programs FRAMES for a transfer of one opcode and rx receive bytes.
func start(t *testing.T, hw *sim.Controller, rx int) {
	t.Helper()

	f, err := qspi.NewFrame(0, 0, rx, 0, hw.Read32(qspi.RegControl))
	if err != nil {
		t.Fatal(err)
	}

	hw.Write32(qspi.RegFramesUp, f.FramesUp())
	hw.Write32(qspi.RegFrames, f.Frames())
}

func TestControllerReceive(t *testing.T) {
	for _, tc := range []struct {
		name string
		pad  int
		want int
	}{
		{"default pad", 0, 4},
		{"no pad", -1, 0},
		{"pad 2", 2, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			hw := sim.NewController(newMT25Q(t), sim.Options{Pad: tc.pad})

			if st := hw.Read32(qspi.RegStatus); st&qspi.StatusReady == 0 {
				t.Fatalf("idle controller not ready: %s", qspi.StatusString(st))
			}

			start(t, hw, 3)
			if st := hw.Read32(qspi.RegStatus); st&qspi.StatusReady != 0 {
				t.Errorf("ready during frame: %s", qspi.StatusString(st))
			}

			hw.Write32(qspi.RegTxData, 0x9f)

			st := hw.Read32(qspi.RegStatus)
			if st&qspi.StatusTxDone == 0 || st&qspi.StatusRxAvailable == 0 {
				t.Fatalf("after opcode: %s", qspi.StatusString(st))
			}

			var got []byte
			for i := 0; i < 3+tc.want; i++ {
				if st := hw.Read32(qspi.RegStatus); st&qspi.StatusRxDone != 0 {
					t.Fatalf("rx done with %d bytes left", 3+tc.want-i)
				}

				got = append(got, byte(hw.Read32(qspi.RegRxData)))
			}

			want := append([]byte{0x20, 0xba, 0x18}, make([]byte, tc.want)...)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Error(diff)
			}

			st = hw.Read32(qspi.RegStatus)
			if st&(qspi.StatusRxDone|qspi.StatusReady|qspi.StatusRxFIFOEmpty) != qspi.StatusRxDone|qspi.StatusReady|qspi.StatusRxFIFOEmpty {
				t.Errorf("after drain: %s", qspi.StatusString(st))
			}

			hw.Write32(qspi.RegStatus, qspi.StatusRxDone)
			if st := hw.Read32(qspi.RegStatus); st&qspi.StatusRxDone != 0 || st&qspi.StatusTxDone == 0 {
				t.Errorf("write-one-to-clear: %s", qspi.StatusString(st))
			}
		})
	}
}

func TestControllerWordFIFO(t *testing.T) {
	hw := sim.NewController(newMT25Q(t), sim.Options{})
	hw.Write32(qspi.RegControl, qspi.CtrlFlagsX4)

	start(t, hw, 3)
	hw.Write32(qspi.RegX4TxData, 0x9f)

	if st := hw.Read32(qspi.RegStatus); st&qspi.StatusFlagsX4 == 0 {
		t.Errorf("FLAGSX4 not mirrored: %s", qspi.StatusString(st))
	}

	if st := hw.Read32(qspi.RegStatus); st&qspi.StatusRxFIFOEmpty != 0 {
		t.Errorf("word FIFO empty with 7 bytes queued: %s", qspi.StatusString(st))
	}

	if got := hw.Read32(qspi.RegX4RxData); got != 0x0018ba20 {
		t.Errorf("first word: %#08x", got)
	}

	if st := hw.Read32(qspi.RegStatus); st&qspi.StatusRxFIFOEmpty == 0 {
		t.Errorf("word FIFO not empty with 3 bytes queued: %s", qspi.StatusString(st))
	}

	hw.Read32(qspi.RegX4RxData)
	if st := hw.Read32(qspi.RegStatus); st&qspi.StatusRxDone == 0 {
		t.Errorf("not done: %s", qspi.StatusString(st))
	}
}

func TestControllerIRQ(t *testing.T) {
	hw := sim.NewController(newMT25Q(t), sim.Options{})

	start(t, hw, 0)
	hw.Write32(qspi.RegTxData, 0x06)

	select {
	case <-hw.IRQ():
		t.Fatal("interrupt with nothing enabled")
	default:
	}

	hw.Write32(qspi.RegIntEnable, qspi.StatusTxDone)

	select {
	case <-hw.IRQ():
	default:
		t.Fatal("enabling a pending condition didn't interrupt")
	}

	start(t, hw, 0)
	hw.Write32(qspi.RegTxData, 0x04)
	start(t, hw, 0)
	hw.Write32(qspi.RegTxData, 0x06)

	<-hw.IRQ()
	select {
	case <-hw.IRQ():
		t.Fatal("interrupts not coalesced")
	default:
	}
}

func TestControllerXIP(t *testing.T) {
	hw := sim.NewController(newMT25Q(t), sim.Options{})

	p := make([]byte, 4)
	if _, err := hw.ReadXIP(p, 0); !errors.Is(err, sim.ErrXIP) {
		t.Errorf("XIP read with XIP off: %v", err)
	}

	// the controller is in XIP mode but the chip isn't
	hw.Write32(qspi.RegControl, qspi.CtrlXIP)
	if _, err := hw.ReadXIP(p, 0); !errors.Is(err, sim.ErrXIP) {
		t.Errorf("XIP read with chip not in XIP: %v", err)
	}
}

package sim_test

import (
	"bytes"
	"testing"

	"github.com/c35s/qspiflash/qspi"
	"github.com/c35s/qspiflash/sim"
	"github.com/google/go-cmp/cmp"
)

// do runs one frame on t in format f.
func do(t sim.Target, f qspi.IOFormat, rx int, cmd []byte, data ...byte) []byte {
	return t.Transact(sim.Frame{Format: f, Command: cmd, Data: data, RxLen: rx})
}

func TestMT25QProgram(t *testing.T) {
	chip := newMT25Q(t)
	read := func(addr uint32, n int) []byte {
		return do(chip, qspi.Normal, n, []byte{0x03, byte(addr >> 16), byte(addr >> 8), byte(addr)})
	}

	do(chip, qspi.Normal, 0, []byte{0x02, 0x00, 0x01, 0x00}, 0x0f, 0xf0)
	if got := read(0x100, 2); !bytes.Equal(got, []byte{0xff, 0xff}) {
		t.Errorf("program without write enable changed the array: % x", got)
	}

	do(chip, qspi.Normal, 0, []byte{0x06})
	do(chip, qspi.Normal, 0, []byte{0x02, 0x00, 0x01, 0x00}, 0x0f, 0xf0)
	if diff := cmp.Diff([]byte{0x0f, 0xf0}, read(0x100, 2)); diff != "" {
		t.Error(diff)
	}

	if st := do(chip, qspi.Normal, 1, []byte{0x05}); st[0] != 0 {
		t.Errorf("WEL not cleared after program: %#02x", st[0])
	}

	// programming only clears bits
	do(chip, qspi.Normal, 0, []byte{0x06})
	do(chip, qspi.Normal, 0, []byte{0x02, 0x00, 0x01, 0x00}, 0xf0, 0xff)
	if diff := cmp.Diff([]byte{0x00, 0xf0}, read(0x100, 2)); diff != "" {
		t.Error(diff)
	}

	// wraps at the end of the page
	do(chip, qspi.Normal, 0, []byte{0x06})
	do(chip, qspi.Normal, 0, []byte{0x02, 0x00, 0x02, 0xfe}, 1, 2, 3, 4)
	if diff := cmp.Diff([]byte{3, 4}, read(0x200, 2)); diff != "" {
		t.Error(diff)
	}

	if diff := cmp.Diff([]byte{1, 2}, read(0x2fe, 2)); diff != "" {
		t.Error(diff)
	}

	do(chip, qspi.Normal, 0, []byte{0x06})
	do(chip, qspi.Normal, 0, []byte{0x20, 0x00, 0x00, 0x00})
	if got := read(0x100, 2); !bytes.Equal(got, []byte{0xff, 0xff}) {
		t.Errorf("subsector not erased: % x", got)
	}
}

func TestMT25QProtocol(t *testing.T) {
	chip := newMT25Q(t)
	id := []byte{0x20, 0xba, 0x18}

	if diff := cmp.Diff(id, do(chip, qspi.Normal, 3, []byte{0x9f})); diff != "" {
		t.Error(diff)
	}

	chip.SetEVConfig(0x5f)

	for f, want := range map[qspi.IOFormat][]byte{
		qspi.Normal:   {0xff, 0xff, 0xff},
		qspi.QuadExRO: {0xff, 0xff, 0xff},
		qspi.DualFull: {0xff, 0xff, 0xff},
		qspi.QuadFull: id,
	} {
		if diff := cmp.Diff(want, do(chip, f, 3, []byte{0xaf})); diff != "" {
			t.Errorf("%s: %s", f, diff)
		}
	}

	do(chip, qspi.QuadFull, 0, []byte{0x06})
	do(chip, qspi.QuadFull, 0, []byte{0x61}, 0xff)

	if chip.EVConfig() != 0xff {
		t.Errorf("EVCR: %#02x", chip.EVConfig())
	}

	if diff := cmp.Diff(id, do(chip, qspi.Normal, 3, []byte{0xaf})); diff != "" {
		t.Error(diff)
	}
}

func TestMT25QFourByte(t *testing.T) {
	chip := newMT25Q(t)

	do(chip, qspi.Normal, 0, []byte{0xb7})
	if chip.FourByte() {
		t.Fatal("4-byte mode entered without write enable")
	}

	do(chip, qspi.Normal, 0, []byte{0x06})
	do(chip, qspi.Normal, 0, []byte{0xb7})
	if !chip.FourByte() {
		t.Fatal("4-byte mode not entered")
	}

	if flag := do(chip, qspi.Normal, 1, []byte{0x70}); flag[0] != 0x81 {
		t.Errorf("flag status: %#02x", flag[0])
	}
}

func TestMT25QAddressWidth(t *testing.T) {
	chip := newMT25Q(t)

	if chip.FourByte() {
		t.Fatal("powered on in 4-byte mode")
	}

	if flag := do(chip, qspi.Normal, 1, []byte{0x70}); flag[0] != 0x80 {
		t.Errorf("power-on flag status: %#02x", flag[0])
	}

	do(chip, qspi.Normal, 0, []byte{0x06})
	do(chip, qspi.Normal, 0, []byte{0x12, 0, 0, 0, 0}, 0xaa)

	if got := do(chip, qspi.Normal, 1, []byte{0x03, 0, 0, 0, 0}); got[0] != 0xff {
		t.Errorf("4-byte address accepted in 3-byte mode: %#02x", got[0])
	}

	if got := do(chip, qspi.Normal, 1, []byte{0x03, 0, 0, 0}); got[0] != 0xaa {
		t.Errorf("3-byte read: %#02x", got[0])
	}

	do(chip, qspi.Normal, 0, []byte{0x06})
	do(chip, qspi.Normal, 0, []byte{0xb7})

	do(chip, qspi.Normal, 0, []byte{0x06})
	do(chip, qspi.Normal, 0, []byte{0x02, 0, 0, 0}, 0x00)

	if got := do(chip, qspi.Normal, 1, []byte{0x03, 0, 0, 0, 0}); got[0] != 0xaa {
		t.Errorf("3-byte program in 4-byte mode changed the array: %#02x", got[0])
	}

	if got := do(chip, qspi.Normal, 1, []byte{0x13, 0, 0, 0}); got[0] != 0xff {
		t.Errorf("4-byte opcode accepted a 3-byte address: %#02x", got[0])
	}
}

func TestMT25QXIP(t *testing.T) {
	chip := newMT25Q(t)

	do(chip, qspi.Normal, 0, []byte{0x06})
	do(chip, qspi.Normal, 0, []byte{0x12, 0, 0, 0x10, 0}, 0xde, 0xad)

	if n := chip.DataIn(sim.Frame{Command: []byte{0x0b, 0, 0, 0}}); n != 0 {
		t.Errorf("fast read data in with XIP disabled: %d", n)
	}

	do(chip, qspi.Normal, 0, []byte{0x06})
	do(chip, qspi.Normal, 0, []byte{0x81}, 0xf3)

	if n := chip.DataIn(sim.Frame{Command: []byte{0x0b, 0, 0, 0}}); n != 1 {
		t.Errorf("fast read data in with XIP enabled: %d", n)
	}

	do(chip, qspi.Normal, 4, []byte{0x0b, 0, 0, 0}, 0x00)
	if !chip.XIP() {
		t.Fatal("confirmation bit didn't enter XIP")
	}

	p := make([]byte, 2)
	if _, err := chip.ReadXIP(p, 0x1000); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]byte{0xde, 0xad}, p); diff != "" {
		t.Error(diff)
	}

	do(chip, qspi.Normal, 1, []byte{0x0b, 0, 0, 0}, 0xff)
	if chip.XIP() {
		t.Fatal("confirmation bit didn't exit XIP")
	}
}

func TestMT25QFaults(t *testing.T) {
	chip := newMT25Q(t)
	chip.FailProgram = true
	chip.FailErase = true

	do(chip, qspi.Normal, 0, []byte{0x06})
	do(chip, qspi.Normal, 0, []byte{0x02, 0, 0, 0}, 0)
	if flag := do(chip, qspi.Normal, 1, []byte{0x70}); flag[0] != 0x90 {
		t.Errorf("after failed program: %#02x", flag[0])
	}

	do(chip, qspi.Normal, 0, []byte{0x06})
	do(chip, qspi.Normal, 0, []byte{0xd8, 0, 0, 0})
	if flag := do(chip, qspi.Normal, 1, []byte{0x70}); flag[0] != 0xb0 {
		t.Errorf("after failed erase: %#02x", flag[0])
	}

	do(chip, qspi.Normal, 0, []byte{0x50})
	if flag := do(chip, qspi.Normal, 1, []byte{0x70}); flag[0] != 0x80 {
		t.Errorf("after clear: %#02x", flag[0])
	}
}

func TestMT25QReset(t *testing.T) {
	for _, tc := range []struct {
		name string
		ops  []byte
		evcr uint8
	}{
		{"enable then reset", []byte{0x66, 0x99}, 0xdf},
		{"reset alone", []byte{0x99}, 0x5f},
		{"interrupted", []byte{0x66, 0x05, 0x99}, 0x5f},
	} {
		t.Run(tc.name, func(t *testing.T) {
			chip := newMT25Q(t)
			chip.SetEVConfig(0x5f)

			for _, op := range tc.ops {
				do(chip, qspi.QuadFull, 0, []byte{op})
			}

			if chip.EVConfig() != tc.evcr {
				t.Errorf("EVCR: %#02x", chip.EVConfig())
			}
		})
	}
}

func TestNewMT25QSize(t *testing.T) {
	if _, err := sim.NewMT25Q(sim.MT25QL128ID, sim.NewMemStorage(1000)); err == nil {
		t.Error("accepted storage that isn't a whole number of sectors")
	}
}

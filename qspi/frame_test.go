package qspi_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/c35s/qspiflash/qspi"
	"github.com/google/go-cmp/cmp"
)

func TestNewFrame(t *testing.T) {
	quad := qspi.Config{IOFormat: qspi.QuadFull, ClockDiv: qspi.Div2}.Pack()

	for addr := uint8(0); addr <= qspi.MaxAddrBytes; addr++ {
		for _, tx := range []int{0, 1, 3, 4, 5, 255, 256, 0xffff} {
			for _, rx := range []int{0, 1, 4, 7, 0x10000, 0x12345} {
				for idle := uint8(0); idle <= qspi.MaxIdleCycles; idle += 5 {
					name := fmt.Sprintf("addr %d tx %d rx %d idle %d", addr, tx, rx, idle)
					t.Run(name, func(t *testing.T) {
						f, err := qspi.NewFrame(addr, tx, rx, idle, quad)
						if err != nil {
							t.Fatal(err)
						}

						total := uint32(1 + tx + int(addr) + rx)
						frames := f.Frames()

						if cmd := frames & qspi.FramesCommandBytes >> qspi.FramesCommandBytesShift; cmd != 1+uint32(addr) {
							t.Errorf("command bytes %d != %d", cmd, 1+addr)
						}

						if low := frames & qspi.FramesTotalBytes; low != total&0xffff {
							t.Errorf("total bytes %#x != %#x", low, total&0xffff)
						}

						if up := f.FramesUp(); up != total&0xffff0000 {
							t.Errorf("upper bytes %#x != %#x", up, total&0xffff0000)
						}

						if frames&qspi.FramesFlagWord == 0 || frames&qspi.FramesQSPI == 0 {
							t.Errorf("frames %#x: missing word or qspi flag", frames)
						}

						if diff := cmp.Diff(f, qspi.ParseFrame(frames, f.FramesUp())); diff != "" {
							t.Errorf("parse (-want +got):\n%s", diff)
						}
					})
				}
			}
		}
	}
}

func TestNewFrameQuadBit(t *testing.T) {
	for _, format := range formats {
		ctrl := qspi.Config{IOFormat: format, ClockDiv: qspi.Div2}.Pack()

		f, err := qspi.NewFrame(0, 0, 0, 0, ctrl)
		if err != nil {
			t.Fatal(err)
		}

		// only the upper IO format bits select a multi-lane frame
		if want := format >= qspi.DualExRO; f.Quad != want {
			t.Errorf("%v: quad %t != %t", format, f.Quad, want)
		}
	}
}

func TestNewFramePreconditions(t *testing.T) {
	tests := []struct {
		addr uint8
		tx   int
		rx   int
		idle uint8
	}{
		{addr: 5},
		{tx: 0x10000},
		{tx: -1},
		{rx: -1},
		{idle: 16},
	}

	for _, tt := range tests {
		if _, err := qspi.NewFrame(tt.addr, tt.tx, tt.rx, tt.idle, 0); !errors.Is(err, qspi.ErrPrecondition) {
			t.Errorf("%+v: err %v != ErrPrecondition", tt, err)
		}
	}
}

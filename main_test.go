package main

import (
	"io"
	"testing"

	"github.com/c35s/qspiflash/qspi"
	"github.com/c35s/qspiflash/reg"
	"github.com/c35s/qspiflash/sim"
)

// main closes a /dev/mem window through io.Closer.
var _ io.Closer = (*reg.DevMem)(nil)

func TestOpenController(t *testing.T) {
	for _, chip := range []string{"mt25q", "w25n"} {
		t.Run(chip, func(t *testing.T) {
			regs, irq, err := openController(chip, "", "")
			if err != nil {
				t.Fatal(err)
			}

			if _, ok := regs.(*sim.Controller); !ok {
				t.Errorf("registers are a %T, not the emulator", regs)
			}

			if _, ok := regs.(io.Closer); ok {
				t.Error("emulator registers have nothing to close")
			}

			if irq == nil {
				t.Error("no interrupt line")
			}

			if st := regs.Read32(qspi.RegStatus); st&qspi.StatusReady == 0 {
				t.Errorf("status %s: not ready", qspi.StatusString(st))
			}
		})
	}

	if _, _, err := openController("m25p", "", ""); err == nil {
		t.Error("unknown flash accepted")
	}

	if _, _, err := openController("mt25q", "not-an-address", ""); err == nil {
		t.Error("bad -devmem address accepted")
	}
}

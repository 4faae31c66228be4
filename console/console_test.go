package console_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/c35s/qspiflash/console"
	"github.com/c35s/qspiflash/flash"
	"github.com/c35s/qspiflash/flash/mt25q"
	"github.com/c35s/qspiflash/flash/w25n"
	"github.com/c35s/qspiflash/qspi"
	"github.com/c35s/qspiflash/sim"
)

var testOpts = qspi.Options{SpinLimit: 10000, Sleep: func(time.Duration) {}}

func newNOR(t *testing.T) *mt25q.Device {
	t.Helper()

	chip, err := sim.NewMT25Q(sim.MT25QL128ID, sim.NewSparseStorage(16<<20))
	if err != nil {
		t.Fatal(err)
	}

	dev, err := mt25q.New(qspi.New(sim.NewController(chip, sim.Options{}), testOpts), mt25q.Options{})
	if err != nil {
		t.Fatal(err)
	}

	return dev
}

func newNAND(t *testing.T) (*w25n.Device, *sim.W25N) {
	t.Helper()

	chip, err := sim.NewW25N(sim.W25N01GVID, 1024, nil)
	if err != nil {
		t.Fatal(err)
	}

	dev, err := w25n.New(qspi.New(sim.NewController(chip, sim.Options{}), testOpts), w25n.Options{})
	if err != nil {
		t.Fatal(err)
	}

	return dev, chip
}

func run(t *testing.T, dev flash.Device, input string) string {
	t.Helper()

	out := new(bytes.Buffer)
	rw := struct {
		io.Reader
		io.Writer
	}{strings.NewReader(input), out}

	m := &console.Menu{Flash: dev}
	if err := m.Run(context.Background(), rw); err != nil {
		t.Fatalf("Run: %v", err)
	}

	return out.String()
}

func contains(t *testing.T, out string, want ...string) {
	t.Helper()

	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Errorf("output doesn't contain %q:\n%s", w, out)
		}
	}
}

func TestNOR(t *testing.T) {
	for _, tc := range []struct {
		name  string
		input string
		want  []string
	}{
		{"id", "i\n", []string{"20 ba 18 MT25QL128"}},
		{"status", "s\n", []string{"flag status", "0x81", "enhanced volatile config", "0xdf"}},
		{"program read", "p 0x100 1 2 0xff\r\nr 0x100 4\n", []string{"programmed 3 bytes at 0x100", "01 02 ff ff"}},
		{"erase", "p 0x10000 0\ne 1\nr 0x10000 1\n", []string{"erased block 1", "00000000  ff"}},
		{"test", "t 2\n", []string{"2 pages ok"}},
		{"xip", "x on\nx off\nx\n", []string{"XIP on", "XIP off", "usage: x on|off"}},
		{"controller", "c\n", []string{"polled completion"}},
		{"raw", "raw 9f rx=3\n", []string{"20 ba 18"}},
		{"help", "h\n", []string{"send a raw frame", "quit"}},
		{"quit", "q\ni\n", nil},
		{"read past end", "r 0xffffff 2\n", []string{"precondition violation"}},
		{"usage", "r 1\n", []string{"usage: r addr len"}},
		{"unknown", "zz\n", []string{`unknown command "zz"`}},
		{"bad blocks", "b\n", []string{"precondition violation", "device has no bad blocks"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out := run(t, newNOR(t), tc.input)
			contains(t, out, tc.want...)

			if tc.name == "quit" && strings.Contains(out, "MT25QL128") {
				t.Errorf("ran a command after q:\n%s", out)
			}
		})
	}
}

func TestNAND(t *testing.T) {
	dev, chip := newNAND(t)
	chip.MarkBad(3)

	if err := dev.AddBBLUT(3, 1000); err != nil {
		t.Fatal(err)
	}

	out := run(t, dev, "i\nb\nl\ns\nraw 9f rx=3 idle=8\nt\nx on\n")
	contains(t, out,
		"ef aa 21 W25N01GV",
		"1 bad blocks [3]",
		"LBA    3 -> PBA 1000 ok",
		"SR3",
		"1 pages ok",
		"device has no XIP mode",
	)
}

func TestRunCanceled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error)
	m := &console.Menu{Flash: newNOR(t)}

	go func() {
		errc <- m.Run(ctx, struct {
			io.Reader
			io.Writer
		}{pr, io.Discard})
	}()

	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("err %v is not context.Canceled", err)
	}
}

package image_test

import (
	"bytes"
	"compress/gzip"
	"errors"
	"testing"
	"time"

	"github.com/c35s/qspiflash/flash"
	"github.com/c35s/qspiflash/flash/mt25q"
	"github.com/c35s/qspiflash/image"
	"github.com/c35s/qspiflash/qspi"
	"github.com/c35s/qspiflash/sim"
	"github.com/cavaliergopher/cpio"
	"github.com/google/go-cmp/cmp"
)

func bundle(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()

	buf := new(bytes.Buffer)
	cw := cpio.NewWriter(buf)

	for name, data := range entries {
		err := cw.WriteHeader(&cpio.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(data)),
		})

		if err != nil {
			t.Fatal(err)
		}

		if _, err := cw.Write(data); err != nil {
			t.Fatal(err)
		}
	}

	if err := cw.Close(); err != nil {
		t.Fatal(err)
	}

	return buf.Bytes()
}

func newDevice(t *testing.T) *mt25q.Device {
	t.Helper()

	chip, err := sim.NewMT25Q(sim.MT25QL128ID, sim.NewSparseStorage(16<<20))
	if err != nil {
		t.Fatal(err)
	}

	hw := sim.NewController(chip, sim.Options{})
	ctl := qspi.New(hw, qspi.Options{SpinLimit: 10000, Sleep: func(time.Duration) {}})

	dev, err := mt25q.New(ctl, mt25q.Options{Format: qspi.QuadFull})
	if err != nil {
		t.Fatal(err)
	}

	return dev
}

func TestRead(t *testing.T) {
	raw := bundle(t, map[string][]byte{
		"00020000-kernel": bytes.Repeat([]byte{0x22}, 300),
		"./0x10000":       {1, 2, 3},
		"empty":           nil,
	})

	want := []image.Region{
		{Addr: 0x10000, Data: []byte{1, 2, 3}},
		{Addr: 0x20000, Name: "kernel", Data: bytes.Repeat([]byte{0x22}, 300)},
	}

	got, err := image.Read(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("regions (-want +got):\n%s", diff)
	}

	t.Run("gzip", func(t *testing.T) {
		buf := new(bytes.Buffer)
		zw := gzip.NewWriter(buf)
		zw.Write(raw)
		zw.Close()

		got, err := image.Read(buf)
		if err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("regions (-want +got):\n%s", diff)
		}
	})
}

func TestReadErrors(t *testing.T) {
	for name, entries := range map[string]map[string][]byte{
		"name": {
			"kernel": {1},
		},
		"overlap": {
			"00001000-a": make([]byte, 0x101),
			"00001100-b": {1},
		},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := image.Read(bytes.NewReader(bundle(t, entries)))

			want := image.ErrName
			if name == "overlap" {
				want = image.ErrOverlap
			}

			if !errors.Is(err, want) {
				t.Errorf("err %v is not %v", err, want)
			}
		})
	}
}

func TestWriteRead(t *testing.T) {
	regions := []image.Region{
		{Addr: 0, Name: "boot", Data: []byte("boot")},
		{Addr: 0x400000, Data: []byte("payload")},
	}

	buf := new(bytes.Buffer)
	if err := image.Write(buf, regions); err != nil {
		t.Fatal(err)
	}

	got, err := image.Read(buf)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(regions, got); diff != "" {
		t.Errorf("regions (-want +got):\n%s", diff)
	}
}

func TestProgram(t *testing.T) {
	dev := newDevice(t)

	// two regions in one erase block
	regions := []image.Region{
		{Addr: 0x10010, Name: "a", Data: bytes.Repeat([]byte{0xa5}, 700)},
		{Addr: 0x10400, Name: "b", Data: bytes.Repeat([]byte{0x5a}, 300)},
	}

	if err := flash.Write(dev, []byte{0}, 0x1ffff); err != nil {
		t.Fatal(err)
	}

	if err := image.Program(dev, regions, image.ProgramOptions{Erase: true, Verify: true}); err != nil {
		t.Fatal(err)
	}

	stale := make([]byte, 1)
	if err := dev.Read(stale, 0x1ffff); err != nil {
		t.Fatal(err)
	}

	if stale[0] != 0xff {
		t.Errorf("block wasn't erased: %#02x", stale[0])
	}

	buf := new(bytes.Buffer)
	if err := image.Dump(buf, dev, regions); err != nil {
		t.Fatal(err)
	}

	got, err := image.Read(buf)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(regions, got); diff != "" {
		t.Errorf("dumped regions (-want +got):\n%s", diff)
	}
}

func TestProgramPastEnd(t *testing.T) {
	dev := newDevice(t)

	regions := []image.Region{{Addr: 16<<20 - 1, Data: []byte{1, 2}}}
	err := image.Program(dev, regions, image.ProgramOptions{})
	if !errors.Is(err, flash.ErrPrecondition) {
		t.Errorf("err %v is not ErrPrecondition", err)
	}
}

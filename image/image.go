// Package image reads and writes flash image bundles: cpio archives whose
// entries are named for the flash address they belong at.
//
// An entry named "00400000" or "00400000-kernel" holds the bytes to program
// at address 0x400000. Bundles may be gzip-compressed.
package image

import (
	"bufio"
	"cmp"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/c35s/qspiflash/flash"
	"github.com/cavaliergopher/cpio"
)

var (
	ErrName    = errors.New("image: entry name is not a flash address")
	ErrOverlap = errors.New("image: regions overlap")
)

// Region is a run of bytes at a flash address.
type Region struct {
	Addr uint32
	Name string
	Data []byte
}

// End returns the address just past the region.
func (r Region) End() int64 {
	return int64(r.Addr) + int64(len(r.Data))
}

func (r Region) String() string {
	if r.Name == "" {
		return fmt.Sprintf("%#08x+%#x", r.Addr, len(r.Data))
	}

	return fmt.Sprintf("%s@%#08x+%#x", r.Name, r.Addr, len(r.Data))
}

// entryName is the inverse of parseName.
func (r Region) entryName() string {
	if r.Name == "" {
		return fmt.Sprintf("%08x", r.Addr)
	}

	return fmt.Sprintf("%08x-%s", r.Addr, r.Name)
}

func parseName(name string) (addr uint32, label string, err error) {
	base := path.Base(name)
	hex, label, _ := strings.Cut(base, "-")
	hex = strings.TrimPrefix(strings.ToLower(hex), "0x")

	a, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %q", ErrName, name)
	}

	return uint32(a), label, nil
}

// Read decodes a bundle. Directories and empty entries are skipped. The
// regions are returned in address order.
func Read(r io.Reader) ([]Region, error) {
	br := bufio.NewReader(r)
	src := io.Reader(br)

	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}

		defer zr.Close()
		src = zr
	}

	var regions []Region

	cr := cpio.NewReader(src)
	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("image: %w", err)
		}

		if hdr.Mode.IsDir() || hdr.Linkname != "" || hdr.Size == 0 {
			continue
		}

		addr, label, err := parseName(hdr.Name)
		if err != nil {
			return nil, err
		}

		data, err := io.ReadAll(cr)
		if err != nil {
			return nil, fmt.Errorf("image: %s: %w", hdr.Name, err)
		}

		regions = append(regions, Region{Addr: addr, Name: label, Data: data})
	}

	slices.SortFunc(regions, func(a, b Region) int {
		return cmp.Compare(a.Addr, b.Addr)
	})

	for i := 1; i < len(regions); i++ {
		if int64(regions[i].Addr) < regions[i-1].End() {
			return nil, fmt.Errorf("%w: %s and %s", ErrOverlap, regions[i-1], regions[i])
		}
	}

	return regions, nil
}

// Write encodes regions as an uncompressed bundle.
func Write(w io.Writer, regions []Region) error {
	cw := cpio.NewWriter(w)

	for _, r := range regions {
		err := cw.WriteHeader(&cpio.Header{
			Name: r.entryName(),
			Mode: cpio.TypeReg | 0644,
			Size: int64(len(r.Data)),
		})

		if err != nil {
			return err
		}

		if _, err := cw.Write(r.Data); err != nil {
			return err
		}
	}

	return cw.Close()
}

// ProgramOptions configures Program.
type ProgramOptions struct {

	// Erase erases every block a region touches before anything is written.
	Erase bool

	// Verify reads each region back after writing it.
	Verify bool

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Program writes regions to dev.
func Program(dev flash.Device, regions []Region, opts ProgramOptions) error {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	if opts.Erase {
		for _, r := range regions {
			log.Info("erasing", "region", r)
			if err := flash.Erase(dev, r.Addr, len(r.Data)); err != nil {
				return fmt.Errorf("image: erase %s: %w", r, err)
			}
		}
	}

	for _, r := range regions {
		log.Info("programming", "region", r)
		if err := flash.Write(dev, r.Data, r.Addr); err != nil {
			return fmt.Errorf("image: program %s: %w", r, err)
		}

		if opts.Verify {
			if err := flash.Verify(dev, r.Data, r.Addr); err != nil {
				return fmt.Errorf("image: verify %s: %w", r, err)
			}
		}
	}

	return nil
}

// Dump reads back the flash under each region and writes it to w as a
// bundle. Only the regions' addresses, names and lengths are used.
func Dump(w io.Writer, dev flash.Device, regions []Region) error {
	out := make([]Region, len(regions))

	for i, r := range regions {
		p := make([]byte, len(r.Data))
		if err := dev.Read(p, r.Addr); err != nil {
			return fmt.Errorf("image: dump %s: %w", r, err)
		}

		out[i] = Region{Addr: r.Addr, Name: r.Name, Data: p}
	}

	return Write(w, out)
}

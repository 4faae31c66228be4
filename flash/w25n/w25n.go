// Package w25n drives Winbond W25N serial NAND flash on a CoreQSPI
// controller. The flash is used in buffer read mode with on-chip ECC.
package w25n

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c35s/qspiflash/flash"
	"github.com/c35s/qspiflash/qspi"
)

const (
	opReset          = 0xff
	opJEDECID        = 0x9f
	opReadStatus     = 0x0f
	opWriteStatus    = 0x01
	opWriteEnable    = 0x06
	opBBManagement   = 0xa1
	opReadLUT        = 0xa5
	opLastECCFail    = 0xa9
	opBlockErase     = 0xd8
	opLoad           = 0x02
	opProgramExecute = 0x10
	opPageDataRead   = 0x13
	opRead           = 0x03
)

// Status register addresses.
const (
	SR1 = 0xa0 // protection
	SR2 = 0xb0 // configuration
	SR3 = 0xc0 // status
)

const (
	sr3Busy  = 1 << 0
	sr3WEL   = 1 << 1
	sr3EFail = 1 << 2
	sr3PFail = 1 << 3
	sr3ECC0  = 1 << 4
	sr3ECC1  = 1 << 5
	sr3LUTF  = 1 << 6

	lutEntries = 20
)

// ErrLUTFull is returned by AddBBLUT when every link is in use.
var ErrLUTFull = errors.New("w25n: bad block LUT is full")

// Parts maps JEDEC IDs to geometry.
var Parts = map[[3]byte]flash.Geometry{
	{0xef, 0xaa, 0x21}: {Name: "W25N01GV", PageSize: 2048, SpareSize: 64, PagesPerBlock: 64, Blocks: 1024},
	{0xef, 0xaa, 0x22}: {Name: "W25N02KV", PageSize: 2048, SpareSize: 128, PagesPerBlock: 64, Blocks: 2048},
	{0xef, 0xba, 0x21}: {Name: "W25N01GW", PageSize: 2048, SpareSize: 64, PagesPerBlock: 64, Blocks: 1024},
}

// Options configures a Device.
type Options struct {
	Bus flash.BusOptions

	// PollLimit bounds busy polling. Zero polls until the device is ready.
	PollLimit int

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Device is a W25N flash.
type Device struct {
	bus    *flash.Bus
	opts   Options
	log    *slog.Logger
	geo    flash.Geometry
	format qspi.IOFormat
}

var _ flash.Device = (*Device)(nil)

// New initializes ctl, finds the format the flash answers in, resets it and
// clears its write protection.
func New(ctl *qspi.Controller, opts Options) (*Device, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctl.Init()

	d := &Device{
		bus:  flash.NewBus(ctl, opts.Bus),
		opts: opts,
		log:  opts.Logger.With(slog.String("component", "w25n")),
	}

	cfg := qspi.Config{
		ClockDiv: qspi.Div30,
		Sample:   qspi.SamplePosEdge,
		SPIMode:  qspi.Mode3,
	}

	if err := d.bus.Configure(cfg); err != nil {
		return nil, err
	}

	f, err := d.ProbeIOFormat()
	if err != nil {
		return nil, err
	}

	if err := d.Reset(); err != nil {
		return nil, err
	}

	cfg.IOFormat = f
	cfg.ClockDiv = qspi.Div10
	if err := d.bus.Configure(cfg); err != nil {
		return nil, err
	}

	id, err := d.ReadID()
	if err != nil {
		return nil, err
	}

	geo, ok := Parts[[3]byte(id)]
	if !ok {
		return nil, fmt.Errorf("%w: JEDEC ID % x", flash.ErrUnknownDevice, id)
	}

	d.geo = geo

	if err := d.WriteStatus(SR1, 0); err != nil {
		return nil, err
	}

	d.log.Info("ready", "part", geo.Name, "format", f, "mode", d.bus.Mode())
	return d, nil
}

// Bus returns the bus the device is on.
func (d *Device) Bus() *flash.Bus {
	return d.bus
}

// Geometry implements flash.Device.
func (d *Device) Geometry() flash.Geometry {
	return d.geo
}

// ProbeIOFormat finds the IO format the flash answers in and leaves the
// controller configured for it.
func (d *Device) ProbeIOFormat() (qspi.IOFormat, error) {
	f, err := flash.Probe(d.bus, d.ReadID)
	if err != nil {
		return 0, err
	}

	d.format = f
	return f, nil
}

// ForceNormalMode resets the flash from whichever format it answers in and
// puts the controller in single-lane SPI.
func (d *Device) ForceNormalMode() error {
	order := []qspi.IOFormat{qspi.Normal, qspi.DualFull, qspi.QuadFull}

	f, err := flash.ProbeOrder(d.bus, order, d.ReadID)
	if err != nil {
		return err
	}

	if f != qspi.Normal {
		if err := d.Reset(); err != nil {
			return err
		}

		cfg := d.bus.Config()
		cfg.IOFormat = qspi.Normal
		if err := d.bus.Configure(cfg); err != nil {
			return err
		}

		id, err := d.ReadID()
		if err != nil {
			return err
		}

		if id[0] == 0xff {
			return fmt.Errorf("%w: after leaving %s", flash.ErrNoResponse, f)
		}
	}

	d.format = qspi.Normal
	return nil
}

// Reset issues a device reset and waits for it to finish.
func (d *Device) Reset() error {
	if err := d.bus.Transfer(0, []byte{opReset}, nil, 0); err != nil {
		return err
	}

	_, err := d.waitBusy("reset")
	return err
}

// ReadID implements flash.Device.
func (d *Device) ReadID() ([]byte, error) {
	id := make([]byte, 3)
	if err := d.bus.Transfer(0, []byte{opJEDECID}, id, 8); err != nil {
		return nil, err
	}

	return id, nil
}

// ReadStatus reads status register SR1, SR2 or SR3.
func (d *Device) ReadStatus(reg byte) (uint8, error) {
	var p [1]byte
	if err := d.bus.Transfer(1, []byte{opReadStatus, reg}, p[:], 0); err != nil {
		return 0, err
	}

	return p[0], nil
}

// WriteStatus writes status register SR1 or SR2.
func (d *Device) WriteStatus(reg byte, v uint8) error {
	return d.bus.Transfer(1, []byte{opWriteStatus, reg, v}, nil, 0)
}

// Registers reads the three status registers.
func (d *Device) Registers() ([]flash.Register, error) {
	var out []flash.Register
	for i, r := range []byte{SR1, SR2, SR3} {
		v, err := d.ReadStatus(r)
		if err != nil {
			return nil, err
		}

		out = append(out, flash.Register{Name: fmt.Sprintf("SR%d", i+1), Value: uint32(v)})
	}

	return out, nil
}

// ReadPage loads page into the flash's data buffer and reads len(p) bytes
// of it from column. Columns past the page size address the spare area.
// An uncorrectable ECC error is reported as a *flash.Fault after p has been
// filled.
func (d *Device) ReadPage(p []byte, page, column int) error {
	if err := d.checkPage(page, column, len(p)); err != nil {
		return err
	}

	if err := d.bus.Transfer(3, pageAddr(opPageDataRead, page), nil, 0); err != nil {
		return err
	}

	sr3, err := d.waitBusy("page data read")
	if err != nil {
		return err
	}

	if err := d.bus.Transfer(2, []byte{opRead, byte(column >> 8), byte(column)}, p, 8); err != nil {
		return err
	}

	if sr3&sr3ECC1 != 0 {
		return &flash.Fault{Op: "read", Status: sr3, Mask: sr3ECC0 | sr3ECC1}
	}

	return nil
}

// Read implements flash.Device. addr is linear over the main array; spare
// areas aren't addressable.
func (d *Device) Read(p []byte, addr uint32) error {
	if err := d.geo.Check(addr, len(p)); err != nil {
		return err
	}

	ps := d.geo.PageSize
	for len(p) > 0 {
		page, col := int(addr)/ps, int(addr)%ps
		n := min(len(p), ps-col)

		if err := d.ReadPage(p[:n], page, col); err != nil {
			return err
		}

		p = p[n:]
		addr += uint32(n)
	}

	return nil
}

// ProgramPage writes p into page at column. Columns past the page size
// address the spare area. Bytes outside p are left unprogrammed.
func (d *Device) ProgramPage(p []byte, page, column int) error {
	if err := d.checkPage(page, column, len(p)); err != nil {
		return err
	}

	if _, err := d.waitBusy("program"); err != nil {
		return err
	}

	if err := d.writeEnable(); err != nil {
		return err
	}

	tx := append([]byte{opLoad, byte(column >> 8), byte(column)}, p...)
	if err := d.bus.Transfer(2, tx, nil, 0); err != nil {
		return err
	}

	if err := d.bus.Transfer(3, pageAddr(opProgramExecute, page), nil, 0); err != nil {
		return err
	}

	sr3, err := d.waitBusy("program")
	if err != nil {
		return err
	}

	if sr3&sr3PFail != 0 {
		return &flash.Fault{Op: "program", Status: sr3, Mask: sr3PFail}
	}

	return nil
}

// Program implements flash.Device.
func (d *Device) Program(p []byte, addr uint32) error {
	if err := d.geo.Check(addr, len(p)); err != nil {
		return err
	}

	ps := d.geo.PageSize
	page, col := int(addr)/ps, int(addr)%ps
	if col+len(p) > ps {
		return fmt.Errorf("%w: %d bytes at %#x cross a page boundary", flash.ErrPrecondition, len(p), addr)
	}

	if len(p) == 0 {
		return nil
	}

	return d.ProgramPage(p, page, col)
}

// EraseBlock implements flash.Device.
func (d *Device) EraseBlock(n int) error {
	if n < 0 || n >= d.geo.Blocks {
		return fmt.Errorf("%w: block %d of %d", flash.ErrPrecondition, n, d.geo.Blocks)
	}

	if _, err := d.waitBusy("erase"); err != nil {
		return err
	}

	if err := d.writeEnable(); err != nil {
		return err
	}

	if err := d.bus.Transfer(3, pageAddr(opBlockErase, n*d.geo.PagesPerBlock), nil, 0); err != nil {
		return err
	}

	sr3, err := d.waitBusy("erase")
	if err != nil {
		return err
	}

	if sr3&sr3EFail != 0 {
		return &flash.Fault{Op: "erase", Status: sr3, Mask: sr3EFail}
	}

	return nil
}

// EraseAll implements flash.Device by erasing every block in turn.
func (d *Device) EraseAll() error {
	for n := 0; n < d.geo.Blocks; n++ {
		if err := d.EraseBlock(n); err != nil {
			return fmt.Errorf("block %d: %w", n, err)
		}
	}

	return nil
}

// MarkBad writes a bad-block marker into the spare area of block's first page.
func (d *Device) MarkBad(block int) error {
	return d.ProgramPage([]byte{0, 0}, block*d.geo.PagesPerBlock, d.geo.PageSize)
}

// ScanBadBlocks returns the blocks whose first page has a bad-block marker,
// or an unreadable spare area.
func (d *Device) ScanBadBlocks() ([]int, error) {
	var bad []int

	marker := make([]byte, 2)
	for n := 0; n < d.geo.Blocks; n++ {
		err := d.ReadPage(marker, n*d.geo.PagesPerBlock, d.geo.PageSize)

		var fault *flash.Fault
		switch {
		case errors.As(err, &fault):
			bad = append(bad, n)
		case err != nil:
			return nil, err
		case marker[0] != 0xff || marker[1] != 0xff:
			bad = append(bad, n)
		}
	}

	return bad, nil
}

// LUTEntry is one link of the bad block management table.
type LUTEntry struct {
	Enable  bool
	Invalid bool
	LBA     uint16 // logical block replaced
	PBA     uint16 // physical block replacing it
}

// DecodeLUT decodes the raw table returned by the read LUT command.
func DecodeLUT(p []byte) []LUTEntry {
	lut := make([]LUTEntry, len(p)/4)
	for i := range lut {
		lba := binary.BigEndian.Uint16(p[4*i:])
		lut[i] = LUTEntry{
			Enable:  lba&0x8000 != 0,
			Invalid: lba&0x4000 != 0,
			LBA:     lba & 0x3ff,
			PBA:     binary.BigEndian.Uint16(p[4*i+2:]),
		}
	}

	return lut
}

// ReadBBLUT reads the bad block management table.
func (d *Device) ReadBBLUT() ([]LUTEntry, error) {
	p := make([]byte, 4*lutEntries)
	if err := d.bus.Transfer(0, []byte{opReadLUT}, p, 8); err != nil {
		return nil, err
	}

	return DecodeLUT(p), nil
}

// AddBBLUT links logical block lba to physical block pba.
func (d *Device) AddBBLUT(lba, pba uint16) error {
	sr3, err := d.ReadStatus(SR3)
	if err != nil {
		return err
	}

	if sr3&sr3LUTF != 0 {
		return ErrLUTFull
	}

	if err := d.writeEnable(); err != nil {
		return err
	}

	tx := []byte{opBBManagement, byte(lba >> 8), byte(lba), byte(pba >> 8), byte(pba)}
	if err := d.bus.Transfer(0, tx, nil, 0); err != nil {
		return err
	}

	_, err = d.waitBusy("bad block management")
	return err
}

// LastECCFailure returns the last page that failed ECC correction.
func (d *Device) LastECCFailure() (int, error) {
	var p [2]byte
	if err := d.bus.Transfer(0, []byte{opLastECCFail}, p[:], 8); err != nil {
		return 0, err
	}

	return int(binary.BigEndian.Uint16(p[:])), nil
}

func (d *Device) writeEnable() error {
	return d.bus.Transfer(0, []byte{opWriteEnable}, nil, 0)
}

// waitBusy polls SR3 until the busy bit clears and returns its last value.
func (d *Device) waitBusy(what string) (uint8, error) {
	for i := 0; ; i++ {
		sr3, err := d.ReadStatus(SR3)
		if err != nil {
			return 0, err
		}

		if sr3&sr3Busy == 0 {
			return sr3, nil
		}

		if d.opts.PollLimit > 0 && i >= d.opts.PollLimit {
			return sr3, fmt.Errorf("%w: %s", flash.ErrTimeout, what)
		}
	}
}

func (d *Device) checkPage(page, column, n int) error {
	if page < 0 || page >= d.geo.Pages() || column < 0 || column+n > d.geo.PageSize+d.geo.SpareSize {
		return fmt.Errorf("%w: %d bytes at page %d column %d", flash.ErrPrecondition, n, page, column)
	}

	return nil
}

// pageAddr builds a command with a dummy byte and a 16-bit page address.
func pageAddr(op byte, page int) []byte {
	return []byte{op, 0, byte(page >> 8), byte(page)}
}

// Package mt25q drives Micron MT25Q serial NOR flash on a CoreQSPI controller.
package mt25q

import (
	"fmt"
	"log/slog"

	"github.com/c35s/qspiflash/flash"
	"github.com/c35s/qspiflash/qspi"
)

const (
	opReadID       = 0x9f
	opMIOReadID    = 0xaf
	opReadStatus   = 0x05
	opWriteEnable  = 0x06
	opFastRead     = 0x0b
	opFastRead4    = 0x0c
	opDualOut4     = 0x3c
	opQuadOut4     = 0x6c
	opDualIO4      = 0xbc
	opQuadIO4      = 0xec
	opPageProgram4 = 0x12
	opReadFlag     = 0x70
	opClearFlag    = 0x50
	opReadNVCR     = 0xb5
	opReadVCR      = 0x85
	opWriteVCR     = 0x81
	opReadEVCR     = 0x65
	opWriteEVCR    = 0x61
	opEnter4B      = 0xb7
	opExit4B       = 0xe9
	opBulkErase    = 0xc7
	opDieErase     = 0xc4
	opSectorErase4 = 0xdc
	opSubsector4   = 0x21
	opResetEnable  = 0x66
	opResetMemory  = 0x99
)

const (
	statusWIP = 1 << 0
	statusWEL = 1 << 1

	flagReady    = 1 << 7
	flagEraseErr = 1 << 5
	flagProgErr  = 1 << 4

	evcrDualOff = 1 << 6
	evcrQuadOff = 1 << 7

	vcrXIP = 0xf3 // 10 dummy cycles, XIP enabled, wrap disabled

	subsectorSize = 4 << 10
	dieSize       = 64 << 20
)

// readCommands maps the IO format the flash is in to its 4-byte read opcode
// and dummy cycles.
var readCommands = map[qspi.IOFormat]struct {
	op    byte
	dummy uint8
}{
	qspi.Normal:   {opFastRead4, 8},
	qspi.DualExRO: {opDualOut4, 8},
	qspi.QuadExRO: {opQuadOut4, 8},
	qspi.DualExRW: {opDualIO4, 8},
	qspi.QuadExRW: {opQuadIO4, 10},
	qspi.DualFull: {opFastRead4, 8},
	qspi.QuadFull: {opFastRead4, 8},
}

// Parts maps JEDEC IDs to geometry.
var Parts = map[[3]byte]flash.Geometry{
	{0x20, 0xba, 0x18}: {Name: "MT25QL128", PageSize: 256, PagesPerBlock: 256, Blocks: 256},
	{0x20, 0xba, 0x19}: {Name: "MT25QL256", PageSize: 256, PagesPerBlock: 256, Blocks: 512},
	{0x20, 0xba, 0x20}: {Name: "MT25QL512", PageSize: 256, PagesPerBlock: 256, Blocks: 1024},
	{0x20, 0xba, 0x21}: {Name: "MT25QL01G", PageSize: 256, PagesPerBlock: 256, Blocks: 2048},
	{0x20, 0xbb, 0x18}: {Name: "MT25QU128", PageSize: 256, PagesPerBlock: 256, Blocks: 256},
	{0x20, 0xbb, 0x19}: {Name: "MT25QU256", PageSize: 256, PagesPerBlock: 256, Blocks: 512},
}

// Options configures a Device.
type Options struct {

	// Format is the IO format to put the flash in. The zero value is qspi.Normal.
	Format qspi.IOFormat

	// Bus selects polled or interrupt-driven transfers.
	Bus flash.BusOptions

	// PollLimit bounds status polling during program and erase. Zero polls
	// until the device is ready.
	PollLimit int

	// Retries is how many times the ID is re-read after switching formats.
	// It defaults to 8.
	Retries int

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Retries == 0 {
		o.Retries = 8
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	return o
}

func (o Options) validate() error {
	if !o.Format.Valid() {
		return fmt.Errorf("%w: invalid IO format %d", flash.ErrPrecondition, o.Format)
	}

	return nil
}

// Device is an MT25Q flash.
type Device struct {
	bus  *flash.Bus
	opts Options
	log  *slog.Logger

	id     []byte
	geo    flash.Geometry
	format qspi.IOFormat // format the flash is known to be in

	xip    bool
	xipCfg qspi.Config // controller configuration from before EnterXIP
}

var _ flash.Device = (*Device)(nil)

// New initializes ctl, finds the format the flash is in and switches it to
// opts.Format. The flash is left in 4-byte address mode.
func New(ctl *qspi.Controller, opts Options) (*Device, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	ctl.Init()

	d := &Device{
		bus:  flash.NewBus(ctl, opts.Bus),
		opts: opts,
		log:  opts.Logger.With(slog.String("component", "mt25q")),
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

	d.log.Debug("probed", "format", f)

	if f != opts.Format {
		if err := d.switchFormat(opts.Format); err != nil {
			return nil, err
		}
	}

	id, err := d.ReadID()
	if err != nil {
		return nil, err
	}

	geo, ok := Parts[[3]byte(id)]
	if !ok {
		return nil, fmt.Errorf("%w: JEDEC ID % x", flash.ErrUnknownDevice, id)
	}

	d.id = id
	d.geo = geo

	if err := d.Enable4ByteAddressing(); err != nil {
		return nil, err
	}

	d.log.Info("ready", "part", geo.Name, "format", d.format, "mode", d.bus.Mode())
	return d, nil
}

// Bus returns the bus the device is on.
func (d *Device) Bus() *flash.Bus {
	return d.bus
}

// Format returns the IO format the flash is in.
func (d *Device) Format() qspi.IOFormat {
	return d.format
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

// ForceNormalMode puts the flash and controller back in single-lane SPI,
// whatever format the flash was left in.
func (d *Device) ForceNormalMode() error {
	order := []qspi.IOFormat{qspi.Normal, qspi.DualFull, qspi.QuadFull}

	f, err := flash.ProbeOrder(d.bus, order, d.ReadID)
	if err != nil {
		return err
	}

	if f != qspi.Normal {
		d.log.Debug("leaving", "format", f)

		if err := d.writeReg(opWriteEVCR, 0xff); err != nil {
			return err
		}

		if err := d.configure(qspi.Normal); err != nil {
			return err
		}
	}

	d.format = qspi.Normal
	return nil
}

// switchFormat writes the EVCR protocol bits for f, reconfigures the
// controller and checks that the flash answers.
func (d *Device) switchFormat(f qspi.IOFormat) error {
	ev, err := d.ReadEVConfig()
	if err != nil {
		return err
	}

	switch f {
	case qspi.QuadFull:
		ev = ev&^evcrQuadOff | evcrDualOff
	case qspi.DualFull:
		ev = ev&^evcrDualOff | evcrQuadOff
	default:
		ev |= evcrDualOff | evcrQuadOff
	}

	if err := d.WriteEVConfig(ev); err != nil {
		return err
	}

	if err := d.configure(f); err != nil {
		return err
	}

	d.format = f
	return nil
}

// configure sets the controller's IO format and waits for the flash to
// answer in it.
func (d *Device) configure(f qspi.IOFormat) error {
	cfg := d.bus.Config()
	cfg.IOFormat = f
	if err := d.bus.Configure(cfg); err != nil {
		return err
	}

	for i := 0; i <= d.opts.Retries; i++ {
		id, err := d.ReadID()
		if err != nil {
			return err
		}

		if id[0] != 0xff {
			return nil
		}
	}

	return fmt.Errorf("%w: after switching to %s", flash.ErrNoResponse, f)
}

// ReadID implements flash.Device. It uses the multiple-IO read ID command,
// which the flash answers in every protocol.
func (d *Device) ReadID() ([]byte, error) {
	return d.read(opMIOReadID, 3)
}

// ReadStatus reads the status register.
func (d *Device) ReadStatus() (uint8, error) {
	p, err := d.read(opReadStatus, 1)
	if err != nil {
		return 0, err
	}

	return p[0], nil
}

// ReadFlagStatus reads the flag status register.
func (d *Device) ReadFlagStatus() (uint8, error) {
	p, err := d.read(opReadFlag, 1)
	if err != nil {
		return 0, err
	}

	return p[0], nil
}

// ClearFlagStatus clears the error bits of the flag status register.
func (d *Device) ClearFlagStatus() error {
	return d.bus.Transfer(0, []byte{opClearFlag}, nil, 0)
}

// ReadNVConfig reads the nonvolatile configuration register.
func (d *Device) ReadNVConfig() (uint16, error) {
	p, err := d.read(opReadNVCR, 2)
	if err != nil {
		return 0, err
	}

	return uint16(p[0]) | uint16(p[1])<<8, nil
}

// ReadVConfig reads the volatile configuration register.
func (d *Device) ReadVConfig() (uint8, error) {
	p, err := d.read(opReadVCR, 1)
	if err != nil {
		return 0, err
	}

	return p[0], nil
}

// ReadEVConfig reads the enhanced volatile configuration register.
func (d *Device) ReadEVConfig() (uint8, error) {
	p, err := d.read(opReadEVCR, 1)
	if err != nil {
		return 0, err
	}

	return p[0], nil
}

// Registers reads the status and configuration registers.
func (d *Device) Registers() ([]flash.Register, error) {
	regs := []struct {
		name string
		op   byte
		n    int
	}{
		{"status", opReadStatus, 1},
		{"flag status", opReadFlag, 1},
		{"nonvolatile config", opReadNVCR, 2},
		{"volatile config", opReadVCR, 1},
		{"enhanced volatile config", opReadEVCR, 1},
	}

	var out []flash.Register
	for _, r := range regs {
		p, err := d.read(r.op, r.n)
		if err != nil {
			return nil, err
		}

		v := uint32(p[0])
		if r.n == 2 {
			v |= uint32(p[1]) << 8
		}

		out = append(out, flash.Register{Name: r.name, Value: v})
	}

	return out, nil
}

// WriteEVConfig writes the enhanced volatile configuration register. Changing
// the protocol bits takes effect immediately: the controller must be
// reconfigured before the flash will answer again.
func (d *Device) WriteEVConfig(v uint8) error {
	return d.writeReg(opWriteEVCR, v)
}

// Enable4ByteAddressing enters 4-byte address mode.
func (d *Device) Enable4ByteAddressing() error {
	return d.command(opEnter4B)
}

// Disable4ByteAddressing leaves 4-byte address mode.
func (d *Device) Disable4ByteAddressing() error {
	return d.command(opExit4B)
}

// Reset issues a software reset. The flash comes back in single-lane SPI
// with 3-byte addressing; Reset reconfigures the controller to match and
// re-enables 4-byte addressing.
func (d *Device) Reset() error {
	for _, op := range []byte{opResetEnable, opResetMemory} {
		if err := d.bus.Transfer(0, []byte{op}, nil, 0); err != nil {
			return err
		}
	}

	d.xip = false
	if err := d.configure(qspi.Normal); err != nil {
		return err
	}

	d.format = qspi.Normal
	return d.Enable4ByteAddressing()
}

// Read implements flash.Device with the read command that matches the
// format the flash is in.
func (d *Device) Read(p []byte, addr uint32) error {
	if err := d.geo.Check(addr, len(p)); err != nil {
		return err
	}

	rc, ok := readCommands[d.format]
	if !ok {
		return fmt.Errorf("%w: no read command for %s", flash.ErrPrecondition, d.format)
	}

	if len(p) == 0 {
		return nil
	}

	return d.bus.Transfer(4, addr4(rc.op, addr), p, rc.dummy)
}

// Program implements flash.Device.
func (d *Device) Program(p []byte, addr uint32) error {
	if err := d.geo.Check(addr, len(p)); err != nil {
		return err
	}

	ps := uint32(d.geo.PageSize)
	if len(p) > int(ps-addr%ps) {
		return fmt.Errorf("%w: %d bytes at %#x cross a page boundary", flash.ErrPrecondition, len(p), addr)
	}

	if len(p) == 0 {
		return nil
	}

	if err := d.waitStatus(statusWIP | statusWEL); err != nil {
		return err
	}

	if err := d.writeEnable(); err != nil {
		return err
	}

	tx := append(addr4(opPageProgram4, addr), p...)
	if err := d.bus.Transfer(4, tx, nil, 0); err != nil {
		return err
	}

	return d.complete("program", flagProgErr)
}

// ProgramPage programs as much of p as fits in the page containing addr and
// returns the number of bytes programmed.
func (d *Device) ProgramPage(p []byte, addr uint32) (int, error) {
	ps := uint32(d.geo.PageSize)
	n := min(len(p), int(ps-addr%ps))
	if err := d.Program(p[:n], addr); err != nil {
		return 0, err
	}

	return n, nil
}

// EraseBlock implements flash.Device. The erase unit is a 64KiB sector.
func (d *Device) EraseBlock(n int) error {
	if n < 0 || n >= d.geo.Blocks {
		return fmt.Errorf("%w: sector %d of %d", flash.ErrPrecondition, n, d.geo.Blocks)
	}

	return d.erase(addr4(opSectorErase4, uint32(n*d.geo.BlockSize())), 4)
}

// EraseSubsector erases the 4KiB subsector containing addr.
func (d *Device) EraseSubsector(addr uint32) error {
	if err := d.geo.Check(addr, 1); err != nil {
		return err
	}

	return d.erase(addr4(opSubsector4, addr&^(subsectorSize-1)), 4)
}

// EraseDie erases the nth 64MiB die. Parts smaller than a die have one.
func (d *Device) EraseDie(n int) error {
	addr := int64(n) * dieSize
	if n < 0 || addr >= d.geo.Size() {
		return fmt.Errorf("%w: die %d", flash.ErrPrecondition, n)
	}

	return d.erase(addr4(opDieErase, uint32(addr)), 4)
}

// EraseAll implements flash.Device.
func (d *Device) EraseAll() error {
	return d.erase([]byte{opBulkErase}, 0)
}

// EnterXIP puts the flash and controller in execute-in-place mode. The
// controller is switched to XIP with 3-byte addressing and sampling on the
// negative edge; ExitXIP restores its previous configuration.
func (d *Device) EnterXIP() error {
	if d.xip {
		return nil
	}

	if err := d.Disable4ByteAddressing(); err != nil {
		return err
	}

	if err := d.writeReg(opWriteVCR, vcrXIP); err != nil {
		return err
	}

	if err := d.waitStatus(statusWIP | statusWEL); err != nil {
		return err
	}

	dummy := uint8(8)
	if d.format == qspi.QuadFull || d.format == qspi.QuadExRO || d.format == qspi.QuadExRW {
		dummy = 10
	}

	// confirmation bit 0 keeps the flash in XIP after this read
	tx := []byte{opFastRead, 0, 0, 0, 0x00}
	if err := d.bus.Polled(3, tx, make([]byte, 4), dummy); err != nil {
		return err
	}

	d.xipCfg = d.bus.Config()

	cfg := d.xipCfg
	cfg.Sample = qspi.SampleNegEdge
	cfg.XIP = true
	cfg.XIPAddr = qspi.XIPAddr3
	if err := d.bus.Configure(cfg); err != nil {
		return err
	}

	d.xip = true
	d.log.Debug("entered XIP", "format", d.format)
	return nil
}

// ExitXIP takes the flash and controller out of execute-in-place mode and
// re-enables 4-byte addressing.
func (d *Device) ExitXIP() error {
	if !d.xip {
		return nil
	}

	if err := d.bus.Configure(d.xipCfg); err != nil {
		return err
	}

	tx := []byte{opFastRead, 0, 0, 0, 0xff}
	if err := d.bus.Transfer(3, tx, make([]byte, 1), 8); err != nil {
		return err
	}

	d.xip = false
	d.log.Debug("left XIP")
	return d.Enable4ByteAddressing()
}

// InXIP reports whether EnterXIP has been called without a matching ExitXIP.
func (d *Device) InXIP() bool {
	return d.xip
}

func (d *Device) read(op byte, n int) ([]byte, error) {
	p := make([]byte, n)
	if err := d.bus.Transfer(0, []byte{op}, p, 0); err != nil {
		return nil, err
	}

	return p, nil
}

func (d *Device) writeEnable() error {
	return d.bus.Transfer(0, []byte{opWriteEnable}, nil, 0)
}

// command sends a write-enabled opcode with no operands.
func (d *Device) command(op byte) error {
	if err := d.writeEnable(); err != nil {
		return err
	}

	return d.bus.Transfer(0, []byte{op}, nil, 0)
}

func (d *Device) writeReg(op, v byte) error {
	if err := d.writeEnable(); err != nil {
		return err
	}

	return d.bus.Transfer(0, []byte{op, v}, nil, 0)
}

func (d *Device) erase(tx []byte, addrBytes uint8) error {
	if err := d.waitStatus(statusWIP | statusWEL); err != nil {
		return err
	}

	if err := d.writeEnable(); err != nil {
		return err
	}

	if err := d.bus.Transfer(addrBytes, tx, nil, 0); err != nil {
		return err
	}

	return d.complete("erase", flagEraseErr)
}

// complete waits for a program or erase to finish and reports its failure
// bit as a *flash.Fault. The error bits are cleared on failure.
func (d *Device) complete(op string, mask uint8) error {
	var fs uint8
	err := d.poll(op, func() (bool, error) {
		var err error
		fs, err = d.ReadFlagStatus()
		return fs&flagReady != 0, err
	})

	if err != nil {
		return err
	}

	if fs&mask != 0 {
		d.log.Warn("operation failed", "op", op, "flag", fs)
		if err := d.ClearFlagStatus(); err != nil {
			return err
		}

		return &flash.Fault{Op: op, Status: fs, Mask: mask}
	}

	return nil
}

// waitStatus waits for the status register bits in mask to clear.
func (d *Device) waitStatus(mask uint8) error {
	return d.poll("status", func() (bool, error) {
		st, err := d.ReadStatus()
		return st&mask == 0, err
	})
}

func (d *Device) poll(what string, done func() (bool, error)) error {
	for i := 0; ; i++ {
		ok, err := done()
		if err != nil {
			return err
		}

		if ok {
			return nil
		}

		if d.opts.PollLimit > 0 && i >= d.opts.PollLimit {
			return fmt.Errorf("%w: %s", flash.ErrTimeout, what)
		}
	}
}

func addr4(op byte, addr uint32) []byte {
	return []byte{op, byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr)}
}

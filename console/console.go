// Package console is an interactive flash test menu, for a terminal, a
// serial line or a vsock connection.
package console

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/c35s/qspiflash/flash"
	"github.com/c35s/qspiflash/flash/w25n"
	"github.com/c35s/qspiflash/qspi"
	"github.com/google/shlex"
	"golang.org/x/term"
	"tinygo.org/x/drivers"
)

const prompt = "qspi> "

var errUsage = errors.New("usage")

// Menu runs commands against a flash device. Commands a device doesn't
// support report an error.
type Menu struct {
	Flash flash.Device
	Log   *slog.Logger
}

// Optional device capabilities.
type (
	registerReader interface {
		Registers() ([]flash.Register, error)
	}

	xipDevice interface {
		EnterXIP() error
		ExitXIP() error
	}

	badBlockScanner interface {
		ScanBadBlocks() ([]int, error)
	}

	lutReader interface {
		ReadBBLUT() ([]w25n.LUTEntry, error)
	}

	busDevice interface {
		Bus() *flash.Bus
	}
)

type command struct {
	args string
	help string
	run  func(m *Menu, w io.Writer, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"i":   {"", "read the JEDEC ID", (*Menu).id},
		"s":   {"", "read the status registers", (*Menu).status},
		"r":   {"addr len", "read and dump", (*Menu).read},
		"p":   {"addr byte...", "program bytes", (*Menu).program},
		"e":   {"[block]", "erase a block, or the whole device", (*Menu).erase},
		"t":   {"[pages]", "erase, program and verify a test pattern from address 0", (*Menu).test},
		"b":   {"", "scan for bad blocks", (*Menu).badBlocks},
		"l":   {"", "read the bad block LUT", (*Menu).lut},
		"x":   {"on|off", "enter or leave XIP mode", (*Menu).xip},
		"c":   {"", "show the controller configuration", (*Menu).controller},
		"raw": {"hex... [rx=n] [addr=n] [idle=n]", "send a raw frame", (*Menu).raw},
		"h":   {"", "help", (*Menu).help},
	}
}

// Run reads commands from rw until "q", end of input or ctx is done.
func (m *Menu) Run(ctx context.Context, rw io.ReadWriter) error {
	if m.Log == nil {
		m.Log = slog.Default()
	}

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{&lineEnds{r: rw}, rw}, prompt)

	lines := make(chan string)
	errc := make(chan error, 1)
	next := make(chan struct{})
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			line, err := t.ReadLine()
			if err != nil {
				errc <- err
				return
			}

			select {
			case lines <- line:
			case <-done:
				return
			}

			select {
			case <-next:
			case <-done:
				return
			}
		}
	}()

	fmt.Fprintln(t, "type h for help")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-errc:
			if err == io.EOF {
				return nil
			}

			return err

		case line := <-lines:
			if m.exec(t, line) {
				return nil
			}

			next <- struct{}{}
		}
	}
}

// exec runs one command line and reports whether it was "q".
func (m *Menu) exec(w io.Writer, line string) bool {
	args, err := shlex.Split(line)
	if err != nil {
		fmt.Fprintf(w, "%v\n", err)
		return false
	}

	if len(args) == 0 {
		return false
	}

	if args[0] == "q" {
		return true
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(w, "unknown command %q, type h for help\n", args[0])
		return false
	}

	m.Log.Debug("command", "args", args)

	err = cmd.run(m, w, args[1:])
	switch {
	case errors.Is(err, errUsage):
		fmt.Fprintf(w, "usage: %s %s\n", args[0], cmd.args)
	case err != nil:
		fmt.Fprintf(w, "%s: %v\n", flash.Classify(err), err)
	}

	return false
}

func (m *Menu) help(w io.Writer, _ []string) error {
	for _, name := range []string{"i", "s", "r", "p", "e", "t", "b", "l", "x", "c", "raw", "h"} {
		c := commands[name]
		fmt.Fprintf(w, "  %-4s %-32s %s\n", name, c.args, c.help)
	}

	fmt.Fprintf(w, "  %-4s %-32s %s\n", "q", "", "quit")
	return nil
}

func (m *Menu) id(w io.Writer, _ []string) error {
	id, err := m.Flash.ReadID()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "% x %s\n", id, m.Flash.Geometry().Name)
	return nil
}

func (m *Menu) status(w io.Writer, _ []string) error {
	rr, ok := m.Flash.(registerReader)
	if !ok {
		return fmt.Errorf("%w: device has no registers to show", flash.ErrPrecondition)
	}

	regs, err := rr.Registers()
	if err != nil {
		return err
	}

	for _, r := range regs {
		fmt.Fprintf(w, "%-26s %#02x\n", r.Name, r.Value)
	}

	return nil
}

func (m *Menu) read(w io.Writer, args []string) error {
	if len(args) != 2 {
		return errUsage
	}

	addr, err := parseUint(args[0], 32)
	if err != nil {
		return err
	}

	n, err := parseUint(args[1], 24)
	if err != nil {
		return err
	}

	p := make([]byte, n)
	if err := m.Flash.Read(p, uint32(addr)); err != nil {
		return err
	}

	d := hex.Dumper(w)
	d.Write(p)
	return d.Close()
}

func (m *Menu) program(w io.Writer, args []string) error {
	if len(args) < 2 {
		return errUsage
	}

	addr, err := parseUint(args[0], 32)
	if err != nil {
		return err
	}

	p := make([]byte, len(args)-1)
	for i, a := range args[1:] {
		b, err := parseUint(a, 8)
		if err != nil {
			return err
		}

		p[i] = byte(b)
	}

	if err := flash.Write(m.Flash, p, uint32(addr)); err != nil {
		return err
	}

	fmt.Fprintf(w, "programmed %d bytes at %#x\n", len(p), addr)
	return nil
}

func (m *Menu) erase(w io.Writer, args []string) error {
	switch len(args) {
	case 0:
		if err := m.Flash.EraseAll(); err != nil {
			return err
		}

		fmt.Fprintln(w, "erased device")

	case 1:
		n, err := parseUint(args[0], 31)
		if err != nil {
			return err
		}

		if err := m.Flash.EraseBlock(int(n)); err != nil {
			return err
		}

		fmt.Fprintf(w, "erased block %d\n", n)

	default:
		return errUsage
	}

	return nil
}

// test writes the pattern base+i over the first pages of the device and
// reads it back. NAND patterns start at 0x01, NOR at 0x15.
func (m *Menu) test(w io.Writer, args []string) error {
	pages := uint64(1)
	switch len(args) {
	case 0:
	case 1:
		n, err := parseUint(args[0], 16)
		if err != nil {
			return err
		}

		pages = n

	default:
		return errUsage
	}

	g := m.Flash.Geometry()

	base := byte(0x15)
	if g.SpareSize > 0 {
		base = 0x01
	}

	p := make([]byte, int(pages)*g.PageSize)
	for i := range p {
		p[i] = base + byte(i)
	}

	if err := flash.Erase(m.Flash, 0, len(p)); err != nil {
		return err
	}

	if err := flash.Write(m.Flash, p, 0); err != nil {
		return err
	}

	if err := flash.Verify(m.Flash, p, 0); err != nil {
		return err
	}

	fmt.Fprintf(w, "%d pages ok\n", pages)
	return nil
}

func (m *Menu) badBlocks(w io.Writer, _ []string) error {
	s, ok := m.Flash.(badBlockScanner)
	if !ok {
		return fmt.Errorf("%w: device has no bad blocks", flash.ErrPrecondition)
	}

	bad, err := s.ScanBadBlocks()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%d bad blocks %v\n", len(bad), bad)
	return nil
}

func (m *Menu) lut(w io.Writer, _ []string) error {
	lr, ok := m.Flash.(lutReader)
	if !ok {
		return fmt.Errorf("%w: device has no bad block LUT", flash.ErrPrecondition)
	}

	lut, err := lr.ReadBBLUT()
	if err != nil {
		return err
	}

	for i, e := range lut {
		if !e.Enable {
			continue
		}

		state := "ok"
		if e.Invalid {
			state = "invalid"
		}

		fmt.Fprintf(w, "%2d: LBA %4d -> PBA %4d %s\n", i, e.LBA, e.PBA, state)
	}

	return nil
}

func (m *Menu) xip(w io.Writer, args []string) error {
	x, ok := m.Flash.(xipDevice)
	if !ok {
		return fmt.Errorf("%w: device has no XIP mode", flash.ErrPrecondition)
	}

	if len(args) != 1 {
		return errUsage
	}

	switch args[0] {
	case "on":
		if err := x.EnterXIP(); err != nil {
			return err
		}

	case "off":
		if err := x.ExitXIP(); err != nil {
			return err
		}

	default:
		return errUsage
	}

	fmt.Fprintf(w, "XIP %s\n", args[0])
	return nil
}

func (m *Menu) controller(w io.Writer, _ []string) error {
	bd, ok := m.Flash.(busDevice)
	if !ok {
		return fmt.Errorf("%w: device has no controller", flash.ErrPrecondition)
	}

	bus := bd.Bus()
	fmt.Fprintf(w, "%s, %s completion, status %s\n", bus.Config(), bus.Mode(), qspi.StatusString(bus.Controller().Status()))
	return nil
}

// raw sends a frame through the generic SPI interface.
func (m *Menu) raw(w io.Writer, args []string) error {
	bd, ok := m.Flash.(busDevice)
	if !ok {
		return fmt.Errorf("%w: device has no controller", flash.ErrPrecondition)
	}

	s := qspi.SPI{C: bd.Bus().Controller()}

	var tx []byte
	var rxLen uint64

	for _, a := range args {
		key, val, isOpt := strings.Cut(a, "=")
		if !isOpt {
			b, err := hex.DecodeString(a)
			if err != nil {
				return fmt.Errorf("%w: %v", errUsage, err)
			}

			tx = append(tx, b...)
			continue
		}

		n, err := parseUint(val, 16)
		if err != nil {
			return err
		}

		switch key {
		case "rx":
			rxLen = n
		case "addr":
			s.AddrBytes = uint8(n)
		case "idle":
			s.Idle = uint8(n)
		default:
			return errUsage
		}
	}

	if len(tx) == 0 {
		return errUsage
	}

	rx := make([]byte, rxLen)
	if err := drivers.SPI(s).Tx(tx, rx); err != nil {
		return err
	}

	fmt.Fprintf(w, "% x\n", rx)
	return nil
}

func parseUint(s string, bits int) (uint64, error) {
	n, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", flash.ErrPrecondition, err)
	}

	return n, nil
}

// lineEnds turns bare line feeds into carriage returns, which is what the
// terminal takes as Enter.
type lineEnds struct {
	r  io.Reader
	cr bool
}

func (l *lineEnds) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	for i, b := range p[:n] {
		if b == '\n' && !l.cr {
			p[i] = '\r'
		}

		l.cr = b == '\r'
	}

	return n, err
}

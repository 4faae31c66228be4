package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/c35s/qspiflash/console"
	"github.com/c35s/qspiflash/flash"
	"github.com/c35s/qspiflash/flash/mt25q"
	"github.com/c35s/qspiflash/flash/w25n"
	"github.com/c35s/qspiflash/image"
	"github.com/c35s/qspiflash/qspi"
	"github.com/c35s/qspiflash/reg"
	"github.com/c35s/qspiflash/sim"
	"github.com/mdlayher/vsock"
	"github.com/tarm/serial"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func main() {

	var (
		chip       = flag.String("flash", "mt25q", "flash part: mt25q or w25n")
		formatName = flag.String("format", "normal", "IO format to put an mt25q in")
		devmem     = flag.String("devmem", "", "drive the controller at this physical address instead of the emulator")
		storage    = flag.String("storage", "", "keep the emulated flash array in this file")
		irq        = flag.Bool("irq", false, "complete transfers by interrupt")
		imagePath  = flag.String("image", "", "program and verify a cpio bundle from file or URL before the menu")
		dumpPath   = flag.String("dump", "", "after -image, read the programmed regions back into this bundle")
		serialDev  = flag.String("serial", "", "run the menu on this serial port")
		baud       = flag.Int("baud", 115200, "serial baud rate")
		vsockPort  = flag.Uint("vsock", 0, "run the menu for connections on this vsock port")
		verbose    = flag.Bool("v", false, "log debug messages")
	)

	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	format, err := qspi.ParseIOFormat(*formatName)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	regs, irqLine, err := openController(*chip, *devmem, *storage)
	if err != nil {
		panic(err)
	}

	if c, ok := regs.(io.Closer); ok {
		defer c.Close()
	}

	if *irq && irqLine == nil {
		panic("qspiflash: -irq needs the emulator")
	}

	ctlOpts := qspi.Options{Logger: log}
	if irqLine != nil {
		// the emulator completes frames as they are written
		ctlOpts.Sleep = func(time.Duration) {}
	}

	ctl := qspi.New(regs, ctlOpts)

	busOpts := flash.BusOptions{}
	if *irq {
		busOpts.Mode = flash.Interrupt

		g.Go(func() error {
			if err := ctl.Serve(ctx, irqLine); !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		})
	}

	var dev flash.Device
	switch *chip {
	case "mt25q":
		dev, err = mt25q.New(ctl, mt25q.Options{Format: format, Bus: busOpts, Logger: log})
	case "w25n":
		dev, err = w25n.New(ctl, w25n.Options{Bus: busOpts, Logger: log})
	default:
		err = fmt.Errorf("unknown flash %q", *chip)
	}

	if err != nil {
		panic(err)
	}

	if *imagePath != "" {
		if err := programImage(dev, *imagePath, *dumpPath, log); err != nil {
			panic(err)
		}
	}

	menu := &console.Menu{Flash: dev, Log: log}

	g.Go(func() error {
		defer cancel()

		switch {
		case *serialDev != "":
			port, err := serial.OpenPort(&serial.Config{Name: *serialDev, Baud: *baud})
			if err != nil {
				return err
			}

			defer port.Close()
			return menu.Run(ctx, port)

		case *vsockPort != 0:
			return serveVsock(ctx, menu, uint32(*vsockPort), log)

		default:
			return runStdio(ctx, menu)
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}

// openController returns the controller registers and, for the emulator,
// its interrupt line.
func openController(chip, devmem, storage string) (reg.Space, <-chan struct{}, error) {
	if devmem != "" {
		base, err := strconv.ParseUint(devmem, 0, 64)
		if err != nil {
			return nil, nil, err
		}

		regs, err := reg.OpenDevMem(base, qspi.RegSize)
		if err != nil {
			return nil, nil, err
		}

		return regs, nil, nil
	}

	var target sim.Target

	switch chip {
	case "mt25q":
		s, err := openStorage(storage, 16<<20)
		if err != nil {
			return nil, nil, err
		}

		target, err = sim.NewMT25Q(sim.MT25QL128ID, s)
		if err != nil {
			return nil, nil, err
		}

	case "w25n":
		const blocks = 1024
		s, err := openStorage(storage, blocks*sim.W25NPagesPerBlock*(sim.W25NPageSize+sim.W25NSpareSize))
		if err != nil {
			return nil, nil, err
		}

		target, err = sim.NewW25N(sim.W25N01GVID, blocks, s)
		if err != nil {
			return nil, nil, err
		}

	default:
		return nil, nil, fmt.Errorf("unknown flash %q", chip)
	}

	hw := sim.NewController(target, sim.Options{})
	return hw, hw.IRQ(), nil
}

func openStorage(path string, size int64) (sim.Storage, error) {
	if path == "" {
		return sim.NewSparseStorage(size), nil
	}

	return sim.OpenFileStorage(path, size)
}

func programImage(dev flash.Device, path, dumpPath string, log *slog.Logger) error {
	b, err := readURL(path)
	if err != nil {
		return err
	}

	regions, err := image.Read(bytes.NewReader(b))
	if err != nil {
		return err
	}

	if err := image.Program(dev, regions, image.ProgramOptions{Erase: true, Verify: true, Logger: log}); err != nil {
		return err
	}

	if dumpPath == "" {
		return nil
	}

	f, err := os.Create(dumpPath)
	if err != nil {
		return err
	}

	if err := image.Dump(f, dev, regions); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

func runStdio(ctx context.Context, menu *console.Menu) error {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		old, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return err
		}

		defer term.Restore(int(os.Stdin.Fd()), old)
	}

	return menu.Run(ctx, struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout})
}

// serveVsock runs the menu for one connection at a time.
func serveVsock(ctx context.Context, menu *console.Menu, port uint32, log *slog.Logger) error {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	log.Info("listening", "addr", l.Addr())

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}

			return err
		}

		log.Info("console connected", "remote", conn.RemoteAddr())

		if err := menu.Run(ctx, conn); err != nil {
			log.Warn("console", "err", err)
		}

		conn.Close()
	}
}

func readURL(s string) (body []byte, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("qspiflash: read URL %s: %w", s, err)
		}
	}()

	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "", "file":
		return os.ReadFile(u.Path)

	case "http", "https":
		res, err := http.Get(u.String())
		if err != nil {
			return nil, err
		}

		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("response status %d != %d", res.StatusCode, 200)
		}

		return io.ReadAll(res.Body)

	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

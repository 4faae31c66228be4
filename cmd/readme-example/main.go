package main

import (
	"fmt"

	"github.com/c35s/qspiflash/flash"
	"github.com/c35s/qspiflash/flash/mt25q"
	"github.com/c35s/qspiflash/qspi"
	"github.com/c35s/qspiflash/sim"
)

func main() {
	chip, err := sim.NewMT25Q(sim.MT25QL128ID, sim.NewMemStorage(16<<20))
	if err != nil {
		panic(err)
	}

	hw := sim.NewController(chip, sim.Options{})

	dev, err := mt25q.New(qspi.New(hw, qspi.Options{}), mt25q.Options{Format: qspi.QuadFull})
	if err != nil {
		panic(err)
	}

	if err := dev.EraseBlock(0); err != nil {
		panic(err)
	}

	if err := flash.Write(dev, []byte("hello, flash"), 0x100); err != nil {
		panic(err)
	}

	if err := dev.EnterXIP(); err != nil {
		panic(err)
	}

	p := make([]byte, 12)
	if _, err := hw.ReadXIP(p, 0x100); err != nil {
		panic(err)
	}

	if err := dev.ExitXIP(); err != nil {
		panic(err)
	}

	fmt.Printf("%s\n", p)
}

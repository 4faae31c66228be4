// qspi-regs prints the registers of a CoreQSPI controller.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/c35s/qspiflash/qspi"
	"github.com/c35s/qspiflash/reg"
)

func main() {
	addr := flag.String("addr", "0x21000000", "physical base address of the controller")
	flag.Parse()

	base, err := strconv.ParseUint(*addr, 0, 64)
	if err != nil {
		panic(err)
	}

	regs, err := reg.OpenDevMem(base, qspi.RegSize)
	if err != nil {
		panic(err)
	}

	defer regs.Close()

	printRegs(os.Stdout, regs)
}

func printRegs(w io.Writer, regs reg.Space) {
	for _, off := range qspi.StateRegs {
		fmt.Fprintf(w, "%-14s %#02x: %#08x\n", qspi.RegName(off), off, regs.Read32(off))
	}

	frame := qspi.ParseFrame(regs.Read32(qspi.RegFrames), regs.Read32(qspi.RegFramesUp))

	fmt.Fprintln(w, "\n# decoded")
	fmt.Fprintf(w, "control: %s\n", qspi.Unpack(regs.Read32(qspi.RegControl)))
	fmt.Fprintf(w, "frame: %d bytes, %d command, %d idle, quad %v\n", frame.TotalBytes, frame.CommandBytes, frame.Idle, frame.Quad)
	fmt.Fprintf(w, "status: %s\n", qspi.StatusString(regs.Read32(qspi.RegStatus)))
	fmt.Fprintf(w, "interrupts: %s\n", qspi.StatusString(regs.Read32(qspi.RegIntEnable)))
}

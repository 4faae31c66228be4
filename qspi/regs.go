package qspi

import (
	"fmt"
	"strings"
)

// register offsets

const (
	RegControl      = 0x00 // control (RW)
	RegFrames       = 0x04 // frame size and format, starts a frame (W)
	RegIntEnable    = 0x0c // interrupt enable (RW)
	RegStatus       = 0x10 // status; TXDONE and RXDONE are write-1-to-clear (RW)
	RegDirectAccess = 0x14 // pin-level direct access (RW)
	RegUpperAddress = 0x18 // upper address byte (RW)
	RegRxData       = 0x40 // 1-byte receive FIFO port (R)
	RegTxData       = 0x44 // 1-byte transmit FIFO port (W)
	RegX4RxData     = 0x48 // 4-byte receive FIFO port (R)
	RegX4TxData     = 0x4c // 4-byte transmit FIFO port (W)
	RegFramesUp     = 0x50 // upper 16 bits of the frame's total byte count (W)

	RegSize = 0x54 // size of the register window
)

// CONTROL fields

const (
	CtrlEnable  = 1 << 0    // controller enabled
	CtrlXIP     = 1 << 2    // execute-in-place
	CtrlXIPAddr = 1 << 3    // XIP address width: 0 = 3 bytes, 1 = 4 bytes
	CtrlClkIdle = 1 << 10   // clock idles high (SPI mode 3)
	CtrlSample  = 0x3 << 11 // SDI sampling edge
	CtrlQMode0  = 1 << 13   // low bit of the IO format
	CtrlQMode12 = 0x3 << 14 // high bits of the IO format
	CtrlFlagsX4 = 1 << 16   // FIFO ports are 4 bytes wide
	CtrlClkRate = 0xf << 24 // clock divider

	CtrlXIPShift      = 2
	CtrlXIPAddrShift  = 3
	CtrlClkIdleShift  = 10
	CtrlSampleShift   = 11
	CtrlIOFormatMask  = CtrlQMode0 | CtrlQMode12
	CtrlIOFormatShift = 13
	CtrlClkRateShift  = 24
)

// FRAMES fields

const (
	FramesTotalBytes   = 0xffff      // total bytes in the frame, low 16 bits
	FramesCommandBytes = 0x1ff << 16 // command bytes: opcode and address
	FramesQSPI         = 1 << 25     // multi-lane frame
	FramesIdle         = 0xf << 26   // idle cycles after the command bytes
	FramesFlagByte     = 1 << 30     // byte-wide FIFO accesses
	FramesFlagWord     = 1 << 31     // word-wide FIFO accesses

	FramesCommandBytesShift = 16
	FramesQSPIShift         = 25
	FramesIdleShift         = 26

	FramesUpBytesUpper = 0xffff0000 // total bytes in the frame, high 16 bits
)

// INT_ENABLE and STATUS bits

const (
	StatusTxDone      = 1 << 0 // transmit complete (W1C)
	StatusRxDone      = 1 << 1 // receive complete (W1C)
	StatusRxAvailable = 1 << 2 // receive FIFO has data
	StatusTxAvailable = 1 << 3 // transmit FIFO has space
	StatusRxFIFOEmpty = 1 << 4 // receive FIFO empty
	StatusTxFIFOFull  = 1 << 5 // transmit FIFO full
	StatusReady       = 1 << 7 // no frame in progress (STATUS only)
	StatusFlagsX4     = 1 << 8 // mirror of CONTROL.FLAGSX4 (STATUS only)
)

// DIRECT_ACCESS fields

const (
	DirectEnSSEL = 1 << 0    // drive SSEL directly
	DirectOpSSEL = 1 << 1    // SSEL output value
	DirectEnSCLK = 1 << 2    // drive SCLK directly
	DirectOpSCLK = 1 << 3    // SCLK output value
	DirectEnSDO  = 0xf << 4  // drive SDO lanes directly
	DirectOpSDO  = 0xf << 8  // SDO output values
	DirectOpSDOE = 0xf << 12 // SDO output enables
	DirectIpSDI  = 0xf << 16 // SDI input values
	DirectIpSCLK = 1 << 21   // SCLK input value
	DirectIpSSEL = 1 << 22   // SSEL input value
	DirectIdle   = 1 << 23   // controller idle

	UpperAddrMask = 0xff // UPPER_ADDRESS.ADDRUP
)

// Transfer limits.
const (
	MaxAddrBytes  = 4
	MaxIdleCycles = 15
	MaxDataBytes  = 0xffff
)

var regNames = map[uint32]string{
	RegControl:      "CONTROL",
	RegFrames:       "FRAMES",
	RegIntEnable:    "INT_ENABLE",
	RegStatus:       "STATUS",
	RegDirectAccess: "DIRECT_ACCESS",
	RegUpperAddress: "UPPER_ADDRESS",
	RegRxData:       "RX_DATA",
	RegTxData:       "TX_DATA",
	RegX4RxData:     "X4_RX_DATA",
	RegX4TxData:     "X4_TX_DATA",
	RegFramesUp:     "FRAMESUP",
}

// RegName returns the name of the register at off.
func RegName(off uint32) string {
	if s, ok := regNames[off]; ok {
		return s
	}

	return fmt.Sprintf("REG_%#02x", off)
}

// StateRegs are the registers that can be read without side effects.
var StateRegs = []uint32{
	RegControl,
	RegFrames,
	RegIntEnable,
	RegStatus,
	RegDirectAccess,
	RegUpperAddress,
	RegFramesUp,
}

var statusNames = []string{
	"TXDONE",
	"RXDONE",
	"RXAVAILABLE",
	"TXAVAILABLE",
	"RXFIFOEMPTY",
	"TXFIFOFULL",
	"",
	"READY",
	"FLAGSX4",
}

// StatusString names the bits set in a STATUS value.
func StatusString(st uint32) string {
	var names []string
	for i, name := range statusNames {
		if name != "" && st&(1<<i) != 0 {
			names = append(names, name)
		}
	}

	return strings.Join(names, "|")
}

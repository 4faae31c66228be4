package qspi

import "fmt"

// IOFormat selects how many data lanes carry each phase of a frame.
type IOFormat uint8

const (
	Normal   IOFormat = 0 // everything on one lane
	DualExRO IOFormat = 2 // command single lane, read data on two
	QuadExRO IOFormat = 3 // command single lane, read data on four
	DualExRW IOFormat = 4 // command single lane, address and data on two
	QuadExRW IOFormat = 5 // command single lane, address and data on four
	DualFull IOFormat = 6 // everything on two lanes
	QuadFull IOFormat = 7 // everything on four lanes
)

var ioFormatNames = map[IOFormat]string{
	Normal:   "normal",
	DualExRO: "dual-ex-ro",
	QuadExRO: "quad-ex-ro",
	DualExRW: "dual-ex-rw",
	QuadExRW: "quad-ex-rw",
	DualFull: "dual",
	QuadFull: "quad",
}

func (f IOFormat) String() string {
	if s, ok := ioFormatNames[f]; ok {
		return s
	}

	return fmt.Sprintf("IOFormat(%d)", uint8(f))
}

// Valid reports whether f is a format the controller implements.
func (f IOFormat) Valid() bool {
	_, ok := ioFormatNames[f]
	return ok
}

// ParseIOFormat is the inverse of IOFormat.String.
func ParseIOFormat(s string) (IOFormat, error) {
	for f, name := range ioFormatNames {
		if name == s {
			return f, nil
		}
	}

	return 0, fmt.Errorf("%w: unknown IO format %q", ErrPrecondition, s)
}

// SPIMode is the clock polarity. Only modes 0 and 3 are supported.
type SPIMode uint8

const (
	Mode0 SPIMode = 0 // clock idles low
	Mode3 SPIMode = 1 // clock idles high
)

// Sample selects the SDI sampling edge.
type Sample uint8

const (
	SamplePosEdge Sample = 0
	SampleActive  Sample = 1
	SampleNegEdge Sample = 2
)

// ClockDiv divides the controller clock to get SCLK. Div2 through Div30.
type ClockDiv uint8

const (
	Div2 ClockDiv = iota + 1
	Div4
	Div6
	Div8
	Div10
	Div12
	Div14
	Div16
	Div18
	Div20
	Div22
	Div24
	Div26
	Div28
	Div30
)

// Divisor returns the clock division factor.
func (d ClockDiv) Divisor() int {
	return int(d) * 2
}

// XIPAddr is the address width used for XIP reads.
type XIPAddr uint8

const (
	XIPAddr3 XIPAddr = 0
	XIPAddr4 XIPAddr = 1
)

// Config is the controller configuration held in the CONTROL register.
type Config struct {
	IOFormat IOFormat
	SPIMode  SPIMode
	ClockDiv ClockDiv
	XIP      bool
	XIPAddr  XIPAddr
	Sample   Sample
}

// Validate checks that every field fits its CONTROL bit field.
func (c Config) Validate() error {
	switch {
	case !c.IOFormat.Valid():
		return fmt.Errorf("%w: IO format %d", ErrPrecondition, c.IOFormat)
	case c.SPIMode > Mode3:
		return fmt.Errorf("%w: SPI mode %d", ErrPrecondition, c.SPIMode)
	case c.ClockDiv < Div2 || c.ClockDiv > Div30:
		return fmt.Errorf("%w: clock divider %d", ErrPrecondition, c.ClockDiv)
	case c.XIPAddr > XIPAddr4:
		return fmt.Errorf("%w: XIP address width %d", ErrPrecondition, c.XIPAddr)
	case c.Sample > SampleNegEdge:
		return fmt.Errorf("%w: sample edge %d", ErrPrecondition, c.Sample)
	}

	return nil
}

// Pack returns the CONTROL word for c, with the enable bit set.
func (c Config) Pack() uint32 {
	v := uint32(CtrlEnable)
	v |= uint32(c.Sample) << CtrlSampleShift
	v |= uint32(c.IOFormat) << CtrlIOFormatShift
	v |= uint32(c.ClockDiv) << CtrlClkRateShift
	v |= uint32(c.XIPAddr) << CtrlXIPAddrShift
	v |= uint32(c.SPIMode) << CtrlClkIdleShift

	if c.XIP {
		v |= CtrlXIP
	}

	return v
}

// Unpack decodes a CONTROL word.
func Unpack(v uint32) Config {
	return Config{
		IOFormat: IOFormat(v & CtrlIOFormatMask >> CtrlIOFormatShift),
		SPIMode:  SPIMode(v & CtrlClkIdle >> CtrlClkIdleShift),
		ClockDiv: ClockDiv(v & CtrlClkRate >> CtrlClkRateShift),
		XIP:      v&CtrlXIP != 0,
		XIPAddr:  XIPAddr(v & CtrlXIPAddr >> CtrlXIPAddrShift),
		Sample:   Sample(v & CtrlSample >> CtrlSampleShift),
	}
}

func (c Config) String() string {
	return fmt.Sprintf("format=%v mode=%d div=%d xip=%t xipaddr=%d sample=%d",
		c.IOFormat, c.SPIMode, c.ClockDiv.Divisor(), c.XIP, 3+c.XIPAddr, c.Sample)
}

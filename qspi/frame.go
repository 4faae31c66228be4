package qspi

import "fmt"

// Frame describes how one transfer is framed on the bus.
type Frame struct {
	TotalBytes   uint32 // opcode, address, transmit and receive bytes
	CommandBytes uint32 // opcode and address bytes
	Idle         uint8  // idle cycles between the command and data phases
	Quad         bool   // multi-lane frame, from the IO format in CONTROL
}

// NewFrame computes the frame for a transfer of one opcode byte, addrBytes
// address bytes, txLen data bytes and rxLen receive bytes. control is the
// current CONTROL word.
func NewFrame(addrBytes uint8, txLen, rxLen int, idle uint8, control uint32) (Frame, error) {
	switch {
	case addrBytes > MaxAddrBytes:
		return Frame{}, fmt.Errorf("%w: %d address bytes", ErrPrecondition, addrBytes)
	case txLen < 0 || txLen > MaxDataBytes:
		return Frame{}, fmt.Errorf("%w: %d transmit bytes", ErrPrecondition, txLen)
	case rxLen < 0:
		return Frame{}, fmt.Errorf("%w: %d receive bytes", ErrPrecondition, rxLen)
	case idle > MaxIdleCycles:
		return Frame{}, fmt.Errorf("%w: %d idle cycles", ErrPrecondition, idle)
	}

	cmd := 1 + uint32(addrBytes)
	return Frame{
		TotalBytes:   cmd + uint32(txLen) + uint32(rxLen),
		CommandBytes: cmd,
		Idle:         idle,
		Quad:         control&CtrlQMode12 != 0,
	}, nil
}

// Frames returns the FRAMES register word. Word-wide FIFO access is always flagged.
func (f Frame) Frames() uint32 {
	v := f.TotalBytes & FramesTotalBytes
	v |= f.CommandBytes << FramesCommandBytesShift & FramesCommandBytes
	v |= uint32(f.Idle) << FramesIdleShift & FramesIdle
	v |= FramesFlagWord

	if f.Quad {
		v |= FramesQSPI
	}

	return v
}

// FramesUp returns the FRAMESUP register word.
func (f Frame) FramesUp() uint32 {
	return f.TotalBytes & FramesUpBytesUpper
}

// ParseFrame decodes the FRAMES and FRAMESUP words written for a frame.
func ParseFrame(frames, framesUp uint32) Frame {
	return Frame{
		TotalBytes:   framesUp&FramesUpBytesUpper | frames&FramesTotalBytes,
		CommandBytes: frames & FramesCommandBytes >> FramesCommandBytesShift,
		Idle:         uint8(frames & FramesIdle >> FramesIdleShift),
		Quad:         frames&FramesQSPI != 0,
	}
}

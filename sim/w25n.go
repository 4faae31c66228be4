package sim

import (
	"encoding/binary"
	"fmt"
	"log/slog"
)

// W25N emulates a Winbond W25N serial NAND flash in buffer read mode.
// Each page is followed by its spare area in Storage.
type W25N struct {
	ID      [3]byte
	Blocks  int
	Storage Storage

	sr1     uint8
	sr2     uint8
	sr3     uint8
	buf     []byte // page data buffer
	lut     []lutLink
	eccFail map[int]bool
	lastECC uint16
}

type lutLink struct {
	lba uint16
	pba uint16
}

// W25N01GVID is the JEDEC ID of a 1Gb W25N01GV.
var W25N01GVID = [3]byte{0xef, 0xaa, 0x21}

const (
	W25NPageSize      = 2048
	W25NSpareSize     = 64
	W25NPagesPerBlock = 64

	w25nRawPage = W25NPageSize + W25NSpareSize
	w25nLUTSize = 20
)

const (
	wbReset          = 0xff
	wbJEDECID        = 0x9f
	wbReadStatus     = 0x0f
	wbReadStatusAlt  = 0x05
	wbWriteStatus    = 0x01
	wbWriteStatusAlt = 0x1f
	wbWriteEnable    = 0x06
	wbWriteDisable   = 0x04
	wbBBManagement   = 0xa1
	wbReadLUT        = 0xa5
	wbLastECCFail    = 0xa9
	wbBlockErase     = 0xd8
	wbLoad           = 0x02
	wbRandomLoad     = 0x84
	wbQuadLoad       = 0x32
	wbRandomQuadLoad = 0x34
	wbProgramExecute = 0x10
	wbPageDataRead   = 0x13
	wbRead           = 0x03
	wbFastRead       = 0x0b
	wbFastReadDual   = 0x3b
	wbFastReadQuad   = 0x6b
)

const (
	wbSR1 = 0xa0
	wbSR2 = 0xb0
	wbSR3 = 0xc0

	wbSR1Protect = 0x78 // BP3..BP0

	wbSR3WEL   = 1 << 1
	wbSR3EFail = 1 << 2
	wbSR3PFail = 1 << 3
	wbSR3ECC0  = 1 << 4
	wbSR3ECC1  = 1 << 5
	wbSR3LUTF  = 1 << 6
)

// NewW25N returns a chip in its power-on state. If s is nil the array is
// kept in sparse memory.
func NewW25N(id [3]byte, blocks int, s Storage) (*W25N, error) {
	size := int64(blocks) * W25NPagesPerBlock * w25nRawPage

	if s == nil {
		s = NewSparseStorage(size)
	}

	have, err := s.Size()
	if err != nil {
		return nil, err
	}

	if have < size {
		return nil, fmt.Errorf("sim: W25N storage has %d bytes, need %d", have, size)
	}

	w := &W25N{
		ID:      id,
		Blocks:  blocks,
		Storage: s,
		sr1:     0x7c,
		sr2:     0x18,
		eccFail: make(map[int]bool),
	}

	w.loadPage(0)
	return w, nil
}

// SetSpare writes p into the spare area of page, bypassing the command set.
func (w *W25N) SetSpare(page int, p []byte) {
	w.store(int64(page)*w25nRawPage+W25NPageSize, p[:min(len(p), W25NSpareSize)])
}

// MarkBad writes a factory bad-block marker into block.
func (w *W25N) MarkBad(block int) {
	w.SetSpare(block*W25NPagesPerBlock, []byte{0x00, 0x00})
}

// FailECC makes reads of page report an uncorrectable ECC error.
func (w *W25N) FailECC(page int) {
	w.eccFail[page] = true
}

// Status returns status register 1, 2 or 3 (addressed 0xa0, 0xb0, 0xc0).
func (w *W25N) Status(reg byte) uint8 {
	switch reg {
	case wbSR1:
		return w.sr1
	case wbSR2:
		return w.sr2
	case wbSR3:
		return w.sr3
	}

	return 0xff
}

// DataIn implements Target.
func (w *W25N) DataIn(f Frame) int {
	switch f.Op() {
	case wbWriteStatus, wbWriteStatusAlt, wbBBManagement, wbLoad, wbRandomLoad, wbQuadLoad, wbRandomQuadLoad:
		return -1
	}

	return 0
}

// Transact implements Target.
func (w *W25N) Transact(f Frame) []byte {
	if cmdLanes(f.Format) != 1 {
		return ones(f.RxLen)
	}

	switch op := f.Op(); op {
	case wbReset:
		w.sr3 = 0
		w.loadPage(0)

	case wbJEDECID:
		return respond(f.RxLen, w.ID[:]...)

	case wbReadStatus, wbReadStatusAlt:
		return respond(f.RxLen, w.Status(byte(f.Addr())))

	case wbWriteStatus, wbWriteStatusAlt:
		if len(f.Data) == 0 {
			break
		}

		switch f.Addr() {
		case wbSR1:
			w.sr1 = f.Data[0]
		case wbSR2:
			w.sr2 = f.Data[0]
		}

	case wbWriteEnable:
		w.sr3 |= wbSR3WEL

	case wbWriteDisable:
		w.sr3 &^= wbSR3WEL

	case wbBBManagement:
		w.link(f.Data)

	case wbReadLUT:
		p := make([]byte, 4*w25nLUTSize)
		for i, l := range w.lut {
			binary.BigEndian.PutUint16(p[4*i:], 0x8000|l.lba)
			binary.BigEndian.PutUint16(p[4*i+2:], l.pba)
		}

		return respond(f.RxLen, p...)

	case wbLastECCFail:
		return respond(f.RxLen, byte(w.lastECC>>8), byte(w.lastECC))

	case wbBlockErase:
		w.erase(int(f.Addr()) / W25NPagesPerBlock)

	case wbLoad, wbQuadLoad:
		fill(w.buf, 0xff)
		copy(w.buf[min(int(f.Addr()), w25nRawPage):], f.Data)

	case wbRandomLoad, wbRandomQuadLoad:
		copy(w.buf[min(int(f.Addr()), w25nRawPage):], f.Data)

	case wbProgramExecute:
		w.program(int(f.Addr()))

	case wbPageDataRead:
		w.loadPage(int(f.Addr()))

	case wbRead, wbFastRead, wbFastReadDual, wbFastReadQuad:
		return respond(f.RxLen, w.buf[min(int(f.Addr()), w25nRawPage):]...)

	default:
		slog.Warn("sim: W25N unknown opcode", "op", op)
	}

	return ones(f.RxLen)
}

func (w *W25N) pages() int {
	return w.Blocks * W25NPagesPerBlock
}

func (w *W25N) loadPage(page int) {
	w.buf = ones(w25nRawPage)
	w.sr3 &^= wbSR3ECC0 | wbSR3ECC1

	if page >= w.pages() {
		return
	}

	w.load(int64(page)*w25nRawPage, w.buf)

	if w.eccFail[page] {
		w.sr3 |= wbSR3ECC1
		w.lastECC = uint16(page)
	}
}

func (w *W25N) program(page int) {
	defer func() { w.sr3 &^= wbSR3WEL }()

	w.sr3 &^= wbSR3PFail
	if w.sr3&wbSR3WEL == 0 {
		return
	}

	if w.sr1&wbSR1Protect != 0 || page >= w.pages() {
		w.sr3 |= wbSR3PFail
		return
	}

	off := int64(page) * w25nRawPage
	p := make([]byte, w25nRawPage)
	w.load(off, p)

	for i := range p {
		p[i] &= w.buf[i]
	}

	w.store(off, p)
}

func (w *W25N) erase(block int) {
	defer func() { w.sr3 &^= wbSR3WEL }()

	w.sr3 &^= wbSR3EFail
	if w.sr3&wbSR3WEL == 0 {
		return
	}

	if w.sr1&wbSR1Protect != 0 || block >= w.Blocks {
		w.sr3 |= wbSR3EFail
		return
	}

	for i := 0; i < W25NPagesPerBlock; i++ {
		delete(w.eccFail, block*W25NPagesPerBlock+i)
	}

	w.store(int64(block)*W25NPagesPerBlock*w25nRawPage, ones(W25NPagesPerBlock*w25nRawPage))
}

func (w *W25N) link(data []byte) {
	if len(data) < 4 {
		return
	}

	if len(w.lut) == w25nLUTSize {
		w.sr3 |= wbSR3LUTF
		return
	}

	w.lut = append(w.lut, lutLink{
		lba: binary.BigEndian.Uint16(data) & 0x3ff,
		pba: binary.BigEndian.Uint16(data[2:]),
	})

	if len(w.lut) == w25nLUTSize {
		w.sr3 |= wbSR3LUTF
	}
}

func (w *W25N) load(off int64, p []byte) {
	if _, err := w.Storage.ReadAt(p, off); err != nil {
		slog.Error("sim: W25N storage read failed", "off", off, "err", err)
	}
}

func (w *W25N) store(off int64, p []byte) {
	if _, err := w.Storage.WriteAt(p, off); err != nil {
		slog.Error("sim: W25N storage write failed", "off", off, "err", err)
	}
}

package sim

import (
	"encoding/binary"
	"fmt"
	"log/slog"
)

// MT25Q emulates a Micron MT25Q serial NOR flash.
type MT25Q struct {
	ID      [3]byte
	Storage Storage

	// FailProgram and FailErase make program and erase operations report
	// failure in the flag status register without changing the array.
	FailProgram bool
	FailErase   bool

	size   int64
	status uint8
	flag   uint8
	nvcr   uint16
	vcr    uint8
	evcr   uint8
	addr4  bool
	xip    bool
	rstEn  bool
}

// MT25QL128ID is the JEDEC ID of a 128Mb MT25QL.
var MT25QL128ID = [3]byte{0x20, 0xba, 0x18}

const (
	mtReadID       = 0x9f
	mtReadIDAlt    = 0x9e
	mtMIOReadID    = 0xaf
	mtReadStatus   = 0x05
	mtWriteStatus  = 0x01
	mtWriteEnable  = 0x06
	mtWriteDisable = 0x04
	mtRead         = 0x03
	mtFastRead     = 0x0b
	mtRead4        = 0x13
	mtFastRead4    = 0x0c
	mtDualOut4     = 0x3c
	mtQuadOut4     = 0x6c
	mtDualIO4      = 0xbc
	mtQuadIO4      = 0xec
	mtPageProgram  = 0x02
	mtPageProgram4 = 0x12
	mtReadFlag     = 0x70
	mtClearFlag    = 0x50
	mtReadNVCR     = 0xb5
	mtWriteNVCR    = 0xb1
	mtReadVCR      = 0x85
	mtWriteVCR     = 0x81
	mtReadEVCR     = 0x65
	mtWriteEVCR    = 0x61
	mtEnter4B      = 0xb7
	mtExit4B       = 0xe9
	mtBulkErase    = 0xc7
	mtBulkEraseAlt = 0x60
	mtDieErase     = 0xc4
	mtSectorErase  = 0xd8
	mtSectorErase4 = 0xdc
	mtSubsector    = 0x20
	mtSubsector4   = 0x21
	mtResetEnable  = 0x66
	mtResetMemory  = 0x99
)

const (
	mtStatusWIP = 1 << 0
	mtStatusWEL = 1 << 1

	mtFlagReady    = 1 << 7
	mtFlagEraseErr = 1 << 5
	mtFlagProgErr  = 1 << 4
	mtFlagAddr4    = 1 << 0

	mtEVCRDualOff = 1 << 6
	mtEVCRQuadOff = 1 << 7
	mtVCRXIPOff   = 1 << 3

	mtPageSize      = 256
	mtSectorSize    = 64 << 10
	mtSubsectorSize = 4 << 10
	mtDieSize       = 64 << 20
)

// NewMT25Q returns a chip in its power-on state backed by s.
func NewMT25Q(id [3]byte, s Storage) (*MT25Q, error) {
	size, err := s.Size()
	if err != nil {
		return nil, err
	}

	if size == 0 || size%mtSectorSize != 0 {
		return nil, fmt.Errorf("sim: MT25Q storage size %d is not a whole number of sectors", size)
	}

	m := &MT25Q{ID: id, Storage: s, size: size, nvcr: 0xffff}
	m.reset()
	return m, nil
}

// reset restores the volatile state.
func (m *MT25Q) reset() {
	m.status = 0
	m.flag = mtFlagReady
	m.vcr = 0xfb
	m.evcr = 0xdf
	m.addr4 = m.nvcr&1 == 0
	m.xip = false
	m.rstEn = false

	if m.addr4 {
		m.flag |= mtFlagAddr4
	}
}

// EVConfig returns the enhanced volatile configuration register.
func (m *MT25Q) EVConfig() uint8 { return m.evcr }

// SetEVConfig sets the enhanced volatile configuration register, as if the
// chip had been left in another protocol by earlier software.
func (m *MT25Q) SetEVConfig(v uint8) { m.evcr = v }

// FourByte reports whether 4-byte address mode is enabled.
func (m *MT25Q) FourByte() bool { return m.addr4 }

// XIP reports whether the chip is in XIP mode.
func (m *MT25Q) XIP() bool { return m.xip }

// lanes returns the number of lanes the chip expects opcodes on.
func (m *MT25Q) lanes() int {
	switch {
	case m.evcr&mtEVCRQuadOff == 0:
		return 4
	case m.evcr&mtEVCRDualOff == 0:
		return 2
	default:
		return 1
	}
}

// addrOK reports whether f carries as many address bytes as op takes in the
// current addressing mode. Opcodes with a fixed 4-byte variant always take 4.
func (m *MT25Q) addrOK(f Frame) bool {
	n := len(f.Command) - 1

	switch f.Op() {
	case mtRead, mtFastRead, mtPageProgram, mtSectorErase, mtSubsector, mtDieErase:
		if m.addr4 {
			return n == 4
		}

		return n == 3

	case mtRead4, mtFastRead4, mtDualOut4, mtQuadOut4, mtDualIO4, mtQuadIO4, mtPageProgram4, mtSectorErase4, mtSubsector4:
		return n == 4
	}

	return true
}

// DataIn implements Target.
func (m *MT25Q) DataIn(f Frame) int {
	switch f.Op() {
	case mtPageProgram, mtPageProgram4, mtWriteStatus, mtWriteNVCR, mtWriteVCR, mtWriteEVCR:
		return -1

	case mtFastRead:
		// XIP confirmation bit
		if m.vcr&mtVCRXIPOff == 0 {
			return 1
		}
	}

	return 0
}

// Transact implements Target.
func (m *MT25Q) Transact(f Frame) []byte {
	if cmdLanes(f.Format) != m.lanes() {
		return ones(f.RxLen)
	}

	op := f.Op()
	if op != mtResetMemory {
		m.rstEn = false
	}

	if !m.addrOK(f) {
		slog.Warn("sim: MT25Q address width doesn't match the addressing mode", "op", op, "bytes", len(f.Command)-1)
		return ones(f.RxLen)
	}

	switch op {
	case mtReadID, mtReadIDAlt, mtMIOReadID:
		return respond(f.RxLen, m.ID[0], m.ID[1], m.ID[2], 0x10)

	case mtReadStatus:
		return respond(f.RxLen, m.status)

	case mtReadFlag:
		return respond(f.RxLen, m.flag)

	case mtClearFlag:
		m.flag &^= mtFlagEraseErr | mtFlagProgErr

	case mtReadNVCR:
		return respond(f.RxLen, byte(m.nvcr), byte(m.nvcr>>8))

	case mtReadVCR:
		return respond(f.RxLen, m.vcr)

	case mtReadEVCR:
		return respond(f.RxLen, m.evcr)

	case mtWriteEnable:
		m.status |= mtStatusWEL

	case mtWriteDisable:
		m.status &^= mtStatusWEL

	case mtWriteVCR, mtWriteEVCR, mtWriteNVCR, mtWriteStatus:
		m.writeRegister(op, f.Data)

	case mtEnter4B, mtExit4B:
		if m.status&mtStatusWEL != 0 {
			m.addr4 = op == mtEnter4B
			m.flag &^= mtFlagAddr4
			if m.addr4 {
				m.flag |= mtFlagAddr4
			}
		}

		m.status &^= mtStatusWEL

	case mtRead, mtFastRead, mtRead4, mtFastRead4, mtDualOut4, mtQuadOut4, mtDualIO4, mtQuadIO4:
		if op == mtFastRead && len(f.Data) > 0 {
			m.xip = f.Data[0]&1 == 0
		}

		p := make([]byte, f.RxLen)
		m.load(int64(f.Addr()), p)
		return p

	case mtPageProgram, mtPageProgram4:
		m.program(f.Addr(), f.Data)

	case mtSectorErase, mtSectorErase4:
		m.erase(f.Addr(), mtSectorSize)

	case mtSubsector, mtSubsector4:
		m.erase(f.Addr(), mtSubsectorSize)

	case mtDieErase:
		m.erase(f.Addr(), min(mtDieSize, m.size))

	case mtBulkErase, mtBulkEraseAlt:
		m.erase(0, m.size)

	case mtResetEnable:
		m.rstEn = true

	case mtResetMemory:
		if m.rstEn {
			m.reset()
		}

	default:
		slog.Warn("sim: MT25Q unknown opcode", "op", op)
	}

	return ones(f.RxLen)
}

// ReadXIP implements XIPReader.
func (m *MT25Q) ReadXIP(p []byte, off int64) (int, error) {
	if !m.xip {
		return 0, ErrXIP
	}

	m.load(off, p)
	return len(p), nil
}

func (m *MT25Q) writeRegister(op byte, data []byte) {
	defer func() { m.status &^= mtStatusWEL }()

	if m.status&mtStatusWEL == 0 || len(data) == 0 {
		return
	}

	switch op {
	case mtWriteVCR:
		m.vcr = data[0]
	case mtWriteEVCR:
		m.evcr = data[0]
	case mtWriteNVCR:
		if len(data) >= 2 {
			m.nvcr = binary.LittleEndian.Uint16(data)
		}
	case mtWriteStatus:
		m.status = data[0] &^ (mtStatusWIP | mtStatusWEL)
	}
}

// program ANDs data into the page containing addr, wrapping at the page end.
func (m *MT25Q) program(addr uint32, data []byte) {
	defer func() { m.status &^= mtStatusWEL }()

	m.flag &^= mtFlagProgErr
	if m.status&mtStatusWEL == 0 {
		return
	}

	if m.FailProgram {
		m.flag |= mtFlagProgErr
		return
	}

	base := int64(addr) &^ (mtPageSize - 1) % m.size
	page := make([]byte, mtPageSize)
	m.load(base, page)

	for i, b := range data {
		page[(int(addr)+i)%mtPageSize] &= b
	}

	m.store(base, page)
}

func (m *MT25Q) erase(addr uint32, size int64) {
	defer func() { m.status &^= mtStatusWEL }()

	m.flag &^= mtFlagEraseErr
	if m.status&mtStatusWEL == 0 {
		return
	}

	if m.FailErase {
		m.flag |= mtFlagEraseErr
		return
	}

	base := int64(addr) &^ (size - 1) % m.size
	m.store(base, ones(int(size)))
}

// load reads the array at off, wrapping at the end of the device.
func (m *MT25Q) load(off int64, p []byte) {
	for n := 0; n < len(p); {
		pos := (off + int64(n)) % m.size
		k := min(len(p)-n, int(m.size-pos))

		if _, err := m.Storage.ReadAt(p[n:n+k], pos); err != nil {
			slog.Error("sim: MT25Q storage read failed", "off", pos, "err", err)
		}

		n += k
	}
}

func (m *MT25Q) store(off int64, p []byte) {
	if _, err := m.Storage.WriteAt(p, off); err != nil {
		slog.Error("sim: MT25Q storage write failed", "off", off, "err", err)
	}
}

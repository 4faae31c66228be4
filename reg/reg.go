// Package reg provides 32-bit register access to a memory-mapped peripheral.
package reg

// Space is a window of 32-bit registers addressed by byte offset from the
// peripheral's base address.
type Space interface {
	// Read32 reads the register at off.
	Read32(off uint32) uint32

	// Write32 writes v to the register at off.
	Write32(off uint32, v uint32)
}

// Set sets the bits in mask with a read-modify-write.
func Set(s Space, off, mask uint32) {
	s.Write32(off, s.Read32(off)|mask)
}

// Clear clears the bits in mask with a read-modify-write.
func Clear(s Space, off, mask uint32) {
	s.Write32(off, s.Read32(off)&^mask)
}

// Update replaces the bits in mask with the corresponding bits of v.
func Update(s Space, off, mask, v uint32) {
	s.Write32(off, s.Read32(off)&^mask|v&mask)
}

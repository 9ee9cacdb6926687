// Package register decodes and encodes the CID, CSD and EXT_CSD card registers.
package register

// Unstuff extracts size bits starting at bit start from a 128-bit register response. Bit 0 is the
// least significant bit of resp[3] and bit 127 the most significant bit of resp[0]. A field may
// straddle at most two words.
func Unstuff(resp [4]uint32, start, size uint) uint32 {
	mask := uint32(0xFFFFFFFF)
	if size < 32 {
		mask = 1<<size - 1
	}
	off := 3 - start/32
	shift := start & 31
	res := resp[off] >> shift
	if size+shift > 32 {
		res |= resp[off-1] << (32 - shift)
	}
	return res & mask
}

// stuff is the inverse of Unstuff, used to build registers in tests and the simulator.
func stuff(resp *[4]uint32, start, size uint, val uint32) {
	for i := uint(0); i < size; i++ {
		bit := start + i
		word := 3 - bit/32
		if val&(1<<i) != 0 {
			resp[word] |= 1 << (bit & 31)
		} else {
			resp[word] &^= 1 << (bit & 31)
		}
	}
}

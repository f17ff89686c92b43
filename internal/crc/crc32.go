// Package crc implements the CRC variants used by the gateway. The control
// frame's CRC-32 is an unreflected 802.3-polynomial profile that neither
// hash/crc32 nor any library in the example corpus can produce (see
// DESIGN.md), so it is hand-written here word-at-a-time, matching the
// processing order spec.md §4.5 mandates (previous CRC state XORed into the
// next 32-bit word before the bit loop).
package crc

const poly32 = 0x04C11DB7

// Word32Unreflected runs one step of the control-frame CRC: it XORs prior
// into word, then processes the 32 bits MSB-first with no reflection and
// no final XOR, returning the resulting remainder.
func Word32Unreflected(prior uint32, word uint32) uint32 {
	crc := prior ^ word
	for i := 0; i < 32; i++ {
		if crc&0x80000000 != 0 {
			crc = (crc << 1) ^ poly32
		} else {
			crc = crc << 1
		}
	}
	return crc
}

// ControlFrame32 computes the control-frame CRC over word0 then word1,
// per spec.md §4.5: initial remainder 0xFFFFFFFF, Word0 first, then Word1
// (caller must have already zeroed the CRC byte within word1).
func ControlFrame32(word0, word1 uint32) uint32 {
	crc := Word32Unreflected(0xFFFFFFFF, word0)
	crc = Word32Unreflected(crc, word1)
	return crc
}

// Package controlframe bit-packs the gateway's structured periodic CAN IO
// frame (spec.md §4.5): two potentiometers, discrete flags, a rolling
// counter written twice, cruise speed, regen preset and an optional CRC
// byte, packed into two little-endian 32-bit words.
package controlframe

import "github.com/outlandnish/openinverter-can-gateway/internal/crc"

// Discrete flag bits within ControlState.Flags.
const (
	FlagCruise = 0x01
	FlagStart  = 0x02
	FlagBrake  = 0x04
	FlagFwd    = 0x08
	FlagRev    = 0x10
	FlagBms    = 0x20
)

// ControlState holds the live values of a control-frame PeriodicJob.
// Pack masks every field to its declared width, so callers may pass
// oversize values and get silently truncated output by contract.
type ControlState struct {
	Pot          uint16 // 12 bits
	Pot2         uint16 // 12 bits
	Flags        uint8  // 6 bits
	Counter      uint8  // 2 bits
	CruiseSpeed  uint16 // 14 bits
	RegenPreset  uint8  // 8 bits
	UseCrc       bool
}

func mask(v uint32, bits uint) uint32 {
	return v & ((1 << bits) - 1)
}

// Pack produces the 8-byte control frame payload for the current state.
func (s ControlState) Pack() [8]byte {
	pot := mask(uint32(s.Pot), 12)
	pot2 := mask(uint32(s.Pot2), 12)
	flags := mask(uint32(s.Flags), 6)
	counter := mask(uint32(s.Counter), 2)
	cruise := mask(uint32(s.CruiseSpeed), 14)
	regen := mask(uint32(s.RegenPreset), 8)

	word0 := pot | (pot2 << 12) | (flags << 24) | (counter << 30)
	word1 := cruise | (counter << 14) | (regen << 16) // CRC byte (bits 24-31) filled below

	var crcByte uint32
	if s.UseCrc {
		remainder := crc.ControlFrame32(word0, word1)
		crcByte = remainder & 0xFF
	}
	word1 |= crcByte << 24

	var out [8]byte
	out[0] = byte(word0)
	out[1] = byte(word0 >> 8)
	out[2] = byte(word0 >> 16)
	out[3] = byte(word0 >> 24)
	out[4] = byte(word1)
	out[5] = byte(word1 >> 8)
	out[6] = byte(word1 >> 16)
	out[7] = byte(word1 >> 24)
	return out
}

package registers

import "math"

// EncodeFloat32 splits the IEEE-754 bit pattern of v into two registers,
// high word first.
func EncodeFloat32(v float32) (hi, lo uint16) {
	bits := math.Float32bits(v)
	return uint16(bits >> 16), uint16(bits)
}

// DecodeFloat32 is the inverse of EncodeFloat32.
func DecodeFloat32(hi, lo uint16) float32 {
	return math.Float32frombits(uint32(hi)<<16 | uint32(lo))
}

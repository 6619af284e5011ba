package registers

import "github.com/raterudder/gridgateway/pkg/types"

// Control register offsets inside the holding register file.
const (
	AddrPOutEnable  uint16 = 11
	AddrQOutEnable  uint16 = 12
	AddrPOutPercent uint16 = 13 // float32, 13-14
	AddrPOutKW      uint16 = 15 // float32, 15-16
	AddrQOutPercent uint16 = 17 // float32, 17-18
	AddrQOutKVAR    uint16 = 19 // float32, 19-20
)

// Decode interprets the control block of a holding register snapshot.
func Decode(s HoldingSnapshot) types.ControlRegisterSet {
	return types.ControlRegisterSet{
		POutEnabled: s.Uint16(AddrPOutEnable) != 0,
		POutPercent: s.Float32(AddrPOutPercent),
		POutKW:      s.Float32(AddrPOutKW),
		QOutEnabled: s.Uint16(AddrQOutEnable) != 0,
		QOutPercent: s.Float32(AddrQOutPercent),
		QOutKVAR:    s.Float32(AddrQOutKVAR),
	}
}

// EncodeControl returns the register values a utility client writes to
// request c, keyed by address.
func EncodeControl(c types.ControlRegisterSet) map[uint16]uint16 {
	out := make(map[uint16]uint16, 10)
	out[AddrPOutEnable] = boolRegister(c.POutEnabled)
	out[AddrQOutEnable] = boolRegister(c.QOutEnabled)
	for addr, v := range map[uint16]float32{
		AddrPOutPercent: c.POutPercent,
		AddrPOutKW:      c.POutKW,
		AddrQOutPercent: c.QOutPercent,
		AddrQOutKVAR:    c.QOutKVAR,
	} {
		out[addr], out[addr+1] = EncodeFloat32(v)
	}
	return out
}

func boolRegister(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}

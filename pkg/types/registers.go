package types

// RegisterMapping binds an input register address to a telemetry signal.
// Float mappings occupy BaseAddress and BaseAddress+1.
type RegisterMapping struct {
	BaseAddress uint16  `json:"baseAddress"`
	Description string  `json:"description"`
	SignalRef   string  `json:"signalRef"`
	IsFloat     bool    `json:"isFloat"`
	ScaleFactor float32 `json:"scaleFactor"`
}

// Addresses returns the registers the mapping occupies.
func (m RegisterMapping) Addresses() []uint16 {
	if m.IsFloat && m.BaseAddress < 0xFFFF {
		return []uint16{m.BaseAddress, m.BaseAddress + 1}
	}
	return []uint16{m.BaseAddress}
}

// Signal builds a signal reference of the form "<component>/<channel>".
func Signal(component, channel string) string {
	return component + "/" + channel
}

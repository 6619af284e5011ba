package types

import "math"

// ControlRegisterSet is the utility's view of the requested curtailment,
// decoded from the holding registers on demand. It is never stored.
type ControlRegisterSet struct {
	// Active power (P) channel
	POutEnabled bool    `json:"pOutEnabled"`
	POutPercent float32 `json:"pOutPercent"` // 0..100
	POutKW      float32 `json:"pOutKW"`

	// Reactive power (Q) channel, signed
	QOutEnabled bool    `json:"qOutEnabled"`
	QOutPercent float32 `json:"qOutPercent"` // -100..100
	QOutKVAR    float32 `json:"qOutKVAR"`
}

// Channel identifies which power quantity a setpoint applies to.
type Channel string

const (
	ChannelActive   Channel = "P"
	ChannelReactive Channel = "Q"
)

// Mode is the way a setpoint is expressed for a channel in a given cycle.
type Mode string

const (
	ModeIdle     Mode = "idle"
	ModePercent  Mode = "percent"
	ModeAbsolute Mode = "absolute"
)

// ChannelMode returns the mode requested for the given channel. P uses
// percent mode only for strictly positive values. Q is signed so any
// non-zero percent selects percent mode, which means a zero percent command
// cannot be told apart from "not set".
func (c ControlRegisterSet) ChannelMode(ch Channel) Mode {
	switch ch {
	case ChannelActive:
		if !c.POutEnabled {
			return ModeIdle
		}
		if c.POutPercent > 0 {
			return ModePercent
		}
		return ModeAbsolute
	case ChannelReactive:
		if !c.QOutEnabled {
			return ModeIdle
		}
		if c.QOutPercent != 0 {
			return ModePercent
		}
		return ModeAbsolute
	default:
		return ModeIdle
	}
}

// Percent returns the percent setpoint of the channel.
func (c ControlRegisterSet) Percent(ch Channel) float32 {
	if ch == ChannelReactive {
		return c.QOutPercent
	}
	return c.POutPercent
}

// Absolute returns the absolute setpoint of the channel in native units
// (W for P, var for Q).
func (c ControlRegisterSet) Absolute(ch Channel) float32 {
	if ch == ChannelReactive {
		return c.QOutKVAR * 1000
	}
	return c.POutKW * 1000
}

// AppliedValue is the last value actually sent on a channel. NaN means the
// channel was never applied.
type AppliedValue float32

// NeverApplied is the initial AppliedValue of every channel.
var NeverApplied = AppliedValue(float32(math.NaN()))

// Applied reports whether a value was ever applied.
func (v AppliedValue) Applied() bool {
	return !math.IsNaN(float64(v))
}

// MarshalJSON encodes never-applied values as null since JSON has no NaN.
func (v AppliedValue) MarshalJSON() ([]byte, error) {
	if !v.Applied() {
		return []byte("null"), nil
	}
	return []byte(formatFloat32(float32(v))), nil
}

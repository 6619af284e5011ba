package types

import (
	"fmt"
	"strconv"
)

// ManagedDevice is a point-in-time snapshot of a device the gateway curtails.
type ManagedDevice struct {
	ID string `json:"id"`
	// Rated capacity in W and var
	MaxActivePower   int  `json:"maxActivePower"`
	MaxReactivePower int  `json:"maxReactivePower"`
	Enabled          bool `json:"enabled"`
	Fault            bool `json:"fault"`
}

// Healthy reports whether the device should take part in a distribution when
// faulted devices are redistributed around.
func (d ManagedDevice) Healthy() bool {
	return d.Enabled && !d.Fault
}

// MaxPower returns the rated capacity for the channel.
func (d ManagedDevice) MaxPower(ch Channel) int {
	if ch == ChannelReactive {
		return d.MaxReactivePower
	}
	return d.MaxActivePower
}

// Limit is a power limit command argument. An invalid Limit removes the limit.
type Limit struct {
	Value int
	Valid bool
}

// NoLimit removes any limit previously set on a device.
var NoLimit = Limit{}

// LimitOf returns a Limit set to v.
func LimitOf(v int) Limit {
	return Limit{Value: v, Valid: true}
}

func (l Limit) String() string {
	if !l.Valid {
		return "none"
	}
	return strconv.Itoa(l.Value)
}

func formatFloat32(f float32) string {
	return strconv.FormatFloat(float64(f), 'f', -1, 32)
}

// MarshalJSON encodes a removed limit as null.
func (l Limit) MarshalJSON() ([]byte, error) {
	if !l.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(l.Value)), nil
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (l *Limit) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*l = NoLimit
		return nil
	}
	v, err := strconv.Atoi(string(b))
	if err != nil {
		return fmt.Errorf("invalid limit %q: %w", b, err)
	}
	*l = LimitOf(v)
	return nil
}

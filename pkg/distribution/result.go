package distribution

import (
	"time"

	"github.com/raterudder/gridgateway/pkg/types"
)

// SkipReason explains why a channel issued no commands in a cycle.
type SkipReason string

const (
	SkipDisabled        SkipReason = "disabled"
	SkipNoActiveDevices SkipReason = "noActiveDevices"
	SkipUnchanged       SkipReason = "unchanged"
	SkipInvalid         SkipReason = "invalidSetpoint"
)

// Allocation is the limit sent to one device.
type Allocation struct {
	DeviceID string      `json:"deviceID"`
	Limit    types.Limit `json:"limit"`
	Error    string      `json:"error,omitempty"`
	Err      error       `json:"-"`
}

// ChannelResult describes what a cycle did for one channel.
type ChannelResult struct {
	Channel  types.Channel `json:"channel"`
	Mode     types.Mode    `json:"mode"`
	Skipped  SkipReason    `json:"skipped,omitempty"`
	Setpoint float32       `json:"setpoint"`
	// Allocations is empty when the channel was skipped.
	Allocations []Allocation `json:"allocations,omitempty"`
}

// Failed returns the allocations whose device rejected or missed the command.
func (c ChannelResult) Failed() []Allocation {
	var failed []Allocation
	for _, a := range c.Allocations {
		if a.Err != nil {
			failed = append(failed, a)
		}
	}
	return failed
}

// Result is the outcome of one cycle.
type Result struct {
	Timestamp time.Time                `json:"timestamp"`
	Control   types.ControlRegisterSet `json:"control"`
	Channels  []ChannelResult          `json:"channels"`
}

// Channel returns the result for ch.
func (r Result) Channel(ch types.Channel) ChannelResult {
	for _, c := range r.Channels {
		if c.Channel == ch {
			return c
		}
	}
	return ChannelResult{Channel: ch}
}

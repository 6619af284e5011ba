package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelMode(t *testing.T) {
	t.Run("P disabled", func(t *testing.T) {
		c := ControlRegisterSet{POutPercent: 50}
		assert.Equal(t, ModeIdle, c.ChannelMode(ChannelActive))
	})

	t.Run("P percent when positive", func(t *testing.T) {
		c := ControlRegisterSet{POutEnabled: true, POutPercent: 0.5, POutKW: 10}
		assert.Equal(t, ModePercent, c.ChannelMode(ChannelActive))
	})

	t.Run("P absolute when percent is zero or negative", func(t *testing.T) {
		c := ControlRegisterSet{POutEnabled: true, POutPercent: -3, POutKW: 10}
		assert.Equal(t, ModeAbsolute, c.ChannelMode(ChannelActive))
		c.POutPercent = 0
		assert.Equal(t, ModeAbsolute, c.ChannelMode(ChannelActive))
	})

	t.Run("Q percent when negative", func(t *testing.T) {
		c := ControlRegisterSet{QOutEnabled: true, QOutPercent: -20}
		assert.Equal(t, ModePercent, c.ChannelMode(ChannelReactive))
	})

	t.Run("Q zero percent is absolute", func(t *testing.T) {
		c := ControlRegisterSet{QOutEnabled: true, QOutPercent: 0, QOutKVAR: 2}
		assert.Equal(t, ModeAbsolute, c.ChannelMode(ChannelReactive))
	})
}

func TestAbsoluteUnits(t *testing.T) {
	c := ControlRegisterSet{POutKW: 4, QOutKVAR: -1.5}
	assert.Equal(t, float32(4000), c.Absolute(ChannelActive))
	assert.Equal(t, float32(-1500), c.Absolute(ChannelReactive))
}

func TestAppliedValueJSON(t *testing.T) {
	b, err := json.Marshal(map[string]AppliedValue{"p": NeverApplied, "q": AppliedValue(42.5)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"p":null,"q":42.5}`, string(b))
	assert.False(t, NeverApplied.Applied())
	assert.True(t, AppliedValue(0).Applied())
}

func TestRegisterMappingAddresses(t *testing.T) {
	assert.Equal(t, []uint16{25, 26}, RegisterMapping{BaseAddress: 25, IsFloat: true}.Addresses())
	assert.Equal(t, []uint16{7}, RegisterMapping{BaseAddress: 7}.Addresses())
	assert.Equal(t, []uint16{0xFFFF}, RegisterMapping{BaseAddress: 0xFFFF, IsFloat: true}.Addresses())
}

func TestManagedDevice(t *testing.T) {
	d := ManagedDevice{MaxActivePower: 3000, MaxReactivePower: 1200, Enabled: true}
	assert.True(t, d.Healthy())
	assert.Equal(t, 3000, d.MaxPower(ChannelActive))
	assert.Equal(t, 1200, d.MaxPower(ChannelReactive))

	d.Fault = true
	assert.False(t, d.Healthy())

	assert.Equal(t, "none", NoLimit.String())
	assert.Equal(t, "-40", LimitOf(-40).String())

	b, err := json.Marshal([]Limit{NoLimit, LimitOf(1500)})
	require.NoError(t, err)
	assert.JSONEq(t, `[null,1500]`, string(b))

	var limits []Limit
	require.NoError(t, json.Unmarshal(b, &limits))
	assert.Equal(t, []Limit{NoLimit, LimitOf(1500)}, limits)
	assert.Error(t, json.Unmarshal([]byte(`["x"]`), &limits))
}

package registers

import (
	"fmt"
	"sort"

	"github.com/raterudder/gridgateway/pkg/types"
)

const (
	// MaxDevices is the most inverters that get per-device input registers.
	MaxDevices = 10

	// first address after the static block
	deviceBaseAddress = 25
	deviceStride      = 4

	scaleKilo  float32 = 0.001
	scaleUnity float32 = 1
)

// staticLayout is the fixed block at input registers 1..24. Signal refs are
// relative to the grid meter.
var staticLayout = []struct {
	address     uint16
	description string
	channel     string
	scale       float32
}{
	{1, "Grid active power [kW]", "ActivePower", scaleKilo},
	{3, "Grid reactive power [kvar]", "ReactivePower", scaleKilo},
	{5, "Voltage L1 [V]", "VoltageL1", scaleUnity},
	{7, "Voltage L2 [V]", "VoltageL2", scaleUnity},
	{9, "Voltage L3 [V]", "VoltageL3", scaleUnity},
	{11, "Current L1 [A]", "CurrentL1", scaleUnity},
	{13, "Current L2 [A]", "CurrentL2", scaleUnity},
	{15, "Current L3 [A]", "CurrentL3", scaleUnity},
	{17, "Frequency [Hz]", "Frequency", scaleUnity},
	{19, "Grid import energy [kWh]", "ActiveConsumptionEnergy", scaleKilo},
	{21, "Grid export energy [kWh]", "ActiveProductionEnergy", scaleKilo},
	{23, "Grid power factor", "PowerFactor", scaleUnity},
}

// Map is the immutable input register table. It is built once at startup.
type Map struct {
	mappings []types.RegisterMapping
	// address -> index into mappings, for both words of a float
	byAddress map[uint16]int
}

// NewMap builds the register table for the given grid meter and managed
// inverters. Only the first maxDevices inverters get per-device registers.
func NewMap(meterID string, inverterIDs []string, maxDevices int) (*Map, error) {
	if maxDevices < 0 || maxDevices > MaxDevices {
		return nil, fmt.Errorf("max devices must be between 0 and %d: %d", MaxDevices, maxDevices)
	}
	m := &Map{
		byAddress: make(map[uint16]int),
	}
	for _, s := range staticLayout {
		if err := m.add(types.RegisterMapping{
			BaseAddress: s.address,
			Description: s.description,
			SignalRef:   types.Signal(meterID, s.channel),
			IsFloat:     true,
			ScaleFactor: s.scale,
		}); err != nil {
			return nil, err
		}
	}
	for i, id := range inverterIDs {
		if i >= maxDevices {
			break
		}
		if err := m.add(types.RegisterMapping{
			BaseAddress: DeviceActivePowerAddress(i),
			Description: fmt.Sprintf("%s active power [kW]", id),
			SignalRef:   types.Signal(id, "ActivePower"),
			IsFloat:     true,
			ScaleFactor: scaleKilo,
		}); err != nil {
			return nil, err
		}
		if err := m.add(types.RegisterMapping{
			BaseAddress: DeviceEnergyAddress(i),
			Description: fmt.Sprintf("%s production energy [kWh]", id),
			SignalRef:   types.Signal(id, "ActiveProductionEnergy"),
			IsFloat:     true,
			ScaleFactor: scaleKilo,
		}); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Map) add(mapping types.RegisterMapping) error {
	addrs := mapping.Addresses()
	for _, a := range addrs {
		if idx, ok := m.byAddress[a]; ok {
			return fmt.Errorf("register %d of %q overlaps %q", a, mapping.Description, m.mappings[idx].Description)
		}
	}
	m.mappings = append(m.mappings, mapping)
	for _, a := range addrs {
		m.byAddress[a] = len(m.mappings) - 1
	}
	return nil
}

// DeviceActivePowerAddress is the base register of the active power of the
// i-th inverter (0-based).
func DeviceActivePowerAddress(i int) uint16 {
	return uint16(deviceBaseAddress + deviceStride*i)
}

// DeviceEnergyAddress is the base register of the cumulative production
// energy of the i-th inverter (0-based).
func DeviceEnergyAddress(i int) uint16 {
	return DeviceActivePowerAddress(i) + 2
}

// Lookup returns the mapping whose base address is address or address-1.
func (m *Map) Lookup(address uint16) (types.RegisterMapping, bool) {
	idx, ok := m.byAddress[address]
	if !ok {
		return types.RegisterMapping{}, false
	}
	return m.mappings[idx], true
}

// Mappings returns a copy of all mappings ordered by address.
func (m *Map) Mappings() []types.RegisterMapping {
	out := make([]types.RegisterMapping, len(m.mappings))
	copy(out, m.mappings)
	sort.Slice(out, func(i, j int) bool {
		return out[i].BaseAddress < out[j].BaseAddress
	})
	return out
}

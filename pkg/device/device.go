package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/raterudder/gridgateway/pkg/types"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	// ErrUnreachable and ErrRejected are what drivers wrap when a command
	// cannot be delivered or is refused by the device.
	ErrUnreachable = errors.New("device unreachable")
	ErrRejected    = errors.New("device rejected command")
)

const (
	// Naming conventions used to discover devices from their ids.
	MeterPrefix    = "meter"
	InverterPrefix = "pvInverter"
)

// Device is a power-producing device the gateway can curtail. Any method may
// fail, for example with ErrUnreachable or ErrRejected.
type Device interface {
	// ID returns the configured identifier of the device.
	ID() string

	// Status returns a fresh snapshot of capacity and health.
	Status(ctx context.Context) (types.ManagedDevice, error)

	// SetActivePowerLimit limits active power to the given watts.
	SetActivePowerLimit(ctx context.Context, watts types.Limit) error

	// SetActivePowerLimitPercent limits active power to a percentage of capacity.
	SetActivePowerLimitPercent(ctx context.Context, percent types.Limit) error

	// SetReactivePowerLimit limits reactive power to the given var.
	SetReactivePowerLimit(ctx context.Context, vars types.Limit) error

	// SetReactivePowerLimitPercent limits reactive power to a percentage of capacity.
	SetReactivePowerLimitPercent(ctx context.Context, percent types.Limit) error
}

// Registry resolves device identifiers into live devices.
type Registry interface {
	Device(id string) (Device, error)
}

// Map is a Registry of configured devices.
type Map struct {
	mu      sync.Mutex
	devices map[string]Device
}

var _ Registry = (*Map)(nil)

// NewMap creates a new device Map.
func NewMap() *Map {
	return &Map{
		devices: make(map[string]Device),
	}
}

// Device returns the device registered under id.
func (m *Map) Device(id string) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.devices[id]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
}

// SetDevice registers a device under its ID, replacing any previous one.
func (m *Map) SetDevice(d Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID()] = d
}

// IDs returns the registered ids in sorted order.
func (m *Map) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Discover splits component ids into grid meters and managed inverters by
// naming convention, keeping their order. Other ids are ignored.
func Discover(ids []string) (meters, inverters []string) {
	for _, id := range ids {
		switch {
		case strings.HasPrefix(id, MeterPrefix):
			meters = append(meters, id)
		case strings.HasPrefix(id, InverterPrefix):
			inverters = append(inverters, id)
		}
	}
	return meters, inverters
}

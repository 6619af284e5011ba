package devicemock

import (
	"context"

	"github.com/raterudder/gridgateway/pkg/device"
	"github.com/raterudder/gridgateway/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDevice struct {
	mock.Mock
	DeviceID string
}

var _ device.Device = (*MockDevice)(nil)

func New(id string) *MockDevice {
	return &MockDevice{DeviceID: id}
}

func (m *MockDevice) ID() string {
	return m.DeviceID
}

func (m *MockDevice) Status(ctx context.Context) (types.ManagedDevice, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.ManagedDevice), args.Error(1)
	}
	return types.ManagedDevice{ID: m.DeviceID}, nil
}

func (m *MockDevice) SetActivePowerLimit(ctx context.Context, watts types.Limit) error {
	args := m.Called(ctx, watts)
	return args.Error(0)
}

func (m *MockDevice) SetActivePowerLimitPercent(ctx context.Context, percent types.Limit) error {
	args := m.Called(ctx, percent)
	return args.Error(0)
}

func (m *MockDevice) SetReactivePowerLimit(ctx context.Context, vars types.Limit) error {
	args := m.Called(ctx, vars)
	return args.Error(0)
}

func (m *MockDevice) SetReactivePowerLimitPercent(ctx context.Context, percent types.Limit) error {
	args := m.Called(ctx, percent)
	return args.Error(0)
}

package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/raterudder/gridgateway/pkg/telemetry"
	"github.com/raterudder/gridgateway/pkg/types"
)

// Simulated is an in-memory inverter. It honours the limits it is sent and
// publishes the resulting power into a telemetry Store, which makes the
// gateway runnable without real hardware.
type Simulated struct {
	mu     sync.Mutex
	id     string
	status types.ManagedDevice
	// available DC power before curtailment, in W
	available int

	activeLimit          types.Limit
	activeLimitPercent   types.Limit
	reactiveLimit        types.Limit
	reactiveLimitPercent types.Limit

	store      *telemetry.Store
	energyWh   float64
	lastUpdate time.Time
	now        func() time.Time
}

var _ Device = (*Simulated)(nil)

// NewSimulated creates a simulated inverter producing at full capacity.
func NewSimulated(id string, maxActive, maxReactive int, store *telemetry.Store) *Simulated {
	s := &Simulated{
		id: id,
		status: types.ManagedDevice{
			ID:               id,
			MaxActivePower:   maxActive,
			MaxReactivePower: maxReactive,
			Enabled:          true,
		},
		available: maxActive,
		store:     store,
		now:       time.Now,
	}
	s.lastUpdate = s.now()
	s.publishLocked()
	return s
}

// ID implements Device.
func (s *Simulated) ID() string {
	return s.id
}

// Status implements Device.
func (s *Simulated) Status(_ context.Context) (types.ManagedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, nil
}

// SetHealth changes the enabled and fault flags.
func (s *Simulated) SetHealth(enabled, fault bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked()
	s.status.Enabled = enabled
	s.status.Fault = fault
	s.publishLocked()
}

// SetAvailable changes the power the inverter could produce unrestricted.
func (s *Simulated) SetAvailable(watts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked()
	s.available = watts
	s.publishLocked()
}

func (s *Simulated) checkCommand() error {
	if s.status.Fault {
		return fmt.Errorf("%w: %s is faulted", ErrRejected, s.id)
	}
	return nil
}

// SetActivePowerLimit implements Device.
func (s *Simulated) SetActivePowerLimit(_ context.Context, watts types.Limit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCommand(); err != nil {
		return err
	}
	if watts.Valid && watts.Value < 0 {
		return fmt.Errorf("%w: negative active power limit %d", ErrRejected, watts.Value)
	}
	s.advanceLocked()
	s.activeLimit = watts
	s.publishLocked()
	return nil
}

// SetActivePowerLimitPercent implements Device.
func (s *Simulated) SetActivePowerLimitPercent(_ context.Context, percent types.Limit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCommand(); err != nil {
		return err
	}
	if percent.Valid && (percent.Value < 0 || percent.Value > 100) {
		return fmt.Errorf("%w: active power percent %d out of range", ErrRejected, percent.Value)
	}
	s.advanceLocked()
	s.activeLimitPercent = percent
	s.publishLocked()
	return nil
}

// SetReactivePowerLimit implements Device.
func (s *Simulated) SetReactivePowerLimit(_ context.Context, vars types.Limit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCommand(); err != nil {
		return err
	}
	s.advanceLocked()
	s.reactiveLimit = vars
	s.publishLocked()
	return nil
}

// SetReactivePowerLimitPercent implements Device.
func (s *Simulated) SetReactivePowerLimitPercent(_ context.Context, percent types.Limit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCommand(); err != nil {
		return err
	}
	if percent.Valid && (percent.Value < -100 || percent.Value > 100) {
		return fmt.Errorf("%w: reactive power percent %d out of range", ErrRejected, percent.Value)
	}
	s.advanceLocked()
	s.reactiveLimitPercent = percent
	s.publishLocked()
	return nil
}

// ActivePower returns the power currently produced after all limits.
func (s *Simulated) ActivePower() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activePowerLocked()
}

// ReactivePower returns the reactive power currently set.
func (s *Simulated) ReactivePower() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reactivePowerLocked()
}

func (s *Simulated) activePowerLocked() int {
	if !s.status.Healthy() {
		return 0
	}
	p := min(s.available, s.status.MaxActivePower)
	if s.activeLimit.Valid {
		p = min(p, s.activeLimit.Value)
	}
	if s.activeLimitPercent.Valid {
		p = min(p, s.status.MaxActivePower*s.activeLimitPercent.Value/100)
	}
	return max(p, 0)
}

func (s *Simulated) reactivePowerLocked() int {
	if !s.status.Healthy() {
		return 0
	}
	// absolute wins over percent if both were sent
	if s.reactiveLimit.Valid {
		return max(-s.status.MaxReactivePower, min(s.status.MaxReactivePower, s.reactiveLimit.Value))
	}
	if s.reactiveLimitPercent.Valid {
		return s.status.MaxReactivePower * s.reactiveLimitPercent.Value / 100
	}
	return 0
}

// advanceLocked integrates the energy produced at the current power since
// the last change. It must run before anything that changes the power.
func (s *Simulated) advanceLocked() {
	now := s.now()
	s.energyWh += float64(s.activePowerLocked()) * now.Sub(s.lastUpdate).Hours()
	s.lastUpdate = now
}

// publishLocked writes the current values into the store.
func (s *Simulated) publishLocked() {
	if s.store == nil {
		return
	}
	p := s.activePowerLocked()
	s.store.Set(types.Signal(s.id, "ActivePower"), float64(p))
	s.store.Set(types.Signal(s.id, "ReactivePower"), float64(s.reactivePowerLocked()))
	s.store.Set(types.Signal(s.id, "ActiveProductionEnergy"), s.energyWh)
}

// Tick refreshes the published telemetry, advancing the energy counter.
func (s *Simulated) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked()
	s.publishLocked()
}

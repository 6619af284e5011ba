package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnknownSignal = errors.New("unknown signal")
	ErrNotANumber    = errors.New("signal value is not a number")
)

// Source provides the current value of named signals such as
// "meter0/ActivePower".
type Source interface {
	// Value returns the latest value of the signal in its native unit.
	Value(ctx context.Context, signal string) (float64, error)
}

type sample struct {
	value   float64
	updated time.Time
}

// Store is an in-memory Source that upstream producers write into.
type Store struct {
	mu      sync.RWMutex
	samples map[string]sample
	now     func() time.Time
}

var _ Source = (*Store)(nil)

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		samples: make(map[string]sample),
		now:     time.Now,
	}
}

// Set records the current value of a signal.
func (s *Store) Set(signal string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[signal] = sample{value: value, updated: s.now()}
}

// Delete forgets a signal so it reads as unknown again.
func (s *Store) Delete(signal string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.samples, signal)
}

// Value implements Source.
func (s *Store) Value(_ context.Context, signal string) (float64, error) {
	s.mu.RLock()
	smp, ok := s.samples[signal]
	s.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSignal, signal)
	}
	if math.IsNaN(smp.value) {
		return 0, fmt.Errorf("%w: %s", ErrNotANumber, signal)
	}
	return smp.value, nil
}

// Reading is the latest sample of one signal.
type Reading struct {
	Signal  string    `json:"signal"`
	Value   *float64  `json:"value"`
	Updated time.Time `json:"updated"`
}

// Readings returns every signal of a component, sorted by signal name. A NaN
// sample has a nil Value.
func (s *Store) Readings(component string) []Reading {
	prefix := component + "/"
	s.mu.RLock()
	readings := make([]Reading, 0)
	for signal, smp := range s.samples {
		if !strings.HasPrefix(signal, prefix) {
			continue
		}
		r := Reading{Signal: signal, Updated: smp.updated}
		if !math.IsNaN(smp.value) {
			v := smp.value
			r.Value = &v
		}
		readings = append(readings, r)
	}
	s.mu.RUnlock()
	sort.Slice(readings, func(i, j int) bool { return readings[i].Signal < readings[j].Signal })
	return readings
}

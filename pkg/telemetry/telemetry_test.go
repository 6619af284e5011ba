package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/raterudder/gridgateway/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	fixed := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	_, err := s.Value(ctx, "meter0/ActivePower")
	assert.True(t, errors.Is(err, ErrUnknownSignal))

	s.Set("meter0/ActivePower", 12345)
	v, err := s.Value(ctx, "meter0/ActivePower")
	require.NoError(t, err)
	assert.Equal(t, 12345.0, v)

	s.Set("meter0/Frequency", math.NaN())
	_, err = s.Value(ctx, "meter0/Frequency")
	assert.True(t, errors.Is(err, ErrNotANumber))

	s.Set("meter00/ActivePower", 1)
	readings := s.Readings("meter0")
	require.Len(t, readings, 2)
	assert.Equal(t, "meter0/ActivePower", readings[0].Signal)
	require.NotNil(t, readings[0].Value)
	assert.Equal(t, 12345.0, *readings[0].Value)
	assert.Equal(t, fixed, readings[0].Updated)
	assert.Equal(t, "meter0/Frequency", readings[1].Signal)
	assert.Nil(t, readings[1].Value)
	assert.Empty(t, s.Readings("pvInverter0"))

	s.Delete("meter0/ActivePower")
	_, err = s.Value(ctx, "meter0/ActivePower")
	assert.True(t, errors.Is(err, ErrUnknownSignal))
}

func TestStoreConcurrent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Set("pvInverter0/ActivePower", float64(i*j))
				_, _ = s.Value(ctx, "pvInverter0/ActivePower")
			}
		}(i)
	}
	wg.Wait()
	_, err := s.Value(ctx, "pvInverter0/ActivePower")
	assert.NoError(t, err)
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestSubscriberHandleMessage(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	sub := NewSubscriber(store, "", "telemetry/", "test")

	tests := []struct {
		name    string
		topic   string
		payload string
		signal  string
		want    float64
		stored  bool
	}{
		{"plain number", "telemetry/meter0/ActivePower", " 1500.5\n", "meter0/ActivePower", 1500.5, true},
		{"json value", "telemetry/pvInverter0/ActivePower", `{"value": -20}`, "pvInverter0/ActivePower", -20, true},
		{"json without value", "telemetry/pvInverter1/ActivePower", `{"v": 1}`, "pvInverter1/ActivePower", 0, false},
		{"garbage", "telemetry/meter0/VoltageL1", "abc", "meter0/VoltageL1", 0, false},
		{"wrong prefix", "other/meter0/CurrentL1", "3", "meter0/CurrentL1", 0, false},
		{"too deep", "telemetry/meter0/x/CurrentL2", "3", "meter0/x/CurrentL2", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub.handleMessage(ctx, fakeMessage{topic: tt.topic, payload: []byte(tt.payload)})
			v, err := store.Value(ctx, tt.signal)
			if !tt.stored {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestSubscriberClearsSignal(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	sub := NewSubscriber(store, "", "telemetry", "test")

	sub.handleMessage(ctx, fakeMessage{topic: "telemetry/meter0/ActivePower", payload: []byte("42")})
	_, err := store.Value(ctx, "meter0/ActivePower")
	require.NoError(t, err)

	sub.handleMessage(ctx, fakeMessage{topic: "telemetry/meter0/ActivePower", payload: nil})
	_, err = store.Value(ctx, "meter0/ActivePower")
	assert.True(t, errors.Is(err, ErrUnknownSignal))
}

func TestSubscriberDisabled(t *testing.T) {
	sub := NewSubscriber(NewStore(), "", "telemetry", "test")
	assert.NoError(t, sub.Run(context.Background()))
}

package server

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/gridgateway/pkg/device"
	"github.com/raterudder/gridgateway/pkg/device/devicemock"
	"github.com/raterudder/gridgateway/pkg/distribution"
	"github.com/raterudder/gridgateway/pkg/registers"
	"github.com/raterudder/gridgateway/pkg/telemetry"
	"github.com/raterudder/gridgateway/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *registers.HoldingRegisterFile, *devicemock.MockDevice) {
	srv, holding, broken, _ := newTestServerWithTelemetry(t)
	return srv, holding, broken
}

func newTestServerWithTelemetry(t *testing.T) (*Server, *registers.HoldingRegisterFile, *devicemock.MockDevice, *telemetry.Store) {
	t.Helper()
	registry := device.NewMap()
	registry.SetDevice(device.NewSimulated("pvInverter0", 3000, 1000, nil))
	broken := devicemock.New("pvInverter1")
	broken.On("Status", mock.Anything).Return(types.ManagedDevice{}, errors.New("connection refused"))
	registry.SetDevice(broken)

	devices := &device.Configuration{
		Registry:  registry,
		Meters:    []string{"meter0"},
		Inverters: []string{"pvInverter0", "pvInverter1"},
	}
	holding := registers.NewHoldingRegisterFile()
	ctrl := distribution.New(holding, registry, devices.Inverters, distribution.DefaultOptions())
	store := telemetry.NewStore()
	return New(holding, ctrl, devices, store, ":0"), holding, broken, store
}

func writeControl(t *testing.T, f *registers.HoldingRegisterFile, c types.ControlRegisterSet) {
	t.Helper()
	for addr, v := range registers.EncodeControl(c) {
		require.NoError(t, f.Write(int(addr), []uint16{v}))
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, "gridgateway", w.Header().Get("Server"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestHandleStatus(t *testing.T) {
	srv, holding, _ := newTestServer(t)
	writeControl(t, holding, types.ControlRegisterSet{POutEnabled: true, POutKW: 2.5, QOutEnabled: true, QOutPercent: -20})

	t.Run("before any cycle", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/status", nil)
		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Control types.ControlRegisterSet     `json:"control"`
			Modes   map[types.Channel]types.Mode `json:"modes"`
			Applied map[string]*float64          `json:"applied"`
			Meters  []MeterStatus                `json:"meters"`
			Devices []DeviceStatus               `json:"devices"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.True(t, body.Control.POutEnabled)
		assert.Equal(t, float32(2.5), body.Control.POutKW)
		assert.Equal(t, types.ModeAbsolute, body.Modes[types.ChannelActive])
		assert.Equal(t, types.ModePercent, body.Modes[types.ChannelReactive])
		assert.Nil(t, body.Applied["lastP"])
		assert.Nil(t, body.Applied["lastQ"])
		require.Len(t, body.Meters, 1)
		assert.Equal(t, "meter0", body.Meters[0].ID)
		assert.Empty(t, body.Meters[0].Signals)

		require.Len(t, body.Devices, 2)
		assert.Equal(t, 3000, body.Devices[0].MaxActivePower)
		assert.Empty(t, body.Devices[0].Error)
		assert.Equal(t, "pvInverter1", body.Devices[1].ID)
		assert.Equal(t, "connection refused", body.Devices[1].Error)
	})

	t.Run("after a cycle", func(t *testing.T) {
		srv.controller.Cycle(context.Background())

		req := httptest.NewRequest("GET", "/api/status", nil)
		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Applied map[string]*float64 `json:"applied"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.NotNil(t, body.Applied["lastP"])
		assert.Equal(t, 2500.0, *body.Applied["lastP"])
		require.NotNil(t, body.Applied["lastQ"])
		assert.Equal(t, -20.0, *body.Applied["lastQ"])
	})

	t.Run("gzip", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/status", nil)
		req.Header.Set("Accept-Encoding", "gzip")
		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		if w.Header().Get("Content-Encoding") == "gzip" {
			gr, err := gzip.NewReader(w.Body)
			require.NoError(t, err)
			b, err := io.ReadAll(gr)
			require.NoError(t, err)
			assert.True(t, json.Valid(b))
		} else {
			// bodies under the gzip threshold are sent uncompressed
			assert.True(t, json.Valid(w.Body.Bytes()))
		}
	})

	t.Run("non-finite control value", func(t *testing.T) {
		writeControl(t, holding, types.ControlRegisterSet{POutEnabled: true, POutKW: float32(math.NaN())})
		req := httptest.NewRequest("GET", "/api/status", nil)
		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "failed to encode response")
	})
}

func TestHandleStatusMeterSignals(t *testing.T) {
	srv, _, _, store := newTestServerWithTelemetry(t)
	store.Set("meter0/ActivePower", 1500)
	store.Set("meter0/Frequency", math.NaN())
	store.Set("pvInverter0/ActivePower", 700)

	t.Run("fresh", func(t *testing.T) {
		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, httptest.NewRequest("GET", "/api/status", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Meters []MeterStatus `json:"meters"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Len(t, body.Meters, 1)
		signals := body.Meters[0].Signals
		require.Len(t, signals, 2)
		assert.Equal(t, "meter0/ActivePower", signals[0].Signal)
		require.NotNil(t, signals[0].Value)
		assert.Equal(t, 1500.0, *signals[0].Value)
		assert.False(t, signals[0].Stale)
		assert.Equal(t, "meter0/Frequency", signals[1].Signal)
		assert.Nil(t, signals[1].Value)
	})

	t.Run("stale", func(t *testing.T) {
		srv.now = func() time.Time { return time.Now().Add(time.Minute) }
		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, httptest.NewRequest("GET", "/api/status", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Meters []MeterStatus `json:"meters"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Len(t, body.Meters, 1)
		for _, sig := range body.Meters[0].Signals {
			assert.True(t, sig.Stale, sig.Signal)
		}
	})
}

func TestHandleDevice(t *testing.T) {
	srv, _, _ := newTestServer(t)

	t.Run("found", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/devices/pvInverter0", nil)
		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var ds DeviceStatus
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ds))
		assert.Equal(t, "pvInverter0", ds.ID)
		assert.True(t, ds.Enabled)
		assert.Equal(t, 1000, ds.MaxReactivePower)
	})

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/devices/pvInverter9", nil)
		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.JSONEq(t, `{"error":"device not found"}`, w.Body.String())
	})

	t.Run("wrong method", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/devices/pvInverter0", nil)
		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestHandleLastCycle(t *testing.T) {
	srv, holding, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/cycle", nil)
	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	writeControl(t, holding, types.ControlRegisterSet{POutEnabled: true, POutPercent: 60})
	srv.controller.Cycle(context.Background())

	w = httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, httptest.NewRequest("GET", "/api/cycle", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var res distribution.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	p := res.Channel(types.ChannelActive)
	assert.Equal(t, types.ModePercent, p.Mode)
	require.Len(t, p.Allocations, 1)
	assert.Equal(t, "pvInverter0", p.Allocations[0].DeviceID)
	assert.Equal(t, distribution.SkipDisabled, res.Channel(types.ChannelReactive).Skipped)
}

func TestRun(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		srv, _, _ := newTestServer(t)
		srv.listenAddr = ""
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.NoError(t, srv.Run(ctx))
	})

	t.Run("graceful shutdown", func(t *testing.T) {
		srv, _, _ := newTestServer(t)
		srv.listenAddr = "127.0.0.1:0"
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- srv.Run(ctx) }()
		time.Sleep(20 * time.Millisecond)
		cancel()
		assert.NoError(t, <-done)
	})

	t.Run("address in use", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		srv, _, _ := newTestServer(t)
		srv.listenAddr = ln.Addr().String()
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- srv.Run(ctx) }()

		select {
		case err := <-done:
			t.Fatalf("Run returned before the context was canceled: %v", err)
		case <-time.After(50 * time.Millisecond):
		}
		cancel()
		assert.NoError(t, <-done)
	})
}

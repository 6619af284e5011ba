package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/gridgateway/pkg/device"
	"github.com/raterudder/gridgateway/pkg/distribution"
	"github.com/raterudder/gridgateway/pkg/log"
	"github.com/raterudder/gridgateway/pkg/registers"
	"github.com/raterudder/gridgateway/pkg/telemetry"
	"github.com/raterudder/gridgateway/pkg/types"
)

const (
	statusTimeout = 2 * time.Second
	// meter signals older than this are flagged stale
	defaultStaleAfter = 30 * time.Second
)

// TelemetryReader lists the current signals of a component.
type TelemetryReader interface {
	Readings(component string) []telemetry.Reading
}

// Server is the read-only diagnostics endpoint of the gateway.
type Server struct {
	holding    distribution.HoldingReader
	controller *distribution.Controller
	devices    *device.Configuration
	telemetry  TelemetryReader

	listenAddr string
	staleAfter time.Duration
	now        func() time.Time
	serverName string
	httpServer *http.Server
}

// New creates a Server. An empty listenAddr disables it.
func New(holding distribution.HoldingReader, controller *distribution.Controller, devices *device.Configuration, readings TelemetryReader, listenAddr string) *Server {
	return &Server{
		holding:    holding,
		controller: controller,
		devices:    devices,
		telemetry:  readings,
		listenAddr: listenAddr,
		staleAfter: defaultStaleAfter,
		now:        time.Now,
		serverName: "gridgateway",
	}
}

// Configured creates a Server whose listen address comes from flags.
func Configured(holding distribution.HoldingReader, controller *distribution.Controller, devices *device.Configuration, readings TelemetryReader) *Server {
	srv := New(holding, controller, devices, readings, "")
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		srv.serverName = "gridgateway/" + hostname
	}

	listenAddr := lflag.String("http-listen", ":8080", "Diagnostics HTTP listen address, empty disables it")
	staleAfter := lflag.Duration("status-stale-after", defaultStaleAfter, "Age after which a meter signal is reported as stale")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.staleAfter = *staleAfter
	})
	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/devices/{id}", s.handleDevice)
	apiMux.HandleFunc("GET /api/cycle", s.handleLastCycle)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiMux)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.headersMiddleware(gziphandler.GzipHandler(mux))
}

// Run starts the HTTP server and blocks until the context is canceled. If the
// listen address cannot be bound the error is logged and Run waits for ctx
// anyway, so the Modbus side of the gateway keeps running.
func (s *Server) Run(ctx context.Context) error {
	ctx = log.Component(ctx, "server")
	if s.listenAddr == "" {
		log.Ctx(ctx).InfoContext(ctx, "diagnostics server disabled")
		<-ctx.Done()
		return nil
	}
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to start diagnostics server", slog.String("addr", s.listenAddr), slog.Any("error", err))
		<-ctx.Done()
		return nil
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		log.Ctx(ctx).ErrorContext(ctx, "diagnostics server stopped", slog.Any("error", err))
		<-ctx.Done()
		return nil
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		// NaN written into a float register cannot be encoded
		slog.Warn("failed to encode response", slog.Any("error", err))
		writeJSONError(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(append(b, '\n')); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

// DeviceStatus is a device as reported by the status endpoint.
type DeviceStatus struct {
	types.ManagedDevice
	Error string `json:"error,omitempty"`
}

// SignalStatus is a meter signal as reported by the status endpoint.
type SignalStatus struct {
	telemetry.Reading
	Stale bool `json:"stale"`
}

// MeterStatus lists the signals received for a meter.
type MeterStatus struct {
	ID      string         `json:"id"`
	Signals []SignalStatus `json:"signals"`
}

// Status is the body of GET /api/status.
type Status struct {
	Control types.ControlRegisterSet     `json:"control"`
	Modes   map[types.Channel]types.Mode `json:"modes"`
	Applied distribution.State           `json:"applied"`
	Meters  []MeterStatus                `json:"meters"`
	Devices []DeviceStatus               `json:"devices"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	control := registers.Decode(s.holding.Snapshot())
	status := Status{
		Control: control,
		Modes: map[types.Channel]types.Mode{
			types.ChannelActive:   control.ChannelMode(types.ChannelActive),
			types.ChannelReactive: control.ChannelMode(types.ChannelReactive),
		},
		Applied: s.controller.State(),
		Meters:  make([]MeterStatus, 0, len(s.devices.Meters)),
		Devices: make([]DeviceStatus, 0, len(s.devices.Inverters)),
	}
	for _, id := range s.devices.Meters {
		status.Meters = append(status.Meters, s.meterStatus(id))
	}
	for _, id := range s.devices.Inverters {
		status.Devices = append(status.Devices, s.deviceStatus(r.Context(), id))
	}
	writeJSON(w, status)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.devices.Registry.Device(id); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeJSONError(w, "device not found", http.StatusNotFound)
			return
		}
		log.Ctx(r.Context()).ErrorContext(r.Context(), "failed to look up device", slog.String("device", id), slog.Any("error", err))
		writeJSONError(w, "failed to look up device", http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.deviceStatus(r.Context(), id))
}

func (s *Server) handleLastCycle(w http.ResponseWriter, r *http.Request) {
	res, ok := s.controller.LastResult()
	if !ok {
		writeJSONError(w, "no cycle has run yet", http.StatusNotFound)
		return
	}
	writeJSON(w, res)
}

func (s *Server) meterStatus(id string) MeterStatus {
	ms := MeterStatus{ID: id, Signals: []SignalStatus{}}
	now := s.now()
	for _, r := range s.telemetry.Readings(id) {
		ms.Signals = append(ms.Signals, SignalStatus{
			Reading: r,
			Stale:   s.staleAfter > 0 && now.Sub(r.Updated) > s.staleAfter,
		})
	}
	return ms
}

func (s *Server) deviceStatus(ctx context.Context, id string) DeviceStatus {
	ds := DeviceStatus{ManagedDevice: types.ManagedDevice{ID: id}}
	d, err := s.devices.Registry.Device(id)
	if err != nil {
		ds.Error = err.Error()
		return ds
	}
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	st, err := d.Status(ctx)
	if err != nil {
		ds.Error = err.Error()
		return ds
	}
	ds.ManagedDevice = st
	return ds
}

func (s *Server) headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.serverName != "" {
			w.Header().Set("Server", s.serverName)
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

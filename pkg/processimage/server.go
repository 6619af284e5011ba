package processimage

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/simonvetter/modbus"

	"github.com/raterudder/gridgateway/pkg/device"
	"github.com/raterudder/gridgateway/pkg/log"
	"github.com/raterudder/gridgateway/pkg/registers"
	"github.com/raterudder/gridgateway/pkg/telemetry"
)

// Server exposes a ProcessImage over Modbus TCP.
type Server struct {
	image *ProcessImage

	host          string
	port          int
	maxClients    uint
	clientTimeout time.Duration
}

// NewServer creates a Server listening on host:port.
func NewServer(image *ProcessImage, host string, port int, maxClients uint, clientTimeout time.Duration) *Server {
	return &Server{
		image:         image,
		host:          host,
		port:          port,
		maxClients:    maxClients,
		clientTimeout: clientTimeout,
	}
}

// Configured creates a Server from flags. The input register map is built
// once the devices are loaded: static registers follow the first meter and
// per-device registers follow the inverters in configuration order.
func Configured(holding *registers.HoldingRegisterFile, source telemetry.Source, devices *device.Configuration) *Server {
	srv := &Server{}
	host := lflag.String("modbus-host", "0.0.0.0", "Address the Modbus TCP server listens on")
	port := lflag.Int("modbus-port", 502, "Port the Modbus TCP server listens on")
	maxClients := lflag.Int("modbus-max-clients", 5, "Maximum number of concurrent Modbus clients")
	clientTimeout := lflag.Duration("modbus-client-timeout", 30*time.Second, "Idle timeout after which a Modbus client is disconnected")
	maxDevices := lflag.Int("modbus-max-devices", registers.MaxDevices, "Number of inverters that get per-device input registers")

	lflag.Do(func() {
		if *maxClients <= 0 {
			panic(fmt.Sprintf("modbus-max-clients must be positive: %d", *maxClients))
		}
		ctx := log.Component(context.Background(), "processimage")
		var meter string
		if len(devices.Meters) > 0 {
			meter = devices.Meters[0]
		} else {
			log.Ctx(ctx).WarnContext(ctx, "no meter configured, grid registers will read zero")
		}
		regMap, err := registers.NewMap(meter, devices.Inverters, *maxDevices)
		if err != nil {
			panic(fmt.Sprintf("failed to build register map: %v", err))
		}
		srv.image = New(regMap, holding, source)
		srv.host = *host
		srv.port = *port
		srv.maxClients = uint(*maxClients)
		srv.clientTimeout = *clientTimeout
	})
	return srv
}

// Addr is the address the server listens on.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Run serves until ctx is done. If the listener cannot be started the error
// is logged and Run waits for ctx anyway, so the rest of the gateway keeps
// running.
func (s *Server) Run(ctx context.Context) error {
	ctx = log.Component(ctx, "processimage")
	ctx = log.WithAttrs(ctx, slog.String("addr", s.Addr()))

	mb, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        "tcp://" + s.Addr(),
		Timeout:    s.clientTimeout,
		MaxClients: s.maxClients,
	}, s.image)
	if err == nil {
		err = mb.Start()
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to start modbus server", slog.Any("error", err))
		<-ctx.Done()
		return nil
	}
	log.Ctx(ctx).InfoContext(ctx, "modbus server listening", slog.Uint64("maxClients", uint64(s.maxClients)))

	<-ctx.Done()
	if err := mb.Stop(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to stop modbus server", slog.Any("error", err))
	}
	log.Ctx(ctx).InfoContext(ctx, "modbus server stopped")
	return nil
}

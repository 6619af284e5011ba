package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"golang.org/x/sync/errgroup"

	"github.com/raterudder/gridgateway/pkg/device"
	"github.com/raterudder/gridgateway/pkg/distribution"
	"github.com/raterudder/gridgateway/pkg/log"
	"github.com/raterudder/gridgateway/pkg/processimage"
	"github.com/raterudder/gridgateway/pkg/registers"
	"github.com/raterudder/gridgateway/pkg/server"
	"github.com/raterudder/gridgateway/pkg/telemetry"
)

func main() {
	// init packages, devices first so the others see them in lflag.Do
	store := telemetry.NewStore()
	devices := device.Configured(store)
	subscriber := telemetry.Configured(store)

	holding := registers.NewHoldingRegisterFile()
	modbusServer := processimage.Configured(holding, store, devices)
	controller := distribution.Configured(holding, devices)
	srv := server.Configured(holding, controller, devices, store)

	simulationTick := lflag.Duration("simulation-tick", 5*time.Second, "How often simulated inverters refresh their telemetry")

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return modbusServer.Run(ctx)
	})
	g.Go(func() error {
		return controller.Run(ctx)
	})
	g.Go(func() error {
		return subscriber.Run(ctx)
	})
	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		return devices.RunSimulation(ctx, *simulationTick)
	})

	if err := g.Wait(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "gateway failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "gateway exited cleanly")
}

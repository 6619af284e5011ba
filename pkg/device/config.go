package device

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"gopkg.in/yaml.v3"

	"github.com/raterudder/gridgateway/pkg/log"
	"github.com/raterudder/gridgateway/pkg/telemetry"
)

const KindSimulated = "simulated"

// File is the layout of the devices YAML file.
type File struct {
	Components []ComponentConfig `yaml:"components"`
}

// ComponentConfig describes one configured component. Meters only need an
// id; inverters also need a kind that selects their driver.
type ComponentConfig struct {
	ID               string `yaml:"id"`
	Kind             string `yaml:"kind"`
	MaxActivePower   int    `yaml:"max_active_power"`
	MaxReactivePower int    `yaml:"max_reactive_power"`
	Disabled         bool   `yaml:"disabled,omitempty"`
	Fault            bool   `yaml:"fault,omitempty"`
}

// Configuration is the result of loading the device configuration.
type Configuration struct {
	Registry  *Map
	Meters    []string
	Inverters []string
	// Simulated holds the simulated inverters so they can be ticked.
	Simulated []*Simulated
}

// LoadFile reads and validates a devices YAML file.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	seen := make(map[string]bool, len(f.Components))
	for i, c := range f.Components {
		if c.ID == "" {
			return File{}, fmt.Errorf("components[%d].id is empty", i)
		}
		if seen[c.ID] {
			return File{}, fmt.Errorf("duplicate component id %q", c.ID)
		}
		seen[c.ID] = true
		if c.MaxActivePower < 0 {
			return File{}, fmt.Errorf("component %q has negative max_active_power", c.ID)
		}
	}
	return f, nil
}

// Build discovers meters and inverters and creates the inverter devices.
func Build(f File, store *telemetry.Store) (*Configuration, error) {
	ids := make([]string, 0, len(f.Components))
	byID := make(map[string]ComponentConfig, len(f.Components))
	for _, c := range f.Components {
		ids = append(ids, c.ID)
		byID[c.ID] = c
	}

	cfg := &Configuration{Registry: NewMap()}
	cfg.Meters, cfg.Inverters = Discover(ids)
	for _, id := range cfg.Inverters {
		c := byID[id]
		switch c.Kind {
		case KindSimulated:
			s := NewSimulated(c.ID, c.MaxActivePower, c.MaxReactivePower, store)
			s.SetHealth(!c.Disabled, c.Fault)
			cfg.Registry.SetDevice(s)
			cfg.Simulated = append(cfg.Simulated, s)
		default:
			return nil, fmt.Errorf("inverter %q has unsupported kind %q", c.ID, c.Kind)
		}
	}
	return cfg, nil
}

// RunSimulation ticks the simulated inverters every period until ctx is done.
func (c *Configuration) RunSimulation(ctx context.Context, period time.Duration) error {
	if len(c.Simulated) == 0 {
		return nil
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, s := range c.Simulated {
				s.Tick()
			}
		}
	}
}

// Configured registers the devices-config flag and loads the file once flags
// are parsed.
func Configured(store *telemetry.Store) *Configuration {
	path := lflag.String("devices-config", "", "Path to the YAML file listing meters and inverters")

	cfg := &Configuration{Registry: NewMap()}
	lflag.Do(func() {
		ctx := log.Component(context.Background(), "device")
		if *path == "" {
			log.Ctx(ctx).WarnContext(ctx, "no devices-config given, no devices will be managed")
			return
		}
		f, err := LoadFile(*path)
		if err != nil {
			panic(fmt.Sprintf("failed to load devices config: %v", err))
		}
		built, err := Build(f, store)
		if err != nil {
			panic(fmt.Sprintf("failed to build devices: %v", err))
		}
		*cfg = *built
		log.Ctx(ctx).InfoContext(
			ctx,
			"devices configured",
			slog.Any("meters", cfg.Meters),
			slog.Any("inverters", cfg.Inverters),
		)
	})
	return cfg
}

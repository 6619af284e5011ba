package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"golang.org/x/sync/errgroup"

	"github.com/raterudder/gridgateway/pkg/device"
	"github.com/raterudder/gridgateway/pkg/log"
	"github.com/raterudder/gridgateway/pkg/registers"
	"github.com/raterudder/gridgateway/pkg/types"
)

const (
	// percent setpoints closer than this to the last applied value are ignored
	percentHysteresis = 0.1
	// absolute setpoints (W or var) within this of the last applied value are ignored
	absoluteHysteresis = 1
)

// ErrCommandTimeout is recorded for device calls that did not return within
// the command timeout.
var ErrCommandTimeout = errors.New("device command timed out")

// HoldingReader gives read access to the holding registers. The controller
// never writes them.
type HoldingReader interface {
	Snapshot() registers.HoldingSnapshot
}

// Options tune the distribution.
type Options struct {
	// RedistributeOnFault limits the distribution to enabled, fault-free
	// devices. When false every configured device is commanded.
	RedistributeOnFault bool
	// CommandTimeout bounds each device call. Zero disables the bound.
	CommandTimeout time.Duration
	// MaxParallelCommands bounds how many devices are commanded at once.
	MaxParallelCommands int
	// CyclePeriod is how often Run executes a cycle.
	CyclePeriod time.Duration
}

// DefaultOptions returns the options used when no flags override them.
func DefaultOptions() Options {
	return Options{
		RedistributeOnFault: true,
		CommandTimeout:      2 * time.Second,
		MaxParallelCommands: 4,
		CyclePeriod:         time.Second,
	}
}

// Controller translates the utility's setpoints into per-device power limits.
// It keeps the last applied value per channel so unchanged setpoints are not
// re-sent every cycle.
type Controller struct {
	image     HoldingReader
	registry  device.Registry
	deviceIDs []string
	opts      Options

	// serializes cycles
	cycleMu sync.Mutex

	stateMu sync.Mutex
	lastP   types.AppliedValue
	lastQ   types.AppliedValue
	last    *Result
}

// New creates a Controller for the given devices.
func New(image HoldingReader, registry device.Registry, deviceIDs []string, opts Options) *Controller {
	return &Controller{
		image:     image,
		registry:  registry,
		deviceIDs: append([]string(nil), deviceIDs...),
		opts:      opts,
		lastP:     types.NeverApplied,
		lastQ:     types.NeverApplied,
	}
}

// Configured creates a Controller whose options come from flags and whose
// devices are the inverters of the device configuration.
func Configured(image HoldingReader, devices *device.Configuration) *Controller {
	defaults := DefaultOptions()
	redistribute := lflag.Bool("redistribute-on-fault", defaults.RedistributeOnFault, "Exclude disabled or faulted inverters and split the setpoint among the healthy ones")
	period := lflag.Duration("cycle-period", defaults.CyclePeriod, "How often the distribution cycle runs")
	timeout := lflag.Duration("device-command-timeout", defaults.CommandTimeout, "Deadline for a single device call")
	parallel := lflag.Int("device-max-parallel", defaults.MaxParallelCommands, "Maximum number of devices commanded concurrently")

	c := New(image, nil, nil, defaults)
	lflag.Do(func() {
		c.registry = devices.Registry
		c.deviceIDs = append([]string(nil), devices.Inverters...)
		c.opts = Options{
			RedistributeOnFault: *redistribute,
			CommandTimeout:      *timeout,
			MaxParallelCommands: *parallel,
			CyclePeriod:         *period,
		}
		if c.opts.CyclePeriod <= 0 {
			panic(fmt.Sprintf("cycle-period must be positive: %s", c.opts.CyclePeriod))
		}
	})
	return c
}

// State is the per-channel memory of the controller.
type State struct {
	LastP types.AppliedValue `json:"lastP"`
	LastQ types.AppliedValue `json:"lastQ"`
}

// State returns the last applied values.
func (c *Controller) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return State{LastP: c.lastP, LastQ: c.lastQ}
}

// LastResult returns the result of the most recent cycle, if any.
func (c *Controller) LastResult() (Result, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.last == nil {
		return Result{}, false
	}
	return *c.last, true
}

func (c *Controller) lastApplied(ch types.Channel) types.AppliedValue {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if ch == types.ChannelReactive {
		return c.lastQ
	}
	return c.lastP
}

func (c *Controller) setLastApplied(ch types.Channel, v types.AppliedValue) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if ch == types.ChannelReactive {
		c.lastQ = v
	} else {
		c.lastP = v
	}
}

// Run executes a cycle every CyclePeriod until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	ctx = log.Component(ctx, "distribution")
	log.Ctx(ctx).InfoContext(
		ctx,
		"starting distribution loop",
		slog.Duration("period", c.opts.CyclePeriod),
		slog.Any("devices", c.deviceIDs),
		slog.Bool("redistributeOnFault", c.opts.RedistributeOnFault),
	)
	ticker := time.NewTicker(c.opts.CyclePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Cycle(ctx)
		}
	}
}

// Cycle runs one distribution cycle. Device failures are logged and
// reported in the Result; they never abort the cycle.
func (c *Controller) Cycle(ctx context.Context) Result {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	ctx = log.Component(ctx, "distribution")
	control := registers.Decode(c.image.Snapshot())
	res := Result{
		Timestamp: time.Now(),
		Control:   control,
	}

	var members []member
	if control.POutEnabled || control.QOutEnabled {
		members = c.snapshotDevices(ctx)
	}
	for _, ch := range []types.Channel{types.ChannelActive, types.ChannelReactive} {
		res.Channels = append(res.Channels, c.runChannel(ctx, ch, control, members))
	}

	c.stateMu.Lock()
	c.last = &res
	c.stateMu.Unlock()
	return res
}

// member is a configured device resolved for the current cycle.
type member struct {
	dev    device.Device
	status types.ManagedDevice
	err    error
}

// snapshotDevices resolves all configured devices and reads a fresh status
// from each. Devices that cannot be resolved are dropped.
func (c *Controller) snapshotDevices(ctx context.Context) []member {
	members := make([]member, 0, len(c.deviceIDs))
	for _, id := range c.deviceIDs {
		d, err := c.registry.Device(id)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to look up device", slog.String("device", id), slog.Any("error", err))
			continue
		}
		members = append(members, member{dev: d, status: types.ManagedDevice{ID: id}})
	}

	g := c.group()
	for i := range members {
		g.Go(func() error {
			m := &members[i]
			st, err := withTimeout(ctx, c.opts.CommandTimeout, m.dev.Status)
			if err != nil {
				m.err = err
				log.Ctx(ctx).WarnContext(ctx, "failed to read device status", slog.String("device", m.dev.ID()), slog.Any("error", err))
				return nil
			}
			m.status = st
			m.status.ID = m.dev.ID()
			return nil
		})
	}
	_ = g.Wait()
	return members
}

// activeSet returns the devices that take part in a distribution.
func (c *Controller) activeSet(members []member) []member {
	if !c.opts.RedistributeOnFault {
		return members
	}
	active := make([]member, 0, len(members))
	for _, m := range members {
		if m.err == nil && m.status.Healthy() {
			active = append(active, m)
		}
	}
	return active
}

func (c *Controller) runChannel(ctx context.Context, ch types.Channel, control types.ControlRegisterSet, members []member) ChannelResult {
	ctx = log.WithAttrs(ctx, slog.String("channel", string(ch)))
	mode := control.ChannelMode(ch)
	cr := ChannelResult{Channel: ch, Mode: mode}
	if mode == types.ModeIdle {
		cr.Skipped = SkipDisabled
		return cr
	}

	active := c.activeSet(members)
	if len(active) == 0 {
		log.Ctx(ctx).WarnContext(ctx, "no active devices to distribute to", slog.Int("configured", len(c.deviceIDs)))
		cr.Skipped = SkipNoActiveDevices
		return cr
	}

	last := c.lastApplied(ch)
	switch mode {
	case types.ModePercent:
		percent := control.Percent(ch)
		cr.Setpoint = percent
		if !finite(percent) {
			log.Ctx(ctx).WarnContext(ctx, "ignoring non-finite percent setpoint")
			cr.Skipped = SkipInvalid
			return cr
		}
		if last.Applied() && math.Abs(float64(percent-float32(last))) < percentHysteresis {
			cr.Skipped = SkipUnchanged
			return cr
		}
		limit := types.LimitOf(truncate(float64(percent)))
		cr.Allocations = make([]Allocation, len(active))
		for i, m := range active {
			cr.Allocations[i] = Allocation{DeviceID: m.dev.ID(), Limit: limit}
		}
		log.Ctx(ctx).InfoContext(ctx, "applying percent limit", slog.Float64("percent", float64(percent)), slog.Int("devices", len(active)))
		c.dispatch(ctx, active, cr.Allocations, percentCommand(ch))
		c.setLastApplied(ch, types.AppliedValue(percent))

	case types.ModeAbsolute:
		total := control.Absolute(ch)
		cr.Setpoint = total
		if !finite(total) {
			log.Ctx(ctx).WarnContext(ctx, "ignoring non-finite absolute setpoint")
			cr.Skipped = SkipInvalid
			return cr
		}
		if last.Applied() && math.Abs(float64(total-float32(last))) <= absoluteHysteresis {
			cr.Skipped = SkipUnchanged
			return cr
		}
		capacities := make([]int, len(active))
		for i, m := range active {
			capacities[i] = m.status.MaxPower(ch)
		}
		shares := Split(float64(total), capacities)
		cr.Allocations = make([]Allocation, len(active))
		for i, m := range active {
			cr.Allocations[i] = Allocation{DeviceID: m.dev.ID(), Limit: types.LimitOf(shares[i])}
		}
		log.Ctx(ctx).InfoContext(ctx, "applying absolute limit", slog.Float64("total", float64(total)), slog.Int("devices", len(active)))
		c.dispatch(ctx, active, cr.Allocations, absoluteCommand(ch))
		c.setLastApplied(ch, types.AppliedValue(total))
	}
	return cr
}

func finite(f float32) bool {
	return !math.IsNaN(float64(f)) && !math.IsInf(float64(f), 0)
}

// Split divides total across devices in proportion to their capacities,
// truncating each share toward zero and saturating at the 32-bit range. When the capacities sum to zero or less
// every device gets an equal share.
func Split(total float64, capacities []int) []int {
	shares := make([]int, len(capacities))
	if len(capacities) == 0 {
		return shares
	}
	var sum int
	for _, c := range capacities {
		sum += c
	}
	if sum <= 0 {
		each := truncate(total / float64(len(capacities)))
		for i := range shares {
			shares[i] = each
		}
		return shares
	}
	for i, c := range capacities {
		shares[i] = truncate(total * float64(c) / float64(sum))
	}
	return shares
}

// truncate converts f to an int toward zero, saturating at the 32-bit range
// devices accept.
func truncate(f float64) int {
	switch {
	case f >= math.MaxInt32:
		return math.MaxInt32
	case f <= math.MinInt32:
		return math.MinInt32
	}
	return int(f)
}

type command func(ctx context.Context, d device.Device, limit types.Limit) error

func percentCommand(ch types.Channel) command {
	if ch == types.ChannelReactive {
		return func(ctx context.Context, d device.Device, l types.Limit) error {
			return d.SetReactivePowerLimitPercent(ctx, l)
		}
	}
	return func(ctx context.Context, d device.Device, l types.Limit) error {
		return d.SetActivePowerLimitPercent(ctx, l)
	}
}

func absoluteCommand(ch types.Channel) command {
	if ch == types.ChannelReactive {
		return func(ctx context.Context, d device.Device, l types.Limit) error {
			return d.SetReactivePowerLimit(ctx, l)
		}
	}
	return func(ctx context.Context, d device.Device, l types.Limit) error {
		return d.SetActivePowerLimit(ctx, l)
	}
}

// dispatch sends each allocation to its device. A failing device is logged
// and recorded on its allocation; the others are still commanded.
func (c *Controller) dispatch(ctx context.Context, active []member, allocations []Allocation, cmd command) {
	g := c.group()
	for i := range allocations {
		g.Go(func() error {
			a := &allocations[i]
			d := active[i].dev
			limit := a.Limit
			_, err := withTimeout(ctx, c.opts.CommandTimeout, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, cmd(ctx, d, limit)
			})
			if err != nil {
				a.Err = err
				a.Error = err.Error()
				log.Ctx(ctx).ErrorContext(
					ctx,
					"failed to command device",
					slog.String("device", a.DeviceID),
					slog.String("limit", a.Limit.String()),
					slog.Any("error", err),
				)
				return nil
			}
			log.Ctx(ctx).DebugContext(ctx, "device commanded", slog.String("device", a.DeviceID), slog.String("limit", a.Limit.String()))
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Controller) group() *errgroup.Group {
	g := &errgroup.Group{}
	if c.opts.MaxParallelCommands > 0 {
		g.SetLimit(c.opts.MaxParallelCommands)
	}
	return g
}

// withTimeout runs fn under timeout. If fn does not return in time the call
// is abandoned so one unresponsive device cannot hold up the cycle; fn keeps
// running until it notices its context is done.
func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-cctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrCommandTimeout, cctx.Err())
	}
}

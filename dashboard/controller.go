// Package dashboard keeps the cached thermostat state, polls the device and
// reconciles polled values with changes the user has not yet confirmed.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kradalby/thermostat-panel/events"
	"github.com/kradalby/thermostat-panel/thermostat"
	"tailscale.com/util/eventbus"
)

var (
	// ErrModeOff is returned for temperature changes while the displayed mode is off.
	ErrModeOff = errors.New("temperature cannot be changed while the thermostat is off")
	// ErrNotReady is returned before the initial device state is known.
	ErrNotReady = errors.New("thermostat state is not initialized")
	// ErrNotConfirmed is returned when a deletion was not confirmed by the user.
	ErrNotConfirmed = errors.New("deletion was not confirmed")
)

// Command sources.
const (
	SourceWeb  = "web"
	SourceHAP  = "hap"
	SourceMQTT = "mqtt"
)

type sourceKey struct{}

// WithSource tags ctx with the origin of a user command.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

func sourceFrom(ctx context.Context) string {
	if s, ok := ctx.Value(sourceKey{}).(string); ok && s != "" {
		return s
	}
	return "unknown"
}

// DeviceAPI is the subset of the device client used by the controller.
type DeviceAPI interface {
	Health(ctx context.Context) error
	DesiredTemperature(ctx context.Context) (int, error)
	SetTemperature(ctx context.Context, temperature int) error
	CurrentMode(ctx context.Context) (thermostat.Mode, error)
	SetMode(ctx context.Context, mode thermostat.Mode) error
	TimeSinceLastAction(ctx context.Context) (float64, error)
	TemperatureSettings(ctx context.Context) (thermostat.TemperatureSettings, error)
	ActivateLight(ctx context.Context) error
	Schedules(ctx context.Context) ([]thermostat.ScheduleEntry, error)
	CreateSchedule(ctx context.Context, schedule thermostat.NewSchedule) (thermostat.ScheduleEntry, error)
	UpdateSchedule(ctx context.Context, id thermostat.ScheduleID, update thermostat.ScheduleUpdate) error
	DeleteSchedule(ctx context.Context, id thermostat.ScheduleID) error
	VideoFrame(ctx context.Context) (thermostat.Frame, error)
	VisionTemperature(ctx context.Context) (thermostat.VisionReading, error)
	TriggerVisionReading(ctx context.Context) error
	Version(ctx context.Context) (string, error)
}

// Options tunes the controller's timing.
type Options struct {
	HealthRetryDelay time.Duration
	ReloadDelay      time.Duration
	StatusInterval   time.Duration
	ScheduleInterval time.Duration
	VideoInterval    time.Duration
	VideoRetryDelay  time.Duration
	VisionInterval   time.Duration
	VersionInterval  time.Duration
	DebounceWindow   time.Duration
	LightHighlight   time.Duration
	Limits           thermostat.Limits

	// DisableVideo and DisableVision skip the camera and vision loops.
	DisableVideo  bool
	DisableVision bool
}

// DefaultOptions returns the timings the panel was designed around.
func DefaultOptions() Options {
	return Options{
		HealthRetryDelay: 2 * time.Second,
		ReloadDelay:      1 * time.Second,
		StatusInterval:   1 * time.Second,
		ScheduleInterval: 5 * time.Second,
		VideoInterval:    1 * time.Second,
		VideoRetryDelay:  5 * time.Second,
		VisionInterval:   60 * time.Second,
		VersionInterval:  30 * time.Second,
		DebounceWindow:   500 * time.Millisecond,
		LightHighlight:   3 * time.Second,
		Limits:           thermostat.DefaultLimits(),
	}
}

// Controller owns the cached device state.
type Controller struct {
	api    DeviceAPI
	bus    *events.Bus
	client *eventbus.Client
	logger *slog.Logger
	opts   Options

	mu         sync.Mutex
	state      State
	frame      *Frame
	frameSeq   uint64
	tempSource string
	lightTimer *time.Timer
	lightGen   uint64
	started    bool
	closed     bool

	publishMu sync.Mutex
	// submitMu serializes temperature submissions; modeMu mode submissions.
	submitMu sync.Mutex
	modeMu   sync.Mutex
	debounce *Debouncer

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// New creates a controller. bus may be nil, in which case nothing is published.
func New(api DeviceAPI, bus *events.Bus, logger *slog.Logger, opts Options) (*Controller, error) {
	if api == nil {
		return nil, fmt.Errorf("device API is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts.Limits.Min >= opts.Limits.Max {
		return nil, fmt.Errorf("invalid temperature limits %d..%d", opts.Limits.Min, opts.Limits.Max)
	}

	c := &Controller{
		api:    api,
		bus:    bus,
		logger: logger,
		opts:   opts,
	}

	if bus != nil {
		client, err := bus.Client(events.ClientController)
		if err != nil {
			return nil, fmt.Errorf("failed to get controller eventbus client: %w", err)
		}
		c.client = client
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.debounce = NewDebouncer(opts.DebounceWindow, c.submitTemperatureChange)

	return c, nil
}

// Start begins health polling and, once the device is reachable, the
// status, schedule, video, vision and version loops. Cancelling ctx stops
// them.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.closed {
		return
	}
	c.started = true

	context.AfterFunc(ctx, c.cancel)
	c.workers.Go(c.run)
}

// Close stops all loops and waits for them to finish.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	if c.lightTimer != nil {
		c.lightTimer.Stop()
		c.lightTimer = nil
	}
	c.mu.Unlock()

	c.debounce.Cancel()
	c.cancel()
	c.workers.Wait()

	// Wait for a debounced submission that had already fired.
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	return nil
}

// Snapshot returns a copy of the cached state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Frame returns the last video frame that decoded cleanly.
func (c *Controller) Frame() (Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frame == nil {
		return Frame{}, false
	}
	return *c.frame, true
}

// Limits returns the temperature bounds in effect.
func (c *Controller) Limits() thermostat.Limits {
	return c.opts.Limits
}

func (c *Controller) run() {
	for {
		if !c.pollHealth(c.ctx) {
			return
		}

		err := c.initializeState(c.ctx)
		if err == nil {
			break
		}
		if c.ctx.Err() != nil {
			return
		}

		c.logger.Error("Failed to initialize thermostat state, reloading",
			"error", err,
			"delay", c.opts.ReloadDelay,
		)
		c.publishReload(err)
		if !sleepCtx(c.ctx, c.opts.ReloadDelay) {
			return
		}
		c.reset()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.workers.Go(func() { c.every(c.opts.StatusInterval, c.pollStatus) })
	c.workers.Go(func() { c.every(c.opts.ScheduleInterval, c.pollSchedules) })
	c.workers.Go(func() { c.every(c.opts.VersionInterval, c.checkVersion) })
	if !c.opts.DisableVision {
		c.workers.Go(func() { c.every(c.opts.VisionInterval, c.refreshVision) })
	}
	if !c.opts.DisableVideo {
		c.workers.Go(c.videoLoop)
	}
}

// reset discards all cached state, as a fresh page load would.
func (c *Controller) reset() {
	c.debounce.Cancel()

	c.mu.Lock()
	if c.lightTimer != nil {
		c.lightTimer.Stop()
		c.lightTimer = nil
	}
	c.state = State{}
	c.frame = nil
	c.tempSource = ""
	c.mu.Unlock()

	c.publishState("reload")
}

func (c *Controller) every(interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(c.ctx)
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			fn(c.ctx)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Controller) update(fn func(s *State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.state)
	c.state.UpdatedAt = time.Now()
}

func (c *Controller) publishState(source string) {
	if c.bus == nil {
		return
	}

	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	snap := c.Snapshot()
	c.bus.PublishStateUpdate(c.client, snap.Event(source))
}

func (c *Controller) publishStatus(status events.ConnectionStatus, err error, attempts int) {
	if c.bus == nil {
		return
	}

	evt := events.ConnectionStatusEvent{
		Timestamp:  time.Now(),
		Component:  "device",
		Status:     status,
		Reconnects: attempts,
	}
	if err != nil {
		evt.Error = err.Error()
	}
	c.bus.PublishConnectionStatus(c.client, evt)
}

func (c *Controller) publishReload(err error) {
	if c.bus == nil {
		return
	}
	c.bus.PublishReload(c.client, events.ReloadEvent{
		Timestamp: time.Now(),
		Reason:    err.Error(),
	})
}

func (c *Controller) notify(level events.NoticeLevel, message string) {
	switch level {
	case events.NoticeError:
		c.logger.Error("Notice", "message", message)
	case events.NoticeWarning:
		c.logger.Warn("Notice", "message", message)
	default:
		c.logger.Info("Notice", "message", message)
	}

	if c.bus == nil {
		return
	}
	c.bus.PublishNotice(c.client, events.NoticeEvent{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
	})
}

func (c *Controller) recordCommand(
	source string,
	commandType events.CommandType,
	err error,
	fill func(*events.CommandEvent),
) {
	if c.bus == nil {
		return
	}

	evt := events.CommandEvent{
		Timestamp:   time.Now(),
		Source:      source,
		CommandType: commandType,
		Outcome:     outcomeOf(err),
	}
	if err != nil && !errors.Is(err, errSkipped) {
		evt.Error = err.Error()
	}
	if fill != nil {
		fill(&evt)
	}
	c.bus.PublishCommand(c.client, evt)
}

var errSkipped = errors.New("skipped")

func outcomeOf(err error) events.CommandOutcome {
	switch {
	case err == nil:
		return events.CommandOutcomeSuccess
	case errors.Is(err, errSkipped):
		return events.CommandOutcomeSkipped
	case errors.Is(err, thermostat.ErrValidation),
		errors.Is(err, ErrModeOff),
		errors.Is(err, ErrNotReady),
		errors.Is(err, ErrNotConfirmed):
		return events.CommandOutcomeRejected
	default:
		return events.CommandOutcomeFailure
	}
}

package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kradalby/thermostat-panel/events"
	"github.com/kradalby/thermostat-panel/thermostat"
	"tailscale.com/util/eventbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testOptions() Options {
	return Options{
		HealthRetryDelay: 5 * time.Millisecond,
		ReloadDelay:      5 * time.Millisecond,
		StatusInterval:   10 * time.Millisecond,
		ScheduleInterval: 20 * time.Millisecond,
		VideoInterval:    10 * time.Millisecond,
		VideoRetryDelay:  20 * time.Millisecond,
		VisionInterval:   50 * time.Millisecond,
		VersionInterval:  20 * time.Millisecond,
		DebounceWindow:   30 * time.Millisecond,
		LightHighlight:   40 * time.Millisecond,
		Limits:           thermostat.DefaultLimits(),
	}
}

var errDevice = errors.New("device unavailable")

// fakeDevice is an in-memory DeviceAPI.
type fakeDevice struct {
	mu sync.Mutex

	healthFailures int
	modeFailures   int

	temperature int
	mode        thermostat.Mode
	settings    thermostat.TemperatureSettings
	schedules   []thermostat.ScheduleEntry
	frame       thermostat.Frame
	version     string

	setTempErr   error
	setModeErr   error
	createErr    error
	updateErr    error
	frameErr     error
	setTempDelay time.Duration

	// tempGate, when set, blocks DesiredTemperature until closed.
	tempGate chan struct{}

	calls    map[string]int
	setTemps []int
	setModes []thermostat.Mode
	created  []thermostat.NewSchedule
	nextID   int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		temperature: 72,
		mode:        thermostat.ModeHeat,
		settings:    thermostat.TemperatureSettings{HeatTemp: 68, CoolTemp: 76},
		version:     "v1",
		calls:       make(map[string]int),
	}
}

func (f *fakeDevice) record(name string) {
	f.calls[name]++
}

func (f *fakeDevice) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeDevice) posted() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.setTemps...)
}

func (f *fakeDevice) set(fn func(f *fakeDevice)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeDevice) Health(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("health")
	if f.healthFailures > 0 {
		f.healthFailures--
		return errDevice
	}
	return nil
}

func (f *fakeDevice) DesiredTemperature(ctx context.Context) (int, error) {
	f.mu.Lock()
	gate := f.tempGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("get_temperature")
	return f.temperature, nil
}

func (f *fakeDevice) SetTemperature(ctx context.Context, temperature int) error {
	f.mu.Lock()
	delay := f.setTempDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("set_temperature")
	f.setTemps = append(f.setTemps, temperature)
	if f.setTempErr != nil {
		return f.setTempErr
	}
	f.temperature = temperature
	return nil
}

func (f *fakeDevice) CurrentMode(ctx context.Context) (thermostat.Mode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("get_mode")
	if f.modeFailures > 0 {
		f.modeFailures--
		return "", errDevice
	}
	return f.mode, nil
}

func (f *fakeDevice) SetMode(ctx context.Context, mode thermostat.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("set_mode")
	f.setModes = append(f.setModes, mode)
	if f.setModeErr != nil {
		return f.setModeErr
	}
	f.mode = mode
	return nil
}

func (f *fakeDevice) TimeSinceLastAction(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("time_since_last_action")
	return 42, nil
}

func (f *fakeDevice) TemperatureSettings(ctx context.Context) (thermostat.TemperatureSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("temperature_settings")
	return f.settings, nil
}

func (f *fakeDevice) ActivateLight(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("activate_light")
	return nil
}

func (f *fakeDevice) Schedules(ctx context.Context) ([]thermostat.ScheduleEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("schedules")
	return append([]thermostat.ScheduleEntry{}, f.schedules...), nil
}

func (f *fakeDevice) CreateSchedule(ctx context.Context, schedule thermostat.NewSchedule) (thermostat.ScheduleEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create_schedule")
	if f.createErr != nil {
		return thermostat.ScheduleEntry{}, f.createErr
	}
	f.created = append(f.created, schedule)
	f.nextID++
	entry := thermostat.ScheduleEntry{
		ID:          thermostat.ScheduleID(strconv.Itoa(f.nextID)),
		Time:        schedule.Time,
		Temperature: schedule.Temperature,
		Mode:        schedule.Mode,
		DaysOfWeek:  schedule.DaysOfWeek,
		Enabled:     thermostat.Flag(schedule.Enabled),
	}
	f.schedules = append(f.schedules, entry)
	return entry, nil
}

func (f *fakeDevice) UpdateSchedule(ctx context.Context, id thermostat.ScheduleID, update thermostat.ScheduleUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("update_schedule")
	if f.updateErr != nil {
		return f.updateErr
	}
	for i := range f.schedules {
		if f.schedules[i].ID == id && update.Enabled != nil {
			f.schedules[i].Enabled = thermostat.Flag(*update.Enabled)
		}
	}
	return nil
}

func (f *fakeDevice) DeleteSchedule(ctx context.Context, id thermostat.ScheduleID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete_schedule")
	kept := f.schedules[:0]
	for _, entry := range f.schedules {
		if entry.ID != id {
			kept = append(kept, entry)
		}
	}
	f.schedules = kept
	return nil
}

func (f *fakeDevice) VideoFrame(ctx context.Context) (thermostat.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("video_frame")
	if f.frameErr != nil {
		return thermostat.Frame{}, f.frameErr
	}
	return f.frame, nil
}

func (f *fakeDevice) VisionTemperature(ctx context.Context) (thermostat.VisionReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("vision_temperature")
	return thermostat.VisionReading{
		CurrentTemp: thermostat.Ptr(71.5),
		Confidence:  thermostat.ConfidenceNormal,
	}, nil
}

func (f *fakeDevice) TriggerVisionReading(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("vision_trigger")
	return nil
}

func (f *fakeDevice) Version(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("version")
	return f.version, nil
}

func newTestController(t *testing.T, dev *fakeDevice, bus *events.Bus) *Controller {
	t.Helper()

	c, err := New(dev, bus, testLogger(), testOptions())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// newInitializedController returns a controller whose state has been
// loaded from dev without starting the poll loops.
func newInitializedController(t *testing.T, dev *fakeDevice, bus *events.Bus) *Controller {
	t.Helper()

	c := newTestController(t, dev, bus)
	if err := c.initializeState(context.Background()); err != nil {
		t.Fatalf("initializeState() error = %v", err)
	}
	return c
}

func newTestBus(t *testing.T) *events.Bus {
	t.Helper()

	bus, err := events.New(testLogger())
	if err != nil {
		t.Fatalf("events.New() error = %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

// collect subscribes to T on the web client and returns an accessor for
// the events received so far.
func collect[T any](t *testing.T, bus *events.Bus) func() []T {
	t.Helper()

	client, err := bus.Client(events.ClientWeb)
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	sub := eventbus.Subscribe[T](client)

	var (
		mu  sync.Mutex
		got []T
	)
	go func() {
		for {
			select {
			case evt := <-sub.Events():
				mu.Lock()
				got = append(got, evt)
				mu.Unlock()
			case <-sub.Done():
				return
			}
		}
	}()
	t.Cleanup(sub.Close)

	return func() []T {
		mu.Lock()
		defer mu.Unlock()
		return append([]T(nil), got...)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

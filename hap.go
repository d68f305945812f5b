package thermopanel

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/kradalby/thermostat-panel/dashboard"
	"github.com/kradalby/thermostat-panel/events"
	"github.com/kradalby/thermostat-panel/thermostat"
	"tailscale.com/util/eventbus"
)

func hashString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// HAPController is the dashboard surface driven from HomeKit.
type HAPController interface {
	Limits() thermostat.Limits
	RequestTemperature(ctx context.Context, target int) error
	RequestModeChange(ctx context.Context, mode string) error
	ActivateLight(ctx context.Context)
}

// HAPManager exposes the thermostat and its light as HomeKit accessories
// and keeps their characteristics in sync with the panel state.
type HAPManager struct {
	bridge     *accessory.Bridge
	thermostat *accessory.Thermostat
	light      *accessory.Switch

	controller      HAPController
	stateSubscriber *eventbus.Subscriber[events.StateUpdateEvent]
	logger          *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup

	// Runtime info
	server *hap.Server
	store  hap.Store

	// Stats
	incomingCommands atomic.Uint64
	outgoingUpdates  atomic.Uint64
	lastActivity     atomic.Int64
}

// NewHAPManager creates the bridge, thermostat and light accessories.
func NewHAPManager(bridgeName string, controller HAPController, bus *events.Bus, logger *slog.Logger) *HAPManager {
	client, err := bus.Client(events.ClientHAP)
	if err != nil {
		panic(err)
	}

	bridge := accessory.NewBridge(accessory.Info{
		Name:         bridgeName,
		Manufacturer: "thermostat-panel",
		Model:        "Bridge",
		SerialNumber: "TPB001",
	})

	therm := accessory.NewThermostat(accessory.Info{
		Name:         "Thermostat",
		Manufacturer: "thermostat-panel",
		Model:        "Thermostat",
		SerialNumber: "TPT001",
	})
	therm.Id = hashString("thermostat")

	light := accessory.NewSwitch(accessory.Info{
		Name:         "Thermostat Light",
		Manufacturer: "thermostat-panel",
		Model:        "Light",
		SerialNumber: "TPL001",
	})
	light.Id = hashString("light")

	ctx, cancel := context.WithCancel(context.Background())

	hm := &HAPManager{
		bridge:          bridge,
		thermostat:      therm,
		light:           light,
		controller:      controller,
		stateSubscriber: eventbus.Subscribe[events.StateUpdateEvent](client),
		logger:          logger,
		ctx:             ctx,
		cancel:          cancel,
	}

	hm.configureThermostat()
	hm.configureLight()

	logger.Info("Created HomeKit accessories",
		"bridge", bridgeName,
		"thermostat_id", therm.Id,
		"light_id", light.Id,
	)

	return hm
}

//nolint:errcheck // HAP characteristic SetValue errors are not actionable here
func (hm *HAPManager) configureThermostat() {
	svc := hm.thermostat.Thermostat
	limits := hm.controller.Limits()

	svc.TemperatureDisplayUnits.SetValue(characteristic.TemperatureDisplayUnitsFahrenheit)
	svc.TargetTemperature.SetMinValue(roundHalf(thermostat.FahrenheitToCelsius(float64(limits.Min))))
	svc.TargetTemperature.SetMaxValue(roundHalf(thermostat.FahrenheitToCelsius(float64(limits.Max))))
	svc.TargetTemperature.SetStepValue(0.5)

	svc.TargetTemperature.OnValueRemoteUpdate(func(celsius float64) {
		target := thermostat.CelsiusToFahrenheit(celsius)
		hm.logger.Info("HomeKit temperature command received", "celsius", celsius, "fahrenheit", target)
		hm.recordIncoming()

		ctx := dashboard.WithSource(hm.ctx, dashboard.SourceHAP)
		if err := hm.controller.RequestTemperature(ctx, target); err != nil {
			hm.logger.Warn("HomeKit temperature command rejected", "target", target, "error", err)
		}
	})

	svc.TargetHeatingCoolingState.OnValueRemoteUpdate(func(state int) {
		mode, ok := hapStateToMode(state)
		if !ok {
			hm.logger.Warn("HomeKit requested unsupported mode", "state", state)
			return
		}
		hm.logger.Info("HomeKit mode command received", "mode", mode)
		hm.recordIncoming()

		// Mode changes wait for the device; HomeKit callbacks must return promptly.
		hm.workers.Go(func() {
			ctx := dashboard.WithSource(hm.ctx, dashboard.SourceHAP)
			if err := hm.controller.RequestModeChange(ctx, string(mode)); err != nil {
				hm.logger.Warn("HomeKit mode command failed", "mode", mode, "error", err)
			}
		})
	})
}

func (hm *HAPManager) configureLight() {
	hm.light.Switch.On.OnValueRemoteUpdate(func(on bool) {
		if !on {
			return
		}
		hm.logger.Info("HomeKit light command received")
		hm.recordIncoming()
		hm.controller.ActivateLight(dashboard.WithSource(hm.ctx, dashboard.SourceHAP))
	})
}

func (hm *HAPManager) recordIncoming() {
	hm.incomingCommands.Add(1)
	hm.lastActivity.Store(time.Now().Unix())
}

// GetAccessories returns all accessories for the HAP server, bridge first.
func (hm *HAPManager) GetAccessories() []*accessory.A {
	return []*accessory.A{hm.bridge.A, hm.thermostat.A, hm.light.A}
}

// UpdateState pushes panel state to the HomeKit characteristics.
//
//nolint:errcheck // HAP characteristic SetValue errors are not actionable here
func (hm *HAPManager) UpdateState(event events.StateUpdateEvent) {
	svc := hm.thermostat.Thermostat

	if event.TargetTemperature != nil {
		svc.TargetTemperature.SetValue(fahrenheitToHAP(*event.TargetTemperature))
	}

	// The device reports no room sensor; the vision reading is the closest
	// thing to a current temperature, otherwise fall back to the setpoint.
	switch {
	case event.VisionTemperature != nil:
		svc.CurrentTemperature.SetValue(thermostat.FahrenheitToCelsius(*event.VisionTemperature))
	case event.SetTemperature != nil:
		svc.CurrentTemperature.SetValue(fahrenheitToHAP(*event.SetTemperature))
	}

	if mode, err := thermostat.ParseMode(event.TargetMode); err == nil {
		svc.TargetHeatingCoolingState.SetValue(modeToHAPTarget(mode))
	}
	if mode, err := thermostat.ParseMode(event.CurrentMode); err == nil {
		svc.CurrentHeatingCoolingState.SetValue(modeToHAPCurrent(mode))
	}

	hm.light.Switch.On.SetValue(event.LightActive)

	hm.outgoingUpdates.Add(1)
	hm.lastActivity.Store(time.Now().Unix())

	hm.logger.Debug("Updated HomeKit state",
		"target_mode", event.TargetMode,
		"light_active", event.LightActive,
	)
}

// Start begins processing state changes.
func (hm *HAPManager) Start(ctx context.Context) {
	context.AfterFunc(ctx, hm.cancel)
	hm.workers.Go(func() { hm.ProcessStateChanges(hm.ctx) })
}

// Close releases subscriptions and waits for in-flight commands.
func (hm *HAPManager) Close() {
	hm.cancel()
	hm.stateSubscriber.Close()
	hm.workers.Wait()
}

func (hm *HAPManager) SetServer(s *hap.Server) {
	hm.server = s
}

func (hm *HAPManager) SetStore(s hap.Store) {
	hm.store = s
}

func (hm *HAPManager) ProcessStateChanges(ctx context.Context) {
	for {
		select {
		case event := <-hm.stateSubscriber.Events():
			hm.UpdateState(event)
		case <-hm.stateSubscriber.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stats returns HAP manager statistics
func (hm *HAPManager) Stats() (incomingCommands, outgoingUpdates uint64, lastActivity time.Time) {
	incomingCommands = hm.incomingCommands.Load()
	outgoingUpdates = hm.outgoingUpdates.Load()
	ts := hm.lastActivity.Load()
	if ts > 0 {
		lastActivity = time.Unix(ts, 0)
	}
	return
}

func roundHalf(v float64) float64 {
	return math.Round(v*2) / 2
}

func fahrenheitToHAP(f int) float64 {
	return roundHalf(thermostat.FahrenheitToCelsius(float64(f)))
}

func modeToHAPTarget(mode thermostat.Mode) int {
	switch mode {
	case thermostat.ModeHeat:
		return characteristic.TargetHeatingCoolingStateHeat
	case thermostat.ModeCool:
		return characteristic.TargetHeatingCoolingStateCool
	default:
		return characteristic.TargetHeatingCoolingStateOff
	}
}

func modeToHAPCurrent(mode thermostat.Mode) int {
	switch mode {
	case thermostat.ModeHeat:
		return characteristic.CurrentHeatingCoolingStateHeat
	case thermostat.ModeCool:
		return characteristic.CurrentHeatingCoolingStateCool
	default:
		return characteristic.CurrentHeatingCoolingStateOff
	}
}

func hapStateToMode(state int) (thermostat.Mode, bool) {
	switch state {
	case characteristic.TargetHeatingCoolingStateHeat:
		return thermostat.ModeHeat, true
	case characteristic.TargetHeatingCoolingStateCool:
		return thermostat.ModeCool, true
	case characteristic.TargetHeatingCoolingStateOff:
		return thermostat.ModeOff, true
	default:
		return "", false
	}
}

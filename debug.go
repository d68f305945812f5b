package thermopanel

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/kradalby/thermostat-panel/thermostat"
)

// SetupDebugHandlers registers /debug/hap. hapManager may be nil when
// HomeKit is disabled.
func SetupDebugHandlers(h handlerRegistrar, hapManager *HAPManager) {
	h.Handle("/debug/hap", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hapManager == nil {
			http.Error(w, "HomeKit is disabled", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(hapManager.DebugInfo())
	}))
}

// HAPDebugInfo is what HomeKit currently sees of the panel.
type HAPDebugInfo struct {
	Bridge      AccessoryDebugInfo  `json:"bridge"`
	Thermostat  ThermostatDebugInfo `json:"thermostat"`
	Light       LightDebugInfo      `json:"light"`
	Server      *PairingServerInfo  `json:"server,omitempty"`
	Controllers []PairedController  `json:"controllers,omitempty"`
	Stats       HAPStats            `json:"stats"`
}

// AccessoryDebugInfo identifies one accessory on the bridge.
type AccessoryDebugInfo struct {
	ID       uint64 `json:"id"`
	Name     string `json:"name"`
	Model    string `json:"model,omitempty"`
	Firmware string `json:"firmware,omitempty"`
}

// ThermostatDebugInfo holds the thermostat characteristics converted back to
// the device's units.
type ThermostatDebugInfo struct {
	AccessoryDebugInfo

	TargetF     int    `json:"target_f"`
	CurrentF    int    `json:"current_f"`
	TargetMode  string `json:"target_mode"`
	CurrentMode string `json:"current_mode"`
}

// LightDebugInfo is the light switch accessory.
type LightDebugInfo struct {
	AccessoryDebugInfo

	On bool `json:"on"`
}

// PairingServerInfo describes the running HAP server.
type PairingServerInfo struct {
	Address string `json:"address"`
	PIN     string `json:"pin"`
	Paired  bool   `json:"paired"`
}

// PairedController is a Home app controller paired with the bridge.
type PairedController struct {
	Name  string `json:"name"`
	Admin bool   `json:"admin"`
}

// HAPStats counts traffic between the panel and HomeKit.
type HAPStats struct {
	IncomingCommands uint64 `json:"incoming_commands"`
	OutgoingUpdates  uint64 `json:"outgoing_updates"`
	LastActivity     string `json:"last_activity"`
}

func accessoryDebugInfo(a *accessory.A) AccessoryDebugInfo {
	return AccessoryDebugInfo{
		ID:       a.Id,
		Name:     a.Info.Name.Value(),
		Model:    a.Info.Model.Value(),
		Firmware: a.Info.FirmwareRevision.Value(),
	}
}

func hapTargetModeName(state int) string {
	if mode, ok := hapStateToMode(state); ok {
		return string(mode)
	}
	return "unknown"
}

func hapCurrentModeName(state int) string {
	switch state {
	case characteristic.CurrentHeatingCoolingStateHeat:
		return string(thermostat.ModeHeat)
	case characteristic.CurrentHeatingCoolingStateCool:
		return string(thermostat.ModeCool)
	default:
		return string(thermostat.ModeOff)
	}
}

// DebugInfo summarises the bridge and its two accessories.
func (hm *HAPManager) DebugInfo() HAPDebugInfo {
	svc := hm.thermostat.Thermostat

	info := HAPDebugInfo{
		Bridge: accessoryDebugInfo(hm.bridge.A),
		Thermostat: ThermostatDebugInfo{
			AccessoryDebugInfo: accessoryDebugInfo(hm.thermostat.A),
			TargetF:            thermostat.CelsiusToFahrenheit(svc.TargetTemperature.Value()),
			CurrentF:           thermostat.CelsiusToFahrenheit(svc.CurrentTemperature.Value()),
			TargetMode:         hapTargetModeName(svc.TargetHeatingCoolingState.Value()),
			CurrentMode:        hapCurrentModeName(svc.CurrentHeatingCoolingState.Value()),
		},
		Light: LightDebugInfo{
			AccessoryDebugInfo: accessoryDebugInfo(hm.light.A),
			On:                 hm.light.Switch.On.Value(),
		},
	}

	if hm.server != nil {
		info.Server = &PairingServerInfo{
			Address: hm.server.Addr,
			PIN:     hm.server.Pin,
			Paired:  hm.server.IsPaired(),
		}
	}

	// Only some stores can list pairings.
	if ps, ok := hm.store.(interface {
		Pairings() ([]hap.Pairing, error)
	}); ok {
		if pairings, err := ps.Pairings(); err == nil {
			for _, p := range pairings {
				info.Controllers = append(info.Controllers, PairedController{
					Name:  p.Name,
					Admin: p.Permission == 0x01,
				})
			}
		}
	}

	incoming, outgoing, last := hm.Stats()
	info.Stats = HAPStats{
		IncomingCommands: incoming,
		OutgoingUpdates:  outgoing,
		LastActivity:     "never",
	}
	if !last.IsZero() {
		info.Stats.LastActivity = last.Format(time.RFC3339)
	}

	return info
}

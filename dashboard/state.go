package dashboard

import (
	"time"

	"github.com/kradalby/thermostat-panel/events"
	"github.com/kradalby/thermostat-panel/thermostat"
)

// Phase is the reconciliation phase of a user-editable field.
type Phase int

const (
	// PhaseSynced means the displayed value follows the device.
	PhaseSynced Phase = iota
	// PhasePendingLocalEdit means the user changed the value and it has not been sent yet.
	PhasePendingLocalEdit
	// PhaseSubmitting means the value is on its way to the device.
	PhaseSubmitting
)

func (p Phase) String() string {
	switch p {
	case PhaseSynced:
		return "synced"
	case PhasePendingLocalEdit:
		return "pending"
	case PhaseSubmitting:
		return "submitting"
	default:
		return "unknown"
	}
}

// FieldSync tracks pending user intent for one field. Every edit gets a
// sequence number; only the settle for the current edit returns the field
// to PhaseSynced, so an older in-flight submission can never release a
// newer edit.
type FieldSync struct {
	phase Phase
	edit  uint64
}

// Edit records a local change and returns its sequence number.
func (f *FieldSync) Edit() uint64 {
	f.edit++
	f.phase = PhasePendingLocalEdit
	return f.edit
}

// Submit moves the current edit to PhaseSubmitting. It reports false when
// there is nothing pending.
func (f *FieldSync) Submit() (uint64, bool) {
	if f.phase != PhasePendingLocalEdit {
		return 0, false
	}
	f.phase = PhaseSubmitting
	return f.edit, true
}

// Settle ends the submission of edit, whatever its outcome. It reports
// whether the field is now synced.
func (f *FieldSync) Settle(edit uint64) bool {
	if edit != f.edit || f.phase != PhaseSubmitting {
		return false
	}
	f.phase = PhaseSynced
	return true
}

// Current returns the sequence number of the latest edit.
func (f FieldSync) Current() uint64 {
	return f.edit
}

// Phase returns the current phase.
func (f FieldSync) Phase() Phase {
	return f.phase
}

// Synced reports whether polled values may update the displayed target.
func (f FieldSync) Synced() bool {
	return f.phase == PhaseSynced
}

// State is the cached view of the device.
type State struct {
	Initialized bool
	Reachable   bool

	// CurrentMode is the last device-confirmed mode; TargetMode is displayed.
	CurrentMode thermostat.Mode
	TargetMode  thermostat.Mode

	// SetTemperature is the last device-confirmed temperature;
	// TargetTemperature is displayed.
	SetTemperature    int
	TargetTemperature int

	Settings            *thermostat.TemperatureSettings
	TimeSinceLastAction *float64

	TemperatureSync FieldSync
	ModeSync        FieldSync

	LightActive bool

	Schedules []thermostat.ScheduleEntry
	Vision    thermostat.VisionReading

	Version             string
	NewVersionAvailable bool

	UpdatedAt time.Time
}

// Paused reports whether polling is suspended because a field has
// unsettled user intent.
func (s State) Paused() bool {
	return !s.TemperatureSync.Synced() || !s.ModeSync.Synced()
}

func (s State) clone() State {
	out := s
	if s.Settings != nil {
		settings := *s.Settings
		out.Settings = &settings
	}
	if s.TimeSinceLastAction != nil {
		out.TimeSinceLastAction = thermostat.Ptr(*s.TimeSinceLastAction)
	}
	out.Schedules = append([]thermostat.ScheduleEntry(nil), s.Schedules...)
	return out
}

// Event converts the state into a bus event.
func (s State) Event(source string) events.StateUpdateEvent {
	evt := events.StateUpdateEvent{
		Timestamp:           time.Now(),
		Source:              source,
		Initialized:         s.Initialized,
		Reachable:           s.Reachable,
		CurrentMode:         string(s.CurrentMode),
		TargetMode:          string(s.TargetMode),
		TimeSinceLastAction: s.TimeSinceLastAction,
		Paused:              s.Paused(),
		TemperaturePhase:    s.TemperatureSync.Phase().String(),
		ModePhase:           s.ModeSync.Phase().String(),
		LightActive:         s.LightActive,
		Schedules:           make([]events.ScheduleItem, 0, len(s.Schedules)),
		VisionTemperature:   s.Vision.CurrentTemp,
		VisionConfidence:    string(s.Vision.Confidence),
		Version:             s.Version,
		NewVersionAvailable: s.NewVersionAvailable,
	}

	if s.Initialized {
		evt.SetTemperature = thermostat.Ptr(s.SetTemperature)
		evt.TargetTemperature = thermostat.Ptr(s.TargetTemperature)
	}
	if s.Settings != nil {
		evt.HeatSetpoint = thermostat.Ptr(s.Settings.HeatTemp)
		evt.CoolSetpoint = thermostat.Ptr(s.Settings.CoolTemp)
	}
	if s.Vision.LastUpdate != nil {
		evt.VisionUpdated = s.Vision.LastUpdate.Time
	}

	for _, entry := range s.Schedules {
		item := events.ScheduleItem{
			ID:          string(entry.ID),
			Time:        entry.Time,
			Temperature: entry.Temperature,
			Mode:        string(entry.Mode),
			DaysOfWeek:  entry.DaysOfWeek,
			Enabled:     bool(entry.Enabled),
			LastError:   entry.LastError,
		}
		if entry.NextExecution != nil {
			item.NextExecution = entry.NextExecution.Time
		}
		evt.Schedules = append(evt.Schedules, item)
	}

	return evt
}

// Frame is the last video frame that decoded cleanly.
type Frame struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
	Seq         uint64
	FetchedAt   time.Time
}

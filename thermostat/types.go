package thermostat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Mode represents the thermostat operating mode.
type Mode string

const (
	ModeHeat Mode = "heat"
	ModeCool Mode = "cool"
	ModeOff  Mode = "off"
)

// Temperature bounds accepted by the device, in °F.
const (
	MinTemperature             = 50
	MaxTemperature             = 90
	DefaultScheduleTemperature = 70
)

// Modes lists the supported modes in display order.
func Modes() []Mode {
	return []Mode{ModeHeat, ModeCool, ModeOff}
}

// ParseMode normalizes a mode string as reported by the device or a user.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeHeat, ModeCool, ModeOff:
		return m, nil
	default:
		return "", &ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", s)}
	}
}

// Label returns the upper-case label shown in the UI.
func (m Mode) Label() string {
	if m == "" {
		return "--"
	}
	return strings.ToUpper(string(m))
}

// Limits bounds user-selectable temperatures.
type Limits struct {
	Min             int
	Max             int
	DefaultSchedule int
}

// DefaultLimits returns the device's native bounds.
func DefaultLimits() Limits {
	return Limits{
		Min:             MinTemperature,
		Max:             MaxTemperature,
		DefaultSchedule: DefaultScheduleTemperature,
	}
}

// Clamp restricts t to [l.Min, l.Max].
func (l Limits) Clamp(t int) int {
	if t < l.Min {
		return l.Min
	}
	if t > l.Max {
		return l.Max
	}
	return t
}

// Shift moves t by delta and clamps the result. Deltas larger than the
// range are capped first so the sum cannot overflow.
func (l Limits) Shift(t, delta int) int {
	span := l.Max - l.Min
	delta = max(-span, min(delta, span))
	return l.Clamp(l.Clamp(t) + delta)
}

// FahrenheitToCelsius converts °F to °C.
func FahrenheitToCelsius(f float64) float64 {
	return (f - 32) * 5 / 9
}

// CelsiusToFahrenheit converts °C to whole °F.
func CelsiusToFahrenheit(c float64) int {
	return int(math.Round(c*9/5 + 32))
}

// TemperatureSettings holds the device's heat and cool setpoints.
type TemperatureSettings struct {
	HeatTemp float64 `json:"current_heat_temp"`
	CoolTemp float64 `json:"current_cool_temp"`
}

// ScheduleID is a device-assigned schedule identifier. Older device builds
// report numeric IDs, newer ones UUID strings.
type ScheduleID string

// UnmarshalJSON accepts both string and numeric IDs.
func (id *ScheduleID) UnmarshalJSON(data []byte) error {
	if bytes.HasPrefix(data, []byte(`"`)) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ScheduleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("schedule id: %w", err)
	}
	*id = ScheduleID(n.String())
	return nil
}

// Flag is a boolean that the device may encode as true/false or 1/0.
type Flag bool

// UnmarshalJSON accepts JSON booleans and numbers.
func (f *Flag) UnmarshalJSON(data []byte) error {
	switch s := string(data); s {
	case "true":
		*f = true
	case "false", "null":
		*f = false
	default:
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid flag %s", s)
		}
		*f = n != 0
	}
	return nil
}

// Timestamp is a device timestamp. The scheduler emits ISO 8601 with or
// without zone offset.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON parses the supported layouts. Naive timestamps are local.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

// MarshalJSON renders the timestamp as RFC 3339, or null when unset.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339))
}

// ScheduleEntry is a schedule as stored by the device.
type ScheduleEntry struct {
	ID            ScheduleID `json:"id"`
	Time          string     `json:"time"`
	Temperature   int        `json:"temperature"`
	Mode          Mode       `json:"mode"`
	DaysOfWeek    string     `json:"days_of_week"`
	Enabled       Flag       `json:"enabled"`
	NextExecution *Timestamp `json:"next_execution,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// ScheduleUpdate is a partial schedule used with PATCH.
type ScheduleUpdate struct {
	Enabled *bool `json:"enabled,omitempty"`
}

// Confidence describes how fresh a vision reading is.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceNormal Confidence = "normal"
	ConfidenceLow    Confidence = "low"
	ConfidenceStale  Confidence = "STALE"
	ConfidenceNoData Confidence = "NO_DATA"
)

// Degraded reports whether the reading should be shown as unreliable.
func (c Confidence) Degraded() bool {
	switch strings.ToUpper(string(c)) {
	case "LOW", "STALE", "NO_DATA", "":
		return true
	default:
		return false
	}
}

// VisionReading is the camera-derived temperature reading.
type VisionReading struct {
	CurrentTemp *float64   `json:"current_temp"`
	Confidence  Confidence `json:"confidence"`
	LastUpdate  *Timestamp `json:"last_update"`
}

// Frame is a single image fetched from the video feed.
type Frame struct {
	Data        []byte
	ContentType string
	URL         string
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

package events

import (
	"time"
)

// StateUpdateEvent carries the panel state for SSE subscribers, HomeKit,
// MQTT and metrics.
type StateUpdateEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`

	Initialized bool `json:"initialized"`
	Reachable   bool `json:"reachable"`

	// Mode values ("heat", "cool", "off"); TargetMode is what the panel shows.
	CurrentMode string `json:"current_mode"`
	TargetMode  string `json:"target_mode"`

	// Temperatures in °F (pointers to distinguish unknown from zero)
	SetTemperature      *int     `json:"set_temperature,omitempty"`
	TargetTemperature   *int     `json:"target_temperature,omitempty"`
	HeatSetpoint        *float64 `json:"heat_setpoint,omitempty"`
	CoolSetpoint        *float64 `json:"cool_setpoint,omitempty"`
	TimeSinceLastAction *float64 `json:"time_since_last_action,omitempty"`

	// Reconciliation
	Paused           bool   `json:"paused"`
	TemperaturePhase string `json:"temperature_phase"`
	ModePhase        string `json:"mode_phase"`

	LightActive bool `json:"light_active"`

	Schedules []ScheduleItem `json:"schedules"`

	// Vision reading
	VisionTemperature *float64  `json:"vision_temperature,omitempty"`
	VisionConfidence  string    `json:"vision_confidence,omitempty"`
	VisionUpdated     time.Time `json:"vision_updated"`

	Version             string `json:"version,omitempty"`
	NewVersionAvailable bool   `json:"new_version_available"`
}

// ScheduleItem is a schedule entry as carried on the bus.
type ScheduleItem struct {
	ID            string    `json:"id"`
	Time          string    `json:"time"`
	Temperature   int       `json:"temperature"`
	Mode          string    `json:"mode"`
	DaysOfWeek    string    `json:"days_of_week"`
	Enabled       bool      `json:"enabled"`
	NextExecution time.Time `json:"next_execution"`
	LastError     string    `json:"last_error,omitempty"`
}

// CommandType represents supported panel commands.
type CommandType string

const (
	CommandTypeSetTemperature CommandType = "set_temperature"
	CommandTypeSetMode        CommandType = "set_mode"
	CommandTypeActivateLight  CommandType = "activate_light"
	CommandTypeCreateSchedule CommandType = "create_schedule"
	CommandTypeToggleSchedule CommandType = "toggle_schedule"
	CommandTypeDeleteSchedule CommandType = "delete_schedule"
)

// CommandOutcome is the settled result of a command.
type CommandOutcome string

const (
	CommandOutcomeSuccess  CommandOutcome = "success"
	CommandOutcomeFailure  CommandOutcome = "failure"
	CommandOutcomeRejected CommandOutcome = "rejected"
	CommandOutcomeSkipped  CommandOutcome = "skipped"
)

// CommandEvent records a settled control action.
type CommandEvent struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Source      string         `json:"source"`
	CommandType CommandType    `json:"command_type"`
	Outcome     CommandOutcome `json:"outcome"`
	Error       string         `json:"error,omitempty"`

	// Command payloads (only the relevant one is set)
	Temperature *int    `json:"temperature,omitempty"`
	Mode        *string `json:"mode,omitempty"`
	ScheduleID  *string `json:"schedule_id,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
}

// NoticeLevel is the severity of a user-facing notice.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// NoticeEvent is a transient message for the feedback banner.
type NoticeEvent struct {
	Timestamp time.Time   `json:"timestamp"`
	Level     NoticeLevel `json:"level"`
	Message   string      `json:"message"`
}

// FrameEvent announces that a new video frame decoded cleanly.
type FrameEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Seq         uint64    `json:"seq"`
	ContentType string    `json:"content_type"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
}

// ReloadEvent is emitted when startup failed and cached state is discarded.
type ReloadEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// RequestEvent describes a completed device request.
type RequestEvent struct {
	Timestamp  time.Time     `json:"timestamp"`
	Method     string        `json:"method"`
	Endpoint   string        `json:"endpoint"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Equals determines whether two events carry the same logical state (ignoring timestamp/source).
func (e StateUpdateEvent) Equals(other StateUpdateEvent) bool {
	return e.Initialized == other.Initialized &&
		e.Reachable == other.Reachable &&
		e.CurrentMode == other.CurrentMode &&
		e.TargetMode == other.TargetMode &&
		ptrIntEqual(e.SetTemperature, other.SetTemperature) &&
		ptrIntEqual(e.TargetTemperature, other.TargetTemperature) &&
		ptrFloatEqual(e.HeatSetpoint, other.HeatSetpoint) &&
		ptrFloatEqual(e.CoolSetpoint, other.CoolSetpoint) &&
		ptrFloatEqual(e.TimeSinceLastAction, other.TimeSinceLastAction) &&
		e.Paused == other.Paused &&
		e.TemperaturePhase == other.TemperaturePhase &&
		e.ModePhase == other.ModePhase &&
		e.LightActive == other.LightActive &&
		schedulesEqual(e.Schedules, other.Schedules) &&
		ptrFloatEqual(e.VisionTemperature, other.VisionTemperature) &&
		e.VisionConfidence == other.VisionConfidence &&
		e.VisionUpdated.Equal(other.VisionUpdated) &&
		e.Version == other.Version &&
		e.NewVersionAvailable == other.NewVersionAvailable
}

func schedulesEqual(a, b []ScheduleItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID ||
			a[i].Time != b[i].Time ||
			a[i].Temperature != b[i].Temperature ||
			a[i].Mode != b[i].Mode ||
			a[i].DaysOfWeek != b[i].DaysOfWeek ||
			a[i].Enabled != b[i].Enabled ||
			!a[i].NextExecution.Equal(b[i].NextExecution) ||
			a[i].LastError != b[i].LastError {
			return false
		}
	}
	return true
}

func ptrIntEqual(a, b *int) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

func ptrFloatEqual(a, b *float64) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	const eps = 0.001
	diff := *a - *b
	if diff < 0 {
		diff = -diff
	}
	return diff < eps
}

// ConnectionStatusEvent conveys component lifecycle information (device, web, hap, mqtt).
type ConnectionStatusEvent struct {
	Timestamp  time.Time        `json:"timestamp"`
	Component  string           `json:"component"`
	Status     ConnectionStatus `json:"status"`
	Error      string           `json:"error"`
	Reconnects int              `json:"reconnects"`
}

// ConnectionStatus represents lifecycle state for a component.
type ConnectionStatus string

const (
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusReconnecting ConnectionStatus = "reconnecting"
	ConnectionStatusFailed       ConnectionStatus = "failed"
)

package thermostat

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Day presets understood by the device scheduler.
const (
	DaysDaily    = "daily"
	DaysWeekdays = "weekdays"
	DaysWeekends = "weekends"
)

var dayNames = map[string]time.Weekday{
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sunday":    time.Sunday,
}

// ScheduleForm is the raw user input for a new schedule.
type ScheduleForm struct {
	Time        string
	Temperature string
	Mode        string
	DaysOfWeek  string
}

// NewSchedule is the body sent to /set_schedule.
type NewSchedule struct {
	Time        string `json:"time"`
	Temperature int    `json:"temperature"`
	Mode        Mode   `json:"mode"`
	DaysOfWeek  string `json:"days_of_week"`
	Enabled     bool   `json:"enabled"`
}

// Validate checks the form and returns the request body. Time and mode are
// always required; temperature is required unless the mode is off, in
// which case it defaults to limits.DefaultSchedule.
func (f ScheduleForm) Validate(limits Limits) (NewSchedule, error) {
	timeStr := strings.TrimSpace(f.Time)
	if timeStr == "" {
		return NewSchedule{}, &ValidationError{Field: "time", Reason: "required"}
	}
	if _, err := time.Parse("15:04", timeStr); err != nil {
		return NewSchedule{}, &ValidationError{Field: "time", Reason: fmt.Sprintf("%q is not HH:MM", timeStr)}
	}

	if strings.TrimSpace(f.Mode) == "" {
		return NewSchedule{}, &ValidationError{Field: "mode", Reason: "required"}
	}
	mode, err := ParseMode(f.Mode)
	if err != nil {
		return NewSchedule{}, err
	}

	temperature := limits.DefaultSchedule
	tempStr := strings.TrimSpace(f.Temperature)
	switch {
	case tempStr == "" && mode != ModeOff:
		return NewSchedule{}, &ValidationError{Field: "temperature", Reason: fmt.Sprintf("required for mode %s", mode)}
	case tempStr != "":
		parsed, err := strconv.Atoi(tempStr)
		if err != nil {
			return NewSchedule{}, &ValidationError{Field: "temperature", Reason: fmt.Sprintf("%q is not a whole number", tempStr)}
		}
		if parsed < limits.Min || parsed > limits.Max {
			return NewSchedule{}, &ValidationError{
				Field:  "temperature",
				Reason: fmt.Sprintf("must be between %d and %d", limits.Min, limits.Max),
			}
		}
		temperature = parsed
	}

	days, err := NormalizeDays(f.DaysOfWeek)
	if err != nil {
		return NewSchedule{}, err
	}

	return NewSchedule{
		Time:        timeStr,
		Temperature: temperature,
		Mode:        mode,
		DaysOfWeek:  days,
		Enabled:     true,
	}, nil
}

// NormalizeDays validates a recurrence string. Empty means daily.
func NormalizeDays(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return DaysDaily, nil
	case DaysDaily, DaysWeekdays, DaysWeekends:
		return s, nil
	}

	parts := strings.Split(s, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		day := strings.TrimSpace(part)
		if _, ok := dayNames[day]; !ok {
			return "", &ValidationError{Field: "days_of_week", Reason: fmt.Sprintf("unknown day %q", day)}
		}
		normalized = append(normalized, day)
	}
	return strings.Join(normalized, ","), nil
}

// Weekdays expands a recurrence string into the days it covers.
func Weekdays(days string) []time.Weekday {
	switch days {
	case "", DaysDaily:
		return []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday}
	case DaysWeekdays:
		return []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
	case DaysWeekends:
		return []time.Weekday{time.Saturday, time.Sunday}
	}

	var result []time.Weekday
	for _, part := range strings.Split(days, ",") {
		if wd, ok := dayNames[strings.ToLower(strings.TrimSpace(part))]; ok {
			result = append(result, wd)
		}
	}
	return result
}

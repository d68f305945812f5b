package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/kradalby/thermostat-panel/thermostat"
	"github.com/tailscale/hujson"
)

// Panel holds presentation settings for the dashboard.
type Panel struct {
	Title                      string   `json:"title"`
	MinTemperature             int      `json:"min_temperature"`
	MaxTemperature             int      `json:"max_temperature"`
	DefaultScheduleTemperature int      `json:"default_schedule_temperature"`
	TemperatureStep            int      `json:"temperature_step"`
	Modes                      []string `json:"modes"`
	ShowVideo                  *bool    `json:"show_video,omitempty"` // default true
	ShowVision                 *bool    `json:"show_vision,omitempty"`
}

// DefaultPanel returns the settings used when no panel file exists.
func DefaultPanel() Panel {
	return Panel{
		Title:                      "Thermostat",
		MinTemperature:             thermostat.MinTemperature,
		MaxTemperature:             thermostat.MaxTemperature,
		DefaultScheduleTemperature: thermostat.DefaultScheduleTemperature,
		TemperatureStep:            1,
		Modes:                      []string{"heat", "cool", "off"},
	}
}

// LoadPanel reads the HuJSON panel file at path. A missing file yields the
// defaults; fields absent from the file keep their default values.
func LoadPanel(path string) (*Panel, error) {
	panel := DefaultPanel()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &panel, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read panel config file: %w", err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to standardize HuJSON: %w", err)
	}

	if err := json.Unmarshal(standardized, &panel); err != nil {
		return nil, fmt.Errorf("failed to parse panel config: %w", err)
	}

	if err := panel.Validate(); err != nil {
		return nil, fmt.Errorf("invalid panel config: %w", err)
	}

	return &panel, nil
}

// Validate checks bounds against the device's native range and the mode list.
func (p *Panel) Validate() error {
	if p.MinTemperature < thermostat.MinTemperature || p.MaxTemperature > thermostat.MaxTemperature {
		return fmt.Errorf("temperature bounds must lie within %d..%d",
			thermostat.MinTemperature, thermostat.MaxTemperature)
	}
	if p.MinTemperature >= p.MaxTemperature {
		return fmt.Errorf("min_temperature %d must be below max_temperature %d", p.MinTemperature, p.MaxTemperature)
	}
	if p.DefaultScheduleTemperature < p.MinTemperature || p.DefaultScheduleTemperature > p.MaxTemperature {
		return fmt.Errorf("default_schedule_temperature %d outside %d..%d",
			p.DefaultScheduleTemperature, p.MinTemperature, p.MaxTemperature)
	}
	if p.TemperatureStep < 1 || p.TemperatureStep > 5 {
		return fmt.Errorf("temperature_step must be between 1 and 5, got %d", p.TemperatureStep)
	}
	if len(p.Modes) == 0 {
		return fmt.Errorf("modes cannot be empty")
	}

	seen := make(map[thermostat.Mode]bool)
	for _, raw := range p.Modes {
		mode, err := thermostat.ParseMode(raw)
		if err != nil {
			return err
		}
		if seen[mode] {
			return fmt.Errorf("duplicate mode %q", mode)
		}
		seen[mode] = true
	}
	return nil
}

// Limits returns the temperature limits for the dashboard controller.
func (p *Panel) Limits() thermostat.Limits {
	return thermostat.Limits{
		Min:             p.MinTemperature,
		Max:             p.MaxTemperature,
		DefaultSchedule: p.DefaultScheduleTemperature,
	}
}

// ModeList returns the configured modes in display order.
func (p *Panel) ModeList() []thermostat.Mode {
	modes := make([]thermostat.Mode, 0, len(p.Modes))
	for _, raw := range p.Modes {
		if mode, err := thermostat.ParseMode(raw); err == nil {
			modes = append(modes, mode)
		}
	}
	return modes
}

// VideoEnabled reports whether the camera panel is shown.
func (p *Panel) VideoEnabled() bool {
	return p.ShowVideo == nil || *p.ShowVideo
}

// VisionEnabled reports whether the vision reading is shown.
func (p *Panel) VisionEnabled() bool {
	return p.ShowVision == nil || *p.ShowVision
}

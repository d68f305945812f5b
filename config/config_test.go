package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/kradalby/thermostat-panel/thermostat"
)

func clearEnvVars() {
	envVars := []string{
		"THERMOPANEL_DEVICE_URL",
		"THERMOPANEL_REQUEST_TIMEOUT",
		"THERMOPANEL_HEALTH_RETRY_DELAY",
		"THERMOPANEL_RELOAD_DELAY",
		"THERMOPANEL_STATUS_INTERVAL",
		"THERMOPANEL_SCHEDULE_INTERVAL",
		"THERMOPANEL_VIDEO_INTERVAL",
		"THERMOPANEL_VIDEO_RETRY_DELAY",
		"THERMOPANEL_VISION_INTERVAL",
		"THERMOPANEL_VERSION_INTERVAL",
		"THERMOPANEL_DEBOUNCE_WINDOW",
		"THERMOPANEL_LIGHT_HIGHLIGHT",
		"THERMOPANEL_HAP_ENABLED",
		"THERMOPANEL_HAP_PIN",
		"THERMOPANEL_HAP_STORAGE_PATH",
		"THERMOPANEL_HAP_ADDR",
		"THERMOPANEL_HAP_BIND_ADDRESS",
		"THERMOPANEL_HAP_PORT",
		"THERMOPANEL_WEB_ADDR",
		"THERMOPANEL_WEB_BIND_ADDRESS",
		"THERMOPANEL_WEB_PORT",
		"THERMOPANEL_MQTT_ENABLED",
		"THERMOPANEL_MQTT_ADDR",
		"THERMOPANEL_MQTT_BIND_ADDRESS",
		"THERMOPANEL_MQTT_PORT",
		"THERMOPANEL_PANEL_CONFIG",
		"THERMOPANEL_LOG_LEVEL",
		"THERMOPANEL_LOG_FORMAT",
		"THERMOPANEL_TS_HOSTNAME",
		"THERMOPANEL_TS_STATE_DIR",
		"THERMOPANEL_TS_AUTHKEY",
		"THERMOPANEL_BRIDGE_NAME",
	}
	for _, env := range envVars {
		os.Unsetenv(env)
	}
}

func TestDefaultConfig(t *testing.T) {
	clearEnvVars()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.DeviceURL != "http://blade:5000" {
		t.Errorf("default DeviceURL = %q", cfg.DeviceURL)
	}
	if cfg.HAPPin != "00102003" {
		t.Errorf("default HAPPin = %q, want %q", cfg.HAPPin, "00102003")
	}
	if !cfg.HAPEnabled || !cfg.MQTTEnabled {
		t.Errorf("HAPEnabled/MQTTEnabled = %v/%v, want true/true", cfg.HAPEnabled, cfg.MQTTEnabled)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Errorf("default logging = %q/%q, want info/json", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.BridgeName != "thermostat-panel" || cfg.TailscaleHostname != "thermostat-panel" {
		t.Errorf("default names = %q/%q", cfg.BridgeName, cfg.TailscaleHostname)
	}

	durations := map[string][2]time.Duration{
		"RequestTimeout":   {cfg.RequestTimeout, 10 * time.Second},
		"HealthRetryDelay": {cfg.HealthRetryDelay, 2 * time.Second},
		"ReloadDelay":      {cfg.ReloadDelay, time.Second},
		"StatusInterval":   {cfg.StatusInterval, time.Second},
		"ScheduleInterval": {cfg.ScheduleInterval, 5 * time.Second},
		"VideoInterval":    {cfg.VideoInterval, time.Second},
		"VideoRetryDelay":  {cfg.VideoRetryDelay, 5 * time.Second},
		"VisionInterval":   {cfg.VisionInterval, 60 * time.Second},
		"VersionInterval":  {cfg.VersionInterval, 30 * time.Second},
		"DebounceWindow":   {cfg.DebounceWindow, 500 * time.Millisecond},
		"LightHighlight":   {cfg.LightHighlight, 3 * time.Second},
	}
	for name, d := range durations {
		if d[0] != d[1] {
			t.Errorf("default %s = %v, want %v", name, d[0], d[1])
		}
	}
}

func TestConfigFromEnv(t *testing.T) {
	clearEnvVars()

	t.Setenv("THERMOPANEL_DEVICE_URL", "https://thermostat.lan:8443")
	t.Setenv("THERMOPANEL_HAP_ADDR", "127.0.0.1:51827")
	t.Setenv("THERMOPANEL_DEBOUNCE_WINDOW", "250ms")
	t.Setenv("THERMOPANEL_LOG_LEVEL", "debug")
	t.Setenv("THERMOPANEL_LOG_FORMAT", "console")
	t.Setenv("THERMOPANEL_BRIDGE_NAME", "hallway")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.DeviceURL != "https://thermostat.lan:8443" {
		t.Errorf("DeviceURL = %q", cfg.DeviceURL)
	}
	if got := cfg.HAPAddrPort().String(); got != "127.0.0.1:51827" {
		t.Errorf("HAPAddrPort() = %q, want %q", got, "127.0.0.1:51827")
	}
	if got := cfg.DebounceWindow; got != 250*time.Millisecond {
		t.Errorf("DebounceWindow = %v, want 250ms", got)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "console" {
		t.Errorf("logging = %q/%q, want debug/console", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.BridgeName != "hallway" || cfg.TailscaleHostname != "hallway" {
		t.Errorf("names = %q/%q, want hallway/hallway", cfg.BridgeName, cfg.TailscaleHostname)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{name: "invalid pin length", env: map[string]string{"THERMOPANEL_HAP_PIN": "123"}, wantErr: true},
		{name: "short pin ignored without HAP", env: map[string]string{"THERMOPANEL_HAP_PIN": "123", "THERMOPANEL_HAP_ENABLED": "false"}},
		{name: "valid pin", env: map[string]string{"THERMOPANEL_HAP_PIN": "12345678"}},
		{name: "device url without scheme", env: map[string]string{"THERMOPANEL_DEVICE_URL": "blade:5000"}, wantErr: true},
		{name: "bad duration", env: map[string]string{"THERMOPANEL_STATUS_INTERVAL": "often"}, wantErr: true},
		{name: "zero duration", env: map[string]string{"THERMOPANEL_REQUEST_TIMEOUT": "0s"}, wantErr: true},
		{name: "negative duration", env: map[string]string{"THERMOPANEL_VIDEO_RETRY_DELAY": "-5s"}, wantErr: true},
		{name: "port out of range", env: map[string]string{"THERMOPANEL_WEB_PORT": "70000"}, wantErr: true},
		{name: "invalid log level", env: map[string]string{"THERMOPANEL_LOG_LEVEL": "invalid"}, wantErr: true},
		{name: "invalid log format", env: map[string]string{"THERMOPANEL_LOG_FORMAT": "invalid"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnvVars()
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAddrPortMethods(t *testing.T) {
	clearEnvVars()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		port uint16
		got  func() uint16
	}{
		{"hap", 51826, func() uint16 { return cfg.HAPAddrPort().Port() }},
		{"web", 8080, func() uint16 { return cfg.WebAddrPort().Port() }},
		{"mqtt", 1883, func() uint16 { return cfg.MQTTAddrPort().Port() }},
	}
	for _, tt := range tests {
		if got := tt.got(); got != tt.port {
			t.Errorf("%s port = %d, want %d", tt.name, got, tt.port)
		}
	}
}

func writePanel(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "panel.hujson")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadPanelMissingFileUsesDefaults(t *testing.T) {
	panel, err := LoadPanel(filepath.Join(t.TempDir(), "absent.hujson"))
	if err != nil {
		t.Fatalf("LoadPanel() error = %v", err)
	}
	if diff := cmp.Diff(DefaultPanel(), *panel); diff != "" {
		t.Errorf("LoadPanel() mismatch (-want +got):\n%s", diff)
	}
	if !panel.VideoEnabled() || !panel.VisionEnabled() {
		t.Error("video and vision should default to enabled")
	}
}

func TestLoadPanel(t *testing.T) {
	path := writePanel(t, `{
		// Hallway unit never cools.
		"title": "Hallway",
		"min_temperature": 55,
		"max_temperature": 80,
		"modes": ["heat", "off"],
		"show_video": false,
	}`)

	panel, err := LoadPanel(path)
	if err != nil {
		t.Fatalf("LoadPanel() error = %v", err)
	}

	if panel.Title != "Hallway" {
		t.Errorf("Title = %q", panel.Title)
	}
	want := thermostat.Limits{Min: 55, Max: 80, DefaultSchedule: 70}
	if diff := cmp.Diff(want, panel.Limits()); diff != "" {
		t.Errorf("Limits() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]thermostat.Mode{thermostat.ModeHeat, thermostat.ModeOff}, panel.ModeList()); diff != "" {
		t.Errorf("ModeList() mismatch (-want +got):\n%s", diff)
	}
	if panel.VideoEnabled() {
		t.Error("VideoEnabled() = true, want false")
	}
}

func TestLoadPanelValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"below device range", `{"min_temperature": 40}`},
		{"inverted bounds", `{"min_temperature": 80, "max_temperature": 60}`},
		{"default outside bounds", `{"min_temperature": 72, "default_schedule_temperature": 70}`},
		{"unknown mode", `{"modes": ["heat", "auto"]}`},
		{"duplicate mode", `{"modes": ["heat", "HEAT"]}`},
		{"empty modes", `{"modes": []}`},
		{"big step", `{"temperature_step": 10}`},
		{"not json", `{"title": `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadPanel(writePanel(t, tt.content)); err == nil {
				t.Error("LoadPanel() should fail")
			}
		})
	}
}

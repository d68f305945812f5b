package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/kradalby/thermostat-panel/logging"
)

const (
	defaultBindAddress = "0.0.0.0"
	defaultHAPPort     = 51826
	defaultWebPort     = 8080
	defaultMQTTPort    = 1883
	defaultBridgeName  = "thermostat-panel"
)

// Config holds all environment-driven configuration.
type Config struct {
	// Thermostat appliance
	DeviceURL      string        `env:"THERMOPANEL_DEVICE_URL,default=http://blade:5000"`
	RequestTimeout time.Duration `env:"THERMOPANEL_REQUEST_TIMEOUT,default=10s"`

	// Poll timings
	HealthRetryDelay time.Duration `env:"THERMOPANEL_HEALTH_RETRY_DELAY,default=2s"`
	ReloadDelay      time.Duration `env:"THERMOPANEL_RELOAD_DELAY,default=1s"`
	StatusInterval   time.Duration `env:"THERMOPANEL_STATUS_INTERVAL,default=1s"`
	ScheduleInterval time.Duration `env:"THERMOPANEL_SCHEDULE_INTERVAL,default=5s"`
	VideoInterval    time.Duration `env:"THERMOPANEL_VIDEO_INTERVAL,default=1s"`
	VideoRetryDelay  time.Duration `env:"THERMOPANEL_VIDEO_RETRY_DELAY,default=5s"`
	VisionInterval   time.Duration `env:"THERMOPANEL_VISION_INTERVAL,default=60s"`
	VersionInterval  time.Duration `env:"THERMOPANEL_VERSION_INTERVAL,default=30s"`
	DebounceWindow   time.Duration `env:"THERMOPANEL_DEBOUNCE_WINDOW,default=500ms"`
	LightHighlight   time.Duration `env:"THERMOPANEL_LIGHT_HIGHLIGHT,default=3s"`

	// HomeKit listener configuration
	HAPEnabled     bool   `env:"THERMOPANEL_HAP_ENABLED,default=true"`
	HAPPin         string `env:"THERMOPANEL_HAP_PIN,default=00102003"`
	HAPStoragePath string `env:"THERMOPANEL_HAP_STORAGE_PATH,default=./data/hap"`
	HAPAddr        string `env:"THERMOPANEL_HAP_ADDR"`
	HAPBindAddress string `env:"THERMOPANEL_HAP_BIND_ADDRESS,default=0.0.0.0"`
	HAPPort        int    `env:"THERMOPANEL_HAP_PORT,default=51826"`

	// Web listener configuration
	WebAddr        string `env:"THERMOPANEL_WEB_ADDR"`
	WebBindAddress string `env:"THERMOPANEL_WEB_BIND_ADDRESS,default=0.0.0.0"`
	WebPort        int    `env:"THERMOPANEL_WEB_PORT,default=8080"`

	// Embedded MQTT listener configuration
	MQTTEnabled     bool   `env:"THERMOPANEL_MQTT_ENABLED,default=true"`
	MQTTAddr        string `env:"THERMOPANEL_MQTT_ADDR"`
	MQTTBindAddress string `env:"THERMOPANEL_MQTT_BIND_ADDRESS,default=0.0.0.0"`
	MQTTPort        int    `env:"THERMOPANEL_MQTT_PORT,default=1883"`

	// Tailscale configuration
	BridgeName        string `env:"THERMOPANEL_BRIDGE_NAME"`
	TailscaleHostname string `env:"THERMOPANEL_TS_HOSTNAME"`
	TailscaleAuthKey  string `env:"THERMOPANEL_TS_AUTHKEY"`
	TailscaleStateDir string `env:"THERMOPANEL_TS_STATE_DIR,default=./data/tailscale"`

	// Logging options
	LogLevel  string `env:"THERMOPANEL_LOG_LEVEL,default=info"`
	LogFormat string `env:"THERMOPANEL_LOG_FORMAT,default=json"`

	// Panel presentation file (optional)
	PanelConfigPath string `env:"THERMOPANEL_PANEL_CONFIG,default=./panel.hujson"`

	hapAddr  netip.AddrPort
	webAddr  netip.AddrPort
	mqttAddr netip.AddrPort
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	cfg.applyNameDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate ensures basic correctness of the configuration.
func (c *Config) Validate() error {
	u, err := url.Parse(c.DeviceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid device URL %q: must be an http(s) URL", c.DeviceURL)
	}
	if err := c.validateDurations(); err != nil {
		return err
	}
	if c.HAPEnabled && len(c.HAPPin) != 8 {
		return fmt.Errorf("HAP PIN must be exactly 8 digits")
	}
	if c.BridgeName == "" {
		return fmt.Errorf("BridgeName cannot be empty")
	}
	if err := c.parseListenerAddrs(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if err := logging.ValidateFormat(c.LogFormat); err != nil {
		return err
	}
	if c.TailscaleStateDir == "" {
		return fmt.Errorf("TailscaleStateDir cannot be empty")
	}
	return nil
}

func (c *Config) validateDurations() error {
	fields := []struct {
		name  string
		value time.Duration
	}{
		{"request timeout", c.RequestTimeout},
		{"health retry delay", c.HealthRetryDelay},
		{"reload delay", c.ReloadDelay},
		{"status interval", c.StatusInterval},
		{"schedule interval", c.ScheduleInterval},
		{"video interval", c.VideoInterval},
		{"video retry delay", c.VideoRetryDelay},
		{"vision interval", c.VisionInterval},
		{"version interval", c.VersionInterval},
		{"debounce window", c.DebounceWindow},
		{"light highlight", c.LightHighlight},
	}

	for _, f := range fields {
		if f.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", f.name, f.value)
		}
	}
	return nil
}

func (c *Config) parseListenerAddrs() error {
	var err error
	c.hapAddr, err = listenerAddr("HAP", c.HAPAddr, &c.HAPBindAddress, &c.HAPPort, defaultHAPPort, "THERMOPANEL_HAP_PORT")
	if err != nil {
		return err
	}
	c.webAddr, err = listenerAddr("web", c.WebAddr, &c.WebBindAddress, &c.WebPort, defaultWebPort, "THERMOPANEL_WEB_PORT")
	if err != nil {
		return err
	}
	c.mqttAddr, err = listenerAddr("MQTT", c.MQTTAddr, &c.MQTTBindAddress, &c.MQTTPort, defaultMQTTPort, "THERMOPANEL_MQTT_PORT")
	if err != nil {
		return err
	}
	return nil
}

// listenerAddr resolves an explicit addr, or bind address and port, into
// an AddrPort. Empty bind addresses and unset ports fall back to defaults.
func listenerAddr(name, addr string, bind *string, port *int, defaultPort int, portVar string) (netip.AddrPort, error) {
	if *bind == "" {
		*bind = defaultBindAddress
	}
	if *port == 0 && !envVarSet(portVar) {
		*port = defaultPort
	}
	if err := validatePortRange(name, *port); err != nil {
		return netip.AddrPort{}, err
	}
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", *bind, *port)
	}
	parsed, err := netip.ParseAddrPort(addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid %s addr %q: %w", name, addr, err)
	}
	return parsed, nil
}

// HAPAddrPort returns the parsed HAP listener address.
func (c *Config) HAPAddrPort() netip.AddrPort {
	c.ensureParsed()
	return c.hapAddr
}

// WebAddrPort returns the parsed web listener address.
func (c *Config) WebAddrPort() netip.AddrPort {
	c.ensureParsed()
	return c.webAddr
}

// MQTTAddrPort returns the parsed MQTT listener address.
func (c *Config) MQTTAddrPort() netip.AddrPort {
	c.ensureParsed()
	return c.mqttAddr
}

func (c *Config) ensureParsed() {
	if !c.hapAddr.IsValid() || !c.webAddr.IsValid() || !c.mqttAddr.IsValid() {
		if err := c.parseListenerAddrs(); err != nil {
			panic(fmt.Sprintf("failed to parse listener addresses: %v", err))
		}
	}
}

// applyNameDefaults keeps the bridge name and tailnet hostname in step
// unless one of them was set explicitly.
func (c *Config) applyNameDefaults() {
	tsHostnameSet := envVarSet("THERMOPANEL_TS_HOSTNAME")
	bridgeNameSet := envVarSet("THERMOPANEL_BRIDGE_NAME")

	base := defaultBridgeName
	switch {
	case tsHostnameSet:
		base = c.TailscaleHostname
	case bridgeNameSet:
		base = c.BridgeName
	}

	if !tsHostnameSet {
		c.TailscaleHostname = base
	}
	if !bridgeNameSet {
		c.BridgeName = base
	}
}

// SetListenerAddrsForTesting overrides listener addresses in tests.
func (c *Config) SetListenerAddrsForTesting(hap, web, mqtt string) {
	c.hapAddr = netip.MustParseAddrPort(hap)
	c.webAddr = netip.MustParseAddrPort(web)
	c.mqttAddr = netip.MustParseAddrPort(mqtt)
}

func validatePortRange(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s port must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

func envVarSet(key string) bool {
	if key == "" {
		return false
	}
	_, ok := os.LookupEnv(key)
	return ok
}

// Package thermopanel wires the thermostat dashboard controller to its web
// UI, HomeKit bridge, MQTT broker and metrics.
package thermopanel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	homekitqr "github.com/kradalby/homekit-qr"
	"github.com/kradalby/kra/web"
	appconfig "github.com/kradalby/thermostat-panel/config"
	"github.com/kradalby/thermostat-panel/dashboard"
	"github.com/kradalby/thermostat-panel/events"
	"github.com/kradalby/thermostat-panel/logging"
	"github.com/kradalby/thermostat-panel/metrics"
	"github.com/kradalby/thermostat-panel/thermostat"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/brutella/hap"
)

var version = "dev"

// controllerOptions maps the parsed configuration onto controller options.
func controllerOptions(cfg *appconfig.Config, panel *appconfig.Panel) dashboard.Options {
	return dashboard.Options{
		HealthRetryDelay: cfg.HealthRetryDelay,
		ReloadDelay:      cfg.ReloadDelay,
		StatusInterval:   cfg.StatusInterval,
		ScheduleInterval: cfg.ScheduleInterval,
		VideoInterval:    cfg.VideoInterval,
		VideoRetryDelay:  cfg.VideoRetryDelay,
		VisionInterval:   cfg.VisionInterval,
		VersionInterval:  cfg.VersionInterval,
		DebounceWindow:   cfg.DebounceWindow,
		LightHighlight:   cfg.LightHighlight,
		Limits:           panel.Limits(),
		DisableVideo:     !panel.VideoEnabled(),
		DisableVision:    !panel.VisionEnabled(),
	}
}

// requestObserver forwards device request outcomes to the event bus.
func requestObserver(bus *events.Bus) (func(thermostat.RequestInfo), error) {
	client, err := bus.Client(events.ClientController)
	if err != nil {
		return nil, err
	}
	return func(info thermostat.RequestInfo) {
		evt := events.RequestEvent{
			Timestamp:  time.Now(),
			Method:     info.Method,
			Endpoint:   info.Endpoint,
			StatusCode: info.StatusCode,
			Duration:   info.Duration,
		}
		if info.Err != nil {
			evt.Error = info.Err.Error()
		}
		bus.PublishRequest(client, evt)
	}, nil
}

// Main is the entry point used by cmd/thermopanel.
func Main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := appconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	slog.Info("Starting thermostat panel",
		"version", version,
		"log_level", cfg.LogLevel,
		"log_format", cfg.LogFormat,
	)

	slog.Info("Configuration loaded",
		"device_url", cfg.DeviceURL,
		"hap_enabled", cfg.HAPEnabled,
		"hap_addr", cfg.HAPAddrPort().String(),
		"web_addr", cfg.WebAddrPort().String(),
		"mqtt_enabled", cfg.MQTTEnabled,
		"mqtt_addr", cfg.MQTTAddrPort().String(),
		"panel_config", cfg.PanelConfigPath,
	)

	panel, err := appconfig.LoadPanel(cfg.PanelConfigPath)
	if err != nil {
		slog.Error("Failed to load panel configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eventBus, err := events.New(logger)
	if err != nil {
		slog.Error("Failed to initialize eventbus", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := eventBus.Close(); err != nil {
			slog.Warn("Error closing eventbus", "error", err)
		}
	}()

	metricsCollector, err := metrics.NewCollector(ctx, logging.Component(logger, "metrics"), eventBus, nil)
	if err != nil {
		slog.Error("Failed to initialize metrics collector", "error", err)
		os.Exit(1)
	}
	defer metricsCollector.Close()

	observer, err := requestObserver(eventBus)
	if err != nil {
		slog.Error("Failed to get controller client", "error", err)
		os.Exit(1)
	}

	deviceClient, err := thermostat.NewClient(cfg.DeviceURL, cfg.RequestTimeout,
		logging.Component(logger, "device"),
		thermostat.WithObserver(observer),
	)
	if err != nil {
		slog.Error("Failed to create device client", "error", err)
		os.Exit(1)
	}

	controller, err := dashboard.New(deviceClient, eventBus, logging.Component(logger, "controller"), controllerOptions(cfg, panel))
	if err != nil {
		slog.Error("Failed to create dashboard controller", "error", err)
		os.Exit(1)
	}
	controller.Start(ctx)
	defer func() {
		if err := controller.Close(); err != nil {
			slog.Warn("Error closing controller", "error", err)
		}
	}()

	var mqttServer *mqtt.Server
	var mqttHook *MQTTHook
	if cfg.MQTTEnabled {
		mqttServer, mqttHook = startMQTT(ctx, cfg, controller, eventBus, logger)
	}

	var hapManager *HAPManager
	qrCode := ""
	if cfg.HAPEnabled {
		hapManager, qrCode = startHAP(ctx, cfg, controller, eventBus, logger)
		defer hapManager.Close()
	}

	kraOpts := []web.Option{
		web.WithStdLogger(log.New(os.Stdout, "kraweb: ", log.LstdFlags)),
		web.WithLogger(logger),
		web.WithTailscaleStateDir(cfg.TailscaleStateDir),
	}

	enableTailscale := cfg.TailscaleAuthKey != ""
	kraConfig := web.ServerConfig{
		Hostname:        cfg.TailscaleHostname,
		LocalAddr:       cfg.WebAddrPort().String(),
		AuthKey:         cfg.TailscaleAuthKey,
		EnableTailscale: enableTailscale,
	}

	kraWeb, err := web.NewServer(kraConfig, kraOpts...)
	if err != nil {
		slog.Error("Failed to configure web server", "error", err)
		os.Exit(1)
	}

	hapPin := ""
	if cfg.HAPEnabled {
		hapPin = cfg.HAPPin
	}

	webServer := NewWebServer(logging.Component(logger, "web"), controller, *panel, eventBus, kraWeb, hapPin, qrCode, hapManager)
	webServer.LogEvent("Server starting...")
	webServer.RegisterRoutes(kraWeb)
	kraWeb.Handle("/metrics", promhttp.Handler())
	SetupDebugHandlers(kraWeb, hapManager)
	webServer.Start(ctx)
	defer webServer.Close()

	webURL := fmt.Sprintf("http://%s", cfg.WebAddrPort().String())
	if enableTailscale {
		webURL = fmt.Sprintf("https://%s (and http://%s)", cfg.TailscaleHostname, cfg.WebAddrPort().String())
	}
	slog.Info("Web UI available", "url", webURL)

	slog.Info("Server running, press Ctrl+C to stop")
	<-ctx.Done()
	slog.Info("Shutting down...")

	if mqttServer != nil {
		slog.Info("Stopping MQTT broker...")
		if err := mqttServer.Close(); err != nil {
			slog.Error("Error stopping MQTT broker", "error", err)
		}
		mqttHook.Wait()
		publishComponentStatus(eventBus, events.ClientMQTT, events.ConnectionStatusDisconnected, nil)
	}
	slog.Info("Shutdown complete")
}

func publishComponentStatus(bus *events.Bus, name events.ClientName, status events.ConnectionStatus, err error) {
	client, clientErr := bus.Client(name)
	if clientErr != nil {
		return
	}
	evt := events.ConnectionStatusEvent{
		Timestamp: time.Now(),
		Component: string(name),
		Status:    status,
	}
	if err != nil {
		evt.Error = err.Error()
	}
	bus.PublishConnectionStatus(client, evt)
}

func startMQTT(
	ctx context.Context,
	cfg *appconfig.Config,
	controller *dashboard.Controller,
	eventBus *events.Bus,
	logger *slog.Logger,
) (*mqtt.Server, *MQTTHook) {
	mqttLogger := logging.Component(logger, "mqtt")

	mqttServer := mqtt.New(&mqtt.Options{
		InlineClient: true,
	})

	if err := mqttServer.AddHook(new(auth.AllowHook), nil); err != nil {
		slog.Error("Failed to add MQTT auth hook", "error", err)
		os.Exit(1)
	}

	mqttHook := NewMQTTHook(ctx, controller, mqttLogger)
	if err := mqttServer.AddHook(mqttHook, nil); err != nil {
		slog.Error("Failed to add MQTT message hook", "error", err)
		os.Exit(1)
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "tcp",
		Address: cfg.MQTTAddrPort().String(),
	})
	if err := mqttServer.AddListener(tcp); err != nil {
		slog.Error("Failed to add MQTT listener", "error", err)
		os.Exit(1)
	}

	statePublisher, err := NewStatePublisher(mqttServer, eventBus, mqttLogger)
	if err != nil {
		slog.Error("Failed to create MQTT state publisher", "error", err)
		os.Exit(1)
	}
	statePublisher.Start(ctx)
	context.AfterFunc(ctx, statePublisher.Close)

	publishComponentStatus(eventBus, events.ClientMQTT, events.ConnectionStatusConnecting, nil)

	go func() {
		slog.Info("Starting MQTT broker", "addr", cfg.MQTTAddrPort().String())
		publishComponentStatus(eventBus, events.ClientMQTT, events.ConnectionStatusConnected, nil)
		if err := mqttServer.Serve(); err != nil {
			publishComponentStatus(eventBus, events.ClientMQTT, events.ConnectionStatusFailed, err)
			slog.Error("MQTT server error", "error", err)
		}
	}()

	return mqttServer, mqttHook
}

func startHAP(
	ctx context.Context,
	cfg *appconfig.Config,
	controller *dashboard.Controller,
	eventBus *events.Bus,
	logger *slog.Logger,
) (*HAPManager, string) {
	hapManager := NewHAPManager(cfg.BridgeName, controller, eventBus, logging.Component(logger, "hap"))
	hapManager.Start(ctx)

	accessories := hapManager.GetAccessories()

	fsStore := hap.NewFsStore(cfg.HAPStoragePath)
	hapServer, err := hap.NewServer(
		fsStore,
		accessories[0],
		accessories[1:]...,
	)
	if err != nil {
		slog.Error("Failed to create HAP server", "error", err)
		os.Exit(1)
	}

	hapServer.Pin = cfg.HAPPin
	hapServer.Addr = cfg.HAPAddrPort().String()

	hapManager.SetServer(hapServer)
	hapManager.SetStore(fsStore)

	publishComponentStatus(eventBus, events.ClientHAP, events.ConnectionStatusConnecting, nil)

	go func() {
		slog.Info("Starting HomeKit server",
			"addr", cfg.HAPAddrPort().String(),
			"pin", cfg.HAPPin,
		)
		publishComponentStatus(eventBus, events.ClientHAP, events.ConnectionStatusConnected, nil)
		if err := hapServer.ListenAndServe(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				publishComponentStatus(eventBus, events.ClientHAP, events.ConnectionStatusDisconnected, nil)
			} else {
				publishComponentStatus(eventBus, events.ClientHAP, events.ConnectionStatusFailed, err)
				slog.Error("HAP server error", "error", err)
			}
			return
		}
		publishComponentStatus(eventBus, events.ClientHAP, events.ConnectionStatusDisconnected, nil)
	}()

	fmt.Printf("HomeKit bridge ready - pair with PIN: %s\n\n", cfg.HAPPin)

	qrConfig := homekitqr.QRCodeConfig{
		SetupURIConfig: homekitqr.SetupURIConfig{
			PairingCode: cfg.HAPPin,
			SetupID:     "TPNL",
			Category:    homekitqr.CategoryBridge,
		},
	}

	qr, err := homekitqr.GenerateQRTerminal(qrConfig)
	if err != nil {
		slog.Warn("Failed to generate QR code", "error", err)
		return hapManager, ""
	}

	fmt.Println(qr)
	fmt.Println("========================================")
	slog.Info("Scan QR code or enter PIN manually in Home app", "pin", cfg.HAPPin)

	return hapManager, qr
}

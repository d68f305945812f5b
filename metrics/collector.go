// Package metrics turns panel events into Prometheus metrics.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kradalby/thermostat-panel/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"tailscale.com/util/eventbus"
)

const namespace = "thermopanel"

// Collector subscribes to eventbus updates and exposes Prometheus metrics.
type Collector struct {
	logger     *slog.Logger
	statusSub  *eventbus.Subscriber[events.ConnectionStatusEvent]
	commandSub *eventbus.Subscriber[events.CommandEvent]
	stateSub   *eventbus.Subscriber[events.StateUpdateEvent]
	requestSub *eventbus.Subscriber[events.RequestEvent]

	statusGauge     *prometheus.GaugeVec
	commandCounter  *prometheus.CounterVec
	panelState      *prometheus.GaugeVec
	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	workers      sync.WaitGroup
}

// NewCollector wires eventbus subscribers into Prometheus metrics.
func NewCollector(ctx context.Context, logger *slog.Logger, bus *events.Bus, reg prometheus.Registerer) (*Collector, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	client, err := bus.Client(events.ClientMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics client: %w", err)
	}

	factory := promauto.With(reg)
	collectorCtx, cancel := context.WithCancel(ctx)

	c := &Collector{
		logger:     logger,
		statusSub:  eventbus.Subscribe[events.ConnectionStatusEvent](client),
		commandSub: eventbus.Subscribe[events.CommandEvent](client),
		stateSub:   eventbus.Subscribe[events.StateUpdateEvent](client),
		requestSub: eventbus.Subscribe[events.RequestEvent](client),

		statusGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "component_status",
			Help:      "Lifecycle state per component (1 when matching status, 0 otherwise)",
		}, []string{"component", "status"}),

		commandCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_total",
			Help:      "Total panel commands by source, type and outcome",
		}, []string{"source", "command_type", "outcome"}),

		panelState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Panel state values (temperatures in °F, flags as 0/1)",
		}, []string{"metric"}),

		requestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "requests_total",
			Help:      "Total requests sent to the thermostat appliance",
		}, []string{"method", "endpoint", "outcome"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "request_duration_seconds",
			Help:      "Latency of requests sent to the thermostat appliance",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "endpoint"}),

		ctx:    collectorCtx,
		cancel: cancel,
	}

	c.workers.Go(func() { consume(c.ctx, c.statusSub, c.observeStatus) })
	c.workers.Go(func() { consume(c.ctx, c.commandSub, c.observeCommand) })
	c.workers.Go(func() { consume(c.ctx, c.stateSub, c.observeState) })
	c.workers.Go(func() { consume(c.ctx, c.requestSub, c.observeRequest) })

	logger.Info("metrics collector started")

	return c, nil
}

// Close stops the collector and releases subscribers.
func (c *Collector) Close() {
	c.shutdownOnce.Do(func() {
		c.cancel()
		c.statusSub.Close()
		c.commandSub.Close()
		c.stateSub.Close()
		c.requestSub.Close()
		c.workers.Wait()
		c.logger.Info("metrics collector stopped")
	})
}

func consume[T any](ctx context.Context, sub *eventbus.Subscriber[T], observe func(T)) {
	for {
		select {
		case evt := <-sub.Events():
			observe(evt)
		case <-sub.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Collector) observeStatus(evt events.ConnectionStatusEvent) {
	for _, status := range []events.ConnectionStatus{
		events.ConnectionStatusDisconnected,
		events.ConnectionStatusConnecting,
		events.ConnectionStatusConnected,
		events.ConnectionStatusReconnecting,
		events.ConnectionStatusFailed,
	} {
		value := 0.0
		if status == evt.Status {
			value = 1.0
		}
		c.statusGauge.WithLabelValues(evt.Component, string(status)).Set(value)
	}
}

func (c *Collector) observeCommand(evt events.CommandEvent) {
	c.commandCounter.WithLabelValues(
		orUnknown(evt.Source),
		orUnknown(string(evt.CommandType)),
		orUnknown(string(evt.Outcome)),
	).Inc()
}

func (c *Collector) observeState(evt events.StateUpdateEvent) {
	c.panelState.WithLabelValues("reachable").Set(boolValue(evt.Reachable))
	c.panelState.WithLabelValues("paused").Set(boolValue(evt.Paused))
	c.panelState.WithLabelValues("light_active").Set(boolValue(evt.LightActive))
	c.panelState.WithLabelValues("schedules").Set(float64(len(evt.Schedules)))

	if evt.SetTemperature != nil {
		c.panelState.WithLabelValues("set_temperature").Set(float64(*evt.SetTemperature))
	}
	if evt.TargetTemperature != nil {
		c.panelState.WithLabelValues("target_temperature").Set(float64(*evt.TargetTemperature))
	}
	if evt.HeatSetpoint != nil {
		c.panelState.WithLabelValues("heat_setpoint").Set(*evt.HeatSetpoint)
	}
	if evt.CoolSetpoint != nil {
		c.panelState.WithLabelValues("cool_setpoint").Set(*evt.CoolSetpoint)
	}
	if evt.TimeSinceLastAction != nil {
		c.panelState.WithLabelValues("time_since_last_action_seconds").Set(*evt.TimeSinceLastAction)
	}
	if evt.VisionTemperature != nil {
		c.panelState.WithLabelValues("vision_temperature").Set(*evt.VisionTemperature)
	}
}

func (c *Collector) observeRequest(evt events.RequestEvent) {
	outcome := "success"
	switch {
	case evt.Error != "" && evt.StatusCode == 0:
		outcome = "transport_error"
	case evt.StatusCode >= 400:
		outcome = "http_error"
	}

	endpoint := orUnknown(evt.Endpoint)
	c.requestDuration.WithLabelValues(evt.Method, endpoint).Observe(evt.Duration.Seconds())
	c.requestCounter.WithLabelValues(evt.Method, endpoint, outcome).Inc()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

package thermopanel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kradalby/thermostat-panel/dashboard"
	"github.com/kradalby/thermostat-panel/events"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"tailscale.com/util/eventbus"
)

// MQTT topics served by the embedded broker.
const (
	TopicState = "thermopanel/state"
	TopicSet   = "thermopanel/set"
)

// MQTTController is the dashboard surface driven from MQTT.
type MQTTController interface {
	RequestTemperature(ctx context.Context, target int) error
	RequestTemperatureChange(ctx context.Context, delta int) error
	RequestModeChange(ctx context.Context, mode string) error
	ActivateLight(ctx context.Context)
}

// MQTTCommand is the JSON payload accepted on TopicSet. Exactly one field
// is expected; temperature wins over delta when both are present.
type MQTTCommand struct {
	Temperature *int    `json:"temperature,omitempty"`
	Delta       *int    `json:"delta,omitempty"`
	Mode        *string `json:"mode,omitempty"`
	Light       *bool   `json:"light,omitempty"`
}

var errEmptyCommand = errors.New("command has no recognised field")

// ParseMQTTCommand decodes a TopicSet payload.
func ParseMQTTCommand(payload []byte) (MQTTCommand, error) {
	var cmd MQTTCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return MQTTCommand{}, fmt.Errorf("invalid command payload: %w", err)
	}
	if cmd.Temperature == nil && cmd.Delta == nil && cmd.Mode == nil && (cmd.Light == nil || !*cmd.Light) {
		return MQTTCommand{}, errEmptyCommand
	}
	return cmd, nil
}

// MQTTHook handles commands published to the embedded broker.
type MQTTHook struct {
	mqtt.HookBase
	controller MQTTController
	logger     *slog.Logger
	ctx        context.Context
	workers    sync.WaitGroup
}

// NewMQTTHook creates a hook dispatching commands to controller. Commands
// run on their own goroutines bound to ctx.
func NewMQTTHook(ctx context.Context, controller MQTTController, logger *slog.Logger) *MQTTHook {
	return &MQTTHook{
		controller: controller,
		logger:     logger,
		ctx:        ctx,
	}
}

// ID returns the hook identifier.
func (h *MQTTHook) ID() string {
	return "thermopanel-mqtt-hook"
}

// Provides returns the hook methods this hook provides.
func (h *MQTTHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnect,
		mqtt.OnDisconnect,
		mqtt.OnPublish,
	}, []byte{b})
}

// OnConnect is called when a client connects.
func (h *MQTTHook) OnConnect(cl *mqtt.Client, pk packets.Packet) error {
	h.logger.Info("MQTT client connected", "client_id", cl.ID)
	return nil
}

// OnDisconnect is called when a client disconnects.
func (h *MQTTHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	h.logger.Info("MQTT client disconnected", "client_id", cl.ID, "error", err, "expire", expire)
}

// OnPublish is called when a message is received from a client.
func (h *MQTTHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	if pk.TopicName != TopicSet {
		return pk, nil
	}

	h.logger.Debug("MQTT command received", "payload", string(pk.Payload))

	cmd, err := ParseMQTTCommand(pk.Payload)
	if err != nil {
		h.logger.Warn("Ignoring MQTT command", "error", err)
		return pk, nil
	}

	// The broker must not block on device round trips.
	h.workers.Go(func() { h.dispatch(cmd) })

	return pk, nil
}

func (h *MQTTHook) dispatch(cmd MQTTCommand) {
	ctx := dashboard.WithSource(h.ctx, dashboard.SourceMQTT)

	var err error
	switch {
	case cmd.Temperature != nil:
		err = h.controller.RequestTemperature(ctx, *cmd.Temperature)
	case cmd.Delta != nil:
		err = h.controller.RequestTemperatureChange(ctx, *cmd.Delta)
	case cmd.Mode != nil:
		err = h.controller.RequestModeChange(ctx, *cmd.Mode)
	case cmd.Light != nil && *cmd.Light:
		h.controller.ActivateLight(ctx)
	}

	if err != nil {
		h.logger.Warn("MQTT command failed", "error", err)
	}
}

// Wait blocks until dispatched commands have finished.
func (h *MQTTHook) Wait() {
	h.workers.Wait()
}

// statePublisher is satisfied by *mqtt.Server with an inline client.
type statePublisher interface {
	Publish(topic string, payload []byte, retain bool, qos byte) error
}

// StatePublisher mirrors panel state onto TopicState as a retained message.
type StatePublisher struct {
	server  statePublisher
	sub     *eventbus.Subscriber[events.StateUpdateEvent]
	logger  *slog.Logger
	workers sync.WaitGroup
}

// NewStatePublisher subscribes to state updates on the MQTT bus client.
func NewStatePublisher(server statePublisher, bus *events.Bus, logger *slog.Logger) (*StatePublisher, error) {
	client, err := bus.Client(events.ClientMQTT)
	if err != nil {
		return nil, fmt.Errorf("failed to get MQTT client: %w", err)
	}

	return &StatePublisher{
		server: server,
		sub:    eventbus.Subscribe[events.StateUpdateEvent](client),
		logger: logger,
	}, nil
}

// Start publishes every state update until ctx is done or Close is called.
func (p *StatePublisher) Start(ctx context.Context) {
	p.workers.Go(func() {
		for {
			select {
			case evt := <-p.sub.Events():
				p.publish(evt)
			case <-p.sub.Done():
				return
			case <-ctx.Done():
				return
			}
		}
	})
}

func (p *StatePublisher) publish(evt events.StateUpdateEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("Failed to marshal MQTT state", slog.Any("error", err))
		return
	}
	if err := p.server.Publish(TopicState, payload, true, 0); err != nil {
		p.logger.Warn("Failed to publish MQTT state", slog.Any("error", err))
	}
}

// Close stops the publisher.
func (p *StatePublisher) Close() {
	p.sub.Close()
	p.workers.Wait()
}

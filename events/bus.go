package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"tailscale.com/util/eventbus"
)

// ClientName represents named clients used on the shared event bus.
type ClientName string

const (
	ClientController ClientName = "controller"
	ClientHAP        ClientName = "hap"
	ClientWeb        ClientName = "web"
	ClientMQTT       ClientName = "mqtt"
	ClientMetrics    ClientName = "metrics"
)

// Bus wraps tailscale's eventbus and provides helpers for publishing panel events.
type Bus struct {
	bus     *eventbus.Bus
	clients map[ClientName]*eventbus.Client
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	lastState *StateUpdateEvent
	stateMu   sync.Mutex
	mu        sync.RWMutex
}

// New constructs a new bus with the known clients registered.
func New(logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bus{
		bus:     eventbus.New(),
		clients: make(map[ClientName]*eventbus.Client),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	for _, name := range []ClientName{
		ClientController,
		ClientHAP,
		ClientWeb,
		ClientMQTT,
		ClientMetrics,
	} {
		b.clients[name] = b.bus.Client(string(name))
	}

	logger.Info("eventbus initialized",
		slog.Int("client_count", len(b.clients)),
	)

	return b, nil
}

// Client returns the named eventbus client.
func (b *Bus) Client(name ClientName) (*eventbus.Client, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	client, ok := b.clients[name]
	if !ok {
		return nil, fmt.Errorf("client %q not found", name)
	}

	return client, nil
}

// PublishStateUpdate emits a deduplicated state update event.
func (b *Bus) PublishStateUpdate(client *eventbus.Client, event StateUpdateEvent) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	if b.lastState != nil && event.Equals(*b.lastState) {
		b.logger.Debug("skipping duplicate state update",
			slog.String("source", event.Source),
		)
		return
	}

	b.logger.Debug("publishing state update",
		slog.String("source", event.Source),
		slog.Bool("paused", event.Paused),
	)

	publisher := eventbus.Publish[StateUpdateEvent](client)
	defer publisher.Close()
	publisher.Publish(event)

	b.lastState = &event
}

// LastState returns the most recently published state, if any.
func (b *Bus) LastState() (StateUpdateEvent, bool) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	if b.lastState == nil {
		return StateUpdateEvent{}, false
	}
	return *b.lastState, true
}

// PublishCommand emits a command event for metrics/debug consumers. A
// correlation ID is assigned when the event has none.
func (b *Bus) PublishCommand(client *eventbus.Client, event CommandEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.logger.Debug("publishing command event",
		slog.String("id", event.ID),
		slog.String("source", event.Source),
		slog.String("command_type", string(event.CommandType)),
		slog.String("outcome", string(event.Outcome)),
	)

	publisher := eventbus.Publish[CommandEvent](client)
	defer publisher.Close()
	publisher.Publish(event)
}

// PublishConnectionStatus emits lifecycle updates for components (device, web, hap, mqtt).
func (b *Bus) PublishConnectionStatus(client *eventbus.Client, event ConnectionStatusEvent) {
	b.logger.Debug("publishing connection status",
		slog.String("component", event.Component),
		slog.String("status", string(event.Status)),
	)

	publisher := eventbus.Publish[ConnectionStatusEvent](client)
	defer publisher.Close()
	publisher.Publish(event)
}

// PublishNotice emits a user-facing notice.
func (b *Bus) PublishNotice(client *eventbus.Client, event NoticeEvent) {
	publisher := eventbus.Publish[NoticeEvent](client)
	defer publisher.Close()
	publisher.Publish(event)
}

// PublishFrame announces a new video frame.
func (b *Bus) PublishFrame(client *eventbus.Client, event FrameEvent) {
	publisher := eventbus.Publish[FrameEvent](client)
	defer publisher.Close()
	publisher.Publish(event)
}

// PublishReload announces that cached state was discarded.
func (b *Bus) PublishReload(client *eventbus.Client, event ReloadEvent) {
	b.logger.Debug("publishing reload", slog.String("reason", event.Reason))

	publisher := eventbus.Publish[ReloadEvent](client)
	defer publisher.Close()
	publisher.Publish(event)

	// A reload discards cached state; the next snapshot must not be deduplicated.
	b.stateMu.Lock()
	b.lastState = nil
	b.stateMu.Unlock()
}

// PublishRequest records a completed device request.
func (b *Bus) PublishRequest(client *eventbus.Client, event RequestEvent) {
	publisher := eventbus.Publish[RequestEvent](client)
	defer publisher.Close()
	publisher.Publish(event)
}

// Close shuts down the event bus and releases clients.
func (b *Bus) Close() error {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for name, client := range b.clients {
		client.Close()
		delete(b.clients, name)
	}

	b.logger.Info("eventbus shut down")
	return nil
}

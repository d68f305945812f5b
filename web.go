package thermopanel

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chasefleming/elem-go"
	"github.com/chasefleming/elem-go/attrs"
	"github.com/kradalby/kra/web"
	"github.com/kradalby/thermostat-panel/config"
	"github.com/kradalby/thermostat-panel/dashboard"
	"github.com/kradalby/thermostat-panel/events"
	"github.com/kradalby/thermostat-panel/thermostat"
	"tailscale.com/util/eventbus"
)

//go:embed assets/style.css
var cssContent string

//go:embed assets/script.js
var jsContent string

const (
	eventLogSize  = 100
	eventLogShown = 20
)

// PanelController is the dashboard surface used by the web UI.
type PanelController interface {
	Snapshot() dashboard.State
	Frame() (dashboard.Frame, bool)
	Limits() thermostat.Limits
	RequestTemperatureChange(ctx context.Context, delta int) error
	RequestModeChange(ctx context.Context, mode string) error
	ActivateLight(ctx context.Context)
	CreateSchedule(ctx context.Context, form thermostat.ScheduleForm) (thermostat.ScheduleEntry, error)
	ToggleSchedule(ctx context.Context, id string, enabled bool) error
	DeleteSchedule(ctx context.Context, id string, confirmed bool) error
}

type handlerRegistrar interface {
	Handle(pattern string, handler http.Handler)
}

type sseMessage struct {
	event string
	data  []byte
}

// WebServer manages the web UI
type WebServer struct {
	logger     *slog.Logger
	kraweb     *web.KraWeb
	controller PanelController
	panel      config.Panel

	eventLog []string
	eventMu  sync.Mutex

	eventBus        *events.Bus
	client          *eventbus.Client
	stateSub        *eventbus.Subscriber[events.StateUpdateEvent]
	noticeSub       *eventbus.Subscriber[events.NoticeEvent]
	frameSub        *eventbus.Subscriber[events.FrameEvent]
	reloadSub       *eventbus.Subscriber[events.ReloadEvent]
	statusSub       *eventbus.Subscriber[events.ConnectionStatusEvent]
	connectionState map[string]events.ConnectionStatusEvent
	statusMu        sync.RWMutex

	sseClients   map[chan sseMessage]struct{}
	sseClientsMu sync.RWMutex

	hapPin     string
	qrCode     string
	hapManager *HAPManager

	done      chan struct{}
	closeOnce sync.Once
}

// NewWebServer creates a new web server. kraweb may be nil when the caller
// serves the handlers itself.
func NewWebServer(
	logger *slog.Logger,
	controller PanelController,
	panel config.Panel,
	bus *events.Bus,
	kraweb *web.KraWeb,
	hapPin, qrCode string,
	hapManager *HAPManager,
) *WebServer {
	client, err := bus.Client(events.ClientWeb)
	if err != nil {
		panic(fmt.Sprintf("failed to create web client: %v", err))
	}

	return &WebServer{
		logger:          logger,
		kraweb:          kraweb,
		controller:      controller,
		panel:           panel,
		eventLog:        make([]string, 0, eventLogSize),
		eventBus:        bus,
		client:          client,
		stateSub:        eventbus.Subscribe[events.StateUpdateEvent](client),
		noticeSub:       eventbus.Subscribe[events.NoticeEvent](client),
		frameSub:        eventbus.Subscribe[events.FrameEvent](client),
		reloadSub:       eventbus.Subscribe[events.ReloadEvent](client),
		statusSub:       eventbus.Subscribe[events.ConnectionStatusEvent](client),
		connectionState: make(map[string]events.ConnectionStatusEvent),
		sseClients:      make(map[chan sseMessage]struct{}),
		hapPin:          hapPin,
		qrCode:          qrCode,
		hapManager:      hapManager,
		done:            make(chan struct{}),
	}
}

// RegisterRoutes attaches every UI handler to h.
func (ws *WebServer) RegisterRoutes(h handlerRegistrar) {
	h.Handle("/", http.HandlerFunc(ws.HandleIndex))
	h.Handle("/temperature", http.HandlerFunc(ws.HandleTemperature))
	h.Handle("/mode", http.HandlerFunc(ws.HandleMode))
	h.Handle("/light", http.HandlerFunc(ws.HandleLight))
	h.Handle("/schedules", http.HandlerFunc(ws.HandleSchedules))
	h.Handle("/schedules/", http.HandlerFunc(ws.HandleScheduleAction))
	h.Handle("/video/frame", http.HandlerFunc(ws.HandleVideoFrame))
	h.Handle("/events", http.HandlerFunc(ws.HandleSSE))
	h.Handle("/health", http.HandlerFunc(ws.HandleHealth))
	h.Handle("/qrcode", http.HandlerFunc(ws.HandleQRCode))
	h.Handle("/debug/eventbus", http.HandlerFunc(ws.HandleEventBusDebug))
}

// LogEvent adds an event to the log
func (ws *WebServer) LogEvent(event string) {
	ws.eventMu.Lock()
	defer ws.eventMu.Unlock()

	ws.eventLog = append(ws.eventLog, fmt.Sprintf("%s: %s", time.Now().Format("15:04:05"), event))
	if len(ws.eventLog) > eventLogSize {
		ws.eventLog = ws.eventLog[1:]
	}
}

func (ws *WebServer) recentEvents() []string {
	ws.eventMu.Lock()
	defer ws.eventMu.Unlock()

	out := make([]string, 0, eventLogShown)
	for i := len(ws.eventLog) - 1; i >= 0 && len(out) < eventLogShown; i-- {
		out = append(out, ws.eventLog[i])
	}
	return out
}

func (ws *WebServer) Start(ctx context.Context) {
	go ws.processEvents(ctx)
	ws.publishConnectionStatus(events.ConnectionStatusConnecting, "")

	go func() {
		if ws.kraweb == nil {
			return
		}
		ws.logger.Info("Starting web interface")
		ws.publishConnectionStatus(events.ConnectionStatusConnected, "")
		if err := ws.kraweb.ListenAndServe(ctx); err != nil {
			ws.logger.Error("Web server error", slog.Any("error", err))
			if errors.Is(err, context.Canceled) {
				ws.publishConnectionStatus(events.ConnectionStatusDisconnected, "")
			} else {
				ws.publishConnectionStatus(events.ConnectionStatusFailed, err.Error())
			}
			return
		}
		ws.publishConnectionStatus(events.ConnectionStatusDisconnected, "")
	}()
}

func (ws *WebServer) Close() {
	ws.closeOnce.Do(func() {
		close(ws.done)
		ws.stateSub.Close()
		ws.noticeSub.Close()
		ws.frameSub.Close()
		ws.reloadSub.Close()
		ws.statusSub.Close()
	})
}

func (ws *WebServer) publishConnectionStatus(status events.ConnectionStatus, errMsg string) {
	if ws.eventBus == nil || ws.client == nil {
		return
	}

	ws.eventBus.PublishConnectionStatus(ws.client, events.ConnectionStatusEvent{
		Timestamp: time.Now(),
		Component: "web",
		Status:    status,
		Error:     errMsg,
	})
}

func (ws *WebServer) processEvents(ctx context.Context) {
	for {
		select {
		case evt := <-ws.stateSub.Events():
			ws.broadcast("state", evt)
		case evt := <-ws.noticeSub.Events():
			ws.LogEvent(fmt.Sprintf("[%s] %s", evt.Level, evt.Message))
			ws.broadcast("notice", evt)
		case evt := <-ws.frameSub.Events():
			ws.broadcast("frame", evt)
		case evt := <-ws.reloadSub.Events():
			ws.LogEvent("Reloading: " + evt.Reason)
			ws.broadcast("reload", evt)
		case evt := <-ws.statusSub.Events():
			ws.statusMu.Lock()
			ws.connectionState[evt.Component] = evt
			ws.statusMu.Unlock()
		case <-ws.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (ws *WebServer) broadcast(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		ws.logger.Error("Failed to marshal SSE payload", "event", event, slog.Any("error", err))
		return
	}

	ws.sseClientsMu.RLock()
	defer ws.sseClientsMu.RUnlock()

	msg := sseMessage{event: event, data: data}
	for client := range ws.sseClients {
		select {
		case client <- msg:
		default:
		}
	}
}

func (ws *WebServer) snapshotStatuses() []events.ConnectionStatusEvent {
	ws.statusMu.RLock()
	defer ws.statusMu.RUnlock()

	statuses := make([]events.ConnectionStatusEvent, 0, len(ws.connectionState))
	for _, evt := range ws.connectionState {
		statuses = append(statuses, evt)
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Component < statuses[j].Component
	})

	return statuses
}

func (ws *WebServer) renderPage(title string, content elem.Node) string {
	page := elem.Html(attrs.Props{},
		elem.Head(attrs.Props{},
			elem.Meta(attrs.Props{attrs.Charset: "utf-8"}),
			elem.Meta(attrs.Props{attrs.Name: "viewport", attrs.Content: "width=device-width, initial-scale=1"}),
			elem.Title(attrs.Props{}, elem.Text(title)),
			elem.Script(attrs.Props{
				attrs.Src: "https://unpkg.com/htmx.org@2.0.4",
			}),
			elem.Style(attrs.Props{}, elem.Text(cssContent)),
			elem.Script(attrs.Props{}, elem.Raw(jsContent)),
		),
		elem.Body(attrs.Props{}, content),
	)
	return page.Render()
}

func formatTemp(t *int) string {
	if t == nil {
		return "--"
	}
	return fmt.Sprintf("%d°F", *t)
}

func formatSetpoint(t *float64) string {
	if t == nil {
		return "--"
	}
	return fmt.Sprintf("%.0f°F", *t)
}

func (ws *WebServer) renderHeader(s dashboard.State) elem.Node {
	indicator, text := "disconnected", "Thermostat unreachable"
	if s.Reachable {
		indicator, text = "connected", "Thermostat online"
	}

	version := "version unknown"
	if s.Version != "" {
		version = "version " + s.Version
	}

	return elem.Div(attrs.Props{attrs.Class: "header"},
		elem.Div(attrs.Props{},
			elem.H1(attrs.Props{}, elem.Text(ws.panel.Title)),
			elem.Span(attrs.Props{attrs.Class: "version", "data-role": "version"}, elem.Text(version)),
		),
		elem.Div(attrs.Props{attrs.Class: "connection-status"},
			elem.Span(attrs.Props{"data-role": "connection-indicator", attrs.Class: "connection-indicator " + indicator}),
			elem.Span(attrs.Props{"data-role": "connection-text"}, elem.Text(text)),
		),
	)
}

func (ws *WebServer) renderThermostat(s dashboard.State) elem.Node {
	// No temperature is shown while the thermostat is off.
	var target, confirmed *int
	if s.Initialized && s.TargetMode != thermostat.ModeOff {
		target, confirmed = &s.TargetTemperature, &s.SetTemperature
	}

	targetClass := "target"
	if !s.TemperatureSync.Synced() {
		targetClass += " pending"
	}

	syncText := ""
	if s.Paused() {
		syncText = "Syncing with thermostat…"
	}

	stepDisabled := !s.Initialized || s.TargetMode == thermostat.ModeOff
	step := ws.panel.TemperatureStep
	if step < 1 {
		step = 1
	}

	modeButtons := make([]elem.Node, 0, len(ws.panel.Modes))
	for _, mode := range ws.panel.ModeList() {
		class := "mode " + string(mode)
		if mode == s.TargetMode {
			class += " active"
		}
		modeButtons = append(modeButtons, elem.Button(attrs.Props{
			attrs.Type:  "button",
			attrs.Class: class,
			"data-role": "mode-button",
			"data-mode": string(mode),
			"hx-post":   "/mode",
			"hx-vals":   fmt.Sprintf(`{"mode": %q}`, mode),
			"hx-target": "#thermostat",
			"hx-swap":   "outerHTML",
		}, elem.Text(mode.Label())))
	}

	var heat, cool *float64
	if s.Settings != nil {
		heat, cool = &s.Settings.HeatTemp, &s.Settings.CoolTemp
	}

	lastAction := "Last action: --"
	if s.TimeSinceLastAction != nil {
		since := time.Duration(*s.TimeSinceLastAction * float64(time.Second)).Round(time.Second)
		lastAction = fmt.Sprintf("Last action: %s ago", since)
	}

	return elem.Div(attrs.Props{attrs.ID: "thermostat", attrs.Class: "card thermostat"},
		elem.H2(attrs.Props{},
			elem.Text("Mode: "),
			elem.Span(attrs.Props{"data-role": "current-mode"}, elem.Text(s.CurrentMode.Label())),
		),
		elem.Div(attrs.Props{attrs.Class: targetClass, "data-role": "target-temperature"}, elem.Text(formatTemp(target))),
		elem.Div(attrs.Props{attrs.Class: "confirmed", "data-role": "set-temperature"}, elem.Text("Device: "+formatTemp(confirmed))),
		elem.Div(attrs.Props{attrs.Class: "sync-state", "data-role": "sync-state"}, elem.Text(syncText)),
		elem.Div(attrs.Props{attrs.Class: "stepper"},
			stepButton("−", -step, stepDisabled),
			stepButton("+", step, stepDisabled),
		),
		elem.Div(attrs.Props{attrs.Class: "modes"}, modeButtons...),
		elem.Div(attrs.Props{attrs.Class: "setpoints"},
			elem.Span(attrs.Props{"data-role": "heat-setpoint"}, elem.Text("Heat "+formatSetpoint(heat))),
			elem.Span(attrs.Props{"data-role": "cool-setpoint"}, elem.Text("Cool "+formatSetpoint(cool))),
			elem.Span(attrs.Props{"data-role": "last-action"}, elem.Text(lastAction)),
		),
	)
}

func stepButton(label string, delta int, disabled bool) elem.Node {
	props := attrs.Props{
		attrs.Type:  "button",
		"data-role": "temperature-step",
		"hx-post":   "/temperature",
		"hx-vals":   fmt.Sprintf(`{"delta": "%d"}`, delta),
		"hx-target": "#thermostat",
		"hx-swap":   "outerHTML",
	}
	if disabled {
		props["disabled"] = "disabled"
	}
	return elem.Button(props, elem.Text(label))
}

func (ws *WebServer) renderLight(s dashboard.State) elem.Node {
	class := "light-button"
	if s.LightActive {
		class += " active"
	}

	return elem.Div(attrs.Props{attrs.ID: "light", attrs.Class: "card light"},
		elem.H2(attrs.Props{}, elem.Text("Light")),
		elem.Button(attrs.Props{
			attrs.Type:  "button",
			attrs.Class: class,
			"data-role": "light-button",
			"hx-post":   "/light",
			"hx-target": "#light",
			"hx-swap":   "outerHTML",
		}, elem.Text("💡 Activate light")),
	)
}

func (ws *WebServer) renderVision(s dashboard.State) elem.Node {
	class := "reading"
	if s.Vision.Confidence.Degraded() {
		class += " degraded"
	}

	reading := "--"
	if s.Vision.CurrentTemp != nil {
		reading = fmt.Sprintf("%.0f°F", *s.Vision.CurrentTemp)
	}

	confidence := string(s.Vision.Confidence)
	if confidence == "" {
		confidence = string(thermostat.ConfidenceNoData)
	}

	updated := "never"
	if s.Vision.LastUpdate != nil {
		updated = s.Vision.LastUpdate.Local().Format("15:04:05")
	}

	return elem.Div(attrs.Props{attrs.ID: "vision", attrs.Class: "card vision"},
		elem.H2(attrs.Props{}, elem.Text("Vision reading")),
		elem.Div(attrs.Props{attrs.Class: class, "data-role": "vision-reading"}, elem.Text(reading)),
		elem.Div(attrs.Props{},
			elem.Text("Confidence: "),
			elem.Span(attrs.Props{"data-role": "vision-confidence"}, elem.Text(confidence)),
		),
		elem.Div(attrs.Props{"data-role": "vision-updated"}, elem.Text("Updated: "+updated)),
	)
}

func (ws *WebServer) renderVideo() elem.Node {
	src := ""
	if frame, ok := ws.controller.Frame(); ok {
		src = fmt.Sprintf("/video/frame?seq=%d", frame.Seq)
	}

	return elem.Div(attrs.Props{attrs.ID: "video", attrs.Class: "card video"},
		elem.H2(attrs.Props{}, elem.Text("Camera")),
		elem.Img(attrs.Props{attrs.Src: src, "alt": "Waiting for camera", "data-role": "video-frame"}),
	)
}

func (ws *WebServer) renderSchedules(s dashboard.State) elem.Node {
	rows := []elem.Node{
		elem.Tr(attrs.Props{},
			elem.Th(attrs.Props{}, elem.Text("Time")),
			elem.Th(attrs.Props{}, elem.Text("Days")),
			elem.Th(attrs.Props{}, elem.Text("Mode")),
			elem.Th(attrs.Props{}, elem.Text("Temp")),
			elem.Th(attrs.Props{}, elem.Text("Next run")),
			elem.Th(attrs.Props{}, elem.Text("")),
		),
	}

	for _, entry := range s.Schedules {
		id := string(entry.ID)
		enabled := bool(entry.Enabled)

		rowClass := "schedule"
		toggleText := "Disable"
		if !enabled {
			rowClass += " disabled"
			toggleText = "Enable"
		}

		next := "--"
		if entry.NextExecution != nil {
			next = entry.NextExecution.Local().Format("Mon 15:04")
		}

		timeCell := []elem.Node{elem.Text(entry.Time)}
		if entry.LastError != "" {
			timeCell = append(timeCell, elem.Div(attrs.Props{attrs.Class: "schedule-error"}, elem.Text(entry.LastError)))
		}

		rows = append(rows, elem.Tr(attrs.Props{attrs.Class: rowClass, "data-schedule-id": id},
			elem.Td(attrs.Props{}, timeCell...),
			elem.Td(attrs.Props{}, elem.Text(entry.DaysOfWeek)),
			elem.Td(attrs.Props{}, elem.Text(entry.Mode.Label())),
			elem.Td(attrs.Props{}, elem.Text(fmt.Sprintf("%d°F", entry.Temperature))),
			elem.Td(attrs.Props{}, elem.Text(next)),
			elem.Td(attrs.Props{},
				elem.Button(attrs.Props{
					attrs.Type:  "button",
					"hx-post":   "/schedules/toggle/" + id,
					"hx-vals":   fmt.Sprintf(`{"enabled": "%t"}`, !enabled),
					"hx-target": "#schedules",
					"hx-swap":   "outerHTML",
				}, elem.Text(toggleText)),
				elem.Button(attrs.Props{
					attrs.Type:   "button",
					"hx-post":    "/schedules/delete/" + id,
					"hx-confirm": fmt.Sprintf("Delete the %s schedule?", entry.Time),
					"hx-vals":    `{"confirmed": "true"}`,
					"hx-target":  "#schedules",
					"hx-swap":    "outerHTML",
				}, elem.Text("Delete")),
			),
		))
	}

	limits := ws.controller.Limits()
	modeOptions := make([]elem.Node, 0, len(ws.panel.Modes))
	for _, mode := range ws.panel.ModeList() {
		modeOptions = append(modeOptions, elem.Option(attrs.Props{attrs.Value: string(mode)}, elem.Text(mode.Label())))
	}

	form := elem.Form(attrs.Props{
		attrs.Class: "schedule-form",
		"hx-post":   "/schedules",
		"hx-target": "#schedules",
		"hx-swap":   "outerHTML",
	},
		elem.Input(attrs.Props{attrs.Type: "time", attrs.Name: "time", "required": "required"}),
		elem.Input(attrs.Props{
			attrs.Type:  "number",
			attrs.Name:  "temperature",
			attrs.Min:   strconv.Itoa(limits.Min),
			attrs.Max:   strconv.Itoa(limits.Max),
			attrs.Value: strconv.Itoa(limits.DefaultSchedule),
		}),
		elem.Select(attrs.Props{attrs.Name: "mode"}, modeOptions...),
		elem.Select(attrs.Props{attrs.Name: "days_of_week"},
			elem.Option(attrs.Props{attrs.Value: thermostat.DaysDaily}, elem.Text("Daily")),
			elem.Option(attrs.Props{attrs.Value: thermostat.DaysWeekdays}, elem.Text("Weekdays")),
			elem.Option(attrs.Props{attrs.Value: thermostat.DaysWeekends}, elem.Text("Weekends")),
		),
		elem.Button(attrs.Props{attrs.Type: "submit"}, elem.Text("Add schedule")),
	)

	return elem.Div(attrs.Props{
		attrs.ID:     "schedules",
		attrs.Class:  "card schedules",
		"hx-get":     "/schedules",
		"hx-trigger": "refresh",
		"hx-swap":    "outerHTML",
	},
		elem.H2(attrs.Props{}, elem.Text("Schedules")),
		elem.Table(attrs.Props{}, rows...),
		form,
	)
}

func (ws *WebServer) renderHomeKit() elem.Node {
	qrContent := []elem.Node{
		elem.Div(attrs.Props{attrs.Class: "homekit-pin"},
			elem.Span(attrs.Props{attrs.Class: "homekit-pin-label"}, elem.Text("Setup PIN")),
			elem.Span(attrs.Props{attrs.Class: "homekit-pin-value"}, elem.Text(ws.hapPin)),
		),
	}

	if ws.qrCode != "" {
		qrContent = append(qrContent,
			elem.Div(attrs.Props{attrs.Class: "qr-code-block"},
				elem.Pre(attrs.Props{attrs.Class: "qr-code"}, elem.Text(ws.qrCode)),
			),
			elem.P(attrs.Props{attrs.Class: "homekit-instructions"},
				elem.Text("Scan the QR code from the Home app or camera on your iPhone/iPad."),
			),
		)
	} else {
		qrContent = append(qrContent,
			elem.P(attrs.Props{attrs.Class: "homekit-instructions"},
				elem.Text("QR code is not available on this host. Use the PIN above in the Home app."),
			),
		)
	}

	qrContent = append(qrContent,
		elem.A(attrs.Props{attrs.Href: "/qrcode", attrs.Class: "homekit-link"}, elem.Text("Open standalone QR view")),
	)

	return elem.Details(attrs.Props{attrs.Class: "homekit-banner"},
		elem.Summary(nil,
			elem.Span(attrs.Props{attrs.Class: "homekit-summary-title"}, elem.Text("HomeKit Pairing")),
			elem.Span(attrs.Props{attrs.Class: "homekit-summary-caption"}, elem.Text("Tap to reveal setup PIN & QR code")),
		),
		elem.Div(attrs.Props{attrs.Class: "homekit-banner-content"}, qrContent...),
	)
}

// HandleIndex renders the main dashboard
func (ws *WebServer) HandleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	s := ws.controller.Snapshot()

	updateProps := attrs.Props{attrs.Class: "update-banner", "data-role": "update-banner"}
	if !s.NewVersionAvailable {
		updateProps["hidden"] = "hidden"
	}

	children := []elem.Node{
		elem.Div(attrs.Props{attrs.ID: "notice", attrs.Class: "notice hidden"}),
		ws.renderHeader(s),
		elem.Div(updateProps, elem.Text("A new version of the thermostat software is available. Reload to update.")),
	}
	if ws.hapPin != "" {
		children = append(children, ws.renderHomeKit())
	}

	cards := []elem.Node{ws.renderThermostat(s), ws.renderLight(s)}
	if ws.panel.VisionEnabled() {
		cards = append(cards, ws.renderVision(s))
	}
	if ws.panel.VideoEnabled() {
		cards = append(cards, ws.renderVideo())
	}
	children = append(children,
		elem.Div(attrs.Props{attrs.Class: "panel-grid"}, cards...),
		ws.renderSchedules(s),
	)

	var eventElements []elem.Node
	for _, line := range ws.recentEvents() {
		eventElements = append(eventElements, elem.Div(attrs.Props{attrs.Class: "event"}, elem.Text(line)))
	}
	children = append(children, elem.Div(attrs.Props{attrs.Class: "events"},
		elem.H2(attrs.Props{}, elem.Text("Recent Events")),
		elem.Div(attrs.Props{}, eventElements...),
	))

	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, ws.renderPage(ws.panel.Title, elem.Div(attrs.Props{}, children...))); err != nil {
		ws.logger.Error("Failed to write response", slog.Any("error", err))
	}
}

// HandleTemperature applies a temperature delta from the stepper buttons.
func (ws *WebServer) HandleTemperature(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	delta, err := strconv.Atoi(strings.TrimSpace(r.FormValue("delta")))
	if err != nil {
		http.Error(w, "Invalid temperature delta", http.StatusBadRequest)
		return
	}

	if err := ws.controller.RequestTemperatureChange(dashboard.WithSource(r.Context(), dashboard.SourceWeb), delta); err != nil {
		ws.writeError(w, "set temperature", err)
		return
	}

	ws.LogEvent(fmt.Sprintf("Web UI: temperature %+d", delta))
	ws.respond(w, r, ws.renderThermostat(ws.controller.Snapshot()))
}

// HandleMode switches the thermostat mode.
func (ws *WebServer) HandleMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	mode := r.FormValue("mode")
	if err := ws.controller.RequestModeChange(dashboard.WithSource(r.Context(), dashboard.SourceWeb), mode); err != nil {
		ws.writeError(w, "set mode", err)
		return
	}

	ws.LogEvent("Web UI: mode -> " + strings.ToLower(mode))
	ws.respond(w, r, ws.renderThermostat(ws.controller.Snapshot()))
}

// HandleLight triggers the thermostat's light.
func (ws *WebServer) HandleLight(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ws.controller.ActivateLight(dashboard.WithSource(r.Context(), dashboard.SourceWeb))
	ws.LogEvent("Web UI: light activated")
	ws.respond(w, r, ws.renderLight(ws.controller.Snapshot()))
}

// HandleSchedules renders the schedule list (GET) or creates a schedule (POST).
func (ws *WebServer) HandleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ws.respond(w, r, ws.renderSchedules(ws.controller.Snapshot()))
	case http.MethodPost:
		form := thermostat.ScheduleForm{
			Time:        r.FormValue("time"),
			Temperature: r.FormValue("temperature"),
			Mode:        r.FormValue("mode"),
			DaysOfWeek:  r.FormValue("days_of_week"),
		}

		entry, err := ws.controller.CreateSchedule(dashboard.WithSource(r.Context(), dashboard.SourceWeb), form)
		if err != nil {
			ws.writeError(w, "create schedule", err)
			return
		}

		ws.LogEvent(fmt.Sprintf("Web UI: schedule %s at %s created", entry.ID, entry.Time))
		ws.respond(w, r, ws.renderSchedules(ws.controller.Snapshot()))
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleScheduleAction handles /schedules/toggle/{id} and /schedules/delete/{id}.
func (ws *WebServer) HandleScheduleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	action, id, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, "/schedules/"), "/")
	if !ok || id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	ctx := dashboard.WithSource(r.Context(), dashboard.SourceWeb)

	switch action {
	case "toggle":
		enabled, err := strconv.ParseBool(r.FormValue("enabled"))
		if err != nil {
			http.Error(w, "Invalid enabled value", http.StatusBadRequest)
			return
		}
		if err := ws.controller.ToggleSchedule(ctx, id, enabled); err != nil {
			ws.writeError(w, "toggle schedule", err)
			return
		}
		ws.LogEvent(fmt.Sprintf("Web UI: schedule %s enabled=%t", id, enabled))
	case "delete":
		confirmed := r.FormValue("confirmed") == "true"
		if err := ws.controller.DeleteSchedule(ctx, id, confirmed); err != nil {
			ws.writeError(w, "delete schedule", err)
			return
		}
		ws.LogEvent(fmt.Sprintf("Web UI: schedule %s deleted", id))
	default:
		http.NotFound(w, r)
		return
	}

	ws.respond(w, r, ws.renderSchedules(ws.controller.Snapshot()))
}

// HandleVideoFrame serves the last frame that decoded cleanly.
func (ws *WebServer) HandleVideoFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	frame, ok := ws.controller.Frame()
	if !ok {
		http.Error(w, "No frame available", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", frame.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(frame.Data); err != nil {
		ws.logger.Debug("Failed to write video frame", slog.Any("error", err))
	}
}

func (ws *WebServer) respond(w http.ResponseWriter, r *http.Request, fragment elem.Node) {
	if r.Header.Get("HX-Request") != "true" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, fragment.Render()); err != nil {
		ws.logger.Error("Failed to write response", slog.Any("error", err))
	}
}

func (ws *WebServer) writeError(w http.ResponseWriter, op string, err error) {
	status := statusForError(err)
	ws.logger.Warn("Web command failed", "op", op, "status", status, "error", err)
	http.Error(w, userMessage(err), status)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, thermostat.ErrValidation), errors.Is(err, dashboard.ErrNotConfirmed):
		return http.StatusBadRequest
	case errors.Is(err, dashboard.ErrModeOff):
		return http.StatusConflict
	case errors.Is(err, dashboard.ErrNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func userMessage(err error) string {
	var validation *thermostat.ValidationError
	switch {
	case errors.As(err, &validation):
		return validation.Error()
	case errors.Is(err, dashboard.ErrNotConfirmed),
		errors.Is(err, dashboard.ErrModeOff),
		errors.Is(err, dashboard.ErrNotReady):
		return err.Error()
	}
	if msg := thermostat.DeviceMessage(err); msg != "" {
		return "Thermostat error: " + msg
	}
	return "Thermostat request failed"
}

// HandleEventBusDebug renders a simple diagnostic view of the last published state.
func (ws *WebServer) HandleEventBusDebug(w http.ResponseWriter, r *http.Request) {
	ws.sseClientsMu.RLock()
	clientCount := len(ws.sseClients)
	ws.sseClientsMu.RUnlock()

	stateText := "no state published yet"
	if last, ok := ws.eventBus.LastState(); ok {
		if data, err := json.MarshalIndent(last, "", "  "); err == nil {
			stateText = string(data)
		}
	}

	statusRows := []elem.Node{
		elem.Tr(attrs.Props{},
			elem.Th(attrs.Props{}, elem.Text("Component")),
			elem.Th(attrs.Props{}, elem.Text("Status")),
			elem.Th(attrs.Props{}, elem.Text("Updated")),
			elem.Th(attrs.Props{}, elem.Text("Error")),
		),
	}

	for _, status := range ws.snapshotStatuses() {
		statusRows = append(statusRows,
			elem.Tr(attrs.Props{},
				elem.Td(attrs.Props{}, elem.Text(status.Component)),
				elem.Td(attrs.Props{}, elem.Text(string(status.Status))),
				elem.Td(attrs.Props{}, elem.Text(status.Timestamp.Format(time.RFC3339))),
				elem.Td(attrs.Props{}, elem.Text(status.Error)),
			),
		)
	}

	content := elem.Div(attrs.Props{},
		elem.H1(attrs.Props{}, elem.Text("EventBus Debug")),
		elem.P(attrs.Props{}, elem.Text(fmt.Sprintf("Connected SSE clients: %d", clientCount))),
		elem.H2(attrs.Props{}, elem.Text("Last State")),
		elem.Pre(attrs.Props{}, elem.Text(stateText)),
		elem.H2(attrs.Props{}, elem.Text("Component Status")),
		elem.Table(attrs.Props{"border": "1", "cellpadding": "4", "cellspacing": "0"}, statusRows...),
	)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := fmt.Fprint(w, ws.renderPage("EventBus Debug", content)); err != nil {
		ws.logger.Error("Failed to write eventbus debug response", slog.Any("error", err))
	}
}

// HandleSSE streams named events (state, notice, frame, reload) to clients.
func (ws *WebServer) HandleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientChan := make(chan sseMessage, 16)

	ws.sseClientsMu.Lock()
	ws.sseClients[clientChan] = struct{}{}
	ws.sseClientsMu.Unlock()

	defer func() {
		ws.sseClientsMu.Lock()
		delete(ws.sseClients, clientChan)
		ws.sseClientsMu.Unlock()
	}()

	if data, err := json.Marshal(ws.controller.Snapshot().Event(dashboard.SourceWeb)); err == nil {
		clientChan <- sseMessage{event: "state", data: data}
	}

	for {
		select {
		case msg := <-clientChan:
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.event, msg.data); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return
		case <-ws.done:
			return
		}
	}
}

// HandleHealth exposes a JSON health summary.
func (ws *WebServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s := ws.controller.Snapshot()

	ws.sseClientsMu.RLock()
	sseClients := len(ws.sseClients)
	ws.sseClientsMu.RUnlock()

	status := "ok"
	if !s.Reachable {
		status = "degraded"
	}

	resp := struct {
		Status      string    `json:"status"`
		Reachable   bool      `json:"reachable"`
		Initialized bool      `json:"initialized"`
		Paused      bool      `json:"paused"`
		SSEClients  int       `json:"sse_clients"`
		Timestamp   time.Time `json:"timestamp"`
	}{
		Status:      status,
		Reachable:   s.Reachable,
		Initialized: s.Initialized,
		Paused:      s.Paused(),
		SSEClients:  sseClients,
		Timestamp:   time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		ws.logger.Error("Failed to write health response", slog.Any("error", err))
	}
}

// HandleQRCode renders the current HomeKit QR code for terminal access.
func (ws *WebServer) HandleQRCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if ws.qrCode == "" {
		if _, err := fmt.Fprintf(w, "HomeKit PIN: %s\nQR code is not available on this host.\n", ws.hapPin); err != nil {
			ws.logger.Error("failed to render QR fallback", slog.Any("error", err))
		}
		return
	}

	if _, err := fmt.Fprintf(w, "HomeKit PIN: %s\n\n%s\n", ws.hapPin, ws.qrCode); err != nil {
		ws.logger.Error("failed to render QR code", slog.Any("error", err))
	}
}

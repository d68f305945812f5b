package thermopanel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/kradalby/thermostat-panel/config"
	"github.com/kradalby/thermostat-panel/dashboard"
	"github.com/kradalby/thermostat-panel/events"
	"github.com/kradalby/thermostat-panel/thermostat"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakePanel is an in-memory PanelController.
type fakePanel struct {
	mu sync.Mutex

	state dashboard.State
	frame *dashboard.Frame

	deltas  []int
	modes   []string
	lights  int
	forms   []thermostat.ScheduleForm
	toggles map[string]bool
	deleted []string

	tempErr   error
	modeErr   error
	createErr error
}

func newFakePanel() *fakePanel {
	return &fakePanel{
		state: dashboard.State{
			Initialized:       true,
			Reachable:         true,
			CurrentMode:       thermostat.ModeHeat,
			TargetMode:        thermostat.ModeHeat,
			SetTemperature:    70,
			TargetTemperature: 70,
			Schedules: []thermostat.ScheduleEntry{
				{ID: "7", Time: "07:30", Temperature: 68, Mode: thermostat.ModeHeat, DaysOfWeek: thermostat.DaysDaily, Enabled: true},
			},
		},
		toggles: make(map[string]bool),
	}
}

func (f *fakePanel) Snapshot() dashboard.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakePanel) Frame() (dashboard.Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frame == nil {
		return dashboard.Frame{}, false
	}
	return *f.frame, true
}

func (f *fakePanel) Limits() thermostat.Limits {
	return thermostat.DefaultLimits()
}

func (f *fakePanel) RequestTemperatureChange(_ context.Context, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tempErr != nil {
		return f.tempErr
	}
	f.deltas = append(f.deltas, delta)
	f.state.TargetTemperature += delta
	return nil
}

func (f *fakePanel) RequestModeChange(_ context.Context, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.modeErr != nil {
		return f.modeErr
	}
	f.modes = append(f.modes, mode)
	return nil
}

func (f *fakePanel) ActivateLight(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lights++
	f.state.LightActive = true
}

func (f *fakePanel) CreateSchedule(_ context.Context, form thermostat.ScheduleForm) (thermostat.ScheduleEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return thermostat.ScheduleEntry{}, f.createErr
	}
	f.forms = append(f.forms, form)
	return thermostat.ScheduleEntry{ID: "8", Time: form.Time}, nil
}

func (f *fakePanel) ToggleSchedule(_ context.Context, id string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggles[id] = enabled
	return nil
}

func (f *fakePanel) DeleteSchedule(_ context.Context, id string, confirmed bool) error {
	if !confirmed {
		return dashboard.ErrNotConfirmed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func newTestWebServer(t *testing.T, ctrl PanelController) (*WebServer, *events.Bus, *http.ServeMux) {
	t.Helper()

	bus, err := events.New(testLogger())
	if err != nil {
		t.Fatalf("events.New() error = %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })

	ws := NewWebServer(testLogger(), ctrl, config.DefaultPanel(), bus, nil, "", "", nil)
	t.Cleanup(ws.Close)

	mux := http.NewServeMux()
	ws.RegisterRoutes(mux)

	return ws, bus, mux
}

func postForm(path string, values url.Values, htmx bool) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if htmx {
		req.Header.Set("HX-Request", "true")
	}
	return req
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &thermostat.ValidationError{Field: "time", Reason: "required"}, http.StatusBadRequest},
		{"not confirmed", fmt.Errorf("delete: %w", dashboard.ErrNotConfirmed), http.StatusBadRequest},
		{"mode off", dashboard.ErrModeOff, http.StatusConflict},
		{"not ready", dashboard.ErrNotReady, http.StatusServiceUnavailable},
		{"device status", &thermostat.StatusError{Op: "set_temperature", StatusCode: 500}, http.StatusBadGateway},
		{"transport", &thermostat.TransportError{Op: "status", Err: context.DeadlineExceeded}, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusForError(tt.err); got != tt.want {
				t.Errorf("statusForError() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation", &thermostat.ValidationError{Field: "time", Reason: "required"}, "invalid time: required"},
		{"mode off", dashboard.ErrModeOff, dashboard.ErrModeOff.Error()},
		{"device message", &thermostat.StatusError{Op: "set_schedule", StatusCode: 400, Message: "duplicate schedule"}, "Thermostat error: duplicate schedule"},
		{"no message", &thermostat.StatusError{Op: "set_schedule", StatusCode: 500}, "Thermostat request failed"},
		{"other", errors.New("connection refused"), "Thermostat request failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := userMessage(tt.err); got != tt.want {
				t.Errorf("userMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHandleIndex(t *testing.T) {
	_, _, mux := newTestWebServer(t, newFakePanel())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("GET / status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`id="thermostat"`, `id="schedules"`, "70°F", "07:30", "/schedules/delete/7"} {
		if !strings.Contains(body, want) {
			t.Errorf("index missing %q", want)
		}
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /nope status = %d, want 404", rec.Code)
	}
}

func TestRenderThermostatHidesTemperatureWhenOff(t *testing.T) {
	ctrl := newFakePanel()
	ctrl.state.CurrentMode = thermostat.ModeOff
	ctrl.state.TargetMode = thermostat.ModeOff
	ctrl.state.SetTemperature = 71
	ctrl.state.TargetTemperature = 71
	ctrl.state.Schedules = nil
	_, _, mux := newTestWebServer(t, ctrl)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	if strings.Contains(body, "71°F") {
		t.Error("temperature should not be shown while the thermostat is off")
	}
	if !strings.Contains(body, "Device: --") {
		t.Error("confirmed temperature should render as --")
	}
}

func TestHandleTemperature(t *testing.T) {
	ctrl := newFakePanel()
	_, _, mux := newTestWebServer(t, ctrl)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, postForm("/temperature", url.Values{"delta": {"2"}}, true))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "72°F") {
		t.Errorf("fragment should show the new target, got %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, postForm("/temperature", url.Values{"delta": {"-1"}}, false))
	if rec.Code != http.StatusSeeOther {
		t.Errorf("non-htmx status = %d, want 303", rec.Code)
	}

	if diff := cmp.Diff([]int{2, -1}, ctrl.deltas); diff != "" {
		t.Errorf("deltas mismatch (-want +got):\n%s", diff)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, postForm("/temperature", url.Values{"delta": {"up"}}, true))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid delta status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/temperature", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}
}

func TestHandleTemperatureModeOff(t *testing.T) {
	ctrl := newFakePanel()
	ctrl.tempErr = dashboard.ErrModeOff
	_, _, mux := newTestWebServer(t, ctrl)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, postForm("/temperature", url.Values{"delta": {"1"}}, true))

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), dashboard.ErrModeOff.Error()) {
		t.Errorf("body = %q, want mode-off message", rec.Body.String())
	}
}

func TestHandleMode(t *testing.T) {
	ctrl := newFakePanel()
	_, _, mux := newTestWebServer(t, ctrl)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, postForm("/mode", url.Values{"mode": {"cool"}}, true))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	ctrl.modeErr = &thermostat.StatusError{Op: "set_mode", StatusCode: 500}
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, postForm("/mode", url.Values{"mode": {"heat"}}, true))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("device failure status = %d, want 502", rec.Code)
	}

	if diff := cmp.Diff([]string{"cool"}, ctrl.modes); diff != "" {
		t.Errorf("modes mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleLight(t *testing.T) {
	ctrl := newFakePanel()
	_, _, mux := newTestWebServer(t, ctrl)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, postForm("/light", nil, true))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ctrl.lights != 1 {
		t.Errorf("lights = %d, want 1", ctrl.lights)
	}
	if !strings.Contains(rec.Body.String(), "light-button active") {
		t.Errorf("fragment should mark the light active, got %s", rec.Body.String())
	}
}

func TestHandleSchedulesCreate(t *testing.T) {
	ctrl := newFakePanel()
	_, _, mux := newTestWebServer(t, ctrl)

	values := url.Values{
		"time":         {"06:45"},
		"temperature":  {"66"},
		"mode":         {"heat"},
		"days_of_week": {"weekdays"},
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, postForm("/schedules", values, true))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	want := []thermostat.ScheduleForm{{Time: "06:45", Temperature: "66", Mode: "heat", DaysOfWeek: "weekdays"}}
	if diff := cmp.Diff(want, ctrl.forms); diff != "" {
		t.Errorf("forms mismatch (-want +got):\n%s", diff)
	}

	ctrl.createErr = &thermostat.ValidationError{Field: "time", Reason: "required"}
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, postForm("/schedules", url.Values{}, true))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid form status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid time: required") {
		t.Errorf("body = %q, want validation message", rec.Body.String())
	}
}

func TestHandleSchedulesGet(t *testing.T) {
	_, _, mux := newTestWebServer(t, newFakePanel())

	req := httptest.NewRequest(http.MethodGet, "/schedules", nil)
	req.Header.Set("HX-Request", "true")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `data-schedule-id="7"`) {
		t.Errorf("fragment missing schedule row: %s", rec.Body.String())
	}
}

func TestHandleScheduleAction(t *testing.T) {
	ctrl := newFakePanel()
	_, _, mux := newTestWebServer(t, ctrl)

	tests := []struct {
		name   string
		path   string
		values url.Values
		want   int
	}{
		{"toggle", "/schedules/toggle/7", url.Values{"enabled": {"false"}}, http.StatusOK},
		{"toggle bad value", "/schedules/toggle/7", url.Values{"enabled": {"maybe"}}, http.StatusBadRequest},
		{"delete unconfirmed", "/schedules/delete/7", nil, http.StatusBadRequest},
		{"delete confirmed", "/schedules/delete/7", url.Values{"confirmed": {"true"}}, http.StatusOK},
		{"unknown action", "/schedules/rename/7", nil, http.StatusNotFound},
		{"missing id", "/schedules/delete/", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, postForm(tt.path, tt.values, true))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	if enabled, ok := ctrl.toggles["7"]; !ok || enabled {
		t.Errorf("toggles = %v, want 7 disabled", ctrl.toggles)
	}
	if diff := cmp.Diff([]string{"7"}, ctrl.deleted); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleVideoFrame(t *testing.T) {
	ctrl := newFakePanel()
	_, _, mux := newTestWebServer(t, ctrl)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/video/frame", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("no frame status = %d, want 404", rec.Code)
	}

	ctrl.mu.Lock()
	ctrl.frame = &dashboard.Frame{Data: []byte("jpeg-bytes"), ContentType: "image/jpeg", Seq: 3}
	ctrl.mu.Unlock()

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/video/frame?seq=3", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "image/jpeg" {
		t.Errorf("Content-Type = %q, want image/jpeg", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	if rec.Body.String() != "jpeg-bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	ctrl := newFakePanel()
	ctrl.state.Reachable = false
	_, _, mux := newTestWebServer(t, ctrl)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Status      string `json:"status"`
		Reachable   bool   `json:"reachable"`
		Initialized bool   `json:"initialized"`
		Paused      bool   `json:"paused"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "degraded" || resp.Reachable || !resp.Initialized || resp.Paused {
		t.Errorf("health = %+v", resp)
	}
}

func TestHandleQRCodeFallback(t *testing.T) {
	_, _, mux := newTestWebServer(t, newFakePanel())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/qrcode", nil))
	if !strings.Contains(rec.Body.String(), "QR code is not available") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()

	result := make(chan sseEvent, 1)
	go func() {
		var evt sseEvent
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				close(result)
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				evt.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				evt.data = strings.TrimPrefix(line, "data: ")
			case line == "":
				result <- evt
				return
			}
		}
	}()

	select {
	case evt, ok := <-result:
		if !ok {
			t.Fatal("SSE stream closed")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SSE event")
	}
	return sseEvent{}
}

func TestHandleSSE(t *testing.T) {
	ws, bus, mux := newTestWebServer(t, newFakePanel())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ws.Start(ctx)

	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer ws.Close()

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}

	reader := bufio.NewReader(resp.Body)

	initial := readSSE(t, reader)
	if initial.name != "state" {
		t.Fatalf("first event = %q, want state", initial.name)
	}
	var state events.StateUpdateEvent
	if err := json.Unmarshal([]byte(initial.data), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.TargetTemperature == nil || *state.TargetTemperature != 70 {
		t.Errorf("initial target = %v, want 70", state.TargetTemperature)
	}

	client, err := bus.Client(events.ClientController)
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	bus.PublishNotice(client, events.NoticeEvent{
		Timestamp: time.Now(),
		Level:     events.NoticeError,
		Message:   "Failed to set temperature",
	})

	notice := readSSE(t, reader)
	if notice.name != "notice" {
		t.Fatalf("event = %q, want notice", notice.name)
	}
	if !strings.Contains(notice.data, "Failed to set temperature") {
		t.Errorf("notice data = %s", notice.data)
	}
}

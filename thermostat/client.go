// Package thermostat is a client for the thermostat appliance HTTP API.
package thermostat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 64 << 10
	maxFrameBytes  = 16 << 20
)

// RequestInfo describes a completed device request.
type RequestInfo struct {
	Method     string
	Endpoint   string
	StatusCode int
	Duration   time.Duration
	Err        error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithObserver registers a callback invoked after every request.
func WithObserver(fn func(RequestInfo)) Option {
	return func(c *Client) {
		c.observer = fn
	}
}

// Client talks to the thermostat appliance.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	timeout    time.Duration
	observer   func(RequestInfo)
	logger     *slog.Logger
}

// NewClient returns a client for the device at baseURL. Every request is
// bounded by timeout.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid device URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid device URL %q: scheme must be http or https", baseURL)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{},
		timeout:    timeout,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the device base URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Health checks device liveness; any 2xx is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// DesiredTemperature returns the set temperature in whole °F.
func (c *Client) DesiredTemperature(ctx context.Context) (int, error) {
	var resp struct {
		DesiredTemperature *float64 `json:"desired_temperature"`
	}
	if err := c.do(ctx, http.MethodGet, "/set_temperature", nil, nil, &resp); err != nil {
		return 0, err
	}
	if resp.DesiredTemperature == nil {
		return 0, fmt.Errorf("GET /set_temperature: response missing desired_temperature")
	}
	return int(math.Round(*resp.DesiredTemperature)), nil
}

// SetTemperature asks the device to hold temperature °F.
func (c *Client) SetTemperature(ctx context.Context, temperature int) error {
	c.logger.Info("Sending temperature command", "temperature", temperature)
	body := map[string]int{"temperature": temperature}
	return c.do(ctx, http.MethodPost, "/set_temperature", nil, body, nil)
}

// CurrentMode returns the device mode.
func (c *Client) CurrentMode(ctx context.Context) (Mode, error) {
	var resp struct {
		CurrentMode string `json:"current_mode"`
	}
	if err := c.do(ctx, http.MethodGet, "/current_mode", nil, nil, &resp); err != nil {
		return "", err
	}
	mode, err := ParseMode(resp.CurrentMode)
	if err != nil {
		return "", fmt.Errorf("GET /current_mode: %w", err)
	}
	return mode, nil
}

// SetMode switches the device mode.
func (c *Client) SetMode(ctx context.Context, mode Mode) error {
	c.logger.Info("Sending mode command", "mode", mode)
	body := map[string]string{"mode": string(mode)}
	return c.do(ctx, http.MethodPost, "/set_mode", nil, body, nil)
}

// TimeSinceLastAction returns seconds since the device last actuated.
func (c *Client) TimeSinceLastAction(ctx context.Context) (float64, error) {
	var resp struct {
		TimeSinceLastAction float64 `json:"time_since_last_action"`
	}
	if err := c.do(ctx, http.MethodGet, "/time_since_last_action", nil, nil, &resp); err != nil {
		return 0, err
	}
	return resp.TimeSinceLastAction, nil
}

// TemperatureSettings returns the heat and cool setpoints.
func (c *Client) TemperatureSettings(ctx context.Context) (TemperatureSettings, error) {
	var resp TemperatureSettings
	if err := c.do(ctx, http.MethodGet, "/temperature_settings", nil, nil, &resp); err != nil {
		return TemperatureSettings{}, err
	}
	return resp, nil
}

// ActivateLight presses the appliance light button.
func (c *Client) ActivateLight(ctx context.Context) error {
	c.logger.Info("Sending light command")
	return c.do(ctx, http.MethodPost, "/activate_light", nil, nil, nil)
}

// Schedules lists the device's schedule entries.
func (c *Client) Schedules(ctx context.Context) ([]ScheduleEntry, error) {
	var resp []ScheduleEntry
	if err := c.do(ctx, http.MethodGet, "/get_scheduled_events", nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp == nil {
		resp = []ScheduleEntry{}
	}
	return resp, nil
}

// CreateSchedule stores a new schedule. Device validation errors come back
// as *StatusError with the device's message.
func (c *Client) CreateSchedule(ctx context.Context, schedule NewSchedule) (ScheduleEntry, error) {
	c.logger.Info("Creating schedule",
		"time", schedule.Time,
		"temperature", schedule.Temperature,
		"mode", schedule.Mode,
		"days_of_week", schedule.DaysOfWeek,
	)

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/set_schedule", nil, schedule, &raw); err != nil {
		return ScheduleEntry{}, err
	}

	// Some device builds only acknowledge with {"id": ...}; fill in the rest
	// from the request.
	entry := ScheduleEntry{
		Time:        schedule.Time,
		Temperature: schedule.Temperature,
		Mode:        schedule.Mode,
		DaysOfWeek:  schedule.DaysOfWeek,
		Enabled:     Flag(schedule.Enabled),
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &entry); err != nil {
			c.logger.Debug("Schedule create response not decodable", "error", err)
		}
	}
	return entry, nil
}

// UpdateSchedule patches a schedule.
func (c *Client) UpdateSchedule(ctx context.Context, id ScheduleID, update ScheduleUpdate) error {
	return c.do(ctx, http.MethodPatch, "/update_schedule/"+url.PathEscape(string(id)), nil, update, nil)
}

// DeleteSchedule removes a schedule.
func (c *Client) DeleteSchedule(ctx context.Context, id ScheduleID) error {
	return c.do(ctx, http.MethodDelete, "/delete_schedule/"+url.PathEscape(string(id)), nil, nil, nil)
}

// VideoFrame fetches the next camera frame, cache-busted with a timestamp.
func (c *Client) VideoFrame(ctx context.Context) (Frame, error) {
	query := url.Values{"t": {strconv.FormatInt(time.Now().UnixMilli(), 10)}}
	var frame Frame
	err := c.doRaw(ctx, http.MethodGet, "/video_feed", query, nil, func(resp *http.Response) error {
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes+1))
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		if len(data) > maxFrameBytes {
			return fmt.Errorf("%w: frame exceeds %d bytes", ErrFrameTooLarge, maxFrameBytes)
		}
		frame = Frame{
			Data:        data,
			ContentType: resp.Header.Get("Content-Type"),
			URL:         resp.Request.URL.String(),
		}
		return nil
	})
	if err != nil {
		return Frame{}, err
	}
	return frame, nil
}

// VisionTemperature returns the latest camera-derived reading.
func (c *Client) VisionTemperature(ctx context.Context) (VisionReading, error) {
	var resp VisionReading
	if err := c.do(ctx, http.MethodGet, "/vision_temperature_data", nil, nil, &resp); err != nil {
		return VisionReading{}, err
	}
	if resp.Confidence == "" {
		resp.Confidence = ConfidenceNoData
	}
	return resp, nil
}

// TriggerVisionReading makes the device run a fresh analysis. The annotated
// image in the response is discarded.
func (c *Client) TriggerVisionReading(ctx context.Context) error {
	return c.doRaw(ctx, http.MethodGet, "/vision_annotated_image", nil, nil, func(resp *http.Response) error {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	})
}

// Version returns the device's version tag.
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp struct {
		Version string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/version", nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

// do performs a JSON request. out may be nil for acknowledgement-only
// endpoints.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	return c.doRaw(ctx, method, path, query, body, func(resp *http.Response) error {
		if out == nil {
			_, err := io.Copy(io.Discard, resp.Body)
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
		}
		return nil
	})
}

func (c *Client) doRaw(
	ctx context.Context,
	method, path string,
	query url.Values,
	body any,
	handle func(*http.Response) error,
) (err error) {
	op := method + " " + path
	start := time.Now()
	status := 0
	defer func() {
		if c.observer != nil {
			c.observer(RequestInfo{
				Method:     method,
				Endpoint:   endpointLabel(path),
				StatusCode: status,
				Duration:   time.Since(start),
				Err:        err,
			})
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	u := c.baseURL.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(resp.Body),
		}
	}

	if err := handle(resp); err != nil {
		if ctx.Err() != nil {
			return &TransportError{Op: op, Err: err}
		}
		return err
	}
	return nil
}

// errorMessage extracts a human-readable message from an error body. The
// device uses {"error": ...} and {"message": ...} interchangeably.
func errorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(data) == 0 {
		return ""
	}

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
		return ""
	}

	text := strings.TrimSpace(string(data))
	if strings.HasPrefix(text, "<") {
		return ""
	}
	return text
}

// endpointLabel collapses per-schedule paths so metric labels stay bounded.
func endpointLabel(path string) string {
	for _, prefix := range []string{"/update_schedule/", "/delete_schedule/"} {
		if strings.HasPrefix(path, prefix) {
			return prefix + "{id}"
		}
	}
	return path
}

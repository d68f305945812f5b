package dashboard

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"  // register frame decoder
	_ "image/jpeg" // register frame decoder
	_ "image/png"  // register frame decoder
	"strings"
	"sync"
	"time"

	"github.com/kradalby/thermostat-panel/events"
	"github.com/kradalby/thermostat-panel/thermostat"
)

// pollHealth blocks until the device answers /health. It reports false
// when ctx ends first.
func (c *Controller) pollHealth(ctx context.Context) bool {
	c.publishStatus(events.ConnectionStatusConnecting, nil, 0)

	attempts := 0
	for {
		err := c.api.Health(ctx)
		if err == nil {
			c.update(func(s *State) { s.Reachable = true })
			c.publishStatus(events.ConnectionStatusConnected, nil, attempts)
			c.logger.Info("Device is healthy", "attempts", attempts+1)
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		attempts++
		c.logger.Warn("Device health check failed",
			"error", err,
			"attempt", attempts,
			"retry_in", c.opts.HealthRetryDelay,
		)
		c.update(func(s *State) { s.Reachable = false })
		c.publishStatus(events.ConnectionStatusReconnecting, err, attempts)

		if !sleepCtx(ctx, c.opts.HealthRetryDelay) {
			return false
		}
	}
}

// initializeState loads mode then temperature. Either failure aborts.
func (c *Controller) initializeState(ctx context.Context) error {
	mode, err := c.api.CurrentMode(ctx)
	if err != nil {
		return fmt.Errorf("fetching current mode: %w", err)
	}

	temperature, err := c.api.DesiredTemperature(ctx)
	if err != nil {
		return fmt.Errorf("fetching set temperature: %w", err)
	}

	c.update(func(s *State) {
		s.CurrentMode = mode
		s.TargetMode = mode
		s.SetTemperature = temperature
		s.TargetTemperature = temperature
		s.Initialized = true
		s.Reachable = true
	})

	c.logger.Info("Thermostat state initialized",
		"mode", mode,
		"temperature", temperature,
	)
	c.publishState("initialize")
	return nil
}

// pollStatus refreshes the status fields concurrently. It does nothing
// while a user change is pending.
func (c *Controller) pollStatus(ctx context.Context) {
	c.mu.Lock()
	paused := c.state.Paused()
	tempEdit := c.state.TemperatureSync.Current()
	modeEdit := c.state.ModeSync.Current()
	c.mu.Unlock()

	if paused {
		c.logger.Debug("Status poll skipped, change pending")
		return
	}

	var wg sync.WaitGroup

	wg.Go(func() {
		seconds, err := c.api.TimeSinceLastAction(ctx)
		if err != nil {
			c.logPollError("time_since_last_action", err)
			return
		}
		c.update(func(s *State) { s.TimeSinceLastAction = &seconds })
	})

	wg.Go(func() {
		temperature, err := c.api.DesiredTemperature(ctx)
		if err != nil {
			c.logPollError("set_temperature", err)
			return
		}
		c.update(func(s *State) {
			// A user edit that started after this poll owns the field.
			if s.TemperatureSync.Current() != tempEdit {
				return
			}
			s.SetTemperature = temperature
			if s.TemperatureSync.Synced() {
				s.TargetTemperature = temperature
			}
		})
	})

	wg.Go(func() {
		mode, err := c.api.CurrentMode(ctx)
		if err != nil {
			c.logPollError("current_mode", err)
			return
		}
		c.update(func(s *State) {
			if s.ModeSync.Current() != modeEdit {
				return
			}
			s.CurrentMode = mode
			if s.ModeSync.Synced() {
				s.TargetMode = mode
			}
		})
	})

	wg.Go(func() {
		settings, err := c.api.TemperatureSettings(ctx)
		if err != nil {
			c.logPollError("temperature_settings", err)
			return
		}
		c.update(func(s *State) { s.Settings = &settings })
	})

	wg.Wait()
	c.publishState("poll")
}

func (c *Controller) logPollError(endpoint string, err error) {
	if c.ctx.Err() != nil {
		return
	}
	c.logger.Warn("Status poll failed", "endpoint", endpoint, "error", err)
}

func (c *Controller) pollSchedules(ctx context.Context) {
	if err := c.RefreshSchedules(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn("Schedule refresh failed", "error", err)
	}
}

// RefreshSchedules replaces the cached schedule list with the device's.
func (c *Controller) RefreshSchedules(ctx context.Context) error {
	entries, err := c.api.Schedules(ctx)
	if err != nil {
		return fmt.Errorf("listing schedules: %w", err)
	}

	c.update(func(s *State) { s.Schedules = entries })
	c.publishState("schedules")
	return nil
}

func (c *Controller) videoLoop() {
	for {
		delay := c.opts.VideoInterval
		if err := c.refreshVideoFrame(c.ctx); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Debug("Video frame refresh failed",
				"error", err,
				"retry_in", c.opts.VideoRetryDelay,
			)
			delay = c.opts.VideoRetryDelay
		}
		if !sleepCtx(c.ctx, delay) {
			return
		}
	}
}

// refreshVideoFrame fetches a frame and only replaces the visible one
// after the whole image decodes.
func (c *Controller) refreshVideoFrame(ctx context.Context) error {
	fetched, err := c.api.VideoFrame(ctx)
	if err != nil {
		return fmt.Errorf("fetching video frame: %w", err)
	}

	img, format, err := image.Decode(bytes.NewReader(fetched.Data))
	if err != nil {
		return fmt.Errorf("decoding video frame: %w", err)
	}
	bounds := img.Bounds()

	contentType := fetched.ContentType
	if !strings.HasPrefix(contentType, "image/") {
		contentType = "image/" + format
	}

	c.mu.Lock()
	c.frameSeq++
	frame := &Frame{
		Data:        fetched.Data,
		ContentType: contentType,
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		Seq:         c.frameSeq,
		FetchedAt:   time.Now(),
	}
	c.frame = frame
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.PublishFrame(c.client, events.FrameEvent{
			Timestamp:   frame.FetchedAt,
			Seq:         frame.Seq,
			ContentType: frame.ContentType,
			Width:       frame.Width,
			Height:      frame.Height,
		})
	}
	return nil
}

// refreshVision asks the device for a fresh analysis and then reads it.
func (c *Controller) refreshVision(ctx context.Context) {
	if err := c.api.TriggerVisionReading(ctx); err != nil && ctx.Err() == nil {
		c.logger.Debug("Vision trigger failed", "error", err)
	}

	reading, err := c.api.VisionTemperature(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("Vision temperature refresh failed", "error", err)
		}
		return
	}

	c.update(func(s *State) { s.Vision = reading })
	c.publishState("vision")
}

// checkVersion remembers the first version seen and flags any later
// change once. The panel is never reloaded automatically.
func (c *Controller) checkVersion(ctx context.Context) {
	version, err := c.api.Version(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Debug("Version check failed", "error", err)
		}
		return
	}
	if version == "" {
		return
	}

	cached, changed := false, false
	c.mu.Lock()
	switch {
	case c.state.Version == "":
		c.state.Version = version
		cached = true
	case version != c.state.Version && !c.state.NewVersionAvailable:
		c.state.NewVersionAvailable = true
		changed = true
	}
	running := c.state.Version
	c.mu.Unlock()

	if changed {
		c.logger.Info("New device version detected", "running", running, "available", version)
		c.notify(events.NoticeInfo, fmt.Sprintf("Version %s is available. Reload the panel to update.", version))
	}
	if cached || changed {
		c.publishState("version")
	}
}

// Ensure the device client satisfies DeviceAPI.
var _ DeviceAPI = (*thermostat.Client)(nil)

package dashboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kradalby/thermostat-panel/events"
	"github.com/kradalby/thermostat-panel/thermostat"
)

// RequestTemperatureChange nudges the displayed target by delta °F and
// schedules a debounced submission.
func (c *Controller) RequestTemperatureChange(ctx context.Context, delta int) error {
	return c.requestTemperature(ctx, func(current int) int { return c.opts.Limits.Shift(current, delta) })
}

// RequestTemperature sets an absolute target through the same debounced path.
func (c *Controller) RequestTemperature(ctx context.Context, target int) error {
	return c.requestTemperature(ctx, func(int) int { return target })
}

func (c *Controller) requestTemperature(ctx context.Context, next func(current int) int) error {
	source := sourceFrom(ctx)

	c.mu.Lock()
	if !c.state.Initialized {
		c.mu.Unlock()
		return ErrNotReady
	}
	if c.state.TargetMode == thermostat.ModeOff {
		c.mu.Unlock()
		c.notify(events.NoticeWarning, "Temperature cannot be changed while the thermostat is off")
		c.recordCommand(source, events.CommandTypeSetTemperature, ErrModeOff, nil)
		return ErrModeOff
	}

	target := c.opts.Limits.Clamp(next(c.state.TargetTemperature))
	c.state.TargetTemperature = target
	c.state.TemperatureSync.Edit()
	c.tempSource = source
	c.mu.Unlock()

	c.logger.Debug("Temperature change requested", "target", target, "source", source)
	c.debounce.Trigger()
	c.publishState("user")
	return nil
}

// submitTemperatureChange sends the pending target once the debounce window
// closes. The field is always settled afterwards.
func (c *Controller) submitTemperatureChange() {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	c.mu.Lock()
	edit, ok := c.state.TemperatureSync.Submit()
	if !ok {
		c.mu.Unlock()
		return
	}
	target := c.state.TargetTemperature
	confirmed := c.state.SetTemperature
	source := c.tempSource
	c.mu.Unlock()

	if target == confirmed {
		c.logger.Debug("Temperature unchanged, nothing to submit", "temperature", target)
		c.update(func(s *State) { s.TemperatureSync.Settle(edit) })
		c.publishState("submit")
		c.recordCommand(source, events.CommandTypeSetTemperature, errSkipped, func(e *events.CommandEvent) {
			e.Temperature = thermostat.Ptr(target)
		})
		return
	}

	c.publishState("submit")
	err := c.api.SetTemperature(c.ctx, target)

	c.update(func(s *State) {
		if err == nil {
			s.SetTemperature = target
		}
		// On failure fall back to the last confirmed value unless a newer
		// edit has taken over.
		if s.TemperatureSync.Settle(edit) && err != nil {
			s.TargetTemperature = s.SetTemperature
		}
	})
	c.publishState("submit")

	c.recordCommand(source, events.CommandTypeSetTemperature, err, func(e *events.CommandEvent) {
		e.Temperature = thermostat.Ptr(target)
	})

	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Error("Failed to set temperature", "temperature", target, "error", err)
		c.notify(events.NoticeError, "Failed to update temperature")
		return
	}
	c.logger.Info("Temperature updated", "temperature", target)
}

// RequestModeChange switches the device mode. The displayed mode changes
// immediately and polling is paused until the device answers.
func (c *Controller) RequestModeChange(ctx context.Context, raw string) error {
	source := sourceFrom(ctx)

	mode, err := thermostat.ParseMode(raw)
	if err != nil {
		c.notify(events.NoticeWarning, err.Error())
		c.recordCommand(source, events.CommandTypeSetMode, err, nil)
		return err
	}

	c.mu.Lock()
	if !c.state.Initialized {
		c.mu.Unlock()
		return ErrNotReady
	}
	c.state.TargetMode = mode
	edit := c.state.ModeSync.Edit()
	c.mu.Unlock()
	c.publishState("user")

	c.modeMu.Lock()
	defer c.modeMu.Unlock()

	c.mu.Lock()
	if c.state.ModeSync.Current() != edit {
		// A newer mode request will submit its own value.
		c.mu.Unlock()
		c.recordCommand(source, events.CommandTypeSetMode, errSkipped, func(e *events.CommandEvent) {
			e.Mode = thermostat.Ptr(string(mode))
		})
		return nil
	}
	c.state.ModeSync.Submit()
	c.mu.Unlock()

	err = c.api.SetMode(ctx, mode)

	c.update(func(s *State) {
		if err == nil {
			s.CurrentMode = mode
		}
		if s.ModeSync.Settle(edit) && err != nil {
			s.TargetMode = s.CurrentMode
		}
	})
	c.publishState("submit")

	c.recordCommand(source, events.CommandTypeSetMode, err, func(e *events.CommandEvent) {
		e.Mode = thermostat.Ptr(string(mode))
	})

	if err != nil {
		c.logger.Error("Failed to set mode", "mode", mode, "error", err)
		c.notify(events.NoticeError, "Failed to change mode")
		return fmt.Errorf("setting mode %s: %w", mode, err)
	}

	c.logger.Info("Mode updated", "mode", mode)
	c.notify(events.NoticeInfo, fmt.Sprintf("Mode set to %s", mode.Label()))
	return nil
}

// ActivateLight presses the light button without waiting for the device.
// LightActive clears on its own after the highlight period.
func (c *Controller) ActivateLight(ctx context.Context) {
	source := sourceFrom(ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state.LightActive = true
	if c.lightTimer != nil {
		c.lightTimer.Stop()
	}
	c.lightGen++
	gen := c.lightGen
	c.lightTimer = time.AfterFunc(c.opts.LightHighlight, func() { c.clearLight(gen) })
	c.workers.Go(func() {
		err := c.api.ActivateLight(c.ctx)
		c.recordCommand(source, events.CommandTypeActivateLight, err, nil)
		if err != nil && c.ctx.Err() == nil {
			c.logger.Warn("Light activation failed", "error", err)
		}
	})
	c.mu.Unlock()

	c.publishState("user")
}

func (c *Controller) clearLight(gen uint64) {
	c.mu.Lock()
	if gen != c.lightGen {
		c.mu.Unlock()
		return
	}
	c.state.LightActive = false
	c.lightTimer = nil
	c.mu.Unlock()

	c.publishState("light")
}

// CreateSchedule validates form, stores it on the device and refreshes the
// schedule list. Device validation messages are surfaced to the user.
func (c *Controller) CreateSchedule(ctx context.Context, form thermostat.ScheduleForm) (thermostat.ScheduleEntry, error) {
	source := sourceFrom(ctx)

	req, err := form.Validate(c.opts.Limits)
	if err != nil {
		c.notify(events.NoticeWarning, err.Error())
		c.recordCommand(source, events.CommandTypeCreateSchedule, err, nil)
		return thermostat.ScheduleEntry{}, err
	}

	entry, err := c.api.CreateSchedule(ctx, req)
	c.recordCommand(source, events.CommandTypeCreateSchedule, err, func(e *events.CommandEvent) {
		e.Temperature = thermostat.Ptr(req.Temperature)
		e.Mode = thermostat.Ptr(string(req.Mode))
		if entry.ID != "" {
			e.ScheduleID = thermostat.Ptr(string(entry.ID))
		}
	})
	if err != nil {
		message := "Failed to create schedule"
		if detail := thermostat.DeviceMessage(err); detail != "" {
			message = fmt.Sprintf("%s: %s", message, detail)
		}
		c.logger.Error("Failed to create schedule", "error", err)
		c.notify(events.NoticeError, message)
		return thermostat.ScheduleEntry{}, fmt.Errorf("creating schedule: %w", err)
	}

	c.notify(events.NoticeInfo, fmt.Sprintf("Schedule created for %s", req.Time))
	c.refreshAfterMutation(ctx)
	return entry, nil
}

// ToggleSchedule enables or disables a schedule.
func (c *Controller) ToggleSchedule(ctx context.Context, id string, enabled bool) error {
	source := sourceFrom(ctx)

	id = strings.TrimSpace(id)
	if id == "" {
		err := &thermostat.ValidationError{Field: "id", Reason: "required"}
		c.recordCommand(source, events.CommandTypeToggleSchedule, err, nil)
		return err
	}

	err := c.api.UpdateSchedule(ctx, thermostat.ScheduleID(id), thermostat.ScheduleUpdate{Enabled: &enabled})
	c.recordCommand(source, events.CommandTypeToggleSchedule, err, func(e *events.CommandEvent) {
		e.ScheduleID = thermostat.Ptr(id)
		e.Enabled = thermostat.Ptr(enabled)
	})
	// Refresh either way so a failed toggle shows the device's value again.
	defer c.refreshAfterMutation(ctx)

	if err != nil {
		c.logger.Error("Failed to update schedule", "id", id, "error", err)
		c.notify(events.NoticeError, "Failed to update schedule")
		return fmt.Errorf("updating schedule %s: %w", id, err)
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	c.notify(events.NoticeInfo, "Schedule "+state)
	return nil
}

// DeleteSchedule removes a schedule. confirmed must be true; the caller is
// responsible for asking the user.
func (c *Controller) DeleteSchedule(ctx context.Context, id string, confirmed bool) error {
	source := sourceFrom(ctx)

	id = strings.TrimSpace(id)
	if id == "" {
		err := &thermostat.ValidationError{Field: "id", Reason: "required"}
		c.recordCommand(source, events.CommandTypeDeleteSchedule, err, nil)
		return err
	}
	if !confirmed {
		c.recordCommand(source, events.CommandTypeDeleteSchedule, ErrNotConfirmed, func(e *events.CommandEvent) {
			e.ScheduleID = thermostat.Ptr(id)
		})
		return ErrNotConfirmed
	}

	err := c.api.DeleteSchedule(ctx, thermostat.ScheduleID(id))
	c.recordCommand(source, events.CommandTypeDeleteSchedule, err, func(e *events.CommandEvent) {
		e.ScheduleID = thermostat.Ptr(id)
	})
	if err != nil {
		c.logger.Error("Failed to delete schedule", "id", id, "error", err)
		c.notify(events.NoticeError, "Failed to delete schedule")
		return fmt.Errorf("deleting schedule %s: %w", id, err)
	}

	c.notify(events.NoticeInfo, "Schedule deleted")
	c.refreshAfterMutation(ctx)
	return nil
}

func (c *Controller) refreshAfterMutation(ctx context.Context) {
	if err := c.RefreshSchedules(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("Schedule refresh after change failed", "error", err)
	}
}

package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/shgscan/internal/debug"
	"github.com/cjeanneret/shgscan/internal/hw/mount"
	"github.com/cjeanneret/shgscan/internal/logic/edge"
	"github.com/cjeanneret/shgscan/internal/logic/timing"
)

// MeasureSun calibrates the sun width, and with the frame method the
// decenter and brightness baseline. It refuses to run during a scan. On
// success the new width is stored in the settings and persisted; on
// failure the previous width is kept.
func (c *Controller) MeasureSun(ctx context.Context) (edge.Measurement, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return edge.Measurement{}, ErrRunInProgress
	}
	c.busy = true
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		c.busy = false
		c.cancel = nil
		c.mu.Unlock()
	}()

	if _, err := c.PrepareSession(); err != nil {
		// A width can still be measured without a frame rate.
		debug.Error(fmt.Errorf("measure: %w", err))
	}

	debug.Section("MeasureSun")
	var (
		m   edge.Measurement
		err error
	)
	if c.opts.MeasureMethod == "drift" {
		m, err = c.measureDrift(ctx)
	} else {
		m, err = c.measureFrame(ctx)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			err = ErrAbortRequested
		}
		debug.Error(fmt.Errorf("measure: %w", err))
		c.notify()
		return m, err
	}

	c.mu.Lock()
	c.settings.SunWidthPx = m.WidthPx
	if c.opts.MeasureMethod != "drift" {
		c.decenter = m.DecenterPx
	}
	s := c.settings
	c.mu.Unlock()
	c.persist(s)
	c.notify()
	return m, nil
}

func (c *Controller) measureFrame(ctx context.Context) (edge.Measurement, error) {
	fctx, cancel := context.WithTimeout(ctx, c.opts.EdgeTimeout)
	defer cancel()
	f, err := c.cam.LiveFrame(fctx)
	if err != nil {
		if ctx.Err() != nil {
			return edge.Measurement{}, ctx.Err()
		}
		return edge.Measurement{}, fmt.Errorf("%w: live frame: %v", ErrCaptureCommand, err)
	}
	m, err := c.det.MeasureSun(f)
	if errors.Is(err, edge.ErrROITooSmall) {
		return m, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	return m, err
}

// measureDrift backs off the disk, then crosses it at the drift rate and
// times the bright interval. The mount ends back over the disk center. If
// the measurement fails or is aborted partway, the travel so far is
// retraced so the mount ends where it started.
func (c *Controller) measureDrift(ctx context.Context) (m edge.Measurement, err error) {
	axis := mount.Dec
	if c.Settings().SlewAxisRA {
		axis = mount.RA
	}
	rate := c.opts.DriftRate
	var odo odometer

	slew := func(dir Direction) error {
		now := time.Now()
		if err := c.mount.Slew(axis, dir.Mount(), rate); err != nil {
			return fmt.Errorf("%w: %v", ErrMountCommand, err)
		}
		odo.start(now, dir, rate)
		return nil
	}
	defer func() {
		now := time.Now()
		if serr := c.mount.Stop(); serr != nil {
			if err == nil {
				err = fmt.Errorf("%w: %v", ErrMountCommand, serr)
			}
			return
		}
		odo.halt(now)
		if err != nil {
			if rerr := c.retrace(axis, odo.net, rate); rerr != nil {
				debug.Error(fmt.Errorf("measure: %w", rerr))
			}
		}
	}()

	debug.Step(1, "Drift: back off the disk")
	if err := slew(Reverse); err != nil {
		return m, err
	}
	if err := c.awaitLimb(ctx, c.det.Watch(c.opts.SampleInterval), nil); err != nil {
		return m, err
	}

	debug.Step(2, "Drift: cross the disk")
	var brightAt time.Time
	if err := slew(Forward); err != nil {
		return m, err
	}
	if err := c.awaitLimb(ctx, c.det.Watch(c.opts.SampleInterval), &brightAt); err != nil {
		return m, err
	}
	elapsed := time.Since(brightAt)

	debug.Step(3, "Drift: return to center")
	if err := slew(Reverse); err != nil {
		return m, err
	}
	if err := timing.Wait(ctx, elapsed/2); err != nil {
		return m, err
	}

	m = edge.Measurement{
		WidthPx:  rate * elapsed.Seconds(),
		Baseline: c.det.Baseline(),
	}
	debug.Info("MeasureSun (drift): %.0f px/s for %s -> width=%.0f px",
		rate, elapsed.Round(time.Millisecond), m.WidthPx)
	return m, nil
}

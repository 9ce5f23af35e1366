package scan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/shgscan/internal/debug"
	"github.com/cjeanneret/shgscan/internal/hw/mount"
	"github.com/cjeanneret/shgscan/internal/logic/bump"
	"github.com/cjeanneret/shgscan/internal/logic/edge"
	"github.com/cjeanneret/shgscan/internal/logic/timing"
)

// odometer integrates commanded velocity into the signed distance
// travelled along one axis.
type odometer struct {
	moving   bool
	vel      float64 // signed px/s
	segStart time.Time
	net      float64 // signed px travelled
}

func (o *odometer) settle(now time.Time) {
	if o.moving {
		o.net += o.vel * now.Sub(o.segStart).Seconds()
		o.segStart = now
	}
}

// start records a slew commanded at now.
func (o *odometer) start(now time.Time, dir Direction, rate float64) {
	o.settle(now)
	o.moving = true
	o.vel = float64(dir.Mount()) * rate
	o.segStart = now
}

// halt records a stop commanded at now.
func (o *odometer) halt(now time.Time) {
	o.settle(now)
	o.moving = false
}

// runner executes one Run. It tracks the signed distance travelled along
// the scan axis so an abort can slew back to where the run started.
type runner struct {
	odometer

	c    *Controller
	r    *Run
	ctx  context.Context
	axis mount.Axis
	rate float64

	capturing bool
}

func newRunner(ctx context.Context, c *Controller, r *Run) *runner {
	return &runner{
		c:    c,
		r:    r,
		ctx:  ctx,
		axis: r.Config.ScanAxis(),
		rate: r.Scan.RatePxPerSec,
	}
}

func (x *runner) execute() {
	err := x.scan()
	if err == nil {
		x.phase(Complete)
		debug.Summary("Scan complete")
		debug.Value("Run", x.r.ID)
		debug.Value("Passes", x.r.Passes)
		debug.Value("Elapsed", time.Since(x.r.Started).Round(time.Millisecond))
		return
	}
	x.abort(err)
}

func (x *runner) scan() error {
	cfg := x.r.Config

	x.phase(SlewingToStartEdge)
	x.direction(Reverse)
	if err := x.slew(Reverse, x.rate); err != nil {
		return err
	}
	if err := x.awaitLimb(); err != nil {
		return err
	}
	x.phase(PadAtStart)
	if err := x.wait(cfg.slewPad()); err != nil {
		return err
	}
	if err := x.stop(); err != nil {
		return err
	}

	for {
		debug.Cycle(x.r.Cycle+1, cfg.CyclesRequested)
		if err := x.capturePass(Forward, Capturing); err != nil {
			return err
		}
		if cfg.Bidirectional {
			if err := x.capturePass(Reverse, ReturningBidirectional); err != nil {
				return err
			}
		} else if err := x.fastReturn(); err != nil {
			return err
		}

		x.phase(BetweenCycles)
		if err := x.betweenCycles(cfg.cycleSleep()); err != nil {
			return err
		}
		done := false
		x.c.update(func() {
			x.r.Cycle++
			done = x.r.Cycle >= cfg.CyclesRequested
		})
		if done {
			break
		}
	}

	x.phase(ReturningToMidpoint)
	x.direction(Forward)
	if err := x.slew(Forward, x.rate); err != nil {
		return err
	}
	if err := x.wait(x.r.LastForwardDuration / 2); err != nil {
		return err
	}
	return x.stop()
}

// capturePass records one limb-to-limb sweep in dir, padded past the far
// limb. The mount is stopped before the capture stop is awaited.
func (x *runner) capturePass(dir Direction, phase Phase) error {
	x.phase(phase)
	x.direction(dir)
	if err := x.startCapture(); err != nil {
		return err
	}
	start := time.Now()
	if err := x.slew(dir, x.rate); err != nil {
		return err
	}
	if err := x.awaitLimb(); err != nil {
		return err
	}
	if phase == Capturing {
		x.phase(PadAtEnd)
	}
	if err := x.wait(x.r.Config.slewPad()); err != nil {
		return err
	}
	if err := x.stop(); err != nil {
		return err
	}
	if dir == Forward {
		elapsed := time.Since(start)
		x.c.update(func() { x.r.LastForwardDuration = elapsed })
	}
	if err := x.stopCapture(); err != nil {
		return err
	}
	x.c.update(func() { x.r.Passes++ })
	return nil
}

// fastReturn crosses back at rate × ReturnMultiplier, then pads past the
// limb at the nominal rate so the next pass starts from the same place.
func (x *runner) fastReturn() error {
	x.phase(ReturningFastThenPad)
	x.direction(Reverse)
	if err := x.slew(Reverse, x.rate*x.r.Config.ReturnMultiplier); err != nil {
		return err
	}
	if err := x.awaitLimb(); err != nil {
		return err
	}
	if err := x.slew(Reverse, x.rate); err != nil {
		return err
	}
	if err := x.wait(x.r.Config.slewPad()); err != nil {
		return err
	}
	return x.stop()
}

// betweenCycles sleeps for d while serving bump requests.
func (x *runner) betweenCycles(d time.Duration) error {
	cfg := x.r.Config
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-x.ctx.Done():
			return x.ctx.Err()
		case <-timer.C:
			return nil
		case req := <-x.c.bumps:
			rate := bump.RatePxPerSec(cfg.BumpRate, cfg.SunWidthPixels)
			err := x.c.bump.Bump(x.ctx, x.axis, req.dir, req.mag, rate)
			req.reply <- err
			if err != nil {
				if x.ctx.Err() != nil {
					return x.ctx.Err()
				}
				return fault(ErrMountCommand, BetweenCycles, err)
			}
		}
	}
}

// abort stops the mount and the capture, then retraces the net distance
// travelled. Reversing the net displacement rather than the total slew
// time is what brings a bidirectional run back to its start position.
func (x *runner) abort(cause error) {
	phase := x.r.Phase
	var f *Fault
	var result error
	switch {
	case errors.As(cause, &f):
		result = f
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		result = ErrAbortRequested
	default:
		f = fault(ErrMountCommand, phase, cause)
		result = f
	}
	x.c.update(func() {
		x.r.Fault = f
		x.r.Err = result
	})
	if f != nil {
		debug.Error(f)
	}

	x.phase(Aborting)
	if err := x.c.mount.Stop(); err != nil {
		debug.Error(fmt.Errorf("abort: mount stop: %w", err))
	}
	x.halt(time.Now())
	if x.capturing {
		if err := x.stopCapture(); err != nil {
			debug.Error(fmt.Errorf("abort: %w", err))
		}
	}

	if err := x.c.retrace(x.axis, x.net, x.rate); err != nil {
		debug.Error(fmt.Errorf("abort: %w", err))
	}
	x.phase(Aborted)
	debug.Info("Scan %s aborted in %s: %v", x.r.ID, phase, result)
}

func (x *runner) phase(p Phase) {
	x.c.setPhase(x.r, p)
}

func (x *runner) direction(d Direction) {
	x.c.update(func() { x.r.Direction = d })
}

func (x *runner) wait(d time.Duration) error {
	return timing.Wait(x.ctx, d)
}

func (x *runner) slew(dir Direction, rate float64) error {
	if err := x.ctx.Err(); err != nil {
		return err
	}
	debug.Slew(x.axis.String(), dir.String(), rate)
	now := time.Now()
	if err := x.c.mount.Slew(x.axis, dir.Mount(), rate); err != nil {
		return fault(ErrMountCommand, x.r.Phase, err)
	}
	x.start(now, dir, rate)
	return nil
}

func (x *runner) stop() error {
	now := time.Now()
	if err := x.c.mount.Stop(); err != nil {
		return fault(ErrMountCommand, x.r.Phase, err)
	}
	x.halt(now)
	return nil
}

// retrace slews back over net px on axis at rate, then stops. It runs to
// completion regardless of any cancellation.
func (c *Controller) retrace(axis mount.Axis, net, rate float64) error {
	if net == 0 || rate <= 0 {
		return nil
	}
	d := timing.Seconds(math.Abs(net) / rate)
	dir := Reverse
	if net < 0 {
		dir = Forward
	}
	debug.Live("Returning %.0f px %s (%s)", math.Abs(net), dir, d.Round(time.Millisecond))
	if err := c.mount.Slew(axis, dir.Mount(), rate); err != nil {
		return fmt.Errorf("reverse slew: %w", err)
	}
	_ = timing.Wait(context.Background(), d)
	if err := c.mount.Stop(); err != nil {
		return fmt.Errorf("mount stop: %w", err)
	}
	return nil
}

func (x *runner) startCapture() error {
	if err := x.ctx.Err(); err != nil {
		return err
	}
	if err := x.c.cam.StartCapture(); err != nil {
		return fault(ErrCaptureCommand, x.r.Phase, err)
	}
	x.capturing = true
	debug.Live("Capture started (%s pass)", x.r.Direction)
	return nil
}

// stopCapture awaits the host's file write, bounded by CaptureStopTimeout.
// It is not cut short by an abort.
func (x *runner) stopCapture() error {
	ctx, cancel := context.WithTimeout(context.Background(), x.c.opts.CaptureStopTimeout)
	defer cancel()
	x.capturing = false
	if err := x.c.cam.StopCapture(ctx); err != nil {
		return fault(ErrCaptureCommand, x.r.Phase, err)
	}
	debug.Live("Capture stopped")
	return nil
}

func (x *runner) awaitLimb() error {
	err := x.c.awaitLimb(x.ctx, x.c.det.Watch(x.c.opts.SampleInterval), nil)
	if err == nil || x.ctx.Err() != nil {
		return err
	}
	for _, kind := range []error{ErrEdgeTimeout, ErrConfigInvalid, ErrCaptureCommand} {
		if errors.Is(err, kind) {
			return fault(kind, x.r.Phase, err)
		}
	}
	return fault(ErrCaptureCommand, x.r.Phase, err)
}

// awaitLimb feeds live frames to w until the limb is passed. When
// brightAt is not nil it receives the time the disk was first seen.
func (c *Controller) awaitLimb(ctx context.Context, w *edge.Watcher, brightAt *time.Time) error {
	tctx, cancel := context.WithTimeout(ctx, c.opts.EdgeTimeout)
	defer cancel()
	for {
		f, err := c.cam.LiveFrame(tctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if tctx.Err() != nil {
				return fmt.Errorf("%w: no limb after %s", ErrEdgeTimeout, c.opts.EdgeTimeout)
			}
			return fmt.Errorf("%w: live frame: %v", ErrCaptureCommand, err)
		}
		seen := w.SeenBright()
		passed, err := w.Observe(f)
		if err != nil {
			if errors.Is(err, edge.ErrROITooSmall) {
				return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
			}
			return fmt.Errorf("%w: %v", ErrCaptureCommand, err)
		}
		if brightAt != nil && !seen && w.SeenBright() {
			*brightAt = f.Time
			if brightAt.IsZero() {
				*brightAt = time.Now()
			}
		}
		c.mu.Lock()
		c.lastRatio = w.LastRatio()
		c.mu.Unlock()
		if passed {
			return nil
		}
	}
}

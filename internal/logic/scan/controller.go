// Package scan runs the spectroheliograph acquisition: calibration, the
// limb-to-limb scan state machine, bumps between cycles and recovery on
// abort.
//
// A Controller owns the mount and the capture host. At most one run is
// active; its state machine executes on a background goroutine and is the
// only code that commands the mount while it runs. Operator calls (Abort,
// Bump, settings, telemetry) are safe from any goroutine.
package scan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/shgscan/internal/config"
	"github.com/cjeanneret/shgscan/internal/debug"
	"github.com/cjeanneret/shgscan/internal/hw/camera"
	"github.com/cjeanneret/shgscan/internal/hw/mount"
	"github.com/cjeanneret/shgscan/internal/logic/bump"
	"github.com/cjeanneret/shgscan/internal/logic/edge"
	"github.com/cjeanneret/shgscan/internal/logic/framerate"
	"github.com/cjeanneret/shgscan/internal/logic/timing"
)

// Options are station-level tunables that are not operator settings.
type Options struct {
	EdgeTimeout        time.Duration // per limb search; 0 = 30 s
	CaptureStopTimeout time.Duration // bound on a capture-stop confirmation; 0 = 10 s
	SampleInterval     int           // evaluate every Nth live frame; 0 = 1
	Baseline           float64       // raw brightness baseline; 0 = full scale
	MeasureMethod      string        // "frame" (default) or "drift"
	DriftRate          float64       // px/s for the drift measurement; 0 = 500

	// SaveSettings persists accepted settings. Optional.
	SaveSettings func(config.Settings) error
}

func (o *Options) setDefaults() {
	if o.EdgeTimeout <= 0 {
		o.EdgeTimeout = 30 * time.Second
	}
	if o.CaptureStopTimeout <= 0 {
		o.CaptureStopTimeout = 10 * time.Second
	}
	if o.SampleInterval <= 0 {
		o.SampleInterval = 1
	}
	if o.MeasureMethod == "" {
		o.MeasureMethod = "frame"
	}
	if o.DriftRate <= 0 {
		o.DriftRate = 500
	}
}

// Run is the mutable state of one Go. Only the run goroutine writes it.
type Run struct {
	ID                  string
	Config              Config
	Scan                timing.Scan
	Cycle               int
	Direction           Direction
	LastForwardDuration time.Duration
	Phase               Phase
	Passes              int
	Started             time.Time
	Fault               *Fault
	Err                 error // nil on Complete, ErrAbortRequested or the Fault on Aborted
}

type bumpRequest struct {
	dir   mount.Direction
	mag   bump.Magnitude
	reply chan error
}

// Controller is the scan controller.
type Controller struct {
	mount mount.Mount
	cam   camera.Capture
	fps   *framerate.Source
	det   *edge.Detector
	bump  *bump.Corrector
	opts  Options

	bumps chan bumpRequest

	mu        sync.Mutex
	settings  config.Settings
	run       *Run // current or last run
	busy      bool // a run or a measurement owns the hardware
	cancel    context.CancelFunc
	done      chan struct{}
	formatSet bool
	lastFPS   float64
	decenter  float64
	lastRatio float64
	listeners []func(Telemetry)
}

// NewController wires a controller. settings are not validated here; Go
// validates the snapshot it takes.
func NewController(m mount.Mount, cam camera.Capture, settings config.Settings, opts Options) *Controller {
	opts.setDefaults()
	return &Controller{
		mount:    m,
		cam:      cam,
		fps:      framerate.NewSource(cam),
		det:      edge.NewDetector(opts.Baseline),
		bump:     bump.New(m, settings.BumpSwap),
		opts:     opts,
		bumps:    make(chan bumpRequest),
		settings: settings,
	}
}

// Subscribe registers fn to receive telemetry on every phase change and
// calibration. fn runs on the notifying goroutine and must not block.
func (c *Controller) Subscribe(fn func(Telemetry)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Controller) notify() {
	t := c.Telemetry()
	c.mu.Lock()
	ls := append([]func(Telemetry){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range ls {
		fn(t)
	}
}

// Settings returns the current operator settings.
func (c *Controller) Settings() config.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// UpdateSettings validates and stores s. A running scan keeps its snapshot.
func (c *Controller) UpdateSettings(s config.Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	c.mu.Lock()
	prev := c.settings
	c.settings = s
	c.mu.Unlock()
	if s.FrameRateFPS != prev.FrameRateFPS {
		_ = c.fps.Override(s.FrameRateFPS)
	}
	if s.BumpSwap != prev.BumpSwap && c.bump.Polarity() != polarityOf(s.BumpSwap) {
		c.bump.SwapPolarity()
	}
	c.persist(s)
	c.notify()
	return nil
}

func polarityOf(swapped bool) bump.Polarity {
	if swapped {
		return bump.Swapped
	}
	return bump.Normal
}

func (c *Controller) persist(s config.Settings) {
	if c.opts.SaveSettings == nil {
		return
	}
	if err := c.opts.SaveSettings(s); err != nil {
		debug.Error(fmt.Errorf("save settings: %w", err))
	}
}

// SwapPolarity toggles the bump direction mapping. Allowed at any time.
func (c *Controller) SwapPolarity() bump.Polarity {
	p := c.bump.SwapPolarity()
	c.mu.Lock()
	c.settings.BumpSwap = p == bump.Swapped
	s := c.settings
	c.mu.Unlock()
	c.persist(s)
	c.notify()
	return p
}

// PrepareSession sets MONO16/SER once per session and reads the frame rate.
func (c *Controller) PrepareSession() (float64, error) {
	c.mu.Lock()
	formatSet := c.formatSet
	override := c.settings.FrameRateFPS
	c.mu.Unlock()

	if !formatSet {
		if err := c.cam.SetFormat(camera.MONO16, camera.SER); err != nil {
			return 0, fmt.Errorf("%w: set format: %v", ErrCaptureCommand, err)
		}
		c.mu.Lock()
		c.formatSet = true
		c.mu.Unlock()
	}
	if err := c.fps.Override(override); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	fps, err := c.fps.Read()
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.lastFPS = fps
	c.mu.Unlock()
	return fps, nil
}

// RecalibrateFrameRate drops any manual frame rate and reads it from the
// capture host again.
func (c *Controller) RecalibrateFrameRate() (float64, error) {
	fps, err := c.fps.Recalibrate()
	c.mu.Lock()
	c.settings.FrameRateFPS = 0
	if err == nil {
		c.lastFPS = fps
	}
	s := c.settings
	c.mu.Unlock()
	c.persist(s)
	c.notify()
	return fps, err
}

// Go validates the settings, derives the slew rate and starts a run on a
// background goroutine. It returns the new run's ID. RateUnavailable and
// ConfigInvalid are reported before any motion.
func (c *Controller) Go(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return "", ErrRunInProgress
	}
	c.busy = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	release := func() {
		cancel()
		c.mu.Lock()
		c.busy = false
		c.cancel = nil
		c.mu.Unlock()
	}

	fps, err := c.PrepareSession()
	if err != nil {
		release()
		return "", err
	}
	cfg := NewConfig(c.Settings(), fps)
	if err := cfg.Validate(); err != nil {
		release()
		return "", err
	}
	sc, err := timing.Compute(cfg.SunWidthPixels, cfg.ROIHeightPixels, cfg.FrameRateFps)
	if err != nil {
		release()
		return "", fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	r := &Run{
		ID:      uuid.New().String(),
		Config:  cfg,
		Scan:    sc,
		Phase:   Idle,
		Started: time.Now(),
	}
	// An abort may have arrived while the session was being prepared.
	if runCtx.Err() != nil {
		release()
		return "", ErrAbortRequested
	}
	done := make(chan struct{})

	c.mu.Lock()
	c.run = r
	c.done = done
	c.mu.Unlock()

	debug.Section("Scan " + r.ID)
	debug.Info("Go: %d cycle(s), bidirectional=%v, axis=%s", cfg.CyclesRequested, cfg.Bidirectional, cfg.ScanAxis())
	debug.Info("Go: sun %.0f px, ROI %d px, %.1f fps -> %.1f px/s, %.3f s per disk (%.0fx solar)",
		cfg.SunWidthPixels, cfg.ROIHeightPixels, fps, sc.RatePxPerSec, sc.Duration, sc.SolarMultiple())

	go func() {
		defer close(done)
		defer release()
		newRunner(runCtx, c, r).execute()
	}()
	return r.ID, nil
}

// Abort requests the active run or measurement to stop. It returns
// immediately; use Wait to block until the mount is back.
func (c *Controller) Abort() error {
	c.mu.Lock()
	cancel, busy := c.cancel, c.busy
	c.mu.Unlock()
	if cancel == nil || !busy {
		return ErrNoRun
	}
	debug.Live("Abort requested")
	cancel()
	return nil
}

// Wait blocks until the current run has finished and returns its outcome.
func (c *Controller) Wait(ctx context.Context) (Run, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return Run{}, ErrNoRun
	}
	select {
	case <-done:
	case <-ctx.Done():
		return Run{}, ctx.Err()
	}
	r, _ := c.LastRun()
	return r, r.Err
}

// LastRun returns a copy of the current or most recent run.
func (c *Controller) LastRun() (Run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return Run{}, false
	}
	return *c.run, true
}

// Running reports whether a run or a measurement holds the hardware.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Bump asks the run goroutine for a corrective slew. It is accepted only
// while the run is waiting in BetweenCycles; otherwise ErrBumpRejected is
// returned and nothing moves.
func (c *Controller) Bump(dir mount.Direction, mag bump.Magnitude) error {
	req := bumpRequest{dir: dir, mag: mag, reply: make(chan error, 1)}
	select {
	case c.bumps <- req:
	default:
		debug.Verbose("Bump %s %s rejected in phase %s", dir, mag, c.phase())
		return ErrBumpRejected
	}
	return <-req.reply
}

func (c *Controller) phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return Idle
	}
	return c.run.Phase
}

// setPhase is called by the run goroutine only.
func (c *Controller) setPhase(r *Run, p Phase) {
	c.mu.Lock()
	from := r.Phase
	r.Phase = p
	c.mu.Unlock()
	debug.Phase(from.String(), p.String())
	c.notify()
}

// update applies fn to the run under the lock.
func (c *Controller) update(fn func()) {
	c.mu.Lock()
	fn()
	c.mu.Unlock()
}

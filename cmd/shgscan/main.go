package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/theckman/yacspin"

	"github.com/cjeanneret/shgscan/internal/config"
	"github.com/cjeanneret/shgscan/internal/debug"
	"github.com/cjeanneret/shgscan/internal/hw/gpio"
	"github.com/cjeanneret/shgscan/internal/hw/mount"
	"github.com/cjeanneret/shgscan/internal/hw/stepper"
	"github.com/cjeanneret/shgscan/internal/logic/motion"
	"github.com/cjeanneret/shgscan/internal/logic/scan"
	"github.com/cjeanneret/shgscan/internal/sim"
	"github.com/cjeanneret/shgscan/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{}
	flag.Var(webPort, "web", "start the operator web server; -web= uses web.listen from the config, -web 8980 for a custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to station config file")
	settingsPath := flag.String("settings", filepath.Join("configs", "settings.yaml"), "path to saved operator settings")
	cycles := flag.Int("cycles", 0, "override number of scan cycles")
	bidirectional := &boolOverride{}
	flag.Var(bidirectional, "bidirectional", "override bidirectional scanning (true/false)")
	measure := flag.Bool("measure", false, "measure the sun before a headless run")
	fps := flag.Float64("fps", 0, "override the frame rate instead of reading it from the capture host")
	sunWidth := flag.Float64("sun_width", 0, "override the sun width in pixels")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	settings, err := config.LoadSettings(*settingsPath)
	if err != nil {
		log.Fatalf("load settings failed: %v", err)
	}

	overrides := cliOverrides{Cycles: *cycles, Bidirectional: bidirectional.val, FPS: *fps, SunWidthPx: *sunWidth}
	if err := validateCLIOverrides(overrides); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(&settings, overrides)

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Settings path", *settingsPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.PrintStruct("Settings", settings)

	debug.Step(1, "Initializing mount")
	shadow := newShadowMount(cfg, settings)
	m, closeMount, err := newMountFromConfig(cfg, shadow)
	if err != nil {
		log.Fatalf("init mount failed: %v", err)
	}
	defer func() {
		if err := closeMount(); err != nil {
			log.Printf("closing mount failed: %v", err)
		}
	}()
	debug.Value("Mount type", cfg.Mount.Type)

	debug.Step(2, "Initializing capture host")
	cam := sim.NewCamera(sim.CameraConfig{
		FrameWidth: cfg.Camera.FrameWidth,
		ROIHeight:  cfg.Camera.ROIHeight,
		FPS:        cfg.Camera.FPS,
		SunWidthPx: cfg.Camera.SunWidthPx,
		ScanAxis:   scanAxis(settings),
		WriteDelay: cfg.WriteDelay(),
		RecordDir:  cfg.Camera.RecordDir,
	}, shadow)
	debug.Value("Camera type", cfg.Camera.Type)

	debug.Step(3, "Creating scan controller")
	ctl := scan.NewController(m, cam, settings, scan.Options{
		EdgeTimeout:        cfg.EdgeTimeout(),
		CaptureStopTimeout: cfg.CaptureStopTimeout(),
		SampleInterval:     cfg.Defaults.SampleInterval,
		Baseline:           cfg.Defaults.BaselineBrightness,
		MeasureMethod:      cfg.Defaults.MeasureMethod,
		DriftRate:          cfg.Defaults.DriftRatePxPerSec,
		SaveSettings: func(s config.Settings) error {
			return config.SaveSettings(*settingsPath, s)
		},
	})
	defer func() {
		if err := config.SaveSettings(*settingsPath, ctl.Settings()); err != nil {
			log.Printf("saving settings failed: %v", err)
		}
	}()

	if webPort.enabled {
		addr := webPort.addr(cfg.Web.Listen)
		logs := web.NewBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.LogWriter(logs)))

		srv := web.NewServer(addr, logs, ctl)
		ctl.Subscribe(srv.Telemetry().Telemetry)
		err := srv.Run(ctx)
		shutdown(ctl)
		if err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	if err := runHeadless(ctx, ctl, *measure); err != nil {
		log.Printf("scan failed: %v", err)
		os.Exit(1)
	}
}

// shutdown aborts a run still in progress and waits for the mount to be
// back, bounded by a minute.
func shutdown(ctl *scan.Controller) {
	if !ctl.Running() {
		return
	}
	_ = ctl.Abort()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	_, _ = ctl.Wait(ctx)
}

// runHeadless optionally measures the sun, then performs one Go with a
// spinner showing the phase. Interrupting aborts the run.
func runHeadless(ctx context.Context, ctl *scan.Controller, measure bool) error {
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		SuffixAutoColon:   true,
		Message:           "preparing",
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return fmt.Errorf("create spinner: %w", err)
	}
	if err := spinner.Start(); err != nil {
		return fmt.Errorf("start spinner: %w", err)
	}
	fail := func(err error) error {
		spinner.StopFailMessage(err.Error())
		_ = spinner.StopFail()
		return err
	}

	if measure {
		spinner.Message("measuring sun")
		m, err := ctl.MeasureSun(ctx)
		if err != nil {
			return fail(fmt.Errorf("measure sun: %w", err))
		}
		debug.Info("Sun width %.0f px, decenter %.0f px", m.WidthPx, m.DecenterPx)
	}

	ctl.Subscribe(func(t scan.Telemetry) {
		spinner.Message(progressMessage(t))
	})
	if _, err := ctl.Go(context.Background()); err != nil {
		return fail(err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = ctl.Abort()
		case <-done:
		}
	}()
	run, err := ctl.Wait(context.Background())
	close(done)

	if err != nil {
		if errors.Is(err, scan.ErrAbortRequested) {
			return fail(errors.New("aborted, mount returned to start"))
		}
		return fail(err)
	}
	spinner.StopMessage(fmt.Sprintf("%d pass(es) in %s", run.Passes, time.Since(run.Started).Round(time.Second)))
	return spinner.Stop()
}

func progressMessage(t scan.Telemetry) string {
	if t.CyclesRequested == 0 {
		return t.Phase
	}
	n := min(t.Cycle+1, t.CyclesRequested)
	return fmt.Sprintf("%s (cycle %d/%d, %.0f px/s)", t.Phase, n, t.CyclesRequested, t.RatePxPerSec)
}

// cliOverrides are operator settings given on the command line. Zero
// values mean "use the saved setting".
type cliOverrides struct {
	Cycles        int
	Bidirectional *bool
	FPS           float64
	SunWidthPx    float64
}

// validateCLIOverrides checks that non-zero CLI overrides are within valid ranges.
func validateCLIOverrides(o cliOverrides) error {
	if o.Cycles < 0 {
		return fmt.Errorf("cycles must be positive, got %d", o.Cycles)
	}
	if o.FPS != 0 {
		if math.IsNaN(o.FPS) || math.IsInf(o.FPS, 0) || o.FPS < 0 {
			return fmt.Errorf("fps must be positive, got %g", o.FPS)
		}
	}
	if o.SunWidthPx != 0 {
		if math.IsNaN(o.SunWidthPx) || math.IsInf(o.SunWidthPx, 0) || o.SunWidthPx < 0 {
			return fmt.Errorf("sun_width must be positive, got %g", o.SunWidthPx)
		}
	}
	return nil
}

// applyOverrides mutates s with overrides. Only non-zero values are applied.
func applyOverrides(s *config.Settings, o cliOverrides) {
	if o.Cycles > 0 {
		s.Cycles = o.Cycles
	}
	if o.Bidirectional != nil {
		s.Bidirectional = *o.Bidirectional
	}
	if o.FPS > 0 {
		s.FrameRateFPS = o.FPS
	}
	if o.SunWidthPx > 0 {
		s.SunWidthPx = o.SunWidthPx
	}
}

func scanAxis(s config.Settings) mount.Axis {
	if s.SlewAxisRA {
		return mount.RA
	}
	return mount.Dec
}

// newShadowMount places the simulated sun so that the configured decenter
// lies across the scan axis.
func newShadowMount(cfg *config.Config, s config.Settings) *sim.Mount {
	if scanAxis(s) == mount.RA {
		return sim.NewMount(0, cfg.Camera.DecenterPx)
	}
	return sim.NewMount(cfg.Camera.DecenterPx, 0)
}

// newMountFromConfig selects a mount implementation. Hardware mounts are
// mirrored onto shadow so the simulated capture host follows them.
func newMountFromConfig(cfg *config.Config, shadow *sim.Mount) (mount.Mount, func() error, error) {
	switch cfg.Mount.Type {
	case "sim":
		return shadow, func() error { return nil }, nil

	case "lx200":
		m := mount.NewLX200(mount.LX200Config{
			Device:         cfg.Mount.Device,
			Baud:           cfg.Mount.Baud,
			ArcsecPerPixel: cfg.Mount.ArcsecPerPixel,
			MaxDegPerSec:   cfg.Mount.MaxDegPerSec,
		})
		if err := m.Open(); err != nil {
			return nil, nil, err
		}
		debug.Value("Serial device", cfg.Mount.Device)
		return sim.Follow(m, shadow), m.Close, nil

	case "stepper":
		debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
		g, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
		if err != nil {
			return nil, nil, fmt.Errorf("init GPIO: %w", err)
		}
		newAxis := func(name string, sc config.StepperConfig) *stepper.Stepper {
			debug.PrintStruct(name+" stepper config", sc)
			return stepper.NewStepper(g, stepper.Config{
				StepPin:       sc.StepPin,
				DirPin:        sc.DirPin,
				EnablePin:     sc.EnablePin,
				StepsPerRev:   sc.StepsPerRev,
				Microstepping: sc.Microstepping,
				MaxStepRate:   sc.MaxStepRate,
			})
		}
		ctl := motion.NewController(
			newAxis("RA", cfg.Mount.RAStepper),
			newAxis("Dec", cfg.Mount.DecStepper),
			cfg.Mount.ArcsecPerPixel,
			cfg.Mount.RAStepper.GearRatio,
			cfg.Mount.DecStepper.GearRatio,
		)
		if err := ctl.EnableMotors(); err != nil {
			_ = g.Close()
			return nil, nil, fmt.Errorf("enable motors: %w", err)
		}
		closeFn := func() error {
			_ = ctl.Stop()
			derr := ctl.DisableMotors()
			if err := g.Close(); err != nil {
				return err
			}
			return derr
		}
		return sim.Follow(ctl, shadow), closeFn, nil
	}
	return nil, nil, fmt.Errorf("unsupported mount type: %s", cfg.Mount.Type)
}

// webPortFlag implements flag.Value for -web: absent = headless, -web= uses
// the configured listen address, -web 8980 listens on :8980.
type webPortFlag struct {
	enabled bool
	port    int
}

func (w *webPortFlag) String() string {
	if !w.enabled {
		return "off"
	}
	if w.port == 0 {
		return "config"
	}
	return strconv.Itoa(w.port)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.enabled = true
		w.port = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.enabled = true
	w.port = v
	return nil
}

func (w *webPortFlag) addr(listen string) string {
	if w.port == 0 {
		return listen
	}
	return fmt.Sprintf(":%d", w.port)
}

// boolOverride is a flag that remembers whether it was given.
type boolOverride struct {
	val *bool
}

func (b *boolOverride) String() string {
	if b.val == nil {
		return ""
	}
	return strconv.FormatBool(*b.val)
}

func (b *boolOverride) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	b.val = &v
	return nil
}

func (b *boolOverride) IsBoolFlag() bool { return true }

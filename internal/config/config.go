package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a station config file.
const MaxConfigFileBytes = 1 << 20

// StepperConfig holds the configuration for one stepper-driven mount axis.
type StepperConfig struct {
	StepPin       int     `yaml:"step_pin"`
	DirPin        int     `yaml:"dir_pin"`
	EnablePin     int     `yaml:"enable_pin"` // A4988 ENABLE pin (BCM). 0 = not used. Active LOW.
	StepsPerRev   int     `yaml:"steps_per_rev"`
	Microstepping int     `yaml:"microstepping"`
	GearRatio     float64 `yaml:"gear_ratio"`    // motor turns per axis turn (worm reduction)
	MaxStepRate   float64 `yaml:"max_step_rate"` // steps/s, 0 = driver default
}

// MountConfig selects and configures the mount driver.
// Type is one of "sim", "lx200" or "stepper".
type MountConfig struct {
	Type           string        `yaml:"type"`
	Device         string        `yaml:"device"` // serial device for lx200
	Baud           int           `yaml:"baud"`
	ArcsecPerPixel float64       `yaml:"arcsec_per_pixel"` // plate scale along the slit
	MaxDegPerSec   float64       `yaml:"max_deg_per_sec"`
	RAStepper      StepperConfig `yaml:"ra_stepper"`
	DecStepper     StepperConfig `yaml:"dec_stepper"`
}

// CameraConfig describes the capture host. Only the built-in simulator is
// wired today; the sim_* fields shape its sun and detector.
type CameraConfig struct {
	Type         string  `yaml:"type"` // "sim"
	FrameWidth   int     `yaml:"frame_width"`
	ROIHeight    int     `yaml:"roi_height"`
	FPS          float64 `yaml:"fps"`
	SunWidthPx   float64 `yaml:"sun_width_px"`
	DecenterPx   float64 `yaml:"decenter_px"`
	WriteDelayMs int     `yaml:"write_delay_ms"` // time to flush one capture file
	RecordDir    string  `yaml:"record_dir"`     // FITS spectroheliograms, empty = off
}

// WebConfig configures the operator HTTP interface.
type WebConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel                int     `yaml:"debug_level"`                  // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO                  bool    `yaml:"mock_gpio"`                    // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	EdgeTimeoutSeconds        float64 `yaml:"edge_timeout_seconds"`         // give up waiting for a limb
	CaptureStopTimeoutSeconds float64 `yaml:"capture_stop_timeout_seconds"` // bound on the host file write
	SampleInterval            int     `yaml:"sample_interval"`              // evaluate every Nth live frame
	BaselineBrightness        float64 `yaml:"baseline_brightness"`          // raw MONO16 level, 0 = full scale
	MeasureMethod             string  `yaml:"measure_method"`               // "frame" or "drift"
	DriftRatePxPerSec         float64 `yaml:"drift_rate_px_per_sec"`        // calibration slew rate for "drift"
}

// Config aggregates the station configuration.
type Config struct {
	Mount    MountConfig    `yaml:"mount"`
	Camera   CameraConfig   `yaml:"camera"`
	Web      WebConfig      `yaml:"web"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files directly under a configs/ directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must end in .yaml", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file %s is %d bytes, limit is %d", path, info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	// Basic validation
	switch cfg.Mount.Type {
	case "sim":
	case "lx200":
		if cfg.Mount.Device == "" {
			return nil, fmt.Errorf("mount.device is required for lx200")
		}
	case "stepper":
		for name, s := range map[string]StepperConfig{"ra_stepper": cfg.Mount.RAStepper, "dec_stepper": cfg.Mount.DecStepper} {
			if s.StepPin <= 0 || s.DirPin <= 0 {
				return nil, fmt.Errorf("mount.%s step_pin and dir_pin are required", name)
			}
		}
	case "":
		return nil, fmt.Errorf("mount.type is required")
	default:
		return nil, fmt.Errorf("unknown mount.type %q", cfg.Mount.Type)
	}
	if cfg.Mount.Type != "sim" && cfg.Mount.ArcsecPerPixel <= 0 {
		return nil, fmt.Errorf("mount.arcsec_per_pixel must be > 0")
	}
	if cfg.Camera.Type != "sim" {
		return nil, fmt.Errorf("camera.type must be \"sim\", got %q", cfg.Camera.Type)
	}

	// Mount defaults
	if cfg.Mount.Baud <= 0 {
		cfg.Mount.Baud = 9600
	}
	for _, s := range []*StepperConfig{&cfg.Mount.RAStepper, &cfg.Mount.DecStepper} {
		if s.StepsPerRev <= 0 {
			s.StepsPerRev = 200
		}
		if s.Microstepping <= 0 {
			s.Microstepping = 16
		}
		if s.GearRatio <= 0 {
			s.GearRatio = 1
		}
	}

	// Simulator defaults
	if cfg.Camera.FrameWidth <= 0 {
		cfg.Camera.FrameWidth = 3000
	}
	if cfg.Camera.ROIHeight <= 0 {
		cfg.Camera.ROIHeight = 150
	}
	if cfg.Camera.FPS <= 0 {
		cfg.Camera.FPS = 600
	}
	if cfg.Camera.SunWidthPx <= 0 {
		cfg.Camera.SunWidthPx = 2300
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}

	if cfg.Defaults.DebugLevel < 0 || cfg.Defaults.DebugLevel > 4 {
		return nil, fmt.Errorf("debug_level must be between 0 and 4, got %d", cfg.Defaults.DebugLevel)
	}
	if cfg.Defaults.EdgeTimeoutSeconds <= 0 {
		cfg.Defaults.EdgeTimeoutSeconds = 30
	}
	if cfg.Defaults.CaptureStopTimeoutSeconds <= 0 {
		cfg.Defaults.CaptureStopTimeoutSeconds = 10
	}
	if cfg.Defaults.SampleInterval <= 0 {
		cfg.Defaults.SampleInterval = 1
	}
	if cfg.Defaults.BaselineBrightness < 0 || cfg.Defaults.BaselineBrightness > 65535 {
		return nil, fmt.Errorf("baseline_brightness must be between 0 and 65535, got %.0f", cfg.Defaults.BaselineBrightness)
	}
	switch cfg.Defaults.MeasureMethod {
	case "":
		cfg.Defaults.MeasureMethod = "frame"
	case "frame", "drift":
	default:
		return nil, fmt.Errorf("measure_method must be \"frame\" or \"drift\", got %q", cfg.Defaults.MeasureMethod)
	}
	if cfg.Defaults.DriftRatePxPerSec <= 0 {
		cfg.Defaults.DriftRatePxPerSec = 500
	}

	return &cfg, nil
}

// EdgeTimeout returns the limb search timeout.
func (c *Config) EdgeTimeout() time.Duration {
	return seconds(c.Defaults.EdgeTimeoutSeconds)
}

// CaptureStopTimeout returns the bound on a capture-stop confirmation.
func (c *Config) CaptureStopTimeout() time.Duration {
	return seconds(c.Defaults.CaptureStopTimeoutSeconds)
}

// WriteDelay returns the simulated file flush time.
func (c *Config) WriteDelay() time.Duration {
	return time.Duration(c.Camera.WriteDelayMs) * time.Millisecond
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

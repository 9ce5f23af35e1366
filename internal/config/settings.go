package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/knadh/koanf"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"gopkg.in/yaml.v3"
)

// Settings are the operator-adjustable scan parameters, persisted between
// sessions.
type Settings struct {
	Cycles            int     `koanf:"cycles" yaml:"cycles" json:"cycles"`
	Bidirectional     bool    `koanf:"bidirectional" yaml:"bidirectional" json:"bidirectional"`
	SlewPadSeconds    float64 `koanf:"slew_pad_seconds" yaml:"slew_pad_seconds" json:"slew_pad_seconds"`
	CycleSleepSeconds float64 `koanf:"cycle_sleep_seconds" yaml:"cycle_sleep_seconds" json:"cycle_sleep_seconds"`
	BumpRate          float64 `koanf:"bump_rate" yaml:"bump_rate" json:"bump_rate"` // multiple of sidereal rate
	BumpSwap          bool    `koanf:"bump_swap" yaml:"bump_swap" json:"bump_swap"`
	SlewAxisRA        bool    `koanf:"slew_axis_ra" yaml:"slew_axis_ra" json:"slew_axis_ra"`
	SunWidthPx        float64 `koanf:"sun_width_px" yaml:"sun_width_px" json:"sun_width_px"`
	FrameRateFPS      float64 `koanf:"frame_rate_fps" yaml:"frame_rate_fps" json:"frame_rate_fps"` // 0 = read from host
	ROIHeightPx       int     `koanf:"roi_height_px" yaml:"roi_height_px" json:"roi_height_px"`
	ReturnMultiplier  float64 `koanf:"return_multiplier" yaml:"return_multiplier" json:"return_multiplier"`
}

// BumpRates are the sidereal multiples offered for bumps.
var BumpRates = []float64{1, 2, 4, 8, 16}

// DefaultSettings returns the settings used when nothing has been saved.
func DefaultSettings() Settings {
	return Settings{
		Cycles:            1,
		Bidirectional:     true,
		SlewPadSeconds:    2,
		CycleSleepSeconds: 5,
		BumpRate:          8,
		SlewAxisRA:        true,
		SunWidthPx:        2300,
		ROIHeightPx:       150,
		ReturnMultiplier:  8,
	}
}

// Validate checks ranges. Frame rate 0 is allowed and means "ask the host".
func (s Settings) Validate() error {
	if s.Cycles <= 0 {
		return fmt.Errorf("cycles must be positive, got %d", s.Cycles)
	}
	if s.SlewPadSeconds < 0 {
		return fmt.Errorf("slew_pad_seconds must not be negative, got %.2f", s.SlewPadSeconds)
	}
	if s.CycleSleepSeconds < 0 {
		return fmt.Errorf("cycle_sleep_seconds must not be negative, got %.2f", s.CycleSleepSeconds)
	}
	okRate := false
	for _, r := range BumpRates {
		if s.BumpRate == r {
			okRate = true
		}
	}
	if !okRate {
		return fmt.Errorf("bump_rate must be one of %v, got %v", BumpRates, s.BumpRate)
	}
	if s.SunWidthPx <= 0 {
		return fmt.Errorf("sun_width_px must be positive, got %.1f", s.SunWidthPx)
	}
	if s.FrameRateFPS < 0 {
		return fmt.Errorf("frame_rate_fps must not be negative, got %.1f", s.FrameRateFPS)
	}
	if s.ROIHeightPx < 100 {
		return fmt.Errorf("roi_height_px must be at least 100, got %d", s.ROIHeightPx)
	}
	if s.ReturnMultiplier <= 0 {
		return fmt.Errorf("return_multiplier must be positive, got %.1f", s.ReturnMultiplier)
	}
	return nil
}

// LoadSettings layers the saved settings file over the defaults. A missing
// file is not an error.
func LoadSettings(path string) (Settings, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultSettings(), "koanf"), nil); err != nil {
		return Settings{}, fmt.Errorf("load default settings: %w", err)
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
				return Settings{}, fmt.Errorf("load settings %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Settings{}, fmt.Errorf("stat settings %s: %w", path, err)
		}
	}

	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return Settings{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("settings %s: %w", path, err)
	}
	return s, nil
}

// SaveSettings writes s to path as YAML.
func SaveSettings(path string, s Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

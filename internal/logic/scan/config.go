package scan

import (
	"fmt"
	"time"

	"github.com/cjeanneret/shgscan/internal/config"
	"github.com/cjeanneret/shgscan/internal/hw/mount"
	"github.com/cjeanneret/shgscan/internal/logic/timing"
)

// Config is the per-run snapshot of the operator settings, with the frame
// rate resolved.
type Config struct {
	CyclesRequested   int
	Bidirectional     bool
	SlewPadSeconds    float64
	CycleSleepSeconds float64
	BumpRate          float64 // sidereal multiple
	BumpSwap          bool
	SlewAxisIsRA      bool
	SunWidthPixels    float64
	FrameRateFps      float64
	ROIHeightPixels   int
	ReturnMultiplier  float64
}

// NewConfig snapshots settings with the measured frame rate.
func NewConfig(s config.Settings, fps float64) Config {
	return Config{
		CyclesRequested:   s.Cycles,
		Bidirectional:     s.Bidirectional,
		SlewPadSeconds:    s.SlewPadSeconds,
		CycleSleepSeconds: s.CycleSleepSeconds,
		BumpRate:          s.BumpRate,
		BumpSwap:          s.BumpSwap,
		SlewAxisIsRA:      s.SlewAxisRA,
		SunWidthPixels:    s.SunWidthPx,
		FrameRateFps:      fps,
		ROIHeightPixels:   s.ROIHeightPx,
		ReturnMultiplier:  s.ReturnMultiplier,
	}
}

// Validate returns ErrConfigInvalid for anything that must block Go.
func (c Config) Validate() error {
	switch {
	case c.CyclesRequested <= 0:
		return fmt.Errorf("%w: cycles %d must be positive", ErrConfigInvalid, c.CyclesRequested)
	case c.SlewPadSeconds < 0:
		return fmt.Errorf("%w: slew pad %.2f s must not be negative", ErrConfigInvalid, c.SlewPadSeconds)
	case c.CycleSleepSeconds < 0:
		return fmt.Errorf("%w: cycle sleep %.2f s must not be negative", ErrConfigInvalid, c.CycleSleepSeconds)
	case c.BumpRate <= 0:
		return fmt.Errorf("%w: bump rate %.1fx must be positive", ErrConfigInvalid, c.BumpRate)
	case c.SunWidthPixels <= 0:
		return fmt.Errorf("%w: sun width %.1f px must be positive", ErrConfigInvalid, c.SunWidthPixels)
	case c.FrameRateFps <= 0:
		return fmt.Errorf("%w: frame rate %.1f fps must be positive", ErrConfigInvalid, c.FrameRateFps)
	case c.ROIHeightPixels < timing.MinROIHeight:
		return fmt.Errorf("%w: ROI height %d px is below %d", ErrConfigInvalid, c.ROIHeightPixels, timing.MinROIHeight)
	case c.ReturnMultiplier <= 0:
		return fmt.Errorf("%w: return multiplier %.1f must be positive", ErrConfigInvalid, c.ReturnMultiplier)
	}
	return nil
}

// ScanAxis is the axis the slit is swept along.
func (c Config) ScanAxis() mount.Axis {
	if c.SlewAxisIsRA {
		return mount.RA
	}
	return mount.Dec
}

func (c Config) slewPad() time.Duration    { return timing.Seconds(c.SlewPadSeconds) }
func (c Config) cycleSleep() time.Duration { return timing.Seconds(c.CycleSleepSeconds) }

package timing

import (
	"context"
	"fmt"
	"time"
)

// MinROIHeight is the smallest ROI height the edge detector can sample.
const MinROIHeight = 100

// Solar tracking reference: the disk is ~0.5 degrees and the sky turns
// 1/240 degree per second.
const (
	SunDiameterDeg    = 0.5
	SiderealDegPerSec = 1.0 / 240.0
)

// Scan holds the slew parameters derived from one calibration.
type Scan struct {
	SunWidthPx  float64
	ROIHeightPx int
	FPS         float64

	RatePxPerSec float64 // mount slew rate along the scan axis
	Duration     float64 // seconds to cross one sun width
}

// Compute derives the slew rate giving a square reconstructed image.
// Each frame advances the slit by one detector row worth of sun, so:
//
//	duration = roiHeight / fps
//	rate     = sunWidth × fps / roiHeight
func Compute(sunWidthPx float64, roiHeightPx int, fps float64) (Scan, error) {
	if sunWidthPx <= 0 {
		return Scan{}, fmt.Errorf("sun width %.1f px must be positive", sunWidthPx)
	}
	if roiHeightPx < MinROIHeight {
		return Scan{}, fmt.Errorf("ROI height %d px is below the %d px minimum", roiHeightPx, MinROIHeight)
	}
	if fps <= 0 {
		return Scan{}, fmt.Errorf("frame rate %.1f fps must be positive", fps)
	}
	h := float64(roiHeightPx)
	return Scan{
		SunWidthPx:   sunWidthPx,
		ROIHeightPx:  roiHeightPx,
		FPS:          fps,
		RatePxPerSec: sunWidthPx * fps / h,
		Duration:     h / fps,
	}, nil
}

// ScanDuration returns Duration as a time.Duration.
func (s Scan) ScanDuration() time.Duration {
	return time.Duration(s.Duration * float64(time.Second))
}

// Aspect is (rate × duration) / sunWidth; 1 for a square image.
func (s Scan) Aspect() float64 {
	return s.RatePxPerSec * s.Duration / s.SunWidthPx
}

// CycleEstimate is the expected length of one capture pass including the
// pads on both sides: 2 × pad + duration.
func (s Scan) CycleEstimate(padSeconds float64) float64 {
	return 2*padSeconds + s.Duration
}

// SolarMultiple expresses the slew rate as a multiple of the sidereal
// rate, taking the measured sun width as 0.5 degree.
func (s Scan) SolarMultiple() float64 {
	degPerSec := s.RatePxPerSec * SunDiameterDeg / s.SunWidthPx
	return degPerSec / SiderealDegPerSec
}

// Seconds converts a float second count to a time.Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Wait sleeps for d or until ctx is done, whichever comes first.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Package edge finds the solar limb from scalar brightness samples.
//
// The detector looks at a fixed 100×100 region centered in the ROI and
// compares its mean to a baseline. Below 10% of the baseline the slit is
// off the disk. There is no hysteresis: a single sample decides.
package edge

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/cjeanneret/shgscan/internal/debug"
	"github.com/cjeanneret/shgscan/internal/hw/camera"
)

const (
	// LimbThreshold is the brightness ratio below which the slit is off the disk.
	LimbThreshold = 0.10

	// RegionSize is the side of the central sampling square.
	RegionSize = 100

	// WindowWidth is the width of the column windows used to measure the sun.
	WindowWidth = 10

	// DefaultSunWidth is used when a limb is outside the frame.
	DefaultSunWidth = 2300
)

var (
	ErrROITooSmall   = errors.New("capture ROI must be at least 100x100 pixels")
	ErrSunNotInFrame = errors.New("sun is not in frame")
)

// IsAtLimb reports whether a brightness ratio is off the disk.
func IsAtLimb(ratio float64) bool {
	return ratio < LimbThreshold
}

// CenterRegion returns the RegionSize square centered in bounds.
func CenterRegion(bounds image.Rectangle) (image.Rectangle, error) {
	if bounds.Dx() < RegionSize || bounds.Dy() < RegionSize {
		return image.Rectangle{}, fmt.Errorf("%w: got %dx%d", ErrROITooSmall, bounds.Dx(), bounds.Dy())
	}
	x0 := bounds.Min.X + (bounds.Dx()-RegionSize)/2
	y0 := bounds.Min.Y + (bounds.Dy()-RegionSize)/2
	return image.Rect(x0, y0, x0+RegionSize, y0+RegionSize), nil
}

// RegionMean returns the mean raw pixel value inside r.
func RegionMean(f *camera.Frame, r image.Rectangle) float64 {
	r = r.Intersect(f.Bounds())
	if r.Empty() {
		return 0
	}
	vals := make([]float64, 0, r.Dx()*r.Dy())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			vals = append(vals, float64(f.Value(x, y)))
		}
	}
	return stat.Mean(vals, nil)
}

// Detector normalizes region means against a session baseline.
type Detector struct {
	mu       sync.RWMutex
	baseline float64
}

// NewDetector returns a detector with the given baseline (raw pixel units).
// A baseline <= 0 means full scale.
func NewDetector(baseline float64) *Detector {
	d := &Detector{}
	d.SetBaseline(baseline)
	return d
}

func (d *Detector) Baseline() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.baseline
}

func (d *Detector) SetBaseline(v float64) {
	if v <= 0 {
		v = camera.MaxBrightness
	}
	d.mu.Lock()
	d.baseline = v
	d.mu.Unlock()
}

func (d *Detector) ratio(mean float64) float64 {
	r := mean / d.Baseline()
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// SampleBrightness returns the central region mean as a fraction of the
// baseline, clamped to [0,1].
func (d *Detector) SampleBrightness(f *camera.Frame) (float64, error) {
	r, err := CenterRegion(f.Bounds())
	if err != nil {
		return 0, err
	}
	return d.ratio(RegionMean(f, r)), nil
}

// Watcher tracks one slew across a limb. The limb counts as passed only
// after the center region was seen bright during the same slew.
type Watcher struct {
	det      *Detector
	interval int
	skip     int

	seenBright bool
	passed     bool
	lastRatio  float64
}

// Watch starts a new limb watch, evaluating one frame in every interval.
func (d *Detector) Watch(interval int) *Watcher {
	if interval < 1 {
		interval = 1
	}
	return &Watcher{det: d, interval: interval}
}

// Observe feeds one live frame and reports whether the limb has been passed.
func (w *Watcher) Observe(f *camera.Frame) (bool, error) {
	if w.passed {
		return true, nil
	}
	if w.skip > 0 {
		w.skip--
		return false, nil
	}
	w.skip = w.interval - 1

	ratio, err := w.det.SampleBrightness(f)
	if err != nil {
		return false, err
	}
	w.lastRatio = ratio
	atLimb := IsAtLimb(ratio)
	debug.Limb(ratio, atLimb)
	if !w.seenBright {
		w.seenBright = !atLimb
		return false, nil
	}
	w.passed = atLimb
	return w.passed, nil
}

// SeenBright reports whether the disk has been seen during this watch.
func (w *Watcher) SeenBright() bool { return w.seenBright }

// LastRatio returns the most recent evaluated brightness ratio.
func (w *Watcher) LastRatio() float64 { return w.lastRatio }

// Measurement is the result of measuring the sun in one frame.
type Measurement struct {
	WidthPx          float64
	DecenterPx       float64 // signed offset of the disk center from frame center, diagnostic
	CenterBrightness float64 // center region ratio against the previous baseline
	Baseline         float64 // raw baseline now in effect
	Fallback         bool    // a limb was outside the frame
}

// MeasureSun finds the first bright column window from each side of the
// frame. Width is the distance between them and the decenter is the offset
// of their midpoint from the frame center. If the whole frame is dark it
// fails and nothing changes. If either limb is outside the frame the
// width falls back to DefaultSunWidth. When the center region is on the
// disk its mean becomes the new baseline.
func (d *Detector) MeasureSun(f *camera.Frame) (Measurement, error) {
	b := f.Bounds()
	center, err := CenterRegion(b)
	if err != nil {
		return Measurement{}, err
	}
	if IsAtLimb(d.ratio(RegionMean(f, b))) {
		return Measurement{}, ErrSunNotInFrame
	}

	window := func(x int) image.Rectangle {
		return image.Rect(x, center.Min.Y, x+WindowWidth, center.Max.Y)
	}
	bright := func(x int) bool {
		return !IsAtLimb(d.ratio(RegionMean(f, window(x))))
	}

	last := b.Max.X - WindowWidth
	start, end := -1, -1
	for x := b.Min.X; x <= last; x++ {
		if bright(x) {
			start = x
			break
		}
	}
	for x := last; x >= b.Min.X; x-- {
		if bright(x) {
			end = x
			break
		}
	}

	m := Measurement{}
	if start > b.Min.X && end > b.Min.X && end < last {
		m.WidthPx = float64(end - start)
		m.DecenterPx = float64(start) + m.WidthPx/2 - float64(b.Min.X+b.Dx()/2)
	} else {
		m.WidthPx = DefaultSunWidth
		m.Fallback = true
	}

	centerMean := RegionMean(f, center)
	m.CenterBrightness = d.ratio(centerMean)
	if !IsAtLimb(m.CenterBrightness) {
		d.SetBaseline(centerMean)
	}
	m.Baseline = d.Baseline()
	debug.Info("MeasureSun: width=%.0f px decenter=%.0f px fallback=%v baseline=%.0f",
		m.WidthPx, m.DecenterPx, m.Fallback, m.Baseline)
	return m, nil
}

package scan

import (
	"github.com/cjeanneret/shgscan/internal/logic/timing"
)

// Telemetry is the operator-facing snapshot of the controller.
type Telemetry struct {
	RunID           string  `json:"run_id,omitempty"`
	Phase           string  `json:"phase"`
	Running         bool    `json:"running"`
	Cycle           int     `json:"cycle"`
	CyclesRequested int     `json:"cycles_requested"`
	Direction       string  `json:"direction"`
	Passes          int     `json:"passes"`
	SunWidthPx      float64 `json:"sun_width_px"`
	DecenterPx      float64 `json:"decenter_px"`
	FPS             float64 `json:"fps"`
	RatePxPerSec    float64 `json:"rate_px_per_sec"`
	DurationSeconds float64 `json:"duration_seconds"`
	CycleEstimate   float64 `json:"cycle_estimate_seconds"`
	SolarMultiple   float64 `json:"solar_multiple"`
	LastForward     float64 `json:"last_forward_seconds"`
	Polarity        string  `json:"polarity"`
	Brightness      float64 `json:"brightness"`
	Baseline        float64 `json:"baseline"`
	Fault           string  `json:"fault,omitempty"`
}

// Telemetry returns the current snapshot. Without a run in progress the
// derived timing comes from the settings and the last frame rate read.
func (c *Controller) Telemetry() Telemetry {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := Telemetry{
		Phase:           Idle.String(),
		Running:         c.busy,
		CyclesRequested: c.settings.Cycles,
		Direction:       Forward.String(),
		SunWidthPx:      c.settings.SunWidthPx,
		DecenterPx:      c.decenter,
		FPS:             c.lastFPS,
		Polarity:        c.bump.Polarity().String(),
		Brightness:      c.lastRatio,
		Baseline:        c.det.Baseline(),
	}
	pad := c.settings.SlewPadSeconds

	if r := c.run; r != nil {
		t.RunID = r.ID
		t.Phase = r.Phase.String()
		t.Cycle = r.Cycle
		t.CyclesRequested = r.Config.CyclesRequested
		t.Direction = r.Direction.String()
		t.Passes = r.Passes
		t.LastForward = r.LastForwardDuration.Seconds()
		if r.Err != nil {
			t.Fault = r.Err.Error()
		}
		if !r.Phase.Terminal() {
			t.SunWidthPx = r.Config.SunWidthPixels
			t.FPS = r.Config.FrameRateFps
			pad = r.Config.SlewPadSeconds
			t.fill(r.Scan, pad)
			return t
		}
	}
	if sc, err := timing.Compute(t.SunWidthPx, c.settings.ROIHeightPx, t.FPS); err == nil {
		t.fill(sc, pad)
	}
	return t
}

func (t *Telemetry) fill(sc timing.Scan, pad float64) {
	t.RatePxPerSec = sc.RatePxPerSec
	t.DurationSeconds = sc.Duration
	t.CycleEstimate = sc.CycleEstimate(pad)
	t.SolarMultiple = sc.SolarMultiple()
}

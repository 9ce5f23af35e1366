// Package sim is a kinematic stand-in for the telescope, the mount and the
// capture host. The sun is a uniform disk centered at the origin of the
// mount's coordinates; slews integrate position from wall-clock time, and
// frames are rendered on demand from the current position.
package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/shgscan/internal/debug"
	"github.com/cjeanneret/shgscan/internal/hw/mount"
)

// Call is one recorded mount command.
type Call struct {
	Op   string // "slew" or "stop"
	Axis mount.Axis
	Dir  mount.Direction
	Rate float64
	At   time.Time
}

// Mount is a simulated two-axis mount. Positions are in detector pixels.
type Mount struct {
	mu sync.Mutex

	pos    [2]float64 // indexed by mount.Axis
	moving bool
	axis   mount.Axis
	vel    float64 // signed px/s on axis
	since  time.Time

	calls     []Call
	failAfter int // fail the slew after this many successful ones; <0 never
	failErr   error
}

// NewMount returns a stopped mount at (ra, dec) pixels from the sun center.
func NewMount(ra, dec float64) *Mount {
	m := &Mount{failAfter: -1}
	m.pos[mount.RA] = ra
	m.pos[mount.Dec] = dec
	return m
}

// FailSlewAfter makes the (n+1)th slew from now fail with err.
func (m *Mount) FailSlewAfter(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	m.failErr = err
}

func (m *Mount) settle(now time.Time) {
	if m.moving {
		m.pos[m.axis] += m.vel * now.Sub(m.since).Seconds()
		m.since = now
	}
}

func (m *Mount) Slew(axis mount.Axis, dir mount.Direction, ratePxPerSec float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAfter == 0 {
		m.failAfter = -1
		return fmt.Errorf("sim mount: %w", m.failErr)
	}
	if m.failAfter > 0 {
		m.failAfter--
	}
	if ratePxPerSec <= 0 {
		return fmt.Errorf("sim mount: non-positive rate %.3f", ratePxPerSec)
	}
	now := time.Now()
	m.settle(now)
	m.moving = true
	m.axis = axis
	m.vel = float64(dir) * ratePxPerSec
	m.since = now
	m.calls = append(m.calls, Call{Op: "slew", Axis: axis, Dir: dir, Rate: ratePxPerSec, At: now})
	debug.Trace("Sim mount: slew %s %s %.1f px/s", axis, dir, ratePxPerSec)
	return nil
}

func (m *Mount) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.settle(now)
	m.moving = false
	m.vel = 0
	m.calls = append(m.calls, Call{Op: "stop", At: now})
	debug.Trace("Sim mount: stop at RA=%.1f Dec=%.1f", m.pos[mount.RA], m.pos[mount.Dec])
	return nil
}

// Position returns the current position on axis.
func (m *Mount) Position(axis mount.Axis) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settle(time.Now())
	return m.pos[axis]
}

// Moving reports whether a slew is in progress.
func (m *Mount) Moving() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moving
}

// Calls returns a copy of the command log.
func (m *Mount) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// follower sends every command to a hardware mount and mirrors it onto a
// simulated one, so a simulated camera sees the commanded motion.
type follower struct {
	hw     mount.Mount
	shadow *Mount
}

// Follow returns a Mount that drives hw and keeps shadow in step. The
// shadow only moves when hw accepted the command.
func Follow(hw mount.Mount, shadow *Mount) mount.Mount {
	return &follower{hw: hw, shadow: shadow}
}

func (f *follower) Slew(axis mount.Axis, dir mount.Direction, ratePxPerSec float64) error {
	if err := f.hw.Slew(axis, dir, ratePxPerSec); err != nil {
		return err
	}
	return f.shadow.Slew(axis, dir, ratePxPerSec)
}

func (f *follower) Stop() error {
	err := f.hw.Stop()
	if serr := f.shadow.Stop(); err == nil {
		err = serr
	}
	return err
}

// Package bump issues short corrective slews on the axis that is not
// being scanned, to walk the disk back onto the slit between cycles.
package bump

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/shgscan/internal/debug"
	"github.com/cjeanneret/shgscan/internal/hw/mount"
	"github.com/cjeanneret/shgscan/internal/logic/timing"
)

// SiderealArcsecPerSec is the apparent drift rate of the sky.
const SiderealArcsecPerSec = 15.041

// Magnitude selects the bump duration.
type Magnitude int

const (
	Quarter Magnitude = iota
	Half
)

// Duration is 0.25 s for Quarter and 0.5 s for Half.
func (m Magnitude) Duration() time.Duration {
	if m == Half {
		return 500 * time.Millisecond
	}
	return 250 * time.Millisecond
}

func (m Magnitude) String() string {
	if m == Half {
		return "half"
	}
	return "quarter"
}

// ParseMagnitude accepts "quarter" or "half".
func ParseMagnitude(s string) (Magnitude, error) {
	switch s {
	case "quarter", "q", "0.25":
		return Quarter, nil
	case "half", "h", "0.5":
		return Half, nil
	}
	return 0, fmt.Errorf("unknown bump magnitude %q", s)
}

// ParseDirection accepts "negative"/"neg"/"-" or "positive"/"pos"/"+".
func ParseDirection(s string) (mount.Direction, error) {
	switch s {
	case "negative", "neg", "-":
		return mount.Negative, nil
	case "positive", "pos", "+":
		return mount.Positive, nil
	}
	return 0, fmt.Errorf("unknown bump direction %q", s)
}

// Polarity maps requested bump directions to mount directions.
type Polarity int

const (
	Normal Polarity = iota
	Swapped
)

func (p Polarity) String() string {
	if p == Swapped {
		return "swapped"
	}
	return "normal"
}

// RatePxPerSec converts a sidereal multiple to a detector rate, using the
// measured sun width as the plate scale.
func RatePxPerSec(siderealMultiple, sunWidthPx float64) float64 {
	return siderealMultiple * SiderealArcsecPerSec * sunWidthPx / mount.SolarDiameterArcsec
}

// Corrector issues bump slews. Polarity is the only state it keeps.
type Corrector struct {
	mount mount.Mount

	mu       sync.Mutex
	polarity Polarity
}

func New(m mount.Mount, swapped bool) *Corrector {
	c := &Corrector{mount: m}
	if swapped {
		c.polarity = Swapped
	}
	return c
}

func (c *Corrector) Polarity() Polarity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polarity
}

// SwapPolarity toggles the direction mapping and returns the new polarity.
func (c *Corrector) SwapPolarity() Polarity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.polarity == Normal {
		c.polarity = Swapped
	} else {
		c.polarity = Normal
	}
	debug.Live("Bump polarity now %s", c.polarity)
	return c.polarity
}

// Bump slews the axis perpendicular to scanAxis for mag.Duration(), then
// stops. The mount is stopped even when ctx ends the wait early.
func (c *Corrector) Bump(ctx context.Context, scanAxis mount.Axis, dir mount.Direction, mag Magnitude, ratePxPerSec float64) error {
	axis := scanAxis.Other()
	actual := dir
	if c.Polarity() == Swapped {
		actual = dir.Reverse()
	}
	debug.Live("Bump %s %s on %s (%s)", dir, mag, axis, actual)
	debug.Slew(axis.String(), actual.String(), ratePxPerSec)
	if err := c.mount.Slew(axis, actual, ratePxPerSec); err != nil {
		return fmt.Errorf("bump slew: %w", err)
	}
	waitErr := timing.Wait(ctx, mag.Duration())
	if err := c.mount.Stop(); err != nil {
		return fmt.Errorf("bump stop: %w", err)
	}
	return waitErr
}

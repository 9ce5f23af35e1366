// Package mount describes the telescope mount seen by the scan controller:
// constant-rate slews on one axis at a time, and a stop.
//
// Rates are expressed in detector pixels per second, the unit the slew
// timing calculator produces. Each driver converts to its own angular rate
// using the plate scale (arcseconds per pixel).
package mount

import "fmt"

// Axis is a mount axis.
type Axis int

const (
	RA Axis = iota
	Dec
)

func (a Axis) String() string {
	switch a {
	case RA:
		return "RA"
	case Dec:
		return "Dec"
	default:
		return fmt.Sprintf("Axis(%d)", int(a))
	}
}

// Other returns the perpendicular axis.
func (a Axis) Other() Axis {
	if a == RA {
		return Dec
	}
	return RA
}

// Direction is the sign of a slew on an axis.
type Direction int

const (
	Positive Direction = 1
	Negative Direction = -1
)

func (d Direction) String() string {
	if d == Negative {
		return "negative"
	}
	return "positive"
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == Negative {
		return Positive
	}
	return Negative
}

// Mount is the consumed mount interface.
type Mount interface {
	// Slew starts a constant-rate move on axis. It returns once the command
	// has been accepted; motion continues until Stop.
	Slew(axis Axis, dir Direction, ratePxPerSec float64) error

	// Stop halts any slew and resumes tracking.
	Stop() error
}

// SolarDiameterArcsec is the mean apparent diameter of the Sun.
const SolarDiameterArcsec = 1919.0

// DegreesPerSecond converts a detector rate to an angular rate.
func DegreesPerSecond(ratePxPerSec, arcsecPerPixel float64) float64 {
	return ratePxPerSec * arcsecPerPixel / 3600.0
}

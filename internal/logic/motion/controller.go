package motion

import (
	"fmt"

	"github.com/cjeanneret/shgscan/internal/debug"
	"github.com/cjeanneret/shgscan/internal/hw/mount"
	"github.com/cjeanneret/shgscan/internal/hw/stepper"
)

const arcsecPerRev = 360.0 * 3600.0

// Controller is a mount built from two stepper axes (RA and Dec) on a
// worm or belt reduction. It implements mount.Mount: pixel rates are
// turned into step rates via the plate scale and the gearing.
type Controller struct {
	ra  *stepper.Stepper
	dec *stepper.Stepper

	arcsecPerPixel float64
	raGear         float64
	decGear        float64
}

// NewController creates a stepper mount. gear ratios are motor revolutions
// per axis revolution; values <= 0 mean direct drive.
func NewController(ra, dec *stepper.Stepper, arcsecPerPixel, raGear, decGear float64) *Controller {
	if raGear <= 0 {
		raGear = 1
	}
	if decGear <= 0 {
		decGear = 1
	}
	return &Controller{
		ra:             ra,
		dec:            dec,
		arcsecPerPixel: arcsecPerPixel,
		raGear:         raGear,
		decGear:        decGear,
	}
}

func (c *Controller) axis(a mount.Axis) (*stepper.Stepper, float64, error) {
	switch a {
	case mount.RA:
		return c.ra, c.raGear, nil
	case mount.Dec:
		return c.dec, c.decGear, nil
	}
	return nil, 0, fmt.Errorf("motion: unknown axis %v", a)
}

// StepsPerSecond converts a detector rate on axis a to a step rate.
func (c *Controller) StepsPerSecond(a mount.Axis, ratePxPerSec float64) (float64, error) {
	s, gear, err := c.axis(a)
	if err != nil {
		return 0, err
	}
	arcsecPerStep := arcsecPerRev / (float64(s.MicrostepsPerRev()) * gear)
	return ratePxPerSec * c.arcsecPerPixel / arcsecPerStep, nil
}

// Slew runs one axis at a constant rate. The other axis is stopped first
// so only one axis is ever moving.
func (c *Controller) Slew(a mount.Axis, dir mount.Direction, ratePxPerSec float64) error {
	if ratePxPerSec <= 0 {
		return fmt.Errorf("motion: non-positive slew rate %.3f px/s", ratePxPerSec)
	}
	s, _, err := c.axis(a)
	if err != nil {
		return err
	}
	other, _, _ := c.axis(a.Other())
	if err := other.Stop(); err != nil {
		return err
	}
	sps, err := c.StepsPerSecond(a, ratePxPerSec)
	if err != nil {
		return err
	}
	debug.Trace("Motion: %s %s %.3f px/s = %.1f steps/s", a, dir, ratePxPerSec, sps)
	return s.Run(sps * float64(dir))
}

// Stop halts both axes, even when the first reports a fault.
func (c *Controller) Stop() error {
	raErr := c.ra.Stop()
	decErr := c.dec.Stop()
	if raErr != nil {
		return raErr
	}
	return decErr
}

// Position returns the microstep counters of both axes.
func (c *Controller) Position() (ra, dec int64) {
	return c.ra.Position(), c.dec.Position()
}

// EnableMotors turns on both stepper drivers (motors hold position).
func (c *Controller) EnableMotors() error {
	if err := c.ra.Enable(); err != nil {
		return err
	}
	return c.dec.Enable()
}

// DisableMotors turns off both stepper drivers (motors freewheel).
func (c *Controller) DisableMotors() error {
	if err := c.ra.Disable(); err != nil {
		return err
	}
	return c.dec.Disable()
}

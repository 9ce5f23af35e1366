package motion

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/cjeanneret/shgscan/internal/hw/gpio"
	"github.com/cjeanneret/shgscan/internal/hw/mount"
	"github.com/cjeanneret/shgscan/internal/hw/stepper"
)

var _ mount.Mount = (*Controller)(nil)

func newMockStepper(drv *gpio.MockDriver, step, dir, enable int) *stepper.Stepper {
	return stepper.NewStepper(drv, stepper.Config{
		StepPin:       step,
		DirPin:        dir,
		EnablePin:     enable,
		StepsPerRev:   200,
		Microstepping: 16,
		MaxStepRate:   20000,
	})
}

func newTestController() (*Controller, *gpio.MockDriver) {
	drv := gpio.NewMockDriver()
	ra := newMockStepper(drv, 1, 2, 3)
	dec := newMockStepper(drv, 4, 5, 6)
	// 3200 microsteps/rev, 100:1 worm = 4.05 "/step; 0.81 "/px = 0.2 step/px
	return NewController(ra, dec, 0.81, 100, 100), drv
}

func TestController_StepsPerSecond(t *testing.T) {
	c, _ := newTestController()
	got, err := c.StepsPerSecond(mount.RA, 1000)
	if err != nil {
		t.Fatalf("StepsPerSecond: %v", err)
	}
	if math.Abs(got-200) > 1e-9 {
		t.Errorf("StepsPerSecond(RA, 1000) = %v, want 200", got)
	}
}

func TestController_SlewDirection(t *testing.T) {
	cases := []struct {
		name    string
		axis    mount.Axis
		dir     mount.Direction
		dirPin  int
		want    gpio.Level
		moving  func(ra, dec int64) int64
		wantPos bool
	}{
		{"ra_positive", mount.RA, mount.Positive, 2, gpio.High, func(ra, _ int64) int64 { return ra }, true},
		{"ra_negative", mount.RA, mount.Negative, 2, gpio.Low, func(ra, _ int64) int64 { return ra }, false},
		{"dec_positive", mount.Dec, mount.Positive, 5, gpio.High, func(_, dec int64) int64 { return dec }, true},
		{"dec_negative", mount.Dec, mount.Negative, 5, gpio.Low, func(_, dec int64) int64 { return dec }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, drv := newTestController()
			if err := c.Slew(tc.axis, tc.dir, 10000); err != nil {
				t.Fatalf("Slew: %v", err)
			}
			time.Sleep(30 * time.Millisecond)
			if err := c.Stop(); err != nil {
				t.Fatalf("Stop: %v", err)
			}
			if got := drv.PinLevel(tc.dirPin); got != tc.want {
				t.Errorf("dir pin = %v, want %v", got, tc.want)
			}
			pos := tc.moving(c.Position())
			if tc.wantPos && pos <= 0 {
				t.Errorf("position = %d, want > 0", pos)
			}
			if !tc.wantPos && pos >= 0 {
				t.Errorf("position = %d, want < 0", pos)
			}
		})
	}
}

func TestController_SlewStopsOtherAxis(t *testing.T) {
	c, _ := newTestController()
	if err := c.Slew(mount.RA, mount.Positive, 1000); err != nil {
		t.Fatalf("Slew RA: %v", err)
	}
	if err := c.Slew(mount.Dec, mount.Positive, 1000); err != nil {
		t.Fatalf("Slew Dec: %v", err)
	}
	if c.ra.Running() {
		t.Error("RA should stop when Dec starts")
	}
	if !c.dec.Running() {
		t.Error("Dec should be running")
	}
	_ = c.Stop()
	if c.dec.Running() {
		t.Error("Stop should halt Dec")
	}
}

func TestController_RejectsBadRate(t *testing.T) {
	c, _ := newTestController()
	if err := c.Slew(mount.RA, mount.Positive, 0); err == nil {
		t.Error("expected error for zero rate")
	}
	// 1e6 px/s = 200000 steps/s > 20000 limit
	if err := c.Slew(mount.RA, mount.Positive, 1e6); err == nil {
		t.Error("expected error above the stepper rate limit")
	}
}

func TestController_EnableDisableMotors(t *testing.T) {
	c, drv := newTestController()
	if err := c.DisableMotors(); err != nil {
		t.Fatalf("DisableMotors: %v", err)
	}
	if drv.PinLevel(3) != gpio.High || drv.PinLevel(6) != gpio.High {
		t.Error("enable pins should be HIGH when disabled")
	}
	if err := c.EnableMotors(); err != nil {
		t.Fatalf("EnableMotors: %v", err)
	}
	if drv.PinLevel(3) != gpio.Low || drv.PinLevel(6) != gpio.Low {
		t.Error("enable pins should be LOW when enabled")
	}
}

// stuckPinDriver fails every HIGH write to one pin.
type stuckPinDriver struct {
	*gpio.MockDriver
	pin int
}

var errStuck = errors.New("pin stuck")

func (d stuckPinDriver) WritePin(pin int, level gpio.Level) error {
	if pin == d.pin && level == gpio.High {
		return errStuck
	}
	return d.MockDriver.WritePin(pin, level)
}

func TestController_StalledAxisFailsStop(t *testing.T) {
	drv := stuckPinDriver{MockDriver: gpio.NewMockDriver(), pin: 1}
	cfg := stepper.Config{StepsPerRev: 200, Microstepping: 16, MaxStepRate: 20000}
	raCfg, decCfg := cfg, cfg
	raCfg.StepPin, raCfg.DirPin = 1, 2
	decCfg.StepPin, decCfg.DirPin = 4, 5
	c := NewController(stepper.NewStepper(drv, raCfg), stepper.NewStepper(drv, decCfg), 0.81, 100, 100)

	if err := c.Slew(mount.RA, mount.Positive, 10000); err != nil {
		t.Fatalf("Slew: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := c.Stop(); !errors.Is(err, errStuck) {
		t.Errorf("Stop err = %v, want the stalled axis fault", err)
	}
	if c.ra.Running() || c.dec.Running() {
		t.Error("both axes should be stopped")
	}
}

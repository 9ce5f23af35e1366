package stepper

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/shgscan/internal/debug"
	"github.com/cjeanneret/shgscan/internal/hw/gpio"
)

// Config holds the hardware configuration for a stepper motor.
type Config struct {
	StepPin       int
	DirPin        int
	EnablePin     int // A4988 ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	StepsPerRev   int
	Microstepping int
	MaxStepRate   float64 // steps per second; 0 = 4000
}

// Stepper runs one motor at a constant step rate until told to stop.
// A mount axis slews by pulsing STEP from a background goroutine; the
// position counter is the signed number of microsteps issued.
type Stepper struct {
	gpio gpio.Driver
	cfg  Config

	mu       sync.Mutex
	stop     chan struct{}
	done     chan struct{}
	position int64
	fault    error // pulse write failure, reported by the next Run or Stop
}

// NewStepper creates a new stepper motor controller and enables the driver.
func NewStepper(g gpio.Driver, cfg Config) *Stepper {
	_ = g.SetupPin(cfg.StepPin, gpio.Output)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)
	if cfg.MaxStepRate <= 0 {
		cfg.MaxStepRate = 4000
	}

	s := &Stepper{
		gpio: g,
		cfg:  cfg,
	}

	// A4988 ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
		_ = g.WritePin(cfg.EnablePin, gpio.Low)
	}
	return s
}

// MicrostepsPerRev returns the number of microsteps for one output revolution.
func (s *Stepper) MicrostepsPerRev() int {
	return s.cfg.StepsPerRev * s.cfg.Microstepping
}

// Run starts pulsing at stepsPerSecond; the sign selects the direction.
// Any previous run is stopped first.
func (s *Stepper) Run(stepsPerSecond float64) error {
	if err := s.Stop(); err != nil {
		return err
	}
	if stepsPerSecond == 0 {
		return nil
	}
	rate := math.Abs(stepsPerSecond)
	if rate > s.cfg.MaxStepRate {
		return fmt.Errorf("step rate %.1f exceeds limit %.1f", rate, s.cfg.MaxStepRate)
	}

	dir, sign := gpio.High, int64(1)
	if stepsPerSecond < 0 {
		dir, sign = gpio.Low, -1
	}
	if err := s.gpio.WritePin(s.cfg.DirPin, dir); err != nil {
		return err
	}

	half := time.Duration(float64(time.Second) / rate / 2)
	if half <= 0 {
		half = time.Microsecond
	}
	debug.Verbose("Stepper: running %.1f steps/s on pin %d", stepsPerSecond, s.cfg.StepPin)

	stop := make(chan struct{})
	done := make(chan struct{})
	s.mu.Lock()
	s.stop, s.done = stop, done
	s.mu.Unlock()

	go s.pulse(half, sign, stop, done)
	return nil
}

func (s *Stepper) pulse(half time.Duration, sign int64, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(half)
	defer ticker.Stop()

	high := false
	for {
		select {
		case <-stop:
			if high {
				_ = s.gpio.WritePin(s.cfg.StepPin, gpio.Low)
			}
			return
		case <-ticker.C:
		}
		high = !high
		if err := s.gpio.WritePin(s.cfg.StepPin, gpio.Level(high)); err != nil {
			err = fmt.Errorf("stepper pin %d: %w", s.cfg.StepPin, err)
			debug.Error(err)
			s.mu.Lock()
			s.fault = err
			s.mu.Unlock()
			return
		}
		if high {
			s.mu.Lock()
			s.position += sign
			s.mu.Unlock()
		}
	}
}

// Stop halts pulsing and waits for the pulse goroutine to exit. If the
// goroutine died on a GPIO write, that error is returned once.
func (s *Stepper) Stop() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.fault
	s.fault = nil
	return err
}

// Running reports whether a pulse goroutine is still stepping.
func (s *Stepper) Running() bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Position returns the signed microstep count since creation.
func (s *Stepper) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Enable turns on the motor driver (A4988 ENABLE=LOW). Motors hold position.
func (s *Stepper) Enable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (A4988 ENABLE=HIGH). Motors freewheel.
func (s *Stepper) Disable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.High)
}

package stepper

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/shgscan/internal/hw/gpio"
)

// recordingDriver records GPIO calls for verification.
type recordingDriver struct {
	mu    sync.Mutex
	calls []gpioCall
}

type gpioCall struct {
	op    string // "setup", "write"
	pin   int
	level gpio.Level
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) {
	return gpio.Low, nil
}

func (d *recordingDriver) Close() error {
	return nil
}

func (d *recordingDriver) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

func (d *recordingDriver) writeCallsForPin(pin int) []gpioCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" && c.pin == pin {
			result = append(result, c)
		}
	}
	return result
}

// failingDriver refuses to raise one pin.
type failingDriver struct {
	recordingDriver
	pin int
	err error
}

func (d *failingDriver) WritePin(pin int, level gpio.Level) error {
	if pin == d.pin && level == gpio.High {
		return d.err
	}
	return d.recordingDriver.WritePin(pin, level)
}

func testConfig() Config {
	return Config{
		StepPin:       17,
		DirPin:        27,
		EnablePin:     5,
		StepsPerRev:   200,
		Microstepping: 16,
		MaxStepRate:   20000,
	}
}

func TestStepper_RunForwardSetsDirHighAndCounts(t *testing.T) {
	drv := &recordingDriver{}
	s := NewStepper(drv, testConfig())
	drv.reset()

	if err := s.Run(2000); err != nil {
		t.Fatalf("Run: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	dir := drv.writeCallsForPin(27)
	if len(dir) != 1 || dir[0].level != gpio.High {
		t.Errorf("dir writes = %v, want one HIGH", dir)
	}
	if s.Position() <= 0 {
		t.Errorf("position = %d, want > 0 after forward run", s.Position())
	}
}

func TestStepper_RunBackwardCountsNegative(t *testing.T) {
	drv := &recordingDriver{}
	s := NewStepper(drv, testConfig())
	drv.reset()

	if err := s.Run(-2000); err != nil {
		t.Fatalf("Run: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	dir := drv.writeCallsForPin(27)
	if len(dir) != 1 || dir[0].level != gpio.Low {
		t.Errorf("dir writes = %v, want one LOW", dir)
	}
	if s.Position() >= 0 {
		t.Errorf("position = %d, want < 0 after backward run", s.Position())
	}
}

func TestStepper_StopLeavesStepPinLow(t *testing.T) {
	drv := &recordingDriver{}
	s := NewStepper(drv, testConfig())
	drv.reset()

	s.Run(1000)
	time.Sleep(10 * time.Millisecond)
	s.Stop()

	calls := drv.writeCallsForPin(17)
	if len(calls) == 0 {
		t.Fatal("expected step pin writes")
	}
	if last := calls[len(calls)-1]; last.level != gpio.Low {
		t.Error("step pin should end LOW after Stop")
	}
	if s.Running() {
		t.Error("Running() should be false after Stop")
	}
}

func TestStepper_RunZeroIsStop(t *testing.T) {
	drv := &recordingDriver{}
	s := NewStepper(drv, testConfig())
	drv.reset()

	if err := s.Run(0); err != nil {
		t.Fatalf("Run(0): %v", err)
	}
	if s.Running() {
		t.Error("Run(0) should not start pulsing")
	}
	if n := len(drv.writeCallsForPin(17)); n != 0 {
		t.Errorf("Run(0) wrote %d step pulses", n)
	}
}

func TestStepper_RateLimit(t *testing.T) {
	drv := &recordingDriver{}
	cfg := testConfig()
	cfg.MaxStepRate = 100
	s := NewStepper(drv, cfg)

	if err := s.Run(500); err == nil {
		s.Stop()
		t.Fatal("expected error above MaxStepRate")
	}
}

func TestStepper_StopWithoutRun(t *testing.T) {
	s := NewStepper(&recordingDriver{}, testConfig())
	if err := s.Stop(); err != nil {
		t.Errorf("Stop without Run: %v", err)
	}
}

func TestStepper_EnableDisable(t *testing.T) {
	drv := &recordingDriver{}
	s := NewStepper(drv, testConfig())
	drv.reset()

	if err := s.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	enableCalls := drv.writeCallsForPin(5)
	if len(enableCalls) != 1 || enableCalls[0].level != gpio.Low {
		t.Errorf("Enable should write LOW to enable pin, got %v", enableCalls)
	}

	drv.reset()
	if err := s.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	disableCalls := drv.writeCallsForPin(5)
	if len(disableCalls) != 1 || disableCalls[0].level != gpio.High {
		t.Errorf("Disable should write HIGH to enable pin, got %v", disableCalls)
	}
}

func TestStepper_EnableDisable_NoEnablePin(t *testing.T) {
	drv := &recordingDriver{}
	cfg := testConfig()
	cfg.EnablePin = 0
	s := NewStepper(drv, cfg)
	drv.reset()

	s.Enable()
	s.Disable()
	if n := len(drv.writeCallsForPin(0)); n != 0 {
		t.Errorf("with EnablePin=0, Enable/Disable should produce no GPIO calls, got %d", n)
	}
}

func TestStepper_DefaultMaxStepRate(t *testing.T) {
	cfg := testConfig()
	cfg.MaxStepRate = 0
	s := NewStepper(&recordingDriver{}, cfg)
	if s.cfg.MaxStepRate != 4000 {
		t.Errorf("default MaxStepRate = %v, want 4000", s.cfg.MaxStepRate)
	}
	if got := s.MicrostepsPerRev(); got != 3200 {
		t.Errorf("MicrostepsPerRev = %d, want 3200", got)
	}
}

func TestStepper_MockDriverCountsPulses(t *testing.T) {
	drv := gpio.NewMockDriver()
	s := NewStepper(drv, testConfig())

	if err := s.Run(-1000); err != nil {
		t.Fatalf("Run: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	pos := s.Position()
	if pos >= 0 {
		t.Fatalf("position = %d, want negative after a reverse run", pos)
	}
	if got := drv.Rises(testConfig().StepPin); int64(got) != -pos {
		t.Errorf("step pin rises = %d, want %d", got, -pos)
	}
	if drv.PinLevel(testConfig().DirPin) != gpio.Low {
		t.Error("DIR should be LOW for a reverse run")
	}
	if drv.PinLevel(testConfig().StepPin) != gpio.Low {
		t.Error("STEP should be left LOW after Stop")
	}
}

func TestStepper_PulseFaultReportedOnStop(t *testing.T) {
	cfg := testConfig()
	drv := &failingDriver{pin: cfg.StepPin, err: errors.New("gpio unmapped")}
	s := NewStepper(drv, cfg)

	if err := s.Run(2000); err != nil {
		t.Fatalf("Run: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for s.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.Running() {
		t.Fatal("stepper still reports running after a failed pulse")
	}
	if s.Position() != 0 {
		t.Errorf("position = %d, want 0", s.Position())
	}

	err := s.Stop()
	if !errors.Is(err, drv.err) {
		t.Fatalf("Stop err = %v, want the pulse fault", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("fault reported twice: %v", err)
	}
}

func TestStepper_PulseFaultReportedOnNextRun(t *testing.T) {
	cfg := testConfig()
	drv := &failingDriver{pin: cfg.StepPin, err: errors.New("gpio unmapped")}
	s := NewStepper(drv, cfg)

	if err := s.Run(2000); err != nil {
		t.Fatalf("Run: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := s.Run(-2000); !errors.Is(err, drv.err) {
		t.Errorf("second Run err = %v, want the pulse fault", err)
	}
	if s.Running() {
		t.Error("Run should not start a new pulse train after a fault")
	}
}

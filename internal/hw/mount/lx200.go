package mount

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"

	"github.com/cjeanneret/shgscan/internal/debug"
)

// ErrNotConnected is returned when a command is sent before Open.
var ErrNotConnected = errors.New("mount: serial link not open")

// LX200Config configures a mount speaking the Meade LX200 / Autostar
// serial command set.
type LX200Config struct {
	Device         string        // e.g. /dev/ttyUSB0, COM3
	Baud           int           // 9600 for most hand controllers
	ReadTimeout    time.Duration // serial read timeout
	ArcsecPerPixel float64       // plate scale along the slit
	MaxDegPerSec   float64       // refuse slews faster than this; 0 = 8
}

// LX200 drives a mount with ":RA/:RE" variable-rate commands and the
// ":Mx#" / ":Q#" move and quit commands. Motion commands are never
// retried; only opening the port backs off.
type LX200 struct {
	cfg LX200Config

	// Dial opens the link. Defaults to tarm/serial; tests swap it.
	Dial func() (io.ReadWriteCloser, error)

	mu   sync.Mutex
	port io.ReadWriteCloser
}

// NewLX200 returns an unopened LX200 mount.
func NewLX200(cfg LX200Config) *LX200 {
	if cfg.Baud <= 0 {
		cfg.Baud = 9600
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.MaxDegPerSec <= 0 {
		cfg.MaxDegPerSec = 8
	}
	m := &LX200{cfg: cfg}
	m.Dial = func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(&serial.Config{
			Name:        cfg.Device,
			Baud:        cfg.Baud,
			ReadTimeout: cfg.ReadTimeout,
		})
	}
	return m
}

// Open opens the serial port with exponential backoff. Hand controllers
// that were just powered on often refuse the first attempts.
func (m *LX200) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	op := func() error {
		port, err := m.Dial()
		if err != nil {
			lastErr = err
			if strings.Contains(strings.ToLower(err.Error()), "no such file") {
				return nil // device missing, stop retrying
			}
			return err
		}
		m.port = port
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      5 * time.Second,
		Clock:               backoff.SystemClock})
	if m.port == nil {
		if lastErr == nil {
			lastErr = err
		}
		return fmt.Errorf("open mount %s: %w", m.cfg.Device, lastErr)
	}
	debug.Info("Mount: LX200 link open on %s @ %d baud", m.cfg.Device, m.cfg.Baud)
	return nil
}

// Close closes the serial port.
func (m *LX200) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port == nil {
		return nil
	}
	err := m.port.Close()
	m.port = nil
	return err
}

func (m *LX200) send(cmd string) error {
	if m.port == nil {
		return ErrNotConnected
	}
	debug.Serial("tx", []byte(cmd))
	if _, err := m.port.Write([]byte(cmd)); err != nil {
		return fmt.Errorf("mount command %s: %w", cmd, err)
	}
	return nil
}

// Slew sets the axis rate then starts the move.
func (m *LX200) Slew(axis Axis, dir Direction, ratePxPerSec float64) error {
	deg := DegreesPerSecond(ratePxPerSec, m.cfg.ArcsecPerPixel)
	if deg <= 0 {
		return fmt.Errorf("mount: non-positive slew rate %.4f deg/s", deg)
	}
	if deg > m.cfg.MaxDegPerSec {
		return fmt.Errorf("mount: slew rate %.4f deg/s exceeds limit %.1f", deg, m.cfg.MaxDegPerSec)
	}

	var rateCmd, moveCmd string
	switch axis {
	case RA:
		rateCmd = fmt.Sprintf(":RA%.4f#", deg)
		moveCmd = ":Me#"
		if dir == Negative {
			moveCmd = ":Mw#"
		}
	case Dec:
		rateCmd = fmt.Sprintf(":RE%.4f#", deg)
		moveCmd = ":Mn#"
		if dir == Negative {
			moveCmd = ":Ms#"
		}
	default:
		return fmt.Errorf("mount: unknown axis %v", axis)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.send(rateCmd); err != nil {
		return err
	}
	return m.send(moveCmd)
}

// Stop sends ":Q#", halting all slews.
func (m *LX200) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.send(":Q#")
}

package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cjeanneret/shgscan/internal/debug"
	"github.com/cjeanneret/shgscan/internal/hw/camera"
	"github.com/cjeanneret/shgscan/internal/hw/mount"
	"github.com/cjeanneret/shgscan/internal/logic/timing"
)

// CameraConfig describes the simulated optics and detector.
type CameraConfig struct {
	FrameWidth int     // pixels along the slit
	ROIHeight  int     // pixels across the slit
	FPS        float64 // host frame rate
	SunWidthPx float64 // disk diameter in pixels
	ScanAxis   mount.Axis

	Brightness uint16 // disk level; 0 = 30000
	Background uint16 // sky level; 0 = 200

	WriteDelay time.Duration // time StopCapture spends "writing"
	HideFPS    bool          // status line without an fps field
	RecordDir  string        // write a FITS spectroheliogram per capture when set
}

// Camera renders frames from the position of a simulated Mount.
type Camera struct {
	cfg   CameraConfig
	mount *Mount
	start time.Time

	mu        sync.Mutex
	seq       uint64
	format    camera.PixelFormat
	container camera.Container
	capturing bool
	captured  int
	rows      [][]uint16 // one slit profile per captured frame

	starts, stops int
	startErr      error
	stopErr       error
	files         []string
}

// NewCamera returns a previewing camera looking through m.
func NewCamera(cfg CameraConfig, m *Mount) *Camera {
	if cfg.Brightness == 0 {
		cfg.Brightness = 30000
	}
	if cfg.Background == 0 {
		cfg.Background = 200
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 100
	}
	return &Camera{cfg: cfg, mount: m, start: time.Now()}
}

// FailStart makes the next StartCapture fail with err.
func (c *Camera) FailStart(err error) {
	c.mu.Lock()
	c.startErr = err
	c.mu.Unlock()
}

// FailStop makes the next StopCapture fail with err.
func (c *Camera) FailStop(err error) {
	c.mu.Lock()
	c.stopErr = err
	c.mu.Unlock()
}

func (c *Camera) SetFormat(format camera.PixelFormat, container camera.Container) error {
	if format != camera.MONO16 {
		return fmt.Errorf("sim camera: unsupported pixel format %q", format)
	}
	if container != camera.SER {
		return fmt.Errorf("sim camera: unsupported container %q", container)
	}
	c.mu.Lock()
	c.format, c.container = format, container
	c.mu.Unlock()
	return nil
}

// Format returns the last format set.
func (c *Camera) Format() (camera.PixelFormat, camera.Container) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.format, c.container
}

func (c *Camera) StartCapture() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.startErr; err != nil {
		c.startErr = nil
		return err
	}
	if c.capturing {
		return errors.New("sim camera: capture already running")
	}
	c.capturing = true
	c.captured = 0
	c.rows = nil
	c.starts++
	debug.Trace("Sim camera: capture %d started", c.starts)
	return nil
}

func (c *Camera) StopCapture(ctx context.Context) error {
	c.mu.Lock()
	if err := c.stopErr; err != nil {
		c.stopErr = nil
		c.mu.Unlock()
		return err
	}
	if !c.capturing {
		c.mu.Unlock()
		return errors.New("sim camera: no capture running")
	}
	c.capturing = false
	c.stops++
	n, rows := c.stops, c.rows
	c.rows = nil
	c.mu.Unlock()

	if err := timing.Wait(ctx, c.cfg.WriteDelay); err != nil {
		return fmt.Errorf("sim camera: write interrupted: %w", err)
	}
	if c.cfg.RecordDir == "" || len(rows) == 0 {
		return nil
	}
	path := filepath.Join(c.cfg.RecordDir, fmt.Sprintf("scan_%03d.fits", n))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := WriteFITS(f, rows, n); err != nil {
		return fmt.Errorf("sim camera: %w", err)
	}
	c.mu.Lock()
	c.files = append(c.files, path)
	c.mu.Unlock()
	debug.Verbose("Sim camera: wrote %s (%d rows)", path, len(rows))
	return nil
}

// LiveFrame waits for the next frame tick and renders it.
func (c *Camera) LiveFrame(ctx context.Context) (*camera.Frame, error) {
	period := time.Duration(float64(time.Second) / c.cfg.FPS)
	elapsed := time.Since(c.start)
	next := (elapsed/period + 1) * period
	if err := timing.Wait(ctx, next-elapsed); err != nil {
		return nil, err
	}

	f := c.render()

	c.mu.Lock()
	c.seq++
	f.Seq = c.seq
	if c.capturing {
		c.captured++
		row := make([]uint16, c.cfg.FrameWidth)
		y := f.Bounds().Dy() / 2
		for x := range row {
			row[x] = f.Value(x, y)
		}
		c.rows = append(c.rows, row)
	}
	c.mu.Unlock()
	return f, nil
}

// render draws the slit at the current mount position: column x is lit
// when its point on the slit falls inside the disk.
func (c *Camera) render() *camera.Frame {
	w, h := c.cfg.FrameWidth, c.cfg.ROIHeight
	f := camera.NewFrame(w, h)
	f.Time = time.Now()

	p := c.mount.Position(c.cfg.ScanAxis)
	off := c.mount.Position(c.cfg.ScanAxis.Other())
	r := c.cfg.SunWidthPx / 2

	row := make([]byte, 2*w)
	half := 0.0
	if r*r > p*p {
		half = math.Sqrt(r*r - p*p)
	}
	for x := 0; x < w; x++ {
		s := float64(x) - float64(w)/2 + off
		v := c.cfg.Background
		if half > 0 && math.Abs(s) < half {
			v = c.cfg.Brightness
		}
		row[2*x] = uint8(v >> 8)
		row[2*x+1] = uint8(v)
	}
	for y := 0; y < h; y++ {
		copy(f.Pix[y*f.Stride:], row)
	}
	return f
}

func (c *Camera) StatusText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, frames := "Previewing", c.seq
	if c.capturing {
		state, frames = "Capturing", uint64(c.captured)
	}
	if c.cfg.HideFPS {
		return fmt.Sprintf("%s : %d frames", state, frames)
	}
	return fmt.Sprintf("%s : %d frames (0 dropped), %.1f fps", state, frames, c.cfg.FPS)
}

// Capturing reports whether a capture is running.
func (c *Camera) Capturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capturing
}

// Counts returns how many captures were started and stopped.
func (c *Camera) Counts() (starts, stops int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops
}

// Files returns the FITS files written so far.
func (c *Camera) Files() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.files...)
}

package camera

import (
	"context"
	"image"
	"time"
)

// PixelFormat is the colour space the host captures in.
type PixelFormat string

// Container is the file format the host writes.
type Container string

const (
	MONO16 PixelFormat = "MONO16"
	SER    Container   = "SER"
)

// MaxBrightness is full scale for MONO16 pixels.
const MaxBrightness = 65535

// Frame is one live frame from the host, stored as 16-bit grey.
// X runs along the slit (the spectral line), Y across it.
type Frame struct {
	*image.Gray16
	Seq  uint64    // host frame counter
	Time time.Time // when the host delivered it
}

// NewFrame allocates a black frame of the given size.
func NewFrame(width, height int) *Frame {
	return &Frame{Gray16: image.NewGray16(image.Rect(0, 0, width, height))}
}

// Value returns the raw pixel value at (x, y) without bounds translation.
func (f *Frame) Value(x, y int) uint16 {
	i := f.PixOffset(x, y)
	return uint16(f.Pix[i])<<8 | uint16(f.Pix[i+1])
}

// SetValue stores v at (x, y).
func (f *Frame) SetValue(x, y int, v uint16) {
	i := f.PixOffset(x, y)
	f.Pix[i] = uint8(v >> 8)
	f.Pix[i+1] = uint8(v)
}

// Capture is the host imaging application as the scan controller sees it.
// Frame acquisition and file writing stay on the host side.
type Capture interface {
	// SetFormat selects pixel format and container; called once per session.
	SetFormat(format PixelFormat, container Container) error

	// StartCapture begins recording frames to a new file.
	StartCapture() error

	// StopCapture ends recording and blocks until the file is written,
	// or until ctx is done.
	StopCapture(ctx context.Context) error

	// LiveFrame waits for the next live frame.
	LiveFrame(ctx context.Context) (*Frame, error)

	// StatusText returns the host status line, e.g.
	// "Previewing : 1234 frames (0 dropped), 600.0 fps".
	StatusText() string
}

// Package framerate reads the capture frame rate from the host status line.
package framerate

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/cjeanneret/shgscan/internal/debug"
)

// ErrRateUnavailable is returned when the status text carries no fps field.
// Slow previews report only a frame count.
var ErrRateUnavailable = errors.New("frame rate unavailable")

var fpsPattern = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)\s*fps`)

// Parse extracts the frame rate from a host status line such as
// "Previewing : 12345 frames (0 dropped), 600.0 fps".
func Parse(status string) (float64, error) {
	m := fpsPattern.FindStringSubmatch(status)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrRateUnavailable, status)
	}
	fps, err := strconv.ParseFloat(m[1], 64)
	if err != nil || fps <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrRateUnavailable, status)
	}
	return fps, nil
}

// StatusReader is the part of the capture host the source needs.
type StatusReader interface {
	StatusText() string
}

// Source reads the frame rate from the host, unless the operator has
// entered one by hand.
type Source struct {
	host StatusReader

	mu       sync.Mutex
	override float64
}

func NewSource(host StatusReader) *Source {
	return &Source{host: host}
}

// Read returns the override if set, otherwise parses the host status.
func (s *Source) Read() (float64, error) {
	s.mu.Lock()
	override := s.override
	s.mu.Unlock()
	if override > 0 {
		debug.Verbose("Frame rate: using override %.1f fps", override)
		return override, nil
	}
	fps, err := Parse(s.host.StatusText())
	if err != nil {
		return 0, err
	}
	debug.Verbose("Frame rate: host reports %.1f fps", fps)
	return fps, nil
}

// Override replaces future reads with fps. Zero clears it.
func (s *Source) Override(fps float64) error {
	if fps < 0 {
		return fmt.Errorf("frame rate override %.1f must not be negative", fps)
	}
	s.mu.Lock()
	s.override = fps
	s.mu.Unlock()
	return nil
}

// Recalibrate drops the override and reads from the host again.
func (s *Source) Recalibrate() (float64, error) {
	_ = s.Override(0)
	return s.Read()
}

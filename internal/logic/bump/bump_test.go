package bump

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/shgscan/internal/hw/mount"
)

type call struct {
	op   string
	axis mount.Axis
	dir  mount.Direction
	rate float64
	at   time.Time
}

type recordingMount struct {
	mu      sync.Mutex
	calls   []call
	slewErr error
}

func (m *recordingMount) Slew(axis mount.Axis, dir mount.Direction, rate float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slewErr != nil {
		return m.slewErr
	}
	m.calls = append(m.calls, call{op: "slew", axis: axis, dir: dir, rate: rate, at: time.Now()})
	return nil
}

func (m *recordingMount) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{op: "stop", at: time.Now()})
	return nil
}

func TestMagnitude_Duration(t *testing.T) {
	if Quarter.Duration() != 250*time.Millisecond {
		t.Errorf("Quarter = %v, want 250ms", Quarter.Duration())
	}
	if Half.Duration() != 500*time.Millisecond {
		t.Errorf("Half = %v, want 500ms", Half.Duration())
	}
}

func TestBump_NonScanAxisAndDuration(t *testing.T) {
	cases := []struct {
		name     string
		scanAxis mount.Axis
		wantAxis mount.Axis
		mag      Magnitude
	}{
		{"scan_ra_quarter", mount.RA, mount.Dec, Quarter},
		{"scan_dec_half", mount.Dec, mount.RA, Half},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &recordingMount{}
			c := New(m, false)
			if err := c.Bump(context.Background(), tc.scanAxis, mount.Positive, tc.mag, 50); err != nil {
				t.Fatalf("Bump: %v", err)
			}
			if len(m.calls) != 2 || m.calls[0].op != "slew" || m.calls[1].op != "stop" {
				t.Fatalf("calls = %+v, want slew then stop", m.calls)
			}
			if m.calls[0].axis != tc.wantAxis {
				t.Errorf("axis = %v, want %v", m.calls[0].axis, tc.wantAxis)
			}
			if m.calls[0].rate != 50 {
				t.Errorf("rate = %v, want 50", m.calls[0].rate)
			}
			elapsed := m.calls[1].at.Sub(m.calls[0].at)
			if elapsed < tc.mag.Duration() || elapsed > tc.mag.Duration()+200*time.Millisecond {
				t.Errorf("bump lasted %v, want ~%v", elapsed, tc.mag.Duration())
			}
		})
	}
}

func TestSwapPolarity_Involution(t *testing.T) {
	c := New(&recordingMount{}, false)
	if c.Polarity() != Normal {
		t.Fatal("initial polarity should be normal")
	}
	if c.SwapPolarity() != Swapped {
		t.Fatal("first swap should give swapped")
	}
	if c.SwapPolarity() != Normal {
		t.Fatal("second swap should restore normal")
	}
}

func TestBump_SwappedPolarityReversesDirection(t *testing.T) {
	m := &recordingMount{}
	c := New(m, true)
	if err := c.Bump(context.Background(), mount.RA, mount.Negative, Quarter, 10); err != nil {
		t.Fatalf("Bump: %v", err)
	}
	if m.calls[0].dir != mount.Positive {
		t.Errorf("dir = %v, want positive with swapped polarity", m.calls[0].dir)
	}
}

func TestBump_CancelStillStops(t *testing.T) {
	m := &recordingMount{}
	c := New(m, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Bump(ctx, mount.RA, mount.Positive, Half, 10)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(m.calls) != 2 || m.calls[1].op != "stop" {
		t.Errorf("calls = %+v, want slew then stop", m.calls)
	}
}

func TestBump_SlewErrorSkipsWait(t *testing.T) {
	m := &recordingMount{slewErr: errors.New("mount offline")}
	c := New(m, false)
	start := time.Now()
	if err := c.Bump(context.Background(), mount.RA, mount.Positive, Half, 10); err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("failed slew should not wait")
	}
}

func TestParse(t *testing.T) {
	if d, err := ParseDirection("neg"); err != nil || d != mount.Negative {
		t.Errorf("ParseDirection(neg) = %v, %v", d, err)
	}
	if d, err := ParseDirection("positive"); err != nil || d != mount.Positive {
		t.Errorf("ParseDirection(positive) = %v, %v", d, err)
	}
	if _, err := ParseDirection("up"); err == nil {
		t.Error("ParseDirection(up) should fail")
	}
	if m, err := ParseMagnitude("half"); err != nil || m != Half {
		t.Errorf("ParseMagnitude(half) = %v, %v", m, err)
	}
	if _, err := ParseMagnitude("full"); err == nil {
		t.Error("ParseMagnitude(full) should fail")
	}
}

func TestRatePxPerSec(t *testing.T) {
	// 1x sidereal on a 1919 px sun (1 "/px) is 15.041 px/s
	if got := RatePxPerSec(1, 1919); math.Abs(got-SiderealArcsecPerSec) > 1e-9 {
		t.Errorf("RatePxPerSec(1, 1919) = %v, want %v", got, SiderealArcsecPerSec)
	}
}

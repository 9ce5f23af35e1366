package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/shgscan/internal/config"
	"github.com/cjeanneret/shgscan/internal/hw/mount"
	"github.com/cjeanneret/shgscan/internal/logic/bump"
	"github.com/cjeanneret/shgscan/internal/logic/edge"
	"github.com/cjeanneret/shgscan/internal/logic/scan"
)

// fakeController records commands and returns canned errors.
type fakeController struct {
	mu       sync.Mutex
	running  bool
	goErr    error
	abortErr error
	bumpErr  error
	measure  edge.Measurement
	measErr  error
	fps      float64
	fpsErr   error
	settings config.Settings
	polarity bump.Polarity
	bumps    []string
	gos      int
}

func (f *fakeController) Go(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.goErr != nil {
		return "", f.goErr
	}
	f.gos++
	return fmt.Sprintf("run-%d", f.gos), nil
}

func (f *fakeController) Wait(context.Context) (scan.Run, error) {
	return scan.Run{Phase: scan.Complete, Passes: 2}, nil
}

func (f *fakeController) Abort() error { return f.abortErr }

func (f *fakeController) MeasureSun(context.Context) (edge.Measurement, error) {
	return f.measure, f.measErr
}

func (f *fakeController) Bump(dir mount.Direction, mag bump.Magnitude) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bumpErr != nil {
		return f.bumpErr
	}
	f.bumps = append(f.bumps, dir.String()+"/"+mag.String())
	return nil
}

func (f *fakeController) SwapPolarity() bump.Polarity {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polarity = 1 - f.polarity
	return f.polarity
}

func (f *fakeController) RecalibrateFrameRate() (float64, error) {
	return f.fps, f.fpsErr
}

func (f *fakeController) Settings() config.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeController) UpdateSettings(s config.Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: %v", scan.ErrConfigInvalid, err)
	}
	f.mu.Lock()
	f.settings = s
	f.mu.Unlock()
	return nil
}

func (f *fakeController) Telemetry() scan.Telemetry {
	return scan.Telemetry{Phase: "Idle", FPS: 600, SunWidthPx: f.Settings().SunWidthPx}
}

func (f *fakeController) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// ---------- Helpers ----------

func newTestHandlers(ctl Controller) *Handlers {
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
	}
	return NewHandlers(NewBroadcaster(), NewBroadcaster(), ctl, staticFS)
}

func newFake() *fakeController {
	return &fakeController{settings: config.DefaultSettings()}
}

func newTestServer(ctl Controller) (*Server, *httptest.Server) {
	s := &Server{handlers: newTestHandlers(ctl)}
	return s, httptest.NewServer(s.Mux())
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// ---------- POST /go ----------

func TestHandleGo_Started(t *testing.T) {
	h := newTestHandlers(newFake())
	w := httptest.NewRecorder()
	h.HandleGo(w, httptest.NewRequest(http.MethodPost, "/go", nil))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "started" || resp["run_id"] != "run-1" {
		t.Errorf("response = %v", resp)
	}
}

func TestHandleGo_AlreadyRunning(t *testing.T) {
	f := newFake()
	f.running = true
	h := newTestHandlers(f)
	w := httptest.NewRecorder()
	h.HandleGo(w, httptest.NewRequest(http.MethodPost, "/go", nil))

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if f.gos != 0 {
		t.Error("Go should not be called while running")
	}
}

func TestHandleGo_Refused(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"rate_unavailable", scan.ErrRateUnavailable, http.StatusUnprocessableEntity},
		{"config_invalid", fmt.Errorf("%w: roi", scan.ErrConfigInvalid), http.StatusBadRequest},
		{"in_progress", scan.ErrRunInProgress, http.StatusConflict},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFake()
			f.goErr = tc.err
			h := newTestHandlers(f)
			w := httptest.NewRecorder()
			h.HandleGo(w, httptest.NewRequest(http.MethodPost, "/go", nil))
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestHandleGo_RateLimiting(t *testing.T) {
	h := newTestHandlers(newFake())

	w1 := httptest.NewRecorder()
	h.HandleGo(w1, httptest.NewRequest(http.MethodPost, "/go", nil))
	if w1.Code != http.StatusAccepted {
		t.Fatalf("first request: status = %d, want %d", w1.Code, http.StatusAccepted)
	}

	// Second request within 5 seconds should be rate-limited
	w2 := httptest.NewRecorder()
	h.HandleGo(w2, httptest.NewRequest(http.MethodPost, "/go", nil))
	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("rate-limited request: status = %d, want %d", w2.Code, http.StatusTooManyRequests)
	}
}

func TestHandleGo_BroadcastsOutcome(t *testing.T) {
	h := newTestHandlers(newFake())
	ch, unsub := h.Logs.Subscribe()
	defer unsub()

	h.HandleGo(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/go", nil))

	select {
	case msg := <-ch:
		if !strings.Contains(string(msg), "Scan complete: 2 pass") {
			t.Errorf("message = %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no completion message")
	}
}

func TestHandlers_NilController(t *testing.T) {
	_, srv := newTestServer(nil)
	defer srv.Close()

	for _, path := range []string{"/go", "/abort", "/measure", "/polarity/swap"} {
		res, err := http.Post(srv.URL+path, "application/json", nil)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want %d", path, res.StatusCode, http.StatusServiceUnavailable)
		}
	}
}

// ---------- POST /abort, /measure ----------

func TestHandleAbort(t *testing.T) {
	f := newFake()
	h := newTestHandlers(f)

	w := httptest.NewRecorder()
	h.HandleAbort(w, httptest.NewRequest(http.MethodPost, "/abort", nil))
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}

	f.abortErr = scan.ErrNoRun
	w = httptest.NewRecorder()
	h.HandleAbort(w, httptest.NewRequest(http.MethodPost, "/abort", nil))
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestHandleMeasure(t *testing.T) {
	f := newFake()
	f.measure = edge.Measurement{WidthPx: 2290, DecenterPx: -12}
	h := newTestHandlers(f)

	w := httptest.NewRecorder()
	h.HandleMeasure(w, httptest.NewRequest(http.MethodPost, "/measure", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var m edge.Measurement
	if err := json.NewDecoder(w.Body).Decode(&m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.WidthPx != 2290 || m.DecenterPx != -12 {
		t.Errorf("measurement = %+v", m)
	}
}

func TestHandleMeasure_SunNotInFrame(t *testing.T) {
	f := newFake()
	f.measErr = edge.ErrSunNotInFrame
	h := newTestHandlers(f)

	w := httptest.NewRecorder()
	h.HandleMeasure(w, httptest.NewRequest(http.MethodPost, "/measure", nil))
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
}

// ---------- POST /bump, /polarity/swap ----------

func TestHandleBump(t *testing.T) {
	cases := []struct {
		name    string
		path    string
		bumpErr error
		want    int
	}{
		{"positive_quarter", "/bump/positive/quarter", nil, http.StatusOK},
		{"negative_half", "/bump/negative/half", nil, http.StatusOK},
		{"bad_direction", "/bump/up/quarter", nil, http.StatusBadRequest},
		{"bad_magnitude", "/bump/positive/full", nil, http.StatusBadRequest},
		{"rejected", "/bump/positive/quarter", scan.ErrBumpRejected, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFake()
			f.bumpErr = tc.bumpErr
			s := &Server{handlers: newTestHandlers(f)}
			w := do(t, s.Mux(), http.MethodPost, tc.path, "")
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tc.want, w.Body.String())
			}
			if tc.want == http.StatusOK && len(f.bumps) != 1 {
				t.Errorf("bumps = %v, want one", f.bumps)
			}
		})
	}
}

func TestHandleSwapPolarity(t *testing.T) {
	s := &Server{handlers: newTestHandlers(newFake())}
	for _, want := range []string{"swapped", "normal"} {
		w := do(t, s.Mux(), http.MethodPost, "/polarity/swap", "")
		var resp map[string]string
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp["polarity"] != want {
			t.Errorf("polarity = %q, want %q", resp["polarity"], want)
		}
	}
}

func TestHandleRecalibrate(t *testing.T) {
	f := newFake()
	f.fps = 612.5
	s := &Server{handlers: newTestHandlers(f)}

	w := do(t, s.Mux(), http.MethodPost, "/framerate/recalibrate", "")
	var resp map[string]float64
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["fps"] != 612.5 {
		t.Errorf("fps = %v, want 612.5", resp["fps"])
	}

	f.fpsErr = scan.ErrRateUnavailable
	w = do(t, s.Mux(), http.MethodPost, "/framerate/recalibrate", "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
}

// ---------- /settings ----------

func TestSettings_GetAndPartialPut(t *testing.T) {
	f := newFake()
	s := &Server{handlers: newTestHandlers(f)}
	mux := s.Mux()

	w := do(t, mux, http.MethodPut, "/settings", `{"cycles": 5, "bidirectional": false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d: %s", w.Code, w.Body.String())
	}

	w = do(t, mux, http.MethodGet, "/settings", "")
	var got config.Settings
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Cycles != 5 || got.Bidirectional {
		t.Errorf("cycles = %d bidirectional = %v, want 5 false", got.Cycles, got.Bidirectional)
	}
	if got.SunWidthPx != 2300 {
		t.Errorf("sun width = %v, untouched field should keep its value", got.SunWidthPx)
	}
}

func TestSettings_PutRejected(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"invalid_json", "not json"},
		{"unknown_field", `{"focal_length_mm": 35}`},
		{"bad_bump_rate", `{"bump_rate": 3}`},
		{"small_roi", `{"roi_height_px": 80}`},
		{"oversized", `{"cycles": 1, "pad": "` + strings.Repeat("x", 2<<20) + `"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFake()
			s := &Server{handlers: newTestHandlers(f)}
			w := do(t, s.Mux(), http.MethodPut, "/settings", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if f.Settings() != config.DefaultSettings() {
				t.Error("rejected PUT changed the settings")
			}
		})
	}
}

// ---------- GET /telemetry, /, /static ----------

func TestHandleTelemetry(t *testing.T) {
	s := &Server{handlers: newTestHandlers(newFake())}
	w := do(t, s.Mux(), http.MethodGet, "/telemetry", "")
	var tl scan.Telemetry
	if err := json.NewDecoder(w.Body).Decode(&tl); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tl.Phase != "Idle" || tl.FPS != 600 {
		t.Errorf("telemetry = %+v", tl)
	}
}

func TestServeIndex(t *testing.T) {
	s := &Server{handlers: newTestHandlers(newFake())}
	w := do(t, s.Mux(), http.MethodGet, "/", "")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
}

func TestEmbeddedIndex(t *testing.T) {
	s := NewServer(":0", NewBroadcaster(), newFake())
	w := do(t, s.Mux(), http.MethodGet, "/", "")
	if !strings.Contains(w.Body.String(), "/status/stream") {
		t.Error("embedded page should subscribe to the status stream")
	}
	w = do(t, s.Mux(), http.MethodGet, "/static/style.css", "")
	if w.Code != http.StatusOK {
		t.Errorf("stylesheet status = %d", w.Code)
	}
}

// ---------- Streams ----------

func TestStatusStream(t *testing.T) {
	s, srv := newTestServer(newFake())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/status/stream", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	rd := bufio.NewReader(res.Body)
	if line, _ := rd.ReadString('\n'); line != ": connected\n" {
		t.Fatalf("first line = %q", line)
	}

	s.handlers.Logs.Log("info", "Capture started")
	s.handlers.Telemetry.Telemetry(scan.Telemetry{Phase: "Capturing"})

	var events []string
	for len(events) < 2 {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v (events so far %v)", err, events)
		}
		if strings.HasPrefix(line, "event: ") {
			name := strings.TrimSpace(strings.TrimPrefix(line, "event: "))
			data, _ := rd.ReadString('\n')
			events = append(events, name+" "+strings.TrimSpace(data))
		}
	}
	joined := strings.Join(events, "\n")
	if !strings.Contains(joined, "log data: ") || !strings.Contains(joined, "Capture started") {
		t.Errorf("missing log event in %q", joined)
	}
	if !strings.Contains(joined, `telemetry data: {"phase":"Capturing"`) {
		t.Errorf("missing telemetry event in %q", joined)
	}
}

func TestTelemetryWebsocket(t *testing.T) {
	s, srv := newTestServer(newFake())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/telemetry"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first scan.Telemetry
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if first.Phase != "Idle" {
		t.Errorf("initial phase = %q, want Idle", first.Phase)
	}

	// The subscription is registered before the initial snapshot is sent.
	s.handlers.Telemetry.Telemetry(scan.Telemetry{Phase: "BetweenCycles", Cycle: 1})

	var next scan.Telemetry
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if next.Phase != "BetweenCycles" || next.Cycle != 1 {
		t.Errorf("update = %+v", next)
	}
}

package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/cjeanneret/shgscan/internal/config"
	"github.com/cjeanneret/shgscan/internal/debug"
	"github.com/cjeanneret/shgscan/internal/hw/mount"
	"github.com/cjeanneret/shgscan/internal/logic/bump"
	"github.com/cjeanneret/shgscan/internal/logic/edge"
	"github.com/cjeanneret/shgscan/internal/logic/scan"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// commandInterval is the minimum spacing between Go or MeasureSun commands.
const commandInterval = 5 * time.Second

// Controller is the part of scan.Controller the operator surface drives.
type Controller interface {
	Go(ctx context.Context) (string, error)
	Wait(ctx context.Context) (scan.Run, error)
	Abort() error
	MeasureSun(ctx context.Context) (edge.Measurement, error)
	Bump(dir mount.Direction, mag bump.Magnitude) error
	SwapPolarity() bump.Polarity
	RecalibrateFrameRate() (float64, error)
	Settings() config.Settings
	UpdateSettings(s config.Settings) error
	Telemetry() scan.Telemetry
	Running() bool
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Logs      *Broadcaster
	Telemetry *Broadcaster
	ctl       Controller
	limiter   *rate.Limiter
	upgrader  websocket.Upgrader
	staticFS  fs.FS
}

// NewHandlers creates handlers. If ctl is nil every command returns 503.
func NewHandlers(logs, telemetry *Broadcaster, ctl Controller, staticFS fs.FS) *Handlers {
	return &Handlers{
		Logs:      logs,
		Telemetry: telemetry,
		ctl:       ctl,
		limiter:   rate.NewLimiter(rate.Every(commandInterval), 1),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		staticFS: staticFS,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps controller errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scan.ErrRunInProgress), errors.Is(err, scan.ErrBumpRejected),
		errors.Is(err, scan.ErrAbortRequested):
		return http.StatusConflict
	case errors.Is(err, scan.ErrConfigInvalid):
		return http.StatusBadRequest
	case errors.Is(err, scan.ErrRateUnavailable), errors.Is(err, edge.ErrSunNotInFrame):
		return http.StatusUnprocessableEntity
	case errors.Is(err, scan.ErrEdgeTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handlers) ready(w http.ResponseWriter) bool {
	if h.ctl == nil {
		http.Error(w, "controller not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleGo handles POST /go. The run continues after the request returns;
// its outcome goes to the status stream.
func (h *Handlers) HandleGo(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	if h.ctl.Running() {
		writeError(w, http.StatusConflict, scan.ErrRunInProgress)
		return
	}
	if !h.limiter.Allow() {
		http.Error(w, "too many commands, wait a few seconds", http.StatusTooManyRequests)
		return
	}

	id, err := h.ctl.Go(context.Background())
	if err != nil {
		h.Logs.Log("error", "Go refused: "+err.Error())
		writeError(w, statusFor(err), err)
		return
	}

	go func() {
		run, err := h.ctl.Wait(context.Background())
		switch {
		case err == nil:
			h.Logs.Log("info", fmt.Sprintf("Scan complete: %d pass(es)", run.Passes))
		case errors.Is(err, scan.ErrAbortRequested):
			h.Logs.Log("warn", "Scan aborted by operator")
		default:
			h.Logs.Log("error", "Scan aborted: "+err.Error())
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "run_id": id})
}

// HandleAbort handles POST /abort.
func (h *Handlers) HandleAbort(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	if err := h.ctl.Abort(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "aborting"})
}

// HandleMeasure handles POST /measure. It blocks until the measurement is
// done.
func (h *Handlers) HandleMeasure(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	if h.ctl.Running() {
		writeError(w, http.StatusConflict, scan.ErrRunInProgress)
		return
	}
	if !h.limiter.Allow() {
		http.Error(w, "too many commands, wait a few seconds", http.StatusTooManyRequests)
		return
	}
	m, err := h.ctl.MeasureSun(r.Context())
	if err != nil {
		h.Logs.Log("error", "MeasureSun failed: "+err.Error())
		writeError(w, statusFor(err), err)
		return
	}
	h.Logs.Log("info", fmt.Sprintf("Sun width %.0f px, decenter %.0f px", m.WidthPx, m.DecenterPx))
	writeJSON(w, http.StatusOK, m)
}

// HandleBump handles POST /bump/{direction}/{magnitude}.
func (h *Handlers) HandleBump(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	dir, err := bump.ParseDirection(chi.URLParam(r, "direction"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	mag, err := bump.ParseMagnitude(chi.URLParam(r, "magnitude"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.ctl.Bump(dir, mag); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"direction": dir.String(), "magnitude": mag.String()})
}

// HandleSwapPolarity handles POST /polarity/swap.
func (h *Handlers) HandleSwapPolarity(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	p := h.ctl.SwapPolarity()
	writeJSON(w, http.StatusOK, map[string]string{"polarity": p.String()})
}

// HandleRecalibrate handles POST /framerate/recalibrate.
func (h *Handlers) HandleRecalibrate(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	fps, err := h.ctl.RecalibrateFrameRate()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"fps": fps})
}

// HandleGetSettings handles GET /settings.
func (h *Handlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.ctl.Settings())
}

// HandlePutSettings handles PUT /settings. Fields missing from the body
// keep their current values.
func (h *Handlers) HandlePutSettings(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	s := h.ctl.Settings()
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.ctl.UpdateSettings(s); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctl.Settings())
}

// HandleTelemetry handles GET /telemetry.
func (h *Handlers) HandleTelemetry(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.ctl.Telemetry())
}

// HandleStatusStream handles GET /status/stream for SSE. Log lines go out
// as "log" events and controller snapshots as "telemetry" events.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	logs, unsubLogs := h.Logs.Subscribe()
	defer unsubLogs()
	telem, unsubTelem := h.Telemetry.Subscribe()
	defer unsubTelem()

	w.Write([]byte(": connected\n\n"))
	if last := h.Telemetry.Last(); last != nil {
		writeEvent(w, "telemetry", last)
	}
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-logs:
			if !ok {
				return
			}
			writeEvent(w, "log", msg)
			flusher.Flush()

		case msg, ok := <-telem:
			if !ok {
				return
			}
			writeEvent(w, "telemetry", msg)
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, data []byte) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}

// HandleTelemetryWS handles GET /ws/telemetry. The client gets the current
// snapshot, then every change until it disconnects.
func (h *Handlers) HandleTelemetryWS(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Error(fmt.Errorf("websocket upgrade: %w", err))
		return
	}
	defer conn.Close()

	ch, unsub := h.Telemetry.Subscribe()
	defer unsub()

	// Reads only detect the close frame.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(h.ctl.Telemetry()); err != nil {
		return
	}
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

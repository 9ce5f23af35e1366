package web

import (
	"context"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cjeanneret/shgscan/internal/debug"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server for ctl. Controller telemetry is forwarded to
// websocket and SSE clients.
func NewServer(addr string, logs *Broadcaster, ctl Controller) *Server {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("web: failed to sub static fs: %v", err)
	}
	return &Server{
		addr:     addr,
		handlers: NewHandlers(logs, NewBroadcaster(), ctl, subFS),
	}
}

// Telemetry returns the telemetry broadcaster, for controller subscription.
func (s *Server) Telemetry() *Broadcaster {
	return s.handlers.Telemetry
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	h := s.handlers
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/go", h.HandleGo)
	r.Post("/abort", h.HandleAbort)
	r.Post("/measure", h.HandleMeasure)
	r.Post("/bump/{direction}/{magnitude}", h.HandleBump)
	r.Post("/polarity/swap", h.HandleSwapPolarity)
	r.Post("/framerate/recalibrate", h.HandleRecalibrate)
	r.Get("/settings", h.HandleGetSettings)
	r.Put("/settings", h.HandlePutSettings)
	r.Get("/telemetry", h.HandleTelemetry)
	r.Get("/status/stream", h.HandleStatusStream)
	r.Get("/ws/telemetry", h.HandleTelemetryWS)
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(h.staticFS))))
	r.Get("/", h.ServeIndex)

	return r
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Mux()}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("Web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

package web

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cjeanneret/DomeGo/internal/debug"
)

const telemetryPeriod = 500 * time.Millisecond

// Options wire the server to the rest of the daemon.
type Options struct {
	Addr        string
	Version     string
	Control     DomeControl
	Broadcaster *StatusBroadcaster
	Metrics     http.Handler // nil = no /metrics route
}

// Server is the Alpaca REST surface plus the status dashboard.
type Server struct {
	addr     string
	handlers *Handlers
	alpaca   *Alpaca
	hub      *TelemetryHub
	metrics  http.Handler
}

func NewServer(opts Options) (*Server, error) {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("web: static fs: %w", err)
	}
	if opts.Control == nil {
		return nil, errors.New("web: control is required")
	}
	b := opts.Broadcaster
	if b == nil {
		b = NewStatusBroadcaster()
	}
	hub := NewTelemetryHub()
	return &Server{
		addr:     opts.Addr,
		handlers: NewHandlers(opts.Control, b, hub, subFS),
		alpaca:   NewAlpaca(opts.Control, opts.Version),
		hub:      hub,
		metrics:  opts.Metrics,
	}, nil
}

// Router returns the handler with all routes registered.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	s.alpaca.Register(r)
	r.HandleFunc("/status", s.handlers.HandleStatus).Methods(http.MethodGet)
	r.HandleFunc("/status/stream", s.handlers.HandleStatusStream).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.hub.HandleWebSocket).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.FS(s.handlers.staticFS))))
	r.HandleFunc("/", s.handlers.ServeIndex).Methods(http.MethodGet)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.hub.Run(ctx)
	go s.handlers.RunTelemetry(ctx, telemetryPeriod)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("Alpaca server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("web: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aletop130/ZeroHR/internal/domain"
	"github.com/aletop130/ZeroHR/internal/engine"
	"github.com/aletop130/ZeroHR/internal/events"
	"github.com/aletop130/ZeroHR/internal/orchestrator"
)

// Engine is the run lifecycle the API exposes
type Engine interface {
	StartRun(ctx context.Context, req engine.StartRequest) (*domain.Run, error)
	PollRun(ctx context.Context, runID string) (*domain.Run, error)
	ResumeRun(ctx context.Context, runID string) (*domain.Run, error)
	ResetAll(ctx context.Context) (engine.ResetReport, error)
	Kill(ctx context.Context) (orchestrator.CancelStats, error)
	Units(ctx context.Context) ([]*domain.Unit, error)
	Slots() engine.SlotStats
}

// Server is the HTTP API server
type Server struct {
	engine   Engine
	hub      *events.Hub
	addr     string
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer creates a new API server. hub may be nil, in which case the
// event streams answer 503.
func NewServer(eng Engine, hub *events.Hub, addr string, logger *slog.Logger) *Server {
	s := &Server{
		engine: eng,
		hub:    hub,
		addr:   addr,
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/runs", s.startRunHandler())
	s.mux.HandleFunc("/api/runs/", s.runHandler())
	s.mux.HandleFunc("/api/reset", s.resetHandler())
	s.mux.HandleFunc("/api/kill", s.killHandler())
	s.mux.HandleFunc("/api/units", s.listUnitsHandler())
	s.mux.HandleFunc("/api/pool", s.poolHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/api/events/ws", s.wsHandler())
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeEngineError maps engine errors onto status codes
func writeEngineError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrAdmissionBusy):
		code = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidRequest):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrStaleGeneration), errors.Is(err, engine.ErrRunFinished):
		code = http.StatusConflict
	}
	writeError(w, code, err.Error())
}

// Package worker provides the local HTTP service of solvetrack: message
// ingest from page reporters, the settings and status APIs, and the live
// event stream.
package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/solvetrack/internal/config"
	"github.com/thebtf/solvetrack/internal/dispatch"
	"github.com/thebtf/solvetrack/internal/engine"
	"github.com/thebtf/solvetrack/internal/worker/sse"
	"github.com/thebtf/solvetrack/pkg/models"
)

// maxMessageBytes bounds an ingest request body. Reporter messages carry
// at most one code snapshot.
const maxMessageBytes = 1 << 20

// Service is the ingest/status HTTP front of the engine.
type Service struct {
	version     string
	settings    *config.Store
	engine      *engine.Engine
	dispatcher  *dispatch.Dispatcher
	broadcaster *sse.Broadcaster
	router      chi.Router
	ready       atomic.Bool
}

// NewService wires the HTTP service and installs the dispatcher observer
// feeding the live event stream.
func NewService(version string, settings *config.Store, eng *engine.Engine, dispatcher *dispatch.Dispatcher) *Service {
	s := &Service{
		version:     version,
		settings:    settings,
		engine:      eng,
		dispatcher:  dispatcher,
		broadcaster: sse.NewBroadcaster(),
		router:      chi.NewRouter(),
	}
	// Every accepted event body is mirrored onto the live stream.
	dispatcher.SetObserver(func(_ models.EventType, body []byte) {
		s.broadcaster.BroadcastRaw(body)
	})
	s.setupRoutes()
	return s
}

func (s *Service) setupRoutes() {
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Route("/api", func(r chi.Router) {
		r.Post("/messages", s.handleMessage)
		r.Get("/status", s.handleStatus)
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
		r.Get("/events/stream", s.broadcaster.HandleSSE)
	})
}

// Router exposes the HTTP handler, mainly for tests.
func (s *Service) Router() http.Handler {
	return s.router
}

// Broadcaster exposes the live event stream fan-out.
func (s *Service) Broadcaster() *sse.Broadcaster {
	return s.broadcaster
}

// Run serves until ctx is cancelled, then shuts the listener down
// gracefully.
func (s *Service) Run(ctx context.Context) error {
	addr := s.settings.Get().ListenAddr
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown did not complete cleanly")
		}
	}()

	s.ready.Store(true)
	log.Info().Str("addr", addr).Msg("HTTP service listening")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"ready":   s.ready.Load(),
	})
}

// handleMessage validates and forwards one reporter message to the
// engine loop.
func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	msg, err := engine.ParseMessage(body)
	if err != nil {
		log.Debug().Err(err).Msg("Rejected reporter message")
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.HandleMessage(r.Context(), msg); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Service) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.settings.Get())
}

// handlePutSettings routes a partial update through the engine loop so
// it is serialized with every other mutation.
func (s *Service) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var patch config.Patch
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageBytes)).Decode(&patch); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid settings patch")
		return
	}

	msg := engine.Message{Type: engine.MsgSettingsUpdated, Settings: &patch}
	if err := s.engine.HandleMessage(r.Context(), msg); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Service) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

func (s *Service) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]string{"error": message})
}

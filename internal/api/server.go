// Package api hosts the HTTP surface of the crawler. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/characters/register to add a character to the watch list.
//   - POST /v1/crawl/trigger to start an operation immediately.
//   - POST /v1/events for the forum-side webhook.
//   - GET /v1/activity for the live crawl indicator.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/avermeer/threadwatch/internal/crawl"
	"github.com/avermeer/threadwatch/internal/forum"
	"github.com/avermeer/threadwatch/internal/metrics"
)

// Storage is the read/register surface the handlers need.
type Storage interface {
	RegisterCharacter(ctx context.Context, id, name, profileURL string) error
	GetCharacter(ctx context.Context, id string) (forum.Character, error)
	ListCharacters(ctx context.Context) ([]forum.Character, error)
	CategoryCounts(ctx context.Context, characterID string) (map[forum.Category]int, error)
	ThreadsForCharacter(ctx context.Context, characterID string, category forum.Category) ([]forum.Thread, error)
	Ping(ctx context.Context) error
}

// Trigger starts crawl operations on demand.
type Trigger interface {
	Trigger(op crawl.Op, target string) error
	HandleEvent(ev forum.Event) forum.Action
}

// Config holds server settings.
type Config struct {
	// BoardBaseURL builds profile URLs for registrations that omit one.
	BoardBaseURL string
	// APIKey, when set, is required on every route except probes and
	// metrics.
	APIKey string
	// RequestTimeout bounds handler execution.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the store and scheduler.
type Server struct {
	cfg      Config
	router   chi.Router
	store    Storage
	trigger  Trigger
	activity *crawl.Tracker
	log      *zap.Logger
}

// NewServer constructs the router with the full middleware chain.
func NewServer(cfg Config, st Storage, trigger Trigger, activity *crawl.Tracker, log *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		store:    st,
		trigger:  trigger,
		activity: activity,
		log:      log,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(log))
	r.Use(recoverMiddleware(log))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/characters/register", s.registerCharacter)
		r.Get("/characters", s.listCharacters)
		r.Get("/characters/{character_id}", s.getCharacter)
		r.Post("/crawl/trigger", s.triggerCrawl)
		r.Post("/events", s.receiveEvent)
		r.Get("/activity", s.getActivity)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

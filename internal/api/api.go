package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/joescharf/conductor/internal/apperr"
	"github.com/joescharf/conductor/internal/session"
	"github.com/joescharf/conductor/internal/store"
)

// Server provides the REST API handlers.
type Server struct {
	engine *session.Engine
	ledger store.Store
	logger *slog.Logger
}

// NewServer creates a new API server. ledger may be nil, in which case the
// applications endpoint reports 503.
func NewServer(engine *session.Engine, ledger store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, ledger: ledger, logger: logger}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(CORS)
	r.Use(RequestID)
	r.Use(Logger(s.logger))
	r.Use(Recovery(s.logger))

	r.Get("/health", s.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.listSessions)
			r.Post("/", s.createSession)
			r.Post("/hydrate", s.hydrateIssue)
			r.Post("/restage", s.restageSession)
			r.Get("/{id}", s.getSession)
			r.Put("/{id}/plan", s.updatePlan)
			r.Post("/{id}/abort", s.abortSession)
			r.Post("/{id}/apply", s.applyPlan)
			r.Get("/{id}/events", s.streamEvents)
		})
		r.Get("/issues", s.listIssues)
		r.Get("/backend", s.backendInfo)
		r.Get("/applications", s.listApplications)
		r.Get("/applications/{id}", s.getApplication)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps err onto the status for its taxonomy code.
func writeAppError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	writeJSON(w, apperr.HTTPStatus(code), map[string]string{
		"error": err.Error(),
		"code":  string(code),
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"backend":  s.engine.Backend().Kind(),
		"sessions": len(s.engine.List()),
	})
}

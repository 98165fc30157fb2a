package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/joescharf/conductor/internal/backend"
	"github.com/joescharf/conductor/internal/store"
)

// listIssues handles GET /api/v1/issues?repo=&status=&label=&q=
//
// The response is the issue hierarchy. With a status, label, or query filter,
// matching issues are kept only when their whole parent chain matches too.
func (s *Server) listIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	repo := q.Get("repo")
	if repo == "" {
		writeError(w, http.StatusBadRequest, "repo is required")
		return
	}

	b := s.engine.Backend()
	var (
		issues []backend.Issue
		err    error
	)
	if text := strings.TrimSpace(q.Get("q")); text != "" {
		issues, err = b.Search(r.Context(), repo, text)
	} else {
		issues, err = b.List(r.Context(), repo, backend.ListFilter{IncludeClosed: q.Get("all") == "true"})
	}
	if err != nil {
		writeAppError(w, err)
		return
	}

	status := backend.Status(q.Get("status"))
	label := q.Get("label")
	if status != "" || label != "" {
		issues = backend.VisibleWithAncestors(issues, func(is backend.Issue) bool {
			if status != "" && is.Status != status {
				return false
			}
			return label == "" || is.HasLabel(label)
		})
	}

	tree := backend.BuildHierarchy(issues)
	if tree == nil {
		tree = []*backend.Node{}
	}
	writeJSON(w, http.StatusOK, tree)
}

// backendInfo handles GET /api/v1/backend
func (s *Server) backendInfo(w http.ResponseWriter, _ *http.Request) {
	b := s.engine.Backend()
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":         b.Kind(),
		"capabilities": b.Capabilities(),
	})
}

// listApplications handles GET /api/v1/applications?repo=&session=&slug=&limit=
func (s *Server) listApplications(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "apply ledger is not configured")
		return
	}
	q := r.URL.Query()
	filter := store.ApplicationFilter{
		RepoPath:  q.Get("repo"),
		SessionID: q.Get("session"),
		Slug:      q.Get("slug"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	apps, err := s.ledger.ListApplications(r.Context(), filter)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if apps == nil {
		apps = []*store.Application{}
	}
	writeJSON(w, http.StatusOK, apps)
}

// getApplication handles GET /api/v1/applications/{id}
func (s *Server) getApplication(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "apply ledger is not configured")
		return
	}
	app, err := s.ledger.GetApplication(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

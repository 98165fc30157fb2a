package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/joescharf/conductor/internal/plan"
	"github.com/joescharf/conductor/internal/session"
)

type createSessionRequest struct {
	RepoPath  string `json:"repoPath"`
	Objective string `json:"objective,omitempty"`
}

type hydrateRequest struct {
	RepoPath      string `json:"repoPath"`
	ParentIssueID string `json:"parentIssueId"`
}

type restageRequest struct {
	RepoPath  string     `json:"repoPath"`
	Plan      *plan.Plan `json:"plan"`
	Objective string     `json:"objective,omitempty"`
}

// createSession handles POST /api/v1/sessions
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sess, err := s.engine.CreateOrchestration(r.Context(), req.RepoPath, req.Objective)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// hydrateIssue handles POST /api/v1/sessions/hydrate
func (s *Server) hydrateIssue(w http.ResponseWriter, r *http.Request) {
	var req hydrateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sess, err := s.engine.CreateHydration(r.Context(), req.RepoPath, req.ParentIssueID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// restageSession handles POST /api/v1/sessions/restage
func (s *Server) restageSession(w http.ResponseWriter, r *http.Request) {
	var req restageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sess, err := s.engine.Restage(r.Context(), req.RepoPath, req.Plan, req.Objective)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// listSessions handles GET /api/v1/sessions
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	repo := r.URL.Query().Get("repo")

	out := []session.Session{}
	for _, sess := range s.engine.List() {
		if status != "" && string(sess.Status) != status {
			continue
		}
		if repo != "" && sess.RepoPath != repo {
			continue
		}
		out = append(out, sess)
	}
	writeJSON(w, http.StatusOK, out)
}

// getSession handles GET /api/v1/sessions/{id}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// updatePlan handles PUT /api/v1/sessions/{id}/plan
func (s *Server) updatePlan(w http.ResponseWriter, r *http.Request) {
	var p plan.Plan
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sess, err := s.engine.UpdatePlan(chi.URLParam(r, "id"), &p)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// abortSession handles POST /api/v1/sessions/{id}/abort
func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.engine.Get(id); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": s.engine.Abort(id)})
}

// applyPlan handles POST /api/v1/sessions/{id}/apply. Orchestration and
// hydration sessions are both accepted.
func (s *Server) applyPlan(w http.ResponseWriter, r *http.Request) {
	var req session.ApplyRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	res, err := s.engine.ApplyAny(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// streamEvents handles GET /api/v1/sessions/{id}/events as a server-sent
// event stream. The log is replayed from the start, or from after
// Last-Event-ID when the client reconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	sub, err := s.engine.Subscribe(chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	after, _ := strconv.Atoi(r.Header.Get("Last-Event-ID"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if ev.Seq <= after {
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("encode event", "seq", ev.Seq, "err", err)
			return
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data); err != nil {
			return
		}
		flusher.Flush()
	}
}

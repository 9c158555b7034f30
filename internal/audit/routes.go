package audit

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// defaultLimit caps a query without an explicit limit.
const defaultLimit = 100

// RegisterRoutes mounts the audit endpoints on the given router.
func (s *Store) RegisterRoutes(r chi.Router) {
	r.Get("/api/audit", s.handleQuery)
	r.Get("/api/audit/{id}", s.handleGetByID)
	r.Get("/api/audit/sessions/{sessionID}", s.handleSession)
}

func (s *Store) handleQuery(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseFilter(w, r)
	if !ok {
		return
	}
	s.respond(w, r, filter)
}

func (s *Store) handleSession(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseFilter(w, r)
	if !ok {
		return
	}
	filter.SessionID = chi.URLParam(r, "sessionID")
	s.respond(w, r, filter)
}

func (s *Store) respond(w http.ResponseWriter, r *http.Request, filter QueryFilter) {
	entries, err := s.Query(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseFilter(w http.ResponseWriter, r *http.Request) (QueryFilter, bool) {
	q := r.URL.Query()

	filter := QueryFilter{
		SessionID: q.Get("session"),
		UserID:    q.Get("user"),
		Action:    Action(q.Get("action")),
		ActorType: ActorType(q.Get("actor")),
		Limit:     defaultLimit,
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": p.name + " must be RFC 3339"})
			return filter, false
		}
		*p.dst = &t
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Offset = n
		}
	}
	return filter, true
}

func (s *Store) handleGetByID(w http.ResponseWriter, r *http.Request) {
	entry, err := s.GetByID(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

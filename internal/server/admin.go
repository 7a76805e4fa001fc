package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eugener/velocity/internal/circuitbreaker"
	"github.com/eugener/velocity/internal/worker"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(codeInvalidBody, "invalid request body"))
		return false
	}
	return true
}

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// --- Cache ---

type cacheStatsResponse struct {
	Backend    string `json:"backend"`
	RemoteUp   bool   `json:"remoteUp"`
	Namespaces any    `json:"namespaces"`
}

func (s *server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	c := s.deps.Cache
	writeJSON(w, http.StatusOK, cacheStatsResponse{
		Backend:    c.Backend(),
		RemoteUp:   c.RemoteReady(),
		Namespaces: c.Stats(),
	})
}

// entryView describes one cache entry without its value.
type entryView struct {
	Key        string    `json:"key"`
	Namespace  string    `json:"namespace"`
	Backend    string    `json:"backend"`
	Size       int       `json:"size"`
	CachedAt   time.Time `json:"cachedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	AgeSeconds int64     `json:"ageSeconds"`
}

func (s *server) handleCacheEntries(w http.ResponseWriter, r *http.Request) {
	ns := r.URL.Query().Get("namespace")
	if ns == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(codeValidation, "namespace is required"))
		return
	}
	offset, limit := parsePagination(r)

	entries := s.deps.Cache.Entries(r.Context(), ns)
	total := len(entries)
	start := min(offset, total)
	end := min(start+limit, total)

	now := time.Now()
	views := make([]entryView, 0, end-start)
	for _, ke := range entries[start:end] {
		e := ke.Entry
		views = append(views, entryView{
			Key:        ke.Key,
			Namespace:  e.Namespace,
			Backend:    e.Backend,
			Size:       len(e.Value),
			CachedAt:   e.CachedAt,
			ExpiresAt:  e.ExpiresAt,
			AgeSeconds: int64(e.Age(now).Seconds()),
		})
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       views,
		Pagination: pagination{Offset: offset, Limit: limit, Total: total},
	})
}

type invalidateRequest struct {
	Prefix string `json:"prefix"`
}

type invalidateResponse struct {
	Removed int `json:"removed"`
}

func (s *server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Prefix == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(codeValidation, "prefix is required"))
		return
	}
	n := s.deps.Cache.InvalidatePrefix(r.Context(), req.Prefix)
	writeJSON(w, http.StatusOK, invalidateResponse{Removed: n})
}

func (s *server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.deps.Cache.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// --- Status ---

type statusResponse struct {
	InFlight  int                     `json:"inFlight"`
	Breakers  []circuitbreaker.Status `json:"breakers"`
	Cooldowns map[string]time.Time    `json:"cooldowns"`
	Warmer    *worker.WarmerStats     `json:"warmer,omitempty"`
}

func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Breakers:  []circuitbreaker.Status{},
		Cooldowns: map[string]time.Time{},
	}
	if s.deps.Preview != nil {
		resp.InFlight = s.deps.Preview.InFlight()
	}
	if s.deps.Breakers != nil {
		resp.Breakers = s.deps.Breakers.Snapshot()
	}
	if s.deps.Guard != nil {
		resp.Cooldowns = s.deps.Guard.Cooldowns()
	}
	if s.deps.Warmer != nil {
		st := s.deps.Warmer.Stats()
		resp.Warmer = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBreakerReset closes the breaker for a label ahead of its open
// timeout, e.g. after an operator has confirmed the upstream recovered.
func (s *server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	label := chi.URLParam(r, "label")
	if !s.deps.Breakers.Reset(label) {
		writeJSON(w, http.StatusNotFound, errorResponse(codeNotFound, "no breaker for label"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

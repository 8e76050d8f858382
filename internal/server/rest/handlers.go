package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/relaytun/tunnel/internal/server/storage"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store Store
}

// NewServer creates a new Server with the provided storage layer.
func NewServer(store Store) *Server {
	return &Server{store: store}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleGetRequests responds to GET /api/v1/requests.
//
// Supported query parameters:
//
//	host    – exact host filter (optional)
//	from    – RFC3339 start of the finished_at window (required)
//	to      – RFC3339 end of the finished_at window (required)
//	limit   – maximum number of results (default 100, max 1000)
//	offset  – pagination offset (default 0)
func (s *Server) handleGetRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from, to, ok := parseWindow(w, q)
	if !ok {
		return
	}

	rq := storage.RequestLogQuery{Host: q.Get("host"), From: from, To: to}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		rq.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		rq.Offset = offset
	}

	entries, err := s.store.QueryRequests(r.Context(), rq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query request log")
		return
	}
	if entries == nil {
		entries = []storage.RequestLogEntry{}
	}

	writeJSON(w, entries)
}

// handleGetTunnels responds to GET /api/v1/tunnels.
//
// Supported query parameters:
//
//	limit – maximum number of results (default 100, max 1000)
func (s *Server) handleGetTunnels(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if l > 1000 {
			l = 1000
		}
		limit = l
	}

	tunnels, err := s.store.ListTunnels(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tunnels")
		return
	}
	if tunnels == nil {
		tunnels = []storage.TunnelRecord{}
	}

	writeJSON(w, tunnels)
}

// handleGetAudit responds to GET /api/v1/audit.
//
// Supported query parameters:
//
//	from  – RFC3339 start of the created_at window (required)
//	to    – RFC3339 end of the created_at window (required)
//	limit – maximum number of results (default 100, max 1000)
func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from, to, ok := parseWindow(w, q)
	if !ok {
		return
	}

	aq := storage.AuditQuery{From: from, To: to}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		aq.Limit = limit
	}

	entries, err := s.store.QueryAuditEntries(r.Context(), aq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query audit entries")
		return
	}
	if entries == nil {
		entries = []storage.AuditEntry{}
	}

	writeJSON(w, entries)
}

// parseWindow extracts and validates the mandatory 'from'/'to' RFC3339 query
// parameters shared by the request-log and audit endpoints. It writes an
// error response itself and returns ok=false on any problem.
func parseWindow(w http.ResponseWriter, q map[string][]string) (from, to time.Time, ok bool) {
	fromStr := firstOr(q, "from")
	toStr := firstOr(q, "to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return time.Time{}, time.Time{}, false
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return time.Time{}, time.Time{}, false
	}
	to, err = time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return time.Time{}, time.Time{}, false
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func firstOr(q map[string][]string, key string) string {
	if v, ok := q[key]; ok && len(v) > 0 {
		return v[0]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

// Package admin exposes the operator-facing HTTP surface: health, cache
// statistics, manual purge, and a live state-trace feed, following
// api.APIServer's gorilla/mux route registration style.
package admin

import (
	"crypto/sha256"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/cacheproxy/internal/cacheindex"
	"github.com/ocx/cacheproxy/internal/director"
	"github.com/ocx/cacheproxy/internal/metrics"
)

// Server is the admin HTTP surface. One Server is shared across the
// process; it holds no per-request state.
type Server struct {
	Index    *cacheindex.Index
	Director *director.Director
	Metrics  *metrics.Metrics
	Started  time.Time
}

// New builds an admin Server wired to the running proxy's collaborators.
func New(idx *cacheindex.Index, dir *director.Director, m *metrics.Metrics) *Server {
	return &Server{Index: idx, Director: dir, Metrics: m, Started: time.Now()}
}

// Router builds the mux.Router carrying every admin route. Call this once
// at startup and pass the result to http.ListenAndServe.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/admin/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/admin/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/admin/purge", s.handlePurge).Methods(http.MethodPost)
	r.HandleFunc("/admin/trace", s.handleTrace).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.Started).String(),
	}
	if s.Director != nil {
		backends := make([]map[string]any, 0, len(s.Director.Backends()))
		for _, b := range s.Director.Backends() {
			state := "unknown"
			if b.Breaker != nil {
				state = b.Breaker.State().String()
			}
			backends = append(backends, map[string]any{
				"name":  b.Name,
				"url":   b.BaseURL,
				"state": state,
			})
		}
		resp["backends"] = backends
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	buckets, variants := 0, 0
	if s.Index != nil {
		buckets, variants = s.Index.Stats()
	}
	resp := map[string]any{
		"buckets":  buckets,
		"variants": variants,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handlePurge invalidates a cache key by the same hash rule S-RECV uses:
// sha256 of the request URL. Matches the reference's ban-by-URL shortcut
// rather than requiring callers to compute the digest themselves.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}

	digest := sha256.Sum256([]byte(req.URL))
	ok := s.Index.PurgeDigest(digest)

	slog.Info("admin purge", "url", req.URL, "found", ok)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"purged": ok})
}

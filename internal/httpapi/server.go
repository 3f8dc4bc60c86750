// Package httpapi serves a local HTTP API over the replica of the signed-in
// user: its state, the sync status of its shapes, and read-only queries.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/replica/internal/lifecycle"
	"github.com/agentworkforce/replica/internal/replicastore"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Replica is the lifecycle the server reports on and queries through.
// It's implemented by *lifecycle.Manager.
type Replica interface {
	State() (lifecycle.State, string)
	Current() (*lifecycle.ReplicaClient, bool)
}

type ServerConfig struct {
	// Sessions, if set, requires bearer tokens on /v1 routes naming the
	// user of the current replica.
	Sessions *lifecycle.SessionParser
	// Metrics, if set, is served at /metrics.
	Metrics         http.Handler
	QueryTimeout    time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          log.FieldLogger
}

type Server struct {
	replica     Replica
	cfg         ServerConfig
	log         log.FieldLogger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(replica Replica, cfg ServerConfig) *Server {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		replica:     replica,
		cfg:         cfg,
		log:         cfg.Logger,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/healthz" && r.Method == http.MethodGet:
		s.handleReadiness(w)
		return
	case r.URL.Path == "/metrics" && s.cfg.Metrics != nil:
		s.cfg.Metrics.ServeHTTP(w, r)
		return
	}

	var route string
	switch {
	case r.URL.Path == "/v1/replica" && r.Method == http.MethodGet:
		route = "replica"
	case r.URL.Path == "/v1/replica/shapes" && r.Method == http.MethodGet:
		route = "shapes"
	case r.URL.Path == "/v1/replica/query" && r.Method == http.MethodPost:
		route = "query"
	case strings.HasPrefix(r.URL.Path, "/v1/replica"):
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
		return
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if s.cfg.Sessions != nil {
		if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.Sessions, s.replica, time.Now()); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
	}
	if s.rateLimiter != nil && route == "query" {
		if !s.rateLimiter.allow(clientKey(r), time.Now()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "replica":
		s.handleReplica(w)
	case "shapes":
		s.handleShapes(w, correlationID)
	case "query":
		s.handleQuery(w, r, correlationID)
	}
}

func (s *Server) handleReadiness(w http.ResponseWriter) {
	state, userID := s.replica.State()
	status := http.StatusServiceUnavailable
	if state == lifecycle.StateReady {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]string{"state": state.String(), "userId": userID})
}

type replicaResponse struct {
	State      string `json:"state"`
	UserID     string `json:"userId,omitempty"`
	Generation uint64 `json:"generation,omitempty"`
	Capability string `json:"capability,omitempty"`
}

func (s *Server) handleReplica(w http.ResponseWriter) {
	state, userID := s.replica.State()
	resp := replicaResponse{State: state.String(), UserID: userID}
	if client, ok := s.replica.Current(); ok {
		resp.Generation = client.Generation()
		resp.Capability = client.Store().Capability().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

type shapeResponse struct {
	Key         string     `json:"key"`
	Table       string     `json:"table"`
	Where       string     `json:"where,omitempty"`
	UpToDate    bool       `json:"upToDate"`
	Subscribers int        `json:"subscribers"`
	Batches     int        `json:"batches"`
	Applied     int        `json:"applied"`
	Skipped     int        `json:"skipped"`
	Replayed    int        `json:"replayed"`
	Invalid     int        `json:"invalid"`
	Resets      int        `json:"resets"`
	LastOffset  string     `json:"lastOffset,omitempty"`
	LastBatchAt *time.Time `json:"lastBatchAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func (s *Server) handleShapes(w http.ResponseWriter, correlationID string) {
	client, ok := s.replica.Current()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "not_ready", lifecycle.ErrNotReady.Error(), correlationID)
		return
	}
	var shapes = []shapeResponse{}
	for _, st := range client.Engine().Status() {
		item := shapeResponse{
			Key:         st.Key,
			Table:       st.Table,
			Where:       st.Where,
			UpToDate:    st.UpToDate,
			Subscribers: st.Subscribers,
			Batches:     st.Stats.Batches,
			Applied:     st.Stats.Applied,
			Skipped:     st.Stats.Skipped,
			Replayed:    st.Stats.Replayed,
			Invalid:     st.Stats.Invalid,
			Resets:      st.Stats.Resets,
			LastOffset:  st.Stats.LastOffset,
		}
		if !st.Stats.LastBatchAt.IsZero() {
			at := st.Stats.LastBatchAt.UTC()
			item.LastBatchAt = &at
		}
		if st.Err != nil {
			item.Error = st.Err.Error()
		}
		shapes = append(shapes, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": client.UserID(), "shapes": shapes})
}

type queryRequest struct {
	Query  string `json:"query"`
	Params []any  `json:"params"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req queryRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if !isReadOnlyQuery(req.Query) {
		writeError(w, http.StatusBadRequest, "bad_request", "query must be a single SELECT or WITH statement", correlationID)
		return
	}
	client, ok := s.replica.Current()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "not_ready", lifecycle.ErrNotReady.Error(), correlationID)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
	defer cancel()

	rows, err := client.Query(ctx, req.Query, req.Params...)
	switch {
	case errors.Is(err, lifecycle.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, "not_ready", err.Error(), correlationID)
		return
	case err != nil:
		s.log.WithFields(log.Fields{"correlationId": correlationID, "err": err}).Debug("replica query failed")
		writeError(w, http.StatusBadRequest, "query_failed", err.Error(), correlationID)
		return
	}
	if rows == nil {
		rows = []replicastore.Row{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

// isReadOnlyQuery accepts a single statement beginning with SELECT or WITH.
// Writes within such a statement are refused by the store's read-only
// transaction.
func isReadOnlyQuery(query string) bool {
	query = strings.TrimSpace(query)
	if i := strings.Index(strings.TrimRight(query, "; \t\n"), ";"); i >= 0 {
		return false
	}
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "WITH":
		return true
	}
	return false
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func clientKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return auth
	}
	return r.RemoteAddr
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

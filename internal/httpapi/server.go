package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/trackrelay/internal/trackrelay"
)

type ServerConfig struct {
	JWTSecret       string
	WebhookSecrets  map[string]string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Server exposes the webhook ingestion endpoints and the operator admin
// surface over HTTP. Webhook routes authenticate with a per-platform HMAC;
// admin routes with a scoped bearer token.
type Server struct {
	engine      *trackrelay.Engine
	cfg         ServerConfig
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

func NewServer(engine *trackrelay.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *trackrelay.Engine, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
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
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      engine,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" || r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		s.handleHealth(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) == 3 && parts[0] == "v1" && parts[1] == "hooks" && r.Method == http.MethodPost {
		s.handleWebhook(w, r, parts[2])
		return
	}

	if len(parts) >= 3 && parts[0] == "v1" && parts[1] == "admin" {
		s.handleAdmin(w, r, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy, detail := s.engine.CheckHealth(r.Context())
	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status, "detail": detail})
}

// handleWebhook ingests one platform delivery. Every terminal outcome,
// including deliberate skips, answers 200 so the source platform does not
// retry-storm; only authentication failures and a saturated queue say
// otherwise.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, platform string) {
	platform = strings.ToLower(strings.TrimSpace(platform))
	deliveryID := firstHeader(r, "X-Delivery-Id", "X-GitHub-Delivery", "X-Request-Id")

	if s.rateLimiter != nil {
		if !s.rateLimiter.allow("hook:"+platform, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", deliveryID)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body", deliveryID)
		return
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "body exceeds limit", deliveryID)
		return
	}

	signature := firstHeader(r, "X-Relay-Signature-256", "X-Hub-Signature-256")
	if authErr := verifyWebhookSignature(s.cfg.WebhookSecrets[platform], signature, body); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, deliveryID)
		return
	}

	event, err := s.engine.Ingest(platform, body, deliveryID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{
			"outcome": "queued",
			"eventId": event.EventID,
		})
	case errors.Is(err, trackrelay.ErrLoopDetected):
		writeJSON(w, http.StatusOK, map[string]string{"outcome": "filtered", "reason": err.Error()})
	case errors.Is(err, trackrelay.ErrValidation):
		writeJSON(w, http.StatusOK, map[string]string{"outcome": "skipped", "reason": err.Error()})
	case errors.Is(err, trackrelay.ErrQueueFull):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "queue_full", "event queue full", deliveryID)
	case errors.Is(err, trackrelay.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "engine is shutting down", deliveryID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), deliveryID)
	}
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request, parts []string) {
	var requiredScope string
	var route string
	switch {
	case len(parts) == 1 && parts[0] == "status" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "status"
	case len(parts) == 1 && parts[0] == "activity" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "activity"
	case len(parts) == 2 && parts[0] == "activity" && parts[1] == "stream" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "activity_stream"
	case len(parts) == 1 && parts[0] == "drift" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "drift"
	case len(parts) == 1 && parts[0] == "reconcile" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "reconcile"
	case len(parts) == 2 && parts[0] == "rebuild" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "rebuild"
	case len(parts) == 1 && parts[0] == "backfill" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "backfill"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	authHeader := r.Header.Get("Authorization")
	if route == "activity_stream" && authHeader == "" {
		// Browser WebSocket clients cannot set Authorization; accept the
		// token via query parameter for this route only.
		if token := r.URL.Query().Get("token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	if _, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}

	switch route {
	case "status":
		writeJSON(w, http.StatusOK, s.engine.Status())
	case "activity":
		s.handleActivity(w, r)
	case "activity_stream":
		s.handleActivityStream(w, r)
	case "drift":
		s.handleDrift(w, r)
	case "reconcile":
		writeJSON(w, http.StatusOK, s.engine.Reconcile(r.Context()))
	case "rebuild":
		s.handleRebuild(w, r, parts[1])
	case "backfill":
		s.handleBackfill(w, r)
	}
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", getCorrelationID(r))
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activities": s.engine.Recent(limit),
	})
}

func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	status := s.engine.Status()
	if status.LastReconcile == nil {
		writeError(w, http.StatusNotFound, "not_found", "no reconciliation has run yet", getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, status.LastReconcile)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request, platform string) {
	result, err := s.engine.Rebuild(r.Context(), platform)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, trackrelay.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), getCorrelationID(r))
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), getCorrelationID(r))
	}
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Records    []trackrelay.BackfillRecord `json:"records"`
		IntervalMs int                         `json:"intervalMs"`
	}
	body := io.LimitReader(r.Body, s.cfg.MaxBodyBytes*16)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", getCorrelationID(r))
		return
	}
	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "no records to replay", getCorrelationID(r))
		return
	}
	if req.IntervalMs < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid intervalMs", getCorrelationID(r))
		return
	}
	result, err := s.engine.Backfill(r.Context(), req.Records, time.Duration(req.IntervalMs)*time.Millisecond)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func firstHeader(r *http.Request, names ...string) string {
	for _, name := range names {
		if value := strings.TrimSpace(r.Header.Get(name)); value != "" {
			return value
		}
	}
	return ""
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
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

package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	wsadapter "teampoints/adapters/websocket"
	"teampoints/core"
	"teampoints/engine"
	"teampoints/gamify"
)

// Options configures the HTTP API surface.
type Options struct {
	// PathPrefix, if set, is prepended to all routes (e.g., "/api").
	PathPrefix string
	// AllowCORSOrigin, if non-empty, enables CORS for the given origin (use "*" for any).
	AllowCORSOrigin string
	// APIKeys, if non-empty, enables static API key auth via Authorization: Bearer or X-API-Key.
	APIKeys []string
	// RateLimitEnabled toggles rate limiting.
	RateLimitEnabled bool
	// RateLimitRPM is the allowed requests per minute per client key.
	RateLimitRPM int
	// RateLimitBurst defines burst capacity.
	RateLimitBurst int
	// MetricsPath serves Prometheus metrics when the engine carries analytics.
	MetricsPath string
	Logger      *slog.Logger
}

type handler struct {
	eng    *gamify.Engine
	logger *slog.Logger
}

// NewRouter builds the REST API and WebSocket stream.
// Routes:
//   - POST {prefix}/events
//   - GET  {prefix}/rules, GET {prefix}/rules/{name}
//   - POST {prefix}/rules, POST {prefix}/rules/reload
//   - GET  {prefix}/groups, GET {prefix}/groups/{id}
//   - GET  {prefix}/groups/{id}/history?rule=, GET {prefix}/groups/{id}/caps/{rule}
//   - GET  {prefix}/persons, GET {prefix}/persons/{id}
//   - GET  {prefix}/leaderboard/groups, GET {prefix}/leaderboard/persons
//   - GET  {prefix}/analytics/dashboard
//   - GET  {prefix}/healthz, WS {prefix}/ws, GET {prefix}/metrics
//
// Health and metrics stay reachable without an API key.
func NewRouter(eng *gamify.Engine, opts Options) http.Handler {
	h := &handler{eng: eng, logger: opts.Logger}
	if h.logger == nil {
		h.logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLog)
	if opts.AllowCORSOrigin != "" {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{opts.AllowCORSOrigin},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
			MaxAge:         300,
		}))
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", nil)
	})

	routes := func(r chi.Router) {
		r.Get("/healthz", h.health)
		if eng.Analytics != nil && eng.Analytics.Prometheus() != nil {
			path := opts.MetricsPath
			if path == "" {
				path = "/metrics"
			}
			r.Handle(path, eng.Analytics.Prometheus().Handler())
		}

		r.Group(func(r chi.Router) {
			if len(opts.APIKeys) > 0 {
				r.Use(apiKeyAuth(opts.APIKeys))
			}
			if opts.RateLimitEnabled && opts.RateLimitRPM > 0 && opts.RateLimitBurst > 0 {
				r.Use(rateLimit(opts.RateLimitRPM, opts.RateLimitBurst))
			}

			r.Post("/events", h.processEvent)
			r.Route("/rules", func(r chi.Router) {
				r.Get("/", h.listRules)
				r.Post("/", h.addRule)
				r.Post("/reload", h.reloadRules)
				r.Get("/{name}", h.getRule)
			})
			r.Route("/groups", func(r chi.Router) {
				r.Get("/", h.listGroups)
				r.Get("/{id}", h.getGroup)
				r.Get("/{id}/history", h.groupHistory)
				r.Get("/{id}/caps/{rule}", h.capStatus)
			})
			r.Route("/persons", func(r chi.Router) {
				r.Get("/", h.listPersons)
				r.Get("/{id}", h.getPerson)
			})
			r.Get("/leaderboard/groups", h.groupBoard)
			r.Get("/leaderboard/persons", h.personBoard)
			if eng.Analytics != nil {
				r.Get("/analytics/dashboard", h.dashboard)
			}
			if eng.Hub != nil {
				r.Handle("/ws", wsadapter.Handler(eng.Hub, h.logger))
			}
		})
	}

	prefix := strings.TrimSuffix(opts.PathPrefix, "/")
	if prefix == "" {
		routes(r)
	} else {
		r.Route(prefix, routes)
	}
	return r
}

// requestLog logs each request and records it in Prometheus under the
// matched route pattern.
func (h *handler) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		if h.eng.Analytics != nil {
			h.eng.Analytics.Prometheus().ObserveRequest(route, status, time.Since(start))
		}
		h.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// health verifies storage and the rule catalog respond.
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{"storage": "ok", "rules": "ok"}
	healthy := true
	if _, err := h.eng.Store.ListGroups(ctx); err != nil {
		checks["storage"] = "failed"
		healthy = false
	}
	if _, err := h.eng.GetLoadedRules(ctx); err != nil {
		checks["rules"] = "failed"
		healthy = false
	}
	status := map[string]any{"status": "healthy", "checks": checks}
	if !healthy {
		status["status"] = "unhealthy"
		writeJSONStatus(w, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, status)
}

type eventRequest struct {
	ActionType   string            `json:"actionType"`
	Participants core.Participants `json:"participants"`
}

func (h *handler) processEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	if strings.TrimSpace(req.ActionType) == "" {
		writeError(w, http.StatusBadRequest, "invalid_action", "actionType is required", nil)
		return
	}
	report, err := h.eng.Process(r.Context(), req.ActionType, req.Participants)
	if err != nil {
		if errors.Is(err, engine.ErrRuleSourceUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "rules_unavailable", err.Error(), nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "distribution_failed", "one or more rules failed", report)
		return
	}
	writeJSON(w, report)
}

func (h *handler) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.eng.GetLoadedRules(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]core.RuleDefinition, 0, len(rules))
	for _, rule := range rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, out)
}

func (h *handler) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.eng.GetRule(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, rule)
}

func (h *handler) addRule(w http.ResponseWriter, r *http.Request) {
	var rule core.RuleDefinition
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	if err := h.eng.AddRule(r.Context(), rule); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, rule)
}

func (h *handler) reloadRules(w http.ResponseWriter, r *http.Request) {
	n, err := h.eng.ReloadRules(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]any{"loaded": n})
}

func (h *handler) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.eng.RankGroups(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, groups)
}

type groupView struct {
	core.Group
	Members []core.Person `json:"members"`
}

func (h *handler) getGroup(w http.ResponseWriter, r *http.Request) {
	id := core.GroupID(chi.URLParam(r, "id"))
	g, err := h.eng.GetGroup(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	members, err := h.eng.GroupMembers(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, groupView{Group: g, Members: members})
}

func (h *handler) groupHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.eng.GroupHistory(r.Context(), core.GroupID(chi.URLParam(r, "id")), r.URL.Query().Get("rule"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if history == nil {
		history = []core.HistoryEntry{}
	}
	writeJSON(w, history)
}

func (h *handler) capStatus(w http.ResponseWriter, r *http.Request) {
	group := core.GroupID(chi.URLParam(r, "id"))
	rule := chi.URLParam(r, "rule")
	if _, err := h.eng.GetGroup(r.Context(), group); err != nil {
		writeEngineError(w, err)
		return
	}
	def, err := h.eng.GetRule(r.Context(), rule)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	points, last, err := h.eng.CapStatus(r.Context(), group, rule)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := map[string]any{"group": group, "rule": rule, "points": points, "last_reset": last}
	if def.Cap != nil {
		resp["max_points"] = def.Cap.MaxPoints
	}
	writeJSON(w, resp)
}

func (h *handler) listPersons(w http.ResponseWriter, r *http.Request) {
	persons, err := h.eng.RankPersons(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, persons)
}

type personView struct {
	core.Person
	TotalPoints int64 `json:"total_points"`
}

func (h *handler) getPerson(w http.ResponseWriter, r *http.Request) {
	p, err := h.eng.GetPerson(r.Context(), core.PersonID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, personView{Person: p, TotalPoints: p.TotalPoints()})
}

func (h *handler) groupBoard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.eng.Rankings.Groups.TopN(limitParam(r)))
}

func (h *handler) personBoard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.eng.Rankings.Persons.TopN(limitParam(r)))
}

func (h *handler) dashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.eng.Analytics.Dashboard())
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 10
	}
	return min(n, 1000)
}

// Helpers

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case engine.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrDuplicateRule):
		writeError(w, http.StatusConflict, "duplicate_rule", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidRule):
		writeError(w, http.StatusBadRequest, "invalid_rule", err.Error(), nil)
	case errors.Is(err, engine.ErrRuleSourceUnavailable):
		writeError(w, http.StatusServiceUnavailable, "rules_unavailable", err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string, details any) {
	writeJSONStatus(w, status, apiError{Code: code, Message: msg, Details: details})
}

// apiKeyAuth enforces a shared API key list.
func apiKeyAuth(apiKeys []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		k = strings.TrimSpace(k)
		if k != "" {
			allowed[k] = struct{}{}
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := extractAPIKey(r)
			if key == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing API key", nil)
				return
			}
			if _, ok := allowed[key]; !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit applies a token-bucket limiter per client key.
func rateLimit(rpm int, burst int) func(http.Handler) http.Handler {
	limiter := newRateLimiter(rpm, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(clientKey(r)) {
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// browsers cannot set headers on a websocket upgrade
	return r.URL.Query().Get("api_key")
}

// clientKey uses API key if present, otherwise remote IP.
func clientKey(r *http.Request) string {
	if key := extractAPIKey(r); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type rateLimiter struct {
	rpm   float64
	burst float64
	mu    sync.Mutex
	b     map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newRateLimiter(rpm, burst int) *rateLimiter {
	return &rateLimiter{
		rpm:   float64(rpm),
		burst: float64(burst),
		b:     make(map[string]*bucket),
	}
}

func (l *rateLimiter) allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.b[key]
	if !ok {
		l.b[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}
	b.tokens = min(l.burst, b.tokens+now.Sub(b.last).Minutes()*l.rpm)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

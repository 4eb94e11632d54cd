package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/engine"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/logger"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

const requestTimeout = 30 * time.Second

// Server exposes the engine operations as a JSON API.
type Server struct {
	engine   *engine.Engine
	router   chi.Router
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	logger   logger.Logger

	mu      sync.Mutex
	closing chan struct{}
	closed  bool
	streams sync.WaitGroup
}

// NewServer creates an API server. A nil gatherer serves the default registry.
func NewServer(e *engine.Engine, gatherer prometheus.Gatherer, log logger.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		engine:   e,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 10,
			WriteBufferSize: 8 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  log.With("component", "server"),
		closing: make(chan struct{}),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stream", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Post("/events", s.handleEmit)

			r.Route("/endpoints", func(r chi.Router) {
				r.Get("/", s.handleListEndpoints)
				r.Post("/", s.handleCreateEndpoint)
				r.Get("/{id}", s.handleGetEndpoint)
				r.Put("/{id}", s.handleUpdateEndpoint)
				r.Post("/{id}/test", s.handleTestEndpoint)
				r.Put("/{id}/rate-limits", s.handleRateLimits)
				r.Get("/{id}/violations", s.handleViolations)
			})

			r.Route("/deliveries", func(r chi.Router) {
				r.Get("/", s.handleListDeliveries)
				r.Get("/{id}", s.handleGetDelivery)
				r.Get("/{id}/attempts", s.handleAttempts)
				r.Post("/{id}/retry", s.handleRetry)
				r.Post("/{id}/cancel", s.handleCancel)
			})

			r.Route("/alert-rules", func(r chi.Router) {
				r.Get("/", s.handleListRules)
				r.Post("/", s.handleCreateRule)
				r.Patch("/{id}", s.handleToggleRule)
			})

			r.Route("/alerts", func(r chi.Router) {
				r.Get("/", s.handleListAlerts)
				r.Post("/evaluate", s.handleEvaluate)
				r.Post("/{id}/resolve", s.handleResolve)
			})

			r.Get("/budgets", s.handleListBudgets)
			r.Put("/budgets/{type}", s.handleConfigureBudget)
			r.Get("/budget-alerts", s.handleBudgetAlerts)
			r.Get("/recipients", s.handleRecipients)
			r.Post("/recipients/{recipient}/unblock", s.handleUnblock)
			r.Get("/notifications", s.handleNotifications)
		})
	})
	return r
}

// CloseStreams ends every open event stream with a going-away close frame,
// refuses new ones and waits for the stream handlers to return. http.Server
// does not track hijacked connections, so call it alongside Shutdown.
func (s *Server) CloseStreams() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.closing)
	}
	s.mu.Unlock()
	s.streams.Wait()
}

// trackStream registers a stream handler unless the server is closing.
func (s *Server) trackStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.streams.Add(1)
	return true
}

// Handler returns the HTTP handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.engine.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type endpointRequest struct {
	Name        string                  `json:"name"`
	URL         string                  `json:"url"`
	ServiceType model.ServiceType       `json:"service_type"`
	Channel     string                  `json:"channel"`
	Secret      string                  `json:"secret"`
	Enabled     *bool                   `json:"enabled"`
	EventTypes  []string                `json:"event_types"`
	Retry       model.RetryPolicy       `json:"retry_policy"`
	IPAllowlist []string                `json:"ip_allowlist"`
	RateLimits  []model.RateLimitWindow `json:"rate_limits"`
}

func (req *endpointRequest) endpoint() *model.Endpoint {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	st := req.ServiceType
	if st == "" {
		st = model.ServiceCustom
	}
	return &model.Endpoint{
		Name:        req.Name,
		URL:         req.URL,
		ServiceType: st,
		Channel:     req.Channel,
		Secret:      req.Secret,
		Enabled:     enabled,
		EventTypes:  req.EventTypes,
		Retry:       req.Retry,
		IPAllowlist: req.IPAllowlist,
		RateLimits:  req.RateLimits,
	}
}

func (s *Server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if !s.decode(w, r, &req) {
		return
	}
	ep, err := s.engine.CreateEndpoint(r.Context(), req.endpoint())
	s.respond(w, http.StatusCreated, ep, err)
}

func (s *Server) handleUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	current, err := s.engine.GetEndpoint(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ep := req.endpoint()
	ep.ID = id
	if ep.Secret == "" {
		ep.Secret = current.Secret
	}
	updated, err := s.engine.UpdateEndpoint(r.Context(), ep)
	s.respond(w, http.StatusOK, updated, err)
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	eps, err := s.engine.ListEndpoints(r.Context())
	s.respond(w, http.StatusOK, nonNil(eps), err)
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := s.engine.GetEndpoint(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, http.StatusOK, ep, err)
}

func (s *Server) handleTestEndpoint(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.TestEndpoint(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, http.StatusOK, d, err)
}

type rateLimitRequest struct {
	Preset  string                  `json:"preset"`
	Windows []model.RateLimitWindow `json:"windows"`
}

func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	var req rateLimitRequest
	if !s.decode(w, r, &req) {
		return
	}
	windows, err := s.engine.ConfigureRateLimits(r.Context(), chi.URLParam(r, "id"), req.Windows, req.Preset)
	s.respond(w, http.StatusOK, nonNil(windows), err)
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.ListViolations(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 100))
	s.respond(w, http.StatusOK, nonNil(v), err)
}

type emitRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	var req emitRequest
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.engine.Emit(r.Context(), req.EventType, req.Payload)
	s.respond(w, http.StatusAccepted, nonNil(out), err)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.DeliveryFilter{
		EndpointID: q.Get("endpoint_id"),
		Limit:      queryInt(r, "limit", 100),
	}
	for _, st := range q["status"] {
		filter.Statuses = append(filter.Statuses, model.DeliveryStatus(st))
	}
	out, err := s.engine.ListDeliveries(r.Context(), filter)
	s.respond(w, http.StatusOK, nonNil(out), err)
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.GetDelivery(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, http.StatusOK, d, err)
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.ListAttempts(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, http.StatusOK, nonNil(a), err)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.RetryDelivery(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, http.StatusCreated, d, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.CancelDelivery(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, http.StatusOK, d, err)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.engine.ListAlertRules(r.Context())
	s.respond(w, http.StatusOK, nonNil(rules), err)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	rule := model.AlertRule{Enabled: true}
	if !s.decode(w, r, &rule) {
		return
	}
	created, err := s.engine.CreateAlertRule(r.Context(), &rule)
	s.respond(w, http.StatusCreated, created, err)
}

func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"is_enabled"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		s.writeError(w, &model.ConfigError{Field: "is_enabled", Reason: "is required"})
		return
	}
	rule, err := s.engine.SetAlertRuleEnabled(r.Context(), chi.URLParam(r, "id"), *req.Enabled)
	s.respond(w, http.StatusOK, rule, err)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := s.engine.ListAlertEvents(r.Context(), model.AlertEventFilter{
		RuleID:         q.Get("rule_id"),
		UnresolvedOnly: q.Get("unresolved") == "true",
		Limit:          queryInt(r, "limit", 100),
	})
	s.respond(w, http.StatusOK, nonNil(out), err)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	fired, err := s.engine.EvaluateAlerts(r.Context())
	s.respond(w, http.StatusOK, nonNil(fired), err)
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Notes      string `json:"notes"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !s.decode(w, r, &req) {
		return
	}
	ev, err := s.engine.ResolveAlert(r.Context(), chi.URLParam(r, "id"), req.ResolvedBy, req.Notes)
	s.respond(w, http.StatusOK, ev, err)
}

func (s *Server) handleListBudgets(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.ListBudgets(r.Context())
	s.respond(w, http.StatusOK, nonNil(out), err)
}

func (s *Server) handleConfigureBudget(w http.ResponseWriter, r *http.Request) {
	var b model.Budget
	if !s.decode(w, r, &b) {
		return
	}
	b.Period = model.BudgetPeriod(chi.URLParam(r, "type"))
	saved, err := s.engine.ConfigureBudget(r.Context(), &b)
	s.respond(w, http.StatusOK, saved, err)
}

func (s *Server) handleBudgetAlerts(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.ListBudgetAlerts(r.Context(), queryInt(r, "limit", 100))
	s.respond(w, http.StatusOK, nonNil(out), err)
}

func (s *Server) handleRecipients(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.ListRecipients(r.Context(), r.URL.Query().Get("blocked") == "true")
	s.respond(w, http.StatusOK, nonNil(out), err)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	recipient := chi.URLParam(r, "recipient")
	err := s.engine.UnblockRecipient(r.Context(), recipient)
	s.respond(w, http.StatusOK, map[string]string{"recipient": recipient, "status": "unblocked"}, err)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.ListNotifications(r.Context(), queryInt(r, "limit", 100))
	s.respond(w, http.StatusOK, nonNil(out), err)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, status int, v any, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, status, v)
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	body := errorBody{Error: err.Error()}
	var cfgErr *model.ConfigError
	if errors.As(err, &cfgErr) {
		body.Field = cfgErr.Field
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

// StatusFor maps an engine error to its HTTP status code.
func StatusFor(err error) int {
	var cfgErr *model.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, model.ErrRateLimitExceeded),
		errors.Is(err, model.ErrRecipientRateLimited),
		errors.Is(err, model.ErrRecipientBlocked):
		return http.StatusTooManyRequests
	case errors.Is(err, model.ErrBudgetExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return def
	}
	return n
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Package gateway serves the local HTTP status API and the websocket feed of
// summary lifecycle events.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/chatdigest/internal/buffer"
	"github.com/basket/chatdigest/internal/bus"
	"github.com/basket/chatdigest/internal/digest"
	"github.com/basket/chatdigest/internal/otel"
	"github.com/basket/chatdigest/internal/shared"
	"github.com/basket/chatdigest/internal/trigger"
)

// Engine is the part of the coordinator exposed over HTTP.
type Engine interface {
	Statuses() []digest.Status
	Status(id string) (digest.Status, bool)
	Recent(id string, k int) ([]buffer.Message, bool)
	Trigger(ctx context.Context, id string, reason trigger.Reason) error
	InFlight() int
	StoreOK() bool
}

type Config struct {
	Engine Engine
	Bus    *bus.Bus
	// AuthToken, when set, is required on every route except /healthz.
	AuthToken    string
	AllowOrigins []string
	RateLimit    RateLimitConfig
	Metrics      *otel.Metrics
	Tracer       trace.Tracer
	Logger       *slog.Logger
}

type Server struct {
	cfg     Config
	router  *mux.Router
	limiter *RateLimiter
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer

	closing   chan struct{}
	closeOnce sync.Once
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Healthy       bool   `json:"healthy"`
	Conversations int    `json:"conversations"`
	InFlight      int    `json:"in_flight"`
	StoreOK       bool   `json:"store_ok"`
	EventsDropped uint64 `json:"events_dropped"`
}

// TriggerResponse is the body of POST /api/conversations/{id}/summarize.
type TriggerResponse struct {
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func New(cfg Config) *Server {
	s := &Server{
		cfg:     cfg,
		router:  mux.NewRouter(),
		limiter: NewRateLimiter(cfg.RateLimit),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		closing: make(chan struct{}),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = otel.NoopMetrics()
	}
	if s.tracer == nil {
		s.tracer = tracenoop.NewTracerProvider().Tracer(otel.TracerName)
	}
	// Conversation IDs may carry characters that clients percent-encode.
	s.router.UseEncodedPath()
	s.router.Use(s.instrument)
	s.registerRoutes()
	return s
}

// StartBackgroundTasks runs housekeeping until ctx is done.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/conversations", s.handleListConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}", s.handleGetConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", s.handleRecentMessages).Methods(http.MethodGet)
	api.Handle("/conversations/{id}/summarize",
		s.limiter.Wrap(http.HandlerFunc(s.handleSummarize))).Methods(http.MethodPost)
}

// Handler returns the root handler with CORS and authentication applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = NewTokenAuth(s.cfg.AuthToken).Wrap(h)
	if len(s.cfg.AllowOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins: s.cfg.AllowOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key"},
			MaxAge:         3600,
		})
		h = c.Handler(h)
	}
	return h
}

// instrument wraps each routed request in a server span and records its
// duration against the route template.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		start := time.Now()
		ctx, span := otel.StartServerSpan(r.Context(), s.tracer, r.Method+" "+route, otel.AttrRoute.String(route))
		defer span.End()
		traceID := shared.NewTraceID()
		if sc := span.SpanContext(); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
		ctx = shared.WithTraceID(ctx, traceID)
		w.Header().Set("X-Trace-Id", traceID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		otel.RecordDuration(ctx, s.metrics.RequestDuration, start,
			metric.WithAttributes(otel.AttrRoute.String(route)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required by the websocket handshake.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	storeOK := s.cfg.Engine.StoreOK()
	resp := HealthResponse{
		Healthy:       storeOK,
		Conversations: len(s.cfg.Engine.Statuses()),
		InFlight:      s.cfg.Engine.InFlight(),
		StoreOK:       storeOK,
	}
	if s.cfg.Bus != nil {
		resp.EventsDropped = s.cfg.Bus.Dropped()
	}
	code := http.StatusOK
	if !storeOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleListConversations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Engine.Statuses())
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	st, found := s.cfg.Engine.Status(id)
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown conversation"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleRecentMessages returns the latest buffered messages. limit defaults
// to the trigger threshold.
func (s *Server) handleRecentMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	msgs, found := s.cfg.Engine.Recent(id, limit)
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown conversation"})
		return
	}
	if msgs == nil {
		msgs = []buffer.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	err := s.cfg.Engine.Trigger(r.Context(), id, trigger.ReasonManual)
	code, status := triggerOutcome(err)
	resp := TriggerResponse{ConversationID: id, Status: status}
	if err != nil {
		resp.Error = err.Error()
		s.logger.InfoContext(r.Context(), "manual trigger not started", "conversation_id", id, "outcome", status)
	} else {
		s.logger.InfoContext(r.Context(), "manual trigger accepted", "conversation_id", id)
	}
	writeJSON(w, code, resp)
}

// triggerOutcome maps a Trigger result onto an HTTP status and a short word.
func triggerOutcome(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusAccepted, "accepted"
	case errors.Is(err, digest.ErrInFlight):
		return http.StatusConflict, "in_flight"
	case errors.Is(err, digest.ErrEmptyWindow):
		return http.StatusUnprocessableEntity, "empty"
	case errors.Is(err, digest.ErrNoProvider):
		return http.StatusServiceUnavailable, "no_provider"
	case errors.Is(err, digest.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down"
	default:
		return http.StatusInternalServerError, "error"
	}
}

func conversationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := url.PathUnescape(mux.Vars(r)["id"])
	if err != nil || id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid conversation id"})
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

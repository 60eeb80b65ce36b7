package gateway

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/clawgate/internal/config"
	"github.com/haasonsaas/clawgate/internal/cron"
	"github.com/haasonsaas/clawgate/internal/observability"
	"github.com/haasonsaas/clawgate/internal/sessions"
	"github.com/haasonsaas/clawgate/pkg/models"
)

const maxRequestBodyBytes = 1 << 20

// Server is the HTTP and WebSocket API surface.
type Server struct {
	config     config.GatewayConfig
	dispatcher *Dispatcher
	store      sessions.Store
	hub        *Hub
	scheduler  *cron.Scheduler
	logger     *slog.Logger
	metrics    *observability.Metrics
	gatherer   prometheus.Gatherer
	startTime  time.Time

	httpServer   *http.Server
	httpListener net.Listener
}

// ServerConfig carries the API server's collaborators.
type ServerConfig struct {
	Gateway    config.GatewayConfig
	Dispatcher *Dispatcher
	Store      sessions.Store
	Hub        *Hub
	Scheduler  *cron.Scheduler
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

// NewServer creates the API server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("server requires a dispatcher")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("server requires a session store")
	}
	if cfg.Hub == nil {
		return nil, fmt.Errorf("server requires an event hub")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		config:     cfg.Gateway,
		dispatcher: cfg.Dispatcher,
		store:      cfg.Store,
		hub:        cfg.Hub,
		scheduler:  cfg.Scheduler,
		logger:     cfg.Logger.With("component", "http"),
		metrics:    cfg.Metrics,
		gatherer:   cfg.Gatherer,
		startTime:  time.Now(),
	}, nil
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	mux.Handle("GET /v1/status", s.authenticated(s.handleStatus))
	mux.Handle("POST /v1/sessions/{key}/messages", s.authenticated(s.handlePostMessage))
	mux.Handle("GET /v1/sessions/{key}/stream", s.authenticated(s.handleStream))
	mux.Handle("GET /v1/sessions/{key}/history", s.authenticated(s.handleHistory))
	mux.Handle("DELETE /v1/sessions/{key}", s.authenticated(s.handleDeleteSession))
	mux.Handle("POST /v1/sessions/{key}/stop", s.authenticated(s.handleStopTurn))
	mux.Handle("GET /v1/sessions", s.authenticated(s.handleListSessions))
	mux.Handle("GET /v1/jobs", s.authenticated(s.handleListJobs))
	mux.Handle("POST /v1/jobs", s.authenticated(s.handleAddJob))
	mux.Handle("GET /v1/jobs/{id}", s.authenticated(s.handleGetJob))
	mux.Handle("DELETE /v1/jobs/{id}", s.authenticated(s.handleRemoveJob))
	mux.Handle("POST /v1/jobs/{id}/enable", s.authenticated(s.handleEnableJob))
	mux.Handle("POST /v1/jobs/{id}/disable", s.authenticated(s.handleDisableJob))
	mux.Handle("POST /v1/jobs/{id}/run", s.authenticated(s.handleRunJob))

	return s.withRequestMetrics(mux)
}

// Start begins serving on the configured address. It returns once the
// listener is bound; serving happens in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = server
	s.httpListener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	err := s.httpServer.Shutdown(ctx)
	s.httpServer = nil
	s.httpListener = nil
	return err
}

// authenticated enforces the bearer token on /v1 routes. An empty
// configured token disables auth.
func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthToken != "" {
			token := bearerToken(r)
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.AuthToken)) != 1 {
				s.respondError(w, http.StatusUnauthorized, "invalid or missing token")
				return
			}
		}
		next(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	// WebSocket clients in browsers cannot set headers.
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// withRequestMetrics counts requests by method, route pattern, and status.
func (s *Server) withRequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.metrics != nil {
			pattern := r.Pattern
			if pattern == "" {
				pattern = "unmatched"
			}
			s.metrics.HTTPRequestCounter.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).Inc()
		}
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

// Hijack lets the WebSocket upgrade through the metrics wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.Count(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jobs := 0
	if s.scheduler != nil {
		jobs = len(s.scheduler.Jobs())
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"sessions":       count,
		"jobs":           jobs,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

type postMessageRequest struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// handlePostMessage runs a full turn synchronously and returns the final
// assistant message. Concurrent posts to the same session queue in order.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	channel, channelID := splitSessionKey(key)

	var req postMessageRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.respondError(w, http.StatusBadRequest, "content is required")
		return
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		Channel:   channel,
		ChannelID: channelID,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   req.Content,
		Metadata:  req.Metadata,
		CreatedAt: time.Now().UTC(),
	}

	final, err := s.dispatcher.HandleMessage(r.Context(), msg)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		s.respondError(w, status, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, final)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	history, err := s.store.GetHistory(r.Context(), key, limit)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "session not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"session_key": key,
		"messages":    history,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.store.Delete(r.Context(), key); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "session not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.dispatcher.Stop(key)
	s.hub.Invalidate(key)
	if s.metrics != nil {
		if count, err := s.store.Count(r.Context()); err == nil {
			s.metrics.ActiveSessions.Set(float64(count))
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"deleted": key})
}

func (s *Server) handleStopTurn(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	stopped := s.dispatcher.Stop(key)
	s.respondJSON(w, http.StatusOK, map[string]any{"stopped": stopped})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{"jobs": []cron.JobInfo{}})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"jobs": s.scheduler.Jobs()})
}

type addJobRequest struct {
	ID         string `json:"id"`
	Schedule   string `json:"schedule"`
	SessionKey string `json:"session_key"`
	Message    string `json:"message"`
	Timezone   string `json:"timezone,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"`
}

func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.respondError(w, http.StatusNotFound, "no scheduler configured")
		return
	}
	var req addJobRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg := config.JobConfig{
		ID:         req.ID,
		Schedule:   req.Schedule,
		SessionKey: req.SessionKey,
		Message:    req.Message,
		Timezone:   req.Timezone,
		Enabled:    req.Enabled,
	}
	if err := s.scheduler.Add(cfg); err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "already exists") {
			status = http.StatusConflict
		}
		s.respondError(w, status, err.Error())
		return
	}
	info, _ := s.scheduler.Job(req.ID)
	s.respondJSON(w, http.StatusCreated, info)
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.respondError(w, http.StatusNotFound, "no scheduler configured")
		return
	}
	if err := s.scheduler.Remove(r.PathValue("id")); err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	info, ok := s.jobInfo(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleEnableJob(w http.ResponseWriter, r *http.Request) {
	s.setJobEnabled(w, r, true)
}

func (s *Server) handleDisableJob(w http.ResponseWriter, r *http.Request) {
	s.setJobEnabled(w, r, false)
}

func (s *Server) setJobEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	if s.scheduler == nil {
		s.respondError(w, http.StatusNotFound, "no scheduler configured")
		return
	}
	id := r.PathValue("id")
	if err := s.scheduler.SetEnabled(id, enabled); err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	info, _ := s.scheduler.Job(id)
	s.respondJSON(w, http.StatusOK, info)
}

// handleRunJob fires a job immediately, outside its schedule.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.respondError(w, http.StatusNotFound, "no scheduler configured")
		return
	}
	id := r.PathValue("id")
	if err := s.scheduler.RunJob(r.Context(), id); err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	info, _ := s.scheduler.Job(id)
	s.respondJSON(w, http.StatusOK, info)
}

func (s *Server) jobInfo(w http.ResponseWriter, r *http.Request) (cron.JobInfo, bool) {
	if s.scheduler == nil {
		s.respondError(w, http.StatusNotFound, "no scheduler configured")
		return cron.JobInfo{}, false
	}
	info, ok := s.scheduler.Job(r.PathValue("id"))
	if !ok {
		s.respondError(w, http.StatusNotFound, "job not found")
		return cron.JobInfo{}, false
	}
	return info, true
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return fmt.Errorf("request body is required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

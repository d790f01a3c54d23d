// Package server exposes the relay HTTP surface: the conversation stream
// endpoint, approval resolution, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/relay/internal/approval"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/internal/stream"
)

// Config configures the HTTP listener.
type Config struct {
	Host          string
	Port          int
	ShutdownGrace time.Duration
}

// Server is the inbound HTTP server.
type Server struct {
	config    Config
	logger    *observability.Logger
	metrics   *observability.Metrics
	upstream  stream.UpstreamClient
	executor  stream.ToolExecutor
	gateway   store.Gateway
	approvals *approval.Coordinator

	httpServer *http.Server
}

// New creates the server.
func New(cfg Config, upstream stream.UpstreamClient, executor stream.ToolExecutor,
	gateway store.Gateway, approvals *approval.Coordinator,
	logger *observability.Logger, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 15 * time.Second
	}

	s := &Server{
		config:    cfg,
		logger:    logger,
		metrics:   metrics,
		upstream:  upstream,
		executor:  executor,
		gateway:   gateway,
		approvals: approvals,
	}
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s.Handler(),
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/conversations/{id}/stream", s.handleStream)
	mux.HandleFunc("POST /v1/approvals/{id}", s.handleApproval)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info(context.Background(), "http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains connections within the configured grace.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownGrace)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type streamRequest struct {
	ConversationID string          `json:"conversationId"`
	Title          string          `json:"title,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Payload) == 0 {
		httpError(w, http.StatusBadRequest, "payload is required")
		return
	}

	conversationID := r.PathValue("id")
	if conversationID == "" || conversationID == "new" {
		conversationID = req.ConversationID
	}
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	mux := stream.NewMux(w, flusher, s.gateway, s.logger, s.metrics, conversationID, req.Title)
	engine := stream.NewEngine(conversationID, s.upstream, s.executor, mux, s.logger, s.metrics)
	engine.Run(r.Context(), req.Payload)
}

type approvalRequest struct {
	Approved bool `json:"approved"`
	Remember bool `json:"remember,omitempty"`
}

type approvalResponse struct {
	Resolution approval.Resolution `json:"resolution"`
	Remember   bool                `json:"remember"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	outcome, err := s.approvals.Resolve(id, req.Approved, req.Remember)
	if errors.Is(err, approval.ErrNotFound) {
		httpError(w, http.StatusNotFound, "approval request not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "resolve approval failed")
		return
	}

	// Duplicate submissions get the original outcome with a 200.
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(approvalResponse{
		Resolution: outcome.Resolution,
		Remember:   outcome.Remember,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

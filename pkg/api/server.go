// Package api provides the control-plane HTTP server: flow reads, batch
// dispatch, approve/reject/pause/resume relays, and the WebSocket viewer
// stream.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftworks/toolflow/pkg/bus"
	"github.com/driftworks/toolflow/pkg/dispatch"
	"github.com/driftworks/toolflow/pkg/flow"
	"github.com/driftworks/toolflow/pkg/logging"
	"github.com/driftworks/toolflow/pkg/storage"
)

// FlowReader is the storage surface the read endpoints need.
type FlowReader interface {
	GetFlow(ctx context.Context, messageID string) (*storage.FlowDocument, error)
	CreateMessage(ctx context.Context, messageID, appID string) error
}

// BatchDispatcher starts tool batches. *dispatch.Dispatcher satisfies it.
type BatchDispatcher interface {
	Dispatch(ctx context.Context, messageID string, calls []dispatch.ToolCall, iterationCount int) (string, error)
}

// ControlGate relays control-plane decisions. *gate.Gate satisfies it.
type ControlGate interface {
	Approve(ctx context.Context, messageID, executionID string, approvedFiles []string, callerID string) error
	Reject(ctx context.Context, messageID, executionID, callerID string) error
	Pause(ctx context.Context, executionID, callerID string) error
	Resume(ctx context.Context, executionID, callerID string) error
	Paused(ctx context.Context, executionID string) bool
}

// ServerConfig configures the control-plane server.
type ServerConfig struct {
	// Address to listen on (default :8080).
	Address    string
	Store      FlowReader
	Dispatcher BatchDispatcher
	Gate       ControlGate
	// Transport feeds the WebSocket viewer stream.
	Transport bus.Transport
	Logger    *logging.Logger
}

// Server is the control-plane HTTP server.
type Server struct {
	cfg        ServerConfig
	httpServer *http.Server
	router     chi.Router
}

// NewServer creates the server and mounts all routes.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	s := &Server{cfg: cfg}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/messages/{messageID}", func(r chi.Router) {
			r.Get("/flow", s.handleGetFlow)
			r.Post("/dispatch", s.handleDispatch)
			r.Route("/executions/{executionID}", func(r chi.Router) {
				r.Post("/approve", s.handleApprove)
				r.Post("/reject", s.handleReject)
			})
			r.Get("/stream", s.handleStream)
		})
		r.Route("/executions/{executionID}", func(r chi.Router) {
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
		})
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.cfg.Logger.Info(logging.CategoryAPI, "server_listening", "", map[string]any{
		"address": s.cfg.Address,
	})
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains connections and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// callerID extracts the caller identity the gate authorizes. Authentication
// itself happens upstream; the header carries the already-verified identity.
func callerID(r *http.Request) string {
	return r.Header.Get("X-Caller-ID")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// flowResponse is the wire form of a flow document.
type flowResponse struct {
	MessageID        string    `json:"messageId"`
	AppID            string    `json:"appId"`
	ConversationFlow *flow.Log `json:"conversationFlow"`
	Version          int64     `json:"version"`
}

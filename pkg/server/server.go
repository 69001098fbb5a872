// Package server implements the development agent server: a JSON-RPC
// endpoint with an SSE streaming variant, suitable for exercising clients
// without a real agent runtime behind it.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/strand-agents/strand/pkg/a2a"
	"github.com/strand-agents/strand/pkg/config"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Server serves the JSON-RPC and SSE endpoints.
type Server struct {
	cfg       config.ServerConfig
	responder Responder
	server    *http.Server
}

// Option configures the server.
type Option func(*Server)

// WithResponder sets the responder that produces results and streams.
// Defaults to an EchoResponder.
func WithResponder(r Responder) Option {
	return func(s *Server) {
		s.responder = r
	}
}

// New creates a server from config.
func New(cfg config.ServerConfig, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		responder: NewEchoResponder(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Post("/rpc", s.handleRPC)
	r.Post("/rpc/stream", s.handleStream)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.cfg.Address(),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: streams stay open indefinitely.
		IdleTimeout: 120 * time.Second,
	}

	slog.Info("Server starting", "address", s.cfg.Address())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	slog.Info("Server shutting down")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// ============================================================================
// HANDLERS
// ============================================================================

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	req, rpcErr := decodeRequest(r)
	if rpcErr != nil {
		writeRPCError(w, "", rpcErr)
		return
	}

	result, err := s.responder.Respond(r.Context(), req)
	if err != nil {
		writeRPCError(w, req.ID, asRPCError(err))
		return
	}

	writeJSON(w, a2a.Response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, rpcErr := decodeRequest(r)
	if rpcErr != nil {
		writeRPCError(w, "", rpcErr)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(f a2a.Frame) error {
		wire, err := a2a.EncodeFrame(&f)
		if err != nil {
			return err
		}
		if _, err := w.Write(wire); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := s.responder.Stream(r.Context(), req, emit); err != nil {
		// Best effort: the stream may already be half-written.
		if errFrame, encErr := errorFrame(asRPCError(err)); encErr == nil {
			_ = emit(errFrame)
		}
		slog.Warn("Stream ended with error", "method", req.Method, "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// ============================================================================
// ENCODING HELPERS
// ============================================================================

func decodeRequest(r *http.Request) (*a2a.Request, *a2a.Error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return nil, a2a.NewError(a2a.CodeInternalError, "failed to read request body")
	}

	var req a2a.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, a2a.NewError(a2a.CodeParseError, "invalid JSON")
	}
	if req.JSONRPC != "2.0" || req.ID == "" {
		return nil, a2a.NewError(a2a.CodeInvalidRequest, "not a JSON-RPC 2.0 request")
	}
	if !a2a.KnownMethod(req.Method) {
		return nil, a2a.NewError(a2a.CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
	if req.Params.SessionID == "" || req.Params.CorrelationID == "" {
		return nil, a2a.NewError(a2a.CodeInvalidParams, "params must carry sessionId and correlationId")
	}
	return &req, nil
}

func asRPCError(err error) *a2a.Error {
	if rpcErr, ok := err.(*a2a.Error); ok {
		return rpcErr
	}
	return a2a.NewError(a2a.CodeExecutionFailed, err.Error())
}

func writeRPCError(w http.ResponseWriter, id string, rpcErr *a2a.Error) {
	writeJSON(w, a2a.Response{JSONRPC: "2.0", ID: id, Error: rpcErr})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func errorFrame(rpcErr *a2a.Error) (a2a.Frame, error) {
	payload, err := json.Marshal(rpcErr)
	if err != nil {
		return a2a.Frame{}, err
	}
	return a2a.Frame{Event: a2a.FrameError, Data: payload}, nil
}

func requestLogger(next http.Handler) http.Handler {
	// ResponseWriter is passed through unwrapped so http.Flusher keeps
	// working for SSE.
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

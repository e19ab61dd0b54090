// Package server implements the webhook HTTP boundary: the push delivery
// endpoint plus container lifecycle probes.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/edgard/chatbridge/internal/config"
	"github.com/edgard/chatbridge/internal/event"
	"github.com/edgard/chatbridge/internal/session"
)

// Verifier authenticates inbound push deliveries.
type Verifier interface {
	Verify(ctx context.Context, token, expectedEmail string) bool
}

// Handler processes classified events.
type Handler interface {
	Handle(ctx context.Context, requestID string, ev event.Event) error
}

// Server is the webhook HTTP server. Each delivery is handled independently;
// ordering correctness is the state machine's responsibility, not the
// transport's.
type Server struct {
	cfg             config.ServerConfig
	expectedAccount string
	verifier        Verifier
	engine          Handler
	logger          *slog.Logger
	httpServer      *http.Server
	shuttingDown    atomic.Bool
}

// New creates the webhook server. An empty expectedAccount disables push
// authentication: verification is optional-by-configuration, and the handler
// is where that decision is made.
func New(cfg config.ServerConfig, expectedAccount string, verifier Verifier, engine Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:             cfg,
		expectedAccount: expectedAccount,
		verifier:        verifier,
		engine:          engine,
		logger:          logger.With("component", "http_server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /liveness", s.handleLiveness)
	mux.HandleFunc("GET /readiness", s.handleReadiness)
	mux.HandleFunc("POST /webhook", s.handleWebhook)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.withRequestLog(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the server's HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then drains in-flight requests within
// the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.cfg.ListenAddr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.shuttingDown.Store(true)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown error", "error", err)
			return fmt.Errorf("http server shutdown: %w", err)
		}
		<-errCh
		s.logger.Info("HTTP server stopped gracefully")
		return nil

	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	if s.shuttingDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if s.shuttingDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleWebhook authenticates, classifies, and processes one push delivery.
// Status mapping: 401 authentication failure (no backend calls made), 500
// when the mandatory chat-state fetch fails (the source redelivers), 200 for
// everything else including deliberately ignored deliveries.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	log := s.logger.With("request_id", requestID)

	if s.expectedAccount != "" {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			log.WarnContext(r.Context(), "push delivery without bearer token")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !s.verifier.Verify(r.Context(), token, s.expectedAccount) {
			log.WarnContext(r.Context(), "push delivery failed token verification")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		log.ErrorContext(r.Context(), "failed to read request body", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	ev := event.Classify(body)
	if err := s.engine.Handle(r.Context(), requestID, ev); err != nil {
		if errors.Is(err, session.ErrUpstream) {
			log.ErrorContext(r.Context(), "event left unprocessed, expecting redelivery", "error", err)
		} else {
			log.ErrorContext(r.Context(), "event processing failed", "error", err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// bearerToken extracts the token from an Authorization header value.
func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withRequestLog logs method, path, status, and duration for every request.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		s.logger.Info("Handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"duration", time.Since(startTime))
	})
}

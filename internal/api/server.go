// Package api exposes the HTTP interface for the support service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruoliu2/partassist/internal/agent"
	"github.com/ruoliu2/partassist/internal/catalog"
	"github.com/ruoliu2/partassist/internal/config"
	"github.com/ruoliu2/partassist/internal/ingest"
	"github.com/ruoliu2/partassist/internal/metrics"
)

// AnswerRunner is the agent surface the chat endpoints use.
type AnswerRunner interface {
	Run(ctx context.Context, query string, onDelta func(string)) (agent.Answer, error)
	RunSync(ctx context.Context, query string) (agent.Answer, error)
	SummarizeTitle(ctx context.Context, query string) string
}

// CrawlService starts ingestion runs on request.
type CrawlService interface {
	Run(ctx context.Context, mode catalog.RunMode, seeds []string, forceRequeue bool) (ingest.RunSummary, error)
}

// Server wires HTTP handlers to the agent, retrieval engine, and crawler.
type Server struct {
	router chi.Router
	runner AnswerRunner
	engine agent.Engine
	traces catalog.TraceStore
	crawls CrawlService
	ids    catalog.IDGenerator
	cfg    config.Config
	logger *zap.Logger

	sessions *sessionRegistry
}

// NewServer constructs a Server with middleware and routes. crawls may be
// nil when the binary runs without the ingestion pool.
func NewServer(
	runner AnswerRunner,
	engine agent.Engine,
	traces catalog.TraceStore,
	crawls CrawlService,
	ids catalog.IDGenerator,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		runner:   runner,
		engine:   engine,
		traces:   traces,
		crawls:   crawls,
		ids:      ids,
		cfg:      cfg,
		logger:   logger,
		sessions: newSessionRegistry(),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat", s.chatStream)
		r.Post("/chat/sync", s.chatSync)
		r.Post("/chat/{session_id}/cancel", s.cancelChat)
		r.Post("/chat/title", s.chatTitle)
		r.Post("/compatibility", s.checkCompatibility)
		r.Get("/runs/{run_id}/trace", s.getTrace)
		r.Post("/crawl", s.startCrawl)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type chatRequest struct {
	Query string `json:"query"`
}

// chatStream answers a question over Server-Sent Events. The first event
// carries the session id so the client can cancel mid-run; text deltas
// follow as they arrive, and a final event carries the full cited answer.
func (s *Server) chatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "missing query")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sessionID, err := s.ids.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session id generation failed")
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	s.sessions.register(sessionID, cancel)
	defer s.sessions.remove(sessionID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, flusher, "session", map[string]string{"session_id": sessionID})

	answer, err := s.runner.Run(ctx, req.Query, func(delta string) {
		writeSSE(w, flusher, "delta", map[string]string{"text": delta})
	})
	if err != nil {
		s.logger.Error("chat run failed", zap.String("session_id", sessionID), zap.Error(err))
		writeSSE(w, flusher, "error", map[string]string{"error": "answer generation failed"})
		return
	}
	writeSSE(w, flusher, "final", answer)
}

func (s *Server) chatSync(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "missing query")
		return
	}
	answer, err := s.runner.RunSync(r.Context(), req.Query)
	if err != nil {
		s.logger.Error("chat run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "answer generation failed")
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (s *Server) cancelChat(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if !s.sessions.cancel(sessionID) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "status": "cancelled"})
}

func (s *Server) chatTitle(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "missing query")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"title": s.runner.SummarizeTitle(r.Context(), req.Query)})
}

type compatibilityRequest struct {
	ModelNumber string `json:"model_number"`
	PartNumber  string `json:"part_number"`
}

func (s *Server) checkCompatibility(w http.ResponseWriter, r *http.Request) {
	var req compatibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.engine.CheckCompatibility(r.Context(), req.ModelNumber, req.PartNumber)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getTrace(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	entries, err := s.traces.List(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load trace")
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "entries": entries})
}

type crawlRequest struct {
	Mode         string   `json:"mode"`
	Seeds        []string `json:"seeds"`
	ForceRequeue bool     `json:"force_requeue"`
}

// startCrawl kicks off an ingestion run in the background and returns
// immediately; progress is observable via metrics and published events.
func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	if s.crawls == nil {
		writeError(w, http.StatusServiceUnavailable, "crawling is not enabled on this instance")
		return
	}
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	mode := catalog.RunMode(req.Mode)
	switch mode {
	case catalog.RunModePrefetch, catalog.RunModeIncremental:
	case "":
		mode = catalog.RunModeIncremental
	default:
		writeError(w, http.StatusBadRequest, "mode must be prefetch or incremental")
		return
	}

	go func() {
		summary, err := s.crawls.Run(context.Background(), mode, req.Seeds, req.ForceRequeue)
		if err != nil {
			s.logger.Error("background crawl failed", zap.Error(err))
			return
		}
		s.logger.Info("background crawl finished", zap.String("run_id", summary.RunID))
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "mode": string(mode)})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if _, err := w.Write([]byte("event: " + event + "\ndata: " + string(data) + "\n\n")); err != nil {
		return
	}
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// Flush forwards flushes so SSE keeps streaming behind the recorder.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijack not supported")
}

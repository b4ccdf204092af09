package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/schema-crawler/internal/config"
	"github.com/JakeFAU/schema-crawler/internal/crawler"
	"github.com/JakeFAU/schema-crawler/internal/telemetry"
)

// Scheduler is the slice of the crawl scheduler the HTTP layer needs.
type Scheduler interface {
	SubmitURLs(ctx context.Context, site string, urls []string) (int, error)
	TogglePause(ctx context.Context, site string) (bool, error)
	RemoveSite(ctx context.Context, site string) error
}

// Discoverer locates crawlable URLs for a site when the caller submits none.
type Discoverer interface {
	DiscoverURLs(ctx context.Context, site string) ([]string, error)
}

// QueueInspector exposes the queue depth for the status endpoint.
type QueueInspector interface {
	Depth(ctx context.Context) (int, error)
}

// Server wires HTTP handlers to the scheduler and ledger.
type Server struct {
	router     chi.Router
	scheduler  Scheduler
	ledger     crawler.Ledger
	queue      QueueInspector
	discoverer Discoverer
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	scheduler Scheduler,
	ledger crawler.Ledger,
	queue QueueInspector,
	discoverer Discoverer,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		scheduler:  scheduler,
		ledger:     ledger,
		queue:      queue,
		discoverer: discoverer,
		cfg:        cfg,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
	}))
	r.Use(telemetry.Middleware)
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sites", func(r chi.Router) {
			r.Post("/", s.submitSite)
			r.Get("/", s.listSites)
			r.Route("/{site}", func(r chi.Router) {
				r.Get("/status", s.getSiteStatus)
				r.Post("/pause", s.togglePause)
				r.Delete("/", s.removeSite)
				r.Get("/dead-letters", s.listDeadLetters)
			})
		})
		r.Get("/queue/status", s.queueStatus)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.queue.Depth(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitSiteRequest struct {
	Site string   `json:"site"`
	URLs []string `json:"urls"`
}

type submitSiteResponse struct {
	Site      string `json:"site"`
	Admitted  int    `json:"admitted"`
	TotalURLs int64  `json:"total_urls"`
}

func (s *Server) submitSite(w http.ResponseWriter, r *http.Request) {
	var req submitSiteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Site = strings.TrimSpace(req.Site)
	if req.Site == "" {
		s.writeError(w, http.StatusBadRequest, "site required")
		return
	}

	urls := req.URLs
	if len(urls) == 0 {
		discovered, err := s.discoverer.DiscoverURLs(r.Context(), req.Site)
		if err != nil {
			s.writeError(w, http.StatusBadGateway, fmt.Sprintf("discovery failed: %v", err))
			return
		}
		urls = discovered
	}

	admitted, err := s.scheduler.SubmitURLs(r.Context(), req.Site, urls)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status, err := s.ledger.GetSite(r.Context(), req.Site)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, submitSiteResponse{
		Site:      req.Site,
		Admitted:  admitted,
		TotalURLs: status.TotalURLs,
	})
}

func (s *Server) listSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.ledger.ListSites(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sites == nil {
		sites = []crawler.SiteStatus{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sites": sites})
}

func (s *Server) getSiteStatus(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	status, err := s.ledger.GetSite(r.Context(), site)
	if err != nil {
		if errors.Is(err, crawler.ErrSiteNotFound) {
			s.writeError(w, http.StatusNotFound, "site not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) togglePause(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	paused, err := s.scheduler.TogglePause(r.Context(), site)
	if err != nil {
		if errors.Is(err, crawler.ErrSiteNotFound) {
			s.writeError(w, http.StatusNotFound, "site not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"site": site, "paused": paused})
}

func (s *Server) removeSite(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	if err := s.scheduler.RemoveSite(r.Context(), site); err != nil {
		if errors.Is(err, crawler.ErrSiteNotFound) {
			s.writeError(w, http.StatusNotFound, "site not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"site": site, "status": "removed"})
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	if _, err := s.ledger.GetSite(r.Context(), site); err != nil {
		if errors.Is(err, crawler.ErrSiteNotFound) {
			s.writeError(w, http.StatusNotFound, "site not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	letters, err := s.ledger.ListDeadLetters(r.Context(), site)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if letters == nil {
		letters = []crawler.DeadLetter{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"site": site, "dead_letters": letters})
}

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	telemetry.SetQueueDepth(depth)
	s.writeJSON(w, http.StatusOK, map[string]int{"depth": depth})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

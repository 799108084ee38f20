package jumpurl

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/newsmail/internal/config"
	"github.com/foxzi/newsmail/internal/ipfilter"
	"github.com/foxzi/newsmail/internal/metrics"
	"github.com/foxzi/newsmail/internal/models"
)

// StatsStore aggregates the delivery log of a mailing
type StatsStore interface {
	Stats(mail int64) (*models.LogStats, error)
}

// StatsResponse is the response for GET /api/v1/mailings/{id}/stats
type StatsResponse struct {
	Mailing    int64            `json:"mailing"`
	Subject    string           `json:"subject"`
	Status     string           `json:"status"`
	Recipients int              `json:"recipients"`
	Progress   int              `json:"progress"`
	Log        *models.LogStats `json:"log"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// ErrorResponse is the error response of the reporting API
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server exposes the jump handler and the reporting API
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	jump       *Handler
	mailings   MailingStore
	stats      StatsStore
	config     *config.TrackingConfig
	apiFilter  *ipfilter.Filter
	tlsConfig  *tls.Config
	logger     *slog.Logger
	startTime  time.Time
}

func NewServer(jump *Handler, mailings MailingStore, stats StatsStore, cfg *config.TrackingConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		jump:      jump,
		mailings:  mailings,
		stats:     stats,
		config:    cfg,
		apiFilter: ipfilter.New(cfg.APIAllowedIPs, logger),
		logger:    logger.With("component", "http"),
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	s.router.Get("/health", s.handleHealth)
	s.router.Method(http.MethodGet, s.config.Path, s.jump)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.apiFilter.Middleware)
		r.Use(s.authMiddleware)
		r.Get("/mailings/{id}/stats", s.handleStats)
	})
}

// Handler returns the routed handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetTLSConfig makes ListenAndServe serve HTTPS
func (s *Server) SetTLSConfig(cfg *tls.Config) {
	s.tlsConfig = cfg
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		TLSConfig:    s.tlsConfig,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting tracking server",
		"addr", s.config.ListenAddr,
		"path", s.config.Path,
		"tls", s.tlsConfig != nil,
		"api_ip_filter", s.apiFilter.Count(),
	)
	if s.tlsConfig != nil {
		return s.httpServer.ListenAndServeTLS("", "")
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down tracking server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	uid, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || uid <= 0 {
		s.sendError(w, http.StatusBadRequest, "invalid mailing id")
		return
	}

	m, err := s.mailings.GetByID(uid)
	if err != nil {
		s.logger.Error("failed to load mailing", "mailing", uid, "error", err)
		s.sendError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if m == nil {
		s.sendError(w, http.StatusNotFound, "mailing not found")
		return
	}

	stats, err := s.stats.Stats(uid)
	if err != nil {
		s.logger.Error("failed to aggregate log", "mailing", uid, "error", err)
		s.sendError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.sendJSON(w, http.StatusOK, StatsResponse{
		Mailing:    m.UID,
		Subject:    m.Subject,
		Status:     m.Status,
		Recipients: m.NumberOfRecipients,
		Progress:   m.DeliveryProgress,
		Log:        stats,
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware accepts the key as a bearer token or in X-API-Key
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			auth = r.Header.Get("X-API-Key")
		}
		auth = strings.TrimPrefix(auth, "Bearer ")

		if auth != s.config.APIKey {
			s.logger.Warn("unauthorized API request", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			s.sendError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

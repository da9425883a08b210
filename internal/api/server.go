package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"replay-sandbox/internal/config"
	"replay-sandbox/internal/monitor"
	"replay-sandbox/internal/storage"
)

// Server is the main HTTP server for the execution API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	limiter    *RateLimiter
	cfg        *config.Config
	startTime  time.Time
	sweepCtx   context.Context
	stop       context.CancelFunc
}

// NewServer creates and configures the HTTP server with all routes and
// middleware. db and auditWriter may be nil.
func NewServer(cfg *config.Config, executor Executor, db *storage.DB, auditWriter *storage.AuditWriter, metrics *monitor.Metrics) *Server {
	var store AuditStore
	if db != nil {
		store = db
	}
	return newServer(cfg, executor, store, auditWriter, metrics)
}

func newServer(cfg *config.Config, executor Executor, store AuditStore, auditWriter *storage.AuditWriter, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(executor, store, auditWriter, metrics)

	s := &Server{
		handlers:  handlers,
		limiter:   NewRateLimiter(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst),
		cfg:       cfg,
		startTime: time.Now(),
	}
	s.sweepCtx, s.stop = context.WithCancel(context.Background())

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is true, all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false, all requests will be rejected")
		}
	}

	// Execution API, wrapped with auth and rate limiting
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /execute", handlers.HandleExecute)
	apiMux.HandleFunc("POST /execute/stream", handlers.HandleExecuteStream)
	apiMux.HandleFunc("GET /executions", handlers.HandleListExecutions)
	apiMux.HandleFunc("GET /executions/{id}", handlers.HandleGetExecution)

	var authedAPI http.Handler = apiMux
	authedAPI = s.limiter.Middleware(authedAPI)
	authedAPI = AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)(authedAPI)
	authedAPI = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(authedAPI)

	// Top-level mux: health/metrics bypass auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost last)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	handler = otelhttp.NewHandler(handler, "replay-sandbox",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	go s.limiter.Run(s.sweepCtx)

	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	s.stop()
	return s.httpServer.Shutdown(ctx)
}

// handleHealth is a liveness check. The audit database is reported but does
// not affect the status, since executions run without it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:           "ok",
		Database:         s.handlers.store == nil || s.handlers.store.Healthy(r.Context()),
		ActiveExecutions: s.handlers.executor.ActiveCount(),
		Uptime:           time.Since(s.startTime).Round(time.Second).String(),
	})
}

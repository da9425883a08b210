package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"replay-sandbox/internal/api"
	"replay-sandbox/internal/config"
	"replay-sandbox/internal/engine"
	"replay-sandbox/internal/fetch"
	"replay-sandbox/internal/monitor"
	"replay-sandbox/internal/sandbox"
	"replay-sandbox/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	if err := cfg.ApplyEnv(); err != nil {
		log.Fatal().Err(err).Msg("invalid environment override")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (optional)
	if cfg.Tracing.Enabled {
		shutdownTracing, err := monitor.SetupTracing(ctx, monitor.TracingOptions{
			ServiceName: "replay-sandbox",
			Environment: os.Getenv("ENV"),
			Endpoint:    cfg.Tracing.Endpoint,
			SampleRate:  cfg.Tracing.Sample,
			Insecure:    cfg.Tracing.Insecure,
		})
		if err != nil {
			log.Warn().Err(err).Msg("tracing unavailable, continuing without it")
		} else {
			defer func() {
				flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer flushCancel()
				if err := shutdownTracing(flushCtx); err != nil {
					log.Error().Err(err).Msg("tracer shutdown error")
				}
			}()
		}
	}

	metrics := monitor.NewMetrics()
	tracer := monitor.NewTracer()

	// One outbound client for the whole process.
	client := fetch.NewClient(cfg.Fetch)
	resolver := fetch.NewResolver(
		fetch.NewHTTPTransport(client, cfg.Fetch.MaxResponseBytes),
		fetch.WithPolicy(fetch.NewHostPolicy(cfg.Fetch.AllowedHosts, cfg.Fetch.BlockedHosts)),
		fetch.WithMaxConcurrency(cfg.Fetch.MaxConcurrency),
		fetch.WithMetrics(metrics),
		fetch.WithTracer(tracer),
	)

	executor := engine.New(sandbox.NewFactory(cfg.Sandbox.Limits), resolver,
		engine.WithMetrics(metrics),
		engine.WithTracer(tracer),
		engine.WithDetector(monitor.NewEscapeDetector()),
		engine.WithStrictReplay(cfg.Sandbox.StrictReplay),
		engine.WithMaxConcurrent(cfg.Sandbox.MaxConcurrent),
		engine.WithMaxCodeBytes(cfg.Sandbox.MaxCodeBytes),
	)

	// Initialize database (optional, runs without it for development)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN, storage.PoolConfig{
			MaxConns:        int32(cfg.Database.MaxOpenConns),
			MinConns:        int32(cfg.Database.MaxIdleConns),
			MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
			db = nil
		} else if err := db.EnsureSchema(ctx); err != nil {
			log.Warn().Err(err).Msg("audit schema unavailable, audit logging disabled")
			db.Close()
			db = nil
		} else {
			defer db.Close()
		}
	}

	// Initialize audit writer (buffered, off the request path)
	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, cfg.Database.AuditBuffer)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	server := api.NewServer(cfg, executor, db, auditWriter, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		if err := executor.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("executor drain error")
		}

		client.CloseIdleConnections()
		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Bool("tracing_enabled", cfg.Tracing.Enabled).
		Dur("eval_timeout", cfg.Sandbox.EvalTimeout).
		Int("max_concurrent", cfg.Sandbox.MaxConcurrent).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	<-ctx.Done()
	log.Info().Msg("server stopped")
}

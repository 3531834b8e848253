package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/symcheck/symcheck/internal/config"
	"github.com/symcheck/symcheck/internal/domain/diagnosis"
	"github.com/symcheck/symcheck/internal/domain/symptom"
	"github.com/symcheck/symcheck/internal/platform/auth"
	"github.com/symcheck/symcheck/internal/platform/db"
	"github.com/symcheck/symcheck/internal/platform/diagnostic"
	"github.com/symcheck/symcheck/internal/platform/hipaa"
	"github.com/symcheck/symcheck/internal/platform/middleware"
	"github.com/symcheck/symcheck/internal/platform/telemetry"
	"github.com/symcheck/symcheck/internal/platform/webhook"
)

const shutdownTimeout = 10 * time.Second

// app is a fully wired server and the resources it must release.
type app struct {
	echo       *echo.Echo
	pipeline   *diagnosis.Pipeline
	dispatcher *diagnosis.Dispatcher
	notifier   *webhook.Notifier
	closers    []func() error
}

// newApp builds the server from cfg. SQLite databases are migrated on start;
// Postgres expects `migrate up` to have been run.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	metrics := telemetry.NewProvider()

	conn, err := openDatabase(ctx, cfg, cfg.DatabaseDriver != config.DriverPostgres)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, func() error { conn.close(); return nil })
	logger.Info().Str("driver", string(conn.dialect)).Msg("connected to database")

	stream, err := hipaa.OpenStreamSink(cfg.AuditLogPath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, stream.Close)
	auditLog := hipaa.NewAuditLogger(logger.With().Str("component", "audit").Logger(), metrics, conn.audit, stream)

	key, err := hipaa.ResolveKey(cfg.KeyOptions(), logger)
	if err != nil {
		return nil, err
	}
	env, err := hipaa.NewEnvelope(key)
	if err != nil {
		return nil, err
	}

	policy := symptom.AllowAll
	if cfg.AccessPolicy == config.AccessPolicyOwner {
		policy = symptom.OwnerOnly
	}
	store := symptom.NewStore(conn.repo, hipaa.NewCodec(env), auditLog, logger, symptom.WithAccessPolicy(policy))

	client := diagnostic.NewClient(cfg.DiagnosticURL, cfg.DiagnosticKey, diagnostic.WithObserver(metrics))
	pipelineOpts := []diagnosis.Option{
		diagnosis.WithTimeout(cfg.DiagnosticTimeout),
		diagnosis.WithNormalizer(diagnosis.NewNormalizer(cfg.ResponseKeys)),
		diagnosis.WithObserver(metrics),
	}
	if cfg.WebhookURL != "" {
		a.notifier, err = webhook.New(cfg.WebhookURL, cfg.WebhookSecret, logger, webhook.WithObserver(metrics))
		if err != nil {
			return nil, err
		}
		pipelineOpts = append(pipelineOpts, diagnosis.WithNotifier(a.notifier))
	}
	pipeline := diagnosis.NewPipeline(store, client, logger, pipelineOpts...)
	a.pipeline = pipeline
	a.dispatcher = diagnosis.NewDispatcher(pipeline, cfg.Workers, cfg.QueueSize, metrics, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/health", "/health/db", "/metrics"))
	e.Use(metrics.MetricsMiddleware())

	// Infrastructure endpoints, no auth
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(conn.checker))
	e.GET("/metrics", metrics.PrometheusHandler())

	var authMW echo.MiddlewareFunc
	if cfg.AuthMode == config.AuthModeDevelopment {
		cfg.WarnIfDev(logger)
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(jwtConfig(cfg))
	}
	apiV1 := e.Group("/api/v1", authMW)

	// Every diagnosis run may cost an upstream model call.
	limit := middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		KeyFunc:           rateLimitKey,
	})

	analysis := diagnosis.Analysis{Pipeline: pipeline, Dispatcher: a.dispatcher}
	symptom.NewHandler(store, logger, symptom.WithAnalysis(analysis, cfg.AutoTrigger)).RegisterRoutes(apiV1, limit)
	diagnosis.NewHandler(pipeline, store, logger).RegisterRoutes(apiV1, limit)
	hipaa.NewAuditSearchHandler(conn.audit, logger).RegisterRoutes(apiV1, auth.RequireRole(auth.RoleAuditor))

	a.echo = e
	return a, nil
}

// rateLimitKey buckets authenticated callers by user and everyone else by IP.
func rateLimitKey(c echo.Context) string {
	if id := auth.UserIDFromContext(c.Request().Context()); id != "" {
		return "user:" + id
	}
	return "ip:" + c.RealIP()
}

// shutdown stops the HTTP server and drains queued diagnosis runs. Runs
// still in flight end before completion webhooks are flushed and the audit
// stream is closed.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if a.echo != nil {
		errs = append(errs, a.echo.Shutdown(ctx))
	}
	if a.dispatcher != nil {
		errs = append(errs, a.dispatcher.Shutdown(ctx))
	}
	if a.pipeline != nil {
		errs = append(errs, a.pipeline.Shutdown(ctx))
	}
	if a.notifier != nil {
		errs = append(errs, a.notifier.Close(ctx))
	}
	errs = append(errs, a.close())
	return errors.Join(errs...)
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	a, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Int("pending_runs", a.dispatcher.Pending()).Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown incomplete")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

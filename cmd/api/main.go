package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/formguard/internal/config"
	"github.com/noah-isme/formguard/internal/guard"
	"github.com/noah-isme/formguard/internal/health"
	"github.com/noah-isme/formguard/internal/obs"
	"github.com/noah-isme/formguard/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("env", cfg.AppEnv).Logger()

	tracingEnabled := cfg.Obs.TracingEnabled
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   cfg.Obs.ServiceName,
			Endpoint:      cfg.Obs.TracingEndpoint,
			Exporter:      cfg.Obs.TracingExporter,
			SamplingRatio: cfg.Obs.TracingSampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	var csrfMetrics *obs.CSRFMetrics
	var httpMetrics *obs.HTTPMetrics
	if cfg.Obs.MetricsEnabled {
		csrfMetrics = obs.NewCSRFMetrics(cfg.Obs.MetricsNamespace, nil)
		httpMetrics = obs.NewHTTPMetrics(cfg.Obs.MetricsNamespace, obs.ParseBucketsCSV(cfg.Obs.MetricsBuckets), nil)
	}

	shared, err := guard.Attach(cfg.Guard(),
		guard.WithLogger(logger.With().Str("component", "csrf").Logger()),
		guard.WithMetrics(csrfMetrics),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("attach csrf guard")
	}
	if err := shared.SelfTest(); err != nil {
		logger.Fatal().Err(err).Msg("csrf self-test")
	}

	var throttle ratelimit.Limiter = ratelimit.NewMemory()
	var checkers []health.Checker
	if cfg.Throttle.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.Throttle.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse redis url")
		}
		redisClient := redis.NewClient(redisOpts)
		if err := redisotel.InstrumentTracing(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis tracing")
		}
		if cfg.Obs.MetricsEnabled {
			if err := redisotel.InstrumentMetrics(redisClient); err != nil {
				logger.Error().Err(err).Msg("instrument redis metrics")
			}
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
		sliding := ratelimit.SlidingRedis{Client: redisClient, Prefix: "formguard:reject:"}
		throttle = sliding
		checkers = append(checkers, sliding)
	}

	handler, err := newServer(serverDeps{
		cfg:         cfg,
		guard:       shared,
		logger:      logger,
		httpMetrics: httpMetrics,
		tracing:     tracingEnabled,
		throttle:    throttle,
		checkers:    checkers,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build router")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
		return
	case <-ctx.Done():
	}

	health.SetReady(false)
	logger.Info().Msg("server draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
	}
	logger.Info().Msg("server stopped")
}

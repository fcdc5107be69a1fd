package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/reqbin/reqbin/server/internal/admission"
	"github.com/reqbin/reqbin/server/internal/api"
	"github.com/reqbin/reqbin/server/internal/capture"
	"github.com/reqbin/reqbin/server/internal/config"
	"github.com/reqbin/reqbin/server/internal/evict"
	"github.com/reqbin/reqbin/server/internal/hub"
	"github.com/reqbin/reqbin/server/internal/metrics"
	"github.com/reqbin/reqbin/server/internal/store"
	"github.com/reqbin/reqbin/server/internal/ws"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the capture server (default command)",
	Long: `Run the capture server.

A default config file is written to --config if none exists. DATABASE_URL,
REQBIN_HTTP_PORT and REQBIN_LOG_LEVEL override the file, and may be set in
the dotenv file named by --env-file.

Examples:
  reqbin-server
  reqbin-server serve --config /etc/reqbin/reqbin.yaml
  DATABASE_URL=redis://localhost:6379/0 reqbin-server`,
	Args: cobra.NoArgs,
	RunE: serveCommand,
}

func serveCommand(cmd *cobra.Command, _ []string) error {
	if err := config.LoadEnv(envFile); err != nil {
		return err
	}
	created, err := config.WriteDefault(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	if created {
		logger.Info("wrote default config", "path", configPath)
	}
	logger.Info("reqbin-server starting",
		"version", version,
		"config", configPath,
		"addr", cfg.Server.Addr(),
		"database", redactURL(cfg.Database.URL),
		"bin_expiry", cfg.Cleanup.BinExpiry,
	)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, err := store.Open(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		return err
	}
	defer backend.Close()

	m := metrics.New()
	h := hub.New(cfg.Hub.BufferSize)
	st := capture.New(backend, h, capture.Options{
		Limits:  limitsFrom(cfg),
		Metrics: m,
		Logger:  logger,
	})

	adm := admission.New(admissionFrom(cfg), admission.Options{Metrics: m, Logger: logger})
	go adm.Run(ctx)

	sched := &evict.Scheduler{
		Backend:  backend,
		Liveness: h,
		Window:   cfg.Cleanup.BinExpiry,
		Interval: cfg.Cleanup.Interval,
		Metrics:  m,
		Logger:   logger.With("component", "evict"),
	}
	go sched.Run(ctx)

	m.RegisterGauge("reqbin_hub_channels", "Bins with a broadcast channel.",
		func() float64 { return float64(h.Stats().Channels) })
	m.RegisterGauge("reqbin_hub_subscribers", "Attached live observers.",
		func() float64 { return float64(h.Stats().Subscribers) })
	m.RegisterGauge("reqbin_hub_dropped_messages", "Events dropped because an observer queue was full.",
		func() float64 { return float64(h.Stats().Dropped) })
	m.RegisterGauge("reqbin_rate_limit_buckets", "Tracked client rate-limit buckets.",
		func() float64 { return float64(adm.Len()) })

	go func() {
		err := config.Watch(ctx, configPath, logger, func(c *config.Config) {
			st.SetLimits(limitsFrom(c))
			adm.Reconfigure(c.RateLimiting.RequestsPerSecond, c.RateLimiting.BurstSize)
		})
		if err != nil {
			logger.Warn("config watch disabled", "err", err)
		}
	}()

	handler := api.New(st, api.Options{
		Admission: adm,
		Observe:   ws.New(st, h, logger),
		Metrics:   m.Handler(logger),
		Expiry:    cfg.Cleanup.BinExpiry,
		Logger:    logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info("reqbin-server shutting down")
	h.CloseAll()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "err", err)
	}
	return nil
}

func limitsFrom(cfg *config.Config) capture.Limits {
	return capture.Limits{
		MaxRequestsPerBin: cfg.Limits.MaxRequestsPerBin,
		MaxBodySize:       cfg.Limits.MaxBodySize,
		MaxHeadersSize:    cfg.Limits.MaxHeadersSize,
	}
}

func admissionFrom(cfg *config.Config) admission.Config {
	return admission.Config{
		RequestsPerSecond: cfg.RateLimiting.RequestsPerSecond,
		Burst:             cfg.RateLimiting.BurstSize,
		CleanupInterval:   cfg.RateLimiting.CleanupInterval,
		IdleAfter:         cfg.RateLimiting.IdleAfter,
	}
}

// newLogger builds the process logger from the logging section. Level and
// format have already been validated by config.Load.
func newLogger(lc config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(lc.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// redactURL hides credentials in a database URL before it is logged.
func redactURL(raw string) string {
	at := strings.LastIndex(raw, "@")
	scheme := strings.Index(raw, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return raw
	}
	return raw[:scheme+3] + "***" + raw[at:]
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/edgemux/edgemux"
	"github.com/edgemux/edgemux/pkg/filter"
	"github.com/edgemux/edgemux/pkg/health"
	"github.com/edgemux/edgemux/pkg/metrics"
	"github.com/edgemux/edgemux/pkg/server/tcp"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	// Filter registrations.
	_ "github.com/edgemux/edgemux/pkg/filter/echo"
	_ "github.com/edgemux/edgemux/pkg/filter/ipaccess"
	_ "github.com/edgemux/edgemux/pkg/filter/protolog"
	_ "github.com/edgemux/edgemux/pkg/filter/redis"
	_ "github.com/edgemux/edgemux/pkg/filter/tlsinspect"
	_ "github.com/edgemux/edgemux/pkg/filter/waf"
)

const envPrefix = "EDGEMUX_"

type serviceConfig struct {
	// Listeners names the listeners to start. Each listener NAME reads
	// its own configuration under the EDGEMUX_<NAME>_ prefix.
	Listeners []string `env:"LISTENERS" envDefault:"tcp"`

	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8081"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	var svc serviceConfig
	if err := env.ParseWithOptions(&svc, env.Options{Prefix: envPrefix}); err != nil {
		slog.Error("failed to parse service configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := setupLogger(svc.LogLevel, svc.LogFormat)
	slog.SetDefault(logger)

	m := metrics.New("edgemux")
	checker := health.NewChecker(10 * time.Second)

	started := 0
	for _, name := range svc.Listeners {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if err := startListener(g, ctx, name, m, checker, logger); err != nil {
			logger.Warn("listener not started",
				slog.String("listener", name),
				slog.String("error", err.Error()))
			continue
		}
		started++
	}
	if started == 0 {
		logger.Error("no listeners configured")
		os.Exit(1)
	}

	go startMetricsServer(svc.MetricsPort, logger)
	go startHealthServer(svc.HealthPort, checker, logger)

	// Signal handler
	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("edgemux service terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("edgemux service stopped")
}

// startListener reads the listener's configuration from its env prefix,
// builds its filter chain and runs the server under the group.
func startListener(g *errgroup.Group, ctx context.Context, name string, m *metrics.Metrics, checker *health.Checker, logger *slog.Logger) error {
	prefix := envPrefix + strings.ToUpper(name) + "_"
	cfg, err := edgemux.NewConfig(env.Options{Prefix: prefix})
	if err != nil {
		return err
	}

	// Skip if address is not configured
	if cfg.Address == "" {
		return fmt.Errorf("address not configured")
	}

	clusters, err := cfg.ClusterMap()
	if err != nil {
		return err
	}
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return err
	}
	doc, err := cfg.ChainDocument()
	if err != nil {
		return err
	}
	providers, err := filter.BuildChain(doc, filter.Options{
		Logger:   logger,
		Metrics:  m,
		Listener: name,
	})
	if err != nil {
		return fmt.Errorf("failed to build filter chain: %w", err)
	}

	srv := tcp.New(tcp.Config{
		Name:            name,
		Address:         cfg.Address,
		TargetAddress:   cfg.Target,
		Clusters:        clusters,
		TLSConfig:       tlsCfg,
		MaxConnections:  cfg.MaxConnections,
		RejectMessage:   cfg.RejectMessage,
		InspectTimeout:  cfg.InspectTimeout,
		MaxInspectBytes: cfg.MaxInspectBytes,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
		Metrics:         m,
	}, providers)

	if cfg.Target != "" {
		checker.Register("upstream_"+name, health.DialCheck(cfg.Target, 2*time.Second))
	}

	g.Go(func() error {
		return srv.Listen(ctx)
	})

	logger.Info("TCP listener started",
		slog.String("listener", name),
		slog.String("address", cfg.Address),
		slog.Int("filters", len(providers)))
	return nil
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// startMetricsServer starts the Prometheus metrics HTTP server.
func startMetricsServer(port int, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	logger.Info("metrics server started", slog.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", slog.String("error", err.Error()))
	}
}

// startHealthServer starts the health check HTTP server.
func startHealthServer(port int, checker *health.Checker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", checker.Handler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())
	mux.HandleFunc("/livez", health.LivenessHandler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	logger.Info("health server started", slog.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("health server failed", slog.String("error", err.Error()))
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}

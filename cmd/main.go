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
	"runtime"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	knocker "github.com/Kasama/server-knocker"
	"github.com/Kasama/server-knocker/pkg/activity"
	"github.com/Kasama/server-knocker/pkg/backend"
	"github.com/Kasama/server-knocker/pkg/health"
	"github.com/Kasama/server-knocker/pkg/idle"
	"github.com/Kasama/server-knocker/pkg/metrics"
	"github.com/Kasama/server-knocker/pkg/server/tcp"
	"github.com/Kasama/server-knocker/pkg/server/udp"
)

const envPrefix = "KNOCKER_"

func main() {
	// Load .env file
	dotenvErr := godotenv.Load()

	cfg, err := knocker.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	if dotenvErr != nil {
		logger.Warn("no .env file found, using environment variables")
	}
	logger.Info("Starting Server Knocker",
		slog.String("listen", cfg.ListenAddress),
		slog.String("target", cfg.TargetAddress),
		slog.String("protocol", cfg.Protocol),
		slog.Duration("idle_timeout", cfg.IdleTimeout))

	m := metrics.New("knocker")

	sup := backend.NewExecSupervisor(backend.ExecConfig{
		Command:       cfg.Command,
		TargetAddress: cfg.TargetAddress,
		Network:       probeNetwork(cfg.Protocol),
		GracePeriod:   cfg.GracePeriod,
		Logger:        logger,
	})
	machine := backend.NewMachine(backend.Config{
		Supervisor:     sup,
		Target:         cfg.TargetAddress,
		StartupTimeout: cfg.StartupTimeout,
		Logger:         logger,
		Metrics:        m,
	})
	clock := activity.NewClock()

	monitor := idle.New(idle.Config{
		Timeout: cfg.IdleTimeout,
		Tick:    cfg.IdleTick,
		Target:  cfg.TargetAddress,
		Logger:  logger,
		Metrics: m,
	}, clock, machine)

	healthChecker := health.NewChecker(10 * time.Second)
	healthChecker.Register("goroutines", func(ctx context.Context) error {
		m.GoroutinesActive.WithLabelValues("all").Set(float64(runtime.NumGoroutine()))
		return nil
	})
	healthChecker.Register("memory", func(ctx context.Context) error {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		m.MemoryAllocated.WithLabelValues("heap").Set(float64(stats.HeapAlloc))
		m.MemoryAllocated.WithLabelValues("sys").Set(float64(stats.Sys))
		return nil
	})
	// A stopped backend is the resting state of a scale-to-zero proxy,
	// so the check only reports what the state machine says.
	healthChecker.Register("backend", func(ctx context.Context) error {
		m.BackendState.WithLabelValues(cfg.TargetAddress).Set(float64(machine.State()))
		return nil
	})

	go startMetricsServer(cfg.MetricsPort, m, logger)
	go startHealthServer(cfg.HealthPort, healthChecker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return monitor.Run(ctx)
	})

	if cfg.Protocol == knocker.ProtocolTCP || cfg.Protocol == knocker.ProtocolBoth {
		srv := tcp.New(tcp.Config{
			Address:         cfg.ListenAddress,
			TargetAddress:   cfg.TargetAddress,
			StartupTimeout:  cfg.StartupTimeout,
			DialTimeout:     cfg.DialTimeout,
			ShutdownTimeout: cfg.ShutdownTimeout,
			Logger:          logger,
			Metrics:         m,
		}, machine, clock)
		g.Go(func() error {
			return srv.Listen(ctx)
		})
	}

	if cfg.Protocol == knocker.ProtocolUDP || cfg.Protocol == knocker.ProtocolBoth {
		srv := udp.New(udp.Config{
			Address:        cfg.ListenAddress,
			TargetAddress:  cfg.TargetAddress,
			SessionTimeout: cfg.SessionTimeout,
			MaxSessions:    cfg.MaxSessions,
			SessionRate:    cfg.SessionRate,
			SessionBurst:   cfg.SessionBurst,
			Logger:         logger,
			Metrics:        m,
		}, machine, clock)
		g.Go(func() error {
			return srv.Listen(ctx)
		})
	}

	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	err = g.Wait()

	// The listeners are down; make sure no backend child outlives us.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if serr := machine.Shutdown(shutdownCtx); serr != nil {
		logger.Error("Backend shutdown failed", slog.String("error", serr.Error()))
	}

	if err != nil {
		logger.Error(fmt.Sprintf("Server Knocker terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("Server Knocker stopped")
}

// probeNetwork picks the readiness probe network. A dual-protocol backend
// is probed over TCP since that handshake actually confirms a listener.
func probeNetwork(protocol string) string {
	if protocol == knocker.ProtocolUDP {
		return "udp"
	}
	return "tcp"
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// startMetricsServer starts the Prometheus metrics HTTP server.
func startMetricsServer(port int, m *metrics.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))

	addr := fmt.Sprintf(":%d", port)
	logger.Info("Starting metrics server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics server error", slog.String("error", err.Error()))
	}
}

// startHealthServer starts the health check HTTP server.
func startHealthServer(port int, checker *health.Checker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("Starting health server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Health server error", slog.String("error", err.Error()))
	}
}

// stopSignalHandler blocks until SIGINT or SIGTERM arrives, then cancels
// the root context so every listener drains.
func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Copyright (c) Arkadiusz Bokowy
// SPDX-License-Identifier: MIT

// Package supervisor starts the tunnel's engines alongside its metrics
// and health HTTP servers, restarts a failed engine goroutine under a
// bounded-retry policy rather than tearing down the whole process, and
// propagates signals and unrecoverable errors through one shared context.
package supervisor

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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/abokowy/wg-tcp-tunnel/pkg/health"
	"github.com/abokowy/wg-tcp-tunnel/pkg/metrics"
)

// EngineFunc runs one tunnel engine to completion. client.Engine.Run and
// server.Listener.Listen both satisfy this signature.
type EngineFunc func(ctx context.Context) error

// Config holds the supervisor's configuration.
type Config struct {
	ClientEngine EngineFunc // nil if the client engine was not configured
	ServerEngine EngineFunc // nil if the server engine was not configured

	MetricsPort int
	HealthPort  int

	// RestartMaxAttempts bounds how many consecutive times a failed
	// engine goroutine is restarted before the supervisor gives up and
	// returns an error, tearing down the whole process. Zero means an
	// engine failure is always unrecoverable.
	RestartMaxAttempts int
	// RestartBackoff is the delay before each restart attempt.
	RestartBackoff time.Duration

	// MaxGoroutines and health-check ceiling: exceeding it marks the
	// "goroutines" health check degraded. Zero disables the ceiling.
	MaxGoroutines int

	Metrics *metrics.Metrics
	Health  *health.Checker
	Logger  *slog.Logger
}

// Run starts every configured engine and ambient HTTP server, blocks
// until a signal arrives or an engine exhausts its restart budget, and
// returns the first fatal error (nil on a clean signal-triggered exit).
func Run(ctx context.Context, cfg Config) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RestartBackoff == 0 {
		cfg.RestartBackoff = time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics != nil {
		registerResourceChecks(cfg)
	}

	if cfg.MetricsPort != 0 {
		srv := &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:      promhttp.Handler(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		g.Go(func() error { return runHTTPServer(ctx, srv, cfg.Logger, "metrics") })
	}

	if cfg.HealthPort != 0 && cfg.Health != nil {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", cfg.Health.HTTPHandler())
		mux.HandleFunc("/ready", cfg.Health.ReadinessHandler())
		mux.HandleFunc("/live", health.LivenessHandler())
		srv := &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.HealthPort),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		g.Go(func() error { return runHTTPServer(ctx, srv, cfg.Logger, "health") })
	}

	if cfg.ClientEngine != nil {
		g.Go(func() error {
			return restartLoop(ctx, "client", cfg.ClientEngine, cfg.RestartMaxAttempts, cfg.RestartBackoff, cfg.Logger)
		})
	}
	if cfg.ServerEngine != nil {
		g.Go(func() error {
			return restartLoop(ctx, "server", cfg.ServerEngine, cfg.RestartMaxAttempts, cfg.RestartBackoff, cfg.Logger)
		})
	}

	g.Go(func() error {
		return waitForSignal(ctx, cancel, cfg.Logger)
	})

	return g.Wait()
}

// restartLoop runs run to completion, restarting it after a backoff if
// it returns a non-nil error, up to maxAttempts consecutive failures.
// A nil return (clean shutdown) or ctx cancellation ends the loop.
func restartLoop(ctx context.Context, name string, run func(context.Context) error, maxAttempts int, backoff time.Duration, logger *slog.Logger) error {
	attempts := 0
	for {
		err := run(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		attempts++
		if attempts > maxAttempts {
			return fmt.Errorf("%s engine: exhausted %d restart attempts: %w", name, maxAttempts, err)
		}

		logger.Error("engine failed, restarting",
			slog.String("engine", name), slog.Int("attempt", attempts), slog.String("error", err.Error()))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
	}
}

func runHTTPServer(ctx context.Context, srv *http.Server, logger *slog.Logger, name string) error {
	errc := make(chan error, 1)
	go func() {
		logger.Info(name+" server listening", slog.String("address", srv.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	}
}

func waitForSignal(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}

// registerResourceChecks wires the same goroutine/memory sampling
// pattern the ambient stack elsewhere in this repository is built on:
// a health check that also feeds a Prometheus gauge as a side effect,
// avoiding a second background ticker just for metrics.
func registerResourceChecks(cfg Config) {
	if cfg.Health == nil {
		return
	}
	cfg.Health.Register("goroutines", false, func(context.Context) error {
		n := runtime.NumGoroutine()
		cfg.Metrics.GoroutinesActive.WithLabelValues("all").Set(float64(n))
		if cfg.MaxGoroutines > 0 && n > cfg.MaxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", n, cfg.MaxGoroutines)
		}
		return nil
	})
	cfg.Health.Register("memory", false, func(context.Context) error {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		cfg.Metrics.MemoryAllocated.WithLabelValues("heap").Set(float64(stats.HeapAlloc))
		cfg.Metrics.MemoryAllocated.WithLabelValues("sys").Set(float64(stats.Sys))
		return nil
	})
}

// Copyright (c) Arkadiusz Bokowy
// SPDX-License-Identifier: MIT

// Command wgtcptunnel runs the client and/or server tunnel engine
// configured by internal/config, wired to the metrics, health, breaker
// and rate-limiting ambient stack via pkg/supervisor.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/abokowy/wg-tcp-tunnel/internal/config"
	"github.com/abokowy/wg-tcp-tunnel/pkg/breaker"
	"github.com/abokowy/wg-tcp-tunnel/pkg/destination"
	tunerrors "github.com/abokowy/wg-tcp-tunnel/pkg/errors"
	"github.com/abokowy/wg-tcp-tunnel/pkg/health"
	"github.com/abokowy/wg-tcp-tunnel/pkg/metrics"
	"github.com/abokowy/wg-tcp-tunnel/pkg/ratelimit"
	"github.com/abokowy/wg-tcp-tunnel/pkg/supervisor"
	"github.com/abokowy/wg-tcp-tunnel/pkg/tunnel/client"
	"github.com/abokowy/wg-tcp-tunnel/pkg/tunnel/server"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "wgtcptunnel: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	m := metrics.New("wgtcptunnel")
	healthChecker := health.NewChecker(10 * time.Second)

	transport := server.Raw
	clientTransport := client.Raw
	if cfg.Transport == "websocket" {
		transport = server.WebSocket
		clientTransport = client.WebSocket
	}

	supervisorCfg := supervisor.Config{
		MetricsPort:        cfg.MetricsPort,
		HealthPort:         cfg.HealthPort,
		RestartMaxAttempts: 5,
		RestartBackoff:     2 * time.Second,
		MaxGoroutines:      cfg.MaxGoroutines,
		Metrics:            m,
		Health:             healthChecker,
		Logger:             logger,
	}

	if cfg.ServerEnabled() {
		listener := server.New(server.Config{
			Address:          cfg.SrcTCP,
			UDPDestination:   cfg.DstUDP,
			Transport:        transport,
			TCPKeepAliveIdle: cfg.TCPKeepAlive,
			AppKeepAliveIdle: cfg.AppKeepAlive,
			Logger:           logger,
			Metrics:          m,
		})
		supervisorCfg.ServerEngine = listener.Listen
		healthChecker.Register("server-sessions", false, health.SessionCountCheck(listener.ActiveSessions, 0))
	}

	if cfg.ClientEnabled() {
		provider, err := buildDestinationProvider(cfg, m)
		if err != nil {
			logger.Error("failed to configure destination provider", slog.String("error", err.Error()))
			os.Exit(1)
		}

		var limiter *ratelimit.Limiter
		if cfg.RateLimitCapacity > 0 {
			limiter = ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefillRate, cfg.RateLimitMaxClients)
			defer limiter.Close()
		}

		engine := client.New(client.Config{
			UDPListenAddress: cfg.SrcUDP,
			Destination:      provider,
			Transport:        clientTransport,
			WebSocketHeaders: parseWebSocketHeaders(cfg.WSHeader),
			TCPKeepAliveIdle: cfg.TCPKeepAlive,
			AppKeepAliveIdle: cfg.AppKeepAlive,
			RateLimit:        limiter,
			Logger:           logger,
			Metrics:          m,
		})
		supervisorCfg.ClientEngine = engine.Run

		healthChecker.Register("client-destination", true, health.DestinationReachabilityCheck(func(ctx context.Context) error {
			ep, err := provider.Resolve(ctx)
			if err != nil {
				return err
			}
			conn, err := (&net.Dialer{Timeout: 3 * time.Second}).DialContext(ctx, "tcp", ep.String())
			if err != nil {
				return err
			}
			return conn.Close()
		}))
	}

	ctx := context.Background()
	if err := supervisor.Run(ctx, supervisorCfg); err != nil {
		logger.Error("wgtcptunnel terminated with error", slog.String("error", err.Error()))
		if errors.Is(err, tunerrors.ErrConfig) {
			os.Exit(1)
		}
		os.Exit(1)
	}
	logger.Info("wgtcptunnel stopped")
}

// buildDestinationProvider resolves whether the client engine uses a
// static destination or an inventory-backed one, wrapping the latter in
// a circuit breaker per SPEC_FULL.md §4.2.
func buildDestinationProvider(cfg config.Config, m *metrics.Metrics) (destination.Provider, error) {
	if cfg.InventoryURL == "" {
		ep, err := destination.ParseEndpoint(cfg.DstTCP)
		if err != nil {
			return nil, err
		}
		return destination.Static{Endpoint: ep}, nil
	}

	inv := destination.Inventory{
		Client: &destination.HTTPInventoryClient{
			BaseURL: cfg.InventoryURL,
			APIKey:  cfg.InventoryAPIKey,
		},
		FilterID:  cfg.InventoryFilterID,
		FilterURI: cfg.InventoryFilterURI,
	}

	cb := breaker.New(breaker.Config{
		MaxFailures:  5,
		ResetTimeout: 60 * time.Second,
	})
	cb.OnStateChange(func(from, to breaker.State) {
		m.CircuitBreakerState.WithLabelValues("inventory").Set(float64(to))
		if to == breaker.StateOpen {
			m.CircuitBreakerTrips.WithLabelValues("inventory").Inc()
		}
	})

	guarded := breaker.Provider{
		Breaker: cb,
		Next: func(ctx context.Context) (string, uint16, error) {
			ep, err := inv.Resolve(ctx)
			return ep.Host, ep.Port, err
		},
	}
	return destination.ProviderFunc(func(ctx context.Context) (destination.Endpoint, error) {
		host, port, err := guarded.Resolve(ctx)
		return destination.Endpoint{Host: host, Port: port}, err
	}), nil
}

// parseWebSocketHeaders turns "Key: Value" flag values from --ws-header
// into the http.Header the WebSocket handshake sends. Entries missing a
// colon are skipped without aborting startup; nothing is logged for them.
func parseWebSocketHeaders(raw []string) http.Header {
	if len(raw) == 0 {
		return nil
	}
	h := make(http.Header, len(raw))
	for _, entry := range raw {
		key, value, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		h.Add(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	return h
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

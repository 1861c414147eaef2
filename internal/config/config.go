// Copyright (c) Arkadiusz Bokowy
// SPDX-License-Identifier: MIT

// Package config sources the tunnel's configuration from environment
// variables (with an optional .env file) plus a thin flag layer for the
// positional-looking flags the external interface names, the same way
// the teacher's cmd/production/main.go sources its Config struct with
// github.com/caarlos0/env/v11, and cmd/main.go optionally loads a .env
// file with github.com/joho/godotenv.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	tunerrors "github.com/abokowy/wg-tcp-tunnel/pkg/errors"
)

// Config is the full external interface surface described in
// SPEC_FULL.md §6, sourced from environment variables. The engine,
// transport, inventory and rate-limit capacity/refill settings can also
// be overridden by flags registered in Load; the remaining ambient
// settings are environment-only.
type Config struct {
	// Server engine.
	SrcTCP string `env:"SRC_TCP"`
	DstUDP string `env:"DST_UDP" envDefault:"127.0.0.1:51820"`

	// Client engine.
	SrcUDP string `env:"SRC_UDP"`
	DstTCP string `env:"DST_TCP"`

	// Shared transport options.
	TCPKeepAlive time.Duration `env:"TCP_KEEP_ALIVE" envDefault:"120s"`
	AppKeepAlive time.Duration `env:"APP_KEEP_ALIVE" envDefault:"0s"`
	Transport    string        `env:"TRANSPORT" envDefault:"raw"`
	WSHeader     []string      `env:"WS_HEADER" envSeparator:","`

	// Dynamic destination provider, client engine only.
	InventoryURL       string `env:"INVENTORY_URL"`
	InventoryAPIKey    string `env:"INVENTORY_API_KEY"`
	InventoryFilterID  string `env:"INVENTORY_FILTER_ID"`
	InventoryFilterURI string `env:"INVENTORY_FILTER_URI"`

	// Ambient stack.
	MetricsPort   int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort    int    `env:"HEALTH_PORT" envDefault:"8080"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat     string `env:"LOG_FORMAT" envDefault:"json"`
	MaxGoroutines int    `env:"MAX_GOROUTINES" envDefault:"50000"`

	// Per-source UDP ingress rate limiting on the client engine. Zero
	// capacity disables it.
	RateLimitCapacity   int64 `env:"RATE_LIMIT_CAPACITY" envDefault:"0"`
	RateLimitRefillRate int64 `env:"RATE_LIMIT_REFILL_RATE" envDefault:"0"`
	RateLimitMaxClients int   `env:"RATE_LIMIT_MAX_CLIENTS" envDefault:"1000"`
}

// Load reads the environment (after an optional .env file) into a
// Config, then applies flag overrides parsed from args. Exactly one of
// the server flags ({SrcTCP}) or the client flags ({SrcUDP, plus DstTCP or
// InventoryURL}) must be present, or both; otherwise Load returns
// ErrConfig.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		// A missing .env file is not an error; environment variables
		// and defaults still apply.
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", tunerrors.ErrConfig, err)
	}

	fs := flag.NewFlagSet("wgtcptunnel", flag.ContinueOnError)
	fs.StringVar(&cfg.SrcTCP, "src-tcp", cfg.SrcTCP, "server engine stream accept address")
	fs.StringVar(&cfg.DstUDP, "dst-udp", cfg.DstUDP, "server engine UDP destination")
	fs.StringVar(&cfg.SrcUDP, "src-udp", cfg.SrcUDP, "client engine UDP accept address")
	fs.StringVar(&cfg.DstTCP, "dst-tcp", cfg.DstTCP, "client engine static stream destination")
	fs.DurationVar(&cfg.TCPKeepAlive, "tcp-keep-alive", cfg.TCPKeepAlive, "TCP keep-alive idle interval, 0 disables")
	fs.DurationVar(&cfg.AppKeepAlive, "app-keep-alive", cfg.AppKeepAlive, "application keep-alive idle interval, 0 disables")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "raw or websocket")
	fs.StringVar(&cfg.InventoryURL, "inventory-url", cfg.InventoryURL, "inventory service base URL")
	fs.StringVar(&cfg.InventoryAPIKey, "inventory-api-key", cfg.InventoryAPIKey, "inventory service API key")
	fs.StringVar(&cfg.InventoryFilterID, "inventory-filter-id", cfg.InventoryFilterID, "inventory entry ID to match")
	fs.StringVar(&cfg.InventoryFilterURI, "inventory-filter-uri", cfg.InventoryFilterURI, "inventory entry URI regexp to match")
	fs.Int64Var(&cfg.RateLimitCapacity, "rate-limit-capacity", cfg.RateLimitCapacity, "per-source UDP token bucket capacity, 0 disables")
	fs.Int64Var(&cfg.RateLimitRefillRate, "rate-limit-refill-rate", cfg.RateLimitRefillRate, "per-source UDP token bucket refill rate per second")

	var wsHeaders multiFlag
	fs.Var(&wsHeaders, "ws-header", "extra WebSocket handshake header, repeatable")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("%w: %v", tunerrors.ErrConfig, err)
	}
	if len(wsHeaders) > 0 {
		cfg.WSHeader = wsHeaders
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate enforces SPEC_FULL.md §6: exactly one of {server args} or
// {client args} (or both) must be supplied.
func (c Config) validate() error {
	serverConfigured := c.SrcTCP != ""
	clientConfigured := c.SrcUDP != "" && (c.DstTCP != "" || c.InventoryURL != "")

	if !serverConfigured && !clientConfigured {
		return fmt.Errorf("%w: no server (--src-tcp) or client (--src-udp + --dst-tcp/--inventory-url) engine configured", tunerrors.ErrConfig)
	}
	if c.SrcUDP != "" && c.DstTCP == "" && c.InventoryURL == "" {
		return fmt.Errorf("%w: --src-udp requires --dst-tcp or --inventory-url", tunerrors.ErrConfig)
	}
	switch c.Transport {
	case "raw", "websocket":
	default:
		return fmt.Errorf("%w: unknown transport %q", tunerrors.ErrConfig, c.Transport)
	}
	return nil
}

// ServerEnabled reports whether the server engine should start.
func (c Config) ServerEnabled() bool { return c.SrcTCP != "" }

// ClientEnabled reports whether the client engine should start.
func (c Config) ClientEnabled() bool { return c.SrcUDP != "" }

// multiFlag collects repeated -ws-header flags into a slice.
type multiFlag []string

func (m *multiFlag) String() string {
	if m == nil {
		return ""
	}
	return fmt.Sprint([]string(*m))
}

func (m *multiFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

// Copyright (c) Arkadiusz Bokowy
// SPDX-License-Identifier: MIT

// Package destination provides the stream-endpoint resolution capability
// the client engine consumes: a static configured endpoint, or a lookup
// against a dynamic inventory service (the ngrok-style endpoint listing
// retained from the original tunnel as an abstract collaborator).
package destination

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	tunerrors "github.com/abokowy/wg-tcp-tunnel/pkg/errors"
)

// Endpoint is a resolved stream destination.
type Endpoint struct {
	Host string
	Port uint16
}

// String renders the endpoint as host:port.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// Provider resolves the stream endpoint the client should connect to.
// The core calls Resolve once per outbound connection attempt and must
// not assume the result is stable across attempts.
type Provider interface {
	Resolve(ctx context.Context) (Endpoint, error)
}

// ProviderFunc adapts a plain function to the Provider interface, the
// same way http.HandlerFunc adapts a function to http.Handler. It lets
// the supervisor compose a breaker-guarded provider without pkg/breaker
// importing this package.
type ProviderFunc func(ctx context.Context) (Endpoint, error)

// Resolve implements Provider.
func (f ProviderFunc) Resolve(ctx context.Context) (Endpoint, error) {
	return f(ctx)
}

// Static always returns the same configured endpoint and never fails.
type Static struct {
	Endpoint Endpoint
}

// Resolve implements Provider.
func (s Static) Resolve(context.Context) (Endpoint, error) {
	return s.Endpoint, nil
}

// EndpointType mirrors the ngrok distinction between an ephemeral
// endpoint (recycled on every tunnel restart) and a reserved edge
// endpoint, carried over from original_source/src/ngrok.h.
type EndpointType int

const (
	// TypeEphemeral is a short-lived, recycled endpoint.
	TypeEphemeral EndpointType = iota
	// TypeEdge is a reserved, stable endpoint.
	TypeEdge
)

// InventoryEntry is one listing entry returned by the external inventory
// service. The service itself (HTTP/JSON client, auth, pagination) is out
// of scope; Inventory only consumes the parsed listing via InventoryClient.
type InventoryEntry struct {
	ID        string
	URI       string
	Host      string
	Port      uint16
	Type      EndpointType
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InventoryClient is the out-of-scope collaborator that produces the
// current listing of inventory entries.
type InventoryClient interface {
	Endpoints(ctx context.Context) ([]InventoryEntry, error)
}

// Inventory resolves a stream endpoint by matching against an external
// inventory listing: first by exact ID, then by a case-insensitive
// regular-expression match against the entry's URI. If no entry matches
// or the listing cannot be fetched, Resolve fails with ErrResolutionFailed.
type Inventory struct {
	Client   InventoryClient
	FilterID string
	FilterURI string
}

// Resolve implements Provider.
func (inv Inventory) Resolve(ctx context.Context) (Endpoint, error) {
	entries, err := inv.Client.Endpoints(ctx)
	if err != nil {
		return Endpoint{}, tunerrors.Wrap(tunerrors.ErrResolutionFailed, err.Error())
	}

	var uriPattern *regexp.Regexp
	if inv.FilterURI != "" {
		uriPattern, err = regexp.Compile("(?i)" + inv.FilterURI)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: invalid filter uri: %v", tunerrors.ErrResolutionFailed, err)
		}
	}

	var match *InventoryEntry
	for i := range entries {
		e := &entries[i]
		if inv.FilterID != "" && e.ID == inv.FilterID {
			match = e
			break
		}
		if uriPattern != nil && uriPattern.MatchString(e.URI) {
			// Prefer a reserved edge endpoint over an ephemeral one when
			// both match the same filter, per the original ngrok client.
			if match == nil || (match.Type == TypeEphemeral && e.Type == TypeEdge) {
				match = e
			}
		}
	}

	if match == nil {
		return Endpoint{}, tunerrors.ErrResolutionFailed
	}
	return Endpoint{Host: match.Host, Port: match.Port}, nil
}

// ParseEndpoint splits a "host:port" string into an Endpoint.
func ParseEndpoint(hostport string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", tunerrors.ErrConfig, err)
	}
	port, err := strconv.ParseUint(strings.TrimSpace(portStr), 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: invalid port %q: %v", tunerrors.ErrConfig, portStr, err)
	}
	return Endpoint{Host: host, Port: uint16(port)}, nil
}

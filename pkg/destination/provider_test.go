// Copyright (c) Arkadiusz Bokowy
// SPDX-License-Identifier: MIT

package destination

import (
	"context"
	"errors"
	"testing"

	tunerrors "github.com/abokowy/wg-tcp-tunnel/pkg/errors"
)

type fakeInventoryClient struct {
	entries []InventoryEntry
	err     error
}

func (f *fakeInventoryClient) Endpoints(context.Context) ([]InventoryEntry, error) {
	return f.entries, f.err
}

func TestStaticResolveNeverFails(t *testing.T) {
	s := Static{Endpoint: Endpoint{Host: "127.0.0.1", Port: 7000}}
	ep, err := s.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Static.Resolve returned error: %v", err)
	}
	if ep != s.Endpoint {
		t.Fatalf("want %v, got %v", s.Endpoint, ep)
	}
}

func TestInventoryResolveByExactID(t *testing.T) {
	client := &fakeInventoryClient{entries: []InventoryEntry{
		{ID: "abc", Host: "10.0.0.1", Port: 1000},
		{ID: "def", Host: "10.0.0.2", Port: 2000},
	}}
	inv := Inventory{Client: client, FilterID: "def"}

	ep, err := inv.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.Host != "10.0.0.2" || ep.Port != 2000 {
		t.Fatalf("unexpected match: %v", ep)
	}
}

func TestInventoryResolveByURIRegexCaseInsensitive(t *testing.T) {
	client := &fakeInventoryClient{entries: []InventoryEntry{
		{ID: "x", URI: "tcp://Example.Com:7000", Host: "example.com", Port: 7000},
	}}
	inv := Inventory{Client: client, FilterURI: "example\\.com"}

	ep, err := inv.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.Host != "example.com" {
		t.Fatalf("unexpected match: %v", ep)
	}
}

func TestInventoryResolvePrefersEdgeOverEphemeral(t *testing.T) {
	client := &fakeInventoryClient{entries: []InventoryEntry{
		{URI: "tcp://tun.example.com:1", Host: "ephemeral.example.com", Port: 1, Type: TypeEphemeral},
		{URI: "tcp://tun.example.com:2", Host: "edge.example.com", Port: 2, Type: TypeEdge},
	}}
	inv := Inventory{Client: client, FilterURI: "tun\\.example\\.com"}

	ep, err := inv.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.Host != "edge.example.com" {
		t.Fatalf("want edge endpoint preferred, got %v", ep)
	}
}

func TestInventoryResolveNoMatchFails(t *testing.T) {
	client := &fakeInventoryClient{entries: []InventoryEntry{
		{ID: "other", URI: "tcp://nope:1"},
	}}
	inv := Inventory{Client: client, FilterID: "missing"}

	if _, err := inv.Resolve(context.Background()); !errors.Is(err, tunerrors.ErrResolutionFailed) {
		t.Fatalf("expected ErrResolutionFailed, got %v", err)
	}
}

func TestInventoryResolveListingErrorFails(t *testing.T) {
	client := &fakeInventoryClient{err: errors.New("network down")}
	inv := Inventory{Client: client, FilterID: "anything"}

	if _, err := inv.Resolve(context.Background()); !errors.Is(err, tunerrors.ErrResolutionFailed) {
		t.Fatalf("expected ErrResolutionFailed, got %v", err)
	}
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("127.0.0.1:7000")
	if err != nil {
		t.Fatalf("ParseEndpoint: %v", err)
	}
	if ep.Host != "127.0.0.1" || ep.Port != 7000 {
		t.Fatalf("unexpected endpoint: %v", ep)
	}

	if _, err := ParseEndpoint("not-a-hostport"); err == nil {
		t.Fatalf("expected error for malformed endpoint")
	}
}

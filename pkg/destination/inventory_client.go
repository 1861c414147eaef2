// Copyright (c) Arkadiusz Bokowy
// SPDX-License-Identifier: MIT

package destination

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPInventoryClient implements InventoryClient against an ngrok-style
// inventory API, ported from original_source/src/ngrok.cpp: a bearer-
// authenticated GET against "<baseURL>/endpoints" returning a JSON
// object with an "endpoints" array of {id, hostport, type, created_at,
// updated_at} entries.
// Retry, pagination and caching are explicitly out of scope (spec.md's
// non-goal for the inventory client's own logic); one call always
// issues exactly one HTTP request.
type HTTPInventoryClient struct {
	BaseURL string
	APIKey  string

	HTTPClient *http.Client
}

type inventoryListResponse struct {
	Endpoints []inventoryEndpointDTO `json:"endpoints"`
}

type inventoryEndpointDTO struct {
	ID        string `json:"id"`
	HostPort  string `json:"hostport"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// parseNgrokTimestamp parses the first 19 characters of an ngrok
// "created_at"/"updated_at" value ("2023-01-02T15:04:05..."), mirroring
// original_source/src/ngrok.cpp's substr(0, 19) truncation ahead of its
// own ISO-8601 parse. A malformed or empty timestamp yields a zero Time
// rather than failing the whole listing.
func parseNgrokTimestamp(s string) time.Time {
	if len(s) < 19 {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02T15:04:05", s[:19])
	if err != nil {
		return time.Time{}
	}
	return t
}

// Endpoints implements InventoryClient.
func (c *HTTPInventoryClient) Endpoints(ctx context.Context) ([]InventoryEntry, error) {
	base := c.BaseURL
	if base == "" {
		base = "https://api.ngrok.com"
	}
	u, err := url.JoinPath(base, "endpoints")
	if err != nil {
		return nil, fmt.Errorf("build inventory url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build inventory request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Ngrok-Version", "2")

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inventory request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inventory request: unexpected status %s", resp.Status)
	}

	var listResp inventoryListResponse
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, fmt.Errorf("decode inventory response: %w", err)
	}

	entries := make([]InventoryEntry, 0, len(listResp.Endpoints))
	for _, dto := range listResp.Endpoints {
		ep, err := ParseEndpoint(dto.HostPort)
		if err != nil {
			continue
		}
		entryType := TypeEphemeral
		if dto.Type == "edge" {
			entryType = TypeEdge
		}
		entries = append(entries, InventoryEntry{
			ID:        dto.ID,
			URI:       dto.HostPort,
			Host:      ep.Host,
			Port:      ep.Port,
			Type:      entryType,
			CreatedAt: parseNgrokTimestamp(dto.CreatedAt),
			UpdatedAt: parseNgrokTimestamp(dto.UpdatedAt),
		})
	}
	return entries, nil
}

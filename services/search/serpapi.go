// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package search looks up live web results used to ground chat answers.
package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	defaultSerpAPIEndpoint = "https://serpapi.com/search.json"
	defaultTimeout         = 10 * time.Second
	maxResponseBytes       = 4 << 20
)

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = errors.New("search: api key not configured")

// Result is one ranked web result.
type Result struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// Searcher performs a web lookup. An empty result with a nil error means the
// search ran and found nothing.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// SerpAPIConfig configures SerpAPIClient.
type SerpAPIConfig struct {
	APIKey string
	// Endpoint overrides the SerpAPI URL. Used by tests.
	Endpoint string
	Timeout  time.Duration
	// MaxResults caps the number of organic results returned. Zero keeps all.
	MaxResults int
}

// SerpAPIClient queries Google through SerpAPI.
type SerpAPIClient struct {
	httpClient *http.Client
	apiKey     string
	endpoint   string
	maxResults int
}

// NewSerpAPIClient builds a SerpAPI-backed Searcher.
func NewSerpAPIClient(cfg SerpAPIConfig) *SerpAPIClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultSerpAPIEndpoint
	}
	if cfg.APIKey == "" {
		slog.Warn("SERPAPI_API_KEY not set, web search disabled")
	}
	return &SerpAPIClient{
		httpClient: &http.Client{Timeout: timeout},
		apiKey:     cfg.APIKey,
		endpoint:   endpoint,
		maxResults: cfg.MaxResults,
	}
}

// Search implements Searcher using the "google" engine and returns the
// organic results in rank order.
func (c *SerpAPIClient) Search(ctx context.Context, query string) ([]Result, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}
	params := url.Values{}
	params.Set("engine", "google")
	params.Set("q", query)
	params.Set("api_key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return nil, fmt.Errorf("search returned status %d: %s", resp.StatusCode, msg)
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("search returned invalid JSON")
	}
	return parseOrganicResults(body, c.maxResults), nil
}

func parseOrganicResults(body []byte, limit int) []Result {
	organic := gjson.GetBytes(body, "organic_results").Array()
	results := make([]Result, 0, len(organic))
	for _, r := range organic {
		if limit > 0 && len(results) >= limit {
			break
		}
		results = append(results, Result{
			Title:   r.Get("title").String(),
			Link:    r.Get("link").String(),
			Snippet: r.Get("snippet").String(),
		})
	}
	return results
}

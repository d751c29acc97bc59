// Copyright 2026 The assistgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package embedding

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Client calls an OpenAI-compatible /v1/embeddings endpoint. On any transport
// or service error it falls back to the local engine so cache lookups keep
// working while the embedding service is down.
type Client struct {
	baseURL  string
	apiKey   string
	model    string
	http     *http.Client
	fallback *LocalEngine
}

// ClientConfig configures the embedding service client.
type ClientConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
	Timeout   time.Duration
}

// NewClient creates a client for the configured embedding service.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		http:     &http.Client{Timeout: timeout},
		fallback: NewLocalEngine(cfg.Dimension),
	}
}

// Embed requests a vector from the embedding service, falling back to the
// local engine when the service is unreachable or returns an error.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if c.baseURL == "" {
		return c.fallback.Embed(ctx, text)
	}

	vec, err := c.embedRemote(ctx, text)
	if err != nil {
		log.WithError(err).Warn("embedding service unavailable, using local engine")
		return c.fallback.Embed(ctx, text)
	}
	return vec, nil
}

func (c *Client) embedRemote(ctx context.Context, text string) ([]float64, error) {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "model", c.model)
	body, _ = sjson.SetBytes(body, "input", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embeddings response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings service returned %d: %s", resp.StatusCode, truncateBody(raw))
	}

	data := gjson.GetBytes(raw, "data.0.embedding")
	if !data.Exists() {
		return nil, fmt.Errorf("embeddings response missing data.0.embedding")
	}
	values := data.Array()
	vec := make([]float64, len(values))
	for i, v := range values {
		vec[i] = v.Float()
	}
	normalize(vec)
	return vec, nil
}

func truncateBody(raw []byte) string {
	const max = 200
	s := string(raw)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

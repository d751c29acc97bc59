// Copyright 2026 The assistgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package provider is the HTTP client for the OpenAI-compatible upstream
// model service. It builds request bodies with sjson and reads responses with
// gjson, so no struct mirrors of the wire format are kept in sync by hand.
package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/velomarket/assistgate/internal/promptopt"
	"github.com/velomarket/assistgate/internal/tokens"
)

// StatusError is a non-2xx response from the upstream service.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Code, e.Message)
}

// ErrUnreachable wraps connection-level failures (refused, DNS, reset).
var ErrUnreachable = errors.New("upstream unreachable")

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Request is one chat completion call.
type Request struct {
	Model        string
	SystemPrompt string
	History      []promptopt.Message
	UserMessage  string
	MaxTokens    int
	Temperature  float64
}

// Response is the upstream answer plus token usage. When the upstream omits
// usage data the token counts are backfilled from the local tokenizer.
type Response struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Config configures the upstream client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client calls the upstream chat completions endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates an upstream client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Chat performs one chat completion call.
func (c *Client) Chat(ctx context.Context, req Request) (*Response, error) {
	body, err := buildBody(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if IsTimeout(err) {
			return nil, fmt.Errorf("chat request: %w", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(raw, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
			if len(msg) > 200 {
				msg = msg[:200] + "..."
			}
		}
		return nil, &StatusError{Code: resp.StatusCode, Message: msg}
	}

	text := gjson.GetBytes(raw, "choices.0.message.content").String()
	if text == "" {
		return nil, &StatusError{Code: resp.StatusCode, Message: "empty completion"}
	}

	out := &Response{
		Text:             text,
		Model:            gjson.GetBytes(raw, "model").String(),
		PromptTokens:     int(gjson.GetBytes(raw, "usage.prompt_tokens").Int()),
		CompletionTokens: int(gjson.GetBytes(raw, "usage.completion_tokens").Int()),
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	if out.PromptTokens == 0 {
		out.PromptTokens = tokens.Default().Count(req.SystemPrompt + req.UserMessage)
	}
	if out.CompletionTokens == 0 {
		out.CompletionTokens = tokens.Default().Count(text)
	}

	log.Debugf("provider: %s answered in %s (%d+%d tokens)",
		out.Model, time.Since(start).Round(time.Millisecond), out.PromptTokens, out.CompletionTokens)
	return out, nil
}

func buildBody(req Request) ([]byte, error) {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "model", req.Model)

	idx := 0
	if req.SystemPrompt != "" {
		body, _ = sjson.SetBytes(body, fmt.Sprintf("messages.%d.role", idx), "system")
		body, _ = sjson.SetBytes(body, fmt.Sprintf("messages.%d.content", idx), req.SystemPrompt)
		idx++
	}
	for _, m := range req.History {
		body, _ = sjson.SetBytes(body, fmt.Sprintf("messages.%d.role", idx), m.Role)
		body, _ = sjson.SetBytes(body, fmt.Sprintf("messages.%d.content", idx), m.Content)
		idx++
	}
	body, _ = sjson.SetBytes(body, fmt.Sprintf("messages.%d.role", idx), "user")
	body, _ = sjson.SetBytes(body, fmt.Sprintf("messages.%d.content", idx), req.UserMessage)

	if req.MaxTokens > 0 {
		body, _ = sjson.SetBytes(body, "max_tokens", req.MaxTokens)
	}
	if req.Temperature > 0 {
		body, _ = sjson.SetBytes(body, "temperature", req.Temperature)
	}
	return body, nil
}

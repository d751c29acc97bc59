// Copyright 2026 The assistgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package analytics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
)

// HTTPSink ships event batches to an analytics collector as a single JSON
// document: {"events": [...]}.
type HTTPSink struct {
	url  string
	http *http.Client
}

// NewHTTPSink creates a sink posting to url. An empty url yields a nil sink,
// which the tracker treats as shipping disabled.
func NewHTTPSink(url string, timeout time.Duration) *HTTPSink {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSink{url: url, http: &http.Client{Timeout: timeout}}
}

type shipPayload struct {
	Events []Event `json:"events"`
}

// Ship posts the batch. Any non-2xx status is an error so the tracker can
// requeue the events.
func (s *HTTPSink) Ship(ctx context.Context, events []Event) error {
	body, err := json.Marshal(shipPayload{Events: events})
	if err != nil {
		return fmt.Errorf("encode analytics batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build analytics request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("ship analytics batch: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("analytics sink returned %d", resp.StatusCode)
	}
	return nil
}

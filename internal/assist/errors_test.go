// Copyright 2026 The assistgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package assist

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/velomarket/assistgate/internal/provider"
	"github.com/velomarket/assistgate/internal/queue"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "service error carries its kind", err: newError(KindValidation, "bad", nil), want: KindValidation},
		{name: "wrapped service error", err: fmt.Errorf("outer: %w", newError(KindCapacity, "full", nil)), want: KindCapacity},
		{name: "queue full", err: queue.ErrQueueFull, want: KindCapacity},
		{name: "queue timeout", err: queue.ErrTimeout, want: KindTimeout},
		{name: "context deadline", err: context.DeadlineExceeded, want: KindTimeout},
		{name: "unreachable upstream", err: fmt.Errorf("%w: connection refused", provider.ErrUnreachable), want: KindUpstreamUnavailable},
		{name: "upstream 503", err: &provider.StatusError{Code: http.StatusServiceUnavailable}, want: KindUpstreamUnavailable},
		{name: "upstream 502", err: &provider.StatusError{Code: http.StatusBadGateway}, want: KindUpstreamUnavailable},
		{name: "upstream 500", err: &provider.StatusError{Code: http.StatusInternalServerError}, want: KindUpstreamFailure},
		{name: "upstream 429", err: &provider.StatusError{Code: http.StatusTooManyRequests}, want: KindUpstreamFailure},
		{name: "unknown error", err: errors.New("mystery"), want: KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindValidation))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(KindUnauthorized))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(KindCapacity))
	assert.Equal(t, http.StatusGatewayTimeout, HTTPStatus(KindTimeout))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(KindUpstreamUnavailable))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(KindUpstreamFailure))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindInternal))
}

func TestErrorFormatting(t *testing.T) {
	plain := newError(KindValidation, "query must not be empty", nil)
	assert.Equal(t, "validation: query must not be empty", plain.Error())

	wrapped := newError(KindCapacity, "assistant is at capacity", queue.ErrQueueFull)
	assert.Contains(t, wrapped.Error(), "capacity: assistant is at capacity")
	assert.ErrorIs(t, wrapped, queue.ErrQueueFull)
}

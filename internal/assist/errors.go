// Copyright 2026 The assistgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package assist

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/velomarket/assistgate/internal/provider"
	"github.com/velomarket/assistgate/internal/queue"
)

// Kind classifies a failure for callers and for the API error body.
type Kind string

const (
	// KindValidation is a malformed or unacceptable request.
	KindValidation Kind = "validation"
	// KindUnauthorized is a missing or invalid service API key.
	KindUnauthorized Kind = "unauthorized"
	// KindCapacity means the request queue is full.
	KindCapacity Kind = "capacity"
	// KindTimeout means the request waited or ran too long.
	KindTimeout Kind = "timeout"
	// KindUpstreamUnavailable means the provider cannot be reached, including
	// when the circuit breaker is open.
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	// KindUpstreamFailure means the provider answered with an error.
	KindUpstreamFailure Kind = "upstream_failure"
	// KindInternal is everything else.
	KindInternal Kind = "internal"
)

// Error is the service-level error: a kind plus a human-readable message,
// optionally wrapping the cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds an Error with the kind inferred from the cause.
func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the Kind from err, classifying well-known sentinel and
// typed errors from the lower layers.
func KindOf(err error) Kind {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Kind
	}
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		return KindCapacity
	case errors.Is(err, queue.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		provider.IsTimeout(err):
		return KindTimeout
	case errors.Is(err, provider.ErrUnreachable):
		return KindUpstreamUnavailable
	}
	var statusErr *provider.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Code == http.StatusServiceUnavailable || statusErr.Code == http.StatusBadGateway {
			return KindUpstreamUnavailable
		}
		return KindUpstreamFailure
	}
	return KindInternal
}

// HTTPStatus maps an error kind to the response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindCapacity:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

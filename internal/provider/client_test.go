// Copyright 2026 The assistgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/velomarket/assistgate/internal/promptopt"
)

func TestChatSuccess(t *testing.T) {
	var captured []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		captured, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"model": "swift-mini",
			"choices": [{"message": {"role": "assistant", "content": "Standard shipping takes 3-5 days."}}],
			"usage": {"prompt_tokens": 42, "completion_tokens": 9}
		}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "test-key"})
	resp, err := c.Chat(context.Background(), Request{
		Model:        "swift-mini",
		SystemPrompt: "You are a shopping assistant.",
		History: []promptopt.Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
		UserMessage: "how long does shipping take",
		MaxTokens:   256,
	})
	require.NoError(t, err)
	assert.Equal(t, "Standard shipping takes 3-5 days.", resp.Text)
	assert.Equal(t, "swift-mini", resp.Model)
	assert.Equal(t, 42, resp.PromptTokens)
	assert.Equal(t, 9, resp.CompletionTokens)

	// Wire shape: system first, history in order, user message last.
	msgs := gjson.GetBytes(captured, "messages").Array()
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Get("role").String())
	assert.Equal(t, "user", msgs[1].Get("role").String())
	assert.Equal(t, "assistant", msgs[2].Get("role").String())
	assert.Equal(t, "user", msgs[3].Get("role").String())
	assert.Equal(t, "how long does shipping take", msgs[3].Get("content").String())
	assert.Equal(t, int64(256), gjson.GetBytes(captured, "max_tokens").Int())
}

func TestChatBackfillsUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices": [{"message": {"content": "An answer."}}]}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	resp, err := c.Chat(context.Background(), Request{Model: "swift-mini", UserMessage: "question"})
	require.NoError(t, err)
	assert.Equal(t, "swift-mini", resp.Model, "model falls back to the requested one")
	assert.Positive(t, resp.PromptTokens)
	assert.Positive(t, resp.CompletionTokens)
}

func TestChatStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"error": {"message": "model overloaded"}}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Chat(context.Background(), Request{Model: "swift-mini", UserMessage: "question"})
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
	assert.Equal(t, "model overloaded", statusErr.Message)
}

func TestChatEmptyCompletionIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices": []}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Chat(context.Background(), Request{Model: "swift-mini", UserMessage: "question"})
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
}

func TestChatUnreachable(t *testing.T) {
	// A closed server yields a connection error, not a timeout.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Chat(context.Background(), Request{Model: "swift-mini", UserMessage: "question"})
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestChatTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	_, err := c.Chat(context.Background(), Request{Model: "swift-mini", UserMessage: "question"})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.NotErrorIs(t, err, ErrUnreachable)
}

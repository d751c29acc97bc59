// Copyright 2026 The assistgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package assist

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velomarket/assistgate/internal/analytics"
	"github.com/velomarket/assistgate/internal/batch"
	"github.com/velomarket/assistgate/internal/breaker"
	"github.com/velomarket/assistgate/internal/classify"
	"github.com/velomarket/assistgate/internal/embedding"
	"github.com/velomarket/assistgate/internal/promptopt"
	"github.com/velomarket/assistgate/internal/provider"
	"github.com/velomarket/assistgate/internal/queue"
	"github.com/velomarket/assistgate/internal/rules"
	"github.com/velomarket/assistgate/internal/semcache"
)

const testFallback = "Sorry, the assistant is temporarily unavailable."

type testEnv struct {
	svc           *Service
	upstreamCalls *atomic.Int64
	brk           *breaker.Breaker
	queue         *queue.Queue
	cache         *semcache.Cache
	embedder      embedding.Embedder
	tracker       *analytics.Tracker
}

// newTestEnv wires a full pipeline against an httptest upstream with timings
// shrunk for tests. The queue dispatcher runs until the test ends.
func newTestEnv(t *testing.T, handler http.HandlerFunc) *testEnv {
	t.Helper()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	cache := semcache.New(semcache.Config{MaxEntries: 100, SimilarityThreshold: 0.85, TTL: time.Hour})
	embedder := embedding.NewLocalEngine(256)
	brk := breaker.New(breaker.Config{FailureThreshold: 5, Window: time.Minute, Cooldown: time.Minute, SuccessThreshold: 2})
	q := queue.New(queue.Config{Depth: 100, WaitTimeout: 2 * time.Second, DispatchDelay: time.Millisecond})
	tracker := analytics.New(analytics.Config{BufferSize: 100}, nil)

	svc := New(Config{FallbackMessage: testFallback}, Deps{
		Matcher: rules.NewMatcher(rules.DefaultRules()),
		Classifier: classify.New(classify.Models{
			EmbeddingTier: "embed-search-v1",
			CheapTier:     "swift-mini",
			PremiumTier:   "atlas-pro",
		}, map[string]float64{"swift-mini": 0.002, "atlas-pro": 0.03}),
		Cache:    cache,
		Embedder: embedder,
		Breaker:  brk,
		Queue:    q,
		Upstream: provider.New(provider.Config{BaseURL: srv.URL, Timeout: time.Second}),
		Tracker:  tracker,
		Batch:    batch.Config{MaxSize: 10, Window: 10 * time.Millisecond, MinOverlap: 0.8, MaxWordDiff: 2},
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go q.Run(ctx)

	return &testEnv{
		svc:           svc,
		upstreamCalls: &calls,
		brk:           brk,
		queue:         q,
		cache:         cache,
		embedder:      embedder,
		tracker:       tracker,
	}
}

func completionHandler(text string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{
			"model": "swift-mini",
			"choices": [{"message": {"content": "`+text+`"}}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 10}
		}`)
	}
}

func TestQueryRuleShortCircuits(t *testing.T) {
	env := newTestEnv(t, completionHandler("should not be called"))

	resp, err := env.svc.Query(context.Background(), Request{Query: "Hi"})
	require.NoError(t, err)

	assert.Equal(t, analytics.RouteRule, resp.Route)
	assert.Equal(t, "greeting", resp.RuleName)
	assert.Zero(t, env.upstreamCalls.Load(), "a rule answer must not touch the provider")
	assert.Equal(t, int64(1), env.tracker.Stats(0).ByRoute[analytics.RouteRule])
}

func TestQueryAuthGatedRule(t *testing.T) {
	env := newTestEnv(t, completionHandler("Your order shipped yesterday."))

	// Authenticated callers get the canned answer.
	resp, err := env.svc.Query(context.Background(), Request{Query: "where is my order", Authenticated: true})
	require.NoError(t, err)
	assert.Equal(t, analytics.RouteRule, resp.Route)
	assert.Zero(t, env.upstreamCalls.Load())

	// Anonymous callers fall through to the model path.
	resp, err = env.svc.Query(context.Background(), Request{Query: "where is my order"})
	require.NoError(t, err)
	assert.Equal(t, analytics.RouteModel, resp.Route)
	assert.Equal(t, int64(1), env.upstreamCalls.Load())
}

func TestQueryExactCacheHitOnRepeat(t *testing.T) {
	env := newTestEnv(t, completionHandler("The frame is aluminium."))
	query := "tell me which frame material this city bike uses"

	first, err := env.svc.Query(context.Background(), Request{Query: query})
	require.NoError(t, err)
	assert.Equal(t, analytics.RouteModel, first.Route)
	assert.Equal(t, "The frame is aluminium.", first.Text)
	assert.Equal(t, 20, first.TokensIn)
	assert.Equal(t, 10, first.TokensOut)
	assert.InDelta(t, 0.002*30/1000.0, first.Cost, 1e-9)

	second, err := env.svc.Query(context.Background(), Request{Query: query})
	require.NoError(t, err)
	assert.Equal(t, analytics.RouteCacheExact, second.Route)
	assert.Equal(t, "The frame is aluminium.", second.Text)
	assert.Equal(t, int64(1), env.upstreamCalls.Load(), "the repeat is served from cache")
}

func TestQuerySemanticCacheHit(t *testing.T) {
	env := newTestEnv(t, completionHandler("unused"))

	primed := "is this tent waterproof"
	vec, err := env.embedder.Embed(context.Background(), primed)
	require.NoError(t, err)
	env.cache.Store(primed, "Yes, fully waterproof.", "swift-mini", vec)

	resp, err := env.svc.Query(context.Background(), Request{Query: "is this tent waterproof today"})
	require.NoError(t, err)
	assert.Equal(t, analytics.RouteCacheSemantic, resp.Route)
	assert.Equal(t, "Yes, fully waterproof.", resp.Text)
	assert.GreaterOrEqual(t, resp.Similarity, 0.85)
	assert.Zero(t, env.upstreamCalls.Load())
}

func TestQueryValidation(t *testing.T) {
	env := newTestEnv(t, completionHandler("unused"))

	_, err := env.svc.Query(context.Background(), Request{Query: "   "})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = env.svc.Query(context.Background(), Request{Query: strings.Repeat("a", 5000)})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Zero(t, env.upstreamCalls.Load())
}

func TestQueryOpenBreakerServesFallback(t *testing.T) {
	env := newTestEnv(t, completionHandler("unused"))

	for i := 0; i < 5; i++ {
		env.brk.RecordFailure()
	}
	require.Equal(t, breaker.StateOpen, env.brk.State())

	resp, err := env.svc.Query(context.Background(), Request{Query: "tell me which frame material this city bike uses"})
	require.NoError(t, err, "an open circuit degrades, it does not fail")
	assert.True(t, resp.Fallback)
	assert.Equal(t, testFallback, resp.Text)
	assert.Equal(t, analytics.RouteFallback, resp.Route)
	assert.Zero(t, env.upstreamCalls.Load(), "no network while the circuit is open")
}

func TestQueryProviderErrorServesFallback(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error": {"message": "boom"}}`)
	})

	resp, err := env.svc.Query(context.Background(), Request{Query: "tell me which frame material this city bike uses"})
	require.NoError(t, err)
	assert.True(t, resp.Fallback)
	assert.Equal(t, testFallback, resp.Text)
	assert.Equal(t, int64(1), env.upstreamCalls.Load())
	assert.Equal(t, breaker.StateClosed, env.brk.State(), "one failure does not open the circuit")
}

func TestQueryCapacityError(t *testing.T) {
	env := newTestEnv(t, completionHandler("unused"))

	// A second queue with depth 1 and no dispatcher stands in for a full one.
	full := queue.New(queue.Config{Depth: 1, WaitTimeout: 50 * time.Millisecond})
	_, err := full.Enqueue(queue.TierFree, false)
	require.NoError(t, err)
	env.svc.queue = full

	_, err = env.svc.Query(context.Background(), Request{Query: "tell me which frame material this city bike uses"})
	require.Error(t, err)
	assert.Equal(t, KindCapacity, KindOf(err))
	assert.Zero(t, env.upstreamCalls.Load())
}

func TestQueryQueueTimeout(t *testing.T) {
	env := newTestEnv(t, completionHandler("unused"))

	// No dispatcher on this queue, so waiting tickets can only time out.
	env.svc.queue = queue.New(queue.Config{Depth: 10, WaitTimeout: 30 * time.Millisecond})

	_, err := env.svc.Query(context.Background(), Request{Query: "tell me which frame material this city bike uses"})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestQueryCachesModelAnswerForSemanticLookup(t *testing.T) {
	env := newTestEnv(t, completionHandler("It weighs 12 kilograms."))

	_, err := env.svc.Query(context.Background(), Request{Query: "how heavy is this cargo bike frame"})
	require.NoError(t, err)

	resp, err := env.svc.Query(context.Background(), Request{Query: "how heavy is this cargo bike frame then"})
	require.NoError(t, err)
	assert.Equal(t, analytics.RouteCacheSemantic, resp.Route)
	assert.Equal(t, "It weighs 12 kilograms.", resp.Text)
	assert.Equal(t, int64(1), env.upstreamCalls.Load())
}

func TestQueryWithHistorySkipsBatchingAndCache(t *testing.T) {
	env := newTestEnv(t, completionHandler("Depends on the tire width."))

	history := []promptopt.Message{
		{Role: "user", Content: "I ride mostly gravel"},
		{Role: "assistant", Content: "Noted."},
	}
	resp, err := env.svc.Query(context.Background(), Request{Query: "so what tire pressure would suit me", History: history})
	require.NoError(t, err)
	assert.Equal(t, analytics.RouteModel, resp.Route)

	// The context-dependent answer must not be cached for others.
	_, ok := env.cache.Get("so what tire pressure would suit me")
	assert.False(t, ok)
}

func TestQueryAssignsRequestID(t *testing.T) {
	env := newTestEnv(t, completionHandler("unused"))

	_, err := env.svc.Query(context.Background(), Request{Query: "Hi"})
	require.NoError(t, err)
	// The recorded event carries a generated request id.
	assert.Equal(t, int64(1), env.tracker.Stats(0).Recorded)
}

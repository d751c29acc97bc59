// Copyright 2026 The assistgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package assist is the query pipeline: every assistant request flows through
// rule matching, classification, the caches, the circuit breaker, the
// priority queue, and batching before anything reaches the model provider.
// The steps run in a fixed order so that cheaper answers always win over more
// expensive ones.
package assist

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

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

// Request is one assistant query.
type Request struct {
	RequestID     string
	Query         string
	History       []promptopt.Message
	Tier          queue.Tier
	HasSession    bool
	Authenticated bool
}

// Response is the pipeline's answer. Route says which stage produced it.
type Response struct {
	Text       string          `json:"text"`
	Route      analytics.Route `json:"route"`
	Model      string          `json:"model,omitempty"`
	RuleName   string          `json:"rule_name,omitempty"`
	Similarity float64         `json:"similarity,omitempty"`
	Complexity string          `json:"complexity,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
	TokensIn   int             `json:"tokens_in,omitempty"`
	TokensOut  int             `json:"tokens_out,omitempty"`
	Cost       float64         `json:"estimated_cost,omitempty"`
	GroupSize  int             `json:"group_size,omitempty"`
	Fallback   bool            `json:"fallback,omitempty"`
}

// Config holds pipeline-level settings.
type Config struct {
	// SystemPrompt frames every model call.
	SystemPrompt string
	// FallbackMessage is served when the provider is unavailable or failing.
	FallbackMessage string
	// MaxQueryChars rejects oversized queries up front.
	MaxQueryChars int
	// Limits bounds the prompt optimizer.
	Limits promptopt.Limits
}

// Deps are the pipeline's collaborators, constructed in cmd/server.
type Deps struct {
	Matcher    *rules.Matcher
	Classifier *classify.Classifier
	Cache      *semcache.Cache
	Embedder   embedding.Embedder
	Breaker    *breaker.Breaker
	Queue      *queue.Queue
	Upstream   *provider.Client
	Tracker    *analytics.Tracker
	Batch      batch.Config
}

// Service runs the query pipeline.
type Service struct {
	cfg Config

	matcher    *rules.Matcher
	classifier *classify.Classifier
	cache      *semcache.Cache
	embedder   embedding.Embedder
	breaker    *breaker.Breaker
	queue      *queue.Queue
	grouper    *batch.Grouper
	upstream   *provider.Client
	tracker    *analytics.Tracker
}

// New wires the pipeline. The batch grouper is created here because its
// process function is the service's own upstream call.
func New(cfg Config, d Deps) *Service {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = "You are a helpful shopping assistant for an online marketplace. Answer concisely and only about products, orders, and store policies."
	}
	if cfg.FallbackMessage == "" {
		cfg.FallbackMessage = "Sorry, the assistant is temporarily unavailable. Please try again in a minute."
	}
	if cfg.MaxQueryChars <= 0 {
		cfg.MaxQueryChars = 4000
	}

	s := &Service{
		cfg:        cfg,
		matcher:    d.Matcher,
		classifier: d.Classifier,
		cache:      d.Cache,
		embedder:   d.Embedder,
		breaker:    d.Breaker,
		queue:      d.Queue,
		upstream:   d.Upstream,
		tracker:    d.Tracker,
	}
	s.grouper = batch.New(d.Batch, s.callUpstream)
	return s
}

// Query runs one request through the pipeline. The stages are tried in fixed
// order; the first one that can answer does, and every outcome is recorded to
// analytics.
func (s *Service) Query(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Tier == "" {
		req.Tier = queue.TierFree
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		err := newError(KindValidation, "query must not be empty", nil)
		s.record(req, start, analytics.Event{Route: analytics.RouteError, ErrorKind: string(KindValidation)})
		return nil, err
	}
	if len(query) > s.cfg.MaxQueryChars {
		err := newError(KindValidation, "query too long", nil)
		s.record(req, start, analytics.Event{Route: analytics.RouteError, ErrorKind: string(KindValidation)})
		return nil, err
	}

	// Stage 1: rule table. Free and instant; auth-gated rules only answer
	// authenticated callers and otherwise fall through to the model path.
	if ruleResp, ok := s.matcher.Match(query); ok && (!ruleResp.RequiresAuth || req.Authenticated) {
		s.record(req, start, analytics.Event{Route: analytics.RouteRule, RuleName: ruleResp.RuleName})
		return &Response{Text: ruleResp.Text, Route: analytics.RouteRule, RuleName: ruleResp.RuleName}, nil
	}

	cl := s.classifier.Classify(query)

	// Stage 2: exact cache.
	if entry, ok := s.cache.Get(query); ok {
		s.record(req, start, analytics.Event{Route: analytics.RouteCacheExact, Model: entry.Model, Complexity: string(cl.Complexity)})
		return &Response{
			Text:       entry.Response,
			Route:      analytics.RouteCacheExact,
			Model:      entry.Model,
			Complexity: string(cl.Complexity),
			Confidence: cl.Confidence,
		}, nil
	}

	// Stage 3: semantic cache.
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		log.WithError(err).Debug("embedding failed, skipping semantic lookup")
		vec = nil
	}
	if entry, sim, ok := s.cache.Find(vec); ok {
		s.record(req, start, analytics.Event{Route: analytics.RouteCacheSemantic, Model: entry.Model, Complexity: string(cl.Complexity)})
		return &Response{
			Text:       entry.Response,
			Route:      analytics.RouteCacheSemantic,
			Model:      entry.Model,
			Similarity: sim,
			Complexity: string(cl.Complexity),
			Confidence: cl.Confidence,
		}, nil
	}

	// Stage 4: circuit breaker fast path. An open circuit degrades to the
	// fallback message without touching the network or the queue.
	if s.breaker.IsOpen() {
		s.record(req, start, analytics.Event{Route: analytics.RouteFallback, ErrorKind: string(KindUpstreamUnavailable)})
		return s.fallback(cl), nil
	}

	// Stage 5: priority queue admission. The granted slot is held for the
	// whole upstream stage and released when this request finishes, which
	// keeps upstream calls strictly one at a time.
	ticket, err := s.queue.Enqueue(req.Tier, req.HasSession)
	if err != nil {
		s.record(req, start, analytics.Event{Route: analytics.RouteError, ErrorKind: string(KindCapacity)})
		return nil, newError(KindCapacity, "assistant is at capacity", err)
	}
	if err := s.queue.Wait(ctx, ticket); err != nil {
		kind := KindOf(err)
		s.record(req, start, analytics.Event{Route: analytics.RouteError, ErrorKind: string(kind)})
		return nil, newError(kind, "timed out waiting for a slot", err)
	}
	defer s.queue.Release(ticket)

	// Stage 6: upstream call, batched for history-free queries. Queries with
	// conversation history never share answers across callers.
	var outcome batch.Outcome
	shared := false
	groupSize := 1
	if len(req.History) == 0 {
		res := s.grouper.Submit(ctx, query)
		outcome, err = res.Outcome, res.Err
		shared, groupSize = res.Shared, res.GroupSize
	} else {
		outcome, err = s.callModel(ctx, query, req.History, cl)
	}
	if err != nil {
		kind := KindOf(err)
		switch kind {
		case KindUpstreamUnavailable, KindUpstreamFailure, KindTimeout:
			// Degrade instead of surfacing provider trouble to the shopper.
			s.record(req, start, analytics.Event{Route: analytics.RouteFallback, ErrorKind: string(kind)})
			return s.fallback(cl), nil
		default:
			s.record(req, start, analytics.Event{Route: analytics.RouteError, ErrorKind: string(kind)})
			return nil, newError(kind, "query failed", err)
		}
	}

	route := analytics.RouteModel
	if shared {
		route = analytics.RouteBatchShared
	}
	cost := s.classifier.CostForTokens(outcome.Model, outcome.TokensIn+outcome.TokensOut)
	s.record(req, start, analytics.Event{
		Route:         route,
		Model:         outcome.Model,
		Complexity:    string(cl.Complexity),
		TokensIn:      outcome.TokensIn,
		TokensOut:     outcome.TokensOut,
		TokensSaved:   outcome.TokensSaved,
		EstimatedCost: cost,
	})
	return &Response{
		Text:       outcome.Response,
		Route:      route,
		Model:      outcome.Model,
		Complexity: string(cl.Complexity),
		Confidence: cl.Confidence,
		TokensIn:   outcome.TokensIn,
		TokensOut:  outcome.TokensOut,
		Cost:       cost,
		GroupSize:  groupSize,
	}, nil
}

// callUpstream is the batch grouper's process function. A group's queries are
// near-duplicates by construction, so one model call on the first query
// answers every position; the riders report the avoided call's tokens as
// savings rather than spend, so a group is never billed twice. The answer is
// cached for future exact and semantic hits.
func (s *Service) callUpstream(ctx context.Context, queries []string) ([]batch.Outcome, error) {
	cl := s.classifier.Classify(queries[0])
	lead, err := s.callModel(ctx, queries[0], nil, cl)
	if err != nil {
		return nil, err
	}

	outcomes := make([]batch.Outcome, len(queries))
	outcomes[0] = lead
	for i := 1; i < len(queries); i++ {
		outcomes[i] = batch.Outcome{
			Response:    lead.Response,
			Model:       lead.Model,
			TokensSaved: lead.TokensIn + lead.TokensOut,
		}
	}
	return outcomes, nil
}

func (s *Service) callModel(ctx context.Context, query string, history []promptopt.Message, cl classify.Classification) (batch.Outcome, error) {
	opt := promptopt.Optimize(s.cfg.SystemPrompt, history, query, s.cfg.Limits)

	if !s.breaker.Allow() {
		return batch.Outcome{}, newError(KindUpstreamUnavailable, "circuit breaker is open", nil)
	}

	resp, err := s.upstream.Chat(ctx, provider.Request{
		Model:        cl.RecommendedModel,
		SystemPrompt: opt.SystemPrompt,
		History:      opt.Messages,
		UserMessage:  opt.UserMessage,
	})
	if err != nil {
		s.breaker.RecordFailure()
		return batch.Outcome{}, err
	}
	s.breaker.RecordSuccess()

	// Cache only history-free answers; a reply that depended on conversation
	// context is not safe to serve to other queries.
	if len(history) == 0 {
		vec, embErr := s.embedder.Embed(ctx, query)
		if embErr != nil {
			vec = nil
		}
		s.cache.Store(query, resp.Text, resp.Model, vec)
	}

	return batch.Outcome{
		Response:    resp.Text,
		Model:       resp.Model,
		TokensIn:    resp.PromptTokens,
		TokensOut:   resp.CompletionTokens,
		TokensSaved: opt.TokensSaved(),
	}, nil
}

// fallback builds the degraded response served while the provider is down.
func (s *Service) fallback(cl classify.Classification) *Response {
	return &Response{
		Text:       s.cfg.FallbackMessage,
		Route:      analytics.RouteFallback,
		Complexity: string(cl.Complexity),
		Fallback:   true,
	}
}

// record emits one analytics event, filling the request-scoped fields.
func (s *Service) record(req Request, start time.Time, ev analytics.Event) {
	ev.RequestID = req.RequestID
	ev.UserTier = string(req.Tier)
	ev.LatencyMS = time.Since(start).Milliseconds()
	s.tracker.Record(ev)
}

// Grouper exposes the batch grouper for stats reporting.
func (s *Service) Grouper() *batch.Grouper { return s.grouper }

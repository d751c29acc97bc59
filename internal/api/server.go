// Copyright 2026 The assistgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api is the HTTP surface of the gateway: the assistant query
// endpoint, a stats endpoint, and a health probe.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/velomarket/assistgate/internal/analytics"
	"github.com/velomarket/assistgate/internal/assist"
	"github.com/velomarket/assistgate/internal/breaker"
	"github.com/velomarket/assistgate/internal/config"
	"github.com/velomarket/assistgate/internal/promptopt"
	"github.com/velomarket/assistgate/internal/queue"
	"github.com/velomarket/assistgate/internal/semcache"
)

const (
	headerRequestID  = "X-Request-ID"
	ctxKeyRequestID  = "request_id"
	ctxKeyAuthorized = "authorized"
)

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	cfg     *config.Config
	service *assist.Service
	cache   *semcache.Cache
	brk     *breaker.Breaker
	queue   *queue.Queue
	tracker *analytics.Tracker
}

// New creates the HTTP server facade.
func New(cfg *config.Config, service *assist.Service, cache *semcache.Cache, brk *breaker.Breaker, q *queue.Queue, tracker *analytics.Tracker) *Server {
	return &Server{cfg: cfg, service: service, cache: cache, brk: brk, queue: q, tracker: tracker}
}

// Router builds the gin engine with all routes and middleware attached.
func (s *Server) Router() *gin.Engine {
	if !s.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestIDMiddleware(), s.authMiddleware())

	r.GET("/health", s.handleHealth)
	v1 := r.Group("/v1/assistant")
	{
		v1.POST("/query", s.handleQuery)
		v1.GET("/stats", s.handleStats)
	}
	return r
}

// queryRequest is the body of POST /v1/assistant/query.
type queryRequest struct {
	Query      string              `json:"query" binding:"required"`
	History    []promptopt.Message `json:"history"`
	Tier       string              `json:"tier"`
	UserID     string              `json:"user_id"`
	HasSession bool                `json:"has_session"`
}

func (s *Server) handleQuery(c *gin.Context) {
	var body queryRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.renderError(c, &assist.Error{Kind: assist.KindValidation, Message: "invalid request body", Err: err})
		return
	}

	tier := queue.Tier(strings.ToLower(body.Tier))
	switch tier {
	case queue.TierFree, queue.TierPremium, queue.TierVendor:
	case "":
		tier = queue.TierFree
	default:
		s.renderError(c, &assist.Error{Kind: assist.KindValidation, Message: "unknown tier: " + body.Tier})
		return
	}

	resp, err := s.service.Query(c.Request.Context(), assist.Request{
		RequestID:     c.GetString(ctxKeyRequestID),
		Query:         body.Query,
		History:       body.History,
		Tier:          tier,
		HasSession:    body.HasSession,
		Authenticated: c.GetBool(ctxKeyAuthorized) || body.UserID != "",
	})
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": c.GetString(ctxKeyRequestID), "result": resp})
}

// defaultStatsWindow is the trailing window for usage aggregates when the
// caller does not pass window_ms.
const defaultStatsWindow = time.Hour

func (s *Server) handleStats(c *gin.Context) {
	window := defaultStatsWindow
	if raw := c.Query("window_ms"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			s.renderError(c, &assist.Error{Kind: assist.KindValidation, Message: "window_ms must be a non-negative integer"})
			return
		}
		window = time.Duration(ms) * time.Millisecond
	}
	c.JSON(http.StatusOK, gin.H{
		"cache":     s.cache.Stats(),
		"breaker":   s.brk.Snapshot(),
		"queue":     s.queue.Stats(),
		"batch":     s.service.Grouper().Stats(),
		"analytics": s.tracker.Stats(window),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "breaker": s.brk.State()})
}

// renderError writes the taxonomy error body. Unknown errors are logged and
// masked as internal.
func (s *Server) renderError(c *gin.Context, err error) {
	kind := assist.KindOf(err)
	message := "internal error"
	var svcErr *assist.Error
	if errors.As(err, &svcErr) {
		message = svcErr.Message
	}
	if kind == assist.KindInternal {
		log.WithError(err).Error("request failed")
	}
	c.AbortWithStatusJSON(assist.HTTPStatus(kind), gin.H{
		"error": gin.H{
			"kind":       string(kind),
			"message":    message,
			"request_id": c.GetString(ctxKeyRequestID),
		},
	})
}

// requestIDMiddleware assigns each request an ID, honoring one supplied by
// the caller, and echoes it in the response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxKeyRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// authMiddleware verifies the Bearer API key when keys are configured. With
// no keys configured every request passes but is marked unauthorized, which
// keeps auth-gated rule answers locked.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(s.cfg.APIKeys) == 0 {
			c.Set(ctxKeyAuthorized, false)
			c.Next()
			return
		}
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" || !s.cfg.VerifyAPIKey(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"kind": string(assist.KindUnauthorized), "message": "missing or invalid API key"},
			})
			return
		}
		c.Set(ctxKeyAuthorized, true)
		c.Next()
	}
}

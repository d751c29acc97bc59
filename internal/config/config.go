// Copyright 2026 The assistgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration management for the assistgate server.
// It handles loading and parsing the YAML configuration file and applies
// defaults for every routing, caching, and resilience threshold so that an
// empty file yields a fully working gateway.
package config

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network host/interface on which the API server will bind.
	// Default is empty ("") to bind all interfaces. Use "127.0.0.1" for local-only access.
	Host string `yaml:"host"`
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// Debug enables or disables debug-level logging.
	Debug bool `yaml:"debug"`

	// LoggingToFile controls whether application logs are written to rotating files or stdout.
	LoggingToFile bool `yaml:"logging-to-file"`

	// APIKeys lists the service API keys accepted by the HTTP layer. An entry
	// starting with "$2" is treated as a bcrypt hash, anything else as a plain key.
	APIKeys []string `yaml:"api-keys"`

	// FallbackMessage is returned when a query cannot be resolved by rules,
	// cache, or a healthy upstream.
	FallbackMessage string `yaml:"fallback-message"`

	Provider  ProviderConfig  `yaml:"provider"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Models    ModelsConfig    `yaml:"models"`
	Cache     CacheConfig     `yaml:"cache"`
	Breaker   BreakerConfig   `yaml:"circuit-breaker"`
	Queue     QueueConfig     `yaml:"queue"`
	Batch     BatchConfig     `yaml:"batch"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Analytics AnalyticsConfig `yaml:"analytics"`
}

// ProviderConfig holds the upstream model provider endpoint settings.
type ProviderConfig struct {
	// BaseURL is the OpenAI-compatible endpoint base, e.g. "https://api.example.com/v1".
	BaseURL string `yaml:"base-url"`
	// APIKey is the bearer credential for the provider.
	APIKey string `yaml:"api-key"`
	// TimeoutSeconds bounds a single upstream call.
	TimeoutSeconds int `yaml:"timeout-seconds"`
}

// EmbeddingConfig holds the embedding collaborator endpoint settings.
type EmbeddingConfig struct {
	// BaseURL is the embedding service endpoint. Empty enables the
	// deterministic local fallback engine (development and tests).
	BaseURL string `yaml:"base-url"`
	// Model is the embedding model identifier sent to the service.
	Model string `yaml:"model"`
	// Dimension is the expected vector length.
	Dimension int `yaml:"dimension"`
	// TimeoutSeconds bounds a single embedding call.
	TimeoutSeconds int `yaml:"timeout-seconds"`
}

// ModelsConfig maps classification tiers to concrete model identifiers.
type ModelsConfig struct {
	EmbeddingTier string `yaml:"embedding-tier"`
	CheapTier     string `yaml:"cheap-tier"`
	PremiumTier   string `yaml:"premium-tier"`

	// CostPer1K maps a model identifier to its unit cost per 1000 tokens.
	// Used for reporting only.
	CostPer1K map[string]float64 `yaml:"cost-per-1k"`
}

// CacheConfig holds semantic cache settings.
type CacheConfig struct {
	// MaxEntries is the cache capacity; at capacity the lowest-hit 10% is evicted.
	MaxEntries int `yaml:"max-entries"`
	// SimilarityThreshold is the minimum cosine similarity for a hit.
	SimilarityThreshold float64 `yaml:"similarity-threshold"`
	// TTLSeconds is the lifetime of a cached response.
	TTLSeconds int `yaml:"ttl-seconds"`
}

// BreakerConfig holds circuit breaker settings for the upstream provider.
type BreakerConfig struct {
	// FailureThreshold is the number of failures within the window that opens the circuit.
	FailureThreshold int `yaml:"failure-threshold"`
	// WindowSeconds is the rolling window in which failures are counted.
	WindowSeconds int `yaml:"window-seconds"`
	// CooldownSeconds is how long the circuit stays open before a trial call.
	CooldownSeconds int `yaml:"cooldown-seconds"`
	// SuccessThreshold is the consecutive successes needed to close a half-open circuit.
	SuccessThreshold int `yaml:"success-threshold"`
}

// QueueConfig holds priority request queue settings.
type QueueConfig struct {
	// MaxDepth is the admission limit; requests beyond it are rejected.
	MaxDepth int `yaml:"max-depth"`
	// TimeoutSeconds evicts entries that wait longer than this.
	TimeoutSeconds int `yaml:"timeout-seconds"`
	// DispatchDelayMS is the fixed delay between dispatches, capping throughput.
	DispatchDelayMS int `yaml:"dispatch-delay-ms"`
	// TierWeights maps user tiers to base priorities.
	TierWeights TierWeights `yaml:"tier-weights"`
	// SessionBonus is added when the request carries a user identity.
	SessionBonus int `yaml:"session-bonus"`
}

// TierWeights holds the base priority per user tier. Ordering must keep
// vendor > premium > free.
type TierWeights struct {
	Free    int `yaml:"free"`
	Premium int `yaml:"premium"`
	Vendor  int `yaml:"vendor"`
}

// BatchConfig holds batch grouper settings.
type BatchConfig struct {
	// MaxSize triggers an immediate flush when the pending list reaches it.
	MaxSize int `yaml:"max-size"`
	// WindowMS is the flush timer armed when requests are pending.
	WindowMS int `yaml:"window-ms"`
	// WordOverlap is the fraction of one query's words that must appear in
	// the other for the two to be grouped.
	WordOverlap float64 `yaml:"word-overlap"`
	// MaxWordCountDiff is the maximum word count difference for grouping.
	MaxWordCountDiff int `yaml:"max-word-count-diff"`
}

// OptimizerConfig holds prompt optimizer limits.
type OptimizerConfig struct {
	MaxSystemPromptChars int `yaml:"max-system-prompt-chars"`
	MaxHistoryTurns      int `yaml:"max-history-turns"`
	MaxTurnChars         int `yaml:"max-turn-chars"`
	MaxUserMessageChars  int `yaml:"max-user-message-chars"`
}

// AnalyticsConfig holds usage analytics settings.
type AnalyticsConfig struct {
	// MaxEvents bounds the in-memory event buffer.
	MaxEvents int `yaml:"max-events"`
	// FlushIntervalSeconds is the period between sink flushes.
	FlushIntervalSeconds int `yaml:"flush-interval-seconds"`
	// SinkURL is the HTTP endpoint receiving event batches. Empty disables flushing.
	SinkURL string `yaml:"sink-url"`
}

// LoadConfig reads the YAML file at path and returns a Config with defaults
// applied. A missing file is not an error; it yields the default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills every zero-valued tunable with its documented default.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 8317
	}
	if c.FallbackMessage == "" {
		c.FallbackMessage = "Sorry, I can't help with that right now. Please try again in a moment."
	}
	if c.Provider.TimeoutSeconds == 0 {
		c.Provider.TimeoutSeconds = 60
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-3-small"
	}
	if c.Embedding.Dimension == 0 {
		c.Embedding.Dimension = 384
	}
	if c.Embedding.TimeoutSeconds == 0 {
		c.Embedding.TimeoutSeconds = 10
	}
	if c.Models.EmbeddingTier == "" {
		c.Models.EmbeddingTier = "embed-search-v1"
	}
	if c.Models.CheapTier == "" {
		c.Models.CheapTier = "swift-mini"
	}
	if c.Models.PremiumTier == "" {
		c.Models.PremiumTier = "atlas-pro"
	}
	if c.Models.CostPer1K == nil {
		c.Models.CostPer1K = map[string]float64{
			c.Models.EmbeddingTier: 0.0001,
			c.Models.CheapTier:     0.002,
			c.Models.PremiumTier:   0.03,
		}
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 1000
	}
	if c.Cache.SimilarityThreshold == 0 {
		c.Cache.SimilarityThreshold = 0.85
	}
	if c.Cache.TTLSeconds == 0 {
		c.Cache.TTLSeconds = 3600
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.WindowSeconds == 0 {
		c.Breaker.WindowSeconds = 60
	}
	if c.Breaker.CooldownSeconds == 0 {
		c.Breaker.CooldownSeconds = 60
	}
	if c.Breaker.SuccessThreshold == 0 {
		c.Breaker.SuccessThreshold = 2
	}
	if c.Queue.MaxDepth == 0 {
		c.Queue.MaxDepth = 100
	}
	if c.Queue.TimeoutSeconds == 0 {
		c.Queue.TimeoutSeconds = 30
	}
	if c.Queue.DispatchDelayMS == 0 {
		c.Queue.DispatchDelayMS = 100
	}
	if c.Queue.TierWeights == (TierWeights{}) {
		c.Queue.TierWeights = TierWeights{Free: 1, Premium: 5, Vendor: 10}
	}
	if c.Queue.SessionBonus == 0 {
		c.Queue.SessionBonus = 2
	}
	if c.Batch.MaxSize == 0 {
		c.Batch.MaxSize = 10
	}
	if c.Batch.WindowMS == 0 {
		c.Batch.WindowMS = 2000
	}
	if c.Batch.WordOverlap == 0 {
		c.Batch.WordOverlap = 0.8
	}
	if c.Batch.MaxWordCountDiff == 0 {
		c.Batch.MaxWordCountDiff = 2
	}
	if c.Optimizer.MaxSystemPromptChars == 0 {
		c.Optimizer.MaxSystemPromptChars = 2000
	}
	if c.Optimizer.MaxHistoryTurns == 0 {
		c.Optimizer.MaxHistoryTurns = 6
	}
	if c.Optimizer.MaxTurnChars == 0 {
		c.Optimizer.MaxTurnChars = 1500
	}
	if c.Optimizer.MaxUserMessageChars == 0 {
		c.Optimizer.MaxUserMessageChars = 4000
	}
	if c.Analytics.MaxEvents == 0 {
		c.Analytics.MaxEvents = 5000
	}
	if c.Analytics.FlushIntervalSeconds == 0 {
		c.Analytics.FlushIntervalSeconds = 30
	}
}

// VerifyAPIKey reports whether the presented key matches a configured entry.
// Entries beginning with "$2" are compared as bcrypt hashes, the rest as
// plain strings. An empty key list disables authentication entirely.
func (c *Config) VerifyAPIKey(presented string) bool {
	if len(c.APIKeys) == 0 {
		return true
	}
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return false
	}
	for _, entry := range c.APIKeys {
		if strings.HasPrefix(entry, "$2") {
			if bcrypt.CompareHashAndPassword([]byte(entry), []byte(presented)) == nil {
				return true
			}
			continue
		}
		if entry == presented {
			return true
		}
	}
	return false
}

// Copyright 2026 The assistgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package classify estimates query complexity and recommends a model tier.
// The classification is a hand-tuned keyword heuristic rather than a trained
// model; the decision order and thresholds are part of the gateway's
// behavioral contract and must not be "improved" casually.
package classify

import (
	"fmt"
	"strings"

	"github.com/velomarket/assistgate/internal/tokens"
)

// Complexity is the estimated difficulty tier of a query.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// Classification is the result of classifying one query. Produced fresh per
// query and never persisted.
type Classification struct {
	Complexity       Complexity `json:"complexity"`
	RecommendedModel string     `json:"recommended_model"`
	Confidence       float64    `json:"confidence"`
	Reason           string     `json:"reason"`
}

// Models names the concrete model identifiers per tier.
type Models struct {
	EmbeddingTier string
	CheapTier     string
	PremiumTier   string
}

// Classifier applies the fixed decision order to queries.
type Classifier struct {
	models Models

	// costPer1K maps model identifiers to unit cost per 1000 tokens.
	costPer1K map[string]float64
}

// Keyword tables for the decision steps. Matching is case-insensitive
// substring containment.
var (
	searchKeywords = []string{
		"find", "show me", "search", "looking for", "similar to", "like this",
	}
	complexKeywords = []string{
		"compare", "difference", "recommend", "best", "which is better",
		"pros and cons", "explain why", "analyze", "review",
	}
	simpleQuestionPrefixes = []string{
		"what is", "what are", "how to", "how do", "when", "where", "who",
	}
)

// New creates a classifier for the given tier models and cost table.
func New(models Models, costPer1K map[string]float64) *Classifier {
	return &Classifier{models: models, costPer1K: costPer1K}
}

// Classify applies the decision steps in order; the first that matches wins.
func (c *Classifier) Classify(query string) Classification {
	trimmed := strings.TrimSpace(query)
	lower := strings.ToLower(trimmed)
	words := strings.Fields(lower)
	wordCount := len(words)

	// 1. Search/lookup intent on a short query routes to the embedding tier.
	if containsAny(lower, searchKeywords) && wordCount <= 10 {
		return Classification{
			Complexity:       ComplexitySimple,
			RecommendedModel: c.models.EmbeddingTier,
			Confidence:       0.8,
			Reason:           "search intent with short query",
		}
	}

	// 2. Very short queries with no complex-reasoning keywords are simple.
	if len(trimmed) < 30 && !containsAny(lower, complexKeywords) {
		return Classification{
			Complexity:       ComplexitySimple,
			RecommendedModel: c.models.CheapTier,
			Confidence:       0.9,
			Reason:           "short query without reasoning keywords",
		}
	}

	// 3. Long queries are complex regardless of content.
	if len(trimmed) > 200 || wordCount > 30 {
		return Classification{
			Complexity:       ComplexityComplex,
			RecommendedModel: c.models.PremiumTier,
			Confidence:       0.8,
			Reason:           "long query",
		}
	}

	// 4. Reasoning keywords mark the query complex.
	if containsAny(lower, complexKeywords) {
		return Classification{
			Complexity:       ComplexityComplex,
			RecommendedModel: c.models.PremiumTier,
			Confidence:       0.85,
			Reason:           "complex reasoning keywords",
		}
	}

	// 5. Simple-question prefixes on a moderate-length query.
	if hasAnyPrefix(lower, simpleQuestionPrefixes) && len(trimmed) < 100 {
		return Classification{
			Complexity:       ComplexitySimple,
			RecommendedModel: c.models.CheapTier,
			Confidence:       0.75,
			Reason:           "simple question form",
		}
	}

	// 6. A question of middling length is medium.
	if strings.Contains(trimmed, "?") && wordCount >= 5 && wordCount <= 20 {
		return Classification{
			Complexity:       ComplexityMedium,
			RecommendedModel: c.models.CheapTier,
			Confidence:       0.7,
			Reason:           "medium-length question",
		}
	}

	// 7. Safe default.
	return Classification{
		Complexity:       ComplexityMedium,
		RecommendedModel: c.models.CheapTier,
		Confidence:       0.6,
		Reason:           "default",
	}
}

// EstimateCost returns the estimated cost in dollars for sending text to the
// given model, using the configured per-1K-token unit cost. Pure; reporting
// only.
func (c *Classifier) EstimateCost(model, text string) float64 {
	unit, ok := c.costPer1K[model]
	if !ok {
		return 0
	}
	return float64(tokens.Estimate(text)) / 1000.0 * unit
}

// CostForTokens returns the estimated cost for a known token count.
func (c *Classifier) CostForTokens(model string, tokenCount int) float64 {
	unit, ok := c.costPer1K[model]
	if !ok {
		return 0
	}
	return float64(tokenCount) / 1000.0 * unit
}

// String implements fmt.Stringer for log output.
func (cl Classification) String() string {
	return fmt.Sprintf("%s/%s (%.2f)", cl.Complexity, cl.RecommendedModel, cl.Confidence)
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

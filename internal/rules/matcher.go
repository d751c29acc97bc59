// Copyright 2026 The assistgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package rules provides pattern-based instant answers for FAQ-shaped
// queries. A match costs no tokens and no latency, so the matcher is always
// consulted before classification or any model call.
//
// The rule table is a static, ordered list built once at startup; rules are
// never mutated at runtime.
package rules

import (
	"regexp"
	"sort"
	"strings"
)

// Response is the outcome of a successful rule match.
type Response struct {
	// Text is the answer to return to the caller.
	Text string
	// RuleName identifies the matched rule for analytics.
	RuleName string
	// RequiresAuth marks answers that must only be served to an
	// authenticated user.
	RequiresAuth bool
}

// Rule is one entry of the static rule table. Exactly one of Text or Render
// is set: Text for a fixed answer, Render for an answer computed from the
// regexp match.
type Rule struct {
	// Name identifies the rule in analytics and logs.
	Name string
	// Patterns are tested in order against the query.
	Patterns []*regexp.Regexp
	// Priority orders rules; higher is checked first.
	Priority int
	// RequiresAuth marks rules that need an authenticated user.
	RequiresAuth bool
	// Text is the fixed response.
	Text string
	// Render computes the response from the submatch data of the pattern
	// that matched.
	Render func(match []string) string
}

// Matcher scans an immutable, priority-ordered rule table.
type Matcher struct {
	rules []Rule

	// faqKeywords feeds the advisory IsLikelyRuleBased pre-check.
	faqKeywords []string
}

// NewMatcher builds a matcher from the given rules, sorted by descending
// priority. Order among equal priorities follows the input order.
func NewMatcher(ruleSet []Rule) *Matcher {
	rules := make([]Rule, len(ruleSet))
	copy(rules, ruleSet)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	return &Matcher{
		rules: rules,
		faqKeywords: []string{
			"return", "refund", "shipping", "delivery", "payment",
			"contact", "support", "policy", "hello", "hi", "thanks",
			"order status", "track", "account", "password",
		},
	}
}

// Match scans rules in descending priority order and returns the response of
// the first rule whose pattern matches the query. It has no side effects.
func (m *Matcher) Match(query string) (*Response, bool) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, false
	}
	for i := range m.rules {
		rule := &m.rules[i]
		for _, pattern := range rule.Patterns {
			match := pattern.FindStringSubmatch(trimmed)
			if match == nil {
				continue
			}
			text := rule.Text
			if rule.Render != nil {
				text = rule.Render(match)
			}
			return &Response{
				Text:         text,
				RuleName:     rule.Name,
				RequiresAuth: rule.RequiresAuth,
			}, true
		}
	}
	return nil, false
}

// IsLikelyRuleBased is a cheap advisory pre-check: very short queries and
// queries containing known FAQ keywords are likely to hit a rule. Callers may
// use it to skip heavier classification work, but a negative result does not
// rule out a match.
func (m *Matcher) IsLikelyRuleBased(query string) bool {
	lower := strings.ToLower(strings.TrimSpace(query))
	if lower == "" {
		return false
	}
	if len(strings.Fields(lower)) <= 3 {
		return true
	}
	for _, kw := range m.faqKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Len returns the number of rules in the table.
func (m *Matcher) Len() int { return len(m.rules) }

// DefaultRules returns the built-in rule table for the shopping assistant:
// greetings, store policy FAQ entries, and account questions (which require
// an authenticated user).
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "greeting",
			Priority: 100,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)^\s*(hello|hi|hey)\b`),
				regexp.MustCompile(`(?i)^\s*good\s+(morning|afternoon|evening)\b`),
			},
			Text: "Hello! I'm your shopping assistant. Ask me about products, orders, or our store policies.",
		},
		{
			Name:     "thanks",
			Priority: 95,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)^\s*(thanks|thank you|thx)\b`),
			},
			Text: "You're welcome! Anything else I can help you with?",
		},
		{
			Name:     "return-policy",
			Priority: 90,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(return|refund)s?\b.*\b(policy|how|can i|period)\b`),
				regexp.MustCompile(`(?i)\b(return|refund)\s+policy\b`),
				regexp.MustCompile(`(?i)\bhow\b.*\b(return|refund)\b`),
				regexp.MustCompile(`(?i)\b(return|refund)s?\b`),
			},
			Text: "Our return policy: items can be returned within 30 days of delivery in their original condition. Refunds are issued to the original payment method within 5-7 business days of receiving the return.",
		},
		{
			Name:     "shipping",
			Priority: 85,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(shipping|delivery)\b.*\b(cost|time|long|fee|free)\b`),
				regexp.MustCompile(`(?i)\bhow\s+long\b.*\b(ship|deliver|arrive)\b`),
				regexp.MustCompile(`(?i)\b(shipping|delivery)\b`),
			},
			Text: "Standard shipping takes 3-5 business days and is free on orders over $50. Express shipping (1-2 business days) is available at checkout.",
		},
		{
			Name:     "payment-methods",
			Priority: 80,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(payment|pay)\b.*\b(method|option|accept|card)\b`),
				regexp.MustCompile(`(?i)\bdo you (accept|take)\b`),
			},
			Text: "We accept all major credit and debit cards, PayPal, and platform gift cards.",
		},
		{
			Name:     "contact-support",
			Priority: 75,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(contact|reach|talk to|speak to)\b.*\b(support|human|agent|someone)\b`),
				regexp.MustCompile(`(?i)\bcustomer (service|support)\b`),
			},
			Text: "You can reach our support team at support@velomarket.example or via the Help section in your account, 9am-6pm Monday to Friday.",
		},
		{
			Name:         "order-status",
			Priority:     70,
			RequiresAuth: true,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(where|track|status)\b.*\border\b`),
				regexp.MustCompile(`(?i)\bmy order\b`),
			},
			Text: "You can track your orders under Account > Orders. Each order shows its current status and, once shipped, a tracking link.",
		},
		{
			Name:         "account-password",
			Priority:     65,
			RequiresAuth: true,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(change|reset|forgot)\b.*\bpassword\b`),
			},
			Text: "To change your password, go to Account > Security. If you're locked out, use the password reset link on the sign-in page.",
		},
		{
			Name:     "assistant-identity",
			Priority: 60,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(who|what)\s+are\s+you\b`),
				regexp.MustCompile(`(?i)\bare you (a |an )?(bot|robot|ai|assistant|human)\b`),
			},
			Text: "I'm the store's virtual assistant. I can answer questions about products, orders, and store policies.",
		},
	}
}

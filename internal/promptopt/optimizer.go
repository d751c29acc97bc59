// Copyright 2026 The assistgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package promptopt shrinks the system prompt, conversation history, and
// user message before a model call to reduce token cost. Every function here
// is pure: inputs are never mutated, and the result reports exactly which
// reductions were applied so the decision is auditable.
package promptopt

import (
	"strings"
	"unicode/utf8"

	"github.com/velomarket/assistgate/internal/tokens"
)

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Limits bounds each optimization step. Zero values disable the
// corresponding step.
type Limits struct {
	MaxSystemPromptChars int
	MaxHistoryTurns      int
	MaxTurnChars         int
	MaxUserMessageChars  int
}

// Result carries the optimized inputs plus the audit trail.
type Result struct {
	SystemPrompt string
	Messages     []Message
	UserMessage  string

	// TokensBefore and TokensAfter use the same heuristic estimate so the
	// reported savings are comparable.
	TokensBefore int
	TokensAfter  int

	// Applied lists the reductions that were actually performed, in order.
	Applied []string
}

// fillerPhrases are verbose boilerplate fragments stripped from system
// prompts. Matching is case-insensitive.
var fillerPhrases = []string{
	"please note that ",
	"it is important to remember that ",
	"as an ai assistant, ",
	"in order to ",
	"feel free to ",
	"do not hesitate to ",
	"kindly ",
}

// Optimize applies the reduction steps to the prompt inputs. Each step is
// skipped when the input is already within its limit, and skipped steps do
// not appear in the Applied report.
func Optimize(systemPrompt string, history []Message, userMessage string, limits Limits) Result {
	res := Result{
		SystemPrompt: systemPrompt,
		UserMessage:  userMessage,
	}
	res.Messages = make([]Message, len(history))
	copy(res.Messages, history)

	res.TokensBefore = estimateAll(systemPrompt, history, userMessage)

	// (a) System prompt: collapse whitespace, strip filler, hard-truncate.
	collapsed := collapseWhitespace(res.SystemPrompt)
	if collapsed != res.SystemPrompt {
		res.SystemPrompt = collapsed
		res.Applied = append(res.Applied, "collapse_whitespace")
	}
	stripped := stripFiller(res.SystemPrompt)
	if stripped != res.SystemPrompt {
		res.SystemPrompt = stripped
		res.Applied = append(res.Applied, "strip_filler")
	}
	if limits.MaxSystemPromptChars > 0 && len(res.SystemPrompt) > limits.MaxSystemPromptChars {
		res.SystemPrompt = truncate(res.SystemPrompt, limits.MaxSystemPromptChars)
		res.Applied = append(res.Applied, "truncate_system_prompt")
	}

	// (b) History: keep the most recent N turns, truncate long turns.
	if limits.MaxHistoryTurns > 0 && len(res.Messages) > limits.MaxHistoryTurns {
		res.Messages = res.Messages[len(res.Messages)-limits.MaxHistoryTurns:]
		res.Applied = append(res.Applied, "drop_old_turns")
	}
	if limits.MaxTurnChars > 0 {
		truncated := false
		for i := range res.Messages {
			if len(res.Messages[i].Content) > limits.MaxTurnChars {
				res.Messages[i].Content = truncate(res.Messages[i].Content, limits.MaxTurnChars)
				truncated = true
			}
		}
		if truncated {
			res.Applied = append(res.Applied, "truncate_turns")
		}
	}

	// (c) User message.
	if limits.MaxUserMessageChars > 0 && len(res.UserMessage) > limits.MaxUserMessageChars {
		res.UserMessage = truncate(res.UserMessage, limits.MaxUserMessageChars)
		res.Applied = append(res.Applied, "truncate_user_message")
	}

	res.TokensAfter = estimateAll(res.SystemPrompt, res.Messages, res.UserMessage)
	return res
}

// TokensSaved returns the estimated token reduction.
func (r Result) TokensSaved() int {
	return r.TokensBefore - r.TokensAfter
}

func estimateAll(systemPrompt string, history []Message, userMessage string) int {
	total := tokens.Estimate(systemPrompt) + tokens.Estimate(userMessage)
	for _, m := range history {
		total += tokens.Estimate(m.Content)
	}
	return total
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func stripFiller(s string) string {
	lower := lowerASCII(s)
	for _, phrase := range fillerPhrases {
		for {
			idx := strings.Index(lower, phrase)
			if idx < 0 {
				break
			}
			s = s[:idx] + s[idx+len(phrase):]
			lower = lower[:idx] + lower[idx+len(phrase):]
		}
	}
	return s
}

// lowerASCII lowercases only the ASCII letters of s. Unlike strings.ToLower
// it never changes the byte length, so indexes found in the result are valid
// in the original string even when it carries multibyte runes.
func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// truncate cuts s to at most max bytes, appending an ellipsis marker when
// something was removed. The cut never lands inside a multibyte rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	marker := ""
	if max > 3 {
		cut, marker = max-3, "..."
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}

// Copyright 2026 The assistgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tokens provides token counting for cost reporting and prompt
// budgeting. Two strategies are available: a fast characters/4 heuristic and
// an exact BPE count via tiktoken. The heuristic is the authoritative measure
// for optimizer savings so that before/after numbers stay comparable; the
// exact counter backfills analytics when the provider omits usage data.
package tokens

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Estimate returns the heuristic token count for text: ceil(len/4).
func Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

// Counter provides exact token counts using the cl100k_base encoding.
// The zero value is not usable; obtain one via NewCounter.
type Counter struct {
	codec tokenizer.Codec
}

var (
	defaultCounter *Counter
	counterOnce    sync.Once
)

// NewCounter creates a Counter backed by the cl100k_base encoding.
func NewCounter() (*Counter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, err
	}
	return &Counter{codec: codec}, nil
}

// Default returns a process-wide Counter, falling back to nil when the
// encoding cannot be loaded. Callers must handle a nil receiver via Count.
func Default() *Counter {
	counterOnce.Do(func() {
		c, err := NewCounter()
		if err == nil {
			defaultCounter = c
		}
	})
	return defaultCounter
}

// Count returns the exact token count for text. A nil Counter or an encoding
// error falls back to the heuristic estimate.
func (c *Counter) Count(text string) int {
	if c == nil || c.codec == nil {
		return Estimate(text)
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return Estimate(text)
	}
	return len(ids)
}

// Copyright 2026 The assistgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package embedding turns query text into vectors for semantic cache lookup.
// When an embedding service is configured the HTTP client is used; otherwise
// a deterministic local engine hashes word features into a fixed-dimension
// vector. Both produce unit-normalized vectors so cosine comparisons stay in
// [-1, 1] either way.
package embedding

import (
	"context"
	"math"
	"strings"
)

// Embedder produces a vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// LocalEngine is a deterministic, dependency-free embedder. It maps each
// word (and word bigram) to vector positions via FNV hashing and accumulates
// weights there. Identical texts always produce identical vectors, and texts
// sharing most words land close together, which is all the semantic cache
// needs when no real embedding service is available.
type LocalEngine struct {
	dimension int
}

// NewLocalEngine creates a local embedder with the given vector dimension.
func NewLocalEngine(dimension int) *LocalEngine {
	if dimension <= 0 {
		dimension = 256
	}
	return &LocalEngine{dimension: dimension}
}

// Embed produces the unit-normalized feature vector for text. It never fails.
func (e *LocalEngine) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, e.dimension)
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return vec, nil
	}

	for i, word := range words {
		vec[fnv32(word)%uint32(e.dimension)] += 1.0
		// Bigrams carry word order at a lower weight.
		if i > 0 {
			bigram := words[i-1] + " " + word
			vec[fnv32(bigram)%uint32(e.dimension)] += 0.5
		}
	}

	normalize(vec)
	return vec, nil
}

// Dimension returns the vector length this engine produces.
func (e *LocalEngine) Dimension() int { return e.dimension }

// normalize scales vec to unit length in place. A zero vector is left as is.
func normalize(vec []float64) {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
}

// fnv32 is the 32-bit FNV-1a hash.
func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package stat implements the statistical classification path:
// tokenizer runtimes, per-statfile backends, the bayes classifier and
// the learn cache.
package stat

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Token is one fingerprint of a text window. Counts carries the
// per-statfile counts fetched by the backends, indexed by the
// classifier's statfile order. Tokens live only for one task.
type Token struct {
	Hash   uint64
	Counts []uint64
}

// Tokenizer converts a word list into tokens. Implementations must be
// deterministic across runs.
type Tokenizer interface {
	Name() string
	Tokenize(words []string, tokens *TokenSet)
}

// TokenSet is the ordered, deduplicated token container shared by all
// classifiers using one tokenizer runtime.
type TokenSet struct {
	tokens []*Token
	seen   map[uint64]struct{}
}

// NewTokenSet creates an empty ordered container.
func NewTokenSet() *TokenSet {
	return &TokenSet{seen: make(map[uint64]struct{})}
}

// Add appends a token hash unless present.
func (ts *TokenSet) Add(hash uint64) {
	if _, ok := ts.seen[hash]; ok {
		return
	}
	ts.seen[hash] = struct{}{}
	ts.tokens = append(ts.tokens, &Token{Hash: hash})
}

// Tokens returns the tokens in insertion order. Order is irrelevant for
// classification but keeps learn replay stable.
func (ts *TokenSet) Tokens() []*Token { return ts.tokens }

// Len returns the number of distinct tokens.
func (ts *TokenSet) Len() int { return len(ts.tokens) }

// osbWindow is the sliding window length of the OSB tokenizer.
const osbWindow = 5

// OSBTokenizer produces orthogonal sparse bigrams: each word pairs with
// the next osbWindow-1 words, and the pair (with its gap) hashes into
// one token.
type OSBTokenizer struct{}

func (OSBTokenizer) Name() string { return "osb" }

func (OSBTokenizer) Tokenize(words []string, tokens *TokenSet) {
	var buf [8]byte

	for i, w := range words {
		base := xxhash.Sum64String(w)

		for gap := 1; gap < osbWindow && i+gap < len(words); gap++ {
			h := xxhash.New()
			binary.LittleEndian.PutUint64(buf[:], base)
			h.Write(buf[:])
			h.WriteString(words[i+gap])
			binary.LittleEndian.PutUint64(buf[:], uint64(gap))
			h.Write(buf[:])
			tokens.Add(h.Sum64())
		}

		if len(words) == 1 {
			tokens.Add(base)
		}
	}
}

// NewTokenizer resolves a tokenizer by configured name; the default is
// OSB.
func NewTokenizer(name string) Tokenizer {
	switch name {
	case "", "osb":
		return OSBTokenizer{}
	}
	return nil
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stat

import (
	"context"
)

// Backend is the capability set of a statfile store. The backend is
// chosen per classifier at config load and serves all statfiles of that
// classifier; statfiles of one classifier cannot use different backends.
type Backend interface {
	// ProcessTokens fills tokens[*].Counts[slot] with the statfile's
	// stored count per token.
	ProcessTokens(ctx context.Context, statfile string, tokens []*Token, slot int) error
	// LearnTokens adds delta (+1 learn, -1 unlearn) to every token
	// count of the statfile.
	LearnTokens(ctx context.Context, statfile string, tokens []*Token, delta int64) error
	// IncLearns / DecLearns move the statfile's learn counter.
	IncLearns(ctx context.Context, statfile string) error
	DecLearns(ctx context.Context, statfile string) error
	// FinalizeLearn commits a learn batch if the backend buffers.
	FinalizeLearn(ctx context.Context, statfile string) error
	// TotalLearns returns the statfile's learn counter.
	TotalLearns(ctx context.Context, statfile string) (uint64, error)
	Close() error
}

// memBackend is the in-process backend used by tests and by
// configurations without persistence.
type memBackend struct {
	tokens map[string]map[uint64]int64
	learns map[string]int64
}

// NewMemoryBackend creates a volatile statfile backend.
func NewMemoryBackend() Backend {
	return &memBackend{
		tokens: make(map[string]map[uint64]int64),
		learns: make(map[string]int64),
	}
}

func (b *memBackend) ProcessTokens(ctx context.Context, statfile string, tokens []*Token, slot int) error {
	counts := b.tokens[statfile]
	for _, t := range tokens {
		if v := counts[t.Hash]; v > 0 {
			t.Counts[slot] = uint64(v)
		}
	}
	return nil
}

func (b *memBackend) LearnTokens(ctx context.Context, statfile string, tokens []*Token, delta int64) error {
	counts, ok := b.tokens[statfile]
	if !ok {
		counts = make(map[uint64]int64)
		b.tokens[statfile] = counts
	}
	for _, t := range tokens {
		counts[t.Hash] += delta
		if counts[t.Hash] < 0 {
			counts[t.Hash] = 0
		}
	}
	return nil
}

func (b *memBackend) IncLearns(ctx context.Context, statfile string) error {
	b.learns[statfile]++
	return nil
}

func (b *memBackend) DecLearns(ctx context.Context, statfile string) error {
	if b.learns[statfile] > 0 {
		b.learns[statfile]--
	}
	return nil
}

func (b *memBackend) FinalizeLearn(ctx context.Context, statfile string) error { return nil }

func (b *memBackend) TotalLearns(ctx context.Context, statfile string) (uint64, error) {
	return uint64(b.learns[statfile]), nil
}

func (b *memBackend) Close() error { return nil }

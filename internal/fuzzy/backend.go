// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fuzzy

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Backend stores fuzzy records: digest -> (flag, value, expire) plus
// the shingle -> digest indices used for near-duplicate voting.
type Backend interface {
	// Check resolves cmd into a reply. Expired entries read as misses.
	Check(ctx context.Context, cmd *Cmd, expire time.Duration) (Reply, error)
	// Add applies a write; values accumulate, the flag is replaced.
	Add(ctx context.Context, cmd *Cmd, expire time.Duration) error
	// Delete removes a digest and its shingles.
	Delete(ctx context.Context, cmd *Cmd) error
	// Count returns the stored hash count.
	Count(ctx context.Context) (int64, error)
	// Sync persists buffered updates and elides expired entries,
	// returning how many were dropped.
	Sync(ctx context.Context, expire time.Duration) (int64, error)
	// ID is the public backend identity used in log tags.
	ID() string
	Close() error
}

// shingleQuorum bounds a probable match: more than shingleQuorum
// shingles must resolve, and the winning digest needs more than
// shingleQuorum votes.
const shingleQuorum = ShingleSize / 2

type memRecord struct {
	flag   int32
	value  int32
	expire time.Time
}

// MemoryBackend is the in-process reference backend. The fuzzy worker
// uses it when no redis backend is configured; tests use it for
// deterministic round trips.
type MemoryBackend struct {
	mu       sync.Mutex
	records  map[[DigestSize]byte]*memRecord
	shingles map[int]map[uint64][DigestSize]byte
	now      func() time.Time
}

// NewMemoryBackend creates an empty in-process store.
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{
		records:  make(map[[DigestSize]byte]*memRecord),
		shingles: make(map[int]map[uint64][DigestSize]byte),
		now:      time.Now,
	}
	for i := range ShingleSize {
		b.shingles[i] = make(map[uint64][DigestSize]byte)
	}
	return b
}

func (b *MemoryBackend) ID() string { return "memory" }

func (b *MemoryBackend) Check(ctx context.Context, cmd *Cmd, expire time.Duration) (Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if rec, ok := b.records[cmd.Digest]; ok && rec.expire.After(now) {
		return Reply{Value: rec.value, Flag: rec.flag, Prob: 1.0}, nil
	}

	if cmd.ShinglesCount == 0 {
		return Reply{}, nil
	}

	// shingle voting: resolve each shingle, then pick the digest with
	// the most votes
	found := 0
	votes := make([][DigestSize]byte, 0, ShingleSize)
	for i := range int(cmd.ShinglesCount) {
		if d, ok := b.shingles[i][cmd.Shingles[i]]; ok {
			votes = append(votes, d)
			found++
		}
	}
	if found <= shingleQuorum {
		return Reply{}, nil
	}

	sort.Slice(votes, func(i, j int) bool {
		return string(votes[i][:]) < string(votes[j][:])
	})

	var (
		best    [DigestSize]byte
		bestRun int
		curRun  = 1
	)
	for i := 1; i <= len(votes); i++ {
		if i < len(votes) && votes[i] == votes[i-1] {
			curRun++
			continue
		}
		if curRun > bestRun {
			bestRun = curRun
			best = votes[i-1]
		}
		curRun = 1
	}

	if bestRun <= shingleQuorum {
		return Reply{}, nil
	}

	rec, ok := b.records[best]
	if !ok || !rec.expire.After(now) {
		return Reply{}, nil
	}

	return Reply{
		Value: rec.value,
		Flag:  rec.flag,
		Prob:  float32(bestRun) / float32(cmd.ShinglesCount),
	}, nil
}

func (b *MemoryBackend) Add(ctx context.Context, cmd *Cmd, expire time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[cmd.Digest]
	if !ok || !rec.expire.After(b.now()) {
		rec = &memRecord{}
		b.records[cmd.Digest] = rec
	}
	rec.value += cmd.Value
	rec.flag = cmd.Flag
	rec.expire = b.now().Add(expire)

	for i := range int(cmd.ShinglesCount) {
		b.shingles[i][cmd.Shingles[i]] = cmd.Digest
	}
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, cmd *Cmd) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.records, cmd.Digest)
	for i := range ShingleSize {
		for h, d := range b.shingles[i] {
			if d == cmd.Digest {
				delete(b.shingles[i], h)
			}
		}
	}
	return nil
}

func (b *MemoryBackend) Count(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.records)), nil
}

func (b *MemoryBackend) Sync(ctx context.Context, expire time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var expired int64
	for digest, rec := range b.records {
		if !rec.expire.After(now) {
			delete(b.records, digest)
			expired++
		}
	}
	return expired, nil
}

func (b *MemoryBackend) Close() error { return nil }

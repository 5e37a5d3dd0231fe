// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stat

import (
	"container/list"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// LearnVerdict is what the cache knows about a message fingerprint.
type LearnVerdict int

const (
	// LearnUnknown allows a normal learn.
	LearnUnknown LearnVerdict = iota
	// LearnSameClass rejects the learn with an ignore error.
	LearnSameClass
	// LearnOtherClass relearns: opposite statfiles get their counters
	// decremented in addition to the normal increment.
	LearnOtherClass
)

// LearnCache remembers which message fingerprints have been learned as
// which class, bounding duplicate learns. Entries evict LRU.
type LearnCache struct {
	mu      sync.Mutex
	entries map[[32]byte]*list.Element
	order   *list.List
	max     int
}

type learnEntry struct {
	key  [32]byte
	spam bool
}

const defaultLearnCacheSize = 8192

// NewLearnCache creates a cache bounded to max fingerprints (0 uses the
// default).
func NewLearnCache(max int) *LearnCache {
	if max <= 0 {
		max = defaultLearnCacheSize
	}
	return &LearnCache{
		entries: make(map[[32]byte]*list.Element),
		order:   list.New(),
		max:     max,
	}
}

// Fingerprint keys a message body for the cache.
func Fingerprint(content []byte) [32]byte {
	return blake2b.Sum256(content)
}

// Check returns what a learn of content as spam/ham would mean.
func (c *LearnCache) Check(key [32]byte, spam bool) LearnVerdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return LearnUnknown
	}
	c.order.MoveToFront(el)

	if el.Value.(*learnEntry).spam == spam {
		return LearnSameClass
	}
	return LearnOtherClass
}

// Add records a completed learn, replacing a previous opposite-class
// record.
func (c *LearnCache) Add(key [32]byte, spam bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*learnEntry).spam = spam
		c.order.MoveToFront(el)
		return
	}

	c.entries[key] = c.order.PushFront(&learnEntry{key: key, spam: spam})

	for c.order.Len() > c.max {
		last := c.order.Back()
		c.order.Remove(last)
		delete(c.entries, last.Value.(*learnEntry).key)
	}
}

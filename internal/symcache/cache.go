// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package symcache registers scan rules, orders them by priority and
// dependency rank, and schedules their execution over a task. One cache
// belongs to one loaded configuration.
package symcache

import (
	"fmt"
	"sort"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/mailguard/mailguard/internal/mgerror"
	"github.com/mailguard/mailguard/internal/task"
)

// Type partitions symbols into execution phases.
type Type int

const (
	TypeNormal Type = iota
	TypeCallback
	TypeVirtual
	TypePrefilter
	TypePostfilter
	TypeComposite
	TypeGhost
)

// Flag modifies scheduling of a single symbol.
type Flag uint32

const (
	// FlagFine keeps the symbol running even after a pre-result.
	FlagFine Flag = 1 << iota
	// FlagEmptyAllowed runs the symbol even for messages without text.
	FlagEmptyAllowed
	// FlagSkipped excludes the symbol from scheduling.
	FlagSkipped
	// FlagOneShot is stored on the item but not read by the scheduler;
	// one-shot scoring comes from the metric's symbol definition.
	FlagOneShot
	// FlagOneParam is stored on the item but not read by the scheduler;
	// result options are not trimmed.
	FlagOneParam
	// FlagIgnoreScore is stored on the item but not read by the
	// scheduler; the symbol's weight is not changed.
	FlagIgnoreScore
)

// Outcome is what a callback returns: either a finished symbol or
// pending async work whose continuation runs when the watcher drains.
type Outcome struct {
	pending      bool
	continuation func(*task.Task)
}

// Finished reports synchronous completion.
func Finished() Outcome { return Outcome{} }

// Pending reports async work in flight. The continuation, which may be
// nil, re-enters the symbol once every event registered during the
// callback has completed.
func Pending(continuation func(*task.Task)) Outcome {
	return Outcome{pending: true, continuation: continuation}
}

// Callback is a native rule implementation.
type Callback func(*task.Task) Outcome

// Condition gates a symbol per task.
type Condition func(*task.Task) bool

// Item is one registered symbol.
type Item struct {
	ID       int
	Name     string
	Priority int
	Type     Type
	Flags    Flag

	Callback  Callback
	Condition Condition
	Parent    int

	depNames []string
	deps     []*Item
	rank     int

	stats itemStats
}

type delayedDep struct {
	src, dep string
}

// Cache holds the registered symbols of one configuration.
type Cache struct {
	items   []*Item
	byName  map[string]*Item
	delayed []delayedDep

	prefilters  []*Item
	filters     []*Item
	postfilters []*Item

	resolved bool

	peakCb PeakCallback
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{byName: make(map[string]*Item)}
}

// AddSymbol registers a rule. Duplicate names are rejected.
func (c *Cache) AddSymbol(name string, priority int, typ Type, cb Callback) (int, error) {
	return c.addSymbol(name, priority, typ, cb, false)
}

// AddSymbolOptional registers a rule unless one with the same name
// exists, in which case the existing id is returned.
func (c *Cache) AddSymbolOptional(name string, priority int, typ Type, cb Callback) (int, error) {
	return c.addSymbol(name, priority, typ, cb, true)
}

func (c *Cache) addSymbol(name string, priority int, typ Type, cb Callback, optional bool) (int, error) {
	if c.resolved {
		return -1, mgerror.New(mgerror.KindConfig, "cannot add symbol %s after resolve", name)
	}

	if existing, ok := c.byName[name]; ok {
		if optional {
			return existing.ID, nil
		}
		return -1, mgerror.New(mgerror.KindConfig, "duplicate symbol %s", name)
	}

	item := &Item{
		ID:       len(c.items),
		Name:     name,
		Priority: priority,
		Type:     typ,
		Callback: cb,
		Parent:   -1,
	}
	c.items = append(c.items, item)
	c.byName[name] = item
	return item.ID, nil
}

// AddVirtual registers a virtual symbol attached to a callback parent.
func (c *Cache) AddVirtual(name string, parent int) (int, error) {
	if parent < 0 || parent >= len(c.items) {
		return -1, mgerror.New(mgerror.KindConfig, "virtual symbol %s: unknown parent %d", name, parent)
	}

	id, err := c.AddSymbol(name, 0, TypeVirtual, nil)
	if err != nil {
		return -1, err
	}
	c.items[id].Parent = parent
	return id, nil
}

// SetFlags replaces the flags of a registered symbol.
func (c *Cache) SetFlags(id int, flags Flag) {
	if id >= 0 && id < len(c.items) {
		c.items[id].Flags = flags
	}
}

// AddCondition attaches a per-task gate to a symbol.
func (c *Cache) AddCondition(id int, cond Condition) error {
	if id < 0 || id >= len(c.items) {
		return mgerror.New(mgerror.KindConfig, "condition: unknown symbol id %d", id)
	}
	c.items[id].Condition = cond
	return nil
}

// AddDependency declares that src must wait for dep. Both must already
// be registered.
func (c *Cache) AddDependency(src, dep string) error {
	s, ok := c.byName[src]
	if !ok {
		return mgerror.New(mgerror.KindConfig, "dependency: unknown symbol %s", src)
	}
	if _, ok := c.byName[dep]; !ok {
		return mgerror.New(mgerror.KindConfig, "dependency: unknown symbol %s", dep)
	}
	s.depNames = append(s.depNames, dep)
	return nil
}

// AddDelayedDependency declares a dependency that may be registered
// later; it resolves at post-load and drops with a warning if still
// missing.
func (c *Cache) AddDelayedDependency(src, dep string) {
	c.delayed = append(c.delayed, delayedDep{src: src, dep: dep})
}

// Lookup returns the item registered under name, or nil.
func (c *Cache) Lookup(name string) *Item {
	return c.byName[name]
}

// Resolve finalizes registration: delayed dependencies bind by name,
// cycles abort configuration, every symbol gets its
// (priority, topological rank) order key, and the phase partitions are
// sorted. Must be called once after config load.
func (c *Cache) Resolve() error {
	if c.resolved {
		return nil
	}

	for _, dd := range c.delayed {
		src, ok := c.byName[dd.src]
		if !ok {
			cclog.Warnf("delayed dependency: unknown source symbol %s", dd.src)
			continue
		}
		if _, ok := c.byName[dd.dep]; !ok {
			cclog.Warnf("delayed dependency %s -> %s dropped: dependency not registered",
				dd.src, dd.dep)
			continue
		}
		src.depNames = append(src.depNames, dd.dep)
	}
	c.delayed = nil

	for _, item := range c.items {
		item.deps = item.deps[:0]
		for _, name := range item.depNames {
			dep := c.byName[name]
			if dep == nil {
				cclog.Warnf("dependency %s -> %s dropped: not registered", item.Name, name)
				continue
			}
			item.deps = append(item.deps, dep)
		}
	}

	if err := c.computeRanks(); err != nil {
		return err
	}

	for _, item := range c.items {
		switch item.Type {
		case TypePrefilter:
			c.prefilters = append(c.prefilters, item)
		case TypePostfilter:
			c.postfilters = append(c.postfilters, item)
		case TypeComposite:
			// handled by the composite phase on the metric result
		default:
			c.filters = append(c.filters, item)
		}
	}

	for _, part := range [][]*Item{c.prefilters, c.filters, c.postfilters} {
		sort.SliceStable(part, func(i, j int) bool {
			if part[i].Priority != part[j].Priority {
				return part[i].Priority > part[j].Priority
			}
			if part[i].rank != part[j].rank {
				return part[i].rank < part[j].rank
			}
			return part[i].ID < part[j].ID
		})
	}

	c.resolved = true
	cclog.Infof("symcache: resolved %d symbols (%d prefilters, %d filters, %d postfilters)",
		len(c.items), len(c.prefilters), len(c.filters), len(c.postfilters))
	return nil
}

// computeRanks assigns each item the length of its longest dependency
// chain and rejects cyclic graphs.
func (c *Cache) computeRanks() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make([]int, len(c.items))

	var visit func(item *Item, chain []string) error
	visit = func(item *Item, chain []string) error {
		switch state[item.ID] {
		case done:
			return nil
		case visiting:
			return mgerror.New(mgerror.KindConfig,
				"cyclic dependency detected: %s", fmt.Sprintf("%v -> %s", chain, item.Name))
		}

		state[item.ID] = visiting
		rank := 0
		for _, dep := range item.deps {
			if err := visit(dep, append(chain, item.Name)); err != nil {
				return err
			}
			if dep.rank+1 > rank {
				rank = dep.rank + 1
			}
		}
		item.rank = rank
		state[item.ID] = done
		return nil
	}

	for _, item := range c.items {
		if err := visit(item, nil); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of registered symbols.
func (c *Cache) Count() int { return len(c.items) }

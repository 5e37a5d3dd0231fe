// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailguard/mailguard/internal/scan"
)

func newTestTask(t *testing.T) *Task {
	t.Helper()

	m := scan.NewMetric("default", 100)
	m.AddSymbol("A", 5, "", "")
	return New(m)
}

func TestCleanupRunsLIFO(t *testing.T) {
	tk := newTestTask(t)

	var order []int
	tk.Cleanup(func() { order = append(order, 1) })
	tk.Cleanup(func() { order = append(order, 2) })
	tk.Cleanup(func() { order = append(order, 3) })
	tk.Close()

	assert.Equal(t, []int{3, 2, 1}, order)
}

func TestCacheSlots(t *testing.T) {
	tk := newTestTask(t)

	_, ok := tk.CacheCheck("re:spam")
	assert.False(t, ok)

	tk.CacheSet("re:spam", 2)
	v, ok := tk.CacheCheck("re:spam")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	// zero is a real value, distinct from no-value
	tk.CacheSet("re:ham", 0)
	v, ok = tk.CacheCheck("re:ham")
	assert.True(t, ok)
	assert.Zero(t, v)
}

func TestSessionDrain(t *testing.T) {
	tk := newTestTask(t)
	s := tk.Session()

	drained := 0
	s.OnEmpty(func() { drained++ })

	var states []EventState
	fin := func(state EventState, ud any) { states = append(states, state) }

	ev1 := s.AddEvent(fin, nil, "dns")
	ev2 := s.AddEvent(fin, nil, "fuzzy")
	assert.Equal(t, 2, s.Pending())

	s.RemoveEvent(ev1)
	assert.Zero(t, drained)

	s.RemoveEvent(ev2)
	assert.Equal(t, 1, drained)
	assert.Equal(t, []EventState{EventRemoved, EventRemoved}, states)

	// double remove is a no-op
	s.RemoveEvent(ev2)
	assert.Equal(t, 1, drained)
}

func TestCloseCancelsPendingEvents(t *testing.T) {
	tk := newTestTask(t)

	var state EventState = EventActive
	tk.Session().AddEvent(func(st EventState, ud any) { state = st }, nil, "slow lookup")
	tk.Close()

	assert.Equal(t, EventCancelled, state)
}

func TestWatcherAggregates(t *testing.T) {
	tk := newTestTask(t)
	s := tk.Session()

	fired := 0
	tk.WatcherPush(func() { fired++ })

	ev1 := s.AddEvent(nil, nil, "a")
	ev2 := s.AddEvent(nil, nil, "b")
	tk.WatcherPop()

	assert.Zero(t, fired)
	s.RemoveEvent(ev1)
	assert.Zero(t, fired)
	s.RemoveEvent(ev2)
	assert.Equal(t, 1, fired)
}

func TestWatcherFiresImmediatelyWithoutEvents(t *testing.T) {
	tk := newTestTask(t)

	fired := 0
	tk.WatcherPush(func() { fired++ })
	tk.WatcherPop()

	assert.Equal(t, 1, fired)
}

func TestNestedWatchers(t *testing.T) {
	tk := newTestTask(t)
	s := tk.Session()

	var order []string

	tk.WatcherPush(func() { order = append(order, "outer") })
	evOuter := s.AddEvent(nil, nil, "outer work")

	tk.WatcherPush(func() { order = append(order, "inner") })
	evInner := s.AddEvent(nil, nil, "inner work")
	tk.WatcherPop()

	tk.WatcherPop()

	s.RemoveEvent(evInner)
	require.Equal(t, []string{"inner"}, order)

	s.RemoveEvent(evOuter)
	assert.Equal(t, []string{"inner", "outer"}, order)
}

func TestInsertSymbolOptions(t *testing.T) {
	tk := newTestTask(t)

	s := tk.InsertSymbol("A", 1.0, "opt1", "opt2", "opt1")
	assert.InDelta(t, 5.0, s.Score, 1e-9)
	assert.Equal(t, []string{"opt1", "opt2"}, s.Options)

	assert.True(t, tk.AddResultOption(s, "opt3"))
	assert.False(t, tk.AddResultOption(s, "opt3"))
}

func TestStageMonotonic(t *testing.T) {
	tk := newTestTask(t)

	tk.AdvanceStage(StageFilters)
	tk.AdvanceStage(StagePreFilters)
	assert.Equal(t, StageFilters, tk.Stage())
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package upstream

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyPool(t *testing.T) {
	p := New()
	_, err := p.Get(StrategyRoundRobin, nil)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestAddList(t *testing.T) {
	p := New()
	require.NoError(t, p.AddList("a.example.org,b.example.org:11444", 11335))
	assert.Equal(t, 2, p.Count())

	u, err := p.Get(StrategyRoundRobin, nil)
	require.NoError(t, err)
	assert.Equal(t, "a.example.org:11335", u.String())

	u, err = p.Get(StrategyRoundRobin, nil)
	require.NoError(t, err)
	assert.Equal(t, "b.example.org:11444", u.String())
}

func TestMasterSlavePicksHighestWeight(t *testing.T) {
	p := New()
	require.NoError(t, p.Add("slave.example.org", 11335, 1))
	require.NoError(t, p.Add("master.example.org", 11335, 10))

	for range 5 {
		u, err := p.Get(StrategyMasterSlave, nil)
		require.NoError(t, err)
		assert.Equal(t, "master.example.org", u.Addr)
	}
}

func TestHashIsStable(t *testing.T) {
	p := New()
	require.NoError(t, p.AddList("a,b,c,d", 11335))

	first, err := p.Get(StrategyHash, []byte("some key"))
	require.NoError(t, err)

	for range 10 {
		u, err := p.Get(StrategyHash, []byte("some key"))
		require.NoError(t, err)
		assert.Same(t, first, u)
	}
}

func TestFailover(t *testing.T) {
	p := New()
	p.MaxErrors = 3
	p.ErrorTime = 60 * time.Second
	p.DeadTime = 300 * time.Second

	now := time.Unix(1700000000, 0)
	p.now = func() time.Time { return now }

	require.NoError(t, p.Add("a.example.org", 11335, 1))
	require.NoError(t, p.Add("b.example.org", 11335, 1))

	a := p.ups[0]
	cause := errors.New("connection refused")

	// three failures within 10 seconds mark A dead
	for range 3 {
		p.Fail(a, cause)
		now = now.Add(5 * time.Second)
	}
	assert.False(t, a.Alive(now))

	for range 4 {
		u, err := p.Get(StrategyRoundRobin, nil)
		require.NoError(t, err)
		assert.Equal(t, "b.example.org", u.Addr)
	}

	// after dead-time the upstream revives with a zero counter
	now = now.Add(300 * time.Second)
	assert.True(t, a.Alive(now))
	assert.Zero(t, a.errorCount)

	seen := map[string]bool{}
	for range 4 {
		u, err := p.Get(StrategyRoundRobin, nil)
		require.NoError(t, err)
		seen[u.Addr] = true
	}
	assert.True(t, seen["a.example.org"])
	assert.True(t, seen["b.example.org"])
}

func TestAllDead(t *testing.T) {
	p := New()
	p.MaxErrors = 1
	now := time.Unix(1700000000, 0)
	p.now = func() time.Time { return now }

	require.NoError(t, p.Add("a.example.org", 11335, 1))
	p.Fail(p.ups[0], errors.New("boom"))

	_, err := p.Get(StrategyRandom, nil)
	assert.ErrorIs(t, err, ErrAllDead)
}

func TestOkResetsCounter(t *testing.T) {
	p := New()
	p.MaxErrors = 3
	now := time.Unix(1700000000, 0)
	p.now = func() time.Time { return now }

	require.NoError(t, p.Add("a.example.org", 11335, 1))
	a := p.ups[0]

	p.Fail(a, errors.New("boom"))
	p.Fail(a, errors.New("boom"))
	p.Ok(a)
	p.Fail(a, errors.New("boom"))

	assert.True(t, a.Alive(now))
}

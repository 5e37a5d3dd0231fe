// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package upstream tracks replicated service endpoints with passive
// failure accounting: an endpoint that fails max-errors times within the
// error window is considered dead until dead-time has elapsed.
package upstream

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

var (
	ErrEmpty   = errors.New("upstream: no servers in pool")
	ErrAllDead = errors.New("upstream: all servers are dead")
)

// Strategy selects how Get picks among alive upstreams.
type Strategy int

const (
	StrategyRandom Strategy = iota
	StrategyRoundRobin
	StrategyMasterSlave
	StrategyHash
)

// Upstream is one remote endpoint, tracked for liveness independently.
type Upstream struct {
	Name   string
	Addr   string
	Port   int
	Weight uint

	errorCount uint
	firstError time.Time
	deadUntil  time.Time
}

// Alive reports whether the upstream may be picked now.
func (u *Upstream) Alive(now time.Time) bool {
	return u.deadUntil.Before(now) || u.deadUntil.Equal(now)
}

func (u *Upstream) String() string {
	return net.JoinHostPort(u.Addr, strconv.Itoa(u.Port))
}

// Pool is a set of upstreams for one service. All methods are safe for
// concurrent use, although a worker normally owns its pools.
type Pool struct {
	mu   sync.Mutex
	ups  []*Upstream
	next int

	// Failure accounting windows.
	MaxErrors uint
	ErrorTime time.Duration
	DeadTime  time.Duration

	now func() time.Time
}

const (
	defaultMaxErrors = 3
	defaultErrorTime = 10 * time.Second
	defaultDeadTime  = 60 * time.Second
)

// New creates an empty pool with default failure accounting.
func New() *Pool {
	return &Pool{
		MaxErrors: defaultMaxErrors,
		ErrorTime: defaultErrorTime,
		DeadTime:  defaultDeadTime,
		now:       time.Now,
	}
}

// Add appends an upstream given as "host[:port]" with a default port
// and a selection weight.
func (p *Pool) Add(name string, defaultPort int, weight uint) error {
	addr := name
	port := defaultPort

	if host, portStr, err := net.SplitHostPort(name); err == nil {
		addr = host
		port, err = strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("upstream: bad port in '%s'", name)
		}
	}

	if addr == "" {
		return fmt.Errorf("upstream: empty host in '%s'", name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.ups = append(p.ups, &Upstream{Name: name, Addr: addr, Port: port, Weight: weight})
	return nil
}

// AddList parses a comma or space separated server list, filling in
// defaultPort for entries without one.
func (p *Pool) AddList(list string, defaultPort int) error {
	for _, entry := range strings.FieldsFunc(list, func(r rune) bool {
		return r == ',' || r == ';' || r == ' '
	}) {
		if err := p.Add(entry, defaultPort, 1); err != nil {
			return err
		}
	}

	if p.Count() == 0 {
		return ErrEmpty
	}
	return nil
}

// Count returns the number of configured upstreams.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ups)
}

// Get picks an upstream. For StrategyHash, key selects a stable ring
// position; an empty key falls back to round-robin. Dead upstreams are
// only considered once no alive one remains, in which case ErrAllDead
// is returned instead.
func (p *Pool) Get(strategy Strategy, key []byte) (*Upstream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.ups) == 0 {
		return nil, ErrEmpty
	}

	now := p.now()
	alive := make([]*Upstream, 0, len(p.ups))
	for _, u := range p.ups {
		if u.Alive(now) {
			alive = append(alive, u)
		}
	}

	if len(alive) == 0 {
		return nil, ErrAllDead
	}

	switch strategy {
	case StrategyRandom:
		return alive[rand.Intn(len(alive))], nil

	case StrategyMasterSlave:
		best := alive[0]
		for _, u := range alive[1:] {
			if u.Weight > best.Weight {
				best = u
			}
		}
		return best, nil

	case StrategyHash:
		if len(key) == 0 {
			break
		}
		h := xxhash.Sum64(key)
		return alive[h%uint64(len(alive))], nil
	}

	u := alive[p.next%len(alive)]
	p.next++
	return u, nil
}

// Ok reports a successful exchange: the error counter resets.
func (p *Pool) Ok(u *Upstream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u.errorCount = 0
}

// Fail reports a failed exchange. Errors outside the error window reset
// the window; max-errors within it mark the upstream dead.
func (p *Pool) Fail(u *Upstream, reason error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if now.Sub(u.firstError) > p.ErrorTime {
		u.firstError = now
		u.errorCount = 1
	} else {
		u.errorCount++
	}

	if u.errorCount >= p.MaxErrors {
		u.deadUntil = now.Add(p.DeadTime)
		u.errorCount = 0
		cclog.Infof("upstream %s marked dead until %s: %v",
			u.String(), u.deadUntil.Format(time.RFC3339), reason)
	}
}

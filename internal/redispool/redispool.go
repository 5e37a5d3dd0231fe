// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package redispool keys long-lived redis connections by
// (host, port, db, password) and recycles idle ones on jittered timers.
// One pool belongs to one worker; the locking only covers the gocron
// cleanup goroutine.
package redispool

import (
	"bytes"
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mailguard/mailguard/internal/mgerror"
)

// Config is the "redis" subtree of the configuration file.
type Config struct {
	Timeout  string `json:"timeout"`
	MaxConns int    `json:"max-conns"`
}

var Keys Config = Config{
	Timeout:  "10s",
	MaxConns: 100,
}

// Init decodes the pool config subtree.
func Init(rawConfig json.RawMessage) {
	if rawConfig == nil {
		return
	}

	dec := json.NewDecoder(bytes.NewReader(rawConfig))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		cclog.Abortf("Redis Pool Init: Could not decode config.\nError: %s\n", err.Error())
	}
}

// Endpoint identifies one logical redis target.
type Endpoint struct {
	Addr     string // host:port or unix socket path
	DB       int
	Password string
}

func (e Endpoint) key() uint64 {
	h := xxhash.New()
	h.WriteString(strconv.Itoa(e.DB))
	h.WriteString("\x00")
	h.WriteString(e.Password)
	h.WriteString("\x00")
	h.WriteString(e.Addr)
	return h.Sum64()
}

// Conn is a pooled dedicated connection. It embeds redis.Conn, so all
// commands run on this very connection (required for MULTI/EXEC).
type Conn struct {
	*redis.Conn

	elt    *poolElt
	entry  *list.Element
	timer  *time.Timer
	active bool
}

type poolElt struct {
	client   *redis.Client
	active   *list.List
	inactive *list.List
}

// Pool owns the per-endpoint connection queues.
type Pool struct {
	mu       sync.Mutex
	elts     map[uint64]*poolElt
	timeout  time.Duration
	maxConns int
}

// New creates a pool from the package config.
func New() *Pool {
	timeout, err := time.ParseDuration(Keys.Timeout)
	if err != nil || timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Pool{
		elts:     make(map[uint64]*poolElt),
		timeout:  timeout,
		maxConns: Keys.MaxConns,
	}
}

// Connect returns an idle pooled connection for ep, or opens a new one.
// AUTH and SELECT run through the client options on dial.
func (p *Pool) Connect(ctx context.Context, ep Endpoint) (*Conn, error) {
	p.mu.Lock()

	elt, ok := p.elts[ep.key()]
	if !ok {
		elt = &poolElt{
			client: redis.NewClient(&redis.Options{
				Addr:     ep.Addr,
				DB:       ep.DB,
				Password: ep.Password,
			}),
			active:   list.New(),
			inactive: list.New(),
		}
		p.elts[ep.key()] = elt
	}

	if front := elt.inactive.Front(); front != nil {
		conn := front.Value.(*Conn)
		elt.inactive.Remove(front)
		if conn.timer != nil {
			conn.timer.Stop()
			conn.timer = nil
		}
		conn.active = true
		conn.entry = elt.active.PushFront(conn)
		p.mu.Unlock()

		cclog.Debugf("redis pool: reused connection to %s", ep.Addr)
		return conn, nil
	}
	p.mu.Unlock()

	rc := elt.client.Conn()
	if err := rc.Ping(ctx).Err(); err != nil {
		rc.Close()
		return nil, mgerror.Wrap(mgerror.KindNetwork, err, "cannot connect to redis at %s", ep.Addr)
	}

	conn := &Conn{Conn: rc, elt: elt, active: true}

	p.mu.Lock()
	conn.entry = elt.active.PushFront(conn)
	p.mu.Unlock()

	cclog.Debugf("redis pool: created new connection to %s", ep.Addr)
	return conn, nil
}

// Release returns conn to the pool, or closes it when fatal. Calling
// Release from inside a command callback is safe: the close is deferred
// to a fresh goroutine so the in-flight reply is drained first.
func (p *Pool) Release(conn *Conn, fatal bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn == nil || !conn.active {
		return
	}

	conn.elt.active.Remove(conn.entry)
	conn.active = false

	if fatal {
		// deferred so a close from inside a command callback drains
		// the in-flight reply first
		go conn.Conn.Close()
		return
	}

	conn.entry = conn.elt.inactive.PushFront(conn)
	p.scheduleCleanupLocked(conn)
}

// scheduleCleanupLocked arms the idle cleanup timer: over the queue
// limit the interval halves with ±25% jitter, otherwise the full
// interval with ±50% jitter.
func (p *Pool) scheduleCleanupLocked(conn *Conn) {
	var real time.Duration

	if conn.elt.inactive.Len() > p.maxConns {
		real = jitter(p.timeout/2, 0.25)
	} else {
		real = jitter(p.timeout, 0.5)
	}

	cclog.Debugf("redis pool: scheduled connection cleanup in %.1f seconds", real.Seconds())

	conn.timer = time.AfterFunc(real, func() {
		p.mu.Lock()
		if conn.entry != nil && !conn.active {
			conn.elt.inactive.Remove(conn.entry)
			conn.entry = nil
		}
		p.mu.Unlock()
		conn.Conn.Close()
	})
}

// Close drops every pooled connection and client.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for key, elt := range p.elts {
		for e := elt.inactive.Front(); e != nil; e = e.Next() {
			c := e.Value.(*Conn)
			if c.timer != nil {
				c.timer.Stop()
			}
			c.Conn.Close()
		}
		for e := elt.active.Front(); e != nil; e = e.Next() {
			e.Value.(*Conn).Conn.Close()
		}
		if err := elt.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.elts, key)
	}

	if firstErr != nil {
		return fmt.Errorf("redis pool close: %w", firstErr)
	}
	return nil
}

func jitter(base time.Duration, frac float64) time.Duration {
	spread := float64(base) * frac
	return base + time.Duration((rand.Float64()*2-1)*spread)
}

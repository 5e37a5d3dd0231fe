// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package controller is the operator HTTP surface: scan counters, the
// roll history ring, fuzzy storage stats and prometheus metrics.
// Mutating endpoints require the configured password.
package controller

import (
	"encoding/json"
	"net/http"
	"os"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/mailguard/mailguard/internal/fuzzy"
	"github.com/mailguard/mailguard/internal/proto"
	"github.com/mailguard/mailguard/internal/rolling"
	"github.com/mailguard/mailguard/internal/scan"
	"github.com/mailguard/mailguard/internal/symcache"
)

// Controller serves the operator endpoints for one worker process.
type Controller struct {
	engine  *proto.Engine
	cache   *symcache.Cache
	history *rolling.History
	fstats  *fuzzy.Stats

	// bcrypt hash of the controller password; empty allows read-only
	// access and rejects mutations.
	passwordHash string

	registry *prometheus.Registry
}

// New wires the controller over the worker's engine. fstats may be nil
// when no fuzzy worker runs in this process.
func New(engine *proto.Engine, cache *symcache.Cache, history *rolling.History,
	fstats *fuzzy.Stats, passwordHash string,
) *Controller {
	c := &Controller{
		engine:       engine,
		cache:        cache,
		history:      history,
		fstats:       fstats,
		passwordHash: passwordHash,
		registry:     prometheus.NewRegistry(),
	}
	c.registerMetrics()
	return c
}

func (c *Controller) registerMetrics() {
	promauto.With(c.registry).NewCounterFunc(prometheus.CounterOpts{
		Name: "mailguard_scanned_total",
		Help: "Messages scanned.",
	}, func() float64 { return float64(c.engine.Counters.Scanned.Load()) })

	promauto.With(c.registry).NewCounterFunc(prometheus.CounterOpts{
		Name: "mailguard_spam_total",
		Help: "Messages classified as spam.",
	}, func() float64 { return float64(c.engine.Counters.Spam.Load()) })

	promauto.With(c.registry).NewCounterFunc(prometheus.CounterOpts{
		Name: "mailguard_ham_total",
		Help: "Messages classified as ham.",
	}, func() float64 { return float64(c.engine.Counters.Ham.Load()) })

	promauto.With(c.registry).NewCounterFunc(prometheus.CounterOpts{
		Name: "mailguard_learned_total",
		Help: "Messages learned.",
	}, func() float64 { return float64(c.engine.Counters.Learned.Load()) })

	if c.fstats != nil {
		promauto.With(c.registry).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mailguard_fuzzy_hashes",
			Help: "Hashes stored in the fuzzy backend.",
		}, func() float64 { return float64(c.fstats.Hashes.Load()) })

		promauto.With(c.registry).NewCounterFunc(prometheus.CounterOpts{
			Name: "mailguard_fuzzy_expired_total",
			Help: "Fuzzy hashes elided by periodic sync.",
		}, func() float64 { return float64(c.fstats.Expired.Load()) })
	}
}

// Router builds the HTTP handler with combined logging, like the main
// server surface.
func (c *Controller) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ping", c.ping).Methods(http.MethodGet)
	r.HandleFunc("/stat", c.stat).Methods(http.MethodGet)
	r.HandleFunc("/counters", c.counters).Methods(http.MethodGet)
	r.HandleFunc("/history", c.getHistory).Methods(http.MethodGet)
	r.HandleFunc("/statreset", c.secured(c.statReset)).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return handlers.CombinedLoggingHandler(os.Stdout, r)
}

// secured checks the Password header against the configured bcrypt
// hash.
func (c *Controller) secured(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if c.passwordHash == "" {
			http.Error(rw, "no controller password configured", http.StatusForbidden)
			return
		}
		if err := bcrypt.CompareHashAndPassword(
			[]byte(c.passwordHash), []byte(r.Header.Get("Password"))); err != nil {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		next(rw, r)
	}
}

func (c *Controller) ping(rw http.ResponseWriter, r *http.Request) {
	rw.Write([]byte("pong\r\n"))
}

type statReply struct {
	Scanned uint64            `json:"scanned"`
	Spam    uint64            `json:"spam"`
	Ham     uint64            `json:"ham"`
	Learned uint64            `json:"learned"`
	Errors  uint64            `json:"errors"`
	Actions map[string]uint64 `json:"actions"`

	FuzzyHashes  int64  `json:"fuzzy-hashes,omitempty"`
	FuzzyExpired uint64 `json:"fuzzy-expired,omitempty"`
}

func (c *Controller) stat(rw http.ResponseWriter, r *http.Request) {
	reply := statReply{
		Scanned: c.engine.Counters.Scanned.Load(),
		Spam:    c.engine.Counters.Spam.Load(),
		Ham:     c.engine.Counters.Ham.Load(),
		Learned: c.engine.Counters.Learned.Load(),
		Errors:  c.engine.Counters.Errors.Load(),
		Actions: make(map[string]uint64),
	}

	for act := scan.ActionReject; act <= scan.ActionNoAction; act++ {
		reply.Actions[act.String()] = c.engine.Counters.Actions[act].Load()
	}
	if c.fstats != nil {
		reply.FuzzyHashes = c.fstats.Hashes.Load()
		reply.FuzzyExpired = c.fstats.Expired.Load()
	}

	writeJSON(rw, reply)
}

func (c *Controller) counters(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, c.cache.Stats())
}

func (c *Controller) getHistory(rw http.ResponseWriter, r *http.Request) {
	if c.history == nil {
		writeJSON(rw, []rolling.Entry{})
		return
	}
	writeJSON(rw, c.history.Rows())
}

func (c *Controller) statReset(rw http.ResponseWriter, r *http.Request) {
	req := &proto.Request{Cmd: proto.CmdStatReset}
	if err := c.engine.Dispatch(r.Context(), req, rw); err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(rw)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		cclog.Errorf("controller: cannot encode reply: %v", err)
	}
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package task carries the per-message context: the parsed message, the
// metric result, the async event session with its watcher stack, and
// task-scoped caches. A task lives from request receipt until the reply
// is written and all registered async events have fired or been
// cancelled.
package task

import (
	"strings"
	"sync/atomic"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/google/uuid"

	"github.com/mailguard/mailguard/internal/message"
	"github.com/mailguard/mailguard/internal/scan"
)

// Stage is the monotonically advancing pipeline position of a task.
type Stage int

const (
	StageInit Stage = iota
	StagePreFilters
	StageFilters
	StageComposites
	StagePostFilters
	StageDone
	StageReplied
)

// Flag toggles task-level behavior requested by the client or a rule.
type Flag uint32

const (
	FlagSkip Flag = 1 << iota
	FlagPassAll
	FlagNoLog
	FlagLearnSpam
	FlagLearnHam
)

// Envelope carries the SMTP-level request headers.
type Envelope struct {
	IP        string
	From      string
	Rcpt      []string
	User      string
	Helo      string
	Hostname  string
	DeliverTo string
}

// Task is the per-message scan context.
type Task struct {
	ID      string
	QueueID string

	Envelope Envelope
	Subject  string

	Message *message.Message
	Result  *scan.MetricResult

	stage   Stage
	flags   Flag
	started time.Time

	cleanups []func()
	slots    map[string]int

	session  *Session
	watchers []*Watcher

	// Headers the filters want added to the reply.
	ReplyHeaders map[string]string
}

// New creates a task bound to the given metric configuration.
func New(metric *scan.Metric) *Task {
	t := &Task{
		ID:           uuid.NewString(),
		Result:       scan.NewMetricResult(metric),
		slots:        make(map[string]int),
		started:      time.Now(),
		ReplyHeaders: make(map[string]string),
	}
	t.QueueID = t.ID[:13]
	t.session = newSession(t)
	return t
}

// AttachMessage parses the raw message into the task.
func (t *Task) AttachMessage(raw []byte) error {
	msg, err := message.Parse(raw)
	if err != nil {
		return err
	}

	t.Message = msg
	if t.Subject == "" {
		t.Subject = msg.Subject
	}
	if qid := msg.Header("X-Queue-Id"); qid != "" {
		t.QueueID = qid
	}
	return nil
}

// Cleanup registers fn to run at Close, in reverse registration order.
// This is the task arena contract: everything task-scoped tears down
// LIFO when the task dies.
func (t *Task) Cleanup(fn func()) {
	t.cleanups = append(t.cleanups, fn)
}

// Close tears the task down. Pending async events are cancelled first
// so late replies detect the finished state and skip insertion.
func (t *Task) Close() {
	t.session.cancelAll()

	for i := len(t.cleanups) - 1; i >= 0; i-- {
		t.cleanups[i]()
	}
	t.cleanups = nil

	if !t.HasFlag(FlagNoLog) {
		cclog.Debugf("task %s: closed after %v, score %.2f",
			t.QueueID, time.Since(t.started), t.Result.Score)
	}
}

// Stage returns the current pipeline stage.
func (t *Task) Stage() Stage { return t.stage }

// AdvanceStage moves the pipeline forward; moving backwards is a no-op.
func (t *Task) AdvanceStage(s Stage) {
	if s > t.stage {
		t.stage = s
	}
}

// SetFlag sets a task flag.
func (t *Task) SetFlag(f Flag) { t.flags |= f }

// HasFlag reports whether f is set.
func (t *Task) HasFlag(f Flag) bool { return t.flags&f != 0 }

// InsertSymbol records a fired symbol on the task's metric result.
func (t *Task) InsertSymbol(name string, flagMult float64, options ...string) *scan.SymbolResult {
	var first string
	if len(options) > 0 {
		first = options[0]
	}

	s := t.Result.InsertResult(name, flagMult, first, false)
	if len(options) > 1 {
		for _, opt := range options[1:] {
			s.AddOption(opt)
		}
	}
	return s
}

// AddResultOption appends an option to an inserted symbol, deduplicated.
func (t *Task) AddResultOption(s *scan.SymbolResult, opt string) bool {
	return s.AddOption(opt)
}

// CacheNoValue is the distinguished no-value of a cache slot.
const CacheNoValue = int(^uint(0) >> 1) // max int

// CacheCheck returns the memoized value for key, or CacheNoValue with
// ok=false when the slot is empty.
func (t *Task) CacheCheck(key string) (int, bool) {
	if v, ok := t.slots[key]; ok {
		return v, true
	}
	return CacheNoValue, false
}

// CacheSet memoizes val under key for the task lifetime.
func (t *Task) CacheSet(key string, val int) {
	t.slots[key] = val
}

// Session returns the async event session of the task.
func (t *Task) Session() *Session { return t.session }

// WatcherPush makes cb the aggregate callback for events registered
// until the matching WatcherPop. Watchers nest.
func (t *Task) WatcherPush(cb func()) *Watcher {
	w := &Watcher{task: t, cb: cb}
	t.watchers = append(t.watchers, w)
	return w
}

// WatcherPop removes the current watcher. If no event was registered
// under it, the aggregate callback fires immediately.
func (t *Task) WatcherPop() {
	if len(t.watchers) == 0 {
		return
	}

	w := t.watchers[len(t.watchers)-1]
	t.watchers = t.watchers[:len(t.watchers)-1]
	w.popped = true
	w.maybeFire()
}

func (t *Task) currentWatcher() *Watcher {
	if len(t.watchers) == 0 {
		return nil
	}
	return t.watchers[len(t.watchers)-1]
}

// Watcher groups async events so one aggregate callback fires when the
// last of them finishes. It owns a counter, not its events.
type Watcher struct {
	task    *Task
	cb      func()
	pending int64
	popped  bool
	fired   bool
}

func (w *Watcher) register()   { atomic.AddInt64(&w.pending, 1) }
func (w *Watcher) unregister() { atomic.AddInt64(&w.pending, -1); w.maybeFire() }

func (w *Watcher) maybeFire() {
	if w.fired || !w.popped || atomic.LoadInt64(&w.pending) != 0 {
		return
	}
	w.fired = true
	if w.cb != nil {
		w.cb()
	}
}

// DisplayName returns a short log tag for the task.
func (t *Task) DisplayName() string {
	var sb strings.Builder
	sb.WriteString(t.QueueID)
	if t.Envelope.From != "" {
		sb.WriteString("; from <")
		sb.WriteString(t.Envelope.From)
		sb.WriteString(">")
	}
	return sb.String()
}

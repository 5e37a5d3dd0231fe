// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package task

import (
	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// EventState tells a late async reply what happened to its event.
type EventState int

const (
	// EventActive means the work is still expected.
	EventActive EventState = iota
	// EventRemoved means the work completed normally.
	EventRemoved
	// EventCancelled is the sentinel handed to fin callbacks when the
	// task hit its deadline; late replies must skip result insertion.
	EventCancelled
)

// FinCallback is invoked when an event is removed or cancelled.
type FinCallback func(state EventState, userdata any)

type sessionEvent struct {
	fin     FinCallback
	ud      any
	tag     string
	watcher *Watcher
}

// Session is the set of pending async events of one task. The task is
// complete only when the pipeline reached its terminal stage and the
// session drained.
type Session struct {
	task    *Task
	events  map[*sessionEvent]struct{}
	onEmpty func()
}

func newSession(t *Task) *Session {
	return &Session{
		task:   t,
		events: make(map[*sessionEvent]struct{}),
	}
}

// Event is the opaque handle of a registered async event.
type Event = sessionEvent

// AddEvent registers pending async work. The current watcher, if any,
// adopts the event.
func (s *Session) AddEvent(fin FinCallback, ud any, tag string) *Event {
	ev := &sessionEvent{fin: fin, ud: ud, tag: tag}

	if w := s.task.currentWatcher(); w != nil {
		ev.watcher = w
		w.register()
	}

	s.events[ev] = struct{}{}
	cclog.Debugf("task %s: added event %s, %d pending", s.task.QueueID, tag, len(s.events))
	return ev
}

// RemoveEvent completes an event. The fin callback runs, the owning
// watcher is notified, and the on-empty hook fires when this was the
// last event.
func (s *Session) RemoveEvent(ev *Event) {
	s.finish(ev, EventRemoved)
}

// Pending returns the number of events still registered.
func (s *Session) Pending() int { return len(s.events) }

// OnEmpty installs the hook called whenever the session drains.
func (s *Session) OnEmpty(fn func()) { s.onEmpty = fn }

func (s *Session) finish(ev *Event, state EventState) {
	if _, ok := s.events[ev]; !ok {
		return
	}
	delete(s.events, ev)

	if ev.fin != nil {
		ev.fin(state, ev.ud)
	}
	if ev.watcher != nil {
		ev.watcher.unregister()
	}

	if len(s.events) == 0 && s.onEmpty != nil {
		s.onEmpty()
	}
}

// Cancel removes every pending event with the cancelled sentinel; used
// when a task hits its hard deadline and must reply with whatever it
// has.
func (s *Session) Cancel() { s.cancelAll() }

// cancelAll removes every pending event with the cancelled sentinel.
func (s *Session) cancelAll() {
	for ev := range s.events {
		s.finish(ev, EventCancelled)
	}
}

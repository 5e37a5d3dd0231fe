// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package symcache

import (
	"runtime/debug"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/mailguard/mailguard/internal/task"
)

const (
	stStarted uint8 = 1 << iota
	stFinished
)

// Checkpoint is the per-task cursor into the schedule: which symbols
// have started and finished, across the phase progression kept on the
// task's stage.
type Checkpoint struct {
	cache *Cache
	task  *task.Task
	state []uint8

	// OnProgress re-enters the owner whenever an async symbol finishes;
	// the protocol layer uses it to continue Process and reply.
	OnProgress func()
}

// NewCheckpoint prepares task execution over the resolved cache.
func (c *Cache) NewCheckpoint(t *task.Task) *Checkpoint {
	return &Checkpoint{
		cache: c,
		task:  t,
		state: make([]uint8, len(c.items)),
	}
}

// Process advances the pipeline as far as possible without blocking.
// It returns true when every phase has run and the async session is
// empty; otherwise the caller resumes it from OnProgress or the session
// drain hook.
func (cp *Checkpoint) Process() bool {
	t := cp.task

	for {
		switch t.Stage() {
		case task.StageInit:
			t.AdvanceStage(task.StagePreFilters)

		case task.StagePreFilters:
			if !cp.runSequential(cp.cache.prefilters) {
				return false
			}
			t.AdvanceStage(task.StageFilters)

		case task.StageFilters:
			if t.HasFlag(task.FlagSkip) {
				cp.finishAll(cp.cache.filters)
			}
			if !cp.runFilters() {
				return false
			}
			t.AdvanceStage(task.StageComposites)

		case task.StageComposites:
			t.Result.ProcessComposites()
			t.AdvanceStage(task.StagePostFilters)

		case task.StagePostFilters:
			// postfilters always run, pre-result or not
			if !cp.runSequential(cp.cache.postfilters) {
				return false
			}
			t.AdvanceStage(task.StageDone)

		case task.StageDone:
			return t.Session().Pending() == 0

		default:
			return true
		}
	}
}

// runSequential awaits each item before starting the next one; used for
// prefilters and postfilters.
func (cp *Checkpoint) runSequential(items []*Item) bool {
	for _, item := range items {
		st := cp.state[item.ID]
		if st&stFinished != 0 {
			continue
		}
		if st&stStarted != 0 {
			return false
		}

		if !cp.eligible(item, false) {
			cp.markFinished(item)
			continue
		}

		cp.runItem(item)
		if cp.state[item.ID]&stFinished == 0 {
			return false
		}
	}
	return true
}

// runFilters starts every ready filter; independent symbols run without
// awaiting each other. Returns true once all filters have finished.
func (cp *Checkpoint) runFilters() bool {
	for {
		progress := false
		allDone := true

		for _, item := range cp.cache.filters {
			st := cp.state[item.ID]
			if st&stFinished != 0 {
				continue
			}
			if st&stStarted != 0 {
				allDone = false
				continue
			}

			if !cp.eligible(item, true) {
				cp.markFinished(item)
				progress = true
				continue
			}

			if !cp.depsFinished(item) {
				allDone = false
				continue
			}

			cp.runItem(item)
			progress = true
			if cp.state[item.ID]&stFinished == 0 {
				allDone = false
			}
		}

		if allDone {
			return true
		}
		if !progress {
			return false
		}
	}
}

// eligible applies the static gates: skip flag, ghost type, missing
// callback, per-task condition, pre-result fine rule, empty message
// rule and group caps.
func (cp *Checkpoint) eligible(item *Item, filterPhase bool) bool {
	t := cp.task

	if item.Flags&FlagSkipped != 0 || item.Type == TypeGhost {
		return false
	}
	if item.Type == TypeVirtual || item.Callback == nil {
		// virtual symbols contribute through their parent callback
		return false
	}

	if filterPhase && t.Result.PreResult != nil && item.Flags&FlagFine == 0 {
		return false
	}

	if t.Message != nil && len(t.Message.Parts) == 0 && item.Flags&FlagEmptyAllowed == 0 {
		return false
	}

	if def := t.Result.Metric.SymbolDef(item.Name); def != nil && def.Group != nil {
		if def.Group.MaxScore > 0 && t.Result.GroupScores[def.Group] >= def.Group.MaxScore {
			cclog.Debugf("task %s: symbol %s skipped, group %s capped",
				t.QueueID, item.Name, def.Group.Name)
			return false
		}
	}

	if item.Condition != nil && !item.Condition(t) {
		return false
	}

	return true
}

func (cp *Checkpoint) depsFinished(item *Item) bool {
	for _, dep := range item.deps {
		if cp.state[dep.ID]&stFinished == 0 {
			return false
		}
	}
	return true
}

// runItem invokes the callback under a fresh watcher. A callback symbol
// is only marked finished once its watcher has drained; synchronous
// callbacks drain on pop.
func (cp *Checkpoint) runItem(item *Item) {
	t := cp.task
	cp.state[item.ID] |= stStarted

	var out Outcome
	inCall := true
	t.WatcherPush(func() {
		if out.continuation != nil {
			out.continuation(t)
		}
		cp.markFinished(item)
		// synchronous completions drain during WatcherPop below; only
		// async ones re-enter the owner
		if !inCall && cp.OnProgress != nil {
			cp.OnProgress()
		}
	})

	start := time.Now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				cclog.Errorf("symbol %s failed: %v\n%s", item.Name, r, debug.Stack())
				out = Finished()
			}
		}()
		out = item.Callback(t)
	}()
	item.stats.record(time.Since(start))

	t.WatcherPop()
	inCall = false
}

func (cp *Checkpoint) markFinished(item *Item) {
	cp.state[item.ID] |= stStarted | stFinished
}

func (cp *Checkpoint) finishAll(items []*Item) {
	for _, item := range items {
		cp.markFinished(item)
	}
}

// Finished reports whether the named symbol has finished on this task.
func (cp *Checkpoint) Finished(name string) bool {
	item := cp.cache.byName[name]
	return item != nil && cp.state[item.ID]&stFinished != 0
}

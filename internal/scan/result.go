// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package scan

import (
	"math"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// SymbolResult is one inserted symbol on a metric result.
type SymbolResult struct {
	Name    string
	Score   float64
	Options []string
	NShots  int
	Def     *SymbolScore

	optSet map[string]struct{}
}

// PreResult is an action override set by a prefilter. It wins over the
// threshold walk; postfilters still run.
type PreResult struct {
	Action  Action
	Message string
	Module  string
}

// MetricResult is the per-task state of one metric.
type MetricResult struct {
	Metric     *Metric
	Score      float64
	GrowFactor float64

	Symbols      map[string]*SymbolResult
	GroupScores  map[*Group]float64
	ActionLimits [actionMax]float64

	PreResult *PreResult

	// Per-task replacement scores from user settings, keyed by symbol.
	SettingsScores map[string]float64
}

// NewMetricResult creates the task-side state for m. Action limits are
// copied so settings can adjust them per task.
func NewMetricResult(m *Metric) *MetricResult {
	mres := &MetricResult{
		Metric:      m,
		Symbols:     make(map[string]*SymbolResult),
		GroupScores: make(map[*Group]float64),
	}
	copy(mres.ActionLimits[:], m.actions[:])
	return mres
}

// checkGroupScore clips w so the group's accumulated positive score
// never exceeds its cap. Returns NaN once the cap has been reached.
func (mres *MetricResult) checkGroupScore(symbol string, gr *Group, w float64) float64 {
	if gr == nil || gr.MaxScore <= 0.0 || w <= 0.0 {
		return w
	}

	grScore := mres.GroupScores[gr]
	if grScore >= gr.MaxScore {
		cclog.Infof("maximum group score %.2f for group %s has been reached, ignoring symbol %s with weight %.2f",
			gr.MaxScore, gr.Name, symbol, w)
		return math.NaN()
	}
	if grScore+w > gr.MaxScore {
		w = gr.MaxScore - grScore
	}

	return w
}

// InsertResult adds a weighted symbol to the result. flagMult scales the
// configured weight (fuzzy checks pass their hit confidence here). With
// single set, repeated insertions replace rather than accumulate. The
// option, when non-empty, is appended to the symbol's deduplicated
// option list.
func (mres *MetricResult) InsertResult(symbol string, flagMult float64, opt string, single bool) *SymbolResult {
	var (
		w      float64
		gr     *Group
		nextGf = 1.0
	)

	def := mres.Metric.SymbolDef(symbol)
	if def != nil {
		w = def.Weight * flagMult
		gr = def.Group
	}

	if corr, ok := mres.SettingsScores[symbol]; ok {
		cclog.Debugf("settings: changed weight of symbol %s from %.2f to %.2f",
			symbol, w, corr)
		w = corr * flagMult
	}

	if s, ok := mres.Symbols[symbol]; ok {
		maxShots := 1
		if !single {
			switch {
			case def != nil && def.OneShot:
				maxShots = 1
			case def != nil && def.MaxShots > 0:
				maxShots = def.MaxShots
			default:
				maxShots = mres.Metric.defaultMaxShots
			}
		}

		if !single && maxShots > 0 && s.NShots >= maxShots {
			single = true
		}

		if opt != "" && s.hasOption(opt) {
			single = true
		} else {
			s.NShots++
			s.addOption(opt)
		}

		var diff float64
		if !single {
			diff = w
		} else if math.Abs(s.Score) < math.Abs(w) && math.Signbit(s.Score) == math.Signbit(w) {
			// Replace less significant weight with a more significant one
			diff = w - s.Score
		}

		if diff != 0 {
			if mres.GrowFactor != 0 && diff > 0 {
				diff *= mres.GrowFactor
				nextGf *= mres.Metric.GrowFactor
			} else if diff > 0 {
				nextGf = mres.Metric.GrowFactor
			}

			diff = mres.checkGroupScore(symbol, gr, diff)

			if !math.IsNaN(diff) {
				mres.Score += diff
				mres.GrowFactor = nextGf

				if gr != nil {
					mres.GroupScores[gr] += diff
				}

				if single {
					s.Score = w
				} else {
					s.Score += diff
				}
			}
		}

		return s
	}

	s := &SymbolResult{Name: symbol, Def: def, NShots: 1}

	if mres.GrowFactor != 0 && w > 0 {
		w *= mres.GrowFactor
		nextGf *= mres.Metric.GrowFactor
	} else if w > 0 {
		nextGf = mres.Metric.GrowFactor
	}

	w = mres.checkGroupScore(symbol, gr, w)

	if !math.IsNaN(w) {
		mres.Score += w
		mres.GrowFactor = nextGf
		s.Score = w

		if gr != nil {
			mres.GroupScores[gr] += w
		}
	}

	s.addOption(opt)
	mres.Symbols[symbol] = s

	cclog.Debugf("symbol %s, score %.2f, metric %s, factor: %f",
		symbol, s.Score, mres.Metric.Name, w)

	return s
}

// AddOption appends opt to the symbol's deduplicated option list.
func (s *SymbolResult) AddOption(opt string) bool {
	if opt == "" {
		return true
	}
	if s.hasOption(opt) {
		return false
	}
	s.addOption(opt)
	return true
}

func (s *SymbolResult) hasOption(opt string) bool {
	_, ok := s.optSet[opt]
	return ok
}

func (s *SymbolResult) addOption(opt string) {
	if opt == "" {
		return
	}
	if s.optSet == nil {
		s.optSet = make(map[string]struct{})
	}
	s.optSet[opt] = struct{}{}
	s.Options = append(s.Options, opt)
}

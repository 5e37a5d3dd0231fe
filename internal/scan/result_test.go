// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package scan

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMetric(t *testing.T) *Metric {
	t.Helper()

	m := NewMetric("default", 100)
	m.SetActionThreshold(ActionReject, 15)
	return m
}

func TestInsertResultSumsScores(t *testing.T) {
	m := testMetric(t)
	m.AddSymbol("A", 5, "", "")
	m.AddSymbol("B", 11, "", "")

	mres := NewMetricResult(m)
	mres.InsertResult("A", 1.0, "", false)
	mres.InsertResult("B", 1.0, "", false)

	assert.InDelta(t, 16.0, mres.Score, 1e-9)
	assert.Equal(t, ActionReject, mres.CheckAction())

	// metric score equals the sum over symbol results
	sum := 0.0
	for _, s := range mres.Symbols {
		sum += s.Score
	}
	assert.InDelta(t, mres.Score, sum, 1e-9)
}

func TestGroupCapClipsInsertion(t *testing.T) {
	m := testMetric(t)
	m.AddGroup("G", 8)
	m.AddSymbol("A", 5, "", "G")
	m.AddSymbol("B", 5, "", "G")

	mres := NewMetricResult(m)
	mres.InsertResult("A", 1.0, "", false)
	mres.InsertResult("B", 1.0, "", false)

	assert.InDelta(t, 8.0, mres.Score, 1e-9)
	assert.InDelta(t, 8.0, mres.GroupScores[m.groups["G"]], 1e-9)
	assert.InDelta(t, 3.0, mres.Symbols["B"].Score, 1e-9)
}

func TestGroupCapHeadroom(t *testing.T) {
	m := testMetric(t)
	m.AddGroup("G", 8)
	m.AddSymbol("A", 7.999, "", "G")
	m.AddSymbol("B", 10.0, "", "G")

	mres := NewMetricResult(m)
	mres.InsertResult("A", 1.0, "", false)
	mres.InsertResult("B", 1.0, "", false)

	assert.InDelta(t, 0.001, mres.Symbols["B"].Score, 1e-9)
	assert.InDelta(t, 8.0, mres.Score, 1e-9)

	// once the cap is hit, further positive insertions contribute nothing
	mres.InsertResult("A", 1.0, "again", false)
	assert.InDelta(t, 8.0, mres.Score, 1e-9)
}

func TestOptionsDeduplicated(t *testing.T) {
	m := testMetric(t)
	m.AddSymbol("A", 1, "", "")

	mres := NewMetricResult(m)
	s := mres.InsertResult("A", 1.0, "opt1", false)
	mres.InsertResult("A", 1.0, "opt1", false)
	mres.InsertResult("A", 1.0, "opt2", false)

	assert.Equal(t, []string{"opt1", "opt2"}, s.Options)
}

func TestOneShotLimitsInsertions(t *testing.T) {
	m := testMetric(t)
	def := m.AddSymbol("A", 2, "", "")
	def.OneShot = true

	mres := NewMetricResult(m)
	mres.InsertResult("A", 1.0, "", false)
	mres.InsertResult("A", 1.0, "", false)
	mres.InsertResult("A", 1.0, "", false)

	// a one-shot symbol keeps a single score contribution
	assert.InDelta(t, 2.0, mres.Symbols["A"].Score, 1e-9)
	assert.InDelta(t, 2.0, mres.Score, 1e-9)
}

func TestSingleReplacesWithMoreSignificant(t *testing.T) {
	m := testMetric(t)
	m.AddSymbol("A", 2, "", "")

	mres := NewMetricResult(m)
	mres.InsertResult("A", 1.0, "", true)
	mres.InsertResult("A", 3.0, "", true)

	assert.InDelta(t, 6.0, mres.Symbols["A"].Score, 1e-9)
	assert.InDelta(t, 6.0, mres.Score, 1e-9)

	// a weaker same-sign hit changes nothing
	mres.InsertResult("A", 1.0, "", true)
	assert.InDelta(t, 6.0, mres.Score, 1e-9)
}

func TestGrowFactor(t *testing.T) {
	m := testMetric(t)
	m.GrowFactor = 2.0
	m.AddSymbol("A", 1, "", "")
	m.AddSymbol("B", 1, "", "")
	m.AddSymbol("C", 1, "", "")

	mres := NewMetricResult(m)
	mres.InsertResult("A", 1.0, "", false)
	mres.InsertResult("B", 1.0, "", false)
	mres.InsertResult("C", 1.0, "", false)

	// first insertion unscaled, each further positive one scaled by
	// the metric factor
	assert.InDelta(t, 1.0, mres.Symbols["A"].Score, 1e-9)
	assert.InDelta(t, 2.0, mres.Symbols["B"].Score, 1e-9)
	assert.InDelta(t, 2.0, mres.Symbols["C"].Score, 1e-9)
	assert.InDelta(t, 5.0, mres.Score, 1e-9)
}

func TestSettingsOverrideScore(t *testing.T) {
	m := testMetric(t)
	m.AddSymbol("A", 5, "", "")

	mres := NewMetricResult(m)
	mres.SettingsScores = map[string]float64{"A": 1.5}
	mres.InsertResult("A", 2.0, "", false)

	assert.InDelta(t, 3.0, mres.Symbols["A"].Score, 1e-9)
}

func TestCheckActionPicksMostSevere(t *testing.T) {
	m := NewMetric("default", 100)
	m.SetActionThreshold(ActionReject, 15)
	m.SetActionThreshold(ActionAddHeader, 6)
	m.SetActionThreshold(ActionGreylist, 4)

	cases := []struct {
		score float64
		want  Action
	}{
		{0, ActionNoAction},
		{4, ActionGreylist},
		{5.9, ActionGreylist},
		{6, ActionAddHeader},
		{14.99, ActionAddHeader},
		{15, ActionReject},
		{100, ActionReject},
	}

	for _, c := range cases {
		mres := NewMetricResult(m)
		mres.Score = c.score
		assert.Equal(t, c.want, mres.CheckAction(), "score %.2f", c.score)
	}
}

func TestPreResultOverridesFilters(t *testing.T) {
	m := testMetric(t)
	m.AddSymbol("A", 1, "", "")

	mres := NewMetricResult(m)
	mres.InsertResult("A", 1.0, "", false)
	mres.SetPreResult(ActionReject, "denied", "test")

	assert.Equal(t, ActionReject, mres.CheckAction())
	assert.InDelta(t, 15.0, mres.Score, 1e-9)
}

func TestPreResultAllNaN(t *testing.T) {
	m := NewMetric("default", 100)
	mres := NewMetricResult(m)
	mres.SetPreResult(ActionGreylist, "", "test")

	assert.Equal(t, ActionGreylist, mres.CheckAction())
	assert.InDelta(t, 0.0, mres.Score, 1e-9)
	assert.False(t, math.IsNaN(mres.Score))
}

func TestComposites(t *testing.T) {
	m := testMetric(t)
	m.AddSymbol("A", 1, "", "")
	m.AddSymbol("B", 1, "", "")
	m.AddSymbol("COMP1", 3, "", "")
	m.AddSymbol("COMP2", 2, "", "")

	require.NoError(t, m.AddComposite("COMP1", "A & B"))
	require.NoError(t, m.AddComposite("COMP2", "COMP1 & !C"))

	mres := NewMetricResult(m)
	mres.InsertResult("A", 1.0, "", false)
	mres.InsertResult("B", 1.0, "", false)
	mres.ProcessComposites()

	// COMP2 depends on COMP1 and converges on the second pass
	assert.Contains(t, mres.Symbols, "COMP1")
	assert.Contains(t, mres.Symbols, "COMP2")
	assert.InDelta(t, 7.0, mres.Score, 1e-9)
}

func TestCompositeParserRejectsGarbage(t *testing.T) {
	m := testMetric(t)
	assert.Error(t, m.AddComposite("X", "A & (B"))
	assert.Error(t, m.AddComposite("X", "& B"))
	assert.Error(t, m.AddComposite("X", "A B"))
}

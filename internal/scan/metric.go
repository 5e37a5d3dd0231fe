// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package scan implements the metric/result engine: weighted symbol
// insertion with grow factors and group caps, and action selection over
// per-metric thresholds.
package scan

import (
	"bytes"
	"encoding/json"
	"math"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// Action is the qualitative classification of a scanned message.
// Severity decreases with the numeric value.
type Action int

const (
	ActionReject Action = iota
	ActionRewriteSubject
	ActionAddHeader
	ActionGreylist
	ActionNoAction
	actionMax
)

var actionNames = map[Action]string{
	ActionReject:         "reject",
	ActionRewriteSubject: "rewrite subject",
	ActionAddHeader:      "add header",
	ActionGreylist:       "greylist",
	ActionNoAction:       "no action",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return "invalid"
}

// ParseAction maps a config key to an action level.
func ParseAction(s string) (Action, bool) {
	switch s {
	case "reject":
		return ActionReject, true
	case "rewrite-subject", "rewrite_subject":
		return ActionRewriteSubject, true
	case "add-header", "add_header":
		return ActionAddHeader, true
	case "greylist":
		return ActionGreylist, true
	case "no-action", "no_action", "accept":
		return ActionNoAction, true
	}
	return ActionNoAction, false
}

// Group caps the accumulated positive score of its member symbols.
type Group struct {
	Name     string
	MaxScore float64
}

// SymbolScore is the static per-metric definition of a symbol: its
// weight, group membership and shot limits. Weights may be replaced per
// task through settings.
type SymbolScore struct {
	Name        string
	Weight      float64
	Description string
	Group       *Group
	OneShot     bool
	MaxShots    int
}

// Metric is a named score accumulator with action thresholds.
type Metric struct {
	Name       string
	GrowFactor float64
	Subject    string

	actions [actionMax]float64
	symbols map[string]*SymbolScore
	groups  map[string]*Group

	defaultMaxShots int
	composites      []*Composite
}

type metricConfig struct {
	Name       string             `json:"name"`
	GrowFactor float64            `json:"grow-factor"`
	Subject    string             `json:"subject"`
	Actions    map[string]float64 `json:"actions"`
	Groups     []struct {
		Name     string  `json:"name"`
		MaxScore float64 `json:"max-score"`
	} `json:"groups"`
	Symbols []struct {
		Name        string  `json:"name"`
		Weight      float64 `json:"weight"`
		Description string  `json:"description"`
		Group       string  `json:"group"`
		OneShot     bool    `json:"one-shot"`
		MaxShots    int     `json:"max-shots"`
	} `json:"symbols"`
	Composites []struct {
		Name       string `json:"name"`
		Expression string `json:"expression"`
	} `json:"composites"`
}

// NewMetric creates an empty metric with all actions disabled.
func NewMetric(name string, defaultMaxShots int) *Metric {
	m := &Metric{
		Name:            name,
		symbols:         make(map[string]*SymbolScore),
		groups:          make(map[string]*Group),
		defaultMaxShots: defaultMaxShots,
	}
	for i := range m.actions {
		m.actions[i] = math.NaN()
	}
	return m
}

// InitMetric decodes the "metric" config subtree.
func InitMetric(rawConfig json.RawMessage, defaultMaxShots int) *Metric {
	var cfg metricConfig

	dec := json.NewDecoder(bytes.NewReader(rawConfig))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		cclog.Abortf("Metric Init: Could not decode metric config.\nError: %s\n", err.Error())
	}

	if cfg.Name == "" {
		cfg.Name = "default"
	}

	m := NewMetric(cfg.Name, defaultMaxShots)
	m.GrowFactor = cfg.GrowFactor
	m.Subject = cfg.Subject

	for name, threshold := range cfg.Actions {
		act, ok := ParseAction(name)
		if !ok {
			cclog.Abortf("Metric Init: unknown action '%s' in metric %s\n", name, m.Name)
		}
		m.actions[act] = threshold
	}

	for _, g := range cfg.Groups {
		m.AddGroup(g.Name, g.MaxScore)
	}

	for _, s := range cfg.Symbols {
		def := m.AddSymbol(s.Name, s.Weight, s.Description, s.Group)
		def.OneShot = s.OneShot
		def.MaxShots = s.MaxShots
	}

	for _, c := range cfg.Composites {
		if err := m.AddComposite(c.Name, c.Expression); err != nil {
			cclog.Abortf("Metric Init: bad composite %s: %s\n", c.Name, err.Error())
		}
	}

	return m
}

// InitMetricOrDefault decodes the metric subtree, or builds the stock
// default metric (reject 15, add-header 6, greylist 4) when none is
// configured.
func InitMetricOrDefault(rawConfig json.RawMessage, defaultMaxShots int) *Metric {
	if rawConfig != nil {
		return InitMetric(rawConfig, defaultMaxShots)
	}

	m := NewMetric("default", defaultMaxShots)
	m.SetActionThreshold(ActionReject, 15)
	m.SetActionThreshold(ActionAddHeader, 6)
	m.SetActionThreshold(ActionGreylist, 4)
	return m
}

// AddGroup registers a symbols group; duplicate names return the
// existing group.
func (m *Metric) AddGroup(name string, maxScore float64) *Group {
	if g, ok := m.groups[name]; ok {
		return g
	}
	g := &Group{Name: name, MaxScore: maxScore}
	m.groups[name] = g
	return g
}

// AddSymbol registers a static symbol score. An empty group name leaves
// the symbol ungrouped; an unknown group is created without a cap.
func (m *Metric) AddSymbol(name string, weight float64, description, group string) *SymbolScore {
	def := &SymbolScore{
		Name:        name,
		Weight:      weight,
		Description: description,
	}
	if group != "" {
		def.Group = m.AddGroup(group, 0)
	}
	m.symbols[name] = def
	return def
}

// SymbolDef returns the static definition of a symbol, or nil.
func (m *Metric) SymbolDef(name string) *SymbolScore {
	return m.symbols[name]
}

// SetActionThreshold sets or replaces one action threshold.
func (m *Metric) SetActionThreshold(act Action, threshold float64) {
	if act >= 0 && act < actionMax {
		m.actions[act] = threshold
	}
}

// ActionThreshold returns the configured threshold (NaN when disabled).
func (m *Metric) ActionThreshold(act Action) float64 {
	if act >= 0 && act < actionMax {
		return m.actions[act]
	}
	return math.NaN()
}

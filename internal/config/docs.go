// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"sort"
	"strings"
	"sync"
)

// OptionDoc documents a single configuration option for confighelp.
type OptionDoc struct {
	Path    string `json:"path"`
	Doc     string `json:"doc"`
	Default string `json:"default,omitempty"`
	Type    string `json:"type,omitempty"`
}

var (
	docMu   sync.Mutex
	docRegs []OptionDoc
)

// RegisterOptions adds option documentation under prefix. Workers call
// this at startup before the configuration layer drives their init.
func RegisterOptions(prefix string, opts []OptionDoc) {
	docMu.Lock()
	defer docMu.Unlock()

	for _, o := range opts {
		if prefix != "" {
			o.Path = prefix + "." + o.Path
		}
		docRegs = append(docRegs, o)
	}
}

// LookupOptions returns documented options matching the given keys, or
// all options when keys is empty. With keyword set, the match is a
// case-insensitive substring search over paths, docstrings and defaults.
func LookupOptions(keys []string, keyword bool) []OptionDoc {
	docMu.Lock()
	defer docMu.Unlock()

	out := make([]OptionDoc, 0, len(docRegs))
	for _, o := range docRegs {
		if matchOption(o, keys, keyword) {
			out = append(out, o)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func matchOption(o OptionDoc, keys []string, keyword bool) bool {
	if len(keys) == 0 {
		return true
	}

	for _, k := range keys {
		if keyword {
			lk := strings.ToLower(k)
			if strings.Contains(strings.ToLower(o.Path), lk) ||
				strings.Contains(strings.ToLower(o.Doc), lk) ||
				strings.Contains(strings.ToLower(o.Default), lk) {
				return true
			}
		} else if o.Path == k || strings.HasPrefix(o.Path, k+".") {
			return true
		}
	}

	return false
}

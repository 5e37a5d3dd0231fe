// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var registerOnce sync.Once

func registerTestDocs() {
	registerOnce.Do(func() {
		RegisterOptions("fuzzy", []OptionDoc{
			{Path: "expire", Doc: "Hash expiry in seconds.", Default: "172800", Type: "integer"},
			{Path: "sync-timeout", Doc: "Jittered interval of the periodic backend sync.", Default: "60s"},
		})
	})
}

func TestLookupByKey(t *testing.T) {
	registerTestDocs()

	docs := LookupOptions([]string{"fuzzy.expire"}, false)
	require.Len(t, docs, 1)
	assert.Equal(t, "fuzzy.expire", docs[0].Path)

	docs = LookupOptions([]string{"fuzzy"}, false)
	assert.Len(t, docs, 2)
}

func TestKeywordSearch(t *testing.T) {
	registerTestDocs()

	docs := LookupOptions([]string{"jittered"}, true)
	require.NotEmpty(t, docs)
	assert.Equal(t, "fuzzy.sync-timeout", docs[0].Path)
}

func TestConfigHelpJSON(t *testing.T) {
	registerTestDocs()

	var out bytes.Buffer
	ok := ConfigHelp(&out, []string{"fuzzy.expire"}, ConfigHelpOpts{JSON: true})
	require.True(t, ok)

	var docs []OptionDoc
	require.NoError(t, json.Unmarshal(out.Bytes(), &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "172800", docs[0].Default)
}

func TestConfigHelpNoMatch(t *testing.T) {
	var out bytes.Buffer
	assert.False(t, ConfigHelp(&out, []string{"no.such.key"}, ConfigHelpOpts{}))
}

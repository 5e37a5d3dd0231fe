// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailguard/mailguard/internal/mgerror"
	"github.com/mailguard/mailguard/internal/scan"
	"github.com/mailguard/mailguard/internal/task"
)

const statConfig = `{
	"classifiers": [{
		"name": "bayes",
		"tokenizer": "osb",
		"min-tokens": 4,
		"backend": "memory",
		"statfiles": [
			{"symbol": "BAYES_SPAM", "spam": true},
			{"symbol": "BAYES_HAM", "spam": false}
		]
	}]
}`

func testProcessor(t *testing.T) *Processor {
	t.Helper()

	p, err := NewProcessor(json.RawMessage(statConfig), nil)
	require.NoError(t, err)
	return p
}

func mailWith(body string) []byte {
	return []byte("From: a@example.org\r\nSubject: test mail\r\n\r\n" + body + "\r\n")
}

func newStatTask(t *testing.T, body string) *task.Task {
	t.Helper()

	m := scan.NewMetric("default", 100)
	m.AddSymbol("BAYES_SPAM", 4.0, "", "")
	m.AddSymbol("BAYES_HAM", -2.0, "", "")

	tk := task.New(m)
	require.NoError(t, tk.AttachMessage(mailWith(body)))
	return tk
}

const spamBody = "buy cheap pills now best offer cheap pills discount viagra casino bonus"
const hamBody = "the quarterly report attached covers revenue projections for the next fiscal period"

func TestLearnThenClassify(t *testing.T) {
	p := testProcessor(t)
	ctx := context.Background()

	for i := range 5 {
		tk := newStatTask(t, spamBody+fmt.Sprintf(" variant%d", i))
		require.NoError(t, p.Learn(ctx, tk, true))

		tk = newStatTask(t, hamBody+fmt.Sprintf(" variant%d", i))
		require.NoError(t, p.Learn(ctx, tk, false))
	}

	tk := newStatTask(t, spamBody)
	require.NoError(t, p.Classify(ctx, tk))
	assert.Contains(t, tk.Result.Symbols, "BAYES_SPAM")
	assert.NotContains(t, tk.Result.Symbols, "BAYES_HAM")

	tk = newStatTask(t, hamBody)
	require.NoError(t, p.Classify(ctx, tk))
	assert.Contains(t, tk.Result.Symbols, "BAYES_HAM")
	assert.NotContains(t, tk.Result.Symbols, "BAYES_SPAM")
}

func TestLearnCacheRejectsSameClass(t *testing.T) {
	p := testProcessor(t)
	ctx := context.Background()

	tk := newStatTask(t, spamBody)
	require.NoError(t, p.Learn(ctx, tk, true))

	// learning the identical content again as the same class fails
	tk2 := newStatTask(t, spamBody)
	err := p.Learn(ctx, tk2, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already learned")
	assert.Equal(t, 404, mgerror.CodeOf(err))

	// backend counters did not move
	learns, err := p.classifiers[0].backend.TotalLearns(ctx, "BAYES_SPAM")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), learns)
}

func TestLearnCacheUnlearnsOtherClass(t *testing.T) {
	p := testProcessor(t)
	ctx := context.Background()

	tk := newStatTask(t, spamBody)
	require.NoError(t, p.Learn(ctx, tk, true))

	// relearning as ham decrements the spam statfile
	tk2 := newStatTask(t, spamBody)
	require.NoError(t, p.Learn(ctx, tk2, false))

	spamLearns, err := p.classifiers[0].backend.TotalLearns(ctx, "BAYES_SPAM")
	require.NoError(t, err)
	assert.Zero(t, spamLearns)

	hamLearns, err := p.classifiers[0].backend.TotalLearns(ctx, "BAYES_HAM")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), hamLearns)
}

func TestLearnRejectsShortMessages(t *testing.T) {
	p := testProcessor(t)

	tk := newStatTask(t, "hi")
	err := p.Learn(context.Background(), tk, true)
	assert.Error(t, err)
}

func TestLearnWithoutClassifiers(t *testing.T) {
	p, err := NewProcessor(nil, nil)
	require.NoError(t, err)

	tk := newStatTask(t, spamBody)
	err = p.Learn(context.Background(), tk, true)
	require.Error(t, err)
	assert.Equal(t, 404, mgerror.CodeOf(err))
}

func TestOSBTokenizerDeterministic(t *testing.T) {
	words := strings.Fields("one two three four five six")

	a, b := NewTokenSet(), NewTokenSet()
	OSBTokenizer{}.Tokenize(words, a)
	OSBTokenizer{}.Tokenize(words, b)

	require.Equal(t, a.Len(), b.Len())
	for i, tok := range a.Tokens() {
		assert.Equal(t, tok.Hash, b.Tokens()[i].Hash)
	}

	// every word pairs with up to four successors
	assert.Equal(t, 4+4+3+2+1, a.Len())
}

func TestTokenSetDeduplicates(t *testing.T) {
	ts := NewTokenSet()
	ts.Add(42)
	ts.Add(42)
	ts.Add(7)
	assert.Equal(t, 2, ts.Len())
}

func TestSubjectContributesTokens(t *testing.T) {
	p := testProcessor(t)

	m := scan.NewMetric("default", 100)
	tk := task.New(m)
	tk.Subject = "cheap pills casino bonus offer"

	sets := p.tokenize(tk)
	assert.Positive(t, sets["osb"].Len())
}

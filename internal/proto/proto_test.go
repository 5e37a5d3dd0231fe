// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package proto

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailguard/mailguard/internal/mgerror"
	"github.com/mailguard/mailguard/internal/scan"
	"github.com/mailguard/mailguard/internal/symcache"
	"github.com/mailguard/mailguard/internal/task"
)

const testBody = "From: spammer@example.org\r\nSubject: offer\r\n\r\nbuy cheap pills today\r\n"

func request(cmd string, headers map[string]string, body string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s RSPAMC/1.3\r\n", cmd)
	if body != "" {
		fmt.Fprintf(&sb, "Content-Length: %d\r\n", len(body))
	}
	for k, v := range headers {
		fmt.Fprintf(&sb, "%s: %s\r\n", k, v)
	}
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return sb.String()
}

func TestParseRequest(t *testing.T) {
	raw := request("SYMBOLS", map[string]string{
		"Ip":       "198.51.100.1",
		"From":     "spammer@example.org",
		"Rcpt":     "victim@example.net",
		"Queue-Id": "ABCDEF",
		"Pass":     "all",
	}, testBody)

	req, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)), 1<<20)
	require.NoError(t, err)

	assert.Equal(t, CmdSymbols, req.Cmd)
	assert.False(t, req.Spamc)
	assert.Equal(t, "1.3", req.Version)
	assert.Equal(t, "198.51.100.1", req.IP)
	assert.Equal(t, []string{"victim@example.net"}, req.Rcpt)
	assert.Equal(t, "ABCDEF", req.QueueID)
	assert.True(t, req.PassAll)
	assert.Equal(t, testBody, string(req.Body))
}

func TestParseSpamcBanner(t *testing.T) {
	raw := "PING SPAMC/1.5\r\n\r\n"
	req, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)), 1<<20)
	require.NoError(t, err)
	assert.True(t, req.Spamc)
	assert.Equal(t, CmdPing, req.Cmd)
}

func TestParseRejectsGarbage(t *testing.T) {
	cases := []string{
		"WHATEVER RSPAMC/1.3\r\n\r\n",
		"CHECK HTTP/1.1\r\n\r\n",
		"CHECK\r\n\r\n",
	}
	for _, raw := range cases {
		_, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)), 1<<20)
		assert.Error(t, err, raw)
	}
}

func TestParseOversizeRejected(t *testing.T) {
	raw := request("CHECK", nil, testBody)
	_, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)), 10)
	require.Error(t, err)
	assert.Equal(t, 413, mgerror.CodeOf(err))
}

func testEngine(t *testing.T) *Engine {
	t.Helper()

	m := scan.NewMetric("default", 100)
	m.SetActionThreshold(scan.ActionReject, 15)
	m.AddSymbol("A", 5, "", "")
	m.AddSymbol("B", 11, "", "")

	c := symcache.New()
	for _, name := range []string{"A", "B"} {
		sym := name
		_, err := c.AddSymbol(sym, 0, symcache.TypeNormal, func(tk *task.Task) symcache.Outcome {
			tk.InsertSymbol(sym, 1.0)
			return symcache.Finished()
		})
		require.NoError(t, err)
	}
	require.NoError(t, c.Resolve())

	return NewEngine(m, c, nil, nil, nil)
}

func TestScanScenario(t *testing.T) {
	e := testEngine(t)

	raw := request("SYMBOLS", nil, testBody)
	req, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)), 1<<20)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, e.Dispatch(context.Background(), req, &out))

	reply := out.String()
	assert.True(t, strings.HasPrefix(reply, "RSPAMD/1.3 0 OK\r\n"), reply)
	assert.Contains(t, reply, "Metric: default; True; 16.00 / 15.00\r\n")
	assert.Contains(t, reply, "Symbol: A(5.00)\r\n")
	assert.Contains(t, reply, "Symbol: B(11.00)\r\n")
	assert.Contains(t, reply, "Action: reject\r\n")
	assert.True(t, strings.HasSuffix(reply, "\r\n\r\n"))

	assert.Equal(t, uint64(1), e.Counters.Scanned.Load())
	assert.Equal(t, uint64(1), e.Counters.Spam.Load())
	assert.Equal(t, uint64(1), e.Counters.Actions[scan.ActionReject].Load())
}

func TestCheckOmitsSymbols(t *testing.T) {
	e := testEngine(t)

	raw := request("CHECK", nil, testBody)
	req, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)), 1<<20)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, e.Dispatch(context.Background(), req, &out))
	assert.NotContains(t, out.String(), "Symbol:")
	assert.Contains(t, out.String(), "Metric: default; True; 16.00 / 15.00\r\n")
}

func TestPing(t *testing.T) {
	e := testEngine(t)

	req, err := ParseRequest(bufio.NewReader(strings.NewReader("PING RSPAMC/1.3\r\n\r\n")), 1<<20)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, e.Dispatch(context.Background(), req, &out))
	assert.Contains(t, out.String(), "Pong\r\n")
}

func TestSkipBypassesFilters(t *testing.T) {
	e := testEngine(t)

	raw := request("SKIP", nil, testBody)
	req, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)), 1<<20)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, e.Dispatch(context.Background(), req, &out))
	assert.Contains(t, out.String(), "Metric: default; False; 0.00 / 15.00\r\n")
	assert.Contains(t, out.String(), "Action: no action\r\n")
}

func TestAddSymbolAndAction(t *testing.T) {
	e := testEngine(t)

	raw := request("ADD_SYMBOL", map[string]string{"Symbol": "NEW_RULE", "Weight": "2.5"}, "")
	req, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)), 1<<20)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, e.Dispatch(context.Background(), req, &out))
	require.NotNil(t, e.Metric.SymbolDef("NEW_RULE"))
	assert.InDelta(t, 2.5, e.Metric.SymbolDef("NEW_RULE").Weight, 1e-9)

	raw = request("ADD_ACTION", map[string]string{"Action": "greylist", "Value": "4"}, "")
	req, err = ParseRequest(bufio.NewReader(strings.NewReader(raw)), 1<<20)
	require.NoError(t, err)
	out.Reset()
	require.NoError(t, e.Dispatch(context.Background(), req, &out))
	assert.InDelta(t, 4.0, e.Metric.ActionThreshold(scan.ActionGreylist), 1e-9)
}

func TestLearnWithoutClassifiers(t *testing.T) {
	e := testEngine(t)

	raw := request("LEARN", map[string]string{"Class": "spam"}, testBody)
	req, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)), 1<<20)
	require.NoError(t, err)

	err = e.Dispatch(context.Background(), req, &bytes.Buffer{})
	require.Error(t, err)
	assert.Equal(t, 404, mgerror.CodeOf(err))
}

func TestErrorReplyCarriesKind(t *testing.T) {
	var out bytes.Buffer
	err := mgerror.WithCode(mgerror.KindProtocol, 413, "content too large")
	require.NoError(t, WriteError(&out, nil, err))

	assert.True(t, strings.HasPrefix(out.String(), "RSPAMD/1.3 413 error\r\n"))
	assert.Contains(t, out.String(), "Error: protocol: content too large\r\n")
}

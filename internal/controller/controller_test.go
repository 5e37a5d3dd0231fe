// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package controller

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mailguard/mailguard/internal/proto"
	"github.com/mailguard/mailguard/internal/rolling"
	"github.com/mailguard/mailguard/internal/scan"
	"github.com/mailguard/mailguard/internal/symcache"
)

func testController(t *testing.T) *Controller {
	t.Helper()

	m := scan.NewMetric("default", 100)
	c := symcache.New()
	require.NoError(t, c.Resolve())

	engine := proto.NewEngine(m, c, nil, nil, nil)
	engine.Counters.Scanned.Add(3)
	engine.Counters.Spam.Add(1)

	history := rolling.New(10)
	history.Push(rolling.Entry{QueueID: "q1", Action: "reject", Score: 17.5})

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	return New(engine, c, history, nil, string(hash))
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(testController(t).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStat(t *testing.T) {
	srv := httptest.NewServer(testController(t).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stat")
	require.NoError(t, err)
	defer resp.Body.Close()

	var reply statReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	assert.Equal(t, uint64(3), reply.Scanned)
	assert.Equal(t, uint64(1), reply.Spam)
}

func TestHistory(t *testing.T) {
	srv := httptest.NewServer(testController(t).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/history")
	require.NoError(t, err)
	defer resp.Body.Close()

	var rows []rolling.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "q1", rows[0].QueueID)
}

func TestStatResetRequiresPassword(t *testing.T) {
	srv := httptest.NewServer(testController(t).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/statreset", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/statreset", nil)
	req.Header.Set("Password", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPrometheusMetrics(t *testing.T) {
	srv := httptest.NewServer(testController(t).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

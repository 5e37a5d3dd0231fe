// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package redispool

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEndpointKey(t *testing.T) {
	a := Endpoint{Addr: "localhost:6379", DB: 0}
	b := Endpoint{Addr: "localhost:6379", DB: 1}
	c := Endpoint{Addr: "localhost:6379", DB: 0, Password: "secret"}

	assert.Equal(t, a.key(), a.key())
	assert.NotEqual(t, a.key(), b.key())
	assert.NotEqual(t, a.key(), c.key())
}

func TestJitterBounds(t *testing.T) {
	base := 10 * time.Second

	for range 100 {
		d := jitter(base, 0.5)
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.LessOrEqual(t, d, 15*time.Second)

		d = jitter(base/2, 0.25)
		assert.GreaterOrEqual(t, d, 3750*time.Millisecond)
		assert.LessOrEqual(t, d, 6250*time.Millisecond)
	}
}

func TestInitDecodesConfig(t *testing.T) {
	Init(json.RawMessage(`{"timeout": "30s", "max-conns": 10}`))
	assert.Equal(t, "30s", Keys.Timeout)
	assert.Equal(t, 10, Keys.MaxConns)

	p := New()
	assert.Equal(t, 30*time.Second, p.timeout)
	assert.Equal(t, 10, p.maxConns)
}

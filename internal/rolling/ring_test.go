// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rolling

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingKeepsNewestFirst(t *testing.T) {
	h := New(3)

	for i := 1; i <= 2; i++ {
		h.Push(Entry{QueueID: fmt.Sprintf("q%d", i)})
	}

	rows := h.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "q2", rows[0].QueueID)
	assert.Equal(t, "q1", rows[1].QueueID)
}

func TestRingOverwritesOldest(t *testing.T) {
	h := New(3)

	for i := 1; i <= 5; i++ {
		h.Push(Entry{QueueID: fmt.Sprintf("q%d", i)})
	}

	rows := h.Rows()
	require.Len(t, rows, 3)
	assert.Equal(t, "q5", rows[0].QueueID)
	assert.Equal(t, "q4", rows[1].QueueID)
	assert.Equal(t, "q3", rows[2].QueueID)
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package worker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamWorkerServesAndDrains(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan string, 1)
	w := NewStreamWorker("test", ln, func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 16)
		n, _ := conn.Read(buf)
		served <- string(buf[:n])
		conn.Write([]byte("ok"))
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case got := <-served:
		assert.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	buf := make([]byte, 2)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	conn.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not drain")
	}
}

func TestRuntimeStopsWorkers(t *testing.T) {
	r := NewRuntime(100*time.Millisecond, 500*time.Millisecond)

	stopped := false
	r.Add(NewFuncWorker("noop", func(ctx context.Context) error {
		<-ctx.Done()
		stopped = true
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// external context cancellation is not a signal; stop via a worker
	// exiting versus cancel: cancel the parent and expect the drain
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not stop")
	}
	assert.True(t, stopped)
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package worker runs the daemon's listeners: accept/dispatch for
// stream workers, the datagram loop for the fuzzy worker, signal
// handling and the soft/hard shutdown drain.
package worker

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// StreamHandler serves one accepted connection.
type StreamHandler func(ctx context.Context, conn net.Conn)

// Runnable is one worker loop managed by the runtime.
type Runnable interface {
	Name() string
	Run(ctx context.Context) error
	// Pending reports in-flight work, letting the runtime drain.
	Pending() int
}

// Listen binds addr, or adopts an inherited socket when
// MAILGUARD_SOCKET_FD names a file descriptor for it.
func Listen(addr string) (net.Listener, error) {
	if fdStr := os.Getenv("MAILGUARD_SOCKET_FD"); fdStr != "" {
		fd, err := strconv.Atoi(fdStr)
		if err == nil {
			f := os.NewFile(uintptr(fd), "inherited-listener")
			if ln, err := net.FileListener(f); err == nil {
				cclog.Infof("worker: adopted inherited listener on fd %d", fd)
				return ln, nil
			}
		}
	}

	return net.Listen("tcp", addr)
}

// StreamWorker accepts connections and hands each one to the handler.
type StreamWorker struct {
	name     string
	listener net.Listener
	handler  StreamHandler

	wg      sync.WaitGroup
	pending int64
	mu      sync.Mutex
}

// NewStreamWorker wraps a listener with a handler.
func NewStreamWorker(name string, ln net.Listener, handler StreamHandler) *StreamWorker {
	return &StreamWorker{name: name, listener: ln, handler: handler}
}

func (w *StreamWorker) Name() string { return w.name }

func (w *StreamWorker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int(w.pending)
}

// Run accepts until ctx is cancelled, then stops taking new work while
// in-flight connections drain.
func (w *StreamWorker) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		w.listener.Close()
	}()

	cclog.Infof("worker %s: listening on %s", w.name, w.listener.Addr())

	for {
		conn, err := w.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				w.wg.Wait()
				return nil
			}
			cclog.Errorf("worker %s: accept failed: %v", w.name, err)
			continue
		}

		w.mu.Lock()
		w.pending++
		w.mu.Unlock()
		w.wg.Add(1)

		go func() {
			defer func() {
				w.mu.Lock()
				w.pending--
				w.mu.Unlock()
				w.wg.Done()
			}()
			w.handler(ctx, conn)
		}()
	}
}

// DatagramWorker runs a packet loop (the fuzzy storage worker).
type DatagramWorker struct {
	name  string
	conn  net.PacketConn
	serve func(ctx context.Context, conn net.PacketConn) error
}

// NewDatagramWorker wraps a packet conn with a serve loop.
func NewDatagramWorker(name string, conn net.PacketConn,
	serve func(ctx context.Context, conn net.PacketConn) error,
) *DatagramWorker {
	return &DatagramWorker{name: name, conn: conn, serve: serve}
}

func (w *DatagramWorker) Name() string { return w.name }

func (w *DatagramWorker) Pending() int { return 0 }

func (w *DatagramWorker) Run(ctx context.Context) error {
	cclog.Infof("worker %s: listening on %s", w.name, w.conn.LocalAddr())
	return w.serve(ctx, w.conn)
}

// FuncWorker adapts a plain serve function (e.g. an http.Server) to the
// runtime.
type FuncWorker struct {
	name string
	run  func(ctx context.Context) error
}

// NewFuncWorker wraps run as a managed worker loop.
func NewFuncWorker(name string, run func(ctx context.Context) error) *FuncWorker {
	return &FuncWorker{name: name, run: run}
}

func (w *FuncWorker) Name() string { return w.name }

func (w *FuncWorker) Pending() int { return 0 }

func (w *FuncWorker) Run(ctx context.Context) error { return w.run(ctx) }

// Runtime owns the workers and the process signal handling.
type Runtime struct {
	SoftShutdown time.Duration
	HardShutdown time.Duration

	// OnReopen runs on SIGHUP for log rotation.
	OnReopen func()

	workers []Runnable
}

// NewRuntime creates a runtime with the given drain deadlines.
func NewRuntime(soft, hard time.Duration) *Runtime {
	return &Runtime{SoftShutdown: soft, HardShutdown: hard}
}

// Add registers a worker loop.
func (r *Runtime) Add(w Runnable) { r.workers = append(r.workers, w) }

// Run starts every worker and blocks until termination: SIGTERM/SIGINT
// stop accepting and in-flight tasks drain; the soft deadline only logs
// workers still busy, and the process exits at the hard deadline
// regardless.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigs)

	done := make(chan error, len(r.workers))
	for _, w := range r.workers {
		go func(w Runnable) {
			done <- w.Run(ctx)
		}(w)
	}

	completed := 0
	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				cclog.Info("worker runtime: reopening logs")
				if r.OnReopen != nil {
					r.OnReopen()
				}
				continue
			}

			cclog.Infof("worker runtime: received %s, draining", sig)
			cancel()
			return r.drain(done, len(r.workers)-completed)

		case err := <-done:
			// a worker loop died on its own; treat as fatal
			completed++
			cancel()
			if err != nil {
				return err
			}
			return r.drain(done, len(r.workers)-completed)
		}
	}
}

func (r *Runtime) drain(done chan error, remaining int) error {
	soft := time.After(r.SoftShutdown)
	hard := time.After(r.HardShutdown)

	for remaining > 0 {
		select {
		case <-done:
			remaining--

		case <-soft:
			for _, w := range r.workers {
				if n := w.Pending(); n > 0 {
					cclog.Warnf("worker %s: %d tasks still in flight past soft deadline", w.Name(), n)
				}
			}

		case <-hard:
			cclog.Warn("worker runtime: hard deadline reached, exiting with tasks in flight")
			return nil
		}
	}

	return nil
}

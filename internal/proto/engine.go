// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package proto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/mailguard/mailguard/internal/fuzzy"
	"github.com/mailguard/mailguard/internal/mgerror"
	"github.com/mailguard/mailguard/internal/rolling"
	"github.com/mailguard/mailguard/internal/scan"
	"github.com/mailguard/mailguard/internal/stat"
	"github.com/mailguard/mailguard/internal/symcache"
	"github.com/mailguard/mailguard/internal/task"
)

// Counters are the per-worker scan counters. Single-writer updates on
// the worker loop; the controller reads them lock-free.
type Counters struct {
	Scanned atomic.Uint64
	Spam    atomic.Uint64
	Ham     atomic.Uint64
	Learned atomic.Uint64
	Errors  atomic.Uint64
	Actions [5]atomic.Uint64
}

// Engine binds the protocol to the pipeline: one engine per scan
// worker.
type Engine struct {
	Metric      *scan.Metric
	Cache       *symcache.Cache
	Stat        *stat.Processor
	FuzzyClient *fuzzy.Client
	History     *rolling.History

	MaxSize     int64
	TaskTimeout time.Duration

	Counters Counters
	started  time.Time
}

// NewEngine wires an engine; fuzzyClient and history may be nil.
func NewEngine(metric *scan.Metric, cache *symcache.Cache, st *stat.Processor,
	fuzzyClient *fuzzy.Client, history *rolling.History,
) *Engine {
	return &Engine{
		Metric:      metric,
		Cache:       cache,
		Stat:        st,
		FuzzyClient: fuzzyClient,
		History:     history,
		MaxSize:     50 * 1024 * 1024,
		TaskTimeout: 8 * time.Second,
		started:     time.Now(),
	}
}

// HandleConn serves one client connection. The next request on a
// connection is not read until the current reply is fully written.
func (e *Engine) HandleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	for {
		if ctx.Err() != nil {
			return
		}

		req, err := ParseRequest(r, e.MaxSize)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			e.Counters.Errors.Add(1)
			cclog.Infof("protocol error from %s: %v", conn.RemoteAddr(), err)
			WriteError(conn, req, err)
			return
		}

		if err := e.Dispatch(ctx, req, conn); err != nil {
			e.Counters.Errors.Add(1)
			WriteError(conn, req, err)
		}
	}
}

// Dispatch runs one request and writes the reply.
func (e *Engine) Dispatch(ctx context.Context, req *Request, w io.Writer) error {
	switch req.Cmd {
	case CmdPing:
		return WriteSimple(w, req, "Pong")

	case CmdCheck, CmdSymbols, CmdReport, CmdReportIfSpam, CmdSkip, CmdProcess:
		return e.scan(ctx, req, w)

	case CmdLearn:
		return e.learn(ctx, req, w)

	case CmdFuzzyAdd, CmdFuzzyDel:
		return e.fuzzyUpdate(ctx, req, w)

	case CmdStat:
		return e.writeStat(w, req)

	case CmdStatReset:
		e.resetCounters()
		return e.writeStat(w, req)

	case CmdCounters:
		return e.writeCounters(w, req)

	case CmdUptime:
		return WriteSimple(w, req,
			fmt.Sprintf("Uptime: %d", int64(time.Since(e.started).Seconds())))

	case CmdAddSymbol:
		return e.addSymbol(req, w)

	case CmdAddAction:
		return e.addAction(req, w)
	}

	return mgerror.WithCode(mgerror.KindProtocol, 400, "unhandled command %s", req.CmdName)
}

// newTask builds the scan context from the request envelope.
func (e *Engine) newTask(req *Request) (*task.Task, error) {
	tk := task.New(e.Metric)
	tk.Envelope = task.Envelope{
		IP:        req.IP,
		From:      req.From,
		Rcpt:      req.Rcpt,
		User:      req.User,
		Helo:      req.Helo,
		Hostname:  req.Hostname,
		DeliverTo: req.DeliverTo,
	}
	if req.Subject != "" {
		tk.Subject = req.Subject
	}
	if req.QueueID != "" {
		tk.QueueID = req.QueueID
	}
	if req.PassAll {
		tk.SetFlag(task.FlagPassAll)
	}
	if req.Cmd == CmdSkip {
		tk.SetFlag(task.FlagSkip)
	}

	if err := tk.AttachMessage(req.Body); err != nil {
		tk.Close()
		return nil, mgerror.Wrap(mgerror.KindProtocol, err, "cannot parse message")
	}

	return tk, nil
}

func (e *Engine) scan(ctx context.Context, req *Request, w io.Writer) error {
	started := time.Now()

	tk, err := e.newTask(req)
	if err != nil {
		return err
	}
	defer tk.Close()

	cp := e.Cache.NewCheckpoint(tk)

	done := make(chan struct{})
	var once sync.Once
	complete := func() { once.Do(func() { close(done) }) }

	cp.OnProgress = func() {
		if cp.Process() {
			complete()
		}
	}
	tk.Session().OnEmpty(func() {
		if cp.Process() {
			complete()
		}
	})

	if cp.Process() {
		complete()
	}

	select {
	case <-done:
	case <-time.After(e.TaskTimeout):
		cclog.Warnf("task %s: deadline reached, cancelling pending events", tk.QueueID)
		tk.Session().Cancel()
	case <-ctx.Done():
		tk.Session().Cancel()
	}

	act := tk.Result.CheckAction()
	e.account(tk, act, time.Since(started))

	return WriteReply(w, req, tk, act)
}

func (e *Engine) account(tk *task.Task, act scan.Action, elapsed time.Duration) {
	e.Counters.Scanned.Add(1)
	if int(act) >= 0 && int(act) < len(e.Counters.Actions) {
		e.Counters.Actions[act].Add(1)
	}
	if scan.IsSpam(act) {
		e.Counters.Spam.Add(1)
	} else {
		e.Counters.Ham.Add(1)
	}

	if e.History != nil {
		entry := rolling.Entry{
			QueueID:  tk.QueueID,
			From:     tk.Envelope.From,
			IP:       tk.Envelope.IP,
			Subject:  tk.Subject,
			Action:   act.String(),
			Score:    tk.Result.Score,
			Required: tk.Result.ActionLimits[scan.ActionReject],
			ScanTime: elapsed.Seconds(),
			Time:     time.Now(),
		}
		for name := range tk.Result.Symbols {
			entry.Symbols = append(entry.Symbols, name)
		}
		e.History.Push(entry)
	}
}

func (e *Engine) learn(ctx context.Context, req *Request, w io.Writer) error {
	if e.Stat == nil {
		return mgerror.WithCode(mgerror.KindConfig, 404, "statistics not configured")
	}

	if req.Classifier != "" && !e.Stat.HasClassifier(req.Classifier) {
		return mgerror.WithCode(mgerror.KindProtocol, 404,
			"classifier '%s' is not configured", req.Classifier)
	}

	spam, err := learnClass(req)
	if err != nil {
		return err
	}

	tk, err := e.newTask(req)
	if err != nil {
		return err
	}
	defer tk.Close()

	if err := e.Stat.Learn(ctx, tk, spam); err != nil {
		return err
	}

	e.Counters.Learned.Add(1)
	return WriteSimple(w, req, "Learned: 1")
}

// learnClass resolves the target class from the Class header, falling
// back to the fuzzy-style Flag (1 spam, 2 ham).
func learnClass(req *Request) (bool, error) {
	switch strings.ToLower(req.Headers.Get("Class")) {
	case "spam":
		return true, nil
	case "ham":
		return false, nil
	case "":
	default:
		return false, mgerror.WithCode(mgerror.KindProtocol, 400,
			"bad Class '%s'", req.Headers.Get("Class"))
	}

	switch req.Flag {
	case 1:
		return true, nil
	case 2:
		return false, nil
	}

	return false, mgerror.WithCode(mgerror.KindProtocol, 400, "learn request without class")
}

func (e *Engine) fuzzyUpdate(ctx context.Context, req *Request, w io.Writer) error {
	if e.FuzzyClient == nil {
		return mgerror.WithCode(mgerror.KindConfig, 404, "fuzzy storage not configured")
	}

	tk, err := e.newTask(req)
	if err != nil {
		return err
	}
	defer tk.Close()

	var words []string
	for _, part := range tk.Message.TextParts() {
		words = append(words, part.Words...)
	}
	digest := fuzzy.Digest(words)

	var rep *fuzzy.Reply
	if req.Cmd == CmdFuzzyAdd {
		shingles := fuzzy.Shingles(words)
		value := req.Value
		if value == 0 {
			value = 1
		}
		rep, err = e.FuzzyClient.Write(ctx, digest, &shingles, req.Flag, value)
	} else {
		rep, err = e.FuzzyClient.Delete(ctx, digest, req.Flag)
	}
	if err != nil {
		return err
	}
	if rep.Value != 0 {
		return mgerror.WithCode(mgerror.KindBackend, int(rep.Value),
			"fuzzy storage rejected update")
	}

	return WriteSimple(w, req, "OK")
}

func (e *Engine) writeStat(w io.Writer, req *Request) error {
	lines := []string{
		fmt.Sprintf("Messages scanned: %d", e.Counters.Scanned.Load()),
		fmt.Sprintf("Messages spam: %d", e.Counters.Spam.Load()),
		fmt.Sprintf("Messages ham: %d", e.Counters.Ham.Load()),
		fmt.Sprintf("Messages learned: %d", e.Counters.Learned.Load()),
		fmt.Sprintf("Errors: %d", e.Counters.Errors.Load()),
	}

	for act := scan.ActionReject; act <= scan.ActionNoAction; act++ {
		lines = append(lines, fmt.Sprintf("Action %s: %d", act, e.Counters.Actions[act].Load()))
	}

	return WriteSimple(w, req, lines...)
}

func (e *Engine) writeCounters(w io.Writer, req *Request) error {
	var lines []string
	for _, snap := range e.Cache.Stats() {
		lines = append(lines, fmt.Sprintf("%s: hits %d, frequency %.2f, time %.3fms",
			snap.Name, snap.Hits, snap.Frequency, float64(snap.AvgTime.Microseconds())/1e3))
	}
	return WriteSimple(w, req, lines...)
}

func (e *Engine) resetCounters() {
	e.Counters.Scanned.Store(0)
	e.Counters.Spam.Store(0)
	e.Counters.Ham.Store(0)
	e.Counters.Learned.Store(0)
	e.Counters.Errors.Store(0)
	for i := range e.Counters.Actions {
		e.Counters.Actions[i].Store(0)
	}
}

func (e *Engine) addSymbol(req *Request, w io.Writer) error {
	name := req.Headers.Get("Symbol")
	if name == "" {
		return mgerror.WithCode(mgerror.KindProtocol, 400, "ADD_SYMBOL requires a Symbol header")
	}

	weight, err := strconv.ParseFloat(req.Headers.Get("Weight"), 64)
	if err != nil {
		return mgerror.WithCode(mgerror.KindProtocol, 400, "ADD_SYMBOL requires a numeric Weight header")
	}

	e.Metric.AddSymbol(name, weight, req.Headers.Get("Description"), req.Headers.Get("Group"))
	return WriteSimple(w, req, "OK")
}

func (e *Engine) addAction(req *Request, w io.Writer) error {
	act, ok := scan.ParseAction(req.Headers.Get("Action"))
	if !ok {
		return mgerror.WithCode(mgerror.KindProtocol, 400, "ADD_ACTION requires an Action header")
	}

	threshold, err := strconv.ParseFloat(req.Headers.Get("Value"), 64)
	if err != nil {
		return mgerror.WithCode(mgerror.KindProtocol, 400, "ADD_ACTION requires a numeric Value header")
	}

	e.Metric.SetActionThreshold(act, threshold)
	return WriteSimple(w, req, "OK")
}

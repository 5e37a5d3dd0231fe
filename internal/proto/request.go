// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package proto parses the line-oriented scan protocol (native and
// spamc-compatible), drives the pipeline and renders replies.
package proto

import (
	"bufio"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/mailguard/mailguard/internal/mgerror"
)

// Command is the request verb.
type Command int

const (
	CmdCheck Command = iota
	CmdSymbols
	CmdReport
	CmdReportIfSpam
	CmdSkip
	CmdPing
	CmdProcess
	CmdLearn
	CmdFuzzyAdd
	CmdFuzzyDel
	CmdStat
	CmdStatReset
	CmdCounters
	CmdUptime
	CmdAddSymbol
	CmdAddAction
)

var commands = map[string]Command{
	"CHECK":         CmdCheck,
	"SYMBOLS":       CmdSymbols,
	"REPORT":        CmdReport,
	"REPORT_IFSPAM": CmdReportIfSpam,
	"SKIP":          CmdSkip,
	"PING":          CmdPing,
	"PROCESS":       CmdProcess,
	"LEARN":         CmdLearn,
	"FUZZY_ADD":     CmdFuzzyAdd,
	"FUZZY_DEL":     CmdFuzzyDel,
	"STAT":          CmdStat,
	"STAT_RESET":    CmdStatReset,
	"COUNTERS":      CmdCounters,
	"UPTIME":        CmdUptime,
	"ADD_SYMBOL":    CmdAddSymbol,
	"ADD_ACTION":    CmdAddAction,
}

// needsMessage reports whether the command carries a message body that
// must be scanned or learned.
func (c Command) needsMessage() bool {
	switch c {
	case CmdCheck, CmdSymbols, CmdReport, CmdReportIfSpam, CmdSkip, CmdProcess,
		CmdLearn, CmdFuzzyAdd, CmdFuzzyDel:
		return true
	}
	return false
}

// Request is one parsed protocol request.
type Request struct {
	Cmd     Command
	CmdName string
	Spamc   bool
	Version string

	ContentLength int64
	Body          []byte

	// Envelope headers.
	IP        string
	From      string
	Rcpt      []string
	User      string
	Helo      string
	Hostname  string
	DeliverTo string
	Subject   string
	QueueID   string
	PassAll   bool

	// Learn / fuzzy options.
	Classifier string
	Flag       int32
	Value      int32

	// Remaining headers, canonicalized.
	Headers textproto.MIMEHeader
}

// ParseRequest reads one request: the banner line, the header block and
// the Content-Length-bound body. maxSize bounds the body; beyond it the
// request is rejected with a 413-equivalent.
func ParseRequest(r *bufio.Reader, maxSize int64) (*Request, error) {
	tp := textproto.NewReader(r)

	banner, err := tp.ReadLine()
	if err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, mgerror.Wrap(mgerror.KindProtocol, err, "cannot read request line")
	}

	fields := strings.Fields(banner)
	if len(fields) != 2 {
		return nil, mgerror.WithCode(mgerror.KindProtocol, 400, "malformed request line '%s'", banner)
	}

	req := &Request{CmdName: strings.ToUpper(fields[0])}

	proto, version, ok := strings.Cut(fields[1], "/")
	if !ok {
		return nil, mgerror.WithCode(mgerror.KindProtocol, 400, "malformed protocol banner '%s'", fields[1])
	}
	req.Version = version

	switch strings.ToUpper(proto) {
	case "RSPAMC":
	case "SPAMC":
		req.Spamc = true
	default:
		return nil, mgerror.WithCode(mgerror.KindProtocol, 400, "unknown protocol '%s'", proto)
	}

	cmd, ok := commands[req.CmdName]
	if !ok {
		return nil, mgerror.WithCode(mgerror.KindProtocol, 400, "unknown command '%s'", req.CmdName)
	}
	req.Cmd = cmd

	hdrs, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, mgerror.Wrap(mgerror.KindProtocol, err, "cannot read request headers")
	}
	req.Headers = hdrs

	if err := req.applyHeaders(); err != nil {
		return nil, err
	}

	if req.ContentLength > maxSize && maxSize > 0 {
		return nil, mgerror.WithCode(mgerror.KindProtocol, 413,
			"content too large: %d > %d", req.ContentLength, maxSize)
	}

	if req.Cmd.needsMessage() {
		if req.ContentLength <= 0 {
			return nil, mgerror.WithCode(mgerror.KindProtocol, 400,
				"command %s requires a message body", req.CmdName)
		}
		req.Body = make([]byte, req.ContentLength)
		if _, err := io.ReadFull(r, req.Body); err != nil {
			return nil, mgerror.Wrap(mgerror.KindProtocol, err, "short message body")
		}
	}

	return req, nil
}

func (req *Request) applyHeaders() error {
	for key, vals := range req.Headers {
		if len(vals) == 0 {
			continue
		}
		val := vals[0]

		switch key {
		case "Content-Length":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil || n < 0 {
				return mgerror.WithCode(mgerror.KindProtocol, 400, "bad Content-Length '%s'", val)
			}
			req.ContentLength = n
		case "Ip":
			req.IP = val
		case "From":
			req.From = val
		case "Rcpt":
			req.Rcpt = append(req.Rcpt, vals...)
		case "User":
			req.User = val
		case "Helo":
			req.Helo = val
		case "Hostname":
			req.Hostname = val
		case "Deliver-To":
			req.DeliverTo = val
		case "Subject":
			req.Subject = val
		case "Queue-Id":
			req.QueueID = val
		case "Pass":
			if strings.EqualFold(val, "all") {
				req.PassAll = true
			}
		case "Classifier":
			req.Classifier = val
		case "Flag":
			// non-integer values stay accessible through Headers
			if n, err := strconv.ParseInt(val, 10, 32); err == nil {
				req.Flag = int32(n)
			}
		case "Value":
			if n, err := strconv.ParseInt(val, 10, 32); err == nil {
				req.Value = int32(n)
			}
		}
	}

	return nil
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package proto

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/mailguard/mailguard/internal/mgerror"
	"github.com/mailguard/mailguard/internal/scan"
	"github.com/mailguard/mailguard/internal/task"
)

// writeBanner renders the reply status line in the dialect the request
// used.
func writeBanner(w io.Writer, req *Request, code int, message string) error {
	proto := "RSPAMD"
	if req != nil && req.Spamc {
		proto = "SPAMD"
		if message == "OK" {
			message = "EX_OK"
		}
	}

	version := "1.3"
	if req != nil && req.Version != "" {
		version = req.Version
	}

	_, err := fmt.Fprintf(w, "%s/%s %d %s\r\n", proto, version, code, message)
	return err
}

// WriteError renders a failed request: banner with the error code and
// an Error header carrying the kind and message.
func WriteError(w io.Writer, req *Request, err error) error {
	code := mgerror.CodeOf(err)
	if err := writeBanner(w, req, code, "error"); err != nil {
		return err
	}
	var msg string
	var me *mgerror.Error
	if errors.As(err, &me) {
		msg = fmt.Sprintf("%s: %s", me.Kind, me.Message)
	} else {
		msg = err.Error()
	}
	_, werr := fmt.Fprintf(w, "Error: %s\r\n\r\n", msg)
	return werr
}

// WriteReply renders a completed scan. CHECK never includes symbols,
// REPORT_IFSPAM includes them only for spam results, and every other
// command always includes them. Symbol descriptions are not rendered.
func WriteReply(w io.Writer, req *Request, tk *task.Task, act scan.Action) error {
	if err := writeBanner(w, req, 0, "OK"); err != nil {
		return err
	}

	mres := tk.Result
	required := mres.ActionLimits[scan.ActionReject]
	if math.IsNaN(required) {
		required = 0
	}

	spam := scan.IsSpam(act)
	if _, err := fmt.Fprintf(w, "Metric: %s; %s; %.2f / %.2f\r\n",
		mres.Metric.Name, boolStr(spam), mres.Score, required); err != nil {
		return err
	}

	withSymbols := req.Cmd != CmdCheck
	if req.Cmd == CmdReportIfSpam && !spam {
		withSymbols = false
	}

	if withSymbols {
		names := make([]string, 0, len(mres.Symbols))
		for name := range mres.Symbols {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			s := mres.Symbols[name]
			line := fmt.Sprintf("Symbol: %s(%.2f)", s.Name, s.Score)
			if len(s.Options) > 0 {
				line += ";" + strings.Join(s.Options, ",")
			}
			if _, err := fmt.Fprintf(w, "%s\r\n", line); err != nil {
				return err
			}
		}
	}

	if _, err := fmt.Fprintf(w, "Action: %s\r\n", act.String()); err != nil {
		return err
	}

	for name, val := range tk.ReplyHeaders {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", name, val); err != nil {
			return err
		}
	}

	if mres.PreResult != nil && mres.PreResult.Message != "" {
		if _, err := fmt.Fprintf(w, "Message: %s\r\n", mres.PreResult.Message); err != nil {
			return err
		}
	}

	if act == scan.ActionRewriteSubject && mres.Metric.Subject != "" {
		subject := strings.ReplaceAll(mres.Metric.Subject, "%s", tk.Subject)
		if _, err := fmt.Fprintf(w, "Subject: %s\r\n", subject); err != nil {
			return err
		}
	}

	_, err := io.WriteString(w, "\r\n")
	return err
}

// WriteSimple renders a body-less reply (PING, LEARN success, stats).
func WriteSimple(w io.Writer, req *Request, lines ...string) error {
	if err := writeBanner(w, req, 0, "OK"); err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := fmt.Fprintf(w, "%s\r\n", line); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

func boolStr(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package mgerror carries the error kinds shared by the protocol layer,
// the backends and the worker runtime. Every user-visible error has a
// stable kind plus a free-form message; both end up in the reply.
package mgerror

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy and reply rendering.
type Kind int

const (
	KindConfig Kind = iota
	KindProtocol
	KindNetwork
	KindUpstream
	KindBackend
	KindTimeout
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindProtocol:
		return "protocol"
	case KindNetwork:
		return "network"
	case KindUpstream:
		return "upstream"
	case KindBackend:
		return "backend"
	case KindTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Error is a kind-tagged error with an optional HTTP-like code used by
// the protocol reply (413 oversize, 403 forbidden, 404 not found).
type Error struct {
	Kind    Kind
	Code    int
	Message string
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New creates a kind-tagged error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithCode creates a kind-tagged error carrying a protocol code.
func WithCode(kind Kind, code int, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// KindOf extracts the kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindInternal
}

// CodeOf extracts the protocol code of err, defaulting to 500.
func CodeOf(err error) int {
	var me *Error
	if errors.As(err, &me) && me.Code != 0 {
		return me.Code
	}
	return 500
}

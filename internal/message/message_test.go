// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package message

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const plainMail = "From: Alice <alice@example.org>\r\n" +
	"To: bob@example.org\r\n" +
	"Subject: hello world\r\n" +
	"Received: from mx1.example.org by mx2.example.org; Mon, 02 Jan 2006 15:04:05 -0700\r\n" +
	"\r\n" +
	"Visit https://spam.example.com/offer now, really cheap pills\r\n"

const mimeMail = "From: alice@example.org\r\n" +
	"Subject: =?utf-8?q?encoded_subject?=\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=BOUND\r\n" +
	"\r\n" +
	"--BOUND\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"plain body words here\r\n" +
	"--BOUND\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<html><body><a href=\"http://evil.example.net/x\">click</a></body></html>\r\n" +
	"--BOUND--\r\n"

func TestParsePlain(t *testing.T) {
	msg, err := Parse([]byte(plainMail))
	require.NoError(t, err)

	assert.Equal(t, "hello world", msg.Subject)
	require.Len(t, msg.From, 1)
	assert.Equal(t, "alice@example.org", msg.From[0].Address)

	require.Len(t, msg.Parts, 1)
	assert.True(t, msg.Parts[0].IsText)
	assert.Contains(t, msg.Parts[0].Words, "cheap")
	assert.Contains(t, msg.Parts[0].Words, "pills")

	require.Len(t, msg.URLs, 1)
	assert.Equal(t, "spam.example.com", msg.URLs[0].Host)

	require.Len(t, msg.Received, 1)
	assert.Equal(t, "mx1.example.org", msg.Received[0].From)
	assert.Equal(t, "mx2.example.org", msg.Received[0].By)
	assert.False(t, msg.Received[0].Date.IsZero())
}

func TestParseMultipart(t *testing.T) {
	msg, err := Parse([]byte(mimeMail))
	require.NoError(t, err)

	assert.Equal(t, "encoded subject", msg.Subject)
	require.Len(t, msg.Parts, 2)
	assert.True(t, msg.Parts[1].IsHTML)

	// html tags are stripped before word extraction
	assert.Contains(t, msg.Parts[1].Words, "click")
	assert.NotContains(t, msg.Parts[1].Words, "body")

	require.Len(t, msg.URLs, 1)
	assert.Equal(t, "evil.example.net", msg.URLs[0].Host)
}

func TestHeaderLookupIsCaseInsensitive(t *testing.T) {
	msg, err := Parse([]byte(plainMail))
	require.NoError(t, err)

	assert.Equal(t, "hello world", msg.Header("subject"))
	assert.Len(t, msg.HeaderValues("RECEIVED"), 1)
}

func TestNormalizeWords(t *testing.T) {
	words := NormalizeWords("The Quick, brown FOX!! a an it jumped")
	assert.Equal(t, []string{"the", "quick", "brown", "fox", "jumped"}, words)
}

func TestTextPartsFiltersBinary(t *testing.T) {
	raw := strings.Replace(mimeMail, "text/html", "image/png", 1)
	msg, err := Parse([]byte(raw))
	require.NoError(t, err)

	assert.Len(t, msg.TextParts(), 1)
	require.Len(t, msg.Images, 1)
	assert.Equal(t, "image/png", msg.Images[0].ContentType)
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package message parses an RFC 5322 message once into the immutable
// structures the pipeline works on: headers, addresses, MIME parts,
// URLs, images and received chains. The MIME machinery itself comes
// from the standard library.
package message

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strings"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// Header is one raw message header in original order.
type Header struct {
	Name  string
	Value string
}

// Part is one decoded MIME leaf part.
type Part struct {
	ContentType string
	Charset     string
	Filename    string
	Content     []byte

	IsText bool
	IsHTML bool

	// Words is the normalized word list of text parts, used by the
	// statistics tokenizers.
	Words []string
}

// Image is an attached image, kept as metadata only.
type Image struct {
	Filename    string
	ContentType string
	Size        int
}

// URL is one URL extracted from text or HTML parts.
type URL struct {
	Raw  string
	Host string
}

// Received is one parsed Received header hop.
type Received struct {
	From string
	By   string
	Date time.Time
}

// Message is the parsed-once view of a scanned mail. Immutable after
// Parse.
type Message struct {
	Raw []byte

	Headers   []Header
	headerIdx map[string][]string

	Subject string
	From    []*mail.Address
	To      []*mail.Address
	Cc      []*mail.Address

	Parts    []*Part
	Images   []*Image
	URLs     []*URL
	Received []Received
}

var (
	urlRe          = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"')\]]+`)
	receivedFromRe = regexp.MustCompile(`(?i)from\s+([^\s;]+)`)
	receivedByRe   = regexp.MustCompile(`(?i)by\s+([^\s;]+)`)
)

// Parse reads the full message. A message without MIME structure is
// treated as a single text part.
func Parse(raw []byte) (*Message, error) {
	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("cannot parse message headers: %w", err)
	}

	msg := &Message{
		Raw:       raw,
		headerIdx: make(map[string][]string),
	}

	msg.collectHeaders(raw)
	msg.Subject = decodeHeader(m.Header.Get("Subject"))
	msg.From = parseAddressList(m.Header.Get("From"))
	msg.To = parseAddressList(m.Header.Get("To"))
	msg.Cc = parseAddressList(m.Header.Get("Cc"))
	msg.parseReceived()

	contentType := m.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	if err := msg.walkPart(m.Body, contentType, m.Header.Get("Content-Transfer-Encoding"), ""); err != nil {
		// broken MIME is not fatal: scan what was decoded so far
		cclog.Debugf("message: partial MIME parse: %v", err)
	}

	for _, p := range msg.Parts {
		if p.IsText {
			msg.extractURLs(p)
			p.Words = NormalizeWords(textContent(p))
		}
	}

	return msg, nil
}

// HeaderValues returns all values of name, case-insensitively.
func (msg *Message) HeaderValues(name string) []string {
	return msg.headerIdx[strings.ToLower(name)]
}

// Header returns the first value of name, or "".
func (msg *Message) Header(name string) string {
	if vals := msg.headerIdx[strings.ToLower(name)]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// TextParts returns the text leaf parts in message order.
func (msg *Message) TextParts() []*Part {
	out := make([]*Part, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		if p.IsText {
			out = append(out, p)
		}
	}
	return out
}

func (msg *Message) collectHeaders(raw []byte) {
	rd := bufio.NewReader(bytes.NewReader(raw))
	var last *Header

	for {
		line, err := rd.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" || err != nil {
			break
		}

		if (line[0] == ' ' || line[0] == '\t') && last != nil {
			last.Value += " " + strings.TrimSpace(trimmed)
			msg.headerIdx[strings.ToLower(last.Name)][len(msg.headerIdx[strings.ToLower(last.Name)])-1] = last.Value
			continue
		}

		name, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}

		msg.Headers = append(msg.Headers, Header{Name: name, Value: strings.TrimSpace(value)})
		last = &msg.Headers[len(msg.Headers)-1]
		key := strings.ToLower(name)
		msg.headerIdx[key] = append(msg.headerIdx[key], last.Value)
	}
}

func (msg *Message) parseReceived() {
	for _, v := range msg.HeaderValues("Received") {
		rcvd := Received{}
		if m := receivedFromRe.FindStringSubmatch(v); m != nil {
			rcvd.From = m[1]
		}
		if m := receivedByRe.FindStringSubmatch(v); m != nil {
			rcvd.By = m[1]
		}
		if idx := strings.LastIndex(v, ";"); idx >= 0 {
			if ts, err := mail.ParseDate(strings.TrimSpace(v[idx+1:])); err == nil {
				rcvd.Date = ts
			}
		}
		msg.Received = append(msg.Received, rcvd)
	}
}

func (msg *Message) walkPart(body io.Reader, contentType, cte, filename string) error {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
		params = nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return fmt.Errorf("multipart without boundary")
		}

		mr := multipart.NewReader(body, boundary)
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("cannot read multipart: %w", err)
			}

			ct := part.Header.Get("Content-Type")
			if ct == "" {
				ct = "text/plain"
			}
			if err := msg.walkPart(part, ct,
				part.Header.Get("Content-Transfer-Encoding"), part.FileName()); err != nil {
				return err
			}
		}
	}

	content, err := decodeBody(body, cte)
	if err != nil {
		return err
	}

	p := &Part{
		ContentType: mediaType,
		Charset:     params["charset"],
		Filename:    filename,
		Content:     content,
	}
	p.IsHTML = mediaType == "text/html"
	p.IsText = p.IsHTML || strings.HasPrefix(mediaType, "text/") || mediaType == "message/rfc822"
	msg.Parts = append(msg.Parts, p)

	if strings.HasPrefix(mediaType, "image/") {
		msg.Images = append(msg.Images, &Image{
			Filename:    filename,
			ContentType: mediaType,
			Size:        len(content),
		})
	}

	return nil
}

func decodeBody(body io.Reader, cte string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "base64":
		body = base64.NewDecoder(base64.StdEncoding, newLineFilter(body))
	case "quoted-printable":
		body = quotedprintable.NewReader(body)
	}

	content, err := io.ReadAll(body)
	if err != nil {
		return content, fmt.Errorf("cannot decode part body: %w", err)
	}
	return content, nil
}

func (msg *Message) extractURLs(p *Part) {
	seen := make(map[string]struct{}, 8)
	for _, u := range msg.URLs {
		seen[u.Raw] = struct{}{}
	}

	for _, raw := range urlRe.FindAllString(string(p.Content), -1) {
		raw = strings.TrimRight(raw, ".,;")
		if _, ok := seen[raw]; ok {
			continue
		}
		seen[raw] = struct{}{}

		host := raw
		if idx := strings.Index(host, "://"); idx >= 0 {
			host = host[idx+3:]
		}
		if idx := strings.IndexAny(host, "/?#"); idx >= 0 {
			host = host[:idx]
		}
		if idx := strings.IndexByte(host, '@'); idx >= 0 {
			host = host[idx+1:]
		}
		if idx := strings.IndexByte(host, ':'); idx >= 0 {
			host = host[:idx]
		}

		msg.URLs = append(msg.URLs, &URL{Raw: raw, Host: strings.ToLower(host)})
	}
}

var tagRe = regexp.MustCompile(`(?s)<[^>]*>`)

func textContent(p *Part) string {
	s := string(p.Content)
	if p.IsHTML {
		s = tagRe.ReplaceAllString(s, " ")
	}
	return s
}

var wordRe = regexp.MustCompile(`[\pL\pN]+`)

// NormalizeWords lowercases and splits text into the word list consumed
// by the tokenizers. Words shorter than three runes are skipped.
func NormalizeWords(text string) []string {
	words := wordRe.FindAllString(strings.ToLower(text), -1)
	out := words[:0]
	for _, w := range words {
		if len([]rune(w)) >= 3 {
			out = append(out, w)
		}
	}
	return out
}

func parseAddressList(v string) []*mail.Address {
	if v == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(v)
	if err != nil {
		return nil
	}
	return addrs
}

func decodeHeader(v string) string {
	dec := &mime.WordDecoder{}
	out, err := dec.DecodeHeader(v)
	if err != nil {
		return v
	}
	return out
}

// newLineFilter strips CR/LF so base64 bodies with folded lines decode.
func newLineFilter(r io.Reader) io.Reader {
	return &lineFilter{r: r}
}

type lineFilter struct {
	r io.Reader
}

func (lf *lineFilter) Read(p []byte) (int, error) {
	n, err := lf.r.Read(p)
	out := 0
	for i := range n {
		if p[i] == '\r' || p[i] == '\n' {
			continue
		}
		p[out] = p[i]
		out++
	}
	return out, err
}

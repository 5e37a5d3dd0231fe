// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fuzzy

import (
	"context"
	"net"
	"time"

	"github.com/mailguard/mailguard/internal/mgerror"
	"github.com/mailguard/mailguard/internal/upstream"
)

// Client queries remote fuzzy storage servers over UDP. Server
// selection hashes on the digest so one digest keeps hitting one
// server; failures feed the upstream accounting.
type Client struct {
	ups     *upstream.Pool
	timeout time.Duration
	tag     uint64
}

const defaultFuzzyPort = 11335

// NewClient builds a client over a server list ("host[:port],…").
func NewClient(servers string, timeout time.Duration) (*Client, error) {
	ups := upstream.New()
	if err := ups.AddList(servers, defaultFuzzyPort); err != nil {
		return nil, mgerror.Wrap(mgerror.KindConfig, err, "fuzzy client: bad server list '%s'", servers)
	}

	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{ups: ups, timeout: timeout}, nil
}

// Check queries a digest, with shingle voting when shingles are given.
func (c *Client) Check(ctx context.Context, digest [DigestSize]byte, shingles *[ShingleSize]uint64) (*Reply, error) {
	cmd := &Cmd{Version: ProtoVersion, Cmd: OpCheck, Digest: digest}
	if shingles != nil {
		cmd.ShinglesCount = ShingleSize
		cmd.Shingles = *shingles
	}
	return c.exchange(ctx, cmd)
}

// Write stores a digest with flag and value weight.
func (c *Client) Write(ctx context.Context, digest [DigestSize]byte, shingles *[ShingleSize]uint64, flag, value int32) (*Reply, error) {
	cmd := &Cmd{Version: ProtoVersion, Cmd: OpWrite, Digest: digest, Flag: flag, Value: value}
	if shingles != nil {
		cmd.ShinglesCount = ShingleSize
		cmd.Shingles = *shingles
	}
	return c.exchange(ctx, cmd)
}

// Delete removes a digest.
func (c *Client) Delete(ctx context.Context, digest [DigestSize]byte, flag int32) (*Reply, error) {
	return c.exchange(ctx, &Cmd{Version: ProtoVersion, Cmd: OpDelete, Digest: digest, Flag: flag})
}

func (c *Client) exchange(ctx context.Context, cmd *Cmd) (*Reply, error) {
	up, err := c.ups.Get(upstream.StrategyHash, cmd.Digest[:])
	if err != nil {
		return nil, mgerror.Wrap(mgerror.KindUpstream, err, "fuzzy client")
	}

	c.tag++
	cmd.Tag = c.tag

	conn, err := net.Dial("udp", up.String())
	if err != nil {
		c.ups.Fail(up, err)
		return nil, mgerror.Wrap(mgerror.KindNetwork, err, "fuzzy client: cannot reach %s", up.String())
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write(cmd.Encode()); err != nil {
		c.ups.Fail(up, err)
		return nil, mgerror.Wrap(mgerror.KindNetwork, err, "fuzzy client: send to %s", up.String())
	}

	buf := make([]byte, ReplySize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			c.ups.Fail(up, err)
			return nil, mgerror.Wrap(mgerror.KindTimeout, err, "fuzzy client: no reply from %s", up.String())
		}

		rep, err := DecodeReply(buf[:n])
		if err != nil {
			continue // stray datagram
		}
		if rep.Tag != cmd.Tag {
			continue
		}

		c.ups.Ok(up)
		return rep, nil
	}
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fuzzy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// Config is the "fuzzy" subtree of the configuration file.
type Config struct {
	Listen      string          `json:"listen"`
	Expire      int64           `json:"expire"`       // seconds
	SyncTimeout string          `json:"sync-timeout"` // jittered interval
	UpdateIPs   []string        `json:"update-ips"`
	Backend     json.RawMessage `json:"backend"`
	Replication json.RawMessage `json:"replication"`
}

var Keys Config = Config{
	Listen:      "127.0.0.1:11335",
	Expire:      172800,
	SyncTimeout: "60s",
}

// Init decodes the fuzzy config subtree.
func Init(rawConfig json.RawMessage) {
	if rawConfig == nil {
		return
	}

	dec := json.NewDecoder(bytes.NewReader(rawConfig))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		cclog.Abortf("Fuzzy Init: Could not decode config.\nError: %s\n", err.Error())
	}
}

// Stats are the storage counters, bucketed by protocol epoch where the
// original protocol did so. Single-writer updates from the worker loop;
// the controller reads them atomically.
type Stats struct {
	Checked [epochMax]atomic.Uint64
	Found   [epochMax]atomic.Uint64
	Invalid atomic.Uint64
	Expired atomic.Uint64
	Hashes  atomic.Int64
}

// Storage processes fuzzy commands against a backend, independent of
// the UDP socket so it can be driven directly in tests.
type Storage struct {
	backend   Backend
	expire    time.Duration
	updateIPs []netip.Prefix
	stats     Stats

	// onUpdate fans accepted writes and deletes out to mirrors.
	onUpdate func(cmd *Cmd)
}

// NewStorage wires a storage core around backend. updateIPs lists the
// networks allowed to write and delete.
func NewStorage(backend Backend, expire time.Duration, updateIPs []string) (*Storage, error) {
	s := &Storage{backend: backend, expire: expire}

	for _, cidr := range updateIPs {
		p, err := parsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("fuzzy: bad update-ips entry '%s': %w", cidr, err)
		}
		s.updateIPs = append(s.updateIPs, p)
	}

	return s, nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Stats exposes the storage counters.
func (s *Storage) Stats() *Stats { return &s.stats }

// Backend exposes the wired backend.
func (s *Storage) Backend() Backend { return s.backend }

// OnUpdate installs the replication hook for accepted updates.
func (s *Storage) OnUpdate(fn func(cmd *Cmd)) { s.onUpdate = fn }

// allowedUpdate gates privileged commands by source address. An empty
// list denies all updates.
func (s *Storage) allowedUpdate(peer netip.Addr) bool {
	for _, p := range s.updateIPs {
		if p.Contains(peer.Unmap()) {
			return true
		}
	}
	return false
}

// ProcessDatagram parses one datagram and returns the serialized reply,
// or nil for packets that are dropped silently.
func (s *Storage) ProcessDatagram(ctx context.Context, buf []byte, peer netip.Addr) []byte {
	cmd, err := DecodeCmd(buf)
	if err != nil {
		s.stats.Invalid.Add(1)
		cclog.Debugf("fuzzy: %v", err)
		return nil
	}

	rep := s.processCmd(ctx, cmd, peer)
	rep.Tag = cmd.Tag

	if cmd.Legacy {
		return encodeLegacyReply(cmd, rep)
	}
	return rep.Encode()
}

func (s *Storage) processCmd(ctx context.Context, cmd *Cmd, peer netip.Addr) Reply {
	if cmd.Cmd == OpCheck {
		rep, err := s.backend.Check(ctx, cmd, s.expire)
		if err != nil {
			cclog.Errorf("fuzzy %s: check failed: %v", s.backend.ID(), err)
			return Reply{Value: 500}
		}

		s.stats.Checked[cmd.Epoch].Add(1)
		if rep.Prob > 0.5 {
			s.stats.Found[cmd.Epoch].Add(1)
		}
		return rep
	}

	rep := Reply{Flag: cmd.Flag}

	if !s.allowedUpdate(peer) {
		rep.Value = 403
		return rep
	}

	if cmd.Source == "" && peer.IsValid() {
		cmd.Source = peer.Unmap().String()
	}

	var err error
	if cmd.Cmd == OpWrite {
		err = s.backend.Add(ctx, cmd, s.expire)
	} else {
		err = s.backend.Delete(ctx, cmd)
	}

	if err != nil {
		cclog.Errorf("fuzzy %s: update failed: %v", s.backend.ID(), err)
		rep.Value = 404
		return rep
	}

	rep.Value = 0
	rep.Prob = 1.0

	if s.onUpdate != nil {
		s.onUpdate(cmd)
	}

	if count, err := s.backend.Count(ctx); err == nil {
		s.stats.Hashes.Store(count)
	}

	return rep
}

// Sync runs one periodic backend sync, folding expired entries into the
// stats.
func (s *Storage) Sync(ctx context.Context) error {
	expired, err := s.backend.Sync(ctx, s.expire)
	if err != nil {
		return fmt.Errorf("fuzzy %s: sync failed: %w", s.backend.ID(), err)
	}

	s.stats.Expired.Add(uint64(expired))
	cclog.Debugf("fuzzy %s: sync done, %d hashes expired", s.backend.ID(), expired)
	return nil
}

// encodeLegacyReply renders the text form of the reply for legacy
// clients.
func encodeLegacyReply(cmd *Cmd, rep Reply) []byte {
	if rep.Prob > 0.5 {
		if cmd.Cmd == OpCheck {
			return fmt.Appendf(nil, "OK %d %d\r\n", rep.Value, rep.Flag)
		}
		return []byte("OK\r\n")
	}
	return []byte("ERR\r\n")
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fuzzy

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/nats-io/nats.go"
)

// ReplicationConfig is the "fuzzy.replication" subtree. Accepted writes
// and deletes fan out over NATS to mirror instances; mirrors apply them
// through their own backend, bypassing the update-ips gate.
type ReplicationConfig struct {
	Address  string `json:"address"`
	Username string `json:"username"`
	Password string `json:"password"`

	// SubjectPrefix defaults to "fuzzy.updates".
	SubjectPrefix string `json:"subject-prefix"`

	// Mirror subscribes to the peers' update stream and applies it.
	Mirror bool `json:"mirror"`
}

type wireUpdate struct {
	Cmd      uint8    `json:"cmd"`
	Flag     int32    `json:"flag"`
	Value    int32    `json:"value"`
	Digest   string   `json:"digest"`
	Shingles []uint64 `json:"shingles,omitempty"`
	Source   string   `json:"source"`
}

// Replicator connects the storage to the NATS update stream.
type Replicator struct {
	conn    *nats.Conn
	subject string
	sub     *nats.Subscription
}

// NewReplicator connects to NATS and, in mirror mode, subscribes the
// storage to the shared update subject.
func NewReplicator(rawConfig json.RawMessage, storage *Storage, expire time.Duration) (*Replicator, error) {
	var cfg ReplicationConfig

	dec := json.NewDecoder(bytes.NewReader(rawConfig))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("cannot decode fuzzy replication config: %w", err)
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("fuzzy replication: no address configured")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "fuzzy.updates"
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("fuzzy replication: cannot connect to NATS at %s: %w", cfg.Address, err)
	}

	r := &Replicator{
		conn:    conn,
		subject: cfg.SubjectPrefix + "." + storage.Backend().ID(),
	}

	storage.OnUpdate(r.publish)

	if cfg.Mirror {
		r.sub, err = conn.Subscribe(r.subject, func(msg *nats.Msg) {
			r.apply(storage, expire, msg.Data)
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("fuzzy replication: cannot subscribe: %w", err)
		}
		cclog.Infof("fuzzy replication: mirroring %s", r.subject)
	}

	cclog.Infof("fuzzy replication: connected to %s", cfg.Address)
	return r, nil
}

func (r *Replicator) publish(cmd *Cmd) {
	u := wireUpdate{
		Cmd:    cmd.Cmd,
		Flag:   cmd.Flag,
		Value:  cmd.Value,
		Digest: hex.EncodeToString(cmd.Digest[:]),
		Source: cmd.Source,
	}
	if cmd.ShinglesCount > 0 {
		u.Shingles = cmd.Shingles[:cmd.ShinglesCount]
	}

	data, err := json.Marshal(u)
	if err != nil {
		cclog.Errorf("fuzzy replication: cannot encode update: %v", err)
		return
	}

	if err := r.conn.Publish(r.subject, data); err != nil {
		cclog.Errorf("fuzzy replication: publish failed: %v", err)
	}
}

func (r *Replicator) apply(storage *Storage, expire time.Duration, data []byte) {
	var u wireUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		cclog.Errorf("fuzzy replication: cannot decode update: %v", err)
		return
	}

	cmd := &Cmd{
		Version: ProtoVersion,
		Cmd:     u.Cmd,
		Flag:    u.Flag,
		Value:   u.Value,
		Source:  u.Source,
		Epoch:   Epoch9,
	}
	digest, err := hex.DecodeString(u.Digest)
	if err != nil || len(digest) != DigestSize {
		cclog.Errorf("fuzzy replication: bad digest in update")
		return
	}
	copy(cmd.Digest[:], digest)
	cmd.ShinglesCount = uint8(copy(cmd.Shingles[:], u.Shingles))

	ctx := context.Background()
	switch u.Cmd {
	case OpWrite:
		err = storage.Backend().Add(ctx, cmd, expire)
	case OpDelete:
		err = storage.Backend().Delete(ctx, cmd)
	default:
		return
	}
	if err != nil {
		cclog.Errorf("fuzzy replication: cannot apply update: %v", err)
	}
}

// Close drains the subscription and the connection.
func (r *Replicator) Close() {
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
	r.conn.Close()
}

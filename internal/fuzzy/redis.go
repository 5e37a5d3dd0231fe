// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fuzzy

import (
	"bytes"
	"context"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"

	"github.com/mailguard/mailguard/internal/mgerror"
	"github.com/mailguard/mailguard/internal/redispool"
	"github.com/mailguard/mailguard/internal/upstream"
)

// RedisConfig is the "fuzzy.backend" subtree.
type RedisConfig struct {
	Servers  string `json:"servers"`
	DB       int    `json:"db"`
	Password string `json:"password"`
	Prefix   string `json:"prefix"`
}

// RedisBackend stores fuzzy records in redis:
//
//	<prefix><digest>              hash {F: flag, V: value}, TTL expire
//	<prefix>_<i>_<shingle>        string digest, TTL expire
//	<prefix>_count                total hash counter
//	<prefix><source>              per-source learn counter
type RedisBackend struct {
	pool *redispool.Pool
	ups  *upstream.Pool
	cfg  RedisConfig
	id   string
}

const defaultRedisPort = 6379

// NewRedisBackend wires the backend over the shared connection pool.
func NewRedisBackend(rawConfig json.RawMessage, pool *redispool.Pool) (*RedisBackend, error) {
	cfg := RedisConfig{Prefix: "fuzzy"}

	dec := json.NewDecoder(bytes.NewReader(rawConfig))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, mgerror.Wrap(mgerror.KindConfig, err, "cannot decode fuzzy redis backend config")
	}

	ups := upstream.New()
	if err := ups.AddList(cfg.Servers, defaultRedisPort); err != nil {
		return nil, mgerror.Wrap(mgerror.KindConfig, err, "cannot parse fuzzy redis servers '%s'", cfg.Servers)
	}

	// public id disambiguates instances sharing one log stream
	h, _ := blake2b.New256(nil)
	h.Write([]byte(cfg.Prefix))
	h.Write([]byte(strconv.Itoa(cfg.DB)))
	h.Write([]byte(cfg.Password))
	id := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(h.Sum(nil))

	b := &RedisBackend{
		pool: pool,
		ups:  ups,
		cfg:  cfg,
		id:   id[:16],
	}

	cclog.Infof("fuzzy redis backend %s: %d servers, prefix '%s'", b.id, ups.Count(), cfg.Prefix)
	return b, nil
}

func (b *RedisBackend) ID() string { return b.id }

func (b *RedisBackend) digestKey(cmd *Cmd) string {
	return b.cfg.Prefix + string(cmd.Digest[:])
}

func (b *RedisBackend) shingleKey(i int, shingle uint64) string {
	return fmt.Sprintf("%s_%d_%d", b.cfg.Prefix, i, shingle)
}

// conn checks a pooled connection out for one exchange. Writes prefer
// the highest-weight upstream; reads hash on the digest so one digest
// keeps hitting one server.
func (b *RedisBackend) conn(ctx context.Context, strategy upstream.Strategy, key []byte) (*redispool.Conn, *upstream.Upstream, error) {
	up, err := b.ups.Get(strategy, key)
	if err != nil {
		return nil, nil, mgerror.Wrap(mgerror.KindUpstream, err, "fuzzy redis %s", b.id)
	}

	conn, err := b.pool.Connect(ctx, redispool.Endpoint{
		Addr:     up.String(),
		DB:       b.cfg.DB,
		Password: b.cfg.Password,
	})
	if err != nil {
		b.ups.Fail(up, err)
		return nil, nil, err
	}

	return conn, up, nil
}

func (b *RedisBackend) Check(ctx context.Context, cmd *Cmd, expire time.Duration) (Reply, error) {
	conn, up, err := b.conn(ctx, upstream.StrategyHash, cmd.Digest[:])
	if err != nil {
		return Reply{}, err
	}

	rep, err := b.checkConn(ctx, conn, cmd)
	if err != nil {
		b.ups.Fail(up, err)
		b.pool.Release(conn, true)
		return Reply{}, mgerror.Wrap(mgerror.KindBackend, err, "fuzzy redis %s: check", b.id)
	}

	b.ups.Ok(up)
	b.pool.Release(conn, false)
	return rep, nil
}

func (b *RedisBackend) checkConn(ctx context.Context, conn *redispool.Conn, cmd *Cmd) (Reply, error) {
	rep, found, err := b.fetchDigest(ctx, conn, b.digestKey(cmd))
	if err != nil {
		return Reply{}, err
	}
	if found {
		rep.Prob = 1.0
		return rep, nil
	}

	if cmd.ShinglesCount == 0 {
		return Reply{}, nil
	}

	keys := make([]string, cmd.ShinglesCount)
	for i := range int(cmd.ShinglesCount) {
		keys[i] = b.shingleKey(i, cmd.Shingles[i])
	}

	vals, err := conn.MGet(ctx, keys...).Result()
	if err != nil {
		return Reply{}, err
	}

	votes := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok && len(s) == DigestSize {
			votes = append(votes, s)
		}
	}
	if len(votes) <= shingleQuorum {
		return Reply{}, nil
	}

	sort.Strings(votes)
	best, bestRun := votes[0], 0
	curRun := 1
	for i := 1; i <= len(votes); i++ {
		if i < len(votes) && votes[i] == votes[i-1] {
			curRun++
			continue
		}
		if curRun > bestRun {
			bestRun = curRun
			best = votes[i-1]
		}
		curRun = 1
	}
	if bestRun <= shingleQuorum {
		return Reply{}, nil
	}

	rep, found, err = b.fetchDigest(ctx, conn, b.cfg.Prefix+best)
	if err != nil || !found {
		return Reply{}, err
	}

	rep.Prob = float32(bestRun) / float32(cmd.ShinglesCount)
	return rep, nil
}

func (b *RedisBackend) fetchDigest(ctx context.Context, conn *redispool.Conn, key string) (Reply, bool, error) {
	vals, err := conn.HMGet(ctx, key, "V", "F").Result()
	if err != nil {
		return Reply{}, false, err
	}

	var rep Reply
	found := false
	if s, ok := vals[0].(string); ok {
		if v, err := strconv.ParseInt(s, 10, 32); err == nil {
			rep.Value = int32(v)
			found = true
		}
	}
	if s, ok := vals[1].(string); ok {
		if f, err := strconv.ParseInt(s, 10, 32); err == nil {
			rep.Flag = int32(f)
		}
	}

	return rep, found, nil
}

func (b *RedisBackend) Add(ctx context.Context, cmd *Cmd, expire time.Duration) error {
	conn, up, err := b.conn(ctx, upstream.StrategyMasterSlave, nil)
	if err != nil {
		return err
	}

	key := b.digestKey(cmd)
	_, err = conn.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "F", cmd.Flag)
		pipe.HIncrBy(ctx, key, "V", int64(cmd.Value))
		pipe.Expire(ctx, key, expire)
		pipe.Incr(ctx, b.cfg.Prefix+"_count")

		for i := range int(cmd.ShinglesCount) {
			pipe.SetEx(ctx, b.shingleKey(i, cmd.Shingles[i]), string(cmd.Digest[:]), expire)
		}

		if cmd.Source != "" {
			pipe.Incr(ctx, b.cfg.Prefix+cmd.Source)
		}
		return nil
	})

	if err != nil {
		b.ups.Fail(up, err)
		b.pool.Release(conn, true)
		return mgerror.Wrap(mgerror.KindBackend, err, "fuzzy redis %s: add", b.id)
	}

	b.ups.Ok(up)
	b.pool.Release(conn, false)
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, cmd *Cmd) error {
	conn, up, err := b.conn(ctx, upstream.StrategyMasterSlave, nil)
	if err != nil {
		return err
	}

	key := b.digestKey(cmd)
	_, err = conn.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.Decr(ctx, b.cfg.Prefix+"_count")

		for i := range ShingleSize {
			pipe.Del(ctx, b.shingleKey(i, cmd.Shingles[i]))
		}

		if cmd.Source != "" {
			pipe.Incr(ctx, b.cfg.Prefix+cmd.Source)
		}
		return nil
	})

	if err != nil {
		b.ups.Fail(up, err)
		b.pool.Release(conn, true)
		return mgerror.Wrap(mgerror.KindBackend, err, "fuzzy redis %s: delete", b.id)
	}

	b.ups.Ok(up)
	b.pool.Release(conn, false)
	return nil
}

func (b *RedisBackend) Count(ctx context.Context) (int64, error) {
	conn, up, err := b.conn(ctx, upstream.StrategyRoundRobin, nil)
	if err != nil {
		return 0, err
	}

	val, err := conn.Get(ctx, b.cfg.Prefix+"_count").Result()
	if err == redis.Nil {
		b.ups.Ok(up)
		b.pool.Release(conn, false)
		return 0, nil
	}
	if err != nil {
		b.ups.Fail(up, err)
		b.pool.Release(conn, true)
		return 0, mgerror.Wrap(mgerror.KindBackend, err, "fuzzy redis %s: count", b.id)
	}

	b.ups.Ok(up)
	b.pool.Release(conn, false)

	n, _ := strconv.ParseInt(val, 10, 64)
	return n, nil
}

// Sync is a no-op for redis: records carry TTLs and expire server-side.
func (b *RedisBackend) Sync(ctx context.Context, expire time.Duration) (int64, error) {
	return 0, nil
}

func (b *RedisBackend) Close() error { return nil }

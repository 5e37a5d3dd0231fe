// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stat

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/mailguard/mailguard/internal/mgerror"
	"github.com/mailguard/mailguard/internal/redispool"
)

// RedisBackend keeps statfiles in redis:
//
//	<statfile>          hash token -> count
//	<statfile>_learns   learn counter
//
// It shares the worker's connection pool with the fuzzy backend.
type RedisBackend struct {
	pool *redispool.Pool
	ep   redispool.Endpoint
}

// NewRedisStatBackend wires a statfile backend over the shared pool.
func NewRedisStatBackend(pool *redispool.Pool, ep redispool.Endpoint) *RedisBackend {
	return &RedisBackend{pool: pool, ep: ep}
}

func (b *RedisBackend) exchange(ctx context.Context, fn func(conn *redispool.Conn) error) error {
	conn, err := b.pool.Connect(ctx, b.ep)
	if err != nil {
		return err
	}

	if err := fn(conn); err != nil {
		b.pool.Release(conn, true)
		return err
	}

	b.pool.Release(conn, false)
	return nil
}

func (b *RedisBackend) ProcessTokens(ctx context.Context, statfile string, tokens []*Token, slot int) error {
	fields := make([]string, len(tokens))
	for i, t := range tokens {
		fields[i] = strconv.FormatUint(t.Hash, 10)
	}

	return b.exchange(ctx, func(conn *redispool.Conn) error {
		vals, err := conn.HMGet(ctx, statfile, fields...).Result()
		if err != nil {
			return mgerror.Wrap(mgerror.KindBackend, err, "statfile %s: token lookup failed", statfile)
		}

		for i, v := range vals {
			if s, ok := v.(string); ok {
				if n, err := strconv.ParseUint(s, 10, 64); err == nil {
					tokens[i].Counts[slot] = n
				}
			}
		}
		return nil
	})
}

func (b *RedisBackend) LearnTokens(ctx context.Context, statfile string, tokens []*Token, delta int64) error {
	return b.exchange(ctx, func(conn *redispool.Conn) error {
		_, err := conn.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, t := range tokens {
				pipe.HIncrBy(ctx, statfile, strconv.FormatUint(t.Hash, 10), delta)
			}
			return nil
		})
		if err != nil {
			return mgerror.Wrap(mgerror.KindBackend, err, "statfile %s: learn failed", statfile)
		}
		return nil
	})
}

func (b *RedisBackend) IncLearns(ctx context.Context, statfile string) error {
	return b.exchange(ctx, func(conn *redispool.Conn) error {
		return conn.Incr(ctx, statfile+"_learns").Err()
	})
}

func (b *RedisBackend) DecLearns(ctx context.Context, statfile string) error {
	return b.exchange(ctx, func(conn *redispool.Conn) error {
		return conn.Decr(ctx, statfile+"_learns").Err()
	})
}

func (b *RedisBackend) FinalizeLearn(ctx context.Context, statfile string) error { return nil }

func (b *RedisBackend) TotalLearns(ctx context.Context, statfile string) (uint64, error) {
	var learns uint64

	err := b.exchange(ctx, func(conn *redispool.Conn) error {
		val, err := conn.Get(ctx, statfile+"_learns").Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return mgerror.Wrap(mgerror.KindBackend, err, "statfile %s: learns lookup failed", statfile)
		}
		learns, _ = strconv.ParseUint(val, 10, 64)
		return nil
	})

	return learns, err
}

func (b *RedisBackend) Close() error { return nil }

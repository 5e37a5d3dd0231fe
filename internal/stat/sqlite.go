// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mailguard/mailguard/internal/mgerror"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS statfiles (
	name   TEXT PRIMARY KEY,
	learns INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS tokens (
	statfile TEXT    NOT NULL,
	token    INTEGER NOT NULL,
	count    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (statfile, token)
) WITHOUT ROWID;
`

// SqliteBackend persists statfiles in a single sqlite database. Learn
// batches run in one transaction committed by FinalizeLearn.
type SqliteBackend struct {
	db *sqlx.DB
	tx *sqlx.Tx
}

// NewSqliteBackend opens (and if needed bootstraps) the database file.
func NewSqliteBackend(path string) (*SqliteBackend, error) {
	db, err := sqlx.Open("sqlite3", fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL", path))
	if err != nil {
		return nil, mgerror.Wrap(mgerror.KindBackend, err, "cannot open statfile db '%s'", path)
	}

	// sqlite does not multithread; more connections would only wait on
	// locks
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, mgerror.Wrap(mgerror.KindBackend, err, "cannot init statfile schema in '%s'", path)
	}

	cclog.Infof("statfile sqlite backend: opened %s", path)
	return &SqliteBackend{db: db}, nil
}

func (b *SqliteBackend) ProcessTokens(ctx context.Context, statfile string, tokens []*Token, slot int) error {
	// token hashes are stored as int64; the sign bit round-trips
	hashes := make([]any, len(tokens))
	byHash := make(map[int64]*Token, len(tokens))
	for i, t := range tokens {
		hashes[i] = int64(t.Hash)
		byHash[int64(t.Hash)] = t
	}

	query, args, err := sq.Select("token", "count").
		From("tokens").
		Where(sq.Eq{"statfile": statfile}).
		Where(sq.Eq{"token": hashes}).
		ToSql()
	if err != nil {
		return mgerror.Wrap(mgerror.KindInternal, err, "statfile %s: cannot build token query", statfile)
	}

	rows, err := b.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return mgerror.Wrap(mgerror.KindBackend, err, "statfile %s: token lookup failed", statfile)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			hash  int64
			count uint64
		)
		if err := rows.Scan(&hash, &count); err != nil {
			return mgerror.Wrap(mgerror.KindBackend, err, "statfile %s: token scan failed", statfile)
		}
		if t, ok := byHash[hash]; ok {
			t.Counts[slot] = count
		}
	}

	return rows.Err()
}

func (b *SqliteBackend) learnTx() (*sqlx.Tx, error) {
	if b.tx == nil {
		tx, err := b.db.Beginx()
		if err != nil {
			return nil, err
		}
		b.tx = tx
	}
	return b.tx, nil
}

func (b *SqliteBackend) LearnTokens(ctx context.Context, statfile string, tokens []*Token, delta int64) error {
	tx, err := b.learnTx()
	if err != nil {
		return mgerror.Wrap(mgerror.KindBackend, err, "statfile %s: cannot begin learn", statfile)
	}

	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO tokens (statfile, token, count) VALUES (?, ?, MAX(?, 0))
		 ON CONFLICT (statfile, token) DO UPDATE SET count = MAX(count + ?, 0)`)
	if err != nil {
		return mgerror.Wrap(mgerror.KindBackend, err, "statfile %s: cannot prepare learn", statfile)
	}
	defer stmt.Close()

	for _, t := range tokens {
		if _, err := stmt.ExecContext(ctx, statfile, int64(t.Hash), delta, delta); err != nil {
			return mgerror.Wrap(mgerror.KindBackend, err, "statfile %s: learn failed", statfile)
		}
	}

	return nil
}

func (b *SqliteBackend) bumpLearns(ctx context.Context, statfile string, delta int64) error {
	tx, err := b.learnTx()
	if err != nil {
		return mgerror.Wrap(mgerror.KindBackend, err, "statfile %s: cannot begin learn", statfile)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO statfiles (name, learns) VALUES (?, MAX(?, 0))
		 ON CONFLICT (name) DO UPDATE SET learns = MAX(learns + ?, 0)`,
		statfile, delta, delta)
	if err != nil {
		return mgerror.Wrap(mgerror.KindBackend, err, "statfile %s: learn counter update failed", statfile)
	}
	return nil
}

func (b *SqliteBackend) IncLearns(ctx context.Context, statfile string) error {
	return b.bumpLearns(ctx, statfile, 1)
}

func (b *SqliteBackend) DecLearns(ctx context.Context, statfile string) error {
	return b.bumpLearns(ctx, statfile, -1)
}

// FinalizeLearn commits the pending learn transaction atomically.
func (b *SqliteBackend) FinalizeLearn(ctx context.Context, statfile string) error {
	if b.tx == nil {
		return nil
	}

	err := b.tx.Commit()
	b.tx = nil
	if err != nil {
		return mgerror.Wrap(mgerror.KindBackend, err, "statfile %s: learn commit failed", statfile)
	}
	return nil
}

func (b *SqliteBackend) TotalLearns(ctx context.Context, statfile string) (uint64, error) {
	query, args, err := sq.Select("learns").
		From("statfiles").
		Where(sq.Eq{"name": statfile}).
		ToSql()
	if err != nil {
		return 0, mgerror.Wrap(mgerror.KindInternal, err, "statfile %s: cannot build learns query", statfile)
	}

	var learns uint64
	if err := b.db.GetContext(ctx, &learns, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, mgerror.Wrap(mgerror.KindBackend, err, "statfile %s: learns lookup failed", statfile)
	}

	return learns, nil
}

func (b *SqliteBackend) Close() error {
	if b.tx != nil {
		b.tx.Rollback()
		b.tx = nil
	}
	return b.db.Close()
}

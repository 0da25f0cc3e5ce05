/*
	Copyright 2025 Google Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

			http://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

// Package store exports opcode mix reports to a SQLite database, one run
// per export.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/opcodemix/analysis"
	"github.com/google/opcodemix/opcodemix"
	"github.com/google/uuid"

	_ "github.com/mattn/go-sqlite3"
)

// Totals are stored with interval 0.
const totalsInterval = 0

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	instructions INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS intervals (
	run_id TEXT NOT NULL REFERENCES runs(id),
	shard INTEGER NOT NULL,
	interval INTEGER NOT NULL,
	end_timestamp INTEGER NOT NULL,
	instructions INTEGER NOT NULL,
	cumulative_instructions INTEGER NOT NULL,
	PRIMARY KEY (run_id, shard, interval)
);

CREATE TABLE IF NOT EXISTS opcode_counts (
	run_id TEXT NOT NULL REFERENCES runs(id),
	shard INTEGER NOT NULL,
	interval INTEGER NOT NULL,
	opcode INTEGER NOT NULL,
	name TEXT NOT NULL,
	count INTEGER NOT NULL,
	PRIMARY KEY (run_id, shard, interval, opcode)
);

CREATE TABLE IF NOT EXISTS category_counts (
	run_id TEXT NOT NULL REFERENCES runs(id),
	shard INTEGER NOT NULL,
	interval INTEGER NOT NULL,
	name TEXT NOT NULL,
	count INTEGER NOT NULL,
	PRIMARY KEY (run_id, shard, interval, name)
);

CREATE TABLE IF NOT EXISTS shard_errors (
	run_id TEXT NOT NULL REFERENCES runs(id),
	shard INTEGER NOT NULL,
	error TEXT NOT NULL,
	PRIMARY KEY (run_id, shard)
);
`

// Store is a SQLite database of opcode mix runs.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens, creating if necessary, the database at the provided path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create schema in %s: %w", path, err), db.Close())
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type statements struct {
	interval, opcode, category *sql.Stmt
}

func prepare(ctx context.Context, tx *sql.Tx) (*statements, error) {
	var ret statements
	var err error
	if ret.interval, err = tx.PrepareContext(ctx,
		`INSERT INTO intervals (run_id, shard, interval, end_timestamp, instructions, cumulative_instructions) VALUES (?, ?, ?, ?, ?, ?)`); err != nil {
		return nil, err
	}
	if ret.opcode, err = tx.PrepareContext(ctx,
		`INSERT INTO opcode_counts (run_id, shard, interval, opcode, name, count) VALUES (?, ?, ?, ?, ?, ?)`); err != nil {
		return nil, err
	}
	if ret.category, err = tx.PrepareContext(ctx,
		`INSERT INTO category_counts (run_id, shard, interval, name, count) VALUES (?, ?, ?, ?, ?)`); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (st *statements) insertCounts(ctx context.Context, runID string, shard int, interval uint64, r opcodemix.Report) error {
	for _, oc := range r.Opcodes {
		if _, err := st.opcode.ExecContext(ctx, runID, shard, interval, int(oc.Opcode), oc.Name, oc.Count); err != nil {
			return err
		}
	}
	for _, cc := range r.Categories {
		if _, err := st.category.ExecContext(ctx, runID, shard, interval, cc.Name, cc.Count); err != nil {
			return err
		}
	}
	return nil
}

// SaveRun stores a run's whole-trace report and its interval reports, and
// returns the new run's id.
func (s *Store) SaveRun(ctx context.Context, totals opcodemix.Report, intervals []opcodemix.IntervalReport) (runID string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = errors.Join(err, rbErr)
		}
	}()
	runID = uuid.NewString()
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs (id, created_at, instructions) VALUES (?, ?, ?)`,
		runID, s.now().UTC().Format(time.RFC3339Nano), totals.Instructions); err != nil {
		return "", fmt.Errorf("failed to store run: %w", err)
	}
	st, err := prepare(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("failed to prepare statements: %w", err)
	}
	if err := st.insertCounts(ctx, runID, analysis.WholeTraceShardID, totalsInterval, totals); err != nil {
		return "", fmt.Errorf("failed to store totals: %w", err)
	}
	for _, f := range totals.ShardErrors {
		if _, err := tx.ExecContext(ctx, `INSERT INTO shard_errors (run_id, shard, error) VALUES (?, ?, ?)`,
			runID, f.Shard, f.Error); err != nil {
			return "", fmt.Errorf("failed to store shard %d error: %w", f.Shard, err)
		}
	}
	for _, ir := range intervals {
		if _, err := st.interval.ExecContext(ctx, runID, ir.Shard, ir.Interval, ir.EndTimestamp, ir.Instructions, ir.Cumulative); err != nil {
			return "", fmt.Errorf("failed to store interval %d of shard %d: %w", ir.Interval, ir.Shard, err)
		}
		if err := st.insertCounts(ctx, runID, ir.Shard, ir.Interval, ir.Report); err != nil {
			return "", fmt.Errorf("failed to store interval %d of shard %d: %w", ir.Interval, ir.Shard, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return runID, nil
}

// Runs returns the ids of all stored runs, oldest first.
func (s *Store) Runs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM runs ORDER BY created_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ret []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ret = append(ret, id)
	}
	return ret, rows.Err()
}

func (s *Store) counts(ctx context.Context, query string, args ...any) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ret := map[string]int64{}
	for rows.Next() {
		var name string
		var count int64
		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		ret[name] = count
	}
	return ret, rows.Err()
}

// OpcodeCounts returns the stored per-opcode counts, by opcode name, of a
// run's shard and interval.  The whole trace's totals are stored under
// analysis.WholeTraceShardID and interval 0.
func (s *Store) OpcodeCounts(ctx context.Context, runID string, shard int, interval uint64) (map[string]int64, error) {
	return s.counts(ctx, `SELECT name, count FROM opcode_counts WHERE run_id = ? AND shard = ? AND interval = ?`, runID, shard, interval)
}

// CategoryCounts returns the stored per-category counts of a run's shard
// and interval.
func (s *Store) CategoryCounts(ctx context.Context, runID string, shard int, interval uint64) (map[string]int64, error) {
	return s.counts(ctx, `SELECT name, count FROM category_counts WHERE run_id = ? AND shard = ? AND interval = ?`, runID, shard, interval)
}

// IntervalInstructions returns the per-interval instruction counts of a
// run's shard, in interval order.
func (s *Store) IntervalInstructions(ctx context.Context, runID string, shard int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT instructions FROM intervals WHERE run_id = ? AND shard = ? ORDER BY interval`, runID, shard)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ret []int64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		ret = append(ret, n)
	}
	return ret, rows.Err()
}

// ShardErrors returns a run's stored shard errors.
func (s *Store) ShardErrors(ctx context.Context, runID string) (map[int]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT shard, error FROM shard_errors WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ret := map[int]string{}
	for rows.Next() {
		var shard int
		var msg string
		if err := rows.Scan(&shard, &msg); err != nil {
			return nil, err
		}
		ret[shard] = msg
	}
	return ret, rows.Err()
}

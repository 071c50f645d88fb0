/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package store implements Vinegar's transactional per-system key→value
// store: a SQLite-backed table
// system_data(system_id, key, value, type) with primary key
// (system_id, key). Deliberately uncached — every call touches the
// database — so writes made by the sqlite_update handler are immediately
// visible to the next file-handler lookup.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/kit-ibpt/vinegar/internal/vtree"
)

const schemaVersion = 1

const busyTimeout = 5 * time.Second

// ValueType tags how a row's text blob should be decoded.
type ValueType string

const (
	TypeBool   ValueType = "bool"
	TypeInt    ValueType = "int"
	TypeFloat  ValueType = "float"
	TypeString ValueType = "string"
	TypeJSON   ValueType = "json"
)

// Store is a single SQLite database holding the system_data table. All
// writes go through a single per-database write lock via the driver's WAL
// mode and busy_timeout; Store additionally tries an advisory inter-process
// file lock at Open. If another process already holds it, Open proceeds
// without the lock and without logging, leaving SQLite's own locking to
// serialize the two processes.
type Store struct {
	db       *sql.DB
	path     string
	fileLock *flock.Flock
}

// Open creates (if needed) and migrates the SQLite database at path, and
// configures it: WAL mode, busy_timeout >= 5s, schema
// version tracked in pragma user_version.
func Open(path string) (*Store, error) {
	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("store: acquiring advisory lock on %s: %w", path, err)
	}
	if !locked {
		// Another Vinegar process already holds the write lock; SQLite's
		// own WAL locking is still authoritative, so this is a warning
		// condition rather than a hard failure.
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // one writer; modernc.org/sqlite serializes per *sql.DB anyway

	s := &Store{db: db, path: path, fileLock: fl}
	if err := s.migrate(); err != nil {
		db.Close()
		fl.Unlock()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	ctx := context.Background()
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("store: reading schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}
	const ddl = `
CREATE TABLE IF NOT EXISTS system_data (
	system_id TEXT NOT NULL,
	key       TEXT NOT NULL,
	value     TEXT,
	type      TEXT NOT NULL,
	PRIMARY KEY (system_id, key)
);`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("store: creating schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("store: stamping schema version: %w", err)
	}
	return nil
}

// Close releases the database handle and the advisory file lock.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.fileLock != nil {
		s.fileLock.Unlock()
	}
	return err
}

// Get reads the value stored for (systemID, key). ok is false if no row
// exists.
func (s *Store) Get(ctx context.Context, systemID, key string) (vtree.Value, bool, error) {
	var value sql.NullString
	var typ string
	row := s.db.QueryRowContext(ctx, `SELECT value, type FROM system_data WHERE system_id = ? AND key = ?`, systemID, key)
	if err := row.Scan(&value, &typ); err != nil {
		if err == sql.ErrNoRows {
			return vtree.Absent, false, nil
		}
		return vtree.Absent, false, fmt.Errorf("store: get %s/%s: %w", systemID, key, err)
	}
	v, err := decode(ValueType(typ), value.String, value.Valid)
	if err != nil {
		return vtree.Absent, false, err
	}
	return v, true, nil
}

// AllForSystem returns every key/value row stored for systemID, as a flat
// Map keyed by the raw (possibly compound) key text; get_data projects each
// entry into the tree via vtree.Set.
func (s *Store) AllForSystem(ctx context.Context, systemID string) (map[string]vtree.Value, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, type FROM system_data WHERE system_id = ?`, systemID)
	if err != nil {
		return nil, fmt.Errorf("store: scan %s: %w", systemID, err)
	}
	defer rows.Close()
	out := make(map[string]vtree.Value)
	for rows.Next() {
		var key string
		var value sql.NullString
		var typ string
		if err := rows.Scan(&key, &value, &typ); err != nil {
			return nil, fmt.Errorf("store: scan row for %s: %w", systemID, err)
		}
		v, err := decode(ValueType(typ), value.String, value.Valid)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, rows.Err()
}

// Set writes a single (systemID, key) -> value row inside one
// transaction, begun with default options, which SQLite runs as a
// deferred (not immediate) transaction.
func (s *Store) Set(ctx context.Context, systemID, key string, value vtree.Value) error {
	typ, text, err := encode(value)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO system_data (system_id, key, value, type) VALUES (?, ?, ?, ?)
ON CONFLICT(system_id, key) DO UPDATE SET value = excluded.value, type = excluded.type`,
			systemID, key, text, string(typ))
		return err
	})
}

// Delete removes the row for (systemID, key), if any.
func (s *Store) Delete(ctx context.Context, systemID, key string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM system_data WHERE system_id = ? AND key = ?`, systemID, key)
		return err
	})
}

// DeleteAllForSystem removes every row belonging to systemID.
func (s *Store) DeleteAllForSystem(ctx context.Context, systemID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM system_data WHERE system_id = ?`, systemID)
		return err
	})
}

// FindSystem scans for a row of the given key whose decoded value equals
// lookupValue, returning its system_id. Implements the optional
// find_system_enabled reverse lookup.
func (s *Store) FindSystem(ctx context.Context, key, lookupValue string) (string, bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT system_id, value, type FROM system_data WHERE key = ?`, key)
	if err != nil {
		return "", false, fmt.Errorf("store: find_system %s: %w", key, err)
	}
	defer rows.Close()
	for rows.Next() {
		var systemID string
		var value sql.NullString
		var typ string
		if err := rows.Scan(&systemID, &value, &typ); err != nil {
			return "", false, fmt.Errorf("store: find_system scan: %w", err)
		}
		v, err := decode(ValueType(typ), value.String, value.Valid)
		if err != nil {
			continue
		}
		s, ok := v.AsString()
		if ok && s == lookupValue {
			return systemID, true, nil
		}
	}
	return "", false, rows.Err()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func encode(v vtree.Value) (ValueType, string, error) {
	switch v.Kind() {
	case vtree.KindBool:
		b, _ := v.AsBool()
		return TypeBool, strconv.FormatBool(b), nil
	case vtree.KindInt:
		i, _ := v.AsInt()
		return TypeInt, strconv.FormatInt(i, 10), nil
	case vtree.KindFloat:
		f, _ := v.AsFloat()
		return TypeFloat, strconv.FormatFloat(f, 'g', -1, 64), nil
	case vtree.KindString:
		s, _ := v.AsString()
		return TypeString, s, nil
	default:
		b, err := json.Marshal(v.Native())
		if err != nil {
			return "", "", fmt.Errorf("store: encoding json value: %w", err)
		}
		return TypeJSON, string(b), nil
	}
}

func decode(typ ValueType, text string, valid bool) (vtree.Value, error) {
	if !valid {
		return vtree.Null, nil
	}
	switch typ {
	case TypeBool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return vtree.Absent, fmt.Errorf("store: decoding bool %q: %w", text, err)
		}
		return vtree.Bool(b), nil
	case TypeInt:
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return vtree.Absent, fmt.Errorf("store: decoding int %q: %w", text, err)
		}
		return vtree.Int(i), nil
	case TypeFloat:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return vtree.Absent, fmt.Errorf("store: decoding float %q: %w", text, err)
		}
		return vtree.Float(f), nil
	case TypeString:
		return vtree.String(text), nil
	case TypeJSON:
		var raw interface{}
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			return vtree.Absent, fmt.Errorf("store: decoding json %q: %w", text, err)
		}
		return vtree.FromNative(raw), nil
	default:
		return vtree.Absent, fmt.Errorf("store: unknown value type %q", typ)
	}
}

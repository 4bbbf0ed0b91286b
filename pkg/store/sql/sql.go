// Package sql provides a store.Store that keeps data on a SQL database.
package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/treeverse/quotamgr/pkg/store"
)

const (
	// UsageTable holds byte counts tallied from storage events.
	UsageTable = "usage"
	// SettingsTable holds configured quotas.
	SettingsTable = "quota_settings"
)

var tableNameRegexp = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Option configures an SQLStore.
type Option func(*SQLStore)

// WithTable selects the table holding keys and values (default UsageTable).
// Both tables created by package ddl share the same layout.
func WithTable(table string) Option {
	return func(s *SQLStore) { s.table = table }
}

func NewSQLStore(db *sql.DB, opts ...Option) (store.Store, error) {
	s := SQLStore{db: db, table: UsageTable}
	for _, opt := range opts {
		opt(&s)
	}
	if !tableNameRegexp.MatchString(s.table) {
		return nil, fmt.Errorf("bad table name %q", s.table)
	}
	return s, nil
}

// SQLStore is a Store that keeps results in a SQL database.
type SQLStore struct {
	db    *sql.DB
	table string
}

func (s SQLStore) transact(ctx context.Context, fn func(tx *sql.Tx) (interface{}, error)) (interface{}, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	ret, err := fn(tx)
	if err != nil {
		rollbackErr := tx.Rollback()
		if rollbackErr != nil {
			err = fmt.Errorf("%w; additionally during rollback: %s", err, rollbackErr)
		}
		return nil, err
	}
	commitErr := tx.Commit()
	return ret, commitErr
}

func (s SQLStore) Get(ctx context.Context, key string) (store.Value, error) {
	ret, err := s.transact(ctx, func(tx *sql.Tx) (interface{}, error) {
		var value store.Value
		row := tx.QueryRowContext(ctx, `SELECT size_bytes FROM `+s.table+` WHERE key = $1`, key)
		err := row.Scan(&value.SizeBytes)
		return value, err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return store.Value{}, fmt.Errorf("%s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return store.Value{}, err
	}
	return ret.(store.Value), nil
}

func (s SQLStore) Set(ctx context.Context, key string, value store.Value) error {
	_, err := s.transact(ctx, func(tx *sql.Tx) (interface{}, error) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO `+s.table+` (key, size_bytes) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET size_bytes=$2`,
			key, value.SizeBytes)
		return nil, err
	})
	return err
}

func (s SQLStore) AddSizeBytes(ctx context.Context, key string, numBytes int64) error {
	_, err := s.transact(ctx, func(tx *sql.Tx) (interface{}, error) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO `+s.table+` (key, size_bytes) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET size_bytes=`+s.table+`.size_bytes+$2`,
			key, numBytes)
		return nil, err
	})
	return err
}

func (s SQLStore) Scan(ctx context.Context, prefix string) ([]store.Record, error) {
	ret, err := s.transact(ctx, func(tx *sql.Tx) (interface{}, error) {
		rows, err := tx.QueryContext(ctx, `
			SELECT key, size_bytes FROM `+s.table+`
			WHERE left(key, length($1)) = $1
			ORDER BY key`,
			prefix)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var records []store.Record
		for rows.Next() {
			var r store.Record
			if err := rows.Scan(&r.Key, &r.Value.SizeBytes); err != nil {
				return nil, err
			}
			records = append(records, r)
		}
		return records, rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return ret.([]store.Record), nil
}

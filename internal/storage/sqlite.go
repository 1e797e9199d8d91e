package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteAdapter is the embedded relational backend. It stands in for
// the spec's "host-bridge" adapter: a platform's embedded table store
// behind the same Adapter contract, grounded on the teacher's
// memory.SQLiteStore construction (WAL mode, busy timeout, migrate on
// open).
type SQLiteAdapter struct {
	db *sql.DB
}

// NewSQLiteAdapter opens (creating if necessary) a SQLite database at
// path and ensures the kv table exists.
func NewSQLiteAdapter(path string) (*SQLiteAdapter, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	a := &SQLiteAdapter{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return a, nil
}

func (a *SQLiteAdapter) migrate() error {
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			collection TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (collection, key)
		);
	`)
	return err
}

func (a *SQLiteAdapter) Get(ctx context.Context, collection, key string, _ Options) (Value, error) {
	var raw string
	err := a.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE collection = ? AND key = ?`, collection, key,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return Null, nil
	}
	if err != nil {
		return Null, fmt.Errorf("sqlite: get %s/%s: %w", collection, key, err)
	}
	return ValueFromJSON([]byte(raw))
}

func (a *SQLiteAdapter) Set(ctx context.Context, collection, key string, value Value, _ Options) (SetResult, error) {
	data, err := value.MarshalJSON()
	if err != nil {
		return SetResult{}, fmt.Errorf("sqlite: marshal %s/%s: %w", collection, key, err)
	}
	now := time.Now().UnixMilli()

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO kv (collection, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, collection, key, string(data), now)
	if err != nil {
		return SetResult{}, fmt.Errorf("sqlite: set %s/%s: %w", collection, key, err)
	}
	return SetResult{Key: key, Timestamp: now}, nil
}

func (a *SQLiteAdapter) Delete(ctx context.Context, collection, key string, _ Options) (DeleteResult, error) {
	_, err := a.db.ExecContext(ctx, `DELETE FROM kv WHERE collection = ? AND key = ?`, collection, key)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("sqlite: delete %s/%s: %w", collection, key, err)
	}
	return DeleteResult{Deleted: key}, nil
}

// Query enumerates every row in collection ordered by most-recently
// updated first (the adapter-declared stable order the spec allows),
// decoding and filtering in Go since the predicate is an arbitrary
// field-equality conjunction over the JSON-encoded value.
func (a *SQLiteAdapter) Query(ctx context.Context, collection string, predicate map[string]Value, _ Options) ([]QueryRow, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE collection = ? ORDER BY updated_at DESC`, collection,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query %s: %w", collection, err)
	}
	defer rows.Close()

	var results []QueryRow
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("sqlite: scan %s: %w", collection, err)
		}
		value, err := ValueFromJSON([]byte(raw))
		if err != nil {
			continue
		}
		if !matchesPredicate(value, predicate) {
			continue
		}
		fields, _ := value.Fields()
		results = append(results, QueryRow{Key: key, Fields: fields})
	}
	return results, rows.Err()
}

func (a *SQLiteAdapter) Close() error {
	return a.db.Close()
}

package invoke

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/chazu/pare/value"
)

// SQLiteStore persists values in a SQLite database so knowledge survives
// between runs. Updates read, generalize and write inside one transaction
// over a single connection, which serialises concurrent storers.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the store at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS facts (
		key   TEXT PRIMARY KEY,
		kind  INTEGER NOT NULL,
		value BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database file.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, k Key) (value.Value, bool, error) {
	return load(ctx, s.db, k)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func load(ctx context.Context, q queryer, k Key) (value.Value, bool, error) {
	var blob []byte
	err := q.QueryRowContext(ctx, "SELECT value FROM facts WHERE key = ?", k.String()).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return value.Value{}, false, nil
		}
		return value.Value{}, false, fmt.Errorf("querying %s: %w", k, err)
	}
	v, err := value.Unmarshal(blob)
	if err != nil {
		return value.Value{}, false, fmt.Errorf("decoding %s: %w", k, err)
	}
	return v, true, nil
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, k Key, v value.Value) (value.Value, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return value.Value{}, fmt.Errorf("beginning update of %s: %w", k, err)
	}
	defer tx.Rollback()

	old, ok, err := load(ctx, tx, k)
	if err != nil {
		return value.Value{}, err
	}
	next := v
	if ok {
		next = value.Generalize(old, v)
		if next.Equal(old) {
			return old, nil
		}
	}
	blob, err := value.Marshal(next)
	if err != nil {
		return value.Value{}, fmt.Errorf("encoding %s: %w", k, err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO facts (key, kind, value) VALUES (?, ?, ?)",
		k.String(), int(k.Kind), blob,
	)
	if err != nil {
		return value.Value{}, fmt.Errorf("saving %s: %w", k, err)
	}
	if err := tx.Commit(); err != nil {
		return value.Value{}, fmt.Errorf("committing %s: %w", k, err)
	}
	return next, nil
}

// Count returns the number of stored values of the given kind, or of all
// kinds when kind is 0.
func (s *SQLiteStore) Count(ctx context.Context, kind KeyKind) (int, error) {
	var n int
	var err error
	if kind == 0 {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM facts").Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM facts WHERE kind = ?", int(kind)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("counting facts: %w", err)
	}
	return n, nil
}

package statestore

import (
	"context"
	"database/sql"
	"errors"

	_ "modernc.org/sqlite"
)

// SQLite is a Store backed by a single SQLite database file. Atomic
// per-key semantics come from running every operation inside one
// transaction; a single connection is used so concurrent callers in
// this process serialize instead of tripping SQLITE_BUSY, and other
// processes serialize through the database file lock.
type SQLite struct {
	db *sql.DB
}

// Open opens (and if necessary creates) the store at the given path.
// Pass ":memory:" for an ephemeral store in tests.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, unavailable("open store", err)
	}

	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	PRAGMA journal_mode = WAL;
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS fields (
		k     TEXT NOT NULL,
		field TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (k, field)
	);

	CREATE INDEX IF NOT EXISTS idx_fields_k ON fields(k);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return unavailable("migrate store", err)
	}

	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) GetField(
	ctx context.Context,
	key, field string,
) (string, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT value FROM fields WHERE k = ? AND field = ?`,
		key, field,
	)

	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}

		return "", false, unavailable("get field", err)
	}

	return value, true, nil
}

func (s *SQLite) GetAll(
	ctx context.Context,
	key string,
) (map[string]string, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT field, value FROM fields WHERE k = ?`,
		key,
	)
	if err != nil {
		return nil, unavailable("get all fields", err)
	}
	defer rows.Close()

	fields := make(map[string]string)

	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, unavailable("get all fields", err)
		}

		fields[field] = value
	}

	if err := rows.Err(); err != nil {
		return nil, unavailable("get all fields", err)
	}

	return fields, nil
}

func (s *SQLite) SetFields(
	ctx context.Context,
	key string,
	fields map[string]string,
) error {
	if len(fields) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("set fields", err)
	}
	defer tx.Rollback()

	for field, value := range fields {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO fields (k, field, value) VALUES (?, ?, ?)
			 ON CONFLICT (k, field) DO UPDATE SET value = excluded.value`,
			key, field, value,
		); err != nil {
			return unavailable("set fields", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("set fields", err)
	}

	return nil
}

func (s *SQLite) DeleteKey(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(
		ctx,
		`DELETE FROM fields WHERE k = ?`,
		key,
	); err != nil {
		return unavailable("delete key", err)
	}

	return nil
}

func (s *SQLite) CompareAndSet(
	ctx context.Context,
	key, field, expected, next string,
) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable("compare and set", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(
		ctx,
		`SELECT value FROM fields WHERE k = ? AND field = ?`,
		key, field,
	)

	var current string
	present := true

	if err := row.Scan(&current); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return false, unavailable("compare and set", err)
		}

		present = false
	}

	if present && current != expected {
		return false, nil
	}

	if !present && expected != "" {
		return false, nil
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO fields (k, field, value) VALUES (?, ?, ?)
		 ON CONFLICT (k, field) DO UPDATE SET value = excluded.value`,
		key, field, next,
	); err != nil {
		return false, unavailable("compare and set", err)
	}

	if err := tx.Commit(); err != nil {
		return false, unavailable("compare and set", err)
	}

	return true, nil
}

func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT DISTINCT k FROM fields WHERE k LIKE ? || '%' ORDER BY k`,
		prefix,
	)
	if err != nil {
		return nil, unavailable("list keys", err)
	}
	defer rows.Close()

	var keys []string

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, unavailable("list keys", err)
		}

		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, unavailable("list keys", err)
	}

	return keys, nil
}

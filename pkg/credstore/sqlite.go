package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists credentials in a single SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath. ":memory:" gives
// a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	// one connection, so ":memory:" is a single database and writers queue
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init database: %v", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	return initTable(db, "credential", `
		CREATE TABLE IF NOT EXISTS credential (
			key         TEXT PRIMARY KEY,
			value       TEXT NOT NULL,
			updated_at  INTEGER NOT NULL
		);`,
	)
}

func initTable(
	db *sql.DB,
	name string,
	sql string,
) error {
	if _, err := db.Exec(sql); err != nil {
		return fmt.Errorf("failed to init '%s' table schema: %v", name, err)
	}
	return nil
}

func (s *SQLiteStore) Get(
	ctx context.Context,
	key Key,
) (
	string,
	bool,
	error,
) {
	row := s.db.QueryRowContext(ctx, `
		SELECT value
		FROM credential
		WHERE key=?1;`,
		string(key),
	)

	var value string
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("couldn't scan credential '%s': %v", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Apply(
	ctx context.Context,
	batch Batch,
) error {
	if batch.Empty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("couldn't begin credential batch: %v", err)
	}
	defer tx.Rollback()

	for _, key := range batch.Delete {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM credential
			WHERE key=?1;`,
			string(key),
		); err != nil {
			return fmt.Errorf("couldn't delete credential '%s': %v", key, err)
		}
	}

	now := time.Now().Unix()
	for key, value := range batch.Set {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credential (key, value, updated_at)
			VALUES (?1, ?2, ?3)
			ON CONFLICT (key) DO UPDATE
			SET value=excluded.value, updated_at=excluded.updated_at;`,
			string(key),
			value,
			now,
		); err != nil {
			return fmt.Errorf("couldn't upsert credential '%s': %v", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("couldn't commit credential batch: %v", err)
	}
	return nil
}

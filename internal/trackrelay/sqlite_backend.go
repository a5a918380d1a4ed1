package trackrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteMappingTableName = "trackrelay_mappings"

// SQLiteMappingBackend is the durable single-host backend: the same schema
// and version discipline as Postgres without a server. The version check is
// a conditional UPDATE, so concurrent writers within the process race safely.
type SQLiteMappingBackend struct {
	path string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteMappingBackend(path string) (MappingBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteMappingBackend{path: path}, nil
}

func (b *SQLiteMappingBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := sql.Open("sqlite3", b.path+"?_busy_timeout=5000&_journal_mode=WAL")
		if err != nil {
			b.initErr = err
			return
		}
		// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
		db.SetMaxOpenConns(1)
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				record_key TEXT PRIMARY KEY,
				entry TEXT NOT NULL,
				version INTEGER NOT NULL,
				updated_at TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now'))
			)`, sqliteMappingTableName)
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *SQLiteMappingBackend) Read(key string) ([]byte, string, bool, error) {
	if err := b.ensureReady(); err != nil {
		return nil, "", false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT entry, version FROM %s WHERE record_key = ?", sqliteMappingTableName)
	var entry string
	var version uint64
	err := b.db.QueryRowContext(ctx, query, key).Scan(&entry, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, err
	}
	return []byte(entry), versionToken(version), true, nil
}

func (b *SQLiteMappingBackend) WriteIfVersion(key string, value []byte, expectedVersion string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	if expectedVersion == "" {
		query := fmt.Sprintf(
			"INSERT INTO %s (record_key, entry, version) VALUES (?, ?, 1) ON CONFLICT (record_key) DO NOTHING",
			sqliteMappingTableName,
		)
		result, err := b.db.ExecContext(ctx, query, key, string(value))
		if err != nil {
			return false, err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return false, err
		}
		return affected == 1, nil
	}

	expected, err := parseVersionToken(expectedVersion)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(
		"UPDATE %s SET entry = ?, version = version + 1 WHERE record_key = ? AND version = ?",
		sqliteMappingTableName,
	)
	result, err := b.db.ExecContext(ctx, query, string(value), key, expected)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (b *SQLiteMappingBackend) Keys() ([]string, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT record_key FROM %s ORDER BY record_key", sqliteMappingTableName)
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if scanErr := rows.Scan(&key); scanErr != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (b *SQLiteMappingBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

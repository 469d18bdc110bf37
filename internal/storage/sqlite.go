package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/pressly/goose/v3"

	"github.com/dotcommander/stateguard/internal/models"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// defaultBusyTimeoutMS is the SQLite busy_timeout in milliseconds.
const defaultBusyTimeoutMS = 5000

// SQLiteBackend stores key-value pairs in a single SQLite table. It is the
// default persistent backend for backups and sessions on desktop installs.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) a SQLite-backed store at path and
// runs migrations. Use ":memory:" for an ephemeral database in tests.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	// modernc.org/sqlite is strict about DSNs. Use a file: URI with mode=rwc
	// so the database can be created/written consistently across platforms.
	db, err := sql.Open("sqlite", normalizeSQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite backend: %w", err)
	}

	// Single connection: the resilience layer serializes writes anyway, and
	// one connection sidesteps SQLITE_BUSY between pool members.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// busy_timeout blocks writers up to N ms instead of failing immediately.
	// synchronous=NORMAL skips fsync per commit; WAL still covers committed txns.
	// journal_mode=WAL allows concurrent readers alongside one writer.
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", defaultBusyTimeoutMS),
		"PRAGMA synchronous=NORMAL",
		"PRAGMA journal_mode=WAL",
	}
	for _, pragma := range pragmas {
		if err := retryTransient(func() error {
			_, err := db.ExecContext(context.Background(), pragma)
			return err
		}); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	if err := retryTransient(func() error { return runMigrations(db) }); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteBackend{db: db, path: path}, nil
}

// runMigrations applies all pending migrations using goose.
func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetVerbose(false)
	goose.SetLogger(goose.NopLogger())

	// goose uses "sqlite3" as its dialect name regardless of the underlying
	// driver; modernc.org/sqlite registers as "sqlite".
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// SchemaVersion returns the current goose migration version. Returns 0 for a
// fresh database.
func (s *SQLiteBackend) SchemaVersion() (int64, error) {
	goose.SetBaseFS(embedMigrations)
	goose.SetVerbose(false)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, fmt.Errorf("set dialect: %w", err)
	}
	v, err := goose.GetDBVersion(s.db)
	if err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *SQLiteBackend) Name() string { return "sqlite" }

func (s *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := retryTransient(func() error {
		return s.db.QueryRowContext(ctx,
			"SELECT value FROM kv WHERE key = ?", key,
		).Scan(&value)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrKeyNotFound
	}
	if err != nil {
		return nil, &models.StorageError{Backend: "sqlite", Key: key, Op: "get", Err: err}
	}
	return value, nil
}

func (s *SQLiteBackend) Set(ctx context.Context, key string, value []byte) error {
	err := retryTransient(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, datetime('now'))
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value,
		)
		return err
	})
	if err != nil {
		return &models.StorageError{Backend: "sqlite", Key: key, Op: "set", Err: err}
	}
	return nil
}

func (s *SQLiteBackend) Delete(ctx context.Context, key string) error {
	err := retryTransient(func() error {
		_, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
		return err
	})
	if err != nil {
		return &models.StorageError{Backend: "sqlite", Key: key, Op: "delete", Err: err}
	}
	return nil
}

func (s *SQLiteBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := retryTransient(func() error {
		keys = keys[:0]
		rows, err := s.db.QueryContext(ctx,
			`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\' ORDER BY key`, escapeLike(prefix)+"%",
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, &models.StorageError{Backend: "sqlite", Key: prefix, Op: "keys", Err: err}
	}
	return keys, nil
}

func (s *SQLiteBackend) Close() error { return s.db.Close() }

// normalizeSQLiteDSN converts a filesystem path into a DSN modernc.org/sqlite
// accepts. Paths already in URI form and ":memory:" pass through.
func normalizeSQLiteDSN(path string) string {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path
	}
	return "file:" + path + "?mode=rwc"
}

// escapeLike escapes LIKE wildcards in a literal prefix. Keys use '/' and
// '.' separators so this rarely matters, but user-supplied namespaces could
// contain '%' or '_'.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

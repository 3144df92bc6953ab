// ============================================================================
// fieldops SQLite store
// ============================================================================
//
// Package: internal/storage/sqlite
// Purpose: storage.Store over database/sql and mattn/go-sqlite3.
//
// Guarded writes are expressed in the WHERE clause (status, version and,
// for accept, assigned_agent_id IS NULL). When an UPDATE touches no row the
// store re-reads the row inside the same transaction to tell a missing job
// from a lost race.
//
// The pool is capped at one connection. SQLite serialises writers anyway and
// an in-memory database only exists on the connection that created it.
//
// Timestamps are stored as Unix nanoseconds in UTC.
//
// ============================================================================

package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/internal/logger"
	"github.com/ChuLiYu/fieldops/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a storage.Store backed by SQLite.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database at dsn and applies pending migrations.
// Use ":memory:" for a throwaway database.
func Open(dsn string, log *zap.SugaredLogger) (*Store, error) {
	log = logger.OrDefault(log, "sqlite")
	log.Debugw("opening database", "dsn", dsn)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if dsn != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "exec %q", p)
		}
	}

	if err := Migrate(db, log); err != nil {
		db.Close()
		return nil, err
	}
	log.Infow("database ready", "dsn", dsn)
	return New(db, log), nil
}

// New wraps an already prepared handle. The schema must exist.
func New(db *sql.DB, log *zap.SugaredLogger) *Store {
	return &Store{db: db, log: logger.OrDefault(log, "sqlite")}
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies every embedded migration not yet recorded in
// schema_migrations, one transaction per file.
func Migrate(db *sql.DB, log *zap.SugaredLogger) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		version := strings.SplitN(name, "_", 2)[0]

		var applied bool
		err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&applied)
		if err != nil && version != "000" {
			return errors.Wrapf(err, "schema_migrations missing before %s", name)
		}
		if applied {
			continue
		}

		body, err := migrations.ReadFile(path.Join("migrations", name))
		if err != nil {
			return errors.Wrapf(err, "read %s", name)
		}

		log.Infow("applying migration", "migration", name, "version", version)
		tx, err := db.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin %s", name)
		}
		if _, err := tx.Exec(string(body)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "execute %s", name)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record %s", name)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit %s", name)
		}
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

// isConstraint reports whether err is a SQLite constraint violation
// (primary key, unique or foreign key).
func isConstraint(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}

// ============================================================================
// Column helpers
// ============================================================================

type scanner interface {
	Scan(dest ...interface{}) error
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func ptrFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

package nib

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"

	// maxRetries bounds internal retries of transient backend errors.
	maxRetries = 3
	retryDelay = 25 * time.Millisecond
)

// Store is the Network Information Base. All mutating operations are
// serialized through the backend's transaction manager; a read after a
// successful write on the same key observes that write.
type Store struct {
	db     *sql.DB
	driver string
	clock  func() time.Time
	logger *slog.Logger

	// degraded is set when corruption is detected; writes are refused from
	// then on while safe reads continue.
	degraded atomic.Bool
}

// Open connects to the NIB backend selected by the DSN: a postgres:// URL
// uses lib/pq, anything else is treated as a SQLite path. The schema is
// created on first open; a version mismatch in the meta table aborts with
// ErrMigrationRequired.
func Open(dsn string) (*Store, error) {
	driver := driverSQLite
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = driverPostgres
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", driver, err)
	}
	if driver == driverSQLite {
		// One connection serializes writers and keeps :memory: databases
		// coherent across the pool.
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:     db,
		driver: driver,
		clock:  time.Now,
		logger: slog.Default().With("component", "nib"),
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Degraded reports whether the store has refused further writes after
// detecting corruption.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.driver == driverPostgres {
		schema = postgresSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	var stored string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT value FROM meta WHERE key = ?`), "schema_version").Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO meta (key, value) VALUES (?, ?)`),
			"schema_version", fmt.Sprint(SchemaVersion))
		if err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	}
	if stored != fmt.Sprint(SchemaVersion) {
		return fmt.Errorf("%w: store has version %s, binary expects %d", ErrMigrationRequired, stored, SchemaVersion)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for the postgres driver.
func (s *Store) rebind(query string) string {
	if s.driver != driverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Tx exposes the store's typed operations inside one atomic transaction.
type Tx struct {
	s  *Store
	tx *sql.Tx
}

// Transaction executes fn atomically; on error every write rolls back.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	if s.degraded.Load() {
		return ErrUnavailable
	}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if !transient(lastErr) {
				break
			}
			s.logger.Warn("retrying transaction after transient error",
				"attempt", attempt, "error", lastErr)
			time.Sleep(retryDelay)
		}
		lastErr = s.runTransaction(ctx, fn)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (s *Store) runTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&Tx{s: s, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// queryer abstracts *sql.DB and *sql.Tx so every operation can run either
// standalone or inside a caller's transaction.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) writeGuard() error {
	if s.degraded.Load() {
		return ErrUnavailable
	}
	return nil
}

// markDegraded records corruption and flips the store into read-only mode.
func (s *Store) markDegraded(reason string) {
	if s.degraded.CompareAndSwap(false, true) {
		s.logger.Error("store entering degraded mode", "reason", reason)
	}
}

// transient classifies backend errors that are worth an internal retry.
func transient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"database is locked", "busy", "connection reset", "connection refused", "broken pipe"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

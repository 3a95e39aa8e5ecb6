package triplestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// SQLite driver backing the triple store.
	_ "github.com/mattn/go-sqlite3"

	"github.com/nicholaskb/semant/internal/types"
)

// Config holds SQLite triple store configuration options.
type Config struct {
	Path            string        // Database file path
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum connection lifetime
	BusyTimeout     time.Duration // SQLite busy timeout
	WALMode         bool          // Use WAL journaling instead of rollback
}

// DefaultConfig returns sensible defaults for the triple store.
func DefaultConfig(path string) Config {
	return Config{
		Path:            path,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		BusyTimeout:     5 * time.Second,
		WALMode:         true,
	}
}

// SQLiteStore implements TripleStore on a single SQLite table.
// WAL journaling (on by default) and a busy timeout keep concurrent
// synchronous writes from the workflow store and the provenance log from
// contending.
type SQLiteStore struct {
	conn *sql.DB
	path string
}

// Open creates a SQLite triple store with default configuration.
func Open(path string) (*SQLiteStore, error) {
	return OpenWithConfig(DefaultConfig(path))
}

// OpenWithConfig creates a SQLite triple store with custom configuration.
func OpenWithConfig(cfg Config) (*SQLiteStore, error) {
	journal := "DELETE"
	if cfg.WALMode {
		journal = "WAL"
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_foreign_keys=on&_busy_timeout=%d",
		cfg.Path,
		journal,
		int(cfg.BusyTimeout.Milliseconds()),
	)

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, types.WrapError(types.DB_OPEN_FAILED, "failed to open triple store", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, types.WrapError(types.DB_OPEN_FAILED, "failed to ping triple store", err)
	}

	store := &SQLiteStore{
		conn: conn,
		path: cfg.Path,
	}

	if err := store.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	return store, nil
}

// Put upserts a statement: one object per (subject, predicate) pair.
// Multi-valued predicates (e.g. hasStep) use distinct predicate instances
// produced by the mapper, so the engine never needs append semantics here.
func (s *SQLiteStore) Put(ctx context.Context, subject, predicate, object string) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO triples (subject, predicate, object, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(subject, predicate) DO UPDATE SET
		   object = excluded.object,
		   updated_at = CURRENT_TIMESTAMP`,
		subject, predicate, object,
	)
	if err != nil {
		return types.WrapError(types.PERSISTENCE_FAILED,
			fmt.Sprintf("failed to put triple (%s, %s)", subject, predicate), err)
	}
	return nil
}

// Query returns all triples matching the pattern.
func (s *SQLiteStore) Query(ctx context.Context, pattern Pattern) ([]Triple, error) {
	query := "SELECT subject, predicate, object FROM triples WHERE 1=1"
	var args []any

	if pattern.Subject != "" {
		query += " AND subject = ?"
		args = append(args, pattern.Subject)
	}
	if pattern.Predicate != "" {
		query += " AND predicate = ?"
		args = append(args, pattern.Predicate)
	}
	if pattern.Object != "" {
		query += " AND object = ?"
		args = append(args, pattern.Object)
	}
	query += " ORDER BY subject, predicate"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.WrapError(types.DB_QUERY_FAILED, "triple query failed", err)
	}
	defer rows.Close()

	var out []Triple
	for rows.Next() {
		var t Triple
		if err := rows.Scan(&t.Subject, &t.Predicate, &t.Object); err != nil {
			return nil, types.WrapError(types.DB_QUERY_FAILED, "triple scan failed", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.DB_QUERY_FAILED, "triple iteration failed", err)
	}

	return out, nil
}

// DeleteSubject removes every triple with the given subject.
func (s *SQLiteStore) DeleteSubject(ctx context.Context, subject string) error {
	_, err := s.conn.ExecContext(ctx, "DELETE FROM triples WHERE subject = ?", subject)
	if err != nil {
		return types.WrapError(types.PERSISTENCE_FAILED,
			fmt.Sprintf("failed to delete subject %s", subject), err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Health performs a health check on the store.
func (s *SQLiteStore) Health(ctx context.Context) types.HealthStatus {
	if err := s.conn.PingContext(ctx); err != nil {
		return types.Unhealthy(fmt.Sprintf("ping failed: %v", err))
	}

	var count int
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM triples").Scan(&count); err != nil {
		return types.Degraded(fmt.Sprintf("triple count failed: %v", err))
	}

	return types.Healthy(fmt.Sprintf("triple store healthy: %d triples", count))
}

// WithTx executes a function within a transaction. If the function returns
// an error, the transaction is rolled back; otherwise it is committed.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return types.WrapError(types.DB_QUERY_FAILED, "failed to begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %w, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return types.WrapError(types.DB_QUERY_FAILED, "failed to commit transaction", err)
	}

	return nil
}

// migrate applies pending schema migrations inside a transaction per
// version, tracking applied versions in schema_migrations.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return types.WrapError(types.DB_MIGRATION_FAILED, "failed to create migrations table", err)
	}

	var current int
	err = s.conn.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)
	if err != nil {
		return types.WrapError(types.DB_MIGRATION_FAILED, "failed to read schema version", err)
	}

	for _, m := range migrations() {
		if m.version <= current {
			continue
		}
		err := s.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.up); err != nil {
				return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
				m.version, m.name); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", m.version, err)
			}
			return nil
		})
		if err != nil {
			return types.WrapError(types.DB_MIGRATION_FAILED, "migration failed", err)
		}
	}

	return nil
}

// migration represents a single schema migration.
type migration struct {
	version int
	name    string
	up      string
}

// migrations returns all schema migrations in order.
func migrations() []migration {
	return []migration{
		{
			version: 1,
			name:    "triples_table",
			up: `
				CREATE TABLE IF NOT EXISTS triples (
					subject TEXT NOT NULL,
					predicate TEXT NOT NULL,
					object TEXT NOT NULL,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (subject, predicate)
				);
				CREATE INDEX IF NOT EXISTS idx_triples_predicate ON triples(predicate);
				CREATE INDEX IF NOT EXISTS idx_triples_object ON triples(object);
			`,
		},
	}
}

// Package sqlite implements the durable cache tier using SQLite via modernc.org/sqlite.
// Several processes on one host can share the same database file.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"runtime"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/eugener/velocity/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

const pragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

var _ storage.CacheStore = (*Store)(nil)

// Store keeps cache entries in one table. Writes go through a single
// connection; reads use a pool.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// New opens the database at dsn (a file path or MemoryDSN) and applies
// pending migrations.
func New(dsn string) (*Store, error) {
	source := fileURI(dsn)

	write, err := sql.Open("sqlite", source)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", source)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	applied, err := migrate(context.Background(), write)
	if err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	if applied > 0 {
		slog.Info("cache schema migrated", "dsn", dsn, "applied", applied)
	}
	return &Store{write: write, read: read}, nil
}

// fileURI builds the driver source for dsn. Every in-memory store gets its
// own shared-cache name so the two pools see one database and separate
// stores never do.
func fileURI(dsn string) string {
	if dsn == MemoryDSN {
		return "file:velocity-" + uuid.NewString() + "?mode=memory&cache=shared&" + pragmas
	}
	return "file:" + dsn + "?" + pragmas
}

// migrate applies the embedded goose migrations and returns how many ran.
func migrate(ctx context.Context, db *sql.DB) (int, error) {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return 0, fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return 0, fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return 0, err
	}
	return len(results), nil
}

// Name returns the backend identifier.
func (s *Store) Name() string { return "sqlite" }

// Ping checks the read pool, which is what Get and Scan depend on.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both pools.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}

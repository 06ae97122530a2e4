// Package persistence is the SQLite ledger: an append-only log of agent
// invocation attempts and a catalog of archived runs.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/routeloop/internal/checkpoint"
	"github.com/aristath/routeloop/internal/gateway"
)

// Ledger implements gateway.Recorder and checkpoint.Catalog on SQLite.
type Ledger struct {
	db *sql.DB
}

var (
	_ gateway.Recorder   = (*Ledger)(nil)
	_ checkpoint.Catalog = (*Ledger)(nil)
)

// Open creates or opens the ledger at dbPath.
// Creates parent directories if needed. Enables WAL mode and a busy timeout so
// the CLI and a concurrent `watch` or `history` can share the file.
func Open(ctx context.Context, dbPath string) (*Ledger, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Parallel wave members record attempts concurrently.
	db.SetMaxOpenConns(2)

	return newLedger(ctx, db)
}

// NewMemoryLedger creates a private in-memory ledger for testing.
// Each call gets its own database; connections of one ledger share it.
func NewMemoryLedger(ctx context.Context) (*Ledger, error) {
	connStr := fmt.Sprintf("file:ledger-%s?mode=memory&cache=shared", uuid.NewString())
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	// Shared-cache writers fail with SQLITE_LOCKED instead of waiting, so
	// serialise everything through one connection.
	db.SetMaxOpenConns(1)
	return newLedger(ctx, db)
}

func newLedger(ctx context.Context, db *sql.DB) (*Ledger, error) {
	l := &Ledger{db: db}
	if err := l.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return l, nil
}

// Close closes the database connection.
func (s *Ledger) Close() error {
	return s.db.Close()
}

// timeLayout is fixed-width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

// Package reward implements the idempotent reward ledger. A grant is
// keyed (task_id, identity); settling the same pair twice is a no-op.
package reward

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// GrantOutcome reports whether a grant was applied or deduplicated.
type GrantOutcome string

const (
	OutcomeGranted        GrantOutcome = "granted"
	OutcomeAlreadyGranted GrantOutcome = "already_granted"
)

type Ledger struct {
	db *sql.DB
}

func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ledger := &Ledger{db: db}
	if err := ledger.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ledger.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ledger, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := l.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (l *Ledger) initSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS grants (
			task_id        TEXT NOT NULL,
			identity       TEXT NOT NULL,
			tokens_granted REAL NOT NULL,
			granted_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(task_id, identity)
		);
	`)
	if err != nil {
		return fmt.Errorf("create grants table: %w", err)
	}
	return nil
}

// Grant settles a reward for (taskID, identity). The UNIQUE constraint
// makes redelivery safe: a duplicate settles to already_granted without
// touching the stored amount.
func (l *Ledger) Grant(ctx context.Context, taskID, identity string, tokens float64) (GrantOutcome, error) {
	var outcome GrantOutcome
	err := retryOnBusy(ctx, 5, func() error {
		res, err := l.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO grants (task_id, identity, tokens_granted) VALUES (?, ?, ?)`,
			taskID, identity, tokens)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected > 0 {
			outcome = OutcomeGranted
		} else {
			outcome = OutcomeAlreadyGranted
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("grant reward: %w", err)
	}
	return outcome, nil
}

// Granted returns the stored token amount for (taskID, identity), or
// false if no grant exists.
func (l *Ledger) Granted(ctx context.Context, taskID, identity string) (float64, bool, error) {
	var tokens float64
	err := l.db.QueryRowContext(ctx,
		`SELECT tokens_granted FROM grants WHERE task_id = ? AND identity = ?`,
		taskID, identity).Scan(&tokens)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query grant: %w", err)
	}
	return tokens, true, nil
}

// Total sums every token granted to an identity.
func (l *Ledger) Total(ctx context.Context, identity string) (float64, error) {
	var total float64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(tokens_granted), 0) FROM grants WHERE identity = ?`,
		identity).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum grants: %w", err)
	}
	return total, nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with
// exponential backoff and bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

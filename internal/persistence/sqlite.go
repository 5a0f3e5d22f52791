package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/chatdigest/internal/buffer"
)

// SQLiteGateway keeps one JSON payload per conversation in
// conversation_buffers. It also offers a small key/value table.
type SQLiteGateway struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (and creates) the database at path.
func OpenSQLite(path string) (*SQLiteGateway, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	g := &SQLiteGateway{db: db, path: path}
	if err := g.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := g.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return g, nil
}

func (g *SQLiteGateway) Close() error {
	return g.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of the
// driver's busy_timeout (5s).
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
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (g *SQLiteGateway) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := g.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (g *SQLiteGateway) initSchema(ctx context.Context) error {
	if _, err := g.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS conversation_buffers (
			conversation_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS conversation_buffers_corrupt (
			conversation_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			error TEXT NOT NULL,
			quarantined_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Load returns every decodable row. Rows that fail to decode are moved to
// conversation_buffers_corrupt and reported as ErrMalformed alongside the
// rows that did load.
func (g *SQLiteGateway) Load(ctx context.Context) (map[string]buffer.Record, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT conversation_id, payload FROM conversation_buffers;`)
	if err != nil {
		return nil, &PersistenceError{Op: "load", Path: g.path, Err: fmt.Errorf("query buffers: %w", err)}
	}
	defer rows.Close()

	type badRow struct{ id, payload, reason string }
	out := make(map[string]buffer.Record)
	var bad []badRow
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, &PersistenceError{Op: "load", Path: g.path, Err: fmt.Errorf("scan buffer: %w", err)}
		}
		var w wireRecord
		if err := json.Unmarshal([]byte(payload), &w); err != nil {
			bad = append(bad, badRow{id, payload, err.Error()})
			continue
		}
		rec, err := w.record()
		if err != nil {
			bad = append(bad, badRow{id, payload, err.Error()})
			continue
		}
		out[id] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "load", Path: g.path, Err: fmt.Errorf("buffer rows: %w", err)}
	}
	rows.Close()

	if len(bad) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(bad))
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := g.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		for _, b := range bad {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_buffers_corrupt (conversation_id, payload, error) VALUES (?, ?, ?);
			`, b.id, b.payload, b.reason); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_buffers WHERE conversation_id = ?;`, b.id); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	for _, b := range bad {
		ids = append(ids, b.id)
	}
	cause := fmt.Errorf("%w: conversations %s", ErrMalformed, strings.Join(ids, ", "))
	if err != nil {
		cause = errors.Join(cause, fmt.Errorf("quarantine: %w", err))
	}
	return out, &PersistenceError{Op: "load", Path: g.path, Backup: "conversation_buffers_corrupt", Err: cause}
}

// Save replaces the table contents in one transaction.
func (g *SQLiteGateway) Save(ctx context.Context, records map[string]buffer.Record) error {
	payloads := make(map[string]string, len(records))
	for id, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return &PersistenceError{Op: "save", Path: g.path, Err: fmt.Errorf("encode %q: %w", id, err)}
		}
		payloads[id] = string(data)
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := g.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin save tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_buffers;`); err != nil {
			return fmt.Errorf("clear buffers: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO conversation_buffers (conversation_id, payload, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP);
		`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()
		for id, payload := range payloads {
			if _, err := stmt.ExecContext(ctx, id, payload); err != nil {
				return fmt.Errorf("insert %q: %w", id, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return &PersistenceError{Op: "save", Path: g.path, Err: err}
	}
	return nil
}

func (g *SQLiteGateway) KVSet(ctx context.Context, key, val string) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
	`, key, val)
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// KVGet retrieves a value from the kv_store. Returns empty string if key not found.
func (g *SQLiteGateway) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := g.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("kv_get: %w", err)
	}
	return val, nil
}

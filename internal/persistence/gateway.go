// Package persistence saves and restores the buffer store between runs.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/chatdigest/internal/buffer"
)

// ErrMalformed marks stored state that could not be decoded.
var ErrMalformed = errors.New("persistence: malformed state")

// Gateway loads and saves whole-store snapshots. Saves must not be issued
// concurrently; the coordinator serializes them.
type Gateway interface {
	Load(ctx context.Context) (map[string]buffer.Record, error)
	Save(ctx context.Context, records map[string]buffer.Record) error
	Close() error
}

// PersistenceError wraps a failed load or save.
type PersistenceError struct {
	Op   string // "load" or "save"
	Path string
	// Backup is where a malformed file was moved, if anywhere.
	Backup string
	Err    error
}

func (e *PersistenceError) Error() string {
	msg := fmt.Sprintf("persistence %s %s: %v", e.Op, e.Path, e.Err)
	if e.Backup != "" {
		msg += " (moved to " + e.Backup + ")"
	}
	return msg
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Backend names.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config selects a backend.
type Config struct {
	Backend string `yaml:"backend"`
	// Path defaults to <home>/message_store.json or <home>/chatdigest.db.
	Path string `yaml:"path"`
}

// Open builds the configured gateway under homeDir.
func Open(cfg Config, homeDir string) (Gateway, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendFile:
		path := cfg.Path
		if path == "" {
			path = filepath.Join(homeDir, "message_store.json")
		}
		return NewFileGateway(path)
	case BackendSQLite:
		path := cfg.Path
		if path == "" {
			path = filepath.Join(homeDir, "chatdigest.db")
		}
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}

// wireMessage accepts timestamps with or without a zone so state written by
// older tools, which stored naive local ISO times, still loads.
type wireMessage struct {
	Time   string `json:"time"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

type wireRecord struct {
	Messages        []wireMessage `json:"messages"`
	Count           int           `json:"count"`
	LastSummaryAt   string        `json:"lastSummaryAt,omitempty"`
	LastScheduledAt string        `json:"lastScheduledAt,omitempty"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if layout == time.RFC3339Nano {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func parseOptionalTime(s string) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := parseTime(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (w wireRecord) record() (buffer.Record, error) {
	rec := buffer.Record{Count: w.Count}
	if rec.Count < 0 {
		return rec, fmt.Errorf("negative count %d", w.Count)
	}
	rec.Messages = make([]buffer.Message, 0, len(w.Messages))
	for i, m := range w.Messages {
		ts, err := parseTime(m.Time)
		if err != nil {
			return rec, fmt.Errorf("message %d: %w", i, err)
		}
		rec.Messages = append(rec.Messages, buffer.Message{Timestamp: ts, Sender: m.Sender, Text: m.Text})
	}
	var err error
	if rec.LastSummaryAt, err = parseOptionalTime(w.LastSummaryAt); err != nil {
		return rec, fmt.Errorf("lastSummaryAt: %w", err)
	}
	if rec.LastScheduledAt, err = parseOptionalTime(w.LastScheduledAt); err != nil {
		return rec, fmt.Errorf("lastScheduledAt: %w", err)
	}
	return rec, nil
}

func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	return nil
}

package persistence

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/moby/sys/atomicwriter"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/chatdigest/internal/buffer"
)

//go:embed state.schema.json
var stateSchemaJSON []byte

func compileStateSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(stateSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal state schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("state.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("state.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile state schema: %w", err)
	}
	return schema, nil
}

// FileGateway stores the whole buffer store as one indented JSON document.
type FileGateway struct {
	path   string
	schema *jsonschema.Schema
	now    func() time.Time
}

// NewFileGateway returns a gateway for path. The file need not exist.
func NewFileGateway(path string) (*FileGateway, error) {
	schema, err := compileStateSchema()
	if err != nil {
		return nil, err
	}
	return &FileGateway{path: path, schema: schema, now: time.Now}, nil
}

// Path returns the state file location.
func (g *FileGateway) Path() string { return g.path }

// Load reads the state file. A missing or empty file yields an empty store.
// A file that is not valid JSON or does not match the schema is moved to
// <path>.corrupt-<unix> and reported as ErrMalformed.
func (g *FileGateway) Load(ctx context.Context) (map[string]buffer.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(g.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]buffer.Record{}, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load", Path: g.path, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]buffer.Record{}, nil
	}

	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, g.malformed(fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	if err := g.schema.Validate(doc); err != nil {
		return nil, g.malformed(fmt.Errorf("%w: %v", ErrMalformed, err))
	}

	var wire map[string]wireRecord
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, g.malformed(fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	out := make(map[string]buffer.Record, len(wire))
	for id, w := range wire {
		rec, err := w.record()
		if err != nil {
			return nil, g.malformed(fmt.Errorf("%w: conversation %q: %v", ErrMalformed, id, err))
		}
		out[id] = rec
	}
	return out, nil
}

func (g *FileGateway) malformed(cause error) error {
	perr := &PersistenceError{Op: "load", Path: g.path, Err: cause}
	backup := fmt.Sprintf("%s.corrupt-%d", g.path, g.now().Unix())
	if err := os.Rename(g.path, backup); err == nil {
		perr.Backup = backup
	}
	return perr
}

// Save replaces the state file atomically: readers see either the old or the
// new document, never a partial one.
func (g *FileGateway) Save(ctx context.Context, records map[string]buffer.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if records == nil {
		records = map[string]buffer.Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "save", Path: g.path, Err: err}
	}
	data = append(data, '\n')
	if err := ensureDir(g.path); err != nil {
		return &PersistenceError{Op: "save", Path: g.path, Err: err}
	}
	if err := atomicwriter.WriteFile(g.path, data, 0o600); err != nil {
		return &PersistenceError{Op: "save", Path: g.path, Err: err}
	}
	return nil
}

// Close is a no-op.
func (g *FileGateway) Close() error { return nil }

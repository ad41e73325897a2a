// Package anchor publishes audit chain tips to an external location so a
// rewritten chain can be detected even when every hash recomputes.
package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fleetops/warden/pkg/audit"
)

// Anchor records a chain tip outside the audit store.
type Anchor interface {
	Publish(ctx context.Context, tip audit.Tip) error
}

// Record is one published tip.
type Record struct {
	audit.Tip
	PublishedAt time.Time `json:"published_at"`
}

// FileAnchor appends tips as JSON lines to a file.
type FileAnchor struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewFileAnchor creates a FileAnchor writing to path. Parent directories
// are created on first publish.
func NewFileAnchor(path string) *FileAnchor {
	return &FileAnchor{path: path, now: time.Now}
}

// Publish implements Anchor.
func (a *FileAnchor) Publish(ctx context.Context, tip audit.Tip) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := json.Marshal(Record{Tip: tip, PublishedAt: a.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode anchor record: %w", err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("failed to create anchor directory: %w", err)
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open anchor file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to write anchor record: %w", err)
	}
	return f.Sync()
}

// ReadFile returns every record in a FileAnchor file.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []Record
	dec := json.NewDecoder(f)
	for dec.More() {
		var r Record
		if err := dec.Decode(&r); err != nil {
			return nil, fmt.Errorf("invalid anchor record: %w", err)
		}
		records = append(records, r)
	}
	return records, nil
}

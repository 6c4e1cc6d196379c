// Package ledger mirrors terminal review decisions to an append-only JSONL
// file for external observers.
//
// The canonical ledger is the SQLite table written atomically with each
// state transition; this file is a best-effort projection appended after
// commit. One JSON record per line, never rewritten.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gantry/internal/logging"
	"gantry/internal/task"
)

// Mirror appends decision records to a JSONL file.
type Mirror struct {
	path string
	mu   sync.Mutex
}

// NewMirror creates a mirror writing to path.
func NewMirror(path string) *Mirror {
	return &Mirror{path: path}
}

// Append writes one record. Errors are logged, not propagated: the mirror
// must never fail a committed decision.
func (m *Mirror) Append(e *task.LedgerEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.append(e); err != nil {
		logging.Get(logging.CategoryGavel).Error("ledger mirror append failed: %v", err)
	}
}

func (m *Mirror) append(e *task.LedgerEntry) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Read returns every mirrored record, oldest first. Malformed lines are
// skipped.
func (m *Mirror) Read() ([]*task.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []*task.LedgerEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e task.LedgerEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, &e)
	}
	return out, scanner.Err()
}

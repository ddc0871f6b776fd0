// Package audit maintains the append-only startup-event ledger: every
// fatal startup failure (spec.md §7 error codes) is recorded here before
// the process exits, independent of whatever structured logger is or isn't
// available yet.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/observer-core/internal/shared"
)

type entry struct {
	Timestamp  string `json:"timestamp"`
	Level      string `json:"level"`
	Component  string `json:"component"`
	ReasonCode string `json:"reasonCode"`
	Message    string `json:"message,omitempty"`
}

var (
	mu   sync.Mutex
	file *os.File
)

// Init opens logs/audit.jsonl under homeDir for appending.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// Close closes the audit file handle.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Record appends a startup-event entry. Safe to call before Init; entries
// recorded before Init or after Close are silently dropped since nowhere
// else could observe a startup failure that predates the data directory.
func Record(level, component, reasonCode, message string) {
	message = shared.Redact(message)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      level,
		Component:  component,
		ReasonCode: reasonCode,
		Message:    message,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}

// Package errtrack persists a post-mortem record of every terminal task
// failure: the full cause chain plus free-form context, appended as
// JSON Lines to the configured error log file.
package errtrack

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one tracked failure.
type Record struct {
	TaskID    string            `json:"task_id"`
	Timestamp time.Time         `json:"timestamp"`
	ErrorType string            `json:"error_type"`
	Message   string            `json:"message"`
	CauseChain []string         `json:"cause_chain"`
	Context   map[string]string `json:"context,omitempty"`
}

// Tracker appends Records to a JSON Lines file. A nil *Tracker is
// valid and silently drops records, so callers can wire it
// unconditionally even when no error log path was configured.
type Tracker struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Open creates (or appends to) the error log at path. Intermediate
// directories are created as needed.
func Open(path string) (*Tracker, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("errtrack: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("errtrack: open %s: %w", path, err)
	}
	return &Tracker{path: path, file: f}, nil
}

// Track records err against taskID with free-form context and returns
// the record, so callers can also embed a formatted summary in the
// task's last_error field.
func (t *Tracker) Track(taskID string, err error, context map[string]string) Record {
	rec := Record{
		TaskID:     taskID,
		Timestamp:  time.Now().UTC(),
		ErrorType:  fmt.Sprintf("%T", err),
		Message:    err.Error(),
		CauseChain: causeChain(err),
		Context:    context,
	}

	if t == nil {
		return rec
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	line, marshalErr := json.Marshal(rec)
	if marshalErr != nil {
		return rec
	}
	line = append(line, '\n')
	_, _ = t.file.Write(line)

	return rec
}

// FormatReport renders rec as a human-readable report suitable for a
// task's last_error field when a failure is terminal.
func FormatReport(rec Record) string {
	report := fmt.Sprintf("ERROR REPORT\ntask: %s\ntime: %s\ntype: %s\nmessage: %s\n",
		rec.TaskID, rec.Timestamp.Format(time.RFC3339), rec.ErrorType, rec.Message)
	if len(rec.CauseChain) > 0 {
		report += "cause chain:\n"
		for _, c := range rec.CauseChain {
			report += "  - " + c + "\n"
		}
	}
	return report
}

// Close closes the underlying file. Safe to call on a nil Tracker.
func (t *Tracker) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file.Close()
}

func causeChain(err error) []string {
	var chain []string
	for err != nil {
		chain = append(chain, err.Error())
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return chain
}

package task

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Export implements Store: one JSON Task object per line.
func (s *FileStore) Export(ctx context.Context, w io.Writer) error {
	s.mu.RLock()
	tasks := taskSlice(s.tasks)
	s.mu.RUnlock()

	enc := json.NewEncoder(w)
	for _, t := range tasks {
		if err := enc.Encode(t); err != nil {
			return NewStoreError("export", err)
		}
	}
	return nil
}

// Import implements Store: reads JSON-Lines Tasks, creating any whose
// ID doesn't already exist. Existing tasks are left untouched so that
// Export followed by Import on a fresh store is idempotent and
// round-trips to an equivalent logical state.
func (s *FileStore) Import(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var imported []*Task
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var t Task
		if err := json.Unmarshal(line, &t); err != nil {
			return NewStoreError("import", fmt.Errorf("decode line: %w", err))
		}
		imported = append(imported, &t)
	}
	if err := scanner.Err(); err != nil {
		return NewStoreError("import", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range imported {
		if _, exists := s.tasks[t.ID]; exists {
			continue
		}
		cp := *t
		s.tasks[cp.ID] = &cp
	}
	return s.persist()
}

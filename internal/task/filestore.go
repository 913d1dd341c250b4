package task

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileStore is a file-backed Store guarded by an in-process mutex and
// an advisory exclusive lock file: a file-based queue with an advisory
// lock, giving at-most-one-writer semantics via an exclusive
// process-level lock on the backing directory. Adapted from a
// memory/file task registry pattern, extended with an audit trail and
// priority ordering.
type FileStore struct {
	mu       sync.RWMutex
	dir      string
	tasks    map[string]*Task
	nextSeq  int
	lockFile *os.File

	auditPath string
	auditMu   sync.Mutex
}

// OpenFileStore opens (creating if necessary) a file-backed store
// rooted at dir. It fails immediately if another process already holds
// the advisory lock, enforcing single-dispatcher ownership.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, NewStoreError("open", fmt.Errorf("create store dir: %w", err))
	}

	lockPath := filepath.Join(dir, ".lock")
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, NewStoreError("open", fmt.Errorf("store at %s is already locked by another process", dir))
		}
		return nil, NewStoreError("open", fmt.Errorf("create lock file: %w", err))
	}
	fmt.Fprintf(lockFile, "%d\n", os.Getpid())

	s := &FileStore{
		dir:       dir,
		tasks:     make(map[string]*Task),
		lockFile:  lockFile,
		auditPath: filepath.Join(dir, "audit.jsonl"),
	}

	if err := s.load(); err != nil {
		lockFile.Close()
		os.Remove(lockPath)
		return nil, err
	}
	return s, nil
}

func (s *FileStore) tasksPath() string { return filepath.Join(s.dir, "tasks.json") }

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.tasksPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return NewStoreError("load", err)
	}
	if len(data) == 0 {
		return nil
	}
	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return NewStoreError("load", fmt.Errorf("corrupt tasks.json: %w", err))
	}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return nil
}

// persist writes the full task set durably: a write to a temp file
// followed by fsync and an atomic rename, so a crash mid-write never
// corrupts the previous durable state: writes are durable before
// return.
func (s *FileStore) persist() error {
	data, err := json.Marshal(taskSlice(s.tasks))
	if err != nil {
		return NewStoreError("persist", err)
	}

	tmpPath := s.tasksPath() + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return NewStoreError("persist", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return NewStoreError("persist", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return NewStoreError("persist", err)
	}
	if err := f.Close(); err != nil {
		return NewStoreError("persist", err)
	}
	if err := os.Rename(tmpPath, s.tasksPath()); err != nil {
		return NewStoreError("persist", err)
	}
	return nil
}

func taskSlice(m map[string]*Task) []*Task {
	out := make([]*Task, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *FileStore) appendAudit(entry AuditEntry) error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	f, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return NewStoreError("audit", err)
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return NewStoreError("audit", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return NewStoreError("audit", err)
	}
	return f.Sync()
}

// ReadyTasks implements Store.
func (s *FileStore) ReadyTasks(ctx context.Context, limit int) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	closedSet := make(map[string]bool, len(s.tasks))
	for id, t := range s.tasks {
		closedSet[id] = t.Status == StatusClosed
	}

	ready := make([]*Task, 0)
	for _, t := range s.tasks {
		if IsReady(t, closedSet) {
			cp := *t
			ready = append(ready, &cp)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// Create implements Store.
func (s *FileStore) Create(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, exists := s.tasks[t.ID]; exists {
		return ErrDuplicateTask
	}
	now := time.Now().UTC()
	cp := *t
	if cp.Status == "" {
		cp.Status = StatusOpen
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.tasks[cp.ID] = &cp

	if err := s.persist(); err != nil {
		delete(s.tasks, cp.ID)
		return err
	}
	*t = cp
	return nil
}

// Update implements Store.
func (s *FileStore) Update(ctx context.Context, id string, newStatus Status, opts ...UpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}

	if t.Status.IsTerminal() && newStatus == StatusOpen {
		return ErrTerminalTransition
	}

	o := collectOptions(opts)

	prior := t.Status
	updated := *t
	updated.Status = newStatus
	if o.Result != nil {
		updated.Result = *o.Result
	}
	if o.Error != nil {
		updated.LastError = *o.Error
	}
	if o.Attempt != nil {
		if *o.Attempt < updated.AttemptCount {
			return fmt.Errorf("task: attempt_count cannot decrease (have %d, got %d)", updated.AttemptCount, *o.Attempt)
		}
		updated.AttemptCount = *o.Attempt
	}
	updated.UpdatedAt = time.Now().UTC()
	if newStatus == StatusClosed && updated.ClosedAt == nil {
		closedAt := updated.UpdatedAt
		updated.ClosedAt = &closedAt
	}
	if newStatus != StatusClosed {
		updated.ClosedAt = nil
	}

	prevTask := *t
	s.tasks[id] = &updated

	if err := s.persist(); err != nil {
		s.tasks[id] = &prevTask
		return err
	}

	entry := AuditEntry{
		TaskID:     id,
		FromStatus: prior,
		ToStatus:   newStatus,
		Timestamp:  updated.UpdatedAt,
		Error:      updated.LastError,
	}
	if err := s.appendAudit(entry); err != nil {
		// The state transition is already durable; the audit write
		// failing is logged by the caller via the returned error but
		// does not roll back the transition: commit errors are
		// retried/escalated, not undone once durable.
		return err
	}
	return nil
}

// Stats implements Store.
func (s *FileStore) Stats(ctx context.Context) (StatsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := make(StatsSnapshot)
	for _, t := range s.tasks {
		snap[t.Status]++
	}
	return snap, nil
}

// Audit implements Store.
func (s *FileStore) Audit(ctx context.Context, id string, limit int) ([]AuditEntry, error) {
	f, err := os.Open(s.auditPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, NewStoreError("audit", err)
	}
	defer f.Close()

	var all []AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if id != "" && entry.TaskID != id {
			continue
		}
		all = append(all, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, NewStoreError("audit", err)
	}

	// Most recent first.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockPath := s.lockFile.Name()
	if err := s.lockFile.Close(); err != nil {
		return err
	}
	return os.Remove(lockPath)
}

var _ io.Closer = (*FileStore)(nil)

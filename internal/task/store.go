package task

import (
	"context"
	"errors"
	"io"
)

// StoreError wraps any persistence failure: the dispatcher treats a
// StoreError on commit as urgent but non-fatal.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err with the failing operation name.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// ErrDuplicateTask is returned by Create for an already-existing ID.
var ErrDuplicateTask = errors.New("task: duplicate id")

// ErrTerminalTransition is returned by Update when the caller attempts
// to move a task out of a terminal state back to open.
var ErrTerminalTransition = errors.New("task: cannot reopen a terminal task")

// ErrNotFound is returned by Get/Update for an unknown task ID.
var ErrNotFound = errors.New("task: not found")

// UpdateOptions carries the optional fields an Update call may set
// alongside the new status.
type UpdateOptions struct {
	Result  *string
	Error   *string
	Attempt *int
}

// UpdateOption customises an Update call.
type UpdateOption func(*UpdateOptions)

// WithResult sets the task's result text on this transition.
func WithResult(result string) UpdateOption {
	return func(o *UpdateOptions) { r := TruncateResult(result); o.Result = &r }
}

// WithError sets the task's last_error text on this transition.
func WithError(errText string) UpdateOption {
	return func(o *UpdateOptions) { e := TruncateError(errText); o.Error = &e }
}

// WithAttempt sets the task's attempt_count on this transition. Stores
// must reject a value lower than the task's current attempt_count:
// attempt_count only increases.
func WithAttempt(attempt int) UpdateOption {
	return func(o *UpdateOptions) { o.Attempt = &attempt }
}

func collectOptions(opts []UpdateOption) UpdateOptions {
	var o UpdateOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Store is the durable, transactional, priority-ordered task store.
// Implementations must provide at-most-one-writer semantics via an
// exclusive process-level lock, write durability, and an append-only
// audit log.
type Store interface {
	// ReadyTasks returns up to limit ready tasks (open, non-epic,
	// dependencies satisfied), ordered by (priority asc, created_at
	// asc). limit <= 0 means unbounded.
	ReadyTasks(ctx context.Context, limit int) ([]*Task, error)

	// Get retrieves a task by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*Task, error)

	// Create persists a new task. Returns ErrDuplicateTask for an
	// existing ID.
	Create(ctx context.Context, t *Task) error

	// Update atomically transitions id to newStatus, applying opts.
	// Either all fields (plus updated_at, and closed_at when moving to
	// closed) are persisted, or none are. Returns
	// ErrTerminalTransition when attempting to reopen a terminal task.
	Update(ctx context.Context, id string, newStatus Status, opts ...UpdateOption) error

	// Stats returns the count of tasks per status.
	Stats(ctx context.Context) (StatsSnapshot, error)

	// Audit returns transitions for id (all tasks if id == ""), most
	// recent first, bounded by limit (limit <= 0 means unbounded).
	Audit(ctx context.Context, id string, limit int) ([]AuditEntry, error)

	// Export writes every task as one JSON object per line, for
	// compatibility export to a JSON-Lines file.
	Export(ctx context.Context, w io.Writer) error

	// Import reads tasks from JSON-Lines form, creating any that don't
	// already exist and leaving existing ones untouched.
	Import(ctx context.Context, r io.Reader) error

	// Close releases the store's resources, including its exclusive
	// writer lock.
	Close() error
}

// IsReady reports whether t is eligible for dispatch given the full
// task set (for dependency resolution). closedSet reports, for each
// task ID, whether that task is closed.
func IsReady(t *Task, closedSet map[string]bool) bool {
	if t.Status != StatusOpen || t.IsEpic() {
		return false
	}
	for _, dep := range t.Dependencies {
		if !closedSet[dep] {
			return false
		}
	}
	return true
}

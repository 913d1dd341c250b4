package task

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists tasks in Postgres. It implements the same
// Store contract as FileStore, a drop-in replacement for the
// file-based queue, retargeted to the dispatcher's Task shape and its
// ready/audit queries.
//
// Exclusive single-writer ownership is enforced with a session-level
// Postgres advisory lock held for the pool's lifetime, rather than a
// lock file, since multiple dispatcher processes may share one
// database.
type PostgresStore struct {
	pool     *pgxpool.Pool
	lockConn *pgxpool.Conn
}

const dispatcherAdvisoryLockKey = 0x4449535041544348 // "DISPATCH" truncated to int64

// OpenPostgresStore connects to Postgres, ensures the schema exists,
// and acquires the exclusive dispatcher lock.
func OpenPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, NewStoreError("open", fmt.Errorf("acquire lock connection: %w", err))
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", int64(dispatcherAdvisoryLockKey)).Scan(&acquired); err != nil {
		conn.Release()
		return nil, NewStoreError("open", fmt.Errorf("acquire advisory lock: %w", err))
	}
	if !acquired {
		conn.Release()
		return nil, NewStoreError("open", fmt.Errorf("another dispatcher process already owns this store"))
	}

	s := &PostgresStore{pool: pool, lockConn: conn}
	if err := s.ensureSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS dispatcher_tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	priority INT NOT NULL DEFAULT 2,
	issue_type TEXT NOT NULL DEFAULT 'task',
	labels JSONB NOT NULL DEFAULT '[]',
	dependencies JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	closed_at TIMESTAMPTZ,
	result TEXT NOT NULL DEFAULT '',
	attempt_count INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS dispatcher_tasks_ready_idx
	ON dispatcher_tasks (priority, created_at) WHERE status = 'open';
CREATE TABLE IF NOT EXISTS dispatcher_task_audit (
	seq BIGSERIAL PRIMARY KEY,
	task_id TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS dispatcher_task_audit_task_idx ON dispatcher_task_audit (task_id, seq DESC);
`)
	if err != nil {
		return NewStoreError("ensure_schema", err)
	}
	return nil
}

// ReadyTasks implements Store.
func (s *PostgresStore) ReadyTasks(ctx context.Context, limit int) ([]*Task, error) {
	query := `
SELECT t.id, t.title, t.description, t.status, t.priority, t.issue_type,
       t.labels, t.dependencies, t.created_at, t.updated_at, t.closed_at,
       t.result, t.attempt_count, t.last_error
FROM dispatcher_tasks t
WHERE t.status = 'open' AND t.issue_type <> 'epic'
  AND NOT EXISTS (
    SELECT 1 FROM jsonb_array_elements_text(t.dependencies) dep
    WHERE NOT EXISTS (
      SELECT 1 FROM dispatcher_tasks d WHERE d.id = dep AND d.status = 'closed'
    )
  )
ORDER BY t.priority ASC, t.created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, NewStoreError("ready_tasks", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, NewStoreError("ready_tasks", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var labels, deps []byte
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.IssueType,
		&labels, &deps, &t.CreatedAt, &t.UpdatedAt, &t.ClosedAt, &t.Result, &t.AttemptCount, &t.LastError); err != nil {
		return nil, err
	}
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &t.Labels); err != nil {
			return nil, err
		}
	}
	if len(deps) > 0 {
		if err := json.Unmarshal(deps, &t.Dependencies); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, title, description, status, priority, issue_type, labels, dependencies,
       created_at, updated_at, closed_at, result, attempt_count, last_error
FROM dispatcher_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, NewStoreError("get", err)
	}
	return t, nil
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, t *Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusOpen
	}
	labels, _ := json.Marshal(t.Labels)
	deps, _ := json.Marshal(t.Dependencies)

	_, err := s.pool.Exec(ctx, `
INSERT INTO dispatcher_tasks
	(id, title, description, status, priority, issue_type, labels, dependencies,
	 created_at, updated_at, closed_at, result, attempt_count, last_error)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		t.ID, t.Title, t.Description, t.Status, t.Priority, t.IssueType, labels, deps,
		t.CreatedAt, t.UpdatedAt, t.ClosedAt, t.Result, t.AttemptCount, t.LastError)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTask
		}
		return NewStoreError("create", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// pgx surfaces unique-violation as SQLSTATE 23505; checking it through
	// a SQLState() interface keeps this file independent of pgconn's
	// concrete error type.
	return err != nil && (containsCode(err, "23505"))
}

func containsCode(err error, code string) bool {
	type sqlStater interface{ SQLState() string }
	var s sqlStater
	for e := err; e != nil; {
		if st, ok := e.(sqlStater); ok {
			s = st
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return s != nil && s.SQLState() == code
}

// Update implements Store.
func (s *PostgresStore) Update(ctx context.Context, id string, newStatus Status, opts ...UpdateOption) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return NewStoreError("update", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT status, attempt_count FROM dispatcher_tasks WHERE id = $1 FOR UPDATE`, id)
	var prior Status
	var attemptCount int
	if err := row.Scan(&prior, &attemptCount); err != nil {
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		return NewStoreError("update", err)
	}
	if prior.IsTerminal() && newStatus == StatusOpen {
		return ErrTerminalTransition
	}

	o := collectOptions(opts)
	now := time.Now().UTC()

	setClauses := []string{"status = $2", "updated_at = $3"}
	args := []any{id, newStatus, now}
	argN := 4

	if o.Result != nil {
		setClauses = append(setClauses, fmt.Sprintf("result = $%d", argN))
		args = append(args, *o.Result)
		argN++
	}
	errText := ""
	if o.Error != nil {
		errText = *o.Error
		setClauses = append(setClauses, fmt.Sprintf("last_error = $%d", argN))
		args = append(args, errText)
		argN++
	}
	if o.Attempt != nil {
		if *o.Attempt < attemptCount {
			return fmt.Errorf("task: attempt_count cannot decrease (have %d, got %d)", attemptCount, *o.Attempt)
		}
		setClauses = append(setClauses, fmt.Sprintf("attempt_count = $%d", argN))
		args = append(args, *o.Attempt)
		argN++
	}
	if newStatus == StatusClosed {
		setClauses = append(setClauses, fmt.Sprintf("closed_at = COALESCE(closed_at, $%d)", argN))
		args = append(args, now)
		argN++
	} else {
		setClauses = append(setClauses, "closed_at = NULL")
	}

	query := "UPDATE dispatcher_tasks SET "
	for i, c := range setClauses {
		if i > 0 {
			query += ", "
		}
		query += c
	}
	query += " WHERE id = $1"

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return NewStoreError("update", err)
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO dispatcher_task_audit (task_id, from_status, to_status, timestamp, error)
VALUES ($1,$2,$3,$4,$5)`, id, prior, newStatus, now, errText); err != nil {
		return NewStoreError("update", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return NewStoreError("update", err)
	}
	return nil
}

// Stats implements Store.
func (s *PostgresStore) Stats(ctx context.Context) (StatsSnapshot, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM dispatcher_tasks GROUP BY status`)
	if err != nil {
		return nil, NewStoreError("stats", err)
	}
	defer rows.Close()

	snap := make(StatsSnapshot)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, NewStoreError("stats", err)
		}
		snap[status] = count
	}
	return snap, rows.Err()
}

// Audit implements Store.
func (s *PostgresStore) Audit(ctx context.Context, id string, limit int) ([]AuditEntry, error) {
	query := `SELECT task_id, from_status, to_status, timestamp, error FROM dispatcher_task_audit`
	var args []any
	if id != "" {
		query += " WHERE task_id = $1"
		args = append(args, id)
	}
	query += " ORDER BY seq DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, NewStoreError("audit", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.TaskID, &e.FromStatus, &e.ToStatus, &e.Timestamp, &e.Error); err != nil {
			return nil, NewStoreError("audit", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Export implements Store.
func (s *PostgresStore) Export(ctx context.Context, w io.Writer) error {
	rows, err := s.pool.Query(ctx, `
SELECT id, title, description, status, priority, issue_type, labels, dependencies,
       created_at, updated_at, closed_at, result, attempt_count, last_error
FROM dispatcher_tasks ORDER BY created_at ASC`)
	if err != nil {
		return NewStoreError("export", err)
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return NewStoreError("export", err)
		}
		if err := enc.Encode(t); err != nil {
			return NewStoreError("export", err)
		}
	}
	return rows.Err()
}

// Import implements Store.
func (s *PostgresStore) Import(ctx context.Context, r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var t Task
		if err := dec.Decode(&t); err != nil {
			if err == io.EOF {
				return nil
			}
			return NewStoreError("import", err)
		}
		if err := s.Create(ctx, &t); err != nil && err != ErrDuplicateTask {
			return err
		}
	}
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	ctx := context.Background()
	_, err := s.lockConn.Exec(ctx, "SELECT pg_advisory_unlock($1)", int64(dispatcherAdvisoryLockKey))
	s.lockConn.Release()
	return err
}

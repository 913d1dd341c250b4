package task

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These exercise PostgresStore against a real database. They're opt-in:
// set TASK_DISPATCHER_TEST_DATABASE_URL to a scratch Postgres instance to
// run them; otherwise they're skipped, since no database is available in
// this environment.
func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TASK_DISPATCHER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TASK_DISPATCHER_TEST_DATABASE_URL not set, skipping Postgres integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, "DROP TABLE IF EXISTS dispatcher_tasks, dispatcher_task_audit")
	require.NoError(t, err)

	s, err := OpenPostgresStore(ctx, pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresStoreCreateAndGet(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &Task{ID: "p1", Title: "build"}))

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)
}

func TestPostgresStoreCreateRejectsDuplicateID(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &Task{ID: "dup"}))
	err := s.Create(ctx, &Task{ID: "dup"})
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestPostgresStoreUpdateEnforcesTerminalTransition(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Task{ID: "t1"}))
	require.NoError(t, s.Update(ctx, "t1", StatusClosed))

	err := s.Update(ctx, "t1", StatusOpen)
	assert.ErrorIs(t, err, ErrTerminalTransition)
}

func TestPostgresStoreReadyTasksExcludesBlockedDependencies(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Task{ID: "base"}))
	require.NoError(t, s.Create(ctx, &Task{ID: "dependent", Dependencies: []string{"base"}}))

	ready, err := s.ReadyTasks(ctx, 0)
	require.NoError(t, err)
	ids := make([]string, len(ready))
	for i, tk := range ready {
		ids[i] = tk.ID
	}
	assert.Contains(t, ids, "base")
	assert.NotContains(t, ids, "dependent")

	require.NoError(t, s.Update(ctx, "base", StatusClosed))
	ready, err = s.ReadyTasks(ctx, 0)
	require.NoError(t, err)
	ids = make([]string, len(ready))
	for i, tk := range ready {
		ids[i] = tk.ID
	}
	assert.Contains(t, ids, "dependent")
}

func TestPostgresStoreStatsAndAudit(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Task{ID: "t1"}))
	require.NoError(t, s.Update(ctx, "t1", StatusInProgress))
	require.NoError(t, s.Update(ctx, "t1", StatusClosed, WithResult("done")))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[StatusClosed])

	entries, err := s.Audit(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, StatusClosed, entries[0].ToStatus)
}

func TestPostgresStoreExportImportRoundTrip(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Task{ID: "a", Title: "first"}))
	require.NoError(t, s.Create(ctx, &Task{ID: "b", Title: "second"}))

	var buf bytes.Buffer
	require.NoError(t, s.Export(ctx, &buf))

	require.NoError(t, s.Import(ctx, bytes.NewReader(buf.Bytes())))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Title)
}

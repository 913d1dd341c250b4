package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := OpenFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenFileStoreRefusesSecondWriter(t *testing.T) {
	dir := t.TempDir()
	s1, err := OpenFileStore(dir)
	require.NoError(t, err)
	defer s1.Close()

	_, err = OpenFileStore(dir)
	assert.Error(t, err, "a second store over the same directory must fail to acquire the lock")
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := &Task{ID: "t1", Title: "build", Priority: 1}
	require.NoError(t, s.Create(ctx, tk))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestCreateDuplicateIDFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &Task{ID: "dup"}))
	err := s.Create(ctx, &Task{ID: "dup"})
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadyTasksOrdersByPriorityThenCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &Task{ID: "low-pri", Priority: 3}))
	require.NoError(t, s.Create(ctx, &Task{ID: "high-pri-a", Priority: 0}))
	require.NoError(t, s.Create(ctx, &Task{ID: "high-pri-b", Priority: 0}))

	ready, err := s.ReadyTasks(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ready, 3)
	assert.Equal(t, "high-pri-a", ready[0].ID)
	assert.Equal(t, "high-pri-b", ready[1].ID)
	assert.Equal(t, "low-pri", ready[2].ID)
}

func TestReadyTasksExcludesEpicsAndUnsatisfiedDependencies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &Task{ID: "epic", IssueType: "epic"}))
	require.NoError(t, s.Create(ctx, &Task{ID: "blocked", Dependencies: []string{"unfinished"}}))
	require.NoError(t, s.Create(ctx, &Task{ID: "unfinished"}))
	require.NoError(t, s.Create(ctx, &Task{ID: "free"}))

	ready, err := s.ReadyTasks(ctx, 0)
	require.NoError(t, err)
	ids := make([]string, len(ready))
	for i, t := range ready {
		ids[i] = t.ID
	}
	assert.ElementsMatch(t, []string{"unfinished", "free"}, ids)
}

func TestReadyTasksRespectsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Create(ctx, &Task{ID: string(rune('a' + i))}))
	}

	ready, err := s.ReadyTasks(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, ready, 2)
}

func TestUpdateClosedSetsClosedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Task{ID: "t1"}))

	require.NoError(t, s.Update(ctx, "t1", StatusClosed, WithResult("done")))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
	assert.Equal(t, "done", got.Result)
	require.NotNil(t, got.ClosedAt)
}

func TestUpdateRefusesReopeningTerminalTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Task{ID: "t1"}))
	require.NoError(t, s.Update(ctx, "t1", StatusClosed))

	err := s.Update(ctx, "t1", StatusOpen)
	assert.ErrorIs(t, err, ErrTerminalTransition)
}

func TestUpdateRefusesDecreasingAttemptCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Task{ID: "t1"}))
	require.NoError(t, s.Update(ctx, "t1", StatusInProgress, WithAttempt(2)))

	err := s.Update(ctx, "t1", StatusInProgress, WithAttempt(1))
	assert.Error(t, err)
}

func TestUpdateUnknownTaskReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.Update(context.Background(), "missing", StatusClosed)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatsCountsPerStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Task{ID: "a"}))
	require.NoError(t, s.Create(ctx, &Task{ID: "b"}))
	require.NoError(t, s.Update(ctx, "b", StatusClosed))

	snap, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap[StatusOpen])
	assert.Equal(t, 1, snap[StatusClosed])
}

func TestAuditRecordsTransitionsMostRecentFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Task{ID: "t1"}))
	require.NoError(t, s.Update(ctx, "t1", StatusInProgress))
	require.NoError(t, s.Update(ctx, "t1", StatusClosed, WithResult("ok")))

	entries, err := s.Audit(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, StatusClosed, entries[0].ToStatus)
	assert.Equal(t, StatusInProgress, entries[1].ToStatus)
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background(), &Task{ID: "t1", Title: "persisted"}))
	require.NoError(t, s.Close())

	s2, err := OpenFileStore(dir)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Title)
}

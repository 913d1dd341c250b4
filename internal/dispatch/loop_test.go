package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dispatchlab/taskdispatcher/internal/concurrency"
	"github.com/dispatchlab/taskdispatcher/internal/executor"
	"github.com/dispatchlab/taskdispatcher/internal/llmclient"
	"github.com/dispatchlab/taskdispatcher/internal/retry"
	"github.com/dispatchlab/taskdispatcher/internal/router"
	"github.com/dispatchlab/taskdispatcher/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingClient struct {
	release chan struct{}
}

func (c *blockingClient) Complete(ctx context.Context, req llmclient.Request) (llmclient.Response, error) {
	<-c.release
	return llmclient.Response{Text: "ok"}, nil
}

type instantClient struct{}

func (instantClient) Complete(ctx context.Context, req llmclient.Request) (llmclient.Response, error) {
	return llmclient.Response{Text: "ok"}, nil
}

func newTestLoopDeps(t *testing.T, client llmclient.Client, capacity int) (*Loop, task.Store) {
	t.Helper()
	store, err := task.OpenFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := router.NewRegistry()
	registry.Register(router.Host{Name: "host-a", Healthy: true, Capabilities: []string{"general"}})
	rtr := router.NewRouter(registry, router.Config{Rules: router.RoutingRule{"default": {"general"}}})

	ctrl := concurrency.NewController()
	ctrl.SetCapacity("host-a", capacity)

	policy := retry.NewPolicy(retry.PolicyConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})

	newExecutor := func() *executor.Executor {
		return executor.New(executor.Deps{
			Store:       store,
			Router:      rtr,
			Registry:    registry,
			Concurrency: ctrl,
			Policy:      policy,
			Circuit:     retry.DefaultCircuitConfig(),
			LLMClient:   client,
		})
	}

	loop := New(store, rtr, ctrl, newExecutor, nil, Config{
		BatchSize:     10,
		IdlePoll:      5 * time.Millisecond,
		BusyPoll:      5 * time.Millisecond,
		ShutdownGrace: 2 * time.Second,
	})
	return loop, store
}

func TestLoopTickAdmitsReadyTaskAndClosesOnSuccess(t *testing.T) {
	loop, store := newTestLoopDeps(t, instantClient{}, 4)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &task.Task{ID: "t1", Title: "general"}))

	admitted := loop.tick(ctx)
	assert.Equal(t, 1, admitted)

	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, "t1")
		return err == nil && got.Status == task.StatusClosed
	}, time.Second, 5*time.Millisecond)
}

func TestLoopTickSkipsTaskAlreadyInFlight(t *testing.T) {
	release := make(chan struct{})
	loop, store := newTestLoopDeps(t, &blockingClient{release: release}, 4)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &task.Task{ID: "t1", Title: "general"}))

	admitted := loop.tick(ctx)
	require.Equal(t, 1, admitted)

	// Task is still in flight; a second tick before it reaches the
	// store must not spawn a duplicate executor.
	admitted = loop.tick(ctx)
	assert.Equal(t, 0, admitted)

	close(release)
	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, "t1")
		return err == nil && got.Status == task.StatusClosed
	}, time.Second, 5*time.Millisecond)
}

func TestLoopTickSkipsWhenHostSaturated(t *testing.T) {
	release := make(chan struct{})
	loop, store := newTestLoopDeps(t, &blockingClient{release: release}, 1)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &task.Task{ID: "t1", Title: "general", Priority: 0}))
	require.NoError(t, store.Create(ctx, &task.Task{ID: "t2", Title: "general", Priority: 1}))

	admitted := loop.tick(ctx)
	assert.Equal(t, 1, admitted, "only the single host slot should admit one task")

	close(release)
	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, "t1")
		return err == nil && got.Status == task.StatusClosed
	}, time.Second, 5*time.Millisecond)
}

func TestLoopRunStopsOnContextCancelAndDrainsQuickTasks(t *testing.T) {
	loop, store := newTestLoopDeps(t, instantClient{}, 4)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, store.Create(ctx, &task.Task{ID: "t1", Title: "general"}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("loop.Run did not return after context cancellation")
	}
}

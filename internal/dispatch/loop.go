// Package dispatch implements the single cooperative dispatch loop
// each tick fetches ready tasks, resolves a host, checks
// non-blocking admission, and spawns a panic-safe executor goroutine
// for every task it can admit.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/dispatchlab/taskdispatcher/internal/async"
	"github.com/dispatchlab/taskdispatcher/internal/concurrency"
	"github.com/dispatchlab/taskdispatcher/internal/executor"
	"github.com/dispatchlab/taskdispatcher/internal/logging"
	"github.com/dispatchlab/taskdispatcher/internal/router"
	"github.com/dispatchlab/taskdispatcher/internal/task"
)

// Config parametrizes the loop's pacing.
type Config struct {
	// BatchSize bounds how many ready tasks are fetched per tick.
	BatchSize int
	// IdlePoll is the sleep used when the store had nothing ready and
	// nothing is in flight.
	IdlePoll time.Duration
	// BusyPoll is the sleep used when at least one task is in flight.
	BusyPoll time.Duration
	// ShutdownGrace bounds how long Run waits for in-flight executors
	// to finish once ctx is cancelled.
	ShutdownGrace time.Duration
}

// DefaultConfig returns the loop's default pacing.
func DefaultConfig() Config {
	return Config{
		BatchSize:     50,
		IdlePoll:      2 * time.Second,
		BusyPoll:      200 * time.Millisecond,
		ShutdownGrace: 30 * time.Second,
	}
}

// NewExecutorFunc builds the *executor.Executor used for every admitted
// task; it exists so cmd/dispatcherd can supply a fully wired Deps
// without the loop knowing about the wiring.
type NewExecutorFunc func() *executor.Executor

// Loop owns the single dispatch tick cycle.
type Loop struct {
	cfg         Config
	store       task.Store
	router      *router.Router
	concurrency *concurrency.Controller
	newExecutor NewExecutorFunc
	log         logging.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

// New builds a Loop. newExecutor is called once per admitted task so
// each executor run gets an independent goroutine-safe instance.
func New(store task.Store, rtr *router.Router, ctrl *concurrency.Controller, newExecutor NewExecutorFunc, log logging.Logger, cfg Config) *Loop {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = 2 * time.Second
	}
	if cfg.BusyPoll <= 0 {
		cfg.BusyPoll = 200 * time.Millisecond
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	return &Loop{
		cfg:         cfg,
		store:       store,
		router:      rtr,
		concurrency: ctrl,
		newExecutor: newExecutor,
		log:         logging.NewComponentLogger(logging.OrNop(log), "dispatch"),
		inFlight:    make(map[string]struct{}),
	}
}

// Run drives ticks until ctx is cancelled, then waits up to
// ShutdownGrace for any still-running executors before returning.
// Tasks still in flight when the grace period elapses are left
// in_progress in the store.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.drain()
			return
		default:
		}

		admitted := l.tick(ctx)
		sleep := l.cfg.IdlePoll
		if admitted > 0 || l.activeCount() > 0 {
			sleep = l.cfg.BusyPoll
		}

		select {
		case <-ctx.Done():
			l.drain()
			return
		case <-time.After(sleep):
		}
	}
}

// tick performs one fetch-resolve-admit-spawn cycle and returns the
// number of tasks newly admitted.
func (l *Loop) tick(ctx context.Context) int {
	ready, err := l.store.ReadyTasks(ctx, l.cfg.BatchSize)
	if err != nil {
		l.log.Error("fetch ready tasks: %v", err)
		return 0
	}

	admitted := 0
	for _, t := range ready {
		if l.isInFlight(t.ID) {
			continue
		}

		taskType := executor.DetectType(t)
		host, ok := l.router.Resolve(ctx, taskType)
		hostName := ""
		if ok {
			hostName = host.Name
		}

		// No host resolved: still attempt admission, letting the
		// executor decide whether a fallback client can serve it or the
		// task must be committed blocked with no_host_available.
		if hostName == "" {
			l.spawn(ctx, t)
			admitted++
			continue
		}

		if !l.concurrency.HasCapacity(hostName) {
			continue
		}

		l.spawn(ctx, t)
		admitted++
	}
	return admitted
}

func (l *Loop) spawn(ctx context.Context, t *task.Task) {
	l.markInFlight(t.ID)
	exec := l.newExecutor()
	async.Go(loopPanicLogger{l.log}, "executor:"+t.ID, func() {
		defer l.clearInFlight(t.ID)
		exec.Run(ctx, t)
	})
}

func (l *Loop) isInFlight(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.inFlight[id]
	return ok
}

func (l *Loop) markInFlight(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight[id] = struct{}{}
	l.wg.Add(1)
}

func (l *Loop) clearInFlight(id string) {
	l.mu.Lock()
	delete(l.inFlight, id)
	l.mu.Unlock()
	l.wg.Done()
}

func (l *Loop) activeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inFlight)
}

// drain waits up to ShutdownGrace for in-flight executors to finish.
func (l *Loop) drain() {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.log.Info("dispatch loop drained cleanly")
	case <-time.After(l.cfg.ShutdownGrace):
		l.log.Warn("shutdown grace period elapsed with %d task(s) still in flight", l.activeCount())
	}
}

type loopPanicLogger struct {
	log logging.Logger
}

func (p loopPanicLogger) Error(format string, args ...any) { p.log.Error(format, args...) }

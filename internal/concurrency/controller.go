// Package concurrency implements the per-host concurrency controller:
// a counted semaphore per host bounding in-flight work to the host's
// max_concurrent, plus in-flight accounting for observability.
package concurrency

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Controller bounds concurrent in-flight work per host.
type Controller struct {
	mu    sync.Mutex
	hosts map[string]*hostState
}

type hostState struct {
	sem           *semaphore.Weighted
	maxConcurrent int64
	inFlight      map[string]struct{} // task IDs
	mu            sync.Mutex
}

// NewController creates an empty Controller. Hosts are registered with
// SetCapacity before first use.
func NewController() *Controller {
	return &Controller{hosts: make(map[string]*hostState)}
}

// SetCapacity (re)configures host's admission ceiling. Safe to call
// before any task has been admitted for that host; changing capacity
// while tasks are in flight is not supported (the host would need to
// drain first) and is intentionally left to the caller to sequence.
func (c *Controller) SetCapacity(host string, maxConcurrent int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	c.hosts[host] = &hostState{
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent: int64(maxConcurrent),
		inFlight:      make(map[string]struct{}),
	}
}

func (c *Controller) state(host string) *hostState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.hosts[host]
	if !ok {
		// A host with no configured capacity gets a single slot so the
		// controller never panics on an unregistered name; misconfigured
		// hosts are caught at startup validation, not here.
		st = &hostState{sem: semaphore.NewWeighted(1), maxConcurrent: 1, inFlight: make(map[string]struct{})}
		c.hosts[host] = st
	}
	return st
}

// HasCapacity reports whether host currently has a free slot, without
// acquiring it. The dispatch loop uses this as a cheap admission probe
// before spawning an executor, which performs the real Acquire itself;
// it is inherently racy against concurrent acquisition and callers must
// not treat a true result as a reservation.
func (c *Controller) HasCapacity(host string) bool {
	st := c.state(host)
	st.mu.Lock()
	defer st.mu.Unlock()
	return int64(len(st.inFlight)) < st.maxConcurrent
}

// TryAcquire attempts a non-blocking admission of taskID onto host's
// slot. Used by the executor, which falls back to the blocking Acquire
// when it fails; the dispatch loop only peeks via HasCapacity.
func (c *Controller) TryAcquire(host, taskID string) bool {
	st := c.state(host)
	if !st.sem.TryAcquire(1) {
		return false
	}
	st.mu.Lock()
	st.inFlight[taskID] = struct{}{}
	st.mu.Unlock()
	return true
}

// Acquire blocks until host has a free slot for taskID, or ctx is
// cancelled. Used inside an executor once committed.
func (c *Controller) Acquire(ctx context.Context, host, taskID string) error {
	st := c.state(host)
	if err := st.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	st.mu.Lock()
	st.inFlight[taskID] = struct{}{}
	st.mu.Unlock()
	return nil
}

// Release frees host's slot held by taskID. Safe to call exactly once
// per successful Acquire/TryAcquire — every control-flow path in the
// executor, including cancellation and panic recovery, must reach this
// exactly once.
func (c *Controller) Release(host, taskID string) {
	st := c.state(host)
	st.mu.Lock()
	_, held := st.inFlight[taskID]
	delete(st.inFlight, taskID)
	st.mu.Unlock()
	if held {
		st.sem.Release(1)
	}
}

// HostInFlight describes a host's current in-flight accounting.
type HostInFlight struct {
	ActiveCount   int
	ActiveTaskIDs []string
}

// InFlight returns a snapshot of active_count/active_task_ids per host.
func (c *Controller) InFlight() map[string]HostInFlight {
	c.mu.Lock()
	hosts := make([]string, 0, len(c.hosts))
	states := make([]*hostState, 0, len(c.hosts))
	for name, st := range c.hosts {
		hosts = append(hosts, name)
		states = append(states, st)
	}
	c.mu.Unlock()

	out := make(map[string]HostInFlight, len(hosts))
	for i, name := range hosts {
		st := states[i]
		st.mu.Lock()
		ids := make([]string, 0, len(st.inFlight))
		for id := range st.inFlight {
			ids = append(ids, id)
		}
		st.mu.Unlock()
		out[name] = HostInFlight{ActiveCount: len(ids), ActiveTaskIDs: ids}
	}
	return out
}

// Package executor implements the per-task state machine:
//
//	ADMITTED -> IN_PROGRESS -> (SUCCESS | RETRY_WAIT | TERMINAL_FAIL)
//	                                       \-> RETRY_WAIT -> IN_PROGRESS
//
// An Executor owns exactly one task from admission through to a
// terminal store transition. Retries happen inside Run's attempt loop,
// and every retry re-enters at the router-resolution step so that
// circuit state changes between attempts are honored.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dispatchlab/taskdispatcher/internal/concurrency"
	"github.com/dispatchlab/taskdispatcher/internal/errtrack"
	"github.com/dispatchlab/taskdispatcher/internal/llmclient"
	"github.com/dispatchlab/taskdispatcher/internal/logging"
	"github.com/dispatchlab/taskdispatcher/internal/metrics"
	"github.com/dispatchlab/taskdispatcher/internal/retry"
	"github.com/dispatchlab/taskdispatcher/internal/router"
	"github.com/dispatchlab/taskdispatcher/internal/task"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrNoHostAvailable is committed as the task's last_error when neither
// the router nor the fallback client can serve the task's type.
var ErrNoHostAvailable = errors.New("no_host_available")

// Deps bundles the component ports an Executor needs. All fields are
// required except Fallback, Collector, Tracker, and Logger.
type Deps struct {
	Store       task.Store
	Router      *router.Router
	Registry    *router.Registry
	Concurrency *concurrency.Controller
	Policy      *retry.Policy
	Circuit     retry.CircuitConfig
	LLMClient   llmclient.Client
	Fallback    *llmclient.FallbackClient
	Collector   *metrics.Collector
	Tracker     *errtrack.Tracker
	Logger      logging.Logger

	// PerCallTimeout bounds each LLM call; falls back to 60s if zero.
	PerCallTimeout time.Duration
}

// Executor drives one task's state machine.
type Executor struct {
	deps Deps
	log  logging.Logger
}

// New builds an Executor for deps, filling in sane defaults.
func New(deps Deps) *Executor {
	log := logging.OrNop(deps.Logger)
	if deps.PerCallTimeout <= 0 {
		deps.PerCallTimeout = 60 * time.Second
	}
	return &Executor{deps: deps, log: log}
}

// Run drives t through admission, attempts, and retries until it
// reaches closed or blocked. It is intended to run inside its own
// goroutine, spawned by the dispatch loop once a slot is confirmed.
func (e *Executor) Run(ctx context.Context, t *task.Task) {
	taskType := DetectType(t)
	log := logging.NewComponentLogger(e.log, "executor").With("task_id", t.ID, "task_type", taskType)

	firstAttempt := true
	attemptIndex := t.AttemptCount

	for {
		host, hasHost := e.deps.Router.Resolve(ctx, taskType)
		useFallback := false
		if !hasHost {
			if e.deps.Fallback == nil || !e.deps.Fallback.Enabled() {
				e.commitBlocked(ctx, t, ErrNoHostAvailable, log)
				return
			}
			useFallback = true
		}

		hostName := host.Name
		if useFallback {
			hostName = e.deps.Fallback.Host
		}

		if !e.deps.Concurrency.TryAcquire(hostName, t.ID) {
			// Slot unavailable this instant. The dispatch loop only
			// peeks at capacity before spawning, so another executor
			// may have taken the slot in between (or a retry raced a
			// saturated host). Block in Acquire until a slot frees up
			// or ctx is cancelled, instead of spinning.
			if err := e.deps.Concurrency.Acquire(ctx, hostName, t.ID); err != nil {
				e.commitBlocked(ctx, t, fmt.Errorf("acquire slot: %w", err), log)
				return
			}
		}

		if firstAttempt {
			if err := e.deps.Store.Update(ctx, t.ID, task.StatusInProgress); err != nil {
				e.deps.Concurrency.Release(hostName, t.ID)
				log.Error("commit in_progress failed: %v", err)
				return
			}
			firstAttempt = false
		}

		resp, callErr := e.call(ctx, t, host, useFallback, log)
		e.deps.Concurrency.Release(hostName, t.ID)

		if callErr == nil {
			e.commitSuccess(ctx, t, hostName, taskType, resp, attemptIndex, log)
			return
		}

		attemptIndex++
		if err := e.deps.Store.Update(ctx, t.ID, task.StatusInProgress, task.WithAttempt(attemptIndex)); err != nil {
			log.Warn("commit attempt_count failed: %v", err)
		}
		t.AttemptCount = attemptIndex

		if !useFallback {
			now := time.Now()
			e.deps.Registry.MarkFailure(hostName, e.deps.Circuit.FailureThreshold, e.deps.Circuit.Cooldown, now)
			if e.deps.Collector != nil {
				if h, ok := e.deps.Registry.Get(hostName); ok {
					e.deps.Collector.SetCircuitOpen(hostName, !h.CooldownUntil.IsZero() && now.Before(h.CooldownUntil))
				}
			}
		}

		var rec errtrack.Record
		if e.deps.Tracker != nil {
			rec = e.deps.Tracker.Track(t.ID, callErr, map[string]string{
				"host":      hostName,
				"task_type": taskType,
				"attempt":   fmt.Sprintf("%d", attemptIndex),
			})
		}

		if e.deps.Policy.ShouldRetry(attemptIndex-1, callErr) {
			delay := e.deps.Policy.DelayFor(attemptIndex - 1)
			if e.deps.Collector != nil {
				e.deps.Collector.RecordRetryScheduled(hostName)
			}
			log.Info("retry_scheduled delay=%s attempt=%d err=%v", delay, attemptIndex, callErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}

		e.commitTerminalFailure(ctx, t, hostName, taskType, callErr, rec, log)
		return
	}
}

func (e *Executor) call(ctx context.Context, t *task.Task, host router.Host, useFallback bool, log logging.Logger) (llmclient.Response, error) {
	tracer := metrics.Tracer("executor")
	spanCtx, span := tracer.Start(ctx, "executor.call")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", t.ID), attribute.Bool("fallback", useFallback))

	req := llmclient.Request{
		Host:     host.Name,
		Endpoint: host.Endpoint,
		Model:    host.Model,
		Prompt:   t.Description,
		Timeout:  e.deps.PerCallTimeout,
	}

	var resp llmclient.Response
	var err error
	if useFallback {
		resp, err = e.deps.Fallback.Complete(spanCtx, req)
	} else {
		resp, err = e.deps.LLMClient.Complete(spanCtx, req)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("llm call failed host=%s err=%v", host.Name, err)
	}
	return resp, err
}

func (e *Executor) commitSuccess(ctx context.Context, t *task.Task, host, taskType string, resp llmclient.Response, attemptIndex int, log logging.Logger) {
	if err := e.deps.Store.Update(ctx, t.ID, task.StatusClosed, task.WithResult(resp.Text)); err != nil {
		log.Error("commit closed failed: %v", err)
		return
	}
	if e.deps.Collector != nil {
		e.deps.Collector.RecordOutcome(metrics.Sample{
			Host: host, TaskType: taskType, Status: "success",
			Duration: resp.Latency, Attempt: attemptIndex + 1,
		})
	}
	if !isFallbackHost(e.deps.Fallback, host) {
		e.deps.Registry.MarkSuccess(host)
	}
	log.Info("task closed host=%s attempt=%d", host, attemptIndex+1)
}

func (e *Executor) commitTerminalFailure(ctx context.Context, t *task.Task, host, taskType string, callErr error, rec errtrack.Record, log logging.Logger) {
	errText := callErr.Error()
	if rec.TaskID != "" {
		errText = errtrack.FormatReport(rec)
	}
	if err := e.deps.Store.Update(ctx, t.ID, task.StatusBlocked, task.WithError(errText)); err != nil {
		log.Error("commit blocked failed: %v", err)
		return
	}
	if e.deps.Collector != nil {
		e.deps.Collector.RecordOutcome(metrics.Sample{
			Host: host, TaskType: taskType, Status: "failure",
			Duration: 0, Attempt: t.AttemptCount,
		})
	}
	log.Warn("task blocked host=%s err=%v", host, callErr)
}

func (e *Executor) commitBlocked(ctx context.Context, t *task.Task, err error, log logging.Logger) {
	if uerr := e.deps.Store.Update(ctx, t.ID, task.StatusBlocked, task.WithError(err.Error())); uerr != nil {
		log.Error("commit blocked failed: %v", uerr)
		return
	}
	log.Warn("task blocked: %v", err)
}

func isFallbackHost(fb *llmclient.FallbackClient, host string) bool {
	return fb != nil && fb.Enabled() && fb.Host == host
}

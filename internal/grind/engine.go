// Package grind is the search coordinator. An Engine owns a fixed set of
// generator backends and drives every job through the
// pending -> running -> {completed|cancelled|failed} state machine.
package grind

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keygrind/keygrind/internal/derive"
	"github.com/keygrind/keygrind/internal/match"
	"github.com/keygrind/keygrind/internal/model"
)

const (
	// result channel capacity per job, the bound is the backpressure on
	// producers when the aggregator is slow to drain
	defaultBuffer = 16
	// how often the attempt budget is checked
	budgetPollEvery = 25 * time.Millisecond
)

type Option func(*Engine)

// WithBuffer overrides the per job result channel capacity.
func WithBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.buffer = n
		}
	}
}

// Engine coordinates jobs over a fixed backend set. Jobs are independent,
// there is no shared mutable search state across them.
type Engine struct {
	backends []Backend
	buffer   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(backends []Backend, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		backends: backends,
		buffer:   defaultBuffer,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start validates the spec, spawns the workers and returns the running
// job. An invalid spec returns a nil job and model.ErrInvalidSpec. When no
// backend is enabled for the spec the job is created already failed with
// model.ErrAllBackendsFailed, it never stays pending.
func (e *Engine) Start(ctx context.Context, id string, spec model.TargetSpec) (*Job, error) {
	spec = spec.Normalize()
	if spec.Scheme == model.SchemeCreateWithSeed && spec.Owner == "" {
		spec.Owner = derive.DefaultOwner
	}

	matcher, err := match.Compile(spec)
	if err != nil {
		return nil, err
	}
	deriver, err := derive.New(spec)
	if err != nil {
		return nil, err
	}

	var backends []Backend
	var names []string
	for _, b := range e.backends {
		if spec.WantsBackend(b.Name()) {
			backends = append(backends, b)
			names = append(names, b.Name())
		}
	}

	job := newJob(id, spec, names)
	if len(backends) == 0 {
		job.finish(model.StatusFailed, "no backend enabled", model.ErrAllBackendsFailed)
		slog.WarnContext(ctx, "job failed: no backend enabled", "job_id", id)
		return job, nil
	}

	// jobs outlive the submitting request, they are bound to the engine
	// lifetime, not to the caller ctx
	jobCtx, cancel := context.WithCancel(e.ctx)
	job.setCancelFunc(cancel)
	job.markRunning()

	e.wg.Add(1)
	go e.run(jobCtx, cancel, job, matcher, deriver, backends)

	slog.InfoContext(ctx, "job started",
		"job_id", id,
		"kind", string(spec.Kind),
		"scheme", string(spec.Scheme),
		"count", spec.Count,
		"backends", names,
	)
	return job, nil
}

func (e *Engine) run(ctx context.Context, cancel context.CancelFunc, job *Job, matcher *match.Matcher, deriver derive.Deriver, backends []Backend) {
	defer e.wg.Done()
	defer cancel()

	if job.spec.Timeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, job.spec.Timeout)
		defer tcancel()
	}

	out := make(chan model.Match, e.buffer)

	var errsMx sync.Mutex
	var errs []error

	var wg sync.WaitGroup
	for _, b := range backends {
		wg.Go(func() {
			req := Request{
				Spec:     job.spec,
				Matcher:  matcher,
				Deriver:  deriver,
				Out:      out,
				Attempts: job.attempts[b.Name()],
			}
			err := b.Run(ctx, req)
			if err != nil && ctx.Err() == nil {
				slog.ErrorContext(ctx, "backend disabled for job",
					"job_id", job.id, "backend", b.Name(), "error", err)
				errsMx.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
				all := len(errs) == len(backends)
				errsMx.Unlock()
				if all {
					cancel()
				}
			}
		})
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	budgetHit := e.watchBudget(ctx, cancel, job)

	// the aggregation routine: the only writer of the match sequence
	for m := range out {
		accepted, full := job.appendMatch(m)
		if accepted {
			slog.InfoContext(ctx, "match found", "job_id", job.id, "match", m)
		}
		if full {
			cancel()
		}
	}

	errsMx.Lock()
	allFailed := len(errs) > 0 && len(errs) == len(backends)
	joined := errors.Join(errs...)
	errsMx.Unlock()

	switch {
	case allFailed:
		job.finish(model.StatusFailed, "all backends failed",
			errors.Join(model.ErrAllBackendsFailed, joined))
	case job.wantCancel.Load():
		job.finish(model.StatusCancelled, "cancelled", nil)
	case budgetHit.Load():
		job.finish(model.StatusCancelled, "attempt budget exhausted", nil)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		job.finish(model.StatusCancelled, "time budget exhausted", nil)
	default:
		// either completed through appendMatch or the engine is closing
		job.finish(model.StatusCancelled, "engine shutdown", nil)
	}

	view := job.View()
	slog.InfoContext(ctx, "job finished",
		"job_id", job.id,
		"status", string(view.Status),
		"matches", len(view.Matches),
		"attempts", view.TotalAttempts(),
		"elapsed", view.Finished.Sub(view.Started),
	)
}

// watchBudget polls the aggregated attempt counters, the returned flag is
// set once the budget is exhausted.
func (e *Engine) watchBudget(ctx context.Context, cancel context.CancelFunc, job *Job) *atomic.Bool {
	hit := &atomic.Bool{}
	if job.spec.AttemptBudget == 0 {
		return hit
	}
	go func() {
		ticker := time.NewTicker(budgetPollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if job.totalAttempts() >= job.spec.AttemptBudget {
					hit.Store(true)
					cancel()
					return
				}
			}
		}
	}()
	return hit
}

// Close cancels every running job and waits for the workers, bounded by ctx.
func (e *Engine) Close(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine close: %w", ctx.Err())
	}
}

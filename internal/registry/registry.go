// Package registry is the process wide job table. The server interface
// talks only to the registry, never to the engine or the backends.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keygrind/keygrind/internal/grind"
	"github.com/keygrind/keygrind/internal/model"
)

// Journal records job lifecycle transitions, see internal/journal. All
// hooks are best effort, a journal error never fails the job operation.
type Journal interface {
	Started(ctx context.Context, view model.JobView) error
	Finished(ctx context.Context, view model.JobView) error
	Deleted(ctx context.Context, id string) error
}

type Option func(*Registry)

// WithJournal attaches a lifecycle journal.
func WithJournal(j Journal) Option {
	return func(r *Registry) {
		r.journal = j
	}
}

type Registry struct {
	engine  *grind.Engine
	journal Journal

	mx   sync.Mutex
	jobs map[string]*grind.Job
}

func New(engine *grind.Engine, opts ...Option) *Registry {
	r := &Registry{
		engine: engine,
		jobs:   make(map[string]*grind.Job),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit validates the spec and starts a new job. A spec that can't be
// compiled fails with model.ErrInvalidSpec and creates no job.
func (r *Registry) Submit(ctx context.Context, spec model.TargetSpec) (string, error) {
	id := uuid.NewString()
	job, err := r.engine.Start(ctx, id, spec)
	if err != nil {
		return "", fmt.Errorf("submitting job: %w", err)
	}

	r.mx.Lock()
	r.jobs[id] = job
	r.mx.Unlock()

	if r.journal != nil {
		if err := r.journal.Started(ctx, job.View()); err != nil {
			slog.WarnContext(ctx, "journaling job start failed", "job_id", id, "error", err)
		}
		go r.journalFinish(job)
	}
	return id, nil
}

func (r *Registry) journalFinish(job *grind.Job) {
	<-job.Done()
	ctx := context.Background()
	if err := r.journal.Finished(ctx, job.View()); err != nil {
		slog.WarnContext(ctx, "journaling job finish failed", "job_id", job.ID(), "error", err)
	}
}

// View returns a snapshot of the job or model.ErrNotFound.
func (r *Registry) View(id string) (model.JobView, error) {
	job, err := r.lookup(id)
	if err != nil {
		return model.JobView{}, err
	}
	return job.View(), nil
}

// List returns snapshots of every known job, in no particular order.
func (r *Registry) List() []model.JobView {
	r.mx.Lock()
	jobs := make([]*grind.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job)
	}
	r.mx.Unlock()

	views := make([]model.JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, job.View())
	}
	return views
}

// Cancel requests cancellation, a no-op for terminal jobs.
func (r *Registry) Cancel(id string) error {
	job, err := r.lookup(id)
	if err != nil {
		return err
	}
	job.Cancel()
	return nil
}

// Wait returns the channel closed when the job turns terminal.
func (r *Registry) Wait(id string) (<-chan struct{}, error) {
	job, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return job.Done(), nil
}

// Remove evicts a terminal job. A still pending or running job fails with
// model.ErrInvalidState.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mx.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mx.Unlock()
		return fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	if !job.View().Status.Terminal() {
		r.mx.Unlock()
		return fmt.Errorf("job %s is %s: %w", id, job.View().Status, model.ErrInvalidState)
	}
	delete(r.jobs, id)
	r.mx.Unlock()

	if r.journal != nil {
		if err := r.journal.Deleted(ctx, id); err != nil {
			slog.WarnContext(ctx, "journaling job removal failed", "job_id", id, "error", err)
		}
	}
	return nil
}

// Sweep evicts terminal jobs finished more than ttl ago and returns how
// many were removed.
func (r *Registry) Sweep(ctx context.Context, ttl time.Duration) int {
	cutoff := time.Now().UTC().Add(-ttl)

	r.mx.Lock()
	var expired []string
	for id, job := range r.jobs {
		view := job.View()
		if view.Status.Terminal() && view.Finished.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(r.jobs, id)
	}
	r.mx.Unlock()

	for _, id := range expired {
		if r.journal != nil {
			if err := r.journal.Deleted(ctx, id); err != nil {
				slog.WarnContext(ctx, "journaling job removal failed", "job_id", id, "error", err)
			}
		}
	}
	if len(expired) > 0 {
		slog.InfoContext(ctx, "swept expired jobs", "count", len(expired))
	}
	return len(expired)
}

func (r *Registry) lookup(id string) (*grind.Job, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	return job, nil
}

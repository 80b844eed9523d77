package grind

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keygrind/keygrind/internal/model"
)

// Job owns the mutable state of one search: status, counters and the match
// sequence. Only the engine's aggregation goroutine writes matches, readers
// get consistent snapshots through View.
type Job struct {
	id       string
	spec     model.TargetSpec
	attempts map[string]*atomic.Uint64
	done     chan struct{}

	cancelMx   sync.Mutex
	cancelFunc context.CancelFunc
	wantCancel atomic.Bool

	mx       sync.Mutex
	status   model.Status
	matches  []model.Match
	created  time.Time
	started  time.Time
	finished time.Time
	reason   string
	err      error
}

func newJob(id string, spec model.TargetSpec, backends []string) *Job {
	attempts := make(map[string]*atomic.Uint64, len(backends))
	for _, name := range backends {
		attempts[name] = &atomic.Uint64{}
	}
	return &Job{
		id:       id,
		spec:     spec,
		attempts: attempts,
		done:     make(chan struct{}),
		status:   model.StatusPending,
		created:  time.Now().UTC(),
	}
}

func (j *Job) ID() string {
	return j.id
}

func (j *Job) Spec() model.TargetSpec {
	return j.spec
}

// Done is closed once the job reaches a terminal status.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Cancel requests cooperative cancellation. Idempotent, a no-op once the
// job is terminal. Workers observe it within a bounded latency, dominated
// by the GPU batch size when that backend is active.
func (j *Job) Cancel() {
	j.wantCancel.Store(true)
	j.cancelMx.Lock()
	cancel := j.cancelFunc
	j.cancelMx.Unlock()
	if cancel != nil {
		cancel()
		return
	}
	// job failed before any worker started
	j.mx.Lock()
	defer j.mx.Unlock()
	if !j.status.Terminal() {
		j.status = model.StatusCancelled
		j.finished = time.Now().UTC()
		close(j.done)
	}
}

// View returns a read only snapshot. The match slice is a consistent
// prefix of the discovery order, never torn.
func (j *Job) View() model.JobView {
	attempts := make(map[string]uint64, len(j.attempts))
	for name, n := range j.attempts {
		attempts[name] = n.Load()
	}

	j.mx.Lock()
	defer j.mx.Unlock()
	view := model.JobView{
		ID:       j.id,
		Spec:     j.spec,
		Status:   j.status,
		Matches:  slices.Clone(j.matches),
		Attempts: attempts,
		Created:  j.created,
		Started:  j.started,
		Finished: j.finished,
		Reason:   j.reason,
	}
	if j.err != nil {
		view.Error = j.err.Error()
	}
	return view
}

func (j *Job) totalAttempts() uint64 {
	var total uint64
	for _, n := range j.attempts {
		total += n.Load()
	}
	return total
}

func (j *Job) setCancelFunc(cancel context.CancelFunc) {
	j.cancelMx.Lock()
	j.cancelFunc = cancel
	j.cancelMx.Unlock()
}

func (j *Job) markRunning() {
	j.mx.Lock()
	defer j.mx.Unlock()
	j.status = model.StatusRunning
	j.started = time.Now().UTC()
}

// appendMatch appends in arrival order while the job is running and below
// the target count. The append reaching the target completes the job,
// later arrivals in the same drain are dropped. A requested cancel also
// rejects, matches racing with Cancel never complete the job.
func (j *Job) appendMatch(m model.Match) (accepted, full bool) {
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.wantCancel.Load() || j.status != model.StatusRunning || len(j.matches) >= j.spec.Count {
		return false, true
	}
	j.matches = append(j.matches, m)
	if len(j.matches) == j.spec.Count {
		j.status = model.StatusCompleted
		j.finished = time.Now().UTC()
		close(j.done)
		return true, true
	}
	return true, false
}

// finish moves a still running job to a terminal status. Completed is set
// by appendMatch and never rewritten here.
func (j *Job) finish(status model.Status, reason string, err error) {
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.status.Terminal() {
		return
	}
	j.status = status
	j.reason = reason
	j.err = err
	j.finished = time.Now().UTC()
	close(j.done)
}

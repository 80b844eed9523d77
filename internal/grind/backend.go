package grind

import (
	"context"
	"sync/atomic"

	"github.com/keygrind/keygrind/internal/derive"
	"github.com/keygrind/keygrind/internal/match"
	"github.com/keygrind/keygrind/internal/model"
)

// Request carries everything a backend needs for one job: the compiled
// matcher, the deriver and the job scoped result channel. Backends never
// touch the job table directly.
type Request struct {
	Spec    model.TargetSpec
	Matcher *match.Matcher
	Deriver derive.Deriver
	// Out is bounded, a slow aggregator applies backpressure to producers.
	Out chan<- model.Match
	// Attempts is the per backend attempt counter, add in batches, not
	// per candidate.
	Attempts *atomic.Uint64
}

// Emit sends a verified match, false means the job is being cancelled and
// the worker should return.
func (r Request) Emit(ctx context.Context, m model.Match) bool {
	select {
	case r.Out <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

// Backend generates candidates until ctx is cancelled. Run returns nil on
// cancellation and an error only when the backend can't continue at all,
// a failed backend disables itself for the job, the siblings keep running.
type Backend interface {
	Name() string
	Run(ctx context.Context, req Request) error
}

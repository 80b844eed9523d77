// Package cpu is the CPU keypair generator. Every worker samples the
// keyspace independently with its own rng, the only synchronization points
// are the cancellation context and the job scoped result channel.
package cpu

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/keygrind/keygrind/internal/derive"
	"github.com/keygrind/keygrind/internal/grind"
	"github.com/keygrind/keygrind/internal/model"
)

// pollEvery bounds the cancellation latency: workers check the context
// and flush their attempt counter once per this many candidates.
const pollEvery = 1024

type Backend struct {
	workers int
}

// New builds a CPU backend with the given worker count, zero or negative
// means GOMAXPROCS.
func New(workers int) *Backend {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Backend{workers: workers}
}

func (b *Backend) Name() string {
	return model.BackendCPU
}

// Run spawns the worker loop on every worker and blocks until cancellation.
func (b *Backend) Run(ctx context.Context, req grind.Request) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < b.workers; i++ {
		g.Go(func() error {
			return worker(ctx, req)
		})
	}
	return g.Wait()
}

func worker(ctx context.Context, req grind.Request) error {
	rng, err := derive.NewRNG()
	if err != nil {
		return fmt.Errorf("cpu worker: %w", err)
	}

	var local uint64
	for {
		for i := 0; i < pollEvery; i++ {
			c := req.Deriver.Derive(rng)
			local++
			if !req.Matcher.Matches(c.Address) {
				continue
			}
			m := c.Match(model.BackendCPU, req.Attempts.Load()+local)
			if !req.Emit(ctx, m) {
				req.Attempts.Add(local)
				return nil
			}
		}
		req.Attempts.Add(local)
		local = 0
		if ctx.Err() != nil {
			return nil
		}
	}
}

package grind_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/keygrind/keygrind/internal/grind"
	"github.com/keygrind/keygrind/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fake is a scripted backend: it emits a fixed number of matches, then
// either fails or blocks until cancellation like a real generator.
type fake struct {
	name    string
	matches int
	err     error
	// attempts added per emitted match
	attemptsPer uint64
}

func (f fake) Name() string {
	if f.name == "" {
		return model.BackendCPU
	}
	return f.name
}

func (f fake) Run(ctx context.Context, req grind.Request) error {
	for i := 0; i < f.matches; i++ {
		req.Attempts.Add(max(f.attemptsPer, 1))
		m := model.Match{
			Address:   fmt.Sprintf("addr%d", i),
			PublicKey: fmt.Sprintf("addr%d", i),
			Backend:   f.Name(),
			Attempt:   req.Attempts.Load(),
			FoundAt:   time.Now().UTC(),
		}
		if !req.Emit(ctx, m) {
			return nil
		}
	}
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return nil
}

// grinder keeps adding attempts until cancelled, without ever matching
type grinder struct{}

func (grinder) Name() string { return model.BackendCPU }

func (grinder) Run(ctx context.Context, req grind.Request) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Millisecond):
			req.Attempts.Add(100)
		}
	}
}

func spec() model.TargetSpec {
	return model.TargetSpec{
		Scheme:  model.SchemeEd25519,
		Kind:    model.KindPrefix,
		Pattern: "a",
		Count:   1,
	}
}

func closeEngine(t *testing.T, e *grind.Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))
}

func TestStart_InvalidSpec(t *testing.T) {
	e := grind.New([]grind.Backend{fake{matches: 1}})
	defer closeEngine(t, e)

	s := spec()
	s.Pattern = ""
	job, err := e.Start(t.Context(), "a", s)
	require.Nil(t, job)
	require.ErrorIs(t, err, model.ErrInvalidSpec)
}

func TestStart_NoBackendEnabled(t *testing.T) {
	e := grind.New([]grind.Backend{fake{matches: 1}})
	defer closeEngine(t, e)

	s := spec()
	s.Backends = []string{model.BackendGPU}
	job, err := e.Start(t.Context(), "a", s)
	require.NoError(t, err)

	<-job.Done()
	view := job.View()
	require.Equal(t, model.StatusFailed, view.Status)
	require.Contains(t, view.Error, model.ErrAllBackendsFailed.Error())
}

func TestCompletes_ExactlyCount(t *testing.T) {
	e := grind.New([]grind.Backend{fake{matches: 10}})
	defer closeEngine(t, e)

	s := spec()
	s.Count = 3
	job, err := e.Start(t.Context(), "a", s)
	require.NoError(t, err)

	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
	}

	view := job.View()
	require.Equal(t, model.StatusCompleted, view.Status)
	require.Len(t, view.Matches, 3)
	// arrival order is preserved
	require.Equal(t, "addr0", view.Matches[0].Address)
	require.Equal(t, "addr1", view.Matches[1].Address)
	require.Equal(t, "addr2", view.Matches[2].Address)
	require.False(t, view.Finished.IsZero())
}

func TestCancel(t *testing.T) {
	e := grind.New([]grind.Backend{grinder{}})
	defer closeEngine(t, e)

	job, err := e.Start(t.Context(), "a", spec())
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, job.View().Status)

	job.Cancel()
	job.Cancel() // idempotent

	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
	}
	view := job.View()
	require.Equal(t, model.StatusCancelled, view.Status)
	require.Empty(t, view.Matches)
}

// lateMatcher models a worker that already holds a verified match when
// cancellation arrives: it pushes into the buffered result channel after
// ctx is done.
type lateMatcher struct{}

func (lateMatcher) Name() string { return model.BackendCPU }

func (lateMatcher) Run(ctx context.Context, req grind.Request) error {
	<-ctx.Done()
	req.Out <- model.Match{
		Address:   "addr0",
		PublicKey: "addr0",
		Backend:   model.BackendCPU,
		FoundAt:   time.Now().UTC(),
	}
	return nil
}

// a cancelled job stays Cancelled even when a match races with Cancel
func TestCancel_LateMatchStaysCancelled(t *testing.T) {
	e := grind.New([]grind.Backend{lateMatcher{}})
	defer closeEngine(t, e)

	job, err := e.Start(t.Context(), "a", spec())
	require.NoError(t, err)
	job.Cancel()

	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
	}
	view := job.View()
	require.Equal(t, model.StatusCancelled, view.Status)
	require.Empty(t, view.Matches)
}

func TestAllBackendsFailed(t *testing.T) {
	boom := errors.New("device on fire")
	e := grind.New([]grind.Backend{
		fake{name: model.BackendCPU, err: boom},
		fake{name: model.BackendGPU, err: boom},
	})
	defer closeEngine(t, e)

	job, err := e.Start(t.Context(), "a", spec())
	require.NoError(t, err)

	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
	}
	view := job.View()
	require.Equal(t, model.StatusFailed, view.Status)
	require.Contains(t, view.Error, model.ErrAllBackendsFailed.Error())
	require.Contains(t, view.Error, "device on fire")
}

func TestOneBackendSurvives(t *testing.T) {
	boom := errors.New("device on fire")
	e := grind.New([]grind.Backend{
		fake{name: model.BackendGPU, err: boom},
		fake{name: model.BackendCPU, matches: 1},
	})
	defer closeEngine(t, e)

	job, err := e.Start(t.Context(), "a", spec())
	require.NoError(t, err)

	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
	}
	view := job.View()
	require.Equal(t, model.StatusCompleted, view.Status)
	require.Len(t, view.Matches, 1)
	require.Equal(t, model.BackendCPU, view.Matches[0].Backend)
}

func TestTimeout(t *testing.T) {
	e := grind.New([]grind.Backend{grinder{}})
	defer closeEngine(t, e)

	s := spec()
	s.Timeout = 100 * time.Millisecond
	job, err := e.Start(t.Context(), "a", s)
	require.NoError(t, err)

	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
	}
	view := job.View()
	require.Equal(t, model.StatusCancelled, view.Status)
	require.Equal(t, "time budget exhausted", view.Reason)
}

func TestAttemptBudget(t *testing.T) {
	e := grind.New([]grind.Backend{grinder{}})
	defer closeEngine(t, e)

	s := spec()
	s.AttemptBudget = 500
	job, err := e.Start(t.Context(), "a", s)
	require.NoError(t, err)

	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
	}
	view := job.View()
	require.Equal(t, model.StatusCancelled, view.Status)
	require.Equal(t, "attempt budget exhausted", view.Reason)
	require.GreaterOrEqual(t, view.TotalAttempts(), uint64(500))
}

func TestConcurrentJobs_Independent(t *testing.T) {
	e := grind.New([]grind.Backend{fake{matches: 1}})
	defer closeEngine(t, e)

	one, err := e.Start(t.Context(), "one", spec())
	require.NoError(t, err)

	blocked := grind.New([]grind.Backend{grinder{}})
	defer closeEngine(t, blocked)
	two, err := blocked.Start(t.Context(), "two", spec())
	require.NoError(t, err)

	select {
	case <-one.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("job one did not finish")
	}
	require.Equal(t, model.StatusCompleted, one.View().Status)
	require.Equal(t, model.StatusRunning, two.View().Status)

	two.Cancel()
	select {
	case <-two.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("job two did not finish")
	}
	require.Equal(t, model.StatusCancelled, two.View().Status)
}

// a slow reader never loses the leading matches, backpressure holds the
// producers instead
func TestBackpressure(t *testing.T) {
	e := grind.New([]grind.Backend{fake{matches: 100}}, grind.WithBuffer(1))
	defer closeEngine(t, e)

	s := spec()
	s.Count = 50
	job, err := e.Start(t.Context(), "a", s)
	require.NoError(t, err)

	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
	}
	view := job.View()
	require.Equal(t, model.StatusCompleted, view.Status)
	require.Len(t, view.Matches, 50)
	for i, m := range view.Matches {
		require.Equal(t, fmt.Sprintf("addr%d", i), m.Address)
	}
}

func TestEngineClose_CancelsJobs(t *testing.T) {
	e := grind.New([]grind.Backend{grinder{}})

	job, err := e.Start(t.Context(), "a", spec())
	require.NoError(t, err)

	closeEngine(t, e)
	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
	}
	require.True(t, job.View().Status.Terminal())
}

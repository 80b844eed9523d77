package journal_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keygrind/keygrind/internal/journal"
	"github.com/keygrind/keygrind/internal/model"
)

func open(t *testing.T) *journal.Journal {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := journal.Open(t.Context(), path)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, j.Close())
	})
	return j
}

func view(id string, status model.Status) model.JobView {
	now := time.Now().UTC()
	v := model.JobView{
		ID: id,
		Spec: model.TargetSpec{
			Scheme:  model.SchemeEd25519,
			Kind:    model.KindPrefix,
			Pattern: "abc",
			Count:   1,
		},
		Status:   status,
		Attempts: map[string]uint64{model.BackendCPU: 12345},
		Created:  now,
	}
	if status.Terminal() {
		v.Finished = now
		v.Matches = []model.Match{{
			Address: "abcdef",
			Seed:    "verySecretSeed00",
		}}
	}
	return v
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	j := open(t)
	ctx := t.Context()

	require.NoError(t, j.Started(ctx, view("one", model.StatusRunning)))

	row, err := j.Get(ctx, "one")
	require.NoError(t, err)
	require.Equal(t, "one", row.ID)
	require.Equal(t, string(model.SchemeEd25519), row.Scheme)
	require.Equal(t, string(model.KindPrefix), row.Kind)
	require.Equal(t, "abc", row.Pattern)
	require.Equal(t, string(model.StatusRunning), row.Status)
	require.Nil(t, row.Finished)
	require.Nil(t, row.Failure)

	require.NoError(t, j.Finished(ctx, view("one", model.StatusCompleted)))

	row, err = j.Get(ctx, "one")
	require.NoError(t, err)
	require.Equal(t, string(model.StatusCompleted), row.Status)
	require.EqualValues(t, 12345, row.Attempts)
	require.Equal(t, 1, row.Matches)
	require.NotNil(t, row.Finished)

	require.ErrorIs(t, j.Finished(ctx, view("one", model.StatusCompleted)), journal.ErrAlreadyFinished)

	require.NoError(t, j.Deleted(ctx, "one"))
	_, err = j.Get(ctx, "one")
	require.ErrorIs(t, err, journal.ErrNotFound)
}

func TestFinished_Failure(t *testing.T) {
	t.Parallel()
	j := open(t)
	ctx := t.Context()

	require.NoError(t, j.Started(ctx, view("boom", model.StatusRunning)))
	failed := view("boom", model.StatusFailed)
	failed.Error = "all backends failed"
	require.NoError(t, j.Finished(ctx, failed))

	row, err := j.Get(ctx, "boom")
	require.NoError(t, err)
	require.Equal(t, string(model.StatusFailed), row.Status)
	require.NotNil(t, row.Failure)
	require.Equal(t, "all backends failed", *row.Failure)
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	j := open(t)
	ctx := t.Context()

	require.ErrorIs(t, j.Finished(ctx, view("ghost", model.StatusCompleted)), journal.ErrNotFound)
	_, err := j.Get(ctx, "ghost")
	require.ErrorIs(t, err, journal.ErrNotFound)
	require.ErrorIs(t, j.Deleted(ctx, "ghost"), journal.ErrNotFound)
}

// the journal is a lifecycle record, private material never touches it
func TestNoKeyMaterialStored(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := journal.Open(t.Context(), path)
	require.NoError(t, err)

	require.NoError(t, j.Started(t.Context(), view("one", model.StatusRunning)))
	require.NoError(t, j.Finished(t.Context(), view("one", model.StatusCompleted)))
	require.NoError(t, j.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "verySecretSeed00")
}

package model_test

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keygrind/keygrind/internal/model"
)

func TestTerminal(t *testing.T) {
	t.Parallel()
	require.False(t, model.StatusPending.Terminal())
	require.False(t, model.StatusRunning.Terminal())
	require.True(t, model.StatusCompleted.Terminal())
	require.True(t, model.StatusCancelled.Terminal())
	require.True(t, model.StatusFailed.Terminal())
}

// a logged match must never leak the private material
func TestMatchLogValue(t *testing.T) {
	t.Parallel()
	m := model.Match{
		Address:    "HyxYRpzoti2U",
		PublicKey:  "HyxYRpzoti2U",
		Seed:       "sup3rSecretSeed0",
		PrivateKey: "94PbGyNhxXNzWtcuiA13Qd",
		Backend:    model.BackendCPU,
		Attempt:    7,
		FoundAt:    time.Now().UTC(),
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("match found", "match", m)

	out := buf.String()
	require.Contains(t, out, "HyxYRpzoti2U")
	require.NotContains(t, out, "sup3rSecretSeed0")
	require.NotContains(t, out, "94PbGyNhxXNzWtcuiA13Qd")
}

func TestTotalAttempts(t *testing.T) {
	t.Parallel()
	view := model.JobView{
		Attempts: map[string]uint64{
			model.BackendCPU: 1024,
			model.BackendGPU: 65536,
		},
	}
	require.EqualValues(t, 66560, view.TotalAttempts())
}

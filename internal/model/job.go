package model

import (
	"log/slog"
	"time"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports if no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Match is a verified candidate. Seed and PrivateKey carry the private
// material, they are transferred to the caller exactly once and must never
// appear in logs - see LogValue.
type Match struct {
	Address    string    `json:"address"`
	PublicKey  string    `json:"public_key"`
	Seed       string    `json:"seed,omitempty"`
	PrivateKey string    `json:"private_key,omitempty"`
	Backend    string    `json:"backend"`
	Attempt    uint64    `json:"attempt"`
	FoundAt    time.Time `json:"found_at"`
}

// LogValue redacts the private material, only the address and discovery
// metadata are logged.
func (m Match) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("address", m.Address),
		slog.String("backend", m.Backend),
		slog.Uint64("attempt", m.Attempt),
		slog.Time("found_at", m.FoundAt),
	)
}

// JobView is a read only snapshot of a job. Matches is a consistent prefix
// of the job's match sequence in arrival order.
type JobView struct {
	ID       string            `json:"id"`
	Spec     TargetSpec        `json:"spec"`
	Status   Status            `json:"status"`
	Matches  []Match           `json:"matches"`
	Attempts map[string]uint64 `json:"attempts"`
	Created  time.Time         `json:"created"`
	Started  time.Time         `json:"started,omitzero"`
	Finished time.Time         `json:"finished,omitzero"`
	Reason   string            `json:"reason,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// TotalAttempts sums the per backend counters.
func (v JobView) TotalAttempts() uint64 {
	var total uint64
	for _, n := range v.Attempts {
		total += n
	}
	return total
}

package model

import (
	"fmt"
	"slices"
	"time"
)

// Kind says how the pattern is anchored against the encoded address.
type Kind string

const (
	KindPrefix   Kind = "prefix"
	KindSuffix   Kind = "suffix"
	KindContains Kind = "contains"
	// KindMask anchors the pattern at the start of the address, a '?' inside
	// the pattern matches any single alphabet character.
	KindMask Kind = "mask"
)

// Scheme selects the address derivation used by the keypair generators.
type Scheme string

const (
	// SchemeCreateWithSeed derives base58(sha256(base ‖ seed ‖ owner)) where
	// seed is 16 random ASCII alphanumeric bytes. The seed is the private
	// material returned to the caller.
	SchemeCreateWithSeed Scheme = "create_with_seed"
	// SchemeEd25519 derives base58(public key) of a fresh ed25519 keypair.
	SchemeEd25519 Scheme = "ed25519"
)

// Backend names as used in TargetSpec.Backends and Match.Backend.
const (
	BackendCPU = "cpu"
	BackendGPU = "gpu"
)

// TargetSpec describes one vanity search. Immutable once a job starts.
type TargetSpec struct {
	Scheme        Scheme        `json:"scheme,omitempty"`
	Kind          Kind          `json:"kind"`
	Pattern       string        `json:"pattern"`
	CaseSensitive bool          `json:"case_sensitive"`
	Count         int           `json:"count"`
	Backends      []string      `json:"backends,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	AttemptBudget uint64        `json:"attempt_budget,omitempty"`
	// Base and Owner are base58 encoded 32 byte public keys, used only by
	// the create_with_seed scheme. Owner defaults to the SPL Token program.
	Base  string `json:"base,omitempty"`
	Owner string `json:"owner,omitempty"`
}

// Normalize fills the defaults: kind prefix, count 1 and a scheme guessed
// from the presence of a base key.
func (s TargetSpec) Normalize() TargetSpec {
	if s.Kind == "" {
		s.Kind = KindPrefix
	}
	if s.Count == 0 {
		s.Count = 1
	}
	if s.Scheme == "" {
		if s.Base != "" {
			s.Scheme = SchemeCreateWithSeed
		} else {
			s.Scheme = SchemeEd25519
		}
	}
	return s
}

// Validate checks the fields not covered by the matcher compilation.
func (s TargetSpec) Validate() error {
	switch s.Kind {
	case KindPrefix, KindSuffix, KindContains, KindMask:
	default:
		return fmt.Errorf("unknown kind %q: %w", s.Kind, ErrInvalidSpec)
	}
	switch s.Scheme {
	case SchemeCreateWithSeed, SchemeEd25519:
	default:
		return fmt.Errorf("unknown scheme %q: %w", s.Scheme, ErrInvalidSpec)
	}
	if s.Count < 1 {
		return fmt.Errorf("count must be at least 1, got %d: %w", s.Count, ErrInvalidSpec)
	}
	for _, b := range s.Backends {
		if b != BackendCPU && b != BackendGPU {
			return fmt.Errorf("unknown backend %q: %w", b, ErrInvalidSpec)
		}
	}
	return nil
}

// WantsBackend reports if the spec enables a backend of a given name.
// Empty Backends means every configured backend is enabled.
func (s TargetSpec) WantsBackend(name string) bool {
	if len(s.Backends) == 0 {
		return true
	}
	return slices.Contains(s.Backends, name)
}

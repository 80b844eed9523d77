// Package derive produces candidate keypairs and their base58 encoded
// addresses. The concrete scheme is a pluggable parameter of the
// generators, two are implemented: Solana style create-with-seed and
// plain ed25519.
package derive

import (
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"fmt"
	mathrand "math/rand/v2"
	"time"

	"github.com/mr-tron/base58"

	"github.com/keygrind/keygrind/internal/model"
)

// DefaultOwner is the SPL Token program, used when the spec names no owner.
const DefaultOwner = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

// SeedLen is the length of a create-with-seed seed in bytes.
const SeedLen = 16

const seedAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Candidate is an ephemeral keypair plus its derived address. It is either
// discarded or promoted to a model.Match via the Match method.
type Candidate struct {
	Address string
	Seed    []byte // create_with_seed private material
	Private []byte // ed25519 private material
}

// Match promotes the candidate. Ownership of the private material
// transfers to the returned value.
func (c Candidate) Match(backend string, attempt uint64) model.Match {
	m := model.Match{
		Address:   c.Address,
		PublicKey: c.Address,
		Backend:   backend,
		Attempt:   attempt,
		FoundAt:   time.Now().UTC(),
	}
	if len(c.Seed) > 0 {
		m.Seed = string(c.Seed)
	}
	if len(c.Private) > 0 {
		m.PrivateKey = base58.Encode(c.Private)
	}
	return m
}

// Deriver turns random material into candidates. Implementations must be
// safe for concurrent use, every worker owns its rng.
type Deriver interface {
	Scheme() model.Scheme
	// Derive samples a fresh candidate from rng.
	Derive(rng *mathrand.Rand) Candidate
	// FromSeed rebuilds a candidate from its private material, used to
	// re-verify batches returned by the GPU helper host side.
	FromSeed(seed []byte) (Candidate, error)
}

// New builds a deriver for the spec.
func New(spec model.TargetSpec) (Deriver, error) {
	switch spec.Scheme {
	case model.SchemeEd25519:
		return Ed25519{}, nil
	case model.SchemeCreateWithSeed:
		return NewCreateWithSeed(spec.Base, spec.Owner)
	}
	return nil, fmt.Errorf("unknown scheme %q: %w", spec.Scheme, model.ErrInvalidSpec)
}

// NewRNG returns a ChaCha8 generator seeded from crypto/rand.
func NewRNG() (*mathrand.Rand, error) {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("seeding rng: %w", err)
	}
	return mathrand.New(mathrand.NewChaCha8(seed)), nil
}

// CreateWithSeed derives base58(sha256(base ‖ seed ‖ owner)) where seed is
// 16 random alphanumeric bytes.
type CreateWithSeed struct {
	base  [32]byte
	owner [32]byte
}

func NewCreateWithSeed(base, owner string) (*CreateWithSeed, error) {
	if base == "" {
		return nil, fmt.Errorf("create_with_seed requires a base public key: %w", model.ErrInvalidSpec)
	}
	if owner == "" {
		owner = DefaultOwner
	}
	var d CreateWithSeed
	if err := decodeKey(d.base[:], base); err != nil {
		return nil, fmt.Errorf("base public key: %w", err)
	}
	if err := decodeKey(d.owner[:], owner); err != nil {
		return nil, fmt.Errorf("owner public key: %w", err)
	}
	return &d, nil
}

func (d *CreateWithSeed) Scheme() model.Scheme {
	return model.SchemeCreateWithSeed
}

func (d *CreateWithSeed) Derive(rng *mathrand.Rand) Candidate {
	seed := make([]byte, SeedLen)
	for i := range seed {
		seed[i] = seedAlphabet[rng.IntN(len(seedAlphabet))]
	}
	return d.derive(seed)
}

func (d *CreateWithSeed) FromSeed(seed []byte) (Candidate, error) {
	if len(seed) != SeedLen {
		return Candidate{}, fmt.Errorf("seed must have %d bytes, got %d", SeedLen, len(seed))
	}
	for _, c := range seed {
		if !isAlnum(c) {
			return Candidate{}, fmt.Errorf("seed byte %q is not alphanumeric", c)
		}
	}
	return d.derive(seed), nil
}

func (d *CreateWithSeed) derive(seed []byte) Candidate {
	var buf [32 + SeedLen + 32]byte
	copy(buf[:32], d.base[:])
	copy(buf[32:32+SeedLen], seed)
	copy(buf[32+SeedLen:], d.owner[:])
	sum := sha256.Sum256(buf[:])
	return Candidate{
		Address: base58.Encode(sum[:]),
		Seed:    seed,
	}
}

// Ed25519 derives base58(public key) of a fresh keypair.
type Ed25519 struct{}

func (Ed25519) Scheme() model.Scheme {
	return model.SchemeEd25519
}

func (Ed25519) Derive(rng *mathrand.Rand) Candidate {
	seed := make([]byte, ed25519.SeedSize)
	fill(rng, seed)
	c, _ := Ed25519{}.FromSeed(seed) // length is always right here
	return c
}

func (Ed25519) FromSeed(seed []byte) (Candidate, error) {
	if len(seed) != ed25519.SeedSize {
		return Candidate{}, fmt.Errorf("seed must have %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv[ed25519.SeedSize:]
	return Candidate{
		Address: base58.Encode(pub),
		Private: priv,
	}, nil
}

func decodeKey(dst []byte, encoded string) error {
	b, err := base58.Decode(encoded)
	if err != nil {
		return fmt.Errorf("%v: %w", err, model.ErrInvalidSpec)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("expected %d bytes, got %d: %w", len(dst), len(b), model.ErrInvalidSpec)
	}
	copy(dst, b)
	return nil
}

func fill(rng *mathrand.Rand, b []byte) {
	for len(b) >= 8 {
		v := rng.Uint64()
		for i := 0; i < 8; i++ {
			b[i] = byte(v >> (8 * i))
		}
		b = b[8:]
	}
	if len(b) > 0 {
		v := rng.Uint64()
		for i := range b {
			b[i] = byte(v >> (8 * i))
		}
	}
}

func isAlnum(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return true
	}
	return false
}

// Package match compiles a target spec into a predicate over encoded
// addresses. Matches sits on the hottest path of the engine, it is
// allocation free and O(pattern length) per call.
package match

import (
	"fmt"

	"github.com/keygrind/keygrind/internal/model"
)

// Alphabet is the Bitcoin base58 alphabet used by all address encodings.
const Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// MaxPatternLen is the longest possible pattern, a 32 byte key encodes
// to at most 44 base58 characters.
const MaxPatternLen = 44

var inAlphabet [256]bool

func init() {
	for i := 0; i < len(Alphabet); i++ {
		inAlphabet[Alphabet[i]] = true
	}
}

// Matcher is a compiled predicate. Safe for concurrent use.
type Matcher struct {
	kind    model.Kind
	pattern string
	fold    bool
}

// Compile validates the spec and builds a Matcher. Case-insensitive
// patterns are lowercased here, never per call.
func Compile(spec model.TargetSpec) (*Matcher, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Pattern == "" {
		return nil, fmt.Errorf("empty pattern: %w", model.ErrInvalidSpec)
	}
	if len(spec.Pattern) > MaxPatternLen {
		return nil, fmt.Errorf("pattern longer than %d characters: %w", MaxPatternLen, model.ErrInvalidSpec)
	}

	fold := !spec.CaseSensitive
	buf := make([]byte, len(spec.Pattern))
	for i := 0; i < len(spec.Pattern); i++ {
		c := spec.Pattern[i]
		if c == '?' && spec.Kind == model.KindMask {
			buf[i] = c
			continue
		}
		if !validByte(c, fold) {
			return nil, fmt.Errorf("character %q outside the base58 alphabet: %w", c, model.ErrInvalidSpec)
		}
		if fold {
			c = lower(c)
		}
		buf[i] = c
	}

	return &Matcher{
		kind:    spec.Kind,
		pattern: string(buf),
		fold:    fold,
	}, nil
}

// Matches evaluates the address against the compiled pattern.
func (m *Matcher) Matches(addr string) bool {
	n, p := len(addr), len(m.pattern)
	if p > n {
		return false
	}
	switch m.kind {
	case model.KindPrefix:
		return m.equalAt(addr, 0)
	case model.KindSuffix:
		return m.equalAt(addr, n-p)
	case model.KindContains:
		for i := 0; i+p <= n; i++ {
			if m.equalAt(addr, i) {
				return true
			}
		}
		return false
	case model.KindMask:
		return m.maskAt(addr)
	}
	return false
}

func (m *Matcher) equalAt(addr string, off int) bool {
	for i := 0; i < len(m.pattern); i++ {
		c := addr[off+i]
		if m.fold {
			c = lower(c)
		}
		if c != m.pattern[i] {
			return false
		}
	}
	return true
}

func (m *Matcher) maskAt(addr string) bool {
	for i := 0; i < len(m.pattern); i++ {
		if m.pattern[i] == '?' {
			continue
		}
		c := addr[i]
		if m.fold {
			c = lower(c)
		}
		if c != m.pattern[i] {
			return false
		}
	}
	return true
}

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

// a case-insensitive pattern may use either case of an alphabet letter,
// e.g. "L" folds to "l" which itself is not base58
func validByte(c byte, fold bool) bool {
	if inAlphabet[c] {
		return true
	}
	if !fold {
		return false
	}
	switch {
	case 'a' <= c && c <= 'z':
		return inAlphabet[c-('a'-'A')]
	case 'A' <= c && c <= 'Z':
		return inAlphabet[c+('a'-'A')]
	}
	return false
}

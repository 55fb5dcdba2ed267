package source

import (
	"errors"

	"github.com/bmatcuk/doublestar/v4"
)

// Selector filters object keys with include and exclude glob patterns.
//
// Patterns use doublestar syntax ("events/**/*.jsonl"). A key is selected
// when it matches at least one include pattern (or no includes are
// configured) and matches no exclude pattern.
//
// A Selector is safe for concurrent use after creation.
type Selector struct {
	includes []string
	excludes []string
}

// ErrInvalidPattern is returned when a pattern cannot be compiled.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// NewSelector validates the given patterns and returns a selector.
// Both pattern lists may be empty.
func NewSelector(includes, excludes []string) (*Selector, error) {
	for _, raw := range includes {
		if !doublestar.ValidatePattern(raw) {
			return nil, &PatternError{Pattern: raw, Err: ErrInvalidPattern}
		}
	}
	for _, raw := range excludes {
		if !doublestar.ValidatePattern(raw) {
			return nil, &PatternError{Pattern: raw, Err: ErrInvalidPattern}
		}
	}
	return &Selector{includes: includes, excludes: excludes}, nil
}

// Match returns true if the key passes the include/exclude patterns.
// A nil selector matches every key.
func (s *Selector) Match(key string) bool {
	if s == nil {
		return true
	}

	if len(s.includes) > 0 {
		matched := false
		for _, p := range s.includes {
			if matchPattern(p, key) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for _, p := range s.excludes {
		if matchPattern(p, key) {
			return false
		}
	}
	return true
}

func matchPattern(pattern, key string) bool {
	matched, err := doublestar.Match(pattern, key)
	if err != nil {
		// Patterns are validated at construction time.
		return false
	}
	return matched
}

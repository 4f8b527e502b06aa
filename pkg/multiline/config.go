// Package multiline joins consecutive physical lines into logical events
// using one of three strategies: count, pattern or while.
package multiline

import (
	"errors"
	"fmt"
	"regexp"
)

// Default limits applied to every strategy.
const (
	DefaultMaxLines = 500
	DefaultMaxBytes = 10 * 1024 * 1024
)

// Kind selects the strategy.
type Kind string

const (
	KindCount   Kind = "count"
	KindPattern Kind = "pattern"
	KindWhile   Kind = "while"
)

// Match selects what a pattern line marks in pattern mode.
type Match string

const (
	// MatchAfter: a matching line starts an event; the lines after it
	// are appended until the next match.
	MatchAfter Match = "after"
	// MatchBefore: a matching line is appended and ends the event.
	MatchBefore Match = "before"
)

// ErrInvalidConfig is wrapped by every Compile error.
var ErrInvalidConfig = errors.New("invalid multiline config")

// Config is the strategy tag plus the parameters of that strategy. Only the
// block matching Kind is read.
type Config struct {
	Kind    Kind
	Count   CountConfig
	Pattern PatternConfig
	While   WhileConfig

	// MaxLines caps the lines kept in one event's content. Zero means
	// DefaultMaxLines.
	MaxLines int
	// MaxBytes caps one event's content. Zero means DefaultMaxBytes.
	MaxBytes int
}

// CountConfig groups every Lines physical lines.
type CountConfig struct {
	Lines int
}

// PatternConfig groups lines around a start or end pattern. Negate inverts
// which lines are marked. A line matching FlushPattern is appended and
// ends the event at once.
type PatternConfig struct {
	Pattern      string
	Match        Match
	Negate       bool
	FlushPattern string
}

// WhileConfig groups lines for as long as a pattern keeps matching.
type WhileConfig struct {
	Pattern string
	Negate  bool
}

// Spec is a compiled Config, safe to share between objects.
type Spec struct {
	kind     Kind
	count    int
	pattern  *regexp.Regexp
	flush    *regexp.Regexp
	match    Match
	negate   bool
	maxLines int
	maxBytes int
}

// Compile validates cfg and compiles its patterns.
func Compile(cfg Config) (*Spec, error) {
	s := &Spec{
		kind:     cfg.Kind,
		maxLines: cfg.MaxLines,
		maxBytes: cfg.MaxBytes,
	}
	if s.maxLines <= 0 {
		s.maxLines = DefaultMaxLines
	}
	if s.maxBytes <= 0 {
		s.maxBytes = DefaultMaxBytes
	}

	var err error
	switch cfg.Kind {
	case KindCount:
		if cfg.Count.Lines <= 0 {
			return nil, fmt.Errorf("%w: count_lines must be positive, got %d", ErrInvalidConfig, cfg.Count.Lines)
		}
		s.count = cfg.Count.Lines

	case KindPattern:
		s.match, s.negate = cfg.Pattern.Match, cfg.Pattern.Negate
		if s.match == "" {
			s.match = MatchAfter
		}
		if s.match != MatchAfter && s.match != MatchBefore {
			return nil, fmt.Errorf("%w: match must be %q or %q, got %q", ErrInvalidConfig, MatchAfter, MatchBefore, s.match)
		}
		if s.pattern, err = compilePattern("pattern", cfg.Pattern.Pattern); err != nil {
			return nil, err
		}
		if cfg.Pattern.FlushPattern != "" {
			if s.flush, err = compilePattern("flush_pattern", cfg.Pattern.FlushPattern); err != nil {
				return nil, err
			}
		}

	case KindWhile:
		s.negate = cfg.While.Negate
		if s.pattern, err = compilePattern("pattern", cfg.While.Pattern); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidConfig, cfg.Kind)
	}
	return s, nil
}

func compilePattern(name, expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidConfig, name)
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: compile %s: %w", ErrInvalidConfig, name, err)
	}
	return re, nil
}

// Kind returns the compiled strategy.
func (s *Spec) Kind() Kind {
	return s.kind
}

// New returns a fresh per-object aggregator.
func (s *Spec) New() *Aggregator {
	return &Aggregator{spec: s}
}

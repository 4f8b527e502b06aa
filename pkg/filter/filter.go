// Package filter decides whether an event's text is forwarded, from
// include and exclude pattern lists.
//
// Exclude wins over include. A matcher failure accepts the event rather
// than dropping it.
package filter

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
)

// ErrInvalidPattern is wrapped by New when a pattern does not compile.
var ErrInvalidPattern = errors.New("invalid filter pattern")

// Matcher reports whether any of its patterns matches text.
type Matcher interface {
	Match(text []byte) (bool, error)
}

// MatcherFactory compiles a pattern list into a Matcher.
type MatcherFactory func(patterns []string) (Matcher, error)

// RuleSet is a compiled, immutable pattern list.
type RuleSet struct {
	patterns []string
	matcher  Matcher
}

// Patterns returns a copy of the source patterns.
func (r *RuleSet) Patterns() []string {
	if r == nil {
		return nil
	}
	return slices.Clone(r.patterns)
}

// Equal reports whether both rule sets were built from the same patterns.
func (r *RuleSet) Equal(o *RuleSet) bool {
	return slices.Equal(r.Patterns(), o.Patterns())
}

// Option configures a Filter.
type Option func(*options)

type options struct {
	factory MatcherFactory
	onError func(error)
}

// WithMatcher replaces the default regexp matcher.
func WithMatcher(f MatcherFactory) Option {
	return func(o *options) {
		o.factory = f
	}
}

// WithErrorHandler receives matcher failures. The event is still accepted.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		o.onError = fn
	}
}

// Filter is safe for concurrent use once built.
type Filter struct {
	include *RuleSet
	exclude *RuleSet
	onError func(error)
}

// New compiles include and exclude. Empty lists mean no rule of that kind.
func New(include, exclude []string, opts ...Option) (*Filter, error) {
	o := options{factory: NewRegexpSet}
	for _, opt := range opts {
		opt(&o)
	}

	f := &Filter{onError: o.onError}
	var err error
	if f.include, err = compile(o.factory, include); err != nil {
		return nil, fmt.Errorf("compile include: %w", err)
	}
	if f.exclude, err = compile(o.factory, exclude); err != nil {
		return nil, fmt.Errorf("compile exclude: %w", err)
	}
	return f, nil
}

func compile(factory MatcherFactory, patterns []string) (*RuleSet, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	m, err := factory(patterns)
	if err != nil {
		return nil, err
	}
	return &RuleSet{patterns: slices.Clone(patterns), matcher: m}, nil
}

// Accept reports whether text should be forwarded. A nil Filter accepts
// everything.
func (f *Filter) Accept(text []byte) bool {
	if f == nil || (f.include == nil && f.exclude == nil) {
		return true
	}

	if f.exclude != nil {
		excluded, err := f.exclude.matcher.Match(text)
		if err != nil {
			f.report(fmt.Errorf("match exclude: %w", err))
			return true
		}
		if excluded {
			return false
		}
	}

	if f.include == nil {
		return true
	}
	included, err := f.include.matcher.Match(text)
	if err != nil {
		f.report(fmt.Errorf("match include: %w", err))
		return true
	}
	return included
}

func (f *Filter) report(err error) {
	if f.onError != nil {
		f.onError(err)
	}
}

// Include returns the include rules, or nil.
func (f *Filter) Include() *RuleSet {
	if f == nil {
		return nil
	}
	return f.include
}

// Exclude returns the exclude rules, or nil.
func (f *Filter) Exclude() *RuleSet {
	if f == nil {
		return nil
	}
	return f.exclude
}

// Equal compares pattern lists, not matchers.
func (f *Filter) Equal(o *Filter) bool {
	return f.Include().Equal(o.Include()) && f.Exclude().Equal(o.Exclude())
}

// RegexpSet matches if any of its expressions matches. Expressions are
// compiled with dot matching newlines so multiline events are searched
// whole.
type RegexpSet []*regexp.Regexp

// NewRegexpSet is the default MatcherFactory.
func NewRegexpSet(patterns []string) (Matcher, error) {
	set := make(RegexpSet, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?s)" + p)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrInvalidPattern, p, err)
		}
		set = append(set, re)
	}
	return set, nil
}

// Match implements Matcher.
func (s RegexpSet) Match(text []byte) (bool, error) {
	for _, re := range s {
		if re.Match(text) {
			return true, nil
		}
	}
	return false, nil
}

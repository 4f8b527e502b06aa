package filter

import (
	"errors"
	"testing"
)

const message = "a message"

func TestFilter_Policy(t *testing.T) {
	tests := []struct {
		name    string
		include []string
		exclude []string
		want    bool
	}{
		{"no rules", nil, nil, true},
		{"exclude rule match", nil, []string{"message"}, false},
		{"exclude rule not match", nil, []string{"not matching"}, true},
		{"include rule match", []string{"message"}, nil, true},
		{"include rule not match", []string{"not matching"}, nil, false},
		{"both rules exclude priority", []string{"message"}, []string{"message"}, false},
		{"both rules include match", []string{"message"}, []string{"not matching"}, true},
		{"both rules no match", []string{"not matching"}, []string{"not matching"}, false},
		{"any pattern matches", []string{"nope", "^a "}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.include, tt.exclude)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if got := f.Accept([]byte(message)); got != tt.want {
				t.Errorf("Accept(%q) = %v, want %v", message, got, tt.want)
			}
		})
	}
}

func TestFilter_DotMatchesNewline(t *testing.T) {
	f, err := New([]string{"start.*end"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Accept([]byte("start\n  middle\nend")) {
		t.Error("pattern did not match across lines")
	}
}

type failingMatcher struct{}

func (failingMatcher) Match([]byte) (bool, error) {
	return false, errors.New("scratch space exhausted")
}

func TestFilter_FailOpen(t *testing.T) {
	factory := func([]string) (Matcher, error) { return failingMatcher{}, nil }

	var reported []error
	onError := func(err error) { reported = append(reported, err) }

	for _, tc := range []struct {
		name             string
		include, exclude []string
	}{
		{"include only", []string{"x"}, nil},
		{"exclude only", nil, []string{"x"}},
		{"both", []string{"x"}, []string{"y"}},
	} {
		f, err := New(tc.include, tc.exclude, WithMatcher(factory), WithErrorHandler(onError))
		if err != nil {
			t.Fatalf("%s: New: %v", tc.name, err)
		}
		if !f.Accept([]byte(message)) {
			t.Errorf("%s: matcher failure rejected the event", tc.name)
		}
	}
	if len(reported) != 3 {
		t.Errorf("reported %d errors, want 3", len(reported))
	}
}

func TestFilter_InvalidPattern(t *testing.T) {
	if _, err := New([]string{"("}, nil); !errors.Is(err, ErrInvalidPattern) {
		t.Errorf("include err = %v, want ErrInvalidPattern", err)
	}
	if _, err := New(nil, []string{"[a-"}); !errors.Is(err, ErrInvalidPattern) {
		t.Errorf("exclude err = %v, want ErrInvalidPattern", err)
	}
}

func TestFilter_Equal(t *testing.T) {
	a, _ := New([]string{"a", "b"}, []string{"c"})
	b, _ := New([]string{"a", "b"}, []string{"c"}, WithMatcher(func(p []string) (Matcher, error) {
		return failingMatcher{}, nil
	}))
	c, _ := New([]string{"b", "a"}, []string{"c"})
	d, _ := New(nil, nil)

	if !a.Equal(b) {
		t.Error("same patterns with different matchers should be equal")
	}
	if a.Equal(c) {
		t.Error("pattern order is part of equality")
	}
	if a.Equal(d) || !d.Equal(&Filter{}) {
		t.Error("empty filters compare by pattern lists")
	}
}

func TestFilter_NilAcceptsAll(t *testing.T) {
	var f *Filter
	if !f.Accept([]byte("anything")) {
		t.Error("nil filter rejected")
	}
}

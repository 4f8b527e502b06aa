package multiline

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/eunmann/s3-log-forwarder/pkg/lines"
)

type span struct {
	Content string
	Begin   int64
	End     int64
}

func aggregate(t *testing.T, cfg Config, input string) []span {
	t.Helper()
	spec, err := Compile(cfg)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	agg := spec.New()
	lr := lines.NewReader(strings.NewReader(input), 0)

	var out []span
	for {
		l, err := lr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		for _, ev := range agg.Push(l) {
			out = append(out, span{string(ev.Content), ev.Begin, ev.End})
		}
	}
	if ev, ok := agg.Finalize(); ok {
		out = append(out, span{string(ev.Content), ev.Begin, ev.End})
	}
	if agg.Pending() {
		t.Error("aggregator still pending after Finalize")
	}
	return out
}

func TestCount(t *testing.T) {
	input := "l1\nl2\nl3\nl4\nl5\nl6\nl7\n"
	got := aggregate(t, Config{Kind: KindCount, Count: CountConfig{Lines: 3}}, input)
	want := []span{
		{"l1\nl2\nl3", 0, 9},
		{"l4\nl5\nl6", 9, 18},
		{"l7", 18, 21},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestCount_PreservesCRLF(t *testing.T) {
	got := aggregate(t, Config{Kind: KindCount, Count: CountConfig{Lines: 2}}, "a\r\nb\r\nc")
	want := []span{
		{"a\r\nb", 0, 6},
		{"c", 6, 7},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestPattern_After(t *testing.T) {
	input := "MultilineStart one\n  cont a\nMultilineStart two\n  cont b\n"
	cfg := Config{Kind: KindPattern, Pattern: PatternConfig{Pattern: "^MultilineStart", Match: MatchAfter}}
	got := aggregate(t, cfg, input)
	want := []span{
		{"MultilineStart one\n  cont a", 0, 28},
		{"MultilineStart two\n  cont b", 28, 56},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestPattern_AfterLeadingContinuation(t *testing.T) {
	input := "  orphan\nMultilineStart\n  cont\n"
	cfg := Config{Kind: KindPattern, Pattern: PatternConfig{Pattern: "^MultilineStart", Match: MatchAfter}}
	got := aggregate(t, cfg, input)
	want := []span{
		{"  orphan", 0, 9},
		{"MultilineStart\n  cont", 9, 31},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestPattern_AfterNegated(t *testing.T) {
	input := "Exception in main\n\tat a()\n\tat b()\nnext line\n"
	cfg := Config{Kind: KindPattern, Pattern: PatternConfig{Pattern: `^\s`, Match: MatchAfter, Negate: true}}
	got := aggregate(t, cfg, input)
	want := []span{
		{"Exception in main\n\tat a()\n\tat b()", 0, 34},
		{"next line", 34, 44},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestPattern_Before(t *testing.T) {
	input := "a\nb\nEND\nc\nEND\n"
	cfg := Config{Kind: KindPattern, Pattern: PatternConfig{Pattern: "^END$", Match: MatchBefore}}
	got := aggregate(t, cfg, input)
	want := []span{
		{"a\nb\nEND", 0, 8},
		{"c\nEND", 8, 14},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestPattern_BeforeNegated(t *testing.T) {
	input := "part one \\\npart two \\\nend\nsolo\n"
	cfg := Config{Kind: KindPattern, Pattern: PatternConfig{Pattern: `\\$`, Match: MatchBefore, Negate: true}}
	got := aggregate(t, cfg, input)
	want := []span{
		{"part one \\\npart two \\\nend", 0, 26},
		{"solo", 26, 31},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestPattern_FlushPattern(t *testing.T) {
	input := "MultilineStart\na\nb \\\nc\nMultilineStart\nd\n"
	cfg := Config{Kind: KindPattern, Pattern: PatternConfig{
		Pattern:      "MultilineStart",
		Match:        MatchAfter,
		FlushPattern: `\\$`,
	}}
	got := aggregate(t, cfg, input)
	var contents []string
	for _, s := range got {
		contents = append(contents, s.Content)
	}
	want := []string{"MultilineStart\na\nb \\", "c", "MultilineStart\nd"}
	if diff := cmp.Diff(want, contents); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	if got[0].End != got[1].Begin {
		t.Errorf("flush left a gap: %d..%d", got[0].End, got[1].Begin)
	}
}

func TestWhile(t *testing.T) {
	input := "MultilineStart\nx\ny\nMultilineStart\nz\n"
	cfg := Config{Kind: KindWhile, While: WhileConfig{Pattern: "MultilineStart", Negate: true}}
	got := aggregate(t, cfg, input)
	want := []span{
		{"MultilineStart\nx\ny", 0, 19},
		{"MultilineStart\nz", 19, 36},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestWhile_Matching(t *testing.T) {
	input := "head\n  a\n  b\ntail\n"
	got := aggregate(t, Config{Kind: KindWhile, While: WhileConfig{Pattern: `^\s`}}, input)
	want := []span{
		{"head\n  a\n  b", 0, 13},
		{"tail", 13, 18},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestLimitsTruncateContentNotSpan(t *testing.T) {
	input := "aaaa\nbbbb\ncccc\ndddd\n"

	got := aggregate(t, Config{Kind: KindCount, Count: CountConfig{Lines: 4}, MaxLines: 2}, input)
	if len(got) != 1 || got[0].Content != "aaaa\nbbbb" || got[0].Begin != 0 || got[0].End != 20 {
		t.Errorf("max_lines: got %+v", got)
	}

	got = aggregate(t, Config{Kind: KindCount, Count: CountConfig{Lines: 4}, MaxBytes: 7}, input)
	if len(got) != 1 || got[0].Content != "aaaa\nbb" || got[0].End != 20 {
		t.Errorf("max_bytes: got %+v", got)
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown kind", Config{Kind: "sometimes"}},
		{"zero count", Config{Kind: KindCount}},
		{"bad pattern", Config{Kind: KindPattern, Pattern: PatternConfig{Pattern: "("}}},
		{"missing pattern", Config{Kind: KindWhile}},
		{"bad match", Config{Kind: KindPattern, Pattern: PatternConfig{Pattern: "x", Match: "around"}}},
		{"bad flush", Config{Kind: KindPattern, Pattern: PatternConfig{Pattern: "x", FlushPattern: "[z"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Compile(tt.cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

package multiline

import (
	"github.com/eunmann/s3-log-forwarder/pkg/lines"
)

// Event is one logical event. Begin and End span every consumed line even
// when Content was truncated by the limits.
type Event struct {
	Content   []byte
	Begin     int64
	End       int64
	Lines     int
	Truncated bool
}

// Aggregator holds the pending event of one object. It is not safe for
// concurrent use.
type Aggregator struct {
	spec *Spec

	open      bool
	buf       []byte
	begin     int64
	end       int64
	lines     int
	lastNL    []byte
	truncated bool
}

// Push consumes one line and returns the events it completed, in order.
func (a *Aggregator) Push(l lines.Line) []Event {
	s := a.spec
	var out []Event

	switch s.kind {
	case KindCount:
		a.add(l)
		if a.lines >= s.count {
			out = append(out, a.take())
		}

	case KindPattern:
		// A marked line starts an event in after mode and ends one in
		// before mode.
		marked := s.pattern.Match(l.Content) != s.negate
		if s.match == MatchAfter {
			if marked && a.open {
				out = append(out, a.take())
			}
			a.add(l)
		} else {
			a.add(l)
			if marked {
				out = append(out, a.take())
			}
		}
		if a.open && s.flush != nil && s.flush.Match(l.Content) {
			out = append(out, a.take())
		}

	case KindWhile:
		if s.pattern.Match(l.Content) == s.negate && a.open {
			out = append(out, a.take())
		}
		a.add(l)
	}
	return out
}

// Finalize returns the pending partial event, if any, and resets the
// aggregator. The driver calls it once the line source is exhausted.
func (a *Aggregator) Finalize() (Event, bool) {
	if !a.open {
		return Event{}, false
	}
	return a.take(), true
}

// Pending reports whether a partial event is buffered.
func (a *Aggregator) Pending() bool {
	return a.open
}

func (a *Aggregator) add(l lines.Line) {
	if !a.open {
		a.open = true
		a.begin = l.Begin
		a.buf = a.buf[:0]
	}
	a.end = l.End
	a.lines++

	if a.lines > a.spec.maxLines {
		a.truncated = true
	} else {
		if a.lines > 1 {
			a.appendCapped(a.lastNL)
		}
		a.appendCapped(l.Content)
	}
	a.lastNL = l.Newline
}

func (a *Aggregator) appendCapped(b []byte) {
	room := a.spec.maxBytes - len(a.buf)
	if room <= 0 {
		if len(b) > 0 {
			a.truncated = true
		}
		return
	}
	if len(b) > room {
		b = b[:room]
		a.truncated = true
	}
	a.buf = append(a.buf, b...)
}

func (a *Aggregator) take() Event {
	ev := Event{
		Content:   append([]byte(nil), a.buf...),
		Begin:     a.begin,
		End:       a.end,
		Lines:     a.lines,
		Truncated: a.truncated,
	}
	a.open = false
	a.buf = a.buf[:0]
	a.lines = 0
	a.lastNL = nil
	a.truncated = false
	return ev
}

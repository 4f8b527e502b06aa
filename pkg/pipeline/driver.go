// Package pipeline turns one stored object into a resumable sequence of log
// events with exact byte spans.
//
// Every object passes through the stages named by StageOrder. Each event
// carries the decompressed byte span it came from; a Cursor built from the
// last shipped event resumes the object without re-emitting anything before
// it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/eunmann/s3-log-forwarder/internal/logctx"
	"github.com/eunmann/s3-log-forwarder/pkg/expand"
	"github.com/eunmann/s3-log-forwarder/pkg/filter"
	"github.com/eunmann/s3-log-forwarder/pkg/inflate"
	"github.com/eunmann/s3-log-forwarder/pkg/jsonclass"
	"github.com/eunmann/s3-log-forwarder/pkg/lines"
	"github.com/eunmann/s3-log-forwarder/pkg/multiline"
	"github.com/eunmann/s3-log-forwarder/pkg/s3fetch"
)

// StageOrder is the fixed order in which stages process an object. JSON
// records go to the expander, other records to the multiline aggregator.
const StageOrder = "read > inflate > lines > classify > expand|multiline > filter > resume"

// ErrInvalidOptions is returned by New.
var ErrInvalidOptions = errors.New("invalid pipeline options")

// Options configures a Driver. The expander, multiline spec and filter are
// shared read-only across objects.
type Options struct {
	JSON      jsonclass.Config
	Expander  *expand.Expander
	Multiline *multiline.Spec
	Filter    *filter.Filter

	// ChunkSize is the read size. Zero means lines.DefaultChunkSize.
	ChunkSize int
	// MaxLineBytes splits longer physical lines. Zero means unbounded.
	MaxLineBytes int
	// Rescan reads every object from byte zero and relies on the cursor
	// only to suppress events.
	Rescan bool
}

// Driver opens objects with a fixed set of options.
type Driver struct {
	opts Options
}

// New validates opts.
func New(opts Options) (*Driver, error) {
	if opts.ChunkSize < 0 {
		return nil, fmt.Errorf("%w: negative chunk size %d", ErrInvalidOptions, opts.ChunkSize)
	}
	if opts.MaxLineBytes < 0 {
		return nil, fmt.Errorf("%w: negative max line bytes %d", ErrInvalidOptions, opts.MaxLineBytes)
	}
	if _, err := jsonclass.ParseContentType(string(opts.JSON.ContentType)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return &Driver{opts: opts}, nil
}

// Stats counts what happened to one object's candidate events.
type Stats struct {
	Kind       jsonclass.Kind
	Compressed bool
	Emitted    int
	Skipped    int
	Filtered   int
	Empty      int
}

// Events is the event sequence of one object. It is not safe for
// concurrent use.
type Events struct {
	ctx    context.Context
	obj    s3fetch.ObjectRef
	cursor Cursor

	stream  *inflate.Stream
	records *jsonclass.Classifier
	agg     *multiline.Aggregator
	exp     *expand.Expander
	filter  *filter.Filter

	resumeElement int
	elements      *expand.Iterator
	container     Container
	ready         []Event
	done          bool

	stats Stats
}

// Open starts reading obj at the position the cursor implies.
func (d *Driver) Open(ctx context.Context, src s3fetch.ObjectSource, obj s3fetch.ObjectRef, cursor Cursor) (*Events, error) {
	start := cursor.Start()
	if d.opts.Rescan {
		start = 0
	}

	stream, err := inflate.Open(ctx, src, obj, start)
	if err != nil {
		return nil, fmt.Errorf("open %s at %d: %w", obj.URI(), start, err)
	}

	lr := lines.NewReader(stream, start,
		lines.WithChunkSize(d.opts.ChunkSize),
		lines.WithMaxLineBytes(d.opts.MaxLineBytes),
	)

	jcfg := d.opts.JSON
	jcfg.ObjectSize = stream.Info.Size

	var (
		records *jsonclass.Classifier
		kind    jsonclass.Kind
	)
	if start > 0 && jcfg.Sniffs() {
		// Classify from the head so a resumed object is read the same way
		// as on its first pass.
		kind, err = d.detectHead(ctx, src, obj, jcfg)
		if err != nil {
			stream.Close()
			return nil, err
		}
		records = jsonclass.NewClassifier(lr, jcfg, kind)
	} else {
		records, kind = jsonclass.Classify(lr, jcfg)
	}

	log := logctx.FromContext(ctx)
	log.Debug().
		Str("object", obj.URI()).
		Int64("start", start).
		Bool("compressed", stream.Compressed).
		Str("kind", kind.String()).
		Msg("object opened")

	e := &Events{
		ctx:           ctx,
		obj:           obj,
		cursor:        cursor,
		stream:        stream,
		records:       records,
		exp:           d.opts.Expander,
		filter:        d.opts.Filter,
		resumeElement: cursor.ResumeElement,
		stats:         Stats{Kind: kind, Compressed: stream.Compressed},
	}
	if d.opts.Multiline != nil {
		e.agg = d.opts.Multiline.New()
	}
	return e, nil
}

func (d *Driver) detectHead(ctx context.Context, src s3fetch.ObjectSource, obj s3fetch.ObjectRef, cfg jsonclass.Config) (jsonclass.Kind, error) {
	head, err := inflate.Open(ctx, src, obj, 0)
	if err != nil {
		return 0, fmt.Errorf("open head of %s: %w", obj.URI(), err)
	}
	defer head.Close()

	lr := lines.NewReader(head, 0,
		lines.WithChunkSize(d.opts.ChunkSize),
		lines.WithMaxLineBytes(d.opts.MaxLineBytes),
	)
	return jsonclass.Detect(lr, cfg), nil
}

// Stats returns the counters so far.
func (e *Events) Stats() Stats {
	return e.stats
}

// Close releases the object stream.
func (e *Events) Close() error {
	return e.stream.Close()
}

// Next returns the next event to ship, or io.EOF when the object is
// drained. The context is checked before each event; an event is never
// abandoned half-built.
func (e *Events) Next() (Event, error) {
	for {
		if err := e.ctx.Err(); err != nil {
			return Event{}, err
		}

		ev, err := e.produce()
		if err != nil {
			return Event{}, err
		}

		if ev.End < e.cursor.LastEndingOffset {
			e.stats.Skipped++
			continue
		}
		if len(ev.Payload) == 0 {
			e.stats.Empty++
			continue
		}
		if !e.filter.Accept(ev.Payload) {
			e.stats.Filtered++
			continue
		}
		e.stats.Emitted++
		return ev, nil
	}
}

// produce returns the next candidate event before resume and filter checks.
func (e *Events) produce() (Event, error) {
	for {
		if len(e.ready) > 0 {
			ev := e.ready[0]
			e.ready = e.ready[1:]
			return ev, nil
		}

		if e.elements != nil {
			el, err := e.elements.Next()
			if errors.Is(err, io.EOF) {
				e.elements = nil
				continue
			}
			if err != nil {
				return Event{}, fmt.Errorf("expand %s at %d: %w", e.obj.URI(), e.container.Begin, err)
			}
			return Event{
				Payload:      el.Payload,
				Begin:        el.Begin,
				End:          el.End,
				Container:    e.container,
				ElementIndex: el.Index,
				LastElement:  el.Last,
			}, nil
		}

		if e.done {
			return Event{}, io.EOF
		}

		rec, err := e.records.Next()
		if errors.Is(err, io.EOF) {
			e.done = true
			e.finalize()
			continue
		}
		if err != nil {
			return Event{}, fmt.Errorf("read %s: %w", e.obj.URI(), err)
		}

		from := 0
		if e.resumeElement > 0 && rec.Begin >= e.cursor.LastBeginningOffset {
			if rec.Begin == e.cursor.LastBeginningOffset {
				from = e.resumeElement
			}
			e.resumeElement = 0
		}

		if rec.JSON {
			e.finalize()
			if e.exp != nil {
				it, ok, err := e.exp.Expand(rec, from)
				if err != nil {
					return Event{}, fmt.Errorf("expand %s at %d: %w", e.obj.URI(), rec.Begin, err)
				}
				if ok {
					e.elements = it
					e.container = Container{Begin: rec.Begin, End: rec.End}
					continue
				}
			}
			e.ready = append(e.ready, recordEvent(rec))
			continue
		}

		if e.agg == nil {
			e.ready = append(e.ready, recordEvent(rec))
			continue
		}
		for _, mev := range e.agg.Push(lines.Line{
			Content: rec.Content,
			Begin:   rec.Begin,
			End:     rec.End,
			Newline: rec.Newline,
		}) {
			e.ready = append(e.ready, multilineEvent(mev))
		}
	}
}

// finalize flushes the pending multiline event into the ready queue.
func (e *Events) finalize() {
	if e.agg == nil {
		return
	}
	if mev, ok := e.agg.Finalize(); ok {
		e.ready = append(e.ready, multilineEvent(mev))
	}
}

func recordEvent(rec jsonclass.Record) Event {
	return Event{
		Payload:      rec.Content,
		Begin:        rec.Begin,
		End:          rec.End,
		Container:    Container{Begin: rec.Begin, End: rec.End},
		ElementIndex: -1,
	}
}

func multilineEvent(mev multiline.Event) Event {
	return Event{
		Payload:      mev.Content,
		Begin:        mev.Begin,
		End:          mev.End,
		Container:    Container{Begin: mev.Begin, End: mev.End},
		ElementIndex: -1,
	}
}

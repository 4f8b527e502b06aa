// Package jsonclass decides once per object whether its lines carry JSON and
// turns lines into records accordingly.
//
// Classification runs over a lookahead buffer so that no line is lost:
//
//	c, kind := jsonclass.Classify(lineReader, jsonclass.Config{ObjectSize: size})
//	for {
//	    rec, err := c.Next()
//	    ...
//	}
package jsonclass

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/eunmann/s3-log-forwarder/pkg/lines"
)

// DefaultMaxCollectLines bounds how many lines one JSON document may span.
const DefaultMaxCollectLines = 1000

// Kind is the classification of an object's content.
type Kind int

const (
	KindPlain Kind = iota
	KindSingle
	KindNDJSON
	KindJSONLike
	KindDisabled
)

func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindSingle:
		return "single"
	case KindNDJSON:
		return "ndjson"
	case KindJSONLike:
		return "json-like"
	case KindDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ContentType is the configured JSON handling for an input.
type ContentType string

const (
	ContentAuto     ContentType = ""
	ContentSingle   ContentType = "single"
	ContentNDJSON   ContentType = "ndjson"
	ContentDisabled ContentType = "disabled"
)

// ErrUnknownContentType is returned by ParseContentType.
var ErrUnknownContentType = errors.New("unknown json content type")

// ParseContentType validates a configured content type.
func ParseContentType(s string) (ContentType, error) {
	switch ct := ContentType(s); ct {
	case ContentAuto, ContentSingle, ContentNDJSON, ContentDisabled:
		return ct, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownContentType, s)
	}
}

// Config controls classification.
type Config struct {
	ContentType ContentType
	// SizeThreshold forces plain handling for objects larger than it.
	// Zero disables the breaker.
	SizeThreshold int64
	// ObjectSize is the stored size of the object being classified.
	ObjectSize int64
	// MaxCollectLines bounds a single document. Zero means the default.
	MaxCollectLines int
	// Validator checks JSON syntax. Nil means FastJSON.
	Validator Validator
}

// Breaks reports whether the size circuit breaker forces plain handling.
func (c Config) Breaks() bool {
	return c.SizeThreshold > 0 && c.ObjectSize > c.SizeThreshold
}

// Sniffs reports whether classification depends on content.
func (c Config) Sniffs() bool {
	return c.ContentType == ContentAuto && !c.Breaks()
}

// LineSource yields lines until io.EOF.
type LineSource interface {
	Next() (lines.Line, error)
}

// Record is a line, or a run of lines holding one JSON document.
type Record struct {
	Content []byte
	Begin   int64
	End     int64
	// ContentBegin is the stream offset of Content[0].
	ContentBegin int64
	Newline      []byte
	JSON         bool
}

// Classifier yields records from a classified line source.
type Classifier struct {
	src  LineSource
	cfg  Config
	kind Kind

	ahead []lines.Line
	err   error

	queue    []Record
	fallback bool
}

// Classify inspects the leading lines of src and returns a record source for
// the rest of it. Read errors met while inspecting are returned by Next once
// the inspected lines have been replayed.
func Classify(src LineSource, cfg Config) (*Classifier, Kind) {
	c := newClassifier(src, cfg)
	c.kind = c.decide()
	return c, c.kind
}

// Detect classifies the lines of src without keeping them. It is used on the
// head of an object when records are read from a later offset.
func Detect(src LineSource, cfg Config) Kind {
	return newClassifier(src, cfg).decide()
}

// NewClassifier returns a record source for a kind decided elsewhere.
func NewClassifier(src LineSource, cfg Config, kind Kind) *Classifier {
	c := newClassifier(src, cfg)
	c.kind = kind
	return c
}

func newClassifier(src LineSource, cfg Config) *Classifier {
	if cfg.MaxCollectLines <= 0 {
		cfg.MaxCollectLines = DefaultMaxCollectLines
	}
	if cfg.Validator == nil {
		cfg.Validator = FastJSON{}
	}
	return &Classifier{src: src, cfg: cfg}
}

func (c *Classifier) decide() Kind {
	switch {
	case c.cfg.ContentType == ContentDisabled:
		return KindDisabled
	case c.cfg.Breaks():
		return KindPlain
	case c.cfg.ContentType == ContentNDJSON:
		return KindNDJSON
	case c.cfg.ContentType == ContentSingle:
		return KindSingle
	default:
		return c.detect()
	}
}

// Kind returns the classification.
func (c *Classifier) Kind() Kind {
	return c.kind
}

func (c *Classifier) detect() Kind {
	var first lines.Line
	for {
		l, ok := c.peek()
		if !ok {
			return KindPlain
		}
		if !isBlank(l.Content) {
			first = l
			break
		}
	}

	head := trimSpace(first.Content)
	if head[0] != '{' {
		return KindPlain
	}
	if c.cfg.Validator.Valid(head) {
		return KindNDJSON
	}

	buf := append(append([]byte{}, first.Content...), first.Newline...)
	for n := 1; n < c.cfg.MaxCollectLines; n++ {
		l, ok := c.peek()
		if !ok {
			return KindJSONLike
		}
		buf = append(append(buf, l.Content...), l.Newline...)
		if closes(l.Content) && c.cfg.Validator.Valid(trimSpace(buf)) {
			return KindSingle
		}
	}
	return KindJSONLike
}

// peek reads one line into the lookahead buffer.
func (c *Classifier) peek() (lines.Line, bool) {
	if c.err != nil {
		return lines.Line{}, false
	}
	l, err := c.src.Next()
	if err != nil {
		c.err = err
		return lines.Line{}, false
	}
	c.ahead = append(c.ahead, l)
	return l, true
}

func (c *Classifier) line() (lines.Line, error) {
	if len(c.ahead) > 0 {
		l := c.ahead[0]
		c.ahead = c.ahead[1:]
		return l, nil
	}
	if c.err != nil {
		return lines.Line{}, c.err
	}
	return c.src.Next()
}

// Next returns the next record, or io.EOF.
func (c *Classifier) Next() (Record, error) {
	if len(c.queue) > 0 {
		r := c.queue[0]
		c.queue = c.queue[1:]
		return r, nil
	}

	switch c.kind {
	case KindNDJSON:
		return c.nextNDJSON()
	case KindSingle:
		if !c.fallback {
			return c.nextDocument()
		}
	}

	l, err := c.line()
	if err != nil {
		return Record{}, err
	}
	return plainRecord(l), nil
}

func (c *Classifier) nextNDJSON() (Record, error) {
	l, err := c.line()
	if err != nil {
		return Record{}, err
	}
	content := trimSpace(l.Content)
	if len(content) == 0 || !c.cfg.Validator.Valid(content) {
		return plainRecord(l), nil
	}
	return Record{
		Content:      content,
		Begin:        l.Begin,
		End:          l.End,
		ContentBegin: l.Begin + int64(leadingSpace(l.Content)),
		Newline:      l.Newline,
		JSON:         true,
	}, nil
}

// nextDocument collects lines until they form a valid JSON value. Blank
// lines ahead of a document belong to its span.
func (c *Classifier) nextDocument() (Record, error) {
	var (
		pending []lines.Line
		buf     []byte
		docLine int
	)
	for {
		l, err := c.line()
		if errors.Is(err, io.EOF) {
			if len(pending) == 0 {
				return Record{}, io.EOF
			}
			if docLine > 0 {
				c.fallback = true
			}
			return c.flushPlain(pending), nil
		}
		if err != nil {
			return Record{}, err
		}

		pending = append(pending, l)
		buf = append(append(buf, l.Content...), l.Newline...)

		if docLine == 0 {
			if isBlank(l.Content) {
				continue
			}
			if head := trimSpace(l.Content); head[0] != '{' && head[0] != '[' {
				return c.flushPlain(pending), nil
			}
		}
		docLine++

		if closes(l.Content) {
			if content := trimSpace(buf); c.cfg.Validator.Valid(content) {
				begin := pending[0].Begin
				return Record{
					Content:      content,
					Begin:        begin,
					End:          l.End,
					ContentBegin: begin + int64(leadingSpace(buf)),
					Newline:      l.Newline,
					JSON:         true,
				}, nil
			}
		}

		if docLine >= c.cfg.MaxCollectLines {
			c.fallback = true
			return c.flushPlain(pending), nil
		}
	}
}

// flushPlain returns the first line as a plain record and queues the rest.
func (c *Classifier) flushPlain(pending []lines.Line) Record {
	for _, l := range pending[1:] {
		c.queue = append(c.queue, plainRecord(l))
	}
	return plainRecord(pending[0])
}

func plainRecord(l lines.Line) Record {
	return Record{
		Content:      l.Content,
		Begin:        l.Begin,
		End:          l.End,
		ContentBegin: l.Begin,
		Newline:      l.Newline,
	}
}

const jsonSpace = " \t\r\n"

func trimSpace(b []byte) []byte {
	return bytes.Trim(b, jsonSpace)
}

func leadingSpace(b []byte) int {
	return len(b) - len(bytes.TrimLeft(b, jsonSpace))
}

func isBlank(b []byte) bool {
	return len(trimSpace(b)) == 0
}

// closes reports whether a line could end a JSON object or array.
func closes(b []byte) bool {
	t := bytes.TrimRight(b, jsonSpace)
	return len(t) > 0 && (t[len(t)-1] == '}' || t[len(t)-1] == ']')
}

// Package expand splits a JSON record whose configured field holds a list
// into one event per list element.
package expand

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/valyala/fastjson"

	"github.com/eunmann/s3-log-forwarder/pkg/jsonclass"
)

// ErrMalformed is returned when the token walk disagrees with the parsed
// document, which only happens for input fastjson accepted but
// encoding/json rejects.
var ErrMalformed = errors.New("malformed event list")

// Resolver maps a configured field name to the dotted path to expand for a
// given scope.
type Resolver func(scope, field string) string

// Identity returns the field unchanged.
func Identity(_, field string) string {
	return field
}

// Element is one list element with its span in the decompressed stream.
type Element struct {
	Payload []byte
	Begin   int64
	End     int64
	Index   int
	Last    bool
}

// Expander expands one configured field.
type Expander struct {
	field    string
	resolver Resolver
	scope    string
	parsers  *fastjson.ParserPool
}

// New returns an Expander. A nil resolver means Identity; a nil pool means a
// private one.
func New(field string, resolver Resolver, scope string, parsers *fastjson.ParserPool) *Expander {
	if resolver == nil {
		resolver = Identity
	}
	if parsers == nil {
		parsers = &fastjson.ParserPool{}
	}
	return &Expander{
		field:    field,
		resolver: resolver,
		scope:    scope,
		parsers:  parsers,
	}
}

// Field is the configured field name.
func (e *Expander) Field() string {
	return e.field
}

// Expand returns an iterator over the list elements of rec starting at
// index from. ok is false when rec is not expandable: it is not JSON, is
// invalid, or the field is missing or not a list.
func (e *Expander) Expand(rec jsonclass.Record, from int) (*Iterator, bool, error) {
	if !rec.JSON || e.field == "" {
		return nil, false, nil
	}
	field := e.resolver(e.scope, e.field)
	if field == "" {
		return nil, false, nil
	}
	path := strings.Split(field, ".")

	p := e.parsers.Get()
	defer e.parsers.Put(p)

	v, err := p.ParseBytes(rec.Content)
	if err != nil {
		return nil, false, nil
	}
	for _, key := range path {
		if v.Type() != fastjson.TypeObject {
			return nil, false, nil
		}
		if v = v.Get(key); v == nil {
			return nil, false, nil
		}
	}
	if v.Type() != fastjson.TypeArray {
		return nil, false, nil
	}

	it := &Iterator{
		content: rec.Content,
		base:    rec.ContentBegin,
		count:   len(v.GetArray()),
		next:    from,
		parsers: e.parsers,
	}
	if from < 0 {
		it.next = 0
	}
	if it.next >= it.count {
		return it, true, nil
	}

	it.dec = json.NewDecoder(bytes.NewReader(rec.Content))
	if err := it.descend(path); err != nil {
		return nil, false, err
	}
	for i := 0; i < it.next; i++ {
		var skip json.RawMessage
		if err := it.dec.Decode(&skip); err != nil {
			return nil, false, fmt.Errorf("skip element %d: %w", i, err)
		}
	}
	return it, true, nil
}

// Iterator yields list elements in order.
type Iterator struct {
	content []byte
	base    int64
	count   int
	next    int
	dec     *json.Decoder
	parsers *fastjson.ParserPool
}

// Len is the total number of elements in the list.
func (it *Iterator) Len() int {
	return it.count
}

// Next returns the next element or io.EOF.
func (it *Iterator) Next() (Element, error) {
	if it.next >= it.count {
		return Element{}, io.EOF
	}

	start := int(it.dec.InputOffset())
	for start < len(it.content) && isSeparator(it.content[start]) {
		start++
	}

	var raw json.RawMessage
	if err := it.dec.Decode(&raw); err != nil {
		return Element{}, fmt.Errorf("decode element %d: %w", it.next, err)
	}
	end := it.dec.InputOffset()

	payload, err := it.compact(raw)
	if err != nil {
		return Element{}, fmt.Errorf("compact element %d: %w", it.next, err)
	}

	el := Element{
		Payload: payload,
		Begin:   it.base + int64(start),
		End:     it.base + end,
		Index:   it.next,
		Last:    it.next == it.count-1,
	}
	it.next++
	return el, nil
}

// descend walks the token stream to just inside the list at path.
func (it *Iterator) descend(path []string) error {
	for _, key := range path {
		if err := it.expectDelim('{'); err != nil {
			return err
		}
		found := false
		for it.dec.More() {
			tok, err := it.dec.Token()
			if err != nil {
				return fmt.Errorf("read key: %w", err)
			}
			if name, _ := tok.(string); name == key {
				found = true
				break
			}
			var skip json.RawMessage
			if err := it.dec.Decode(&skip); err != nil {
				return fmt.Errorf("skip value: %w", err)
			}
		}
		if !found {
			return fmt.Errorf("%w: key %q not found", ErrMalformed, key)
		}
	}
	return it.expectDelim('[')
}

func (it *Iterator) expectDelim(want json.Delim) error {
	tok, err := it.dec.Token()
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("%w: got %v, want %v", ErrMalformed, tok, want)
	}
	return nil
}

func (it *Iterator) compact(raw []byte) ([]byte, error) {
	p := it.parsers.Get()
	defer it.parsers.Put(p)

	v, err := p.ParseBytes(raw)
	if err != nil {
		return nil, err
	}
	return v.MarshalTo(nil), nil
}

func isSeparator(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', ',':
		return true
	}
	return false
}

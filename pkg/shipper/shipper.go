// Package shipper writes documents to outputs.
//
// Every output is create-only on the document ID, so a document that is
// sent again after a retry or a resume does not produce a duplicate.
package shipper

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"
)

// Shipper accepts documents. Send may buffer; Flush writes everything
// buffered so far.
type Shipper interface {
	Send(ctx context.Context, doc *Document) error
	Flush(ctx context.Context) error
}

// Composite fans documents out to several outputs.
type Composite struct {
	outputs []Shipper
}

// NewComposite returns a Composite over outputs.
func NewComposite(outputs ...Shipper) *Composite {
	return &Composite{outputs: outputs}
}

// Add appends an output.
func (c *Composite) Add(s Shipper) {
	c.outputs = append(c.outputs, s)
}

// Len returns the number of outputs.
func (c *Composite) Len() int {
	return len(c.outputs)
}

// Send passes doc to every output in order and stops at the first error.
func (c *Composite) Send(ctx context.Context, doc *Document) error {
	for i, s := range c.outputs {
		if err := s.Send(ctx, doc); err != nil {
			return fmt.Errorf("send to output %d: %w", i, err)
		}
	}
	return nil
}

// Flush flushes all outputs concurrently. Every output is flushed even
// when another fails; the failures are returned together.
func (c *Composite) Flush(ctx context.Context) error {
	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range c.outputs {
		g.Go(func() error {
			if err := s.Flush(gctx); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("flush output %d: %w", i, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}

// Close closes the outputs that hold resources.
func (c *Composite) Close() error {
	var result *multierror.Error
	for i, s := range c.outputs {
		if cl, ok := s.(io.Closer); ok {
			if err := cl.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close output %d: %w", i, err))
			}
		}
	}
	return result.ErrorOrNil()
}

const ndjsonBuffer = 64 << 10

// NDJSON writes one JSON document per line to w.
type NDJSON struct {
	mu     sync.Mutex
	stream *jsoniter.Stream
	ds     *DataStream
	sent   int
}

// NewNDJSON returns an NDJSON output. A non-nil ds enriches documents the
// way the Elasticsearch output does.
func NewNDJSON(w io.Writer, ds *DataStream) *NDJSON {
	n := &NDJSON{stream: jsoniter.NewStream(json, w, ndjsonBuffer)}
	if ds != nil {
		d := ds.WithDefaults()
		n.ds = &d
	}
	return n
}

// Send encodes doc.
func (n *NDJSON) Send(ctx context.Context, doc *Document) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stream.WriteVal(doc.body(n.ds))
	n.stream.WriteRaw("\n")
	if err := n.stream.Error; err != nil {
		return fmt.Errorf("encode document %s: %w", doc.ID, err)
	}
	n.sent++
	if n.stream.Buffered() >= ndjsonBuffer {
		if err := n.stream.Flush(); err != nil {
			return fmt.Errorf("flush ndjson: %w", err)
		}
	}
	return nil
}

// Flush writes the buffered lines to the underlying writer.
func (n *NDJSON) Flush(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.stream.Flush(); err != nil {
		return fmt.Errorf("flush ndjson: %w", err)
	}
	return nil
}

// Sent returns the number of documents encoded.
func (n *NDJSON) Sent() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}

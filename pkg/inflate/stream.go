// Package inflate turns a stored object into its decompressed byte stream,
// positioned at a decompressed offset.
package inflate

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"

	"github.com/eunmann/s3-log-forwarder/pkg/s3fetch"
)

var (
	// ErrCorruptHeader is returned by Open when a gzip object has an
	// unreadable header.
	ErrCorruptHeader = errors.New("corrupt gzip header")

	// ErrCorruptStream is returned by Read when gzip data is damaged after
	// the header.
	ErrCorruptStream = errors.New("corrupt gzip stream")
)

var gzipMagic = []byte{0x1f, 0x8b}

// Stream is the decompressed view of one object. All offsets reported by
// downstream consumers refer to positions in this stream.
type Stream struct {
	// Info is what the source reported about the stored object.
	Info s3fetch.ObjectInfo
	// Compressed is true when the object was gzip framed.
	Compressed bool
	// Start is the decompressed offset of the first byte Read returns.
	Start int64

	r    io.Reader
	body io.Closer
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if s.Compressed && corrupt(err) {
		return n, fmt.Errorf("%w: %w", ErrCorruptStream, err)
	}
	return n, err
}

func corrupt(err error) bool {
	if err == nil {
		return false
	}
	var ce flate.CorruptInputError
	return errors.Is(err, gzip.ErrChecksum) ||
		errors.Is(err, gzip.ErrHeader) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.As(err, &ce)
}

// Close releases the underlying object body.
func (s *Stream) Close() error {
	if s.body == nil {
		return nil
	}
	return s.body.Close()
}

// Open returns the object's decompressed bytes from offset start.
//
// Gzip is recognised by its signature. When reading from zero the signature
// comes from the first chunk; when resuming, a two-byte header read decides,
// unless the object metadata already declares gzip. Gzip objects are always
// read from byte zero and the first start decompressed bytes are discarded.
// Plain objects are range-read from start.
func Open(ctx context.Context, src s3fetch.ObjectSource, ref s3fetch.ObjectRef, start int64) (*Stream, error) {
	if start < 0 {
		return nil, fmt.Errorf("open %s: %w", ref.URI(), s3fetch.ErrNegativeOffset)
	}

	info, err := src.Stat(ctx, ref)
	if err != nil {
		return nil, err
	}

	gz := info.DeclaredGzip()
	if !gz && start > 0 {
		header, err := src.Peek(ctx, ref, len(gzipMagic))
		if err != nil {
			return nil, err
		}
		gz = bytes.Equal(header, gzipMagic)
	}

	if !gz && start > 0 {
		if start >= info.Size {
			return &Stream{Info: info, Start: start, r: bytes.NewReader(nil)}, nil
		}
		body, err := src.Open(ctx, ref, start)
		if err != nil {
			return nil, err
		}
		return &Stream{Info: info, Start: start, r: body, body: body}, nil
	}

	body, err := src.Open(ctx, ref, 0)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReaderSize(body, 64*1024)

	if !gz {
		head, err := br.Peek(len(gzipMagic))
		if err != nil && !errors.Is(err, io.EOF) {
			body.Close()
			return nil, fmt.Errorf("sniff %s: %w", ref.URI(), err)
		}
		if !bytes.Equal(head, gzipMagic) {
			return &Stream{Info: info, r: br, body: body}, nil
		}
	}

	zr, err := gzip.NewReader(br)
	if err != nil {
		body.Close()
		return nil, fmt.Errorf("open %s: %w: %w", ref.URI(), ErrCorruptHeader, err)
	}

	s := &Stream{Info: info, Compressed: true, Start: start, r: zr, body: multiCloser{zr, body}}
	if start > 0 {
		if _, err := io.CopyN(io.Discard, s, start); err != nil && !errors.Is(err, io.EOF) {
			s.Close()
			return nil, fmt.Errorf("seek %s to %d: %w", ref.URI(), start, err)
		}
	}
	return s, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

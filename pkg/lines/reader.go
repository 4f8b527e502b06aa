// Package lines splits a byte stream into lines while tracking the exact
// byte span each line occupies in the stream.
package lines

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// DefaultChunkSize is the size of each read from the underlying stream.
const DefaultChunkSize = 1024 * 1024

var (
	// LF is the Unix line delimiter.
	LF = []byte("\n")
	// CRLF is the Windows line delimiter.
	CRLF = []byte("\r\n")
)

// Line is one line of the stream. Begin is the offset of the first content
// byte and End the offset just past the consumed delimiter, so
// End == Begin + len(Content) + len(Newline).
type Line struct {
	Content []byte
	Begin   int64
	End     int64
	Newline []byte
}

// Option configures a Reader.
type Option func(*Reader)

// WithChunkSize sets the read size. Values below 1 are ignored.
func WithChunkSize(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.chunkSize = n
		}
	}
}

// WithMaxLineBytes splits lines longer than n bytes at the bound. Zero means
// unbounded.
func WithMaxLineBytes(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.maxLine = n
		}
	}
}

// Reader yields Lines from an io.Reader. Partial lines that straddle a chunk
// boundary are buffered until the delimiter or end of stream arrives.
type Reader struct {
	r         io.Reader
	chunkSize int
	maxLine   int

	buf  []byte
	pos  int   // start of unconsumed data in buf
	base int64 // stream offset of buf[0]
	eof  bool
	err  error

	newline []byte
}

// NewReader returns a Reader whose first byte is at stream offset start.
func NewReader(r io.Reader, start int64, opts ...Option) *Reader {
	lr := &Reader{
		r:         r,
		chunkSize: DefaultChunkSize,
		base:      start,
	}
	for _, opt := range opts {
		opt(lr)
	}
	return lr
}

// Newline reports the delimiter style of the first delimited line, or nil if
// no delimiter has been seen yet.
func (r *Reader) Newline() []byte {
	return r.newline
}

// Offset is the stream offset of the next unconsumed byte.
func (r *Reader) Offset() int64 {
	return r.base + int64(r.pos)
}

// Next returns the next line, or io.EOF when the stream is exhausted.
func (r *Reader) Next() (Line, error) {
	for {
		pending := r.buf[r.pos:]

		if i := bytes.IndexByte(pending, '\n'); i >= 0 && (r.maxLine == 0 || i <= r.maxLine+1) {
			content, delim := pending[:i], LF
			if i > 0 && content[i-1] == '\r' {
				content, delim = content[:i-1], CRLF
			}
			if r.maxLine == 0 || len(content) <= r.maxLine {
				if r.newline == nil {
					r.newline = delim
				}
				return r.take(len(content), delim), nil
			}
		}

		if r.maxLine > 0 {
			// A trailing '\r' may be half of a CRLF still in flight.
			limit := r.maxLine
			if !r.eof && len(pending) > 0 && pending[len(pending)-1] == '\r' {
				limit++
			}
			if len(pending) > limit {
				return r.take(r.maxLine, nil), nil
			}
		}

		if r.eof {
			if len(pending) == 0 {
				return Line{}, io.EOF
			}
			return r.take(len(pending), nil), nil
		}
		if r.err != nil {
			return Line{}, r.err
		}

		r.fill()
	}
}

// take consumes n content bytes plus the delimiter and returns them as a
// Line that owns its memory.
func (r *Reader) take(n int, delim []byte) Line {
	begin := r.base + int64(r.pos)
	content := make([]byte, n)
	copy(content, r.buf[r.pos:r.pos+n])
	r.pos += n + len(delim)
	return Line{
		Content: content,
		Begin:   begin,
		End:     begin + int64(n+len(delim)),
		Newline: delim,
	}
}

// fill compacts the buffer and reads one more chunk.
func (r *Reader) fill() {
	if r.pos > 0 {
		n := copy(r.buf, r.buf[r.pos:])
		r.buf = r.buf[:n]
		r.base += int64(r.pos)
		r.pos = 0
	}

	if cap(r.buf)-len(r.buf) < r.chunkSize {
		grown := make([]byte, len(r.buf), len(r.buf)+r.chunkSize)
		copy(grown, r.buf)
		r.buf = grown
	}

	n, err := r.r.Read(r.buf[len(r.buf):cap(r.buf)])
	r.buf = r.buf[:len(r.buf)+n]
	switch {
	case errors.Is(err, io.EOF):
		r.eof = true
	case err != nil:
		r.err = fmt.Errorf("read stream at offset %d: %w", r.base+int64(len(r.buf)), err)
	}
}

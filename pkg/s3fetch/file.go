package s3fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileSource serves objects from the local filesystem. Keys are resolved
// relative to Root, or used as-is when Root is empty.
type FileSource struct {
	Root string
}

var _ ObjectSource = FileSource{}

func (s FileSource) path(ref ObjectRef) string {
	if s.Root == "" {
		return ref.Key
	}
	return filepath.Join(s.Root, filepath.FromSlash(ref.Key))
}

// Stat returns the file size. Files ending in .gz are reported as gzip.
func (s FileSource) Stat(ctx context.Context, ref ObjectRef) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	fi, err := os.Stat(s.path(ref))
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", ref.Key, err)
	}
	info := ObjectInfo{Size: fi.Size()}
	if strings.HasSuffix(ref.Key, ".gz") {
		info.ContentType = "application/x-gzip"
	}
	return info, nil
}

// Open returns the file positioned at start.
func (s FileSource) Open(ctx context.Context, ref ObjectRef, start int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if start < 0 {
		return nil, fmt.Errorf("open %s: %w", ref.Key, ErrNegativeOffset)
	}
	f, err := os.Open(s.path(ref))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", ref.Key, err)
	}
	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek %s to %d: %w", ref.Key, start, err)
		}
	}
	return f, nil
}

// Peek reads up to n bytes from the start of the file.
func (s FileSource) Peek(ctx context.Context, ref ObjectRef, n int) ([]byte, error) {
	rc, err := s.Open(ctx, ref, 0)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return readHeader(rc, n)
}

// MemorySource serves objects held in memory, keyed by object key.
type MemorySource struct {
	Objects map[string][]byte
	// ContentTypes optionally declares a content type per key.
	ContentTypes map[string]string
}

var _ ObjectSource = (*MemorySource)(nil)

func (s *MemorySource) lookup(ref ObjectRef) ([]byte, error) {
	data, ok := s.Objects[ref.Key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", ref.URI(), os.ErrNotExist)
	}
	return data, nil
}

// Stat reports the in-memory object size.
func (s *MemorySource) Stat(ctx context.Context, ref ObjectRef) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	data, err := s.lookup(ref)
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{Size: int64(len(data)), ContentType: s.ContentTypes[ref.Key]}, nil
}

// Open returns a reader over the object from start.
func (s *MemorySource) Open(ctx context.Context, ref ObjectRef, start int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if start < 0 {
		return nil, fmt.Errorf("open %s: %w", ref.URI(), ErrNegativeOffset)
	}
	data, err := s.lookup(ref)
	if err != nil {
		return nil, err
	}
	if start > int64(len(data)) {
		start = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[start:])), nil
}

// Peek returns up to n leading bytes of the object.
func (s *MemorySource) Peek(ctx context.Context, ref ObjectRef, n int) ([]byte, error) {
	rc, err := s.Open(ctx, ref, 0)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return readHeader(rc, n)
}

func readHeader(r io.Reader, n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read header: %w", err)
	}
	return buf[:read], nil
}

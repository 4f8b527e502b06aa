package shipper

import (
	"context"
	"fmt"
	"sync"

	"github.com/parquet-go/parquet-go"

	"github.com/eunmann/s3-log-forwarder/pkg/fileutil"
)

// DefaultParquetRowGroup is the number of rows buffered before Send writes a
// row group.
const DefaultParquetRowGroup = 50000

// ParquetRow is the stored form of a document.
type ParquetRow struct {
	ID          string `parquet:"id"`
	TimestampMs int64  `parquet:"timestamp_ms"`
	Message     string `parquet:"message"`
	Offset      int64  `parquet:"offset"`
	EndOffset   int64  `parquet:"end_offset"`
	BucketARN   string `parquet:"bucket_arn"`
	Bucket      string `parquet:"bucket"`
	Key         string `parquet:"key"`
	Region      string `parquet:"region,optional"`
}

// Parquet writes documents to a local Parquet file. A document whose ID
// was already written to the file is skipped. The file appears at its path
// only once Close has written the footer.
type Parquet struct {
	mu       sync.Mutex
	file     *fileutil.AtomicFile
	writer   *parquet.GenericWriter[ParquetRow]
	rows     []ParquetRow
	rowGroup int
	seen     map[string]struct{}
	written  int
	closed   bool
}

// NewParquet creates path and returns an output writing to it.
func NewParquet(path string, rowGroup int) (*Parquet, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: parquet output needs a path", ErrInvalidConfig)
	}
	f, err := fileutil.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create parquet file: %w", err)
	}
	if rowGroup <= 0 {
		rowGroup = DefaultParquetRowGroup
	}
	return &Parquet{
		file:     f,
		writer:   parquet.NewGenericWriter[ParquetRow](f),
		rowGroup: rowGroup,
		seen:     make(map[string]struct{}),
	}, nil
}

// Send buffers doc as a row.
func (p *Parquet) Send(ctx context.Context, doc *Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, dup := p.seen[doc.ID]; dup {
		return nil
	}
	p.seen[doc.ID] = struct{}{}
	p.rows = append(p.rows, ParquetRow{
		ID:          doc.ID,
		TimestampMs: doc.Timestamp.UnixMilli(),
		Message:     doc.Message,
		Offset:      doc.Offset,
		EndOffset:   doc.EndOffset,
		BucketARN:   doc.Object.BucketARN,
		Bucket:      doc.Object.Bucket,
		Key:         doc.Object.Key,
		Region:      doc.Object.Region,
	})
	if len(p.rows) >= p.rowGroup {
		return p.flushLocked()
	}
	return nil
}

// Flush writes the buffered rows as a row group.
func (p *Parquet) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	return p.flushLocked()
}

func (p *Parquet) flushLocked() error {
	if len(p.rows) == 0 {
		return nil
	}
	n, err := p.writer.Write(p.rows)
	if err != nil {
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := p.writer.Flush(); err != nil {
		return fmt.Errorf("flush parquet row group: %w", err)
	}
	p.written += n
	p.rows = p.rows[:0]
	return nil
}

// Written returns the number of rows written to the file.
func (p *Parquet) Written() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}

// Close writes the remaining rows and the file footer.
func (p *Parquet) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	if err := p.flushLocked(); err != nil {
		p.file.Abort()
		return err
	}
	if err := p.writer.Close(); err != nil {
		p.file.Abort()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	if err := p.file.Commit(); err != nil {
		return fmt.Errorf("commit parquet file: %w", err)
	}
	return nil
}

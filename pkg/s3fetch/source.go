// Package s3fetch reads log objects from S3 (or a local stand-in) as byte
// streams starting at arbitrary offsets.
package s3fetch

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// DefaultChunkSize is the read size used when streaming an object.
const DefaultChunkSize = 1024 * 1024

// ObjectRef identifies one immutable object. BucketARN and Key together form
// the object identity used for event IDs.
type ObjectRef struct {
	BucketARN string
	Bucket    string
	Key       string
	Region    string
}

// URI returns the s3:// form of the reference.
func (r ObjectRef) URI() string {
	return fmt.Sprintf("s3://%s/%s", r.Bucket, r.Key)
}

// ObjectInfo is what a source reports about an object before reading it.
type ObjectInfo struct {
	Size            int64
	ContentType     string
	ContentEncoding string
}

// DeclaredGzip reports whether the object metadata says it is gzip framed,
// which lets readers skip the signature probe.
func (i ObjectInfo) DeclaredGzip() bool {
	switch strings.ToLower(i.ContentType) {
	case "application/x-gzip", "application/gzip":
		return true
	}
	return strings.EqualFold(i.ContentEncoding, "gzip")
}

// ObjectSource is the chunk reader boundary of the pipeline.
type ObjectSource interface {
	// Stat returns size and encoding hints for the object.
	Stat(ctx context.Context, ref ObjectRef) (ObjectInfo, error)
	// Open streams the object from start to the end.
	Open(ctx context.Context, ref ObjectRef, start int64) (io.ReadCloser, error)
	// Peek returns up to n bytes from the beginning of the object.
	Peek(ctx context.Context, ref ObjectRef, n int) ([]byte, error)
}

package s3fetch

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Client provides S3 operations for streaming log objects.
type Client struct {
	s3Client *s3.Client
}

var _ ObjectSource = (*Client)(nil)

// NewClient creates a new S3 client using default AWS configuration.
func NewClient(ctx context.Context) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &Client{
		s3Client: s3.NewFromConfig(cfg),
	}, nil
}

// NewClientWithConfig creates a new S3 client with a custom AWS config.
func NewClientWithConfig(cfg aws.Config) *Client {
	return &Client{
		s3Client: s3.NewFromConfig(cfg),
	}
}

// S3 returns the underlying SDK client.
func (c *Client) S3() *s3.Client {
	return c.s3Client
}

// Stat issues a HeadObject for the object.
func (c *Client) Stat(ctx context.Context, ref ObjectRef) (ObjectInfo, error) {
	resp, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("head object %s: %w", ref.URI(), err)
	}

	return ObjectInfo{
		Size:            aws.ToInt64(resp.ContentLength),
		ContentType:     aws.ToString(resp.ContentType),
		ContentEncoding: aws.ToString(resp.ContentEncoding),
	}, nil
}

// Open returns a reader for the object starting at byte offset start.
func (c *Client) Open(ctx context.Context, ref ObjectRef, start int64) (io.ReadCloser, error) {
	if start < 0 {
		return nil, fmt.Errorf("open %s: %w", ref.URI(), ErrNegativeOffset)
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	}
	if start > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", start))
	}

	resp, err := c.s3Client.GetObject(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("get object %s from %d: %w", ref.URI(), start, err)
	}
	return resp.Body, nil
}

// Peek reads the first n bytes of the object with a ranged GET.
func (c *Client) Peek(ctx context.Context, ref ObjectRef, n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}

	resp, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
		Range:  aws.String(fmt.Sprintf("bytes=0-%d", n-1)),
	})
	if err != nil {
		return nil, fmt.Errorf("peek object %s: %w", ref.URI(), err)
	}
	defer resp.Body.Close()

	return readHeader(resp.Body, n)
}

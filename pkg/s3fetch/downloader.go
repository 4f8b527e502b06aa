package s3fetch

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DownloaderConfig configures the S3 Download Manager.
type DownloaderConfig struct {
	// Concurrency is the number of concurrent download parts.
	// Default: max(2, min(NumCPU, 8)).
	Concurrency int

	// PartSize is the size of each download part in bytes.
	// Default: 5MB, the S3 minimum part size.
	PartSize int64
}

// DefaultDownloaderConfig returns defaults suited to small whole-object
// downloads such as configuration files.
func DefaultDownloaderConfig() DownloaderConfig {
	concurrency := runtime.NumCPU()
	if concurrency < 2 {
		concurrency = 2
	}
	if concurrency > 8 {
		concurrency = 8
	}

	return DownloaderConfig{
		Concurrency: concurrency,
		PartSize:    manager.MinUploadPartSize,
	}
}

// Downloader wraps the AWS S3 Download Manager for fetching whole objects
// into memory. Log objects are never read this way; see Client.Open.
type Downloader struct {
	manager *manager.Downloader
}

// NewDownloader creates an S3 Downloader from an existing S3 client.
func NewDownloader(s3Client *s3.Client, cfg DownloaderConfig) *Downloader {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultDownloaderConfig().Concurrency
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = DefaultDownloaderConfig().PartSize
	}

	mgr := manager.NewDownloader(s3Client, func(d *manager.Downloader) {
		d.Concurrency = cfg.Concurrency
		d.PartSize = cfg.PartSize
	})

	return &Downloader{manager: mgr}
}

// DownloadResult contains information about a completed download.
type DownloadResult struct {
	BytesDownloaded int64
	Duration        time.Duration
}

// Fetch downloads a whole object into memory.
func (d *Downloader) Fetch(ctx context.Context, bucket, key string) ([]byte, *DownloadResult, error) {
	startTime := time.Now()

	buf := manager.NewWriteAtBuffer(nil)
	n, err := d.manager.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}

	return buf.Bytes(), &DownloadResult{
		BytesDownloaded: n,
		Duration:        time.Since(startTime),
	}, nil
}

// FetchURI downloads the object named by an s3:// URI.
func (d *Downloader) FetchURI(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("fetch %s: %w", uri, ErrMissingKey)
	}
	data, _, err := d.Fetch(ctx, bucket, key)
	return data, err
}

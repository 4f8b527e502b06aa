package s3fetch

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ParseBucketIdentifier extracts a bucket name from either a plain bucket
// name or an S3 bucket ARN.
//
// Supported formats:
//   - Plain bucket name: "my-bucket"
//   - S3 bucket ARN: "arn:aws:s3:::my-bucket"
//   - S3 bucket ARN with partition: "arn:aws-cn:s3:::my-bucket"
func ParseBucketIdentifier(bucketOrARN string) (string, error) {
	if bucketOrARN == "" {
		return "", errors.New("empty bucket identifier")
	}

	if strings.HasPrefix(bucketOrARN, "arn:") {
		return parseBucketARN(bucketOrARN)
	}

	if strings.Contains(bucketOrARN, "://") {
		return "", fmt.Errorf("bucket identifier %q looks like a URI: %w", bucketOrARN, ErrInvalidARN)
	}

	return bucketOrARN, nil
}

func parseBucketARN(arn string) (string, error) {
	parts := strings.Split(arn, ":")
	if len(parts) < 6 {
		return "", fmt.Errorf("%w %q: expected at least 6 colon-separated parts", ErrInvalidARN, arn)
	}

	if parts[0] != "arn" {
		return "", fmt.Errorf("%w %q: must start with 'arn:'", ErrInvalidARN, arn)
	}

	// parts[1] = partition, parts[2] = service
	if parts[2] != "s3" {
		return "", fmt.Errorf("%w %q: service must be 's3', got %q", ErrInvalidARN, arn, parts[2])
	}

	// The bucket name is everything after the last colon.
	resource := parts[len(parts)-1]
	if idx := strings.Index(resource, "/"); idx >= 0 {
		resource = resource[:idx]
	}
	if resource == "" {
		return "", fmt.Errorf("%w %q: empty bucket name", ErrInvalidARN, arn)
	}

	return resource, nil
}

// BucketARN builds the ARN of a bucket in the given partition.
func BucketARN(partition, bucket string) string {
	if partition == "" {
		partition = "aws"
	}
	return fmt.Sprintf("arn:%s:s3:::%s", partition, bucket)
}

// ParseS3URI parses an S3 URI into bucket and key components.
// Supports: s3://bucket/key and s3://bucket/
func ParseS3URI(uri string) (bucket, key string, err error) {
	if !strings.HasPrefix(uri, "s3://") {
		return "", "", fmt.Errorf("%w %q: must start with s3://", ErrInvalidURI, uri)
	}

	path := strings.TrimPrefix(uri, "s3://")
	parts := strings.SplitN(path, "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("%w %q: missing bucket name", ErrInvalidURI, uri)
	}

	bucket = parts[0]
	if len(parts) == 2 {
		key = parts[1]
	}

	return bucket, key, nil
}

// UnescapeKey decodes an object key as it appears in S3 event
// notifications, where spaces are '+' and other bytes are percent-encoded.
func UnescapeKey(key string) (string, error) {
	decoded, err := url.QueryUnescape(key)
	if err != nil {
		return "", fmt.Errorf("unescape key %q: %w", key, err)
	}
	return decoded, nil
}

// ObjectURL is the virtual-hosted HTTPS location of an object.
func ObjectURL(ref ObjectRef) string {
	if ref.Region == "" {
		return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", ref.Bucket, ref.Key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", ref.Bucket, ref.Region, ref.Key)
}

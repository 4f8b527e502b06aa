package s3fetch

import "errors"

var (
	// ErrInvalidURI is returned for strings that are not s3://bucket[/key].
	ErrInvalidURI = errors.New("invalid S3 URI")

	// ErrInvalidARN is returned for malformed S3 bucket ARNs.
	ErrInvalidARN = errors.New("invalid S3 ARN")

	// ErrMissingKey is returned when an object key is required but absent.
	ErrMissingKey = errors.New("missing object key")

	// ErrNegativeOffset is returned when a read is requested before byte 0.
	ErrNegativeOffset = errors.New("negative read offset")
)

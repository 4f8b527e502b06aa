package handler

import "errors"

var (
	// ErrInvalidNotification is returned for SQS bodies that are not S3
	// event notifications or lack the bucket or key.
	ErrInvalidNotification = errors.New("invalid notification")

	// ErrNoContinueQueue is returned when the deadline is near and no
	// continuation queue is configured.
	ErrNoContinueQueue = errors.New("no continuation queue configured")
)

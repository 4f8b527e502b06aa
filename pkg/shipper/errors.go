package shipper

import "errors"

var (
	// ErrInvalidConfig is returned when an output cannot be built.
	ErrInvalidConfig = errors.New("invalid output config")

	// ErrBulkRejected is returned when the backend refuses documents for a
	// reason other than a conflict on an existing ID.
	ErrBulkRejected = errors.New("bulk items rejected")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("shipper closed")
)

// Package syncerr defines the sentinel error taxonomy shared by the store
// and every sync service.
package syncerr

import "errors"

var (
	// ErrValidation indicates a malformed input to a store operation (unknown
	// kind, non-monotonic timestamp, CID that fails IsValid). Fatal to the
	// one operation; never retried internally.
	ErrValidation = errors.New("validation error")

	// ErrIO indicates an event/content/view write failure. The sync service
	// counts it in stats.errors and proceeds to the next message.
	ErrIO = errors.New("io error")

	// ErrTransport indicates a transient loss of a sync service's transport.
	// Handled by the reconnection state machine; non-fatal to the service.
	ErrTransport = errors.New("transport error")

	// ErrParse indicates a malformed event line, blob header, or platform
	// payload. The record is skipped and processing continues.
	ErrParse = errors.New("parse error")

	// ErrConfig indicates missing required credentials or a missing device.
	// Fatal at start() time.
	ErrConfig = errors.New("config error")
)

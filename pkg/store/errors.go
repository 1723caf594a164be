package store

import "github.com/sipeed-labs/messagearc/pkg/syncerr"

// errValidation and errIO alias the shared sentinel error categories so
// callers can use errors.Is(err, syncerr.ErrValidation) regardless of
// whether the error originated in a sync service or the store itself.
var (
	errValidation = syncerr.ErrValidation
	errIO         = syncerr.ErrIO
)

package domain

import "errors"

// Error taxonomy from the error handling design: kinds, not concrete types.
// Callers match with errors.Is; wrapped errors carry the underlying cause.
var (
	// ErrInvalidSession is returned when start() receives an empty symbol or
	// a non-positive interval. The orchestrator logs and ignores it.
	ErrInvalidSession = errors.New("invalid session: empty symbol or non-positive interval")

	// ErrBindFailed is returned when the repository cannot create or open
	// its backing file. Propagated from start().
	ErrBindFailed = errors.New("repository bind failed")

	// ErrStorageIO marks a transient persist or read failure. Logged and
	// retried on the next flush; never fails the call that triggered it.
	ErrStorageIO = errors.New("storage i/o error")

	// ErrFetchFailed marks a MarketSource.FetchRange failure. Retried with
	// backoff during backfill, logged and dropped during targeted repair.
	ErrFetchFailed = errors.New("market source fetch failed")
)

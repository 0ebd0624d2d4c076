package db

import "errors"

// Errors returned by DBImpl's public surface. Internal protocol errors
// (writethread.ErrTimedOut) are wrapped into these at the boundary so
// callers never need to import internal packages.
var (
	ErrDBClosed     = errors.New("db: database is closed")
	ErrTimedOut     = errors.New("db: write timed out")
	ErrNotFound     = errors.New("db: key not found")
	ErrColumnFamilyDropped = errors.New("db: column family dropped")
	ErrInvalidArgument     = errors.New("db: invalid argument")

	// ErrFatal is returned by Write once the Logger's FatalHandler has
	// tripped: an internal invariant was violated and the write path is
	// no longer trusted to make progress safely.
	ErrFatal = errors.New("db: fatal error, writes rejected")
)

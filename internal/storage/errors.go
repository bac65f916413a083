package storage

import "errors"

// Storage errors.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when attempting to insert a record
	// with a key that already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrSequenceCorrupted is returned when the event sequence invariant is broken:
	// a sequence value was reused, skipped or went backwards. It is never recoverable.
	ErrSequenceCorrupted = errors.New("event sequence corrupted")
)

package store

import "errors"

var (
	// ErrCorruptedEventLogDb For some reason, db on disk representation have changed
	ErrCorruptedEventLogDb = errors.New("event log db is corrupted")

	// ErrMalformedRecord A record could not be parsed
	ErrMalformedRecord = errors.New("malformed record")
)

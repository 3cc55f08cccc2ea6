package session

import "errors"

var (
	// ErrIO is returned when a staging file or backup cannot be read or written
	ErrIO = errors.New("staging or backup I/O failed")

	// ErrNoActive is returned when an operation needs an active file and none is open
	ErrNoActive = errors.New("no active file")

	// ErrNotAFile is returned when a directory is opened for editing
	ErrNotAFile = errors.New("not a file")
)

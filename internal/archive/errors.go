package archive

import (
	"errors"
	"fmt"
)

// ErrArchiveFailure matches every error produced by the archive layer.
var ErrArchiveFailure = errors.New("archive failure")

// Error describes a failed archive operation
type Error struct {
	Op      string
	Archive string
	Entry   string
	Err     error
}

func (e *Error) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("archive %s %s (%s): %v", e.Op, e.Archive, e.Entry, e.Err)
	}
	return fmt.Sprintf("archive %s %s: %v", e.Op, e.Archive, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is ErrArchiveFailure
func (e *Error) Is(target error) bool { return target == ErrArchiveFailure }

// wrap converts err into an *Error unless it already is one
func wrap(op, archivePath, entry string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Op: op, Archive: archivePath, Entry: entry, Err: err}
}

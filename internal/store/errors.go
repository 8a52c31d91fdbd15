package store

import (
	"github.com/pkg/errors"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("already exists")
	ErrStorage    = errors.New("storage failure")
)

type storageError struct {
	op  string
	err error
}

func (e *storageError) Error() string        { return e.op + ": " + e.err.Error() }
func (e *storageError) Unwrap() error        { return e.err }
func (e *storageError) Is(target error) bool { return target == ErrStorage }

// Storage marks err as a failed persistence round trip for op.
func Storage(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&storageError{op: op, err: err})
}

// NotFound wraps ErrNotFound with the kind and id that did not resolve.
func NotFound(kind, id string) error {
	return errors.Wrapf(ErrNotFound, "%s %s", kind, id)
}

// Invalid wraps ErrValidation with a formatted reason.
func Invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrValidation, format, args...)
}

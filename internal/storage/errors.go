package storage

import (
	"errors"
	"fmt"
)

// ErrNotExist is returned by Read when the document has never been written.
var ErrNotExist = errors.New("document does not exist")

// Error describes a failed storage operation on one document.
//
//	if storage.IsStorageError(err) {
//	    // surface to the user; local data may be unreadable
//	}
type Error struct {
	Op   string // read, write, remove, list, lock
	Name string
	Err  error
}

func (e *Error) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Name, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotExist reports whether err means the document was never written.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// IsStorageError reports whether err originated in a storage backend.
func IsStorageError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

func wrap(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Name: name, Err: err}
}

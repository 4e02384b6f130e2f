package persistence

import (
	"errors"
	"fmt"
)

// ErrNotPersisted is returned by Update for a message id with no mapping entry.
var ErrNotPersisted = errors.New("message not persisted")

// ParentError reports that a child append failed because its parent's append failed.
type ParentError struct {
	ParentID string
	Err      error
}

func (e *ParentError) Error() string {
	return fmt.Sprintf("resolving parent %s: %v", e.ParentID, e.Err)
}

func (e *ParentError) Unwrap() error { return e.Err }

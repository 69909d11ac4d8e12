package memory

import "fmt"

// Error implements repositories.RepositoryError for the in-memory store.
type Error struct {
	op       string
	id       string
	notFound bool
	conflict bool
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.notFound:
		return fmt.Sprintf("%s: order %s not found", e.op, e.id)
	case e.conflict:
		return fmt.Sprintf("%s: order %s already exists", e.op, e.id)
	default:
		return fmt.Sprintf("%s: order %s", e.op, e.id)
	}
}

// IsNotFound reports whether the order was absent.
func (e *Error) IsNotFound() bool {
	return e != nil && e.notFound
}

// IsConflict reports whether the id was already taken.
func (e *Error) IsConflict() bool {
	return e != nil && e.conflict
}

// IsUnavailable is always false: the map never goes away.
func (e *Error) IsUnavailable() bool {
	return false
}

func notFound(op, id string) *Error {
	return &Error{op: op, id: id, notFound: true}
}

func conflict(op, id string) *Error {
	return &Error{op: op, id: id, conflict: true}
}

package dag

import "errors"

var (
	// ErrMissingParent is returned when a node is added before one of its
	// parents. It is a referential integrity violation and is never retried.
	ErrMissingParent = errors.New("missing parent")

	// ErrUnknownID is returned by queries about an id that is not indexed.
	ErrUnknownID = errors.New("id not indexed")
)

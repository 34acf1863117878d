package vas

import "errors"

var (
	// ErrNotFound is the error returned when a Getter tries to access a
	// non-existent chunk key, or a reader a non-existent dataset.
	ErrNotFound = errors.New("not found")

	// ErrNoVersion is returned when a timestamp query precedes the
	// first committed version.
	ErrNoVersion = errors.New("no version at or before timestamp")

	// ErrMetadataConflict is returned when a dataset is recreated with
	// dtype, chunk size, or fill value differing from its original
	// declaration.
	ErrMetadataConflict = errors.New("dataset metadata conflict")

	// ErrOutOfBounds is returned for an index outside a dataset's shape.
	ErrOutOfBounds = errors.New("index out of bounds")

	// ErrInvalidIndex is returned for a malformed index expression
	// (wrong rank, bad span).
	ErrInvalidIndex = errors.New("invalid index")

	// ErrBusy is returned when a write transaction is begun while
	// another is open on the same container.
	ErrBusy = errors.New("write transaction already open")

	// ErrReadOnly is returned for write attempts through a read-only
	// session.
	ErrReadOnly = errors.New("session is read-only")

	// ErrCommitted is returned for operations on a transaction that has
	// already committed or aborted.
	ErrCommitted = errors.New("transaction is closed")
)

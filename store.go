package vas

import (
	"context"
	"time"
)

// Getter is the read-only face of a chunk Store.
type Getter interface {
	// GetChunk gets a chunk payload by its key.
	// It returns ErrNotFound if the key is unknown.
	GetChunk(context.Context, Key) (Chunk, error)

	// ListChunks calls a function for each chunk key in the store, with
	// its current reference count, in lexicographic order beginning
	// with the first key _after_ the specified one.
	//
	// The calls reflect at least the set of keys known at the moment
	// ListChunks was called. Whether concurrent changes are reflected
	// is unspecified.
	//
	// If the callback returns an error, ListChunks exits with that
	// error.
	ListChunks(context.Context, Key, func(Key, int) error) error
}

// Store is the content-addressed, reference-counted chunk pool shared
// across versions.
//
// A chunk enters the pool with reference count zero; Retain and Release
// adjust the count atomically, one unit per live
// (version, dataset, coordinate) slot pointing at the key. A chunk with
// a positive count is never mutated or deleted; a chunk at zero is
// eligible for garbage collection.
type Store interface {
	Getter

	// PutChunk adds a chunk to the store if it was not already present.
	// It returns the chunk's key and a boolean that is true iff the
	// chunk had to be added.
	PutChunk(ctx context.Context, c Chunk) (key Key, added bool, err error)

	// Retain increments the reference count of key, returning the new
	// count. It returns ErrNotFound for an unknown key.
	Retain(context.Context, Key) (int, error)

	// Release decrements the reference count of key, returning the new
	// count. Releasing below zero is an error.
	Release(context.Context, Key) (int, error)

	// RefCount returns the current reference count of key.
	RefCount(context.Context, Key) (int, error)

	// DeleteChunk removes a chunk's payload and count record.
	// Deleting an absent key is not an error, so collection is
	// idempotent and safe to re-run after interruption.
	DeleteChunk(context.Context, Key) error
}

// VersionStore is the ordered, append-mostly index of committed
// versions.
type VersionStore interface {
	// PutVersion appends a committed version. It rejects a timestamp
	// not strictly greater than the latest stored version's, and a
	// duplicate name.
	PutVersion(context.Context, *Version) error

	// Version returns the version with the given name, or ErrNotFound.
	Version(context.Context, string) (*Version, error)

	// VersionAt returns the latest version whose timestamp is at or
	// before `at`, or ErrNoVersion if `at` precedes the whole history.
	VersionAt(context.Context, time.Time) (*Version, error)

	// LatestVersion returns the newest version, or ErrNoVersion if
	// none has been committed.
	LatestVersion(context.Context) (*Version, error)

	// ListVersions calls a function for each version in ascending
	// timestamp order.
	ListVersions(context.Context, func(*Version) error) error

	// DeleteVersion removes a version from the index. It does not touch
	// chunk reference counts; that is the session's job.
	DeleteVersion(context.Context, string) error
}

// MetaStore is the permanent registry of dataset static identities.
// Entries persist across tombstoning so that recreating a dataset can be
// validated against its original declaration.
type MetaStore interface {
	// DatasetMeta returns the declared identity for path, or
	// ErrNotFound if the path has never been created.
	DatasetMeta(context.Context, string) (DatasetMeta, error)

	// PutDatasetMeta records the identity for a newly created path.
	PutDatasetMeta(context.Context, string, DatasetMeta) error
}

// Locker serializes writers on a shared backing container.
type Locker interface {
	// Lock acquires the single-writer lock.
	Lock(context.Context) error
	// Unlock releases it.
	Unlock() error
}

// Repository is everything a backing container provides: the chunk
// pool, the version index, the static-metadata registry, and the writer
// lock. session.Open consumes one of these.
type Repository interface {
	Store
	VersionStore
	MetaStore
	Locker
}

// Package vas implements a version-control model over chunked
// multidimensional arrays.
//
// Datasets are split into fixed-size chunks stored in a
// content-addressed, reference-counted pool. Every commit produces an
// immutable, timestamped version: a snapshot mapping each dataset to the
// chunk keys that compose it. Chunks unchanged between versions are
// shared, never copied, and a chunk whose reference count drops to zero
// is reclaimed by the gc package.
//
// This package holds the core types (Key, Chunk, Array, DatasetMeta,
// Version) and the Repository interfaces that storage backends
// implement. The session package layers snapshots and write transactions
// on top; the indexing package maps index expressions to chunk
// coordinates; backends live under store.
package vas

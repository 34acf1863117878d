// Package lru implements a backing container that adds a
// least-recently-used chunk cache in front of a nested container.
package lru

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/vasdb/vas"
	"github.com/vasdb/vas/store"
)

var _ vas.Repository = &Store{}

// Store caches chunk payloads in memory. Chunks are immutable once
// stored, so cached payloads can never go stale; deletion removes the
// cache entry. Everything else delegates to the nested container.
type Store struct {
	c *lru.Cache // Key -> Chunk
	s vas.Repository
}

// New produces a new Store backed by `s` and caching up to `size`
// chunks.
func New(s vas.Repository, size int) (*Store, error) {
	c, err := lru.New(size)
	return &Store{s: s, c: c}, err
}

// GetChunk gets the chunk with key `key`.
func (s *Store) GetChunk(ctx context.Context, key vas.Key) (vas.Chunk, error) {
	if got, ok := s.c.Get(key); ok {
		return got.(vas.Chunk), nil
	}
	c, err := s.s.GetChunk(ctx, key)
	if err != nil {
		return nil, err
	}
	s.c.Add(key, c)
	return c, nil
}

// PutChunk adds a chunk to the nested pool if it wasn't already
// present.
func (s *Store) PutChunk(ctx context.Context, c vas.Chunk) (vas.Key, bool, error) {
	key, added, err := s.s.PutChunk(ctx, c)
	if err != nil {
		return key, added, err
	}
	s.c.Add(key, c)
	return key, added, nil
}

func (s *Store) Retain(ctx context.Context, key vas.Key) (int, error) {
	return s.s.Retain(ctx, key)
}

func (s *Store) Release(ctx context.Context, key vas.Key) (int, error) {
	return s.s.Release(ctx, key)
}

func (s *Store) RefCount(ctx context.Context, key vas.Key) (int, error) {
	return s.s.RefCount(ctx, key)
}

// DeleteChunk removes a chunk from the nested pool and the cache.
func (s *Store) DeleteChunk(ctx context.Context, key vas.Key) error {
	s.c.Remove(key)
	return s.s.DeleteChunk(ctx, key)
}

// ListChunks delegates to the nested container.
func (s *Store) ListChunks(ctx context.Context, start vas.Key, f func(vas.Key, int) error) error {
	return s.s.ListChunks(ctx, start, f)
}

func (s *Store) PutVersion(ctx context.Context, v *vas.Version) error {
	return s.s.PutVersion(ctx, v)
}

func (s *Store) Version(ctx context.Context, name string) (*vas.Version, error) {
	return s.s.Version(ctx, name)
}

func (s *Store) VersionAt(ctx context.Context, at time.Time) (*vas.Version, error) {
	return s.s.VersionAt(ctx, at)
}

func (s *Store) LatestVersion(ctx context.Context) (*vas.Version, error) {
	return s.s.LatestVersion(ctx)
}

func (s *Store) ListVersions(ctx context.Context, f func(*vas.Version) error) error {
	return s.s.ListVersions(ctx, f)
}

func (s *Store) DeleteVersion(ctx context.Context, name string) error {
	return s.s.DeleteVersion(ctx, name)
}

func (s *Store) DatasetMeta(ctx context.Context, path string) (vas.DatasetMeta, error) {
	return s.s.DatasetMeta(ctx, path)
}

func (s *Store) PutDatasetMeta(ctx context.Context, path string, m vas.DatasetMeta) error {
	return s.s.PutDatasetMeta(ctx, path, m)
}

func (s *Store) Lock(ctx context.Context) error {
	return s.s.Lock(ctx)
}

func (s *Store) Unlock() error {
	return s.s.Unlock()
}

func init() {
	store.Register("lru", func(ctx context.Context, conf map[string]interface{}) (vas.Repository, error) {
		size, err := intParam(conf, "size")
		if err != nil {
			return nil, err
		}
		nested, ok := conf["nested"].(map[string]interface{})
		if !ok {
			return nil, errors.New(`missing "nested" parameter`)
		}
		nestedType, ok := nested["type"].(string)
		if !ok {
			return nil, errors.New(`"nested" parameter missing "type"`)
		}
		nestedStore, err := store.Create(ctx, nestedType, nested)
		if err != nil {
			return nil, errors.Wrap(err, "creating nested store")
		}
		return New(nestedStore, size)
	})
}

// intParam reads an integer config value, tolerating the float64 and
// json.Number forms a JSON config produces.
func intParam(conf map[string]interface{}, key string) (int, error) {
	switch v := conf[key].(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	case interface{ Int64() (int64, error) }:
		n, err := v.Int64()
		return int(n), err
	}
	return 0, errors.Errorf(`missing "%s" parameter`, key)
}

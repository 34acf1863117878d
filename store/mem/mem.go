// Package mem implements an in-memory backing container.
package mem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/vasdb/vas"
	"github.com/vasdb/vas/store"
)

var _ vas.Repository = &Store{}

// Store is a memory-based implementation of a backing container.
// It is the reference implementation of the reference-count and
// version-ordering semantics the other backends must match.
type Store struct {
	mu       sync.Mutex
	chunks   map[vas.Key]vas.Chunk
	refs     map[vas.Key]int
	versions map[string]*vas.Version
	order    []vas.TimeVersion // ascending by time
	meta     map[string]vas.DatasetMeta
	locked   bool
}

// New produces a new Store.
func New() *Store {
	return &Store{
		chunks:   make(map[vas.Key]vas.Chunk),
		refs:     make(map[vas.Key]int),
		versions: make(map[string]*vas.Version),
		meta:     make(map[string]vas.DatasetMeta),
	}
}

// GetChunk gets the chunk with key `key`.
func (s *Store) GetChunk(_ context.Context, key vas.Key) (vas.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.chunks[key]; ok {
		return c, nil
	}
	return nil, vas.ErrNotFound
}

// PutChunk adds a chunk to the pool if it wasn't already present.
// New chunks enter with reference count zero.
func (s *Store) PutChunk(_ context.Context, c vas.Chunk) (vas.Key, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := c.Key()
	if _, ok := s.chunks[key]; ok {
		return key, false, nil
	}
	s.chunks[key] = c
	s.refs[key] = 0
	return key, true, nil
}

// Retain increments the reference count of key.
func (s *Store) Retain(_ context.Context, key vas.Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chunks[key]; !ok {
		return 0, vas.ErrNotFound
	}
	s.refs[key]++
	return s.refs[key], nil
}

// Release decrements the reference count of key.
func (s *Store) Release(_ context.Context, key vas.Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chunks[key]; !ok {
		return 0, vas.ErrNotFound
	}
	if s.refs[key] <= 0 {
		return 0, errors.Errorf("reference count of %s is already zero", key)
	}
	s.refs[key]--
	return s.refs[key], nil
}

// RefCount returns the reference count of key.
func (s *Store) RefCount(_ context.Context, key vas.Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chunks[key]; !ok {
		return 0, vas.ErrNotFound
	}
	return s.refs[key], nil
}

// DeleteChunk removes a chunk. Deleting an absent key is a no-op.
func (s *Store) DeleteChunk(_ context.Context, key vas.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.chunks, key)
	delete(s.refs, key)
	return nil
}

// ListChunks produces all chunk keys with their reference counts,
// in lexicographic order.
func (s *Store) ListChunks(ctx context.Context, start vas.Key, f func(vas.Key, int) error) error {
	s.mu.Lock()
	keys := make([]vas.Key, 0, len(s.chunks))
	for key := range s.chunks {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	index := sort.Search(len(keys), func(n int) bool {
		return start.Less(keys[n])
	})

	for i := index; i < len(keys); i++ {
		s.mu.Lock()
		refs, ok := s.refs[keys[i]]
		s.mu.Unlock()
		if !ok {
			continue
		}
		err := f(keys[i], refs)
		if err != nil {
			return err
		}
	}
	return nil
}

// PutVersion appends a committed version.
func (s *Store) PutVersion(_ context.Context, v *vas.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.versions[v.Name]; ok {
		return errors.Errorf("version %q already exists", v.Name)
	}
	if n := len(s.order); n > 0 && !v.Timestamp.After(s.order[n-1].T) {
		return errors.Errorf("timestamp %s does not advance past %s", v.Timestamp, s.order[n-1].T)
	}
	s.versions[v.Name] = v.Clone()
	s.order = append(s.order, vas.TimeVersion{T: v.Timestamp, Name: v.Name})
	return nil
}

// Version returns the version with the given name.
func (s *Store) Version(_ context.Context, name string) (*vas.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.versions[name]
	if !ok {
		return nil, vas.ErrNotFound
	}
	return v.Clone(), nil
}

// VersionAt returns the latest version at or before `at`.
func (s *Store) VersionAt(_ context.Context, at time.Time) (*vas.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name, err := vas.FindVersion(s.order, at)
	if err != nil {
		return nil, err
	}
	return s.versions[name].Clone(), nil
}

// LatestVersion returns the newest version.
func (s *Store) LatestVersion(_ context.Context) (*vas.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) == 0 {
		return nil, vas.ErrNoVersion
	}
	return s.versions[s.order[len(s.order)-1].Name].Clone(), nil
}

// ListVersions produces all versions in ascending timestamp order.
func (s *Store) ListVersions(ctx context.Context, f func(*vas.Version) error) error {
	s.mu.Lock()
	order := make([]vas.TimeVersion, len(s.order))
	copy(order, s.order)
	s.mu.Unlock()

	for _, tv := range order {
		s.mu.Lock()
		v, ok := s.versions[tv.Name]
		s.mu.Unlock()
		if !ok {
			continue
		}
		err := f(v.Clone())
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteVersion removes a version from the index.
func (s *Store) DeleteVersion(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.versions[name]; !ok {
		return vas.ErrNotFound
	}
	delete(s.versions, name)
	for i, tv := range s.order {
		if tv.Name == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// DatasetMeta returns the declared static identity for path.
func (s *Store) DatasetMeta(_ context.Context, path string) (vas.DatasetMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meta[path]
	if !ok {
		return vas.DatasetMeta{}, vas.ErrNotFound
	}
	return m, nil
}

// PutDatasetMeta records the static identity for path.
func (s *Store) PutDatasetMeta(_ context.Context, path string, m vas.DatasetMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.meta[path] = m
	return nil
}

// Lock acquires the single-writer lock,
// failing fast with vas.ErrBusy if it is held.
func (s *Store) Lock(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked {
		return vas.ErrBusy
	}
	s.locked = true
	return nil
}

// Unlock releases the single-writer lock.
func (s *Store) Unlock() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.locked = false
	return nil
}

func init() {
	store.Register("mem", func(context.Context, map[string]interface{}) (vas.Repository, error) {
		return New(), nil
	})
}

// Package logging implements a backing container that delegates
// everything to a nested container, logging operations as they happen.
package logging

import (
	"context"
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/vasdb/vas"
	"github.com/vasdb/vas/store"
)

var _ vas.Repository = &Store{}

type Store struct {
	s vas.Repository
}

func New(s vas.Repository) *Store {
	return &Store{s: s}
}

func (s *Store) GetChunk(ctx context.Context, key vas.Key) (vas.Chunk, error) {
	c, err := s.s.GetChunk(ctx, key)
	if err != nil {
		log.Printf("ERROR GetChunk %s: %s", key, err)
	} else {
		log.Printf("GetChunk %s (%d bytes)", key, len(c))
	}
	return c, err
}

func (s *Store) PutChunk(ctx context.Context, c vas.Chunk) (vas.Key, bool, error) {
	key, added, err := s.s.PutChunk(ctx, c)
	if err != nil {
		log.Printf("ERROR in PutChunk: %s", err)
	} else {
		log.Printf("PutChunk %s, added=%v", key, added)
	}
	return key, added, err
}

func (s *Store) Retain(ctx context.Context, key vas.Key) (int, error) {
	n, err := s.s.Retain(ctx, key)
	if err != nil {
		log.Printf("ERROR in Retain %s: %s", key, err)
	} else {
		log.Printf("Retain %s, refs=%d", key, n)
	}
	return n, err
}

func (s *Store) Release(ctx context.Context, key vas.Key) (int, error) {
	n, err := s.s.Release(ctx, key)
	if err != nil {
		log.Printf("ERROR in Release %s: %s", key, err)
	} else {
		log.Printf("Release %s, refs=%d", key, n)
	}
	return n, err
}

func (s *Store) RefCount(ctx context.Context, key vas.Key) (int, error) {
	return s.s.RefCount(ctx, key)
}

func (s *Store) DeleteChunk(ctx context.Context, key vas.Key) error {
	err := s.s.DeleteChunk(ctx, key)
	if err != nil {
		log.Printf("ERROR in DeleteChunk %s: %s", key, err)
	} else {
		log.Printf("DeleteChunk %s", key)
	}
	return err
}

func (s *Store) ListChunks(ctx context.Context, start vas.Key, f func(vas.Key, int) error) error {
	log.Printf("ListChunks, start=%s", start)
	return s.s.ListChunks(ctx, start, f)
}

func (s *Store) PutVersion(ctx context.Context, v *vas.Version) error {
	err := s.s.PutVersion(ctx, v)
	if err != nil {
		log.Printf("ERROR in PutVersion %q: %s", v.Name, err)
	} else {
		log.Printf("PutVersion %q at %s (%d datasets)", v.Name, v.Timestamp.Format(vas.TimeLayout), len(v.Datasets))
	}
	return err
}

func (s *Store) Version(ctx context.Context, name string) (*vas.Version, error) {
	v, err := s.s.Version(ctx, name)
	if err != nil {
		log.Printf("ERROR in Version %q: %s", name, err)
	} else {
		log.Printf("Version %q", name)
	}
	return v, err
}

func (s *Store) VersionAt(ctx context.Context, at time.Time) (*vas.Version, error) {
	v, err := s.s.VersionAt(ctx, at)
	if err != nil {
		log.Printf("ERROR in VersionAt(%s): %s", at, err)
	} else {
		log.Printf("VersionAt(%s): %q", at, v.Name)
	}
	return v, err
}

func (s *Store) LatestVersion(ctx context.Context) (*vas.Version, error) {
	return s.s.LatestVersion(ctx)
}

func (s *Store) ListVersions(ctx context.Context, f func(*vas.Version) error) error {
	log.Printf("ListVersions")
	return s.s.ListVersions(ctx, f)
}

func (s *Store) DeleteVersion(ctx context.Context, name string) error {
	err := s.s.DeleteVersion(ctx, name)
	if err != nil {
		log.Printf("ERROR in DeleteVersion %q: %s", name, err)
	} else {
		log.Printf("DeleteVersion %q", name)
	}
	return err
}

func (s *Store) DatasetMeta(ctx context.Context, path string) (vas.DatasetMeta, error) {
	return s.s.DatasetMeta(ctx, path)
}

func (s *Store) PutDatasetMeta(ctx context.Context, path string, m vas.DatasetMeta) error {
	err := s.s.PutDatasetMeta(ctx, path, m)
	if err != nil {
		log.Printf("ERROR in PutDatasetMeta %q: %s", path, err)
	} else {
		log.Printf("PutDatasetMeta %q", path)
	}
	return err
}

func (s *Store) Lock(ctx context.Context) error {
	err := s.s.Lock(ctx)
	if err != nil {
		log.Printf("ERROR in Lock: %s", err)
	} else {
		log.Printf("Lock acquired")
	}
	return err
}

func (s *Store) Unlock() error {
	err := s.s.Unlock()
	if err != nil {
		log.Printf("ERROR in Unlock: %s", err)
	} else {
		log.Printf("Lock released")
	}
	return err
}

func init() {
	store.Register("logging", func(ctx context.Context, conf map[string]interface{}) (vas.Repository, error) {
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
		return New(nestedStore), nil
	})
}

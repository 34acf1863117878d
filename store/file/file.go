// Package file implements a backing container as a file hierarchy:
// chunk payloads as sharded files, version manifests and side tables as
// JSON files, with file locking for the cross-process writer lock.
package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bobg/flock"
	"github.com/pkg/errors"

	"github.com/vasdb/vas"
	"github.com/vasdb/vas/store"
)

var _ vas.Repository = &Store{}

// Store is a file-based implementation of a backing container.
type Store struct {
	root    string
	flocker flock.Locker

	mu     sync.Mutex
	locked bool
}

// New produces a new Store storing data beneath `root`.
func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) chunkroot() string {
	return filepath.Join(s.root, "chunks")
}

func (s *Store) chunkpath(key vas.Key) string {
	h := key.String()
	return filepath.Join(s.chunkroot(), h[:2], h[:4], h)
}

func (s *Store) refcountsPath() string {
	return filepath.Join(s.root, "refcounts.json")
}

func (s *Store) metaPath() string {
	return filepath.Join(s.root, "meta.json")
}

func (s *Store) versionroot() string {
	return filepath.Join(s.root, "versions")
}

func (s *Store) writerLockPath() string {
	return filepath.Join(s.root, "writer.lock")
}

// GetChunk gets the chunk with key `key`.
func (s *Store) GetChunk(_ context.Context, key vas.Key) (vas.Chunk, error) {
	path := s.chunkpath(key)
	c, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, vas.ErrNotFound
	}
	return c, errors.Wrapf(err, "opening %s", path)
}

// PutChunk adds a chunk to the pool if it wasn't already present.
func (s *Store) PutChunk(_ context.Context, c vas.Chunk) (vas.Key, bool, error) {
	var (
		key  = c.Key()
		path = s.chunkpath(key)
		dir  = filepath.Dir(path)
	)

	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return key, false, errors.Wrapf(err, "ensuring path %s exists", dir)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if os.IsExist(err) {
		return key, false, nil
	}
	if err != nil {
		return vas.Zero, false, errors.Wrapf(err, "creating %s", path)
	}
	defer f.Close()

	_, err = f.Write(c)
	if err != nil {
		return vas.Zero, false, errors.Wrapf(err, "writing data to %s", path)
	}

	return key, true, nil
}

// refcounts reads the refcount side file. Missing file means no chunk
// has a positive count yet.
func (s *Store) refcounts() (map[string]int, error) {
	b, err := os.ReadFile(s.refcountsPath())
	if os.IsNotExist(err) {
		return make(map[string]int), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading refcounts")
	}
	var m map[string]int
	err = json.Unmarshal(b, &m)
	return m, errors.Wrap(err, "decoding refcounts")
}

// writeJSON writes v to path atomically via a temp file and rename, so
// an interrupted update never leaves a torn side table.
func writeJSON(path string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encoding")
	}
	tmp := path + ".tmp"
	err = os.WriteFile(tmp, b, 0644)
	if err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, path), "renaming %s", tmp)
}

// updateRefcount applies delta to key's count under the side-file lock,
// returning the new count.
func (s *Store) updateRefcount(key vas.Key, delta int) (int, error) {
	lockPath := s.refcountsPath()
	if err := s.flocker.Lock(lockPath); err != nil {
		return 0, errors.Wrap(err, "locking refcounts")
	}
	defer s.flocker.Unlock(lockPath)

	if _, err := os.Stat(s.chunkpath(key)); os.IsNotExist(err) {
		return 0, vas.ErrNotFound
	}

	m, err := s.refcounts()
	if err != nil {
		return 0, err
	}
	h := key.String()
	n := m[h] + delta
	if n < 0 {
		return 0, errors.Errorf("reference count of %s is already zero", key)
	}
	if n == 0 {
		delete(m, h)
	} else {
		m[h] = n
	}
	return n, writeJSON(s.refcountsPath(), m)
}

// Retain increments the reference count of key.
func (s *Store) Retain(_ context.Context, key vas.Key) (int, error) {
	return s.updateRefcount(key, 1)
}

// Release decrements the reference count of key.
func (s *Store) Release(_ context.Context, key vas.Key) (int, error) {
	return s.updateRefcount(key, -1)
}

// RefCount returns the reference count of key.
func (s *Store) RefCount(_ context.Context, key vas.Key) (int, error) {
	if _, err := os.Stat(s.chunkpath(key)); os.IsNotExist(err) {
		return 0, vas.ErrNotFound
	}
	m, err := s.refcounts()
	if err != nil {
		return 0, err
	}
	return m[key.String()], nil
}

// DeleteChunk removes a chunk. Deleting an absent key is a no-op.
func (s *Store) DeleteChunk(_ context.Context, key vas.Key) error {
	err := os.Remove(s.chunkpath(key))
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Wrapf(err, "removing %s", key)
}

// ListChunks produces all chunk keys with their reference counts, in
// lexicographic order.
func (s *Store) ListChunks(ctx context.Context, start vas.Key, f func(vas.Key, int) error) error {
	err := os.MkdirAll(s.chunkroot(), 0755)
	if err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "ensuring %s exists", s.chunkroot())
	}

	refs, err := s.refcounts()
	if err != nil {
		return err
	}

	topLevel, err := os.ReadDir(s.chunkroot())
	if err != nil {
		return errors.Wrapf(err, "reading dir %s", s.chunkroot())
	}

	startHex := start.String()
	topIndex := sort.Search(len(topLevel), func(n int) bool {
		return topLevel[n].Name() >= startHex[:2]
	})
	for i := topIndex; i < len(topLevel); i++ {
		topInfo := topLevel[i]
		if !topInfo.IsDir() {
			continue
		}
		topName := topInfo.Name()
		if len(topName) != 2 {
			continue
		}
		if _, err = strconv.ParseInt(topName, 16, 64); err != nil {
			continue
		}

		midLevel, err := os.ReadDir(filepath.Join(s.chunkroot(), topName))
		if err != nil {
			return errors.Wrapf(err, "reading dir %s/%s", s.chunkroot(), topName)
		}
		midIndex := sort.Search(len(midLevel), func(n int) bool {
			return midLevel[n].Name() >= startHex[:4]
		})
		for j := midIndex; j < len(midLevel); j++ {
			midInfo := midLevel[j]
			if !midInfo.IsDir() {
				continue
			}
			midName := midInfo.Name()
			if len(midName) != 4 {
				continue
			}
			if _, err = strconv.ParseInt(midName, 16, 64); err != nil {
				continue
			}

			infos, err := os.ReadDir(filepath.Join(s.chunkroot(), topName, midName))
			if err != nil {
				return errors.Wrapf(err, "reading dir %s/%s/%s", s.chunkroot(), topName, midName)
			}

			index := sort.Search(len(infos), func(n int) bool {
				return infos[n].Name() > startHex
			})
			for k := index; k < len(infos); k++ {
				info := infos[k]
				if info.IsDir() {
					continue
				}

				key, err := vas.KeyFromHex(info.Name())
				if err != nil {
					continue
				}

				err = f(key, refs[info.Name()])
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// versionFilename encodes a version's timestamp as its filename, so a
// directory listing is the timestamp index. The fixed-width layout
// keeps lexicographic and chronological order identical.
func (s *Store) versionFilename(at time.Time) string {
	name := at.UTC().Format(vas.TimeLayout)
	// ':' is unfriendly to some filesystems.
	return strings.ReplaceAll(name, ":", "_") + ".json"
}

func (s *Store) readVersionFile(name string) (*vas.Version, error) {
	b, err := os.ReadFile(filepath.Join(s.versionroot(), name))
	if err != nil {
		return nil, errors.Wrapf(err, "reading version file %s", name)
	}
	var v vas.Version
	err = json.Unmarshal(b, &v)
	return &v, errors.Wrapf(err, "decoding version file %s", name)
}

// versionFiles lists version files in ascending timestamp order.
func (s *Store) versionFiles() ([]string, error) {
	infos, err := os.ReadDir(s.versionroot())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading dir %s", s.versionroot())
	}
	var out []string
	for _, info := range infos {
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".json") {
			out = append(out, info.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// PutVersion appends a committed version.
func (s *Store) PutVersion(_ context.Context, v *vas.Version) error {
	err := os.MkdirAll(s.versionroot(), 0755)
	if err != nil {
		return errors.Wrapf(err, "ensuring %s exists", s.versionroot())
	}

	files, err := s.versionFiles()
	if err != nil {
		return err
	}
	if len(files) > 0 {
		last, err := s.readVersionFile(files[len(files)-1])
		if err != nil {
			return err
		}
		if !v.Timestamp.After(last.Timestamp) {
			return errors.Errorf("timestamp %s does not advance past %s", v.Timestamp, last.Timestamp)
		}
	}
	for _, name := range files {
		prev, err := s.readVersionFile(name)
		if err != nil {
			return err
		}
		if prev.Name == v.Name {
			return errors.Errorf("version %q already exists", v.Name)
		}
	}

	return writeJSON(filepath.Join(s.versionroot(), s.versionFilename(v.Timestamp)), v)
}

// Version returns the version with the given name.
func (s *Store) Version(_ context.Context, name string) (*vas.Version, error) {
	files, err := s.versionFiles()
	if err != nil {
		return nil, err
	}
	for _, fn := range files {
		v, err := s.readVersionFile(fn)
		if err != nil {
			return nil, err
		}
		if v.Name == name {
			return v, nil
		}
	}
	return nil, vas.ErrNotFound
}

// VersionAt returns the latest version at or before `at`.
func (s *Store) VersionAt(_ context.Context, at time.Time) (*vas.Version, error) {
	files, err := s.versionFiles()
	if err != nil {
		return nil, err
	}
	cutoff := s.versionFilename(at)
	index := sort.Search(len(files), func(n int) bool {
		return files[n] > cutoff
	})
	if index == 0 {
		return nil, vas.ErrNoVersion
	}
	return s.readVersionFile(files[index-1])
}

// LatestVersion returns the newest version.
func (s *Store) LatestVersion(_ context.Context) (*vas.Version, error) {
	files, err := s.versionFiles()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, vas.ErrNoVersion
	}
	return s.readVersionFile(files[len(files)-1])
}

// ListVersions produces all versions in ascending timestamp order.
func (s *Store) ListVersions(_ context.Context, f func(*vas.Version) error) error {
	files, err := s.versionFiles()
	if err != nil {
		return err
	}
	for _, fn := range files {
		v, err := s.readVersionFile(fn)
		if err != nil {
			return err
		}
		err = f(v)
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteVersion removes a version from the index.
func (s *Store) DeleteVersion(_ context.Context, name string) error {
	files, err := s.versionFiles()
	if err != nil {
		return err
	}
	for _, fn := range files {
		v, err := s.readVersionFile(fn)
		if err != nil {
			return err
		}
		if v.Name == name {
			return errors.Wrapf(os.Remove(filepath.Join(s.versionroot(), fn)), "removing version %q", name)
		}
	}
	return vas.ErrNotFound
}

// metas reads the static-metadata side file.
func (s *Store) metas() (map[string]vas.DatasetMeta, error) {
	b, err := os.ReadFile(s.metaPath())
	if os.IsNotExist(err) {
		return make(map[string]vas.DatasetMeta), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading metadata")
	}
	var m map[string]vas.DatasetMeta
	err = json.Unmarshal(b, &m)
	return m, errors.Wrap(err, "decoding metadata")
}

// DatasetMeta returns the declared static identity for path.
func (s *Store) DatasetMeta(_ context.Context, path string) (vas.DatasetMeta, error) {
	m, err := s.metas()
	if err != nil {
		return vas.DatasetMeta{}, err
	}
	meta, ok := m[path]
	if !ok {
		return vas.DatasetMeta{}, vas.ErrNotFound
	}
	return meta, nil
}

// PutDatasetMeta records the static identity for path.
func (s *Store) PutDatasetMeta(_ context.Context, path string, meta vas.DatasetMeta) error {
	lockPath := s.metaPath()
	if err := s.flocker.Lock(lockPath); err != nil {
		return errors.Wrap(err, "locking metadata")
	}
	defer s.flocker.Unlock(lockPath)

	m, err := s.metas()
	if err != nil {
		return err
	}
	m[path] = meta
	return writeJSON(s.metaPath(), m)
}

// Lock acquires the single-writer lock: fail-fast within the process,
// file lock across processes.
func (s *Store) Lock(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked {
		return vas.ErrBusy
	}
	err := os.MkdirAll(s.root, 0755)
	if err != nil {
		return errors.Wrapf(err, "ensuring %s exists", s.root)
	}
	err = s.flocker.Lock(s.writerLockPath())
	if err != nil {
		return errors.Wrap(err, "locking writer file")
	}
	s.locked = true
	return nil
}

// Unlock releases the single-writer lock.
func (s *Store) Unlock() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.locked {
		return nil
	}
	s.locked = false
	return errors.Wrap(s.flocker.Unlock(s.writerLockPath()), "unlocking writer file")
}

func init() {
	store.Register("file", func(_ context.Context, conf map[string]interface{}) (vas.Repository, error) {
		root, ok := conf["root"].(string)
		if !ok {
			return nil, errors.New(`missing "root" parameter`)
		}
		return New(root), nil
	})
}

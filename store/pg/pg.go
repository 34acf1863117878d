// Package pg implements a backing container on PostgreSQL, for
// containers shared via a database server rather than a local file.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrs "errors"
	"sync"
	"time"

	"github.com/bobg/sqlutil"
	_ "github.com/lib/pq" // register the postgres type for sql.Open
	"github.com/pkg/errors"

	"github.com/vasdb/vas"
	"github.com/vasdb/vas/store"
)

var _ vas.Repository = &Store{}

// Store is a Postgres-based backing container.
type Store struct {
	db *sql.DB

	mu     sync.Mutex
	locked bool
}

// Schema is the SQL that New executes.
const Schema = `
CREATE TABLE IF NOT EXISTS chunks (
  key BYTEA PRIMARY KEY NOT NULL,
  data BYTEA NOT NULL,
  refs BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS versions (
  name TEXT PRIMARY KEY NOT NULL,
  at TEXT NOT NULL,
  manifest BYTEA NOT NULL
);

CREATE INDEX IF NOT EXISTS version_at_idx ON versions (at);

CREATE TABLE IF NOT EXISTS dataset_meta (
  path TEXT PRIMARY KEY NOT NULL,
  meta BYTEA NOT NULL
);

CREATE TABLE IF NOT EXISTS writer (
  id INTEGER PRIMARY KEY CHECK (id = 1)
);
`

// New produces a new Store using `db` for storage.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	_, err := db.ExecContext(ctx, Schema)
	return &Store{db: db}, err
}

// GetChunk gets the chunk with key `key`.
func (s *Store) GetChunk(ctx context.Context, key vas.Key) (vas.Chunk, error) {
	const q = `SELECT data FROM chunks WHERE key = $1`

	var c vas.Chunk
	err := s.db.QueryRowContext(ctx, q, key[:]).Scan(&c)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, vas.ErrNotFound
	}
	return c, errors.Wrapf(err, "querying chunk %s", key)
}

// PutChunk adds a chunk to the pool if it wasn't already present.
func (s *Store) PutChunk(ctx context.Context, c vas.Chunk) (vas.Key, bool, error) {
	const q = `INSERT INTO chunks (key, data, refs) VALUES ($1, $2, 0) ON CONFLICT DO NOTHING`

	key := c.Key()
	res, err := s.db.ExecContext(ctx, q, key[:], []byte(c))
	if err != nil {
		return vas.Key{}, false, errors.Wrap(err, "inserting chunk")
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return vas.Key{}, false, errors.Wrap(err, "counting affected rows")
	}
	return key, aff > 0, nil
}

// Retain increments the reference count of key.
func (s *Store) Retain(ctx context.Context, key vas.Key) (int, error) {
	const q = `UPDATE chunks SET refs = refs + 1 WHERE key = $1 RETURNING refs`

	var refs int
	err := s.db.QueryRowContext(ctx, q, key[:]).Scan(&refs)
	if stderrs.Is(err, sql.ErrNoRows) {
		return 0, vas.ErrNotFound
	}
	return refs, errors.Wrapf(err, "retaining chunk %s", key)
}

// Release decrements the reference count of key.
func (s *Store) Release(ctx context.Context, key vas.Key) (int, error) {
	const q = `UPDATE chunks SET refs = refs - 1 WHERE key = $1 AND refs > 0 RETURNING refs`

	var refs int
	err := s.db.QueryRowContext(ctx, q, key[:]).Scan(&refs)
	if stderrs.Is(err, sql.ErrNoRows) {
		if _, err2 := s.RefCount(ctx, key); err2 != nil {
			return 0, err2
		}
		return 0, errors.Errorf("reference count of %s is already zero", key)
	}
	return refs, errors.Wrapf(err, "releasing chunk %s", key)
}

// RefCount returns the reference count of key.
func (s *Store) RefCount(ctx context.Context, key vas.Key) (int, error) {
	const q = `SELECT refs FROM chunks WHERE key = $1`

	var refs int
	err := s.db.QueryRowContext(ctx, q, key[:]).Scan(&refs)
	if stderrs.Is(err, sql.ErrNoRows) {
		return 0, vas.ErrNotFound
	}
	return refs, errors.Wrapf(err, "querying refcount of %s", key)
}

// DeleteChunk removes a chunk. Deleting an absent key is a no-op.
func (s *Store) DeleteChunk(ctx context.Context, key vas.Key) error {
	const q = `DELETE FROM chunks WHERE key = $1`

	_, err := s.db.ExecContext(ctx, q, key[:])
	return errors.Wrapf(err, "deleting chunk %s", key)
}

// ListChunks produces all chunk keys with their reference counts, in
// lexicographic order.
func (s *Store) ListChunks(ctx context.Context, start vas.Key, f func(vas.Key, int) error) error {
	const q = `SELECT key, refs FROM chunks WHERE key > $1 ORDER BY key`

	return sqlutil.ForQueryRows(ctx, s.db, q, start[:], func(key []byte, refs int) error {
		return f(vas.KeyFromBytes(key), refs)
	})
}

// PutVersion appends a committed version.
func (s *Store) PutVersion(ctx context.Context, v *vas.Version) error {
	latest, err := s.LatestVersion(ctx)
	if err != nil && !stderrs.Is(err, vas.ErrNoVersion) {
		return err
	}
	if latest != nil && !v.Timestamp.After(latest.Timestamp) {
		return errors.Errorf("timestamp %s does not advance past %s", v.Timestamp, latest.Timestamp)
	}

	manifest, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encoding manifest")
	}

	const q = `INSERT INTO versions (name, at, manifest) VALUES ($1, $2, $3)`
	_, err = s.db.ExecContext(ctx, q, v.Name, v.Timestamp.UTC().Format(vas.TimeLayout), manifest)
	return errors.Wrapf(err, "inserting version %q", v.Name)
}

func decodeManifest(b []byte) (*vas.Version, error) {
	var v vas.Version
	err := json.Unmarshal(b, &v)
	if err != nil {
		return nil, errors.Wrap(err, "decoding manifest")
	}
	return &v, nil
}

// Version returns the version with the given name.
func (s *Store) Version(ctx context.Context, name string) (*vas.Version, error) {
	const q = `SELECT manifest FROM versions WHERE name = $1`

	var b []byte
	err := s.db.QueryRowContext(ctx, q, name).Scan(&b)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, vas.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "querying version %q", name)
	}
	return decodeManifest(b)
}

// VersionAt returns the latest version at or before `at`.
func (s *Store) VersionAt(ctx context.Context, at time.Time) (*vas.Version, error) {
	const q = `SELECT manifest FROM versions WHERE at <= $1 ORDER BY at DESC LIMIT 1`

	var b []byte
	err := s.db.QueryRowContext(ctx, q, at.UTC().Format(vas.TimeLayout)).Scan(&b)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, vas.ErrNoVersion
	}
	if err != nil {
		return nil, errors.Wrapf(err, "querying version at %s", at)
	}
	return decodeManifest(b)
}

// LatestVersion returns the newest version.
func (s *Store) LatestVersion(ctx context.Context) (*vas.Version, error) {
	const q = `SELECT manifest FROM versions ORDER BY at DESC LIMIT 1`

	var b []byte
	err := s.db.QueryRowContext(ctx, q).Scan(&b)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, vas.ErrNoVersion
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying latest version")
	}
	return decodeManifest(b)
}

// ListVersions produces all versions in ascending timestamp order.
func (s *Store) ListVersions(ctx context.Context, f func(*vas.Version) error) error {
	const q = `SELECT manifest FROM versions ORDER BY at`

	return sqlutil.ForQueryRows(ctx, s.db, q, func(b []byte) error {
		v, err := decodeManifest(b)
		if err != nil {
			return err
		}
		return f(v)
	})
}

// DeleteVersion removes a version from the index.
func (s *Store) DeleteVersion(ctx context.Context, name string) error {
	const q = `DELETE FROM versions WHERE name = $1`

	res, err := s.db.ExecContext(ctx, q, name)
	if err != nil {
		return errors.Wrapf(err, "deleting version %q", name)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "counting affected rows")
	}
	if aff == 0 {
		return vas.ErrNotFound
	}
	return nil
}

// DatasetMeta returns the declared static identity for path.
func (s *Store) DatasetMeta(ctx context.Context, path string) (vas.DatasetMeta, error) {
	const q = `SELECT meta FROM dataset_meta WHERE path = $1`

	var b []byte
	err := s.db.QueryRowContext(ctx, q, path).Scan(&b)
	if stderrs.Is(err, sql.ErrNoRows) {
		return vas.DatasetMeta{}, vas.ErrNotFound
	}
	if err != nil {
		return vas.DatasetMeta{}, errors.Wrapf(err, "querying metadata for %q", path)
	}
	var m vas.DatasetMeta
	err = json.Unmarshal(b, &m)
	return m, errors.Wrapf(err, "decoding metadata for %q", path)
}

// PutDatasetMeta records the static identity for path.
func (s *Store) PutDatasetMeta(ctx context.Context, path string, m vas.DatasetMeta) error {
	b, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encoding metadata")
	}

	const q = `INSERT INTO dataset_meta (path, meta) VALUES ($1, $2) ON CONFLICT (path) DO UPDATE SET meta = $2`
	_, err = s.db.ExecContext(ctx, q, path, b)
	return errors.Wrapf(err, "storing metadata for %q", path)
}

// Lock acquires the single-writer lock.
func (s *Store) Lock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked {
		return vas.ErrBusy
	}

	const q = `INSERT INTO writer (id) VALUES (1)`
	_, err := s.db.ExecContext(ctx, q)
	if err != nil {
		return vas.ErrBusy
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

	const q = `DELETE FROM writer WHERE id = 1`
	_, err := s.db.Exec(q)
	if err != nil {
		return errors.Wrap(err, "releasing writer lock")
	}
	s.locked = false
	return nil
}

// BreakLock force-clears the writer row, whoever holds it. The row
// outlives a writer process that dies without unlocking; this is the
// recovery path. Never call it while a writer is live.
func (s *Store) BreakLock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `DELETE FROM writer WHERE id = 1`
	_, err := s.db.ExecContext(ctx, q)
	if err != nil {
		return errors.Wrap(err, "breaking writer lock")
	}
	s.locked = false
	return nil
}

func init() {
	store.Register("postgres", func(ctx context.Context, conf map[string]interface{}) (vas.Repository, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		db, err := sql.Open("postgres", conn)
		if err != nil {
			return nil, errors.Wrap(err, "opening db")
		}
		return New(ctx, db)
	})
}

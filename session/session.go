// Package session layers the version-control model over a backing
// container.
//
// A Session is the explicit handle to one open container: all reads
// resolve a concrete version through it, and all writes go through a
// transaction it issues. There is no ambient "current file" or "current
// version" state; a session-local current-version pointer exists only as
// a convenience default and is never consulted by the read path, which
// always receives the resolved version explicitly.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/vasdb/vas"
	"github.com/vasdb/vas/gc"
)

// Session is an open backing container.
type Session struct {
	repo vas.Repository

	mu       sync.Mutex
	tx       *Tx // the open transaction, or nil
	current  string
	readonly bool
	closed   bool
}

// Option configures a Session.
type Option func(*Session)

// ReadOnly forbids Begin on the session. Committed versions are
// read-only regardless; this also blocks new transactions.
func ReadOnly() Option {
	return func(s *Session) { s.readonly = true }
}

// Open opens a session over a backing container.
func Open(repo vas.Repository, opts ...Option) (*Session, error) {
	if repo == nil {
		return nil, errors.New("nil repository")
	}
	s := &Session{repo: repo}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the session, aborting any open transaction.
// The chunks a transaction had staged are dereferenced immediately;
// nothing waits for a finalizer or process exit.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	tx := s.tx
	s.closed = true
	s.mu.Unlock()

	if tx != nil {
		return tx.Abort(ctx)
	}
	return nil
}

// At returns the read-only snapshot whose timestamp is the latest at or
// before `at`. If `at` precedes the first committed version, the error
// is vas.ErrNoVersion, never an arbitrary default.
func (s *Session) At(ctx context.Context, at time.Time) (*Snapshot, error) {
	v, err := s.repo.VersionAt(ctx, at)
	if err != nil {
		return nil, err
	}
	return &Snapshot{g: s.repo, v: v}, nil
}

// Version returns the read-only snapshot with the given name.
func (s *Session) Version(ctx context.Context, name string) (*Snapshot, error) {
	v, err := s.repo.Version(ctx, name)
	if err != nil {
		return nil, err
	}
	return &Snapshot{g: s.repo, v: v}, nil
}

// Latest returns the newest committed snapshot.
func (s *Session) Latest(ctx context.Context) (*Snapshot, error) {
	v, err := s.repo.LatestVersion(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{g: s.repo, v: v}, nil
}

// Current returns the snapshot the session considers current: the one
// set with SetCurrent, or the latest committed version.
func (s *Session) Current(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	name := s.current
	s.mu.Unlock()

	if name == "" {
		return s.Latest(ctx)
	}
	return s.Version(ctx, name)
}

// SetCurrent sets the session's current version.
func (s *Session) SetCurrent(ctx context.Context, name string) error {
	_, err := s.repo.Version(ctx, name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = name
	s.mu.Unlock()
	return nil
}

// Versions calls f for every committed version in ascending timestamp
// order.
func (s *Session) Versions(ctx context.Context, f func(*vas.Version) error) error {
	return s.repo.ListVersions(ctx, f)
}

// NthPrevious returns the version n steps before the named one in
// timestamp order.
func (s *Session) NthPrevious(ctx context.Context, name string, n int) (*vas.Version, error) {
	if n < 0 {
		return nil, errors.Errorf("negative step %d", n)
	}
	var order []*vas.Version
	err := s.repo.ListVersions(ctx, func(v *vas.Version) error {
		order = append(order, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, v := range order {
		if v.Name == name {
			if i < n {
				return nil, errors.Errorf("%q has fewer than %d versions before it", name, n)
			}
			return order[i-n], nil
		}
	}
	return nil, vas.ErrNotFound
}

// DeleteVersion removes a version, releasing every chunk reference it
// held. Chunks whose counts reach zero stay in the pool until Collect
// reclaims them. Earlier and later versions are unaffected: they hold
// their own references.
func (s *Session) DeleteVersion(ctx context.Context, name string) error {
	s.mu.Lock()
	if s.tx != nil {
		s.mu.Unlock()
		return vas.ErrBusy
	}
	s.mu.Unlock()

	v, err := s.repo.Version(ctx, name)
	if err != nil {
		return err
	}

	// The record goes first: once it is gone, a retry stops at
	// ErrNotFound instead of releasing the same references twice.
	// An interruption after this point leaks counts; it never frees
	// chunks that surviving versions still hold.
	err = s.repo.DeleteVersion(ctx, name)
	if err != nil {
		return errors.Wrapf(err, "deleting version %q", name)
	}
	for path, entry := range v.Datasets {
		if entry.Deleted {
			continue
		}
		for coord, key := range entry.Chunks {
			if _, err := s.repo.Release(ctx, key); err != nil {
				return errors.Wrapf(err, "releasing chunk %s of %s at %s", key, path, coord)
			}
		}
	}

	s.mu.Lock()
	if s.current == name {
		s.current = ""
	}
	s.mu.Unlock()
	return nil
}

// Collect reclaims chunks whose reference counts have reached zero.
// It fails with vas.ErrBusy while a transaction is open: a commit in
// flight stores chunks before retaining them.
func (s *Session) Collect(ctx context.Context) error {
	s.mu.Lock()
	if s.tx != nil {
		s.mu.Unlock()
		return vas.ErrBusy
	}
	s.mu.Unlock()

	return gc.Run(ctx, s.repo, nil)
}

// Begin opens a write transaction branching from the latest committed
// version. Only one transaction may be open at a time; a second Begin
// fails with vas.ErrBusy. Reads of committed snapshots proceed
// concurrently: the transaction's staged state is invisible until
// Commit.
func (s *Session) Begin(ctx context.Context) (*Tx, error) {
	return s.begin(ctx, func(ctx context.Context) (*vas.Version, error) {
		v, err := s.repo.LatestVersion(ctx)
		if errors.Is(err, vas.ErrNoVersion) {
			return nil, nil
		}
		return v, err
	})
}

// BeginFrom opens a write transaction branching from the named
// committed version instead of the latest. The commit still appends to
// the end of the history and no later version is touched, so writing
// nothing and committing restores the named version's state under a
// new name.
func (s *Session) BeginFrom(ctx context.Context, name string) (*Tx, error) {
	return s.begin(ctx, func(ctx context.Context) (*vas.Version, error) {
		return s.repo.Version(ctx, name)
	})
}

func (s *Session) begin(ctx context.Context, parentFn func(context.Context) (*vas.Version, error)) (*Tx, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("session is closed")
	}
	if s.readonly {
		s.mu.Unlock()
		return nil, vas.ErrReadOnly
	}
	if s.tx != nil {
		s.mu.Unlock()
		return nil, vas.ErrBusy
	}
	s.mu.Unlock()

	if err := s.repo.Lock(ctx); err != nil {
		return nil, err
	}

	parent, err := parentFn(ctx)
	if err != nil {
		s.repo.Unlock()
		return nil, errors.Wrap(err, "loading parent version")
	}

	tx := newTx(s, parent)

	s.mu.Lock()
	if s.tx != nil {
		s.mu.Unlock()
		s.repo.Unlock()
		return nil, vas.ErrBusy
	}
	s.tx = tx
	s.mu.Unlock()

	return tx, nil
}

// finish releases the session's transaction slot and the writer lock.
func (s *Session) finish(tx *Tx) {
	s.mu.Lock()
	if s.tx == tx {
		s.tx = nil
	}
	s.mu.Unlock()
	s.repo.Unlock()
}

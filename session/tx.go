package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/vasdb/vas"
	"github.com/vasdb/vas/indexing"
)

// Tx is an open write transaction: the only way a new version comes to
// exist.
//
// All staging happens against in-memory chunk buffers; the backing
// container is untouched until Commit, so Abort always restores the
// exact pre-transaction state and a crashed process publishes nothing.
// Writes use copy-on-write: the first touch of a committed chunk copies
// its bytes into a private buffer, and the mutated buffer is stored
// under a fresh key at commit. A chunk shared with any committed version
// is never altered in place.
type Tx struct {
	s      *Session
	parent *vas.Version // nil when the history is empty

	mu       sync.Mutex
	datasets map[string]*stagedDataset
	newMeta  map[string]vas.DatasetMeta
	done     bool
}

type stagedDataset struct {
	entry *vas.DatasetEntry
	dirty map[string][]byte // coordinate -> mutable full-size chunk buffer
}

func newTx(s *Session, parent *vas.Version) *Tx {
	tx := &Tx{
		s:        s,
		parent:   parent,
		datasets: make(map[string]*stagedDataset),
		newMeta:  make(map[string]vas.DatasetMeta),
	}
	if parent != nil {
		// Tombstones record a deletion in the version it happened;
		// they do not propagate to descendants.
		for path, entry := range parent.Datasets {
			if entry.Deleted {
				continue
			}
			tx.datasets[path] = &stagedDataset{
				entry: entry.Clone(),
				dirty: make(map[string][]byte),
			}
		}
	}
	return tx
}

func (tx *Tx) open() error {
	if tx.done {
		return vas.ErrCommitted
	}
	return nil
}

// live returns the staged dataset at path, or ErrNotFound if it is
// absent or deleted.
func (tx *Tx) live(path string) (*stagedDataset, error) {
	st, ok := tx.datasets[path]
	if !ok || st.entry.Deleted {
		return nil, errors.Wrapf(vas.ErrNotFound, "dataset %q", path)
	}
	return st, nil
}

func validPath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return errors.Errorf("invalid dataset path %q", path)
	}
	return nil
}

// CreateDataset declares a dataset at path with the given shape and
// static identity, initially sparse: it owns zero chunks and reads as
// the fill value until written.
//
// A path that was previously created, even if deleted since, must be
// recreated with identical static metadata; a mismatch fails with
// vas.ErrMetadataConflict.
func (tx *Tx) CreateDataset(ctx context.Context, path string, shape []int, meta vas.DatasetMeta) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.open(); err != nil {
		return err
	}
	if err := validPath(path); err != nil {
		return err
	}
	if !meta.Dtype.Valid() {
		return errors.Errorf("invalid dtype %q", string(meta.Dtype))
	}
	if len(meta.ChunkSize) != len(shape) {
		return errors.Errorf("chunk size rank %d does not match shape rank %d", len(meta.ChunkSize), len(shape))
	}
	for _, c := range meta.ChunkSize {
		if c < 1 {
			return errors.Errorf("non-positive chunk size in %v", meta.ChunkSize)
		}
	}
	for _, d := range shape {
		if d < 0 {
			return errors.Errorf("negative dimension in shape %v", shape)
		}
	}
	if len(meta.FillValue) != 0 && len(meta.FillValue) != meta.Dtype.Size() {
		return errors.Errorf("fill value is %d bytes, dtype %s needs %d", len(meta.FillValue), meta.Dtype, meta.Dtype.Size())
	}
	if _, ok := tx.datasets[path]; ok && !tx.datasets[path].entry.Deleted {
		return errors.Errorf("dataset %q already exists", path)
	}

	if err := tx.checkMeta(ctx, path, meta); err != nil {
		return err
	}

	tx.datasets[path] = &stagedDataset{
		entry: &vas.DatasetEntry{
			Meta:   meta,
			Shape:  append([]int(nil), shape...),
			Chunks: make(map[string]vas.Key),
		},
		dirty: make(map[string][]byte),
	}
	return nil
}

// checkMeta validates a (re-)creation against the permanent identity
// registry, staging the registration if the path is new.
func (tx *Tx) checkMeta(ctx context.Context, path string, meta vas.DatasetMeta) error {
	if prev, ok := tx.newMeta[path]; ok {
		if !prev.Equal(meta) {
			return errors.Wrapf(vas.ErrMetadataConflict, "dataset %q was declared with different metadata in this transaction", path)
		}
		return nil
	}
	prev, err := tx.s.repo.DatasetMeta(ctx, path)
	if errors.Is(err, vas.ErrNotFound) {
		tx.newMeta[path] = meta
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "loading declared metadata for %q", path)
	}
	if !prev.Equal(meta) {
		return errors.Wrapf(vas.ErrMetadataConflict, "dataset %q was originally declared with different dtype, chunk size, or fill value", path)
	}
	return nil
}

// DeleteDataset records a tombstone for path in the version being
// staged. Earlier versions keep their references to the data.
func (tx *Tx) DeleteDataset(ctx context.Context, path string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.open(); err != nil {
		return err
	}
	st, err := tx.live(path)
	if err != nil {
		return err
	}
	st.entry.Deleted = true
	st.entry.Chunks = nil
	st.entry.Attrs = nil
	st.dirty = make(map[string][]byte)
	return nil
}

// DeleteGroup tombstones every live dataset at or under the given
// prefix.
func (tx *Tx) DeleteGroup(ctx context.Context, prefix string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.open(); err != nil {
		return err
	}
	if err := validPath(prefix); err != nil {
		return err
	}
	found := false
	for path, st := range tx.datasets {
		if st.entry.Deleted {
			continue
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			st.entry.Deleted = true
			st.entry.Chunks = nil
			st.entry.Attrs = nil
			st.dirty = make(map[string][]byte)
			found = true
		}
	}
	if !found {
		return errors.Wrapf(vas.ErrNotFound, "group %q", prefix)
	}
	return nil
}

// Resize changes a dataset's shape. Rank is fixed; extents may grow or
// shrink. Chunks that fall wholly outside the new shape are dropped
// from the staged version (earlier versions keep theirs).
func (tx *Tx) Resize(ctx context.Context, path string, shape []int) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.open(); err != nil {
		return err
	}
	st, err := tx.live(path)
	if err != nil {
		return err
	}
	if len(shape) != len(st.entry.Shape) {
		return errors.Errorf("resize of %q cannot change rank %d to %d", path, len(st.entry.Shape), len(shape))
	}
	for _, d := range shape {
		if d < 0 {
			return errors.Errorf("negative dimension in shape %v", shape)
		}
	}
	st.entry.Shape = append([]int(nil), shape...)

	cs := st.entry.Meta.ChunkSize
	for ck := range st.entry.Chunks {
		coord, err := indexing.ParseCoordKey(ck)
		if err != nil {
			return errors.Wrapf(err, "chunk map of %q", path)
		}
		if !indexing.InShape(coord, shape, cs) {
			delete(st.entry.Chunks, ck)
		}
	}
	for ck := range st.dirty {
		coord, err := indexing.ParseCoordKey(ck)
		if err != nil {
			return errors.Wrapf(err, "staged chunks of %q", path)
		}
		if !indexing.InShape(coord, shape, cs) {
			delete(st.dirty, ck)
		}
	}
	return nil
}

// SetAttr sets a dataset attribute in the staged version.
func (tx *Tx) SetAttr(ctx context.Context, path, key, value string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.open(); err != nil {
		return err
	}
	st, err := tx.live(path)
	if err != nil {
		return err
	}
	if st.entry.Attrs == nil {
		st.entry.Attrs = make(map[string]string)
	}
	st.entry.Attrs[key] = value
	return nil
}

// Write stores arr into the region sel selects. A scalar arr broadcasts
// over the whole selection. Exactly the chunks the selection intersects
// are materialized; untouched coordinates stay sparse, and untouched
// committed chunks stay shared with the parent version.
func (tx *Tx) Write(ctx context.Context, path string, sel []indexing.Sel, arr *vas.Array) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.open(); err != nil {
		return err
	}
	st, err := tx.live(path)
	if err != nil {
		return err
	}
	meta := st.entry.Meta
	if arr.Dtype != meta.Dtype {
		return errors.Errorf("writing %s data to %s dataset %q", arr.Dtype, meta.Dtype, path)
	}

	plan, err := indexing.NewPlan(st.entry.Shape, meta.ChunkSize, sel)
	if err != nil {
		return err
	}

	src := arr
	if arr.Scalar() {
		// Broadcast the scalar across the selection.
		src = vas.NewFilled(meta.Dtype, plan.OutDims, arr.Data)
	} else if !shapeEqual(arr.Shape, plan.Shape) {
		return errors.Wrapf(vas.ErrInvalidIndex, "data shape %v does not match selection shape %v", arr.Shape, plan.Shape)
	}

	es := meta.Dtype.Size()
	chunkLen := vas.Numel(meta.ChunkSize) * es

	for _, slice := range plan.Slices {
		ck := indexing.CoordKey(slice.Coord)
		buf, ok := st.dirty[ck]
		if !ok {
			buf = make([]byte, chunkLen)
			if key, shared := st.entry.Chunks[ck]; shared {
				// Copy-on-write: private copy of the committed chunk.
				c, err := tx.s.repo.GetChunk(ctx, key)
				if errors.Is(err, vas.ErrNotFound) {
					return errors.Wrapf(err, "corrupt container: referenced chunk %s is missing", key)
				}
				if err != nil {
					return errors.Wrapf(err, "getting chunk %s", key)
				}
				if len(c) != chunkLen {
					return errors.Errorf("corrupt container: chunk %s is %d bytes, want %d", key, len(c), chunkLen)
				}
				copy(buf, c)
			} else if fill := meta.Fill(); !allZero(fill) {
				for i := 0; i < len(buf); i += es {
					copy(buf[i:i+es], fill)
				}
			}
			st.dirty[ck] = buf
		}
		err = indexing.CopySpans(buf, meta.ChunkSize, slice.ChunkSel, src.Data, plan.OutDims, slice.OutSel, es)
		if err != nil {
			return errors.Wrapf(err, "staging chunk %s", ck)
		}
	}
	return nil
}

// Read reads through the transaction's staged state: bytes written
// earlier in the transaction are returned exactly, everything else
// comes from the parent version (or the fill value).
func (tx *Tx) Read(ctx context.Context, path string, sel []indexing.Sel) (*vas.Array, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.open(); err != nil {
		return nil, err
	}
	st, err := tx.live(path)
	if err != nil {
		return nil, err
	}
	return readEntry(ctx, tx.s.repo, st.entry, sel, st.dirty)
}

// Commit atomically publishes the staged state as a new immutable
// version named `name` (a fresh name is generated if empty).
//
// All staged chunks are stored and every chunk reference of the new
// manifest is retained first; publishing the version record is the
// single final step. Readers therefore see either the previous history
// or the complete new version, never a partial state. If anything fails
// before publication, the retains and stores are unwound and the
// container is left exactly as it was.
func (tx *Tx) Commit(ctx context.Context, name string) (*vas.Version, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.open(); err != nil {
		return nil, err
	}

	if name == "" {
		name = randomName()
	}

	// Timestamps stay strictly increasing across the whole history,
	// also when the parent is an old version.
	ts := time.Now().UTC()
	latest, err := tx.s.repo.LatestVersion(ctx)
	if err != nil && !errors.Is(err, vas.ErrNoVersion) {
		return nil, errors.Wrap(err, "loading latest version")
	}
	if err == nil && !ts.After(latest.Timestamp) {
		ts = latest.Timestamp.Add(time.Nanosecond)
	}

	manifest := &vas.Version{
		Name:      name,
		Timestamp: ts,
		Datasets:  make(map[string]*vas.DatasetEntry, len(tx.datasets)),
	}

	var (
		created  []vas.Key // keys newly added to the pool
		retained []vas.Key
	)
	unwind := func() {
		for _, key := range retained {
			tx.s.repo.Release(ctx, key)
		}
		for _, key := range created {
			if n, err := tx.s.repo.RefCount(ctx, key); err == nil && n == 0 {
				tx.s.repo.DeleteChunk(ctx, key)
			}
		}
	}

	// Store staged chunk payloads and build the manifest.
	for path, st := range tx.datasets {
		entry := st.entry.Clone()
		for ck, buf := range st.dirty {
			key, added, err := tx.s.repo.PutChunk(ctx, vas.Chunk(buf))
			if err != nil {
				unwind()
				return nil, errors.Wrapf(err, "storing chunk %s of %q", ck, path)
			}
			if added {
				created = append(created, key)
			}
			if entry.Chunks == nil {
				entry.Chunks = make(map[string]vas.Key)
			}
			entry.Chunks[ck] = key
		}
		manifest.Datasets[path] = entry
	}

	// Retain one reference per (dataset, coordinate) slot.
	for path, entry := range manifest.Datasets {
		if entry.Deleted {
			continue
		}
		for ck, key := range entry.Chunks {
			if _, err := tx.s.repo.Retain(ctx, key); err != nil {
				unwind()
				return nil, errors.Wrapf(err, "retaining chunk %s of %q at %s", key, path, ck)
			}
			retained = append(retained, key)
		}
	}

	// Register static identities for datasets first created here.
	for path, meta := range tx.newMeta {
		if err := tx.s.repo.PutDatasetMeta(ctx, path, meta); err != nil {
			unwind()
			return nil, errors.Wrapf(err, "registering metadata for %q", path)
		}
	}

	// The atomic publish step.
	if err := tx.s.repo.PutVersion(ctx, manifest); err != nil {
		unwind()
		return nil, errors.Wrap(err, "publishing version")
	}

	tx.done = true
	tx.datasets = nil
	tx.newMeta = nil
	tx.s.finish(tx)
	return manifest, nil
}

// Abort discards the transaction. The staged buffers are dropped
// immediately and the version tree is exactly as it was before Begin.
// Aborting a finished transaction is a no-op.
func (tx *Tx) Abort(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return nil
	}
	tx.done = true
	tx.datasets = nil
	tx.newMeta = nil
	tx.s.finish(tx)
	return nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i, d := range a {
		if b[i] != d {
			return false
		}
	}
	return true
}

func allZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}

func randomName() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

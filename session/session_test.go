package session

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/vasdb/vas"
	"github.com/vasdb/vas/indexing"
	"github.com/vasdb/vas/store/mem"
)

func openMem(t *testing.T, opts ...Option) *Session {
	t.Helper()
	s, err := Open(mem.New(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func int64Meta(chunkSize ...int) vas.DatasetMeta {
	return vas.DatasetMeta{Dtype: vas.Int64, ChunkSize: chunkSize}
}

// commit1D creates (if necessary) a 1-D int64 dataset and commits one
// write to it, returning the new version.
func commit1D(t *testing.T, s *Session, path string, shape, chunk int, name string, write func(tx *Tx)) *vas.Version {
	t.Helper()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	if tx.parent == nil || tx.parent.Entry(path) == nil {
		require.NoError(t, tx.CreateDataset(ctx, path, []int{shape}, int64Meta(chunk)))
	}
	if write != nil {
		write(tx)
	}
	v, err := tx.Commit(ctx, name)
	require.NoError(t, err)
	return v
}

func TestCopyOnWrite(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	// Version A: 25 elements in chunks of 10, written all-zero.
	zeros := make([]int64, 25)
	arrZeros, err := vas.FromInt64s([]int{25}, zeros)
	require.NoError(t, err)
	commit1D(t, s, "data/x", 25, 10, "A", func(tx *Tx) {
		require.NoError(t, tx.Write(ctx, "data/x", nil, arrZeros))
	})

	// Version B: overwrite [5, 9) only.
	patch, err := vas.FromInt64s([]int{4}, []int64{9, 9, 9, 9})
	require.NoError(t, err)
	commit1D(t, s, "data/x", 25, 10, "B", func(tx *Tx) {
		require.NoError(t, tx.Write(ctx, "data/x", []indexing.Sel{indexing.Range(5, 9)}, patch))
	})

	a, err := s.Version(ctx, "A")
	require.NoError(t, err)
	b, err := s.Version(ctx, "B")
	require.NoError(t, err)

	achunks := a.Manifest().Datasets["data/x"].Chunks
	bchunks := b.Manifest().Datasets["data/x"].Chunks

	// Only the touched chunk got a new key; the others stay shared.
	require.NotEqual(t, achunks["0"], bchunks["0"])
	require.Equal(t, achunks["1"], bchunks["1"])
	require.Equal(t, achunks["2"], bchunks["2"])

	// A still reads all zeros.
	ad, err := a.Dataset("data/x")
	require.NoError(t, err)
	got, err := ad.Read(ctx, nil)
	require.NoError(t, err)
	vals, err := got.Int64s()
	require.NoError(t, err)
	require.Equal(t, zeros, vals)

	// B reads the patch.
	bd, err := b.Dataset("data/x")
	require.NoError(t, err)
	got, err = bd.Read(ctx, []indexing.Sel{indexing.Range(3, 11)})
	require.NoError(t, err)
	vals, err = got.Int64s()
	require.NoError(t, err)
	require.Equal(t, []int64{0, 0, 9, 9, 9, 9, 0, 0}, vals)
}

func TestSparseDataset(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	// An unwritten dataset owns no chunks and reads as fill.
	commit1D(t, s, "sparse", 100, 10, "empty", nil)

	snap, err := s.Latest(ctx)
	require.NoError(t, err)
	d, err := snap.Dataset("sparse")
	require.NoError(t, err)
	require.Equal(t, 0, d.NumChunks())

	got, err := d.Read(ctx, []indexing.Sel{indexing.Point(45)})
	require.NoError(t, err)
	require.True(t, got.Scalar())
	vals, err := got.Int64s()
	require.NoError(t, err)
	require.Equal(t, []int64{0}, vals)

	// Writing one element materializes exactly one chunk.
	commit1D(t, s, "sparse", 100, 10, "one", func(tx *Tx) {
		require.NoError(t, tx.Write(ctx, "sparse", []indexing.Sel{indexing.Point(45)}, vas.Int64Scalar(7)))
	})

	snap, err = s.Latest(ctx)
	require.NoError(t, err)
	d, err = snap.Dataset("sparse")
	require.NoError(t, err)
	require.Equal(t, 1, d.NumChunks())

	got, err = d.Read(ctx, []indexing.Sel{indexing.Range(44, 47)})
	require.NoError(t, err)
	vals, err = got.Int64s()
	require.NoError(t, err)
	require.Equal(t, []int64{0, 7, 0}, vals)
}

func TestFillValue(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	meta := vas.DatasetMeta{
		Dtype:     vas.Int64,
		ChunkSize: []int{4},
		FillValue: vas.Int64Scalar(-1).Data,
	}
	require.NoError(t, tx.CreateDataset(ctx, "filled", []int{10}, meta))

	// Reads through the transaction synthesize the fill too.
	got, err := tx.Read(ctx, "filled", []indexing.Sel{indexing.Range(0, 3)})
	require.NoError(t, err)
	vals, err := got.Int64s()
	require.NoError(t, err)
	require.Equal(t, []int64{-1, -1, -1}, vals)

	// A partial write leaves the rest of the chunk at fill.
	require.NoError(t, tx.Write(ctx, "filled", []indexing.Sel{indexing.Point(1)}, vas.Int64Scalar(5)))
	_, err = tx.Commit(ctx, "v1")
	require.NoError(t, err)

	snap, err := s.Latest(ctx)
	require.NoError(t, err)
	d, err := snap.Dataset("filled")
	require.NoError(t, err)
	got, err = d.Read(ctx, nil)
	require.NoError(t, err)
	vals, err = got.Int64s()
	require.NoError(t, err)
	require.Equal(t, []int64{-1, 5, -1, -1, -1, -1, -1, -1, -1, -1}, vals)
}

func TestReadYourWrites(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	commit1D(t, s, "x", 10, 5, "base", nil)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Write(ctx, "x", []indexing.Sel{indexing.Point(3)}, vas.Int64Scalar(42)))

	// The transaction sees its own staging.
	got, err := tx.Read(ctx, "x", []indexing.Sel{indexing.Point(3)})
	require.NoError(t, err)
	vals, err := got.Int64s()
	require.NoError(t, err)
	require.Equal(t, []int64{42}, vals)

	// Committed snapshots do not.
	snap, err := s.Latest(ctx)
	require.NoError(t, err)
	d, err := snap.Dataset("x")
	require.NoError(t, err)
	got, err = d.Read(ctx, []indexing.Sel{indexing.Point(3)})
	require.NoError(t, err)
	vals, err = got.Int64s()
	require.NoError(t, err)
	require.Equal(t, []int64{0}, vals)

	require.NoError(t, tx.Abort(ctx))
}

func TestFinishedTx(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.CreateDataset(ctx, "x", []int{10}, int64Meta(5)))
	_, err = tx.Commit(ctx, "v1")
	require.NoError(t, err)

	require.ErrorIs(t, tx.Write(ctx, "x", nil, vas.Int64Scalar(1)), vas.ErrCommitted)
	_, err = tx.Read(ctx, "x", nil)
	require.ErrorIs(t, err, vas.ErrCommitted)
	_, err = tx.Commit(ctx, "v2")
	require.ErrorIs(t, err, vas.ErrCommitted)
	require.NoError(t, tx.Abort(ctx)) // no-op

	// The session is free for the next writer.
	tx2, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx2.Abort(ctx))
}

func TestSingleWriter(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	_, err = s.Begin(ctx)
	require.ErrorIs(t, err, vas.ErrBusy)

	require.ErrorIs(t, s.DeleteVersion(ctx, "whatever"), vas.ErrBusy)
	require.ErrorIs(t, s.Collect(ctx), vas.ErrBusy)

	require.NoError(t, tx.Abort(ctx))

	// Once the transaction is gone, collection runs again.
	require.NoError(t, s.Collect(ctx))

	tx2, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx2.Abort(ctx))
}

func TestReadOnlySession(t *testing.T) {
	s := openMem(t, ReadOnly())
	_, err := s.Begin(context.Background())
	require.ErrorIs(t, err, vas.ErrReadOnly)
}

func TestAbortRestoresState(t *testing.T) {
	ctx := context.Background()
	repo := mem.New()
	s, err := Open(repo)
	require.NoError(t, err)
	defer s.Close(ctx)

	countChunks := func() int {
		n := 0
		err := repo.ListChunks(ctx, vas.Key{}, func(vas.Key, int) error {
			n++
			return nil
		})
		require.NoError(t, err)
		return n
	}

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.CreateDataset(ctx, "x", []int{10}, int64Meta(5)))
	require.NoError(t, tx.Write(ctx, "x", nil, vas.Int64Scalar(3)))

	// Staging touches nothing in the container.
	require.Equal(t, 0, countChunks())

	require.NoError(t, tx.Abort(ctx))
	require.Equal(t, 0, countChunks())

	_, err = s.Latest(ctx)
	require.ErrorIs(t, err, vas.ErrNoVersion)

	// The identity registry was not touched either: the path can be
	// declared afresh with different metadata.
	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.CreateDataset(ctx, "x", []int{12}, int64Meta(6)))
	require.NoError(t, tx.Abort(ctx))
}

func TestTimestampQueries(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	v1 := commit1D(t, s, "x", 10, 5, "v1", nil)
	v2 := commit1D(t, s, "x", 10, 5, "v2", func(tx *Tx) {
		require.NoError(t, tx.Write(ctx, "x", []indexing.Sel{indexing.Point(0)}, vas.Int64Scalar(1)))
	})
	require.True(t, v2.Timestamp.After(v1.Timestamp))

	// At or after a commit resolves to it; in between resolves backward.
	snap, err := s.At(ctx, v1.Timestamp)
	require.NoError(t, err)
	require.Equal(t, "v1", snap.Name())

	snap, err = s.At(ctx, v2.Timestamp.Add(-time.Nanosecond))
	require.NoError(t, err)
	require.Equal(t, "v1", snap.Name())

	snap, err = s.At(ctx, v2.Timestamp.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, "v2", snap.Name())

	// Before the whole history is an error, not a default.
	_, err = s.At(ctx, v1.Timestamp.Add(-time.Nanosecond))
	require.ErrorIs(t, err, vas.ErrNoVersion)
}

func TestDeleteAndRecreate(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	commit1D(t, s, "x", 10, 5, "created", func(tx *Tx) {
		require.NoError(t, tx.Write(ctx, "x", nil, vas.Int64Scalar(3)))
	})

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.DeleteDataset(ctx, "x"))
	_, err = tx.Commit(ctx, "deleted")
	require.NoError(t, err)

	// The tombstone hides the dataset at and after "deleted"...
	snap, err := s.Version(ctx, "deleted")
	require.NoError(t, err)
	_, err = snap.Dataset("x")
	require.ErrorIs(t, err, vas.ErrNotFound)
	require.Empty(t, snap.Paths())

	// ...but not before.
	snap, err = s.Version(ctx, "created")
	require.NoError(t, err)
	d, err := snap.Dataset("x")
	require.NoError(t, err)
	got, err := d.Read(ctx, []indexing.Sel{indexing.Point(0)})
	require.NoError(t, err)
	vals, err := got.Int64s()
	require.NoError(t, err)
	require.Equal(t, []int64{3}, vals)

	// Recreation with different static metadata is a conflict.
	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, tx.CreateDataset(ctx, "x", []int{10}, int64Meta(4)), vas.ErrMetadataConflict)
	require.ErrorIs(t, tx.CreateDataset(ctx, "x", []int{10}, vas.DatasetMeta{Dtype: vas.Float64, ChunkSize: []int{5}}), vas.ErrMetadataConflict)

	// Identical metadata is fine, and the recreated dataset is empty.
	require.NoError(t, tx.CreateDataset(ctx, "x", []int{10}, int64Meta(5)))
	_, err = tx.Commit(ctx, "recreated")
	require.NoError(t, err)

	snap, err = s.Version(ctx, "recreated")
	require.NoError(t, err)
	d, err = snap.Dataset("x")
	require.NoError(t, err)
	require.Equal(t, 0, d.NumChunks())
	got, err = d.Read(ctx, []indexing.Sel{indexing.Point(0)})
	require.NoError(t, err)
	vals, err = got.Int64s()
	require.NoError(t, err)
	require.Equal(t, []int64{0}, vals)
}

func TestDeleteGroup(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	for _, path := range []string{"g/a", "g/b/c", "gx", "other"} {
		require.NoError(t, tx.CreateDataset(ctx, path, []int{10}, int64Meta(5)))
	}
	_, err = tx.Commit(ctx, "v1")
	require.NoError(t, err)

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.DeleteGroup(ctx, "g"))
	require.ErrorIs(t, tx.DeleteGroup(ctx, "missing"), vas.ErrNotFound)
	_, err = tx.Commit(ctx, "v2")
	require.NoError(t, err)

	snap, err := s.Latest(ctx)
	require.NoError(t, err)
	// "gx" shares the prefix bytes but is not under the group.
	require.Equal(t, []string{"gx", "other"}, snap.Paths())
}

func TestResize(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	vals := make([]int64, 25)
	for i := range vals {
		vals[i] = int64(i)
	}
	arr, err := vas.FromInt64s([]int{25}, vals)
	require.NoError(t, err)
	commit1D(t, s, "x", 25, 10, "full", func(tx *Tx) {
		require.NoError(t, tx.Write(ctx, "x", nil, arr))
	})

	// Shrink: chunks past the new extent drop out of the staged version.
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Resize(ctx, "x", []int{12}))
	require.Error(t, tx.Resize(ctx, "x", []int{12, 1})) // rank is fixed
	_, err = tx.Commit(ctx, "short")
	require.NoError(t, err)

	snap, err := s.Latest(ctx)
	require.NoError(t, err)
	d, err := snap.Dataset("x")
	require.NoError(t, err)
	require.Equal(t, []int{12}, d.Shape())
	require.Equal(t, 2, d.NumChunks())

	// Grow back. The boundary chunk survived the shrink with its full
	// payload, so its elements reappear; the dropped chunk's region
	// reads as fill.
	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Resize(ctx, "x", []int{25}))
	_, err = tx.Commit(ctx, "long")
	require.NoError(t, err)

	snap, err = s.Latest(ctx)
	require.NoError(t, err)
	d, err = snap.Dataset("x")
	require.NoError(t, err)
	got, err := d.Read(ctx, []indexing.Sel{indexing.Range(10, 25)})
	require.NoError(t, err)
	gotVals, err := got.Int64s()
	require.NoError(t, err)
	require.Equal(t, []int64{10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 0, 0, 0, 0, 0}, gotVals)

	// The earlier version still has the full contents.
	snap, err = s.Version(ctx, "full")
	require.NoError(t, err)
	d, err = snap.Dataset("x")
	require.NoError(t, err)
	got, err = d.Read(ctx, nil)
	require.NoError(t, err)
	gotVals, err = got.Int64s()
	require.NoError(t, err)
	require.Equal(t, vals, gotVals)
}

func TestSetAttr(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	commit1D(t, s, "x", 10, 5, "v1", func(tx *Tx) {
		require.NoError(t, tx.SetAttr(ctx, "x", "units", "m"))
	})
	commit1D(t, s, "x", 10, 5, "v2", func(tx *Tx) {
		require.NoError(t, tx.SetAttr(ctx, "x", "units", "ft"))
	})

	check := func(name, want string) {
		snap, err := s.Version(ctx, name)
		require.NoError(t, err)
		d, err := snap.Dataset("x")
		require.NoError(t, err)
		got, ok := d.Attr("units")
		require.True(t, ok)
		require.Equal(t, want, got)
	}
	check("v1", "m")
	check("v2", "ft")
}

func TestDeleteVersionAndCollect(t *testing.T) {
	ctx := context.Background()
	repo := mem.New()
	s, err := Open(repo)
	require.NoError(t, err)
	defer s.Close(ctx)

	commit1D(t, s, "x", 20, 10, "A", func(tx *Tx) {
		require.NoError(t, tx.Write(ctx, "x", []indexing.Sel{indexing.Range(0, 10)}, vas.Int64Scalar(1)))
	})
	commit1D(t, s, "x", 20, 10, "B", func(tx *Tx) {
		require.NoError(t, tx.Write(ctx, "x", []indexing.Sel{indexing.Range(10, 20)}, vas.Int64Scalar(2)))
	})

	b, err := s.Version(ctx, "B")
	require.NoError(t, err)
	shared := b.Manifest().Datasets["x"].Chunks["0"]    // also referenced by A
	exclusive := b.Manifest().Datasets["x"].Chunks["1"] // only in B

	n, err := repo.RefCount(ctx, shared)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = repo.RefCount(ctx, exclusive)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, s.DeleteVersion(ctx, "B"))
	require.NoError(t, s.Collect(ctx))

	// The shared chunk survives on A's reference; B's exclusive chunk
	// is gone.
	_, err = repo.GetChunk(ctx, shared)
	require.NoError(t, err)
	_, err = repo.GetChunk(ctx, exclusive)
	require.ErrorIs(t, err, vas.ErrNotFound)

	// A is intact.
	snap, err := s.Version(ctx, "A")
	require.NoError(t, err)
	d, err := snap.Dataset("x")
	require.NoError(t, err)
	got, err := d.Read(ctx, []indexing.Sel{indexing.Point(5)})
	require.NoError(t, err)
	vals, err := got.Int64s()
	require.NoError(t, err)
	require.Equal(t, []int64{1}, vals)
}

func TestCurrentAndNthPrevious(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	commit1D(t, s, "x", 10, 5, "v1", nil)
	commit1D(t, s, "x", 10, 5, "v2", nil)
	commit1D(t, s, "x", 10, 5, "v3", nil)

	// Current defaults to latest.
	snap, err := s.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, "v3", snap.Name())

	require.NoError(t, s.SetCurrent(ctx, "v2"))
	snap, err = s.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, "v2", snap.Name())

	require.ErrorIs(t, s.SetCurrent(ctx, "nope"), vas.ErrNotFound)

	v, err := s.NthPrevious(ctx, "v3", 2)
	require.NoError(t, err)
	require.Equal(t, "v1", v.Name)

	v, err = s.NthPrevious(ctx, "v3", 0)
	require.NoError(t, err)
	require.Equal(t, "v3", v.Name)

	_, err = s.NthPrevious(ctx, "v1", 1)
	require.Error(t, err)
	_, err = s.NthPrevious(ctx, "nope", 1)
	require.ErrorIs(t, err, vas.ErrNotFound)

	// Deleting the current version resets the pointer to latest.
	require.NoError(t, s.DeleteVersion(ctx, "v2"))
	snap, err = s.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, "v3", snap.Name())
}

func TestAutoName(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.CreateDataset(ctx, "x", []int{10}, int64Meta(5)))
	v, err := tx.Commit(ctx, "")
	require.NoError(t, err)
	require.Len(t, v.Name, 16) // 8 random bytes, hex

	snap, err := s.Version(ctx, v.Name)
	require.NoError(t, err)
	require.Equal(t, v.Name, snap.Name())
}

func Test2DWrite(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.CreateDataset(ctx, "grid", []int{4, 6}, int64Meta(2, 3)))

	block, err := vas.FromInt64s([]int{2, 2}, []int64{1, 2, 3, 4})
	require.NoError(t, err)
	require.NoError(t, tx.Write(ctx, "grid", []indexing.Sel{indexing.Range(1, 3), indexing.Range(2, 4)}, block))
	_, err = tx.Commit(ctx, "v1")
	require.NoError(t, err)

	snap, err := s.Latest(ctx)
	require.NoError(t, err)
	d, err := snap.Dataset("grid")
	require.NoError(t, err)

	got, err := d.Read(ctx, nil)
	require.NoError(t, err)
	vals, err := got.Int64s()
	require.NoError(t, err)
	require.Equal(t, []int64{
		0, 0, 0, 0, 0, 0,
		0, 0, 1, 2, 0, 0,
		0, 0, 3, 4, 0, 0,
		0, 0, 0, 0, 0, 0,
	}, vals)

	// Row read across chunk boundaries.
	got, err = d.Read(ctx, []indexing.Sel{indexing.Point(2), indexing.All()})
	require.NoError(t, err)
	require.Equal(t, []int{6}, got.Shape)
	vals, err = got.Int64s()
	require.NoError(t, err)
	require.Equal(t, []int64{0, 0, 3, 4, 0, 0}, vals)
}

func TestWriteValidation(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.CreateDataset(ctx, "x", []int{10}, int64Meta(5)))

	// Wrong dtype.
	f, err := vas.FromFloat64s([]int{1}, []float64{1})
	require.NoError(t, err)
	require.Error(t, tx.Write(ctx, "x", []indexing.Sel{indexing.Range(0, 1)}, f))

	// Shape mismatch with the selection.
	three, err := vas.FromInt64s([]int{3}, []int64{1, 2, 3})
	require.NoError(t, err)
	require.ErrorIs(t, tx.Write(ctx, "x", []indexing.Sel{indexing.Range(0, 2)}, three), vas.ErrInvalidIndex)

	// Out-of-bounds point.
	require.ErrorIs(t, tx.Write(ctx, "x", []indexing.Sel{indexing.Point(10)}, vas.Int64Scalar(1)), vas.ErrOutOfBounds)

	// Unknown dataset.
	require.ErrorIs(t, tx.Write(ctx, "nope", nil, vas.Int64Scalar(1)), vas.ErrNotFound)

	require.NoError(t, tx.Abort(ctx))
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	require.Error(t, tx.CreateDataset(ctx, "", []int{10}, int64Meta(5)))
	require.Error(t, tx.CreateDataset(ctx, "/abs", []int{10}, int64Meta(5)))
	require.Error(t, tx.CreateDataset(ctx, "x", []int{10}, int64Meta(5, 5)))
	require.Error(t, tx.CreateDataset(ctx, "x", []int{10}, int64Meta(0)))
	require.Error(t, tx.CreateDataset(ctx, "x", []int{-1}, int64Meta(5)))
	require.Error(t, tx.CreateDataset(ctx, "x", []int{10}, vas.DatasetMeta{Dtype: "int128", ChunkSize: []int{5}}))
	require.Error(t, tx.CreateDataset(ctx, "x", []int{10}, vas.DatasetMeta{Dtype: vas.Int64, ChunkSize: []int{5}, FillValue: []byte{1}}))

	require.NoError(t, tx.CreateDataset(ctx, "x", []int{10}, int64Meta(5)))
	require.Error(t, tx.CreateDataset(ctx, "x", []int{10}, int64Meta(5))) // duplicate

	require.NoError(t, tx.Abort(ctx))
}

func TestScalarDataset(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.CreateDataset(ctx, "scalar", nil, vas.DatasetMeta{Dtype: vas.Int64, ChunkSize: nil}))
	require.NoError(t, tx.Write(ctx, "scalar", nil, vas.Int64Scalar(99)))
	_, err = tx.Commit(ctx, "v1")
	require.NoError(t, err)

	snap, err := s.Latest(ctx)
	require.NoError(t, err)
	d, err := snap.Dataset("scalar")
	require.NoError(t, err)
	require.Equal(t, 1, d.NumChunks())

	got, err := d.Read(ctx, nil)
	require.NoError(t, err)
	require.True(t, got.Scalar())
	vals, err := got.Int64s()
	require.NoError(t, err)
	require.Equal(t, []int64{99}, vals)
}

// flakyRepo fails its nth call to one configured mutating operation,
// passing everything else through.
type flakyRepo struct {
	vas.Repository
	failOp    string
	failAfter int // calls to failOp that succeed before the injected failure
	calls     int
}

var errInjected = errors.New("injected failure")

func (f *flakyRepo) hit(op string) error {
	if op != f.failOp {
		return nil
	}
	f.calls++
	if f.calls > f.failAfter {
		return errInjected
	}
	return nil
}

func (f *flakyRepo) arm(op string, after int) {
	f.failOp, f.failAfter, f.calls = op, after, 0
}

func (f *flakyRepo) Retain(ctx context.Context, key vas.Key) (int, error) {
	if err := f.hit("retain"); err != nil {
		return 0, err
	}
	return f.Repository.Retain(ctx, key)
}

func (f *flakyRepo) Release(ctx context.Context, key vas.Key) (int, error) {
	if err := f.hit("release"); err != nil {
		return 0, err
	}
	return f.Repository.Release(ctx, key)
}

func (f *flakyRepo) PutVersion(ctx context.Context, v *vas.Version) error {
	if err := f.hit("putversion"); err != nil {
		return err
	}
	return f.Repository.PutVersion(ctx, v)
}

func TestCommitUnwind(t *testing.T) {
	ctx := context.Background()
	repo := &flakyRepo{Repository: mem.New()}
	s, err := Open(repo)
	require.NoError(t, err)
	defer s.Close(ctx)

	commit1D(t, s, "x", 20, 10, "A", func(tx *Tx) {
		require.NoError(t, tx.Write(ctx, "x", nil, vas.Int64Scalar(1)))
	})

	stateOf := func() map[vas.Key]int {
		m := make(map[vas.Key]int)
		err := repo.ListChunks(ctx, vas.Key{}, func(k vas.Key, n int) error {
			m[k] = n
			return nil
		})
		require.NoError(t, err)
		return m
	}
	before := stateOf()

	tryCommit := func(op string, after int) {
		t.Helper()

		repo.arm(op, after)
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Write(ctx, "x", nil, vas.Int64Scalar(7)))
		_, err = tx.Commit(ctx, "B")
		require.ErrorIs(t, err, errInjected)
		repo.arm("", 0)
		require.NoError(t, tx.Abort(ctx))

		// Chunk pool and refcounts are exactly as before the attempt.
		require.Equal(t, before, stateOf())
		latest, err := s.Latest(ctx)
		require.NoError(t, err)
		require.Equal(t, "A", latest.Name())
	}

	tryCommit("retain", 1)     // mid-retain
	tryCommit("putversion", 0) // at the publish step

	// The same commit goes through once nothing fails.
	commit1D(t, s, "x", 20, 10, "B", func(tx *Tx) {
		require.NoError(t, tx.Write(ctx, "x", nil, vas.Int64Scalar(7)))
	})
	snap, err := s.Latest(ctx)
	require.NoError(t, err)
	d, err := snap.Dataset("x")
	require.NoError(t, err)
	got, err := d.Read(ctx, []indexing.Sel{indexing.Point(0)})
	require.NoError(t, err)
	vals, err := got.Int64s()
	require.NoError(t, err)
	require.Equal(t, []int64{7}, vals)
}

func TestDeleteVersionInterrupted(t *testing.T) {
	ctx := context.Background()
	repo := &flakyRepo{Repository: mem.New()}
	s, err := Open(repo)
	require.NoError(t, err)
	defer s.Close(ctx)

	commit1D(t, s, "x", 20, 10, "A", func(tx *Tx) {
		require.NoError(t, tx.Write(ctx, "x", []indexing.Sel{indexing.Range(0, 10)}, vas.Int64Scalar(1)))
	})
	commit1D(t, s, "x", 20, 10, "B", func(tx *Tx) {
		require.NoError(t, tx.Write(ctx, "x", []indexing.Sel{indexing.Range(10, 20)}, vas.Int64Scalar(2)))
	})

	b, err := s.Version(ctx, "B")
	require.NoError(t, err)
	shared := b.Manifest().Datasets["x"].Chunks["0"] // also referenced by A

	// The deletion dies after releasing one of B's two references.
	repo.arm("release", 1)
	require.ErrorIs(t, s.DeleteVersion(ctx, "B"), errInjected)
	repo.arm("", 0)

	// The record went before the releases, so the retry stops at
	// ErrNotFound instead of releasing B's references a second time.
	require.ErrorIs(t, s.DeleteVersion(ctx, "B"), vas.ErrNotFound)

	// A's own reference keeps the shared chunk alive through a
	// collection, whichever release the interruption hit.
	n, err := repo.RefCount(ctx, shared)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)
	require.NoError(t, s.Collect(ctx))

	snap, err := s.Version(ctx, "A")
	require.NoError(t, err)
	d, err := snap.Dataset("x")
	require.NoError(t, err)
	got, err := d.Read(ctx, []indexing.Sel{indexing.Point(5)})
	require.NoError(t, err)
	vals, err := got.Int64s()
	require.NoError(t, err)
	require.Equal(t, []int64{1}, vals)
}

func TestBeginFrom(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	commit1D(t, s, "x", 10, 5, "A", func(tx *Tx) {
		require.NoError(t, tx.Write(ctx, "x", nil, vas.Int64Scalar(1)))
	})
	commit1D(t, s, "x", 10, 5, "B", func(tx *Tx) {
		require.NoError(t, tx.Write(ctx, "x", []indexing.Sel{indexing.Point(0)}, vas.Int64Scalar(2)))
	})

	// Branching from A, B's change is invisible.
	tx, err := s.BeginFrom(ctx, "A")
	require.NoError(t, err)
	got, err := tx.Read(ctx, "x", []indexing.Sel{indexing.Point(0)})
	require.NoError(t, err)
	vals, err := got.Int64s()
	require.NoError(t, err)
	require.Equal(t, []int64{1}, vals)

	require.NoError(t, tx.Write(ctx, "x", []indexing.Sel{indexing.Point(1)}, vas.Int64Scalar(3)))
	v, err := tx.Commit(ctx, "C")
	require.NoError(t, err)

	// The commit appends to the end of the history.
	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, "C", latest.Name())
	b, err := s.Version(ctx, "B")
	require.NoError(t, err)
	require.True(t, v.Timestamp.After(b.Manifest().Timestamp))

	// C is A plus the new write; B still has its own change.
	d, err := latest.Dataset("x")
	require.NoError(t, err)
	got, err = d.Read(ctx, []indexing.Sel{indexing.Range(0, 2)})
	require.NoError(t, err)
	vals, err = got.Int64s()
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3}, vals)

	bd, err := b.Dataset("x")
	require.NoError(t, err)
	got, err = bd.Read(ctx, []indexing.Sel{indexing.Point(0)})
	require.NoError(t, err)
	vals, err = got.Int64s()
	require.NoError(t, err)
	require.Equal(t, []int64{2}, vals)

	// An unknown parent fails and releases the writer lock.
	_, err = s.BeginFrom(ctx, "nope")
	require.ErrorIs(t, err, vas.ErrNotFound)
	tx2, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx2.Abort(ctx))
}

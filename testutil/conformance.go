// Package testutil holds conformance helpers exercised against every
// backing-container implementation.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vasdb/vas"
)

// Chunks tests a backend's chunk pool semantics: content addressing,
// reference counting, deletion idempotence, and ordered listing.
func Chunks(ctx context.Context, t *testing.T, s vas.Store) {
	var (
		c1 = vas.Chunk("chunk payload one")
		c2 = vas.Chunk("chunk payload two")
	)

	k1, added, err := s.PutChunk(ctx, c1)
	if err != nil {
		t.Fatal(err)
	}
	if !added {
		t.Error("first put of c1 reported added=false")
	}
	if k1 != c1.Key() {
		t.Errorf("got key %s, want %s", k1, c1.Key())
	}

	_, added, err = s.PutChunk(ctx, c1)
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Error("second put of c1 reported added=true")
	}

	k2, _, err := s.PutChunk(ctx, c2)
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetChunk(ctx, k1)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(c1) {
		t.Errorf("got %q, want %q", got, c1)
	}

	_, err = s.GetChunk(ctx, vas.Key{0xff})
	if !errors.Is(err, vas.ErrNotFound) {
		t.Errorf("got error %v, want ErrNotFound", err)
	}

	// A fresh chunk sits at refcount zero.
	n, err := s.RefCount(ctx, k1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("fresh chunk has refcount %d, want 0", n)
	}

	for want := 1; want <= 3; want++ {
		n, err = s.Retain(ctx, k1)
		if err != nil {
			t.Fatal(err)
		}
		if n != want {
			t.Errorf("got refcount %d, want %d", n, want)
		}
	}
	n, err = s.Release(ctx, k1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("got refcount %d, want 2", n)
	}

	if _, err = s.Release(ctx, k2); err == nil {
		t.Error("releasing a zero-count chunk did not fail")
	}
	if _, err = s.Retain(ctx, vas.Key{0xfe}); !errors.Is(err, vas.ErrNotFound) {
		t.Errorf("got error %v, want ErrNotFound", err)
	}

	// Listing is ordered and carries counts.
	var (
		prev  vas.Key
		first = true
		seen  = make(map[vas.Key]int)
	)
	err = s.ListChunks(ctx, vas.Key{}, func(key vas.Key, refs int) error {
		if !first && !prev.Less(key) {
			return fmt.Errorf("keys out of order: %s then %s", prev, key)
		}
		prev, first = key, false
		seen[key] = refs
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if seen[k1] != 2 {
		t.Errorf("listed refcount of k1 is %d, want 2", seen[k1])
	}
	if seen[k2] != 0 {
		t.Errorf("listed refcount of k2 is %d, want 0", seen[k2])
	}

	// Deletion is idempotent.
	if err = s.DeleteChunk(ctx, k2); err != nil {
		t.Fatal(err)
	}
	if err = s.DeleteChunk(ctx, k2); err != nil {
		t.Errorf("re-deleting a chunk failed: %v", err)
	}
	if _, err = s.GetChunk(ctx, k2); !errors.Is(err, vas.ErrNotFound) {
		t.Errorf("got error %v, want ErrNotFound", err)
	}
}

// Versions tests a backend's version index: ordering enforcement,
// at-or-before lookup, and deletion.
func Versions(ctx context.Context, t *testing.T, s vas.VersionStore) {
	t1 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	t3 := t2.Add(time.Hour)

	mkv := func(name string, at time.Time) *vas.Version {
		return &vas.Version{
			Name:      name,
			Timestamp: at,
			Datasets: map[string]*vas.DatasetEntry{
				"data/" + name: {
					Meta:  vas.DatasetMeta{Dtype: vas.Int64, ChunkSize: []int{10}},
					Shape: []int{25},
				},
			},
		}
	}

	if _, err := s.LatestVersion(ctx); !errors.Is(err, vas.ErrNoVersion) {
		t.Errorf("got error %v, want ErrNoVersion", err)
	}

	for _, v := range []*vas.Version{mkv("v1", t1), mkv("v2", t2), mkv("v3", t3)} {
		if err := s.PutVersion(ctx, v); err != nil {
			t.Fatal(err)
		}
	}

	// Timestamps must strictly increase, names must be unique.
	if err := s.PutVersion(ctx, mkv("v4", t3)); err == nil {
		t.Error("equal timestamp was accepted")
	}
	if err := s.PutVersion(ctx, mkv("v2", t3.Add(time.Hour))); err == nil {
		t.Error("duplicate name was accepted")
	}

	cases := []struct {
		at      time.Time
		want    string
		wantErr error
	}{
		{at: t1, want: "v1"},
		{at: t1.Add(time.Minute), want: "v1"},
		{at: t2, want: "v2"},
		{at: t2.Add(59 * time.Minute), want: "v2"},
		{at: t3, want: "v3"},
		{at: t3.Add(24 * time.Hour), want: "v3"},
		{at: t1.Add(-time.Minute), wantErr: vas.ErrNoVersion},
	}
	for i, c := range cases {
		t.Run(fmt.Sprintf("case_%02d", i+1), func(t *testing.T) {
			got, err := s.VersionAt(ctx, c.at)
			if c.wantErr != nil {
				if !errors.Is(err, c.wantErr) {
					t.Fatalf("got error %v, want %v", err, c.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.Name != c.want {
				t.Errorf("got %s, want %s", got.Name, c.want)
			}
		})
	}

	latest, err := s.LatestVersion(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Name != "v3" {
		t.Errorf("latest is %s, want v3", latest.Name)
	}

	v2, err := s.Version(ctx, "v2")
	if err != nil {
		t.Fatal(err)
	}
	if entry := v2.Entry("data/v2"); entry == nil || entry.Shape[0] != 25 {
		t.Error("manifest did not round-trip")
	}

	var names []string
	err = s.ListVersions(ctx, func(v *vas.Version) error {
		names = append(names, v.Name)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 3 || names[0] != "v1" || names[1] != "v2" || names[2] != "v3" {
		t.Errorf("listed %v, want [v1 v2 v3]", names)
	}

	if err = s.DeleteVersion(ctx, "v2"); err != nil {
		t.Fatal(err)
	}
	if _, err = s.Version(ctx, "v2"); !errors.Is(err, vas.ErrNotFound) {
		t.Errorf("got error %v, want ErrNotFound", err)
	}
	if err = s.DeleteVersion(ctx, "v2"); !errors.Is(err, vas.ErrNotFound) {
		t.Errorf("got error %v, want ErrNotFound", err)
	}

	got, err := s.VersionAt(ctx, t2.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "v1" {
		t.Errorf("after deleting v2, lookup at t2+1m is %s, want v1", got.Name)
	}
}

// Metas tests the static-metadata registry.
func Metas(ctx context.Context, t *testing.T, s vas.MetaStore) {
	if _, err := s.DatasetMeta(ctx, "unknown"); !errors.Is(err, vas.ErrNotFound) {
		t.Errorf("got error %v, want ErrNotFound", err)
	}

	meta := vas.DatasetMeta{Dtype: vas.Float64, ChunkSize: []int{4, 8}, FillValue: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	if err := s.PutDatasetMeta(ctx, "a/b", meta); err != nil {
		t.Fatal(err)
	}
	got, err := s.DatasetMeta(ctx, "a/b")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(meta) {
		t.Errorf("got %+v, want %+v", got, meta)
	}
}

// Lock tests the single-writer lock.
func Lock(ctx context.Context, t *testing.T, s vas.Locker) {
	if err := s.Lock(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Lock(ctx); !errors.Is(err, vas.ErrBusy) {
		t.Errorf("got error %v, want ErrBusy", err)
	}
	if err := s.Unlock(); err != nil {
		t.Fatal(err)
	}
	if err := s.Lock(ctx); err != nil {
		t.Errorf("relocking after unlock failed: %v", err)
	}
	if err := s.Unlock(); err != nil {
		t.Fatal(err)
	}
}

// Repository runs the full conformance suite.
func Repository(ctx context.Context, t *testing.T, r vas.Repository) {
	t.Run("chunks", func(t *testing.T) { Chunks(ctx, t, r) })
	t.Run("versions", func(t *testing.T) { Versions(ctx, t, r) })
	t.Run("metas", func(t *testing.T) { Metas(ctx, t, r) })
	t.Run("lock", func(t *testing.T) { Lock(ctx, t, r) })
}

package session

import (
	"context"
	"sort"
	"time"

	"github.com/vasdb/vas"
	"github.com/vasdb/vas/indexing"
)

// Snapshot is a read-only view of one committed version.
// Snapshots are immutable: they expose no mutating operations, so a
// reopened container's history is structurally read-only.
type Snapshot struct {
	g vas.Getter
	v *vas.Version
}

// Name returns the version's name.
func (sn *Snapshot) Name() string {
	return sn.v.Name
}

// Timestamp returns the version's commit time.
func (sn *Snapshot) Timestamp() time.Time {
	return sn.v.Timestamp
}

// Manifest returns the underlying version record.
// Callers must not modify it.
func (sn *Snapshot) Manifest() *vas.Version {
	return sn.v
}

// Paths returns the live dataset paths in the snapshot, sorted.
func (sn *Snapshot) Paths() []string {
	out := make([]string, 0, len(sn.v.Datasets))
	for path, entry := range sn.v.Datasets {
		if !entry.Deleted {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

// Dataset returns a read-only handle on a dataset in the snapshot.
// A tombstoned or never-created path yields vas.ErrNotFound.
func (sn *Snapshot) Dataset(path string) (*Dataset, error) {
	entry := sn.v.Entry(path)
	if entry == nil {
		return nil, vas.ErrNotFound
	}
	return &Dataset{g: sn.g, path: path, entry: entry}, nil
}

// Dataset is a read-only handle on one dataset at one version.
type Dataset struct {
	g     vas.Getter
	path  string
	entry *vas.DatasetEntry
}

// Path returns the dataset's path.
func (d *Dataset) Path() string {
	return d.path
}

// Meta returns the dataset's static identity.
func (d *Dataset) Meta() vas.DatasetMeta {
	return d.entry.Meta
}

// Shape returns the dataset's shape at this version.
func (d *Dataset) Shape() []int {
	return append([]int(nil), d.entry.Shape...)
}

// Attr returns a dataset attribute.
func (d *Dataset) Attr(key string) (string, bool) {
	v, ok := d.entry.Attrs[key]
	return v, ok
}

// NumChunks returns how many chunks back the dataset at this version.
// Sparse coordinates have no backing chunk and are not counted.
func (d *Dataset) NumChunks() int {
	return len(d.entry.Chunks)
}

// Read resolves sel to chunk coordinates and assembles the selected
// elements, synthesizing the fill value for sparse coordinates.
// A nil sel reads the whole dataset.
func (d *Dataset) Read(ctx context.Context, sel []indexing.Sel) (*vas.Array, error) {
	return readEntry(ctx, d.g, d.entry, sel, nil)
}

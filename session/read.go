package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/vasdb/vas"
	"github.com/vasdb/vas/indexing"
)

// readEntry assembles the elements a selection touches from an entry's
// chunks. A coordinate present in staged overrides the committed chunk;
// a coordinate with no chunk at all reads as the fill value with no
// storage I/O. Distinct chunks are fetched in parallel.
func readEntry(ctx context.Context, g vas.Getter, entry *vas.DatasetEntry, sel []indexing.Sel, staged map[string][]byte) (*vas.Array, error) {
	meta := entry.Meta
	plan, err := indexing.NewPlan(entry.Shape, meta.ChunkSize, sel)
	if err != nil {
		return nil, err
	}

	out := vas.NewFilled(meta.Dtype, plan.OutDims, meta.Fill())
	out.Shape = plan.Shape

	chunkLen := vas.Numel(meta.ChunkSize) * meta.Dtype.Size()

	// Fetch each distinct committed chunk once, concurrently.
	var (
		mu      sync.Mutex
		payload = make(map[vas.Key][]byte)
	)
	grp, gctx := errgroup.WithContext(ctx)
	for _, slice := range plan.Slices {
		ck := indexing.CoordKey(slice.Coord)
		if _, ok := staged[ck]; ok {
			continue
		}
		key, ok := entry.Chunks[ck]
		if !ok {
			continue // sparse: fill value already in place
		}

		mu.Lock()
		_, seen := payload[key]
		if !seen {
			payload[key] = nil
		}
		mu.Unlock()
		if seen {
			continue
		}

		grp.Go(func() error {
			c, err := g.GetChunk(gctx, key)
			if errors.Is(err, vas.ErrNotFound) {
				return errors.Wrapf(err, "corrupt container: referenced chunk %s is missing", key)
			}
			if err != nil {
				return errors.Wrapf(err, "getting chunk %s", key)
			}
			if len(c) != chunkLen {
				return errors.Errorf("corrupt container: chunk %s is %d bytes, want %d", key, len(c), chunkLen)
			}
			mu.Lock()
			payload[key] = c
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	for _, slice := range plan.Slices {
		ck := indexing.CoordKey(slice.Coord)
		var src []byte
		if buf, ok := staged[ck]; ok {
			src = buf
		} else if key, ok := entry.Chunks[ck]; ok {
			src = payload[key]
		} else {
			continue
		}
		err = indexing.CopySpans(out.Data, plan.OutDims, slice.OutSel, src, meta.ChunkSize, slice.ChunkSel, meta.Dtype.Size())
		if err != nil {
			return nil, errors.Wrapf(err, "assembling chunk %s", ck)
		}
	}
	return out, nil
}

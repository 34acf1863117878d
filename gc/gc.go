// Package gc reclaims chunks no longer reachable from any live version.
package gc

import (
	"context"

	"github.com/vasdb/vas"
)

// Run runs a garbage collection on s: every chunk whose reference count
// is zero and that is not protected by k is deleted.
//
// Run is idempotent. Deleting an already-deleted chunk is a no-op at the
// store level, so a collection interrupted partway can simply be re-run.
// Chunks with positive counts are never touched, which makes Run safe to
// execute concurrently with reads of still-referenced chunks.
func Run(ctx context.Context, s vas.Store, k Keep) error {
	return s.ListChunks(ctx, vas.Key{}, func(key vas.Key, refs int) error {
		if refs > 0 {
			return nil
		}
		if k != nil {
			found, err := k.Contains(ctx, key)
			if err != nil {
				return err
			}
			if found {
				return nil
			}
		}
		return s.DeleteChunk(ctx, key)
	})
}

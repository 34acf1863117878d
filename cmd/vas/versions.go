package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/vasdb/vas"
)

func (c maincmd) versions(ctx context.Context, _ []string) error {
	return c.s.Versions(ctx, func(v *vas.Version) error {
		live := 0
		for _, entry := range v.Datasets {
			if !entry.Deleted {
				live++
			}
		}
		fmt.Printf("%s\t%s\t%d datasets\n", v.Timestamp.Format(vas.TimeLayout), v.Name, live)
		return nil
	})
}

func (c maincmd) deleteVersion(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("missing version name")
	}
	return c.s.DeleteVersion(ctx, args[0])
}

func (c maincmd) gc(ctx context.Context, _ []string) error {
	return c.s.Collect(ctx)
}

// unlock breaks a writer lock left behind by a dead process. The SQL
// stores persist their writer row; the other stores release on process
// exit and have nothing to break.
func (c maincmd) unlock(ctx context.Context, _ []string) error {
	b, ok := c.repo.(interface{ BreakLock(context.Context) error })
	if !ok {
		return errors.New("this store's writer lock releases on process exit")
	}
	return b.BreakLock(ctx)
}

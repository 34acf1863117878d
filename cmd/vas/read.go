package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

func (c maincmd) info(ctx context.Context, version, atstr string, _ []string) error {
	snap, err := c.snapshot(ctx, version, atstr)
	if err != nil {
		return errors.Wrap(err, "resolving version")
	}

	fmt.Printf("version %s (%s)\n", snap.Name(), snap.Timestamp().Format("2006-01-02 15:04:05"))
	for _, path := range snap.Paths() {
		ds, err := snap.Dataset(path)
		if err != nil {
			return errors.Wrapf(err, "opening dataset %s", path)
		}
		meta := ds.Meta()
		fmt.Printf("  %s\t%s %v\tchunks %v (%d stored)\n", path, meta.Dtype, ds.Shape(), meta.ChunkSize, ds.NumChunks())
	}
	return nil
}

func (c maincmd) read(ctx context.Context, version, atstr string, args []string) error {
	if len(args) == 0 {
		return errors.New("missing dataset path")
	}

	snap, err := c.snapshot(ctx, version, atstr)
	if err != nil {
		return errors.Wrap(err, "resolving version")
	}

	ds, err := snap.Dataset(args[0])
	if err != nil {
		return errors.Wrapf(err, "opening dataset %s", args[0])
	}

	arr, err := ds.Read(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "reading dataset %s", args[0])
	}

	fmt.Println(arr)
	return nil
}

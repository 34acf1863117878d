package indexing

import (
	"github.com/pkg/errors"

	"github.com/vasdb/vas"
)

// ChunkSlice is one chunk touched by a selection: the chunk's
// coordinate, the sub-region of the chunk payload selected, and the
// region of the (full-rank) output buffer it corresponds to.
type ChunkSlice struct {
	Coord    []int
	ChunkSel []Span
	OutSel   []Span
}

// Plan is the result of resolving a selection against a dataset's shape
// and chunk size.
//
// Shape is the result shape with point axes collapsed; a fully-scalar
// selection has a nil Shape. OutDims is the full-rank output extent
// (point axes kept with length 1): because the layout is row-major,
// a buffer of OutDims elements holds the Shape result directly.
type Plan struct {
	Shape   []int
	OutDims []int
	Slices  []ChunkSlice
}

// dimProj is the projection of the selection onto one axis for one
// chunk index along that axis.
type dimProj struct {
	chunk    int
	chunkSel Span
	outSel   Span
}

// NewPlan resolves sel against a dataset of the given shape and per-axis
// chunk size. A nil sel selects everything.
//
// A point index outside the shape fails with vas.ErrOutOfBounds; a
// wrong-rank selection or malformed span fails with vas.ErrInvalidIndex.
// Spans are clamped to the shape, so an over-long slice is not an error.
// A zero-size dataset, or an empty span, yields a plan with no slices.
func NewPlan(shape, chunkSize []int, sel []Sel) (*Plan, error) {
	if len(chunkSize) != len(shape) {
		return nil, errors.Wrapf(vas.ErrInvalidIndex, "chunk size has rank %d, shape rank %d", len(chunkSize), len(shape))
	}
	for _, c := range chunkSize {
		if c < 1 {
			return nil, errors.Wrap(vas.ErrInvalidIndex, "non-positive chunk size")
		}
	}
	if sel == nil {
		sel = make([]Sel, len(shape))
		for d := range sel {
			sel[d] = All()
		}
	}
	if len(sel) != len(shape) {
		return nil, errors.Wrapf(vas.ErrInvalidIndex, "selection has rank %d, shape rank %d", len(sel), len(shape))
	}

	plan := &Plan{OutDims: make([]int, len(shape))}
	projs := make([][]dimProj, len(shape))
	empty := false

	for d, s := range sel {
		var span Span
		switch {
		case s.point:
			if s.index < 0 || s.index >= shape[d] {
				return nil, errors.Wrapf(vas.ErrOutOfBounds, "index %d on axis %d of extent %d", s.index, d, shape[d])
			}
			span = Span{Start: s.index, Stop: s.index + 1, Step: 1}
		case s.all:
			span = Span{Start: 0, Stop: shape[d], Step: 1}
		default:
			span = s.span
			if span.Step < 1 || span.Start < 0 || span.Stop < span.Start {
				return nil, errors.Wrapf(vas.ErrInvalidIndex, "bad span %+v on axis %d", span, d)
			}
			if span.Stop > shape[d] {
				span.Stop = shape[d]
			}
			if span.Start > shape[d] {
				span.Start = shape[d]
			}
		}

		n := span.Len()
		plan.OutDims[d] = n
		if !s.point {
			plan.Shape = append(plan.Shape, n)
		}
		if n == 0 {
			empty = true
			continue
		}
		projs[d] = axisProjs(span, chunkSize[d])
	}

	if empty {
		return plan, nil
	}

	plan.Slices = crossProjs(projs)
	return plan, nil
}

// axisProjs computes, for one axis, the chunks intersected by span and
// the chunk-local and output-local sub-spans per chunk.
func axisProjs(span Span, cs int) []dimProj {
	var out []dimProj
	last := span.Start + (span.Len()-1)*span.Step
	for ci := span.Start / cs; ci <= last/cs; ci++ {
		cstart := ci * cs
		cstop := cstart + cs
		if cstop > span.Stop {
			cstop = span.Stop
		}

		// First selected element at or after cstart.
		first := span.Start
		if cstart > first {
			first += (cstart - first + span.Step - 1) / span.Step * span.Step
		}
		if first >= cstop {
			continue
		}
		lastIn := first + (cstop-1-first)/span.Step*span.Step

		out = append(out, dimProj{
			chunk:    ci,
			chunkSel: Span{Start: first - cstart, Stop: lastIn - cstart + 1, Step: span.Step},
			outSel:   Span{Start: (first - span.Start) / span.Step, Stop: (lastIn-span.Start)/span.Step + 1, Step: 1},
		})
	}
	return out
}

// crossProjs takes the cartesian product of per-axis projections,
// producing one ChunkSlice per touched chunk. With zero axes the product
// is a single scalar slice.
func crossProjs(projs [][]dimProj) []ChunkSlice {
	total := 1
	for _, p := range projs {
		total *= len(p)
	}
	out := make([]ChunkSlice, 0, total)
	idx := make([]int, len(projs))
	for {
		cs := ChunkSlice{
			Coord:    make([]int, len(projs)),
			ChunkSel: make([]Span, len(projs)),
			OutSel:   make([]Span, len(projs)),
		}
		for d, i := range idx {
			p := projs[d][i]
			cs.Coord[d] = p.chunk
			cs.ChunkSel[d] = p.chunkSel
			cs.OutSel[d] = p.outSel
		}
		out = append(out, cs)

		d := len(projs) - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < len(projs[d]) {
				break
			}
			idx[d] = 0
		}
		if d < 0 {
			break
		}
	}
	return out
}

// Package indexing maps index expressions over a dataset's shape to the
// set of chunk coordinates they touch.
//
// It is pure: nothing here reads or writes storage. Plan computes, for
// an arbitrary point/slice selection, the minimal set of chunks
// intersected and, per chunk, the sub-region of the chunk and of the
// result buffer involved. CopySpans moves elements between chunk
// payloads and result buffers along those sub-regions.
package indexing

// Span is a half-open, strided range [Start, Stop) with stride Step.
type Span struct {
	Start, Stop, Step int
}

// Len returns the number of elements the span selects.
func (s Span) Len() int {
	if s.Stop <= s.Start {
		return 0
	}
	return (s.Stop - s.Start + s.Step - 1) / s.Step
}

// Sel selects elements along one axis: either a single point index,
// which collapses the axis in the result, or a span.
type Sel struct {
	point bool
	index int
	span  Span
	all   bool
}

// Point selects the single index i, collapsing the axis.
func Point(i int) Sel {
	return Sel{point: true, index: i}
}

// Range selects the half-open range [start, stop).
func Range(start, stop int) Sel {
	return Sel{span: Span{Start: start, Stop: stop, Step: 1}}
}

// StridedRange selects every step'th element of [start, stop).
func StridedRange(start, stop, step int) Sel {
	return Sel{span: Span{Start: start, Stop: stop, Step: step}}
}

// All selects the whole axis.
func All() Sel {
	return Sel{all: true}
}

// IsPoint reports whether the selector is a point index.
func (s Sel) IsPoint() bool {
	return s.point
}

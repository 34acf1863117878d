package indexing

import "fmt"

// CopySpans copies the elements selected by srcSel within a row-major
// src buffer of extent srcDims to the positions selected by dstSel
// within dst of extent dstDims. Each element is elemSize bytes. The
// per-axis selection lengths must match between source and destination.
//
// Reading a chunk gathers with src = the chunk payload and dst = the
// result buffer; writing scatters the other way around.
func CopySpans(dst []byte, dstDims []int, dstSel []Span, src []byte, srcDims []int, srcSel []Span, elemSize int) error {
	if len(dstSel) != len(srcSel) || len(dstDims) != len(srcDims) || len(dstDims) != len(dstSel) {
		return fmt.Errorf("rank mismatch: dst %d/%d, src %d/%d", len(dstDims), len(dstSel), len(srcDims), len(srcSel))
	}
	for d := range srcSel {
		if srcSel[d].Len() != dstSel[d].Len() {
			return fmt.Errorf("axis %d: source selects %d elements, destination %d", d, srcSel[d].Len(), dstSel[d].Len())
		}
	}
	copySpans(dst, strides(dstDims, elemSize), dstSel, src, strides(srcDims, elemSize), srcSel, elemSize, 0, 0, 0)
	return nil
}

// strides returns the row-major byte stride per axis.
func strides(dims []int, elemSize int) []int {
	out := make([]int, len(dims))
	s := elemSize
	for d := len(dims) - 1; d >= 0; d-- {
		out[d] = s
		s *= dims[d]
	}
	return out
}

func copySpans(dst []byte, dstStride []int, dstSel []Span, src []byte, srcStride []int, srcSel []Span, elemSize, axis, dstOff, srcOff int) {
	if axis == len(srcSel) {
		copy(dst[dstOff:dstOff+elemSize], src[srcOff:srcOff+elemSize])
		return
	}

	// Contiguous innermost axis: one copy for the whole run.
	if axis == len(srcSel)-1 && srcSel[axis].Step == 1 && dstSel[axis].Step == 1 {
		n := srcSel[axis].Len() * elemSize
		d := dstOff + dstSel[axis].Start*dstStride[axis]
		s := srcOff + srcSel[axis].Start*srcStride[axis]
		copy(dst[d:d+n], src[s:s+n])
		return
	}

	ds := dstSel[axis]
	ss := srcSel[axis]
	for i, j := ss.Start, ds.Start; i < ss.Stop; i, j = i+ss.Step, j+ds.Step {
		copySpans(dst, dstStride, dstSel, src, srcStride, srcSel, elemSize,
			axis+1, dstOff+j*dstStride[axis], srcOff+i*srcStride[axis])
	}
}

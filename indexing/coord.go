package indexing

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CoordKey encodes a chunk coordinate as a dot-separated string,
// the form used in version manifests: [1, 4] -> "1.4".
// The empty coordinate (a rank-0 dataset's only chunk) encodes as "0".
func CoordKey(coord []int) string {
	if len(coord) == 0 {
		return "0"
	}
	if len(coord) == 1 {
		return strconv.Itoa(coord[0])
	}
	var sb strings.Builder
	for i, c := range coord {
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(strconv.Itoa(c))
	}
	return sb.String()
}

// ParseCoordKey decodes a CoordKey back into a coordinate.
func ParseCoordKey(s string) ([]int, error) {
	parts := strings.Split(s, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing coordinate %q", s)
		}
		out[i] = n
	}
	return out, nil
}

// NumChunks returns the per-axis chunk counts for a shape:
// ceil(extent / chunk size), so the last chunk on an axis may be
// partial. A zero extent on any axis means zero chunks overall.
func NumChunks(shape, chunkSize []int) []int {
	out := make([]int, len(shape))
	for d, n := range shape {
		out[d] = (n + chunkSize[d] - 1) / chunkSize[d]
	}
	return out
}

// InShape reports whether a chunk coordinate lies within the chunk grid
// of the given shape.
func InShape(coord, shape, chunkSize []int) bool {
	if len(coord) != len(shape) {
		return false
	}
	counts := NumChunks(shape, chunkSize)
	for d, c := range coord {
		if c < 0 || c >= counts[d] {
			return false
		}
	}
	return true
}

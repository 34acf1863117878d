package vas

import "bytes"

// DatasetMeta is the static identity of a dataset: the metadata that must
// not change across versions once the dataset's path has been created,
// even if the dataset is deleted and later recreated under the same path.
type DatasetMeta struct {
	Dtype     Dtype  `json:"dtype"`
	ChunkSize []int  `json:"chunk_size"`
	FillValue []byte `json:"fill_value,omitempty"`
}

// Equal reports whether two static identities match. A nil fill value
// and an explicit all-zero fill value are the same identity.
func (m DatasetMeta) Equal(other DatasetMeta) bool {
	if m.Dtype != other.Dtype {
		return false
	}
	if len(m.ChunkSize) != len(other.ChunkSize) {
		return false
	}
	for i, c := range m.ChunkSize {
		if other.ChunkSize[i] != c {
			return false
		}
	}
	return bytes.Equal(m.normFill(), other.normFill())
}

func (m DatasetMeta) normFill() []byte {
	if len(m.FillValue) == 0 {
		return make([]byte, m.Dtype.Size())
	}
	return m.FillValue
}

// Fill returns the element bytes synthesized for unbacked reads.
func (m DatasetMeta) Fill() []byte {
	return m.normFill()
}

// DatasetEntry is the state of one dataset within one version: its static
// identity, its shape as of that version, its attributes, and the mapping
// from chunk coordinate (in indexing.CoordKey form) to chunk key.
// Coordinates absent from Chunks are sparse and read as the fill value.
//
// Deleted marks a tombstone: the dataset was removed as of that version.
// A tombstone carries no chunk references.
type DatasetEntry struct {
	Meta    DatasetMeta       `json:"meta"`
	Shape   []int             `json:"shape"`
	Attrs   map[string]string `json:"attrs,omitempty"`
	Chunks  map[string]Key    `json:"chunks,omitempty"`
	Deleted bool              `json:"deleted,omitempty"`
}

// Clone returns a deep copy of e.
func (e *DatasetEntry) Clone() *DatasetEntry {
	out := &DatasetEntry{
		Meta:    e.Meta,
		Shape:   append([]int(nil), e.Shape...),
		Deleted: e.Deleted,
	}
	if e.Attrs != nil {
		out.Attrs = make(map[string]string, len(e.Attrs))
		for k, v := range e.Attrs {
			out.Attrs[k] = v
		}
	}
	if e.Chunks != nil {
		out.Chunks = make(map[string]Key, len(e.Chunks))
		for k, v := range e.Chunks {
			out.Chunks[k] = v
		}
	}
	return out
}

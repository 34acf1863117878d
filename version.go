package vas

import (
	"sort"
	"time"
)

// TimeLayout is the fixed-width timestamp format used wherever version
// times are persisted as text. Unlike RFC3339Nano it never trims zeros,
// so lexicographic order matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Version is an immutable snapshot of the dataset tree.
// Timestamp strictly increases across committed versions;
// Datasets maps each live or tombstoned dataset path to its entry.
type Version struct {
	Name      string                   `json:"name"`
	Timestamp time.Time                `json:"timestamp"`
	Datasets  map[string]*DatasetEntry `json:"datasets"`
}

// Entry returns the entry for path, or nil if path is absent or
// tombstoned in this version.
func (v *Version) Entry(path string) *DatasetEntry {
	e, ok := v.Datasets[path]
	if !ok || e.Deleted {
		return nil
	}
	return e
}

// Clone returns a deep copy of v.
func (v *Version) Clone() *Version {
	out := &Version{
		Name:      v.Name,
		Timestamp: v.Timestamp,
		Datasets:  make(map[string]*DatasetEntry, len(v.Datasets)),
	}
	for path, e := range v.Datasets {
		out.Datasets[path] = e.Clone()
	}
	return out
}

// TimeVersion is a version-name / timestamp pair.
// A VersionStore's history is, abstractly, a time-ordered list of these.
type TimeVersion struct {
	T    time.Time
	Name string
}

// FindVersion is a helper for finding, in a list of TimeVersions sorted
// by time, the latest version whose timestamp is not later than `at`.
// It returns ErrNoVersion if every entry is later than `at`.
func FindVersion(pairs []TimeVersion, at time.Time) (string, error) {
	index := sort.Search(len(pairs), func(n int) bool {
		return !pairs[n].T.Before(at)
	})
	if index < len(pairs) && pairs[index].T.Equal(at) {
		return pairs[index].Name, nil
	}
	if index == 0 {
		return "", ErrNoVersion
	}
	return pairs[index-1].Name, nil
}

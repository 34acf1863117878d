package gc

import (
	"context"
	"sync"

	"github.com/vasdb/vas"
)

// Keep is a set of chunk keys to protect from garbage collection even
// when their reference counts are zero, such as chunks staged by an
// in-progress operation that has not yet retained them.
type Keep interface {
	// Add adds a single key to the Keep.
	// It returns true if it was newly added and false if it was already
	// present.
	Add(context.Context, vas.Key) (bool, error)

	// Contains tells whether a key is in the Keep.
	Contains(context.Context, vas.Key) (bool, error)
}

// MemKeep is an in-memory Keep.
type MemKeep struct {
	mu sync.Mutex
	m  map[vas.Key]struct{}
}

var _ Keep = &MemKeep{}

func NewMemKeep() *MemKeep {
	return &MemKeep{m: make(map[vas.Key]struct{})}
}

// Add implements Keep.Add.
func (k *MemKeep) Add(_ context.Context, key vas.Key) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.m[key]; ok {
		return false, nil
	}
	k.m[key] = struct{}{}
	return true, nil
}

// Contains implements Keep.Contains.
func (k *MemKeep) Contains(_ context.Context, key vas.Key) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	_, ok := k.m[key]
	return ok, nil
}

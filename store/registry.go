// Package store provides a registry of backing-container factories,
// so containers can be created from configuration by type name.
package store

import (
	"context"
	"fmt"

	"github.com/vasdb/vas"
)

// Factory builds a Repository from configuration.
type Factory func(context.Context, map[string]interface{}) (vas.Repository, error)

var registry = make(map[string]Factory)

// Register associates a factory with a type name.
// Backends call this from init.
func Register(key string, f Factory) {
	registry[key] = f
}

// Create builds a Repository of the named type.
func Create(ctx context.Context, key string, conf map[string]interface{}) (vas.Repository, error) {
	f, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("key %s not found in registry", key)
	}
	return f(ctx, conf)
}

// Package kv defines the key-value persistence port shared by the
// governance components. Each component owns a single namespace key and
// round-trips its full state as a JSON document.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when no value exists for the key.
var ErrNotFound = errors.New("kv: not found")

// Store is the persistence boundary injected into each component.
type Store interface {
	Save(ctx context.Context, key string, value []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
}

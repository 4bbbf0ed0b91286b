// Package store provides a simple persistent atomic store for usage and
// quota settings.
package store

import (
	"context"
	"errors"
)

type Value struct {
	SizeBytes int64
}

// Record is a single key and its value, as returned by Scan.
type Record struct {
	Key   string `json:"key"`
	Value Value  `json:"value"`
}

var ErrNotFound = errors.New("not found")

type Store interface {
	// Get returns the value associated with key, or ErrNotFound.
	Get(ctx context.Context, key string) (Value, error)
	// Set associates value with key.
	Set(ctx context.Context, key string, value Value) error
	// AddSizeBytes adds to the SizeBytes field of the Value associated
	// with key.  It creates a new blank Value if needed.
	AddSizeBytes(ctx context.Context, key string, numBytes int64) error
	// Scan returns all records whose key starts with prefix, ordered by
	// key.
	Scan(ctx context.Context, prefix string) ([]Record, error)
}

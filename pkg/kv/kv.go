// Package kv stores the bounded right-key → score mapping of every left key
// for top-N runs.
package kv

import (
	"context"
	"errors"

	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

var (
	// ErrNotFound is returned by Get when a left key has no mapping.
	ErrNotFound = errors.New("kv: not found")

	// ErrConflict is returned by Update when concurrent writers kept
	// invalidating the read-modify-write after all retries.
	ErrConflict = errors.New("kv: too many conflicting updates")
)

// Scores maps right keys to scores.
type Scores = map[types.Key]float32

// UpdateFunc receives the current mapping (empty when absent) and returns
// the mapping to store. It may run more than once and must not retain cur.
type UpdateFunc func(cur Scores) Scores

// Store is a keyed store of bounded score mappings.
type Store interface {
	// Get returns the mapping stored for left.
	Get(ctx context.Context, left types.Key) (Scores, error)

	// Update atomically replaces the mapping of left with fn(current).
	Update(ctx context.Context, left types.Key, fn UpdateFunc) error

	// Close releases the store.
	Close() error
}

// DefaultMaxRetries bounds optimistic transaction retries.
const DefaultMaxRetries = 32

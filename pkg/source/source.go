// Package source loads keyed vectors from external stores.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// Common errors returned by sources.
var (
	ErrNoDimensionality = errors.New("source: dimensionality unknown and no valid vector to infer it from")
	ErrClosed           = errors.New("source: closed")
)

// Source supplies vectors by key. A key whose vector is absent from the
// Vectors result, or has the wrong length, is null.
type Source interface {
	// Keys lists every key in the source.
	Keys(ctx context.Context) ([]types.Key, error)

	// Vectors fetches the vectors of keys. Missing keys are omitted.
	Vectors(ctx context.Context, keys []types.Key) (map[types.Key][]float32, error)

	// Dimensionality is the declared vector length, or 0 when the source
	// does not know it up front.
	Dimensionality() int

	// Close releases any resources held by the source.
	Close() error
}

// LoadOptions controls how a source is drained.
type LoadOptions struct {
	// FetchBatch is the number of keys per Vectors call.
	FetchBatch int

	// Concurrency bounds in-flight Vectors calls.
	Concurrency int

	// RateLimit caps Vectors calls per second. Zero means unlimited.
	RateLimit float64

	Logger *slog.Logger
}

// DefaultLoadOptions returns sensible defaults.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		FetchBatch:  1000,
		Concurrency: runtime.NumCPU(),
	}
}

// Load reads every key and vector from src and splits valid from null keys.
// When src does not declare its dimensionality, the length of the first
// non-empty vector in key order is used.
func Load(ctx context.Context, src Source, opts LoadOptions) (*types.Universe, error) {
	if opts.FetchBatch <= 0 {
		opts.FetchBatch = 1000
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	start := time.Now()
	keys, err := src.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}

	var mu sync.Mutex
	vectors := make(map[types.Key][]float32, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for lo := 0; lo < len(keys); lo += opts.FetchBatch {
		chunk := keys[lo:min(lo+opts.FetchBatch, len(keys))]
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return err
			}
			got, err := src.Vectors(gctx, chunk)
			if err != nil {
				return fmt.Errorf("fetch vectors: %w", err)
			}
			mu.Lock()
			for k, v := range got {
				vectors[k] = v
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dim := src.Dimensionality()
	if dim <= 0 {
		dim = inferDimensionality(keys, vectors)
		if dim <= 0 {
			if len(keys) == 0 {
				return types.NewUniverse(nil, nil, 0), nil
			}
			return nil, ErrNoDimensionality
		}
	}

	u := types.NewUniverse(keys, vectors, dim)
	opts.Logger.Info("loaded vectors",
		"keys", len(u.All),
		"valid", len(u.Valid),
		"nulls", len(u.Nulls),
		"dim", dim,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return u, nil
}

func inferDimensionality(keys []types.Key, vectors map[types.Key][]float32) int {
	sorted := append([]types.Key(nil), keys...)
	types.SortKeys(sorted)
	for _, k := range sorted {
		if v := vectors[k]; len(v) > 0 {
			return len(v)
		}
	}
	return 0
}

// Static is an in-memory source.
type Static struct {
	vectors map[types.Key][]float32
	keys    []types.Key
	dim     int
}

// NewStatic creates a source over vectors. Keys listed in extra but absent
// from vectors are reported as keys with no vector.
func NewStatic(vectors map[types.Key][]float32, dim int, extra ...types.Key) *Static {
	s := &Static{vectors: vectors, dim: dim}
	for k := range vectors {
		s.keys = append(s.keys, k)
	}
	s.keys = append(s.keys, extra...)
	types.SortKeys(s.keys)
	return s
}

func (s *Static) Keys(context.Context) ([]types.Key, error) {
	return append([]types.Key(nil), s.keys...), nil
}

func (s *Static) Vectors(_ context.Context, keys []types.Key) (map[types.Key][]float32, error) {
	out := make(map[types.Key][]float32, len(keys))
	for _, k := range keys {
		if v, ok := s.vectors[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *Static) Dimensionality() int { return s.dim }

func (s *Static) Close() error { return nil }

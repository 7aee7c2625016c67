package source

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pinecone-io/go-pinecone/v3/pinecone"

	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// PineconeConfig holds Pinecone source configuration.
type PineconeConfig struct {
	APIKey    string
	IndexName string
	Namespace string

	// Dimensions overrides the index's declared dimension.
	Dimensions int

	// Keys restricts the run to these ids. When empty, ids are listed from
	// the index.
	Keys []types.Key

	// Retry settings
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Pinecone fetches vectors from a Pinecone index over gRPC.
type Pinecone struct {
	cfg     PineconeConfig
	idxConn *pinecone.IndexConnection
	dim     int
}

// OpenPinecone connects to the configured index.
func OpenPinecone(ctx context.Context, cfg PineconeConfig) (*Pinecone, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.IndexName == "" {
		return nil, fmt.Errorf("index name is required")
	}

	// Apply defaults
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	pc, err := pinecone.NewClient(pinecone.NewClientParams{
		ApiKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Pinecone client: %w", err)
	}

	idx, err := pc.DescribeIndex(ctx, cfg.IndexName)
	if err != nil {
		return nil, fmt.Errorf("failed to describe index %q: %w", cfg.IndexName, err)
	}

	idxConn, err := pc.Index(pinecone.NewIndexConnParams{
		Host:      idx.Host,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to index: %w", err)
	}

	dim := cfg.Dimensions
	if dim <= 0 && idx.Dimension != nil {
		dim = int(*idx.Dimension)
	}

	return &Pinecone{cfg: cfg, idxConn: idxConn, dim: dim}, nil
}

// Keys returns the configured ids, or pages through every id in the
// namespace.
func (p *Pinecone) Keys(ctx context.Context) ([]types.Key, error) {
	if len(p.cfg.Keys) > 0 {
		return append([]types.Key(nil), p.cfg.Keys...), nil
	}

	var keys []types.Key
	limit := uint32(100)
	var token *string
	for {
		var resp *pinecone.ListVectorsResponse
		err := p.retry(ctx, func() error {
			var err error
			resp, err = p.idxConn.ListVectors(ctx, &pinecone.ListVectorsRequest{
				Limit:           &limit,
				PaginationToken: token,
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list vectors: %w", err)
		}
		for _, id := range resp.VectorIds {
			if id != nil {
				keys = append(keys, types.Key(*id))
			}
		}
		if resp.NextPaginationToken == nil || *resp.NextPaginationToken == "" {
			return keys, nil
		}
		token = resp.NextPaginationToken
	}
}

// Vectors fetches vectors by id.
func (p *Pinecone) Vectors(ctx context.Context, keys []types.Key) (map[types.Key][]float32, error) {
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = string(k)
	}

	var resp *pinecone.FetchVectorsResponse
	err := p.retry(ctx, func() error {
		var err error
		resp, err = p.idxConn.FetchVectors(ctx, ids)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}

	out := make(map[types.Key][]float32, len(resp.Vectors))
	for id, v := range resp.Vectors {
		if v == nil || v.Values == nil {
			continue
		}
		out[types.Key(id)] = *v.Values
	}
	return out, nil
}

func (p *Pinecone) Dimensionality() int { return p.dim }

// Close closes the index connection.
func (p *Pinecone) Close() error {
	if p.idxConn != nil {
		return p.idxConn.Close()
	}
	return nil
}

// retry runs op with exponential backoff on rate-limit and availability
// errors.
func (p *Pinecone) retry(ctx context.Context, op func() error) error {
	var lastErr error
	backoff := p.cfg.InitialBackoff

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = time.Duration(math.Min(float64(backoff*2), float64(p.cfg.MaxBackoff)))
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isRetryableError(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("gave up after %d retries: %w", p.cfg.MaxRetries, lastErr)
}

// isRetryableError checks if an error should trigger a retry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	// Check for rate limiting (429) or service unavailable (503)
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "unavailable") ||
		strings.Contains(errStr, "temporarily")
}

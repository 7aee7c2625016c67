package source

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// QdrantConfig holds Qdrant source configuration.
type QdrantConfig struct {
	Host       string
	APIKey     string
	Collection string

	// Dimensions declares the vector length. 0 infers it.
	Dimensions int

	// Keys restricts the run to these ids. When empty, ids are scrolled
	// from the collection.
	Keys []types.Key

	// UseTLS enables TLS for the connection
	UseTLS bool

	// GRPCPort is the gRPC port (default: 6334)
	GRPCPort int

	// PageSize is the scroll page size.
	PageSize uint32
}

// Qdrant fetches vectors from a Qdrant collection over gRPC.
type Qdrant struct {
	cfg    QdrantConfig
	conn   *grpc.ClientConn
	points pb.PointsClient
}

// OpenQdrant connects to the configured collection.
func OpenQdrant(ctx context.Context, cfg QdrantConfig) (*Qdrant, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("collection is required")
	}
	if cfg.GRPCPort <= 0 {
		cfg.GRPCPort = 6334
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 1000
	}

	var opts []grpc.DialOption
	if cfg.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.GRPCPort)
	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant at %s: %w", addr, err)
	}

	return &Qdrant{
		cfg:    cfg,
		conn:   conn,
		points: pb.NewPointsClient(conn),
	}, nil
}

func (q *Qdrant) withAuth(ctx context.Context) context.Context {
	if q.cfg.APIKey != "" {
		return metadata.AppendToOutgoingContext(ctx, "api-key", q.cfg.APIKey)
	}
	return ctx
}

// Keys returns the configured ids, or scrolls every point id.
func (q *Qdrant) Keys(ctx context.Context) ([]types.Key, error) {
	if len(q.cfg.Keys) > 0 {
		return append([]types.Key(nil), q.cfg.Keys...), nil
	}
	ctx = q.withAuth(ctx)

	var keys []types.Key
	limit := q.cfg.PageSize
	var offset *pb.PointId
	for {
		resp, err := q.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: q.cfg.Collection,
			Offset:         offset,
			Limit:          &limit,
			WithPayload: &pb.WithPayloadSelector{
				SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: false},
			},
			WithVectors: &pb.WithVectorsSelector{
				SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: false},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("scroll failed: %w", err)
		}
		for _, point := range resp.Result {
			if k, ok := keyFromPointID(point.Id); ok {
				keys = append(keys, k)
			}
		}
		if resp.NextPageOffset == nil {
			return keys, nil
		}
		offset = resp.NextPageOffset
	}
}

// Vectors fetches points by id.
func (q *Qdrant) Vectors(ctx context.Context, keys []types.Key) (map[types.Key][]float32, error) {
	ids := make([]*pb.PointId, len(keys))
	for i, k := range keys {
		ids[i] = pointID(k)
	}

	resp, err := q.points.Get(q.withAuth(ctx), &pb.GetPoints{
		CollectionName: q.cfg.Collection,
		Ids:            ids,
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: false},
		},
		WithVectors: &pb.WithVectorsSelector{
			SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get points failed: %w", err)
	}

	out := make(map[types.Key][]float32, len(resp.Result))
	for _, point := range resp.Result {
		k, ok := keyFromPointID(point.Id)
		if !ok || point.Vectors == nil {
			continue
		}
		if vec := point.Vectors.GetVector(); vec != nil {
			out[k] = vec.Data
		}
	}
	return out, nil
}

func (q *Qdrant) Dimensionality() int { return q.cfg.Dimensions }

// Close releases resources.
func (q *Qdrant) Close() error {
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// pointID maps unsigned integer keys to numeric ids and everything else to
// UUID ids.
func pointID(k types.Key) *pb.PointId {
	if n, err := strconv.ParseUint(string(k), 10, 64); err == nil {
		return &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: n}}
	}
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: string(k)}}
}

func keyFromPointID(id *pb.PointId) (types.Key, bool) {
	if id == nil {
		return "", false
	}
	switch v := id.PointIdOptions.(type) {
	case *pb.PointId_Num:
		return types.Key(strconv.FormatUint(v.Num, 10)), true
	case *pb.PointId_Uuid:
		return types.Key(v.Uuid), true
	}
	return "", false
}

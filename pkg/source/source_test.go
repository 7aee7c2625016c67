package source

import (
	"context"
	"errors"
	"os"
	"slices"
	"strings"
	"sync/atomic"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"

	"github.com/Siddhant-K-code/pairwise/pkg/dataset"
	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

func TestLoad_SplitsNulls(t *testing.T) {
	src := NewStatic(map[types.Key][]float32{
		"1": {1, 0},
		"2": {0, 1},
		"3": {1},
	}, 2, "4")

	u, err := Load(context.Background(), src, LoadOptions{FetchBatch: 1, Concurrency: 2})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !slices.Equal(u.Valid, []types.Key{"1", "2"}) {
		t.Errorf("Valid = %v", u.Valid)
	}
	if !slices.Equal(u.Nulls, []types.Key{"3", "4"}) {
		t.Errorf("Nulls = %v", u.Nulls)
	}
	if u.Dim != 2 {
		t.Errorf("Dim = %d", u.Dim)
	}
}

func TestLoad_InfersDimensionality(t *testing.T) {
	src := NewStatic(map[types.Key][]float32{
		"2": {1, 2, 3, 4},
		"1": {1, 2, 3},
	}, 0)

	u, err := Load(context.Background(), src, DefaultLoadOptions())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// The first key in order decides.
	if u.Dim != 3 || !slices.Equal(u.Nulls, []types.Key{"2"}) {
		t.Errorf("Dim = %d, Nulls = %v", u.Dim, u.Nulls)
	}
}

func TestLoad_NoVectors(t *testing.T) {
	src := NewStatic(nil, 0, "1", "2")
	if _, err := Load(context.Background(), src, DefaultLoadOptions()); !errors.Is(err, ErrNoDimensionality) {
		t.Errorf("expected ErrNoDimensionality, got %v", err)
	}
}

type failingSource struct {
	*Static
	calls atomic.Int32
}

func (f *failingSource) Vectors(ctx context.Context, keys []types.Key) (map[types.Key][]float32, error) {
	if f.calls.Add(1) == 2 {
		return nil, errors.New("backend down")
	}
	return f.Static.Vectors(ctx, keys)
}

func TestLoad_PropagatesFetchError(t *testing.T) {
	src := &failingSource{Static: NewStatic(map[types.Key][]float32{
		"1": {1}, "2": {2}, "3": {3},
	}, 1)}

	_, err := Load(context.Background(), src, LoadOptions{FetchBatch: 1, Concurrency: 1, RateLimit: 1000})
	if err == nil || !strings.Contains(err.Error(), "backend down") {
		t.Errorf("expected fetch error, got %v", err)
	}
}

func TestReadJSONL(t *testing.T) {
	input := `{"id": 1, "values": [1, 0]}
{"id": "2", "values": [0, 1]}

not json
{"id": 4, "values": null}
{"id": 5}
{"values": [1, 1]}
{"id": 1.5, "values": [1, 1]}
`
	src, err := ReadJSONL(strings.NewReader(input), 0, nil)
	if err != nil {
		t.Fatalf("ReadJSONL failed: %v", err)
	}

	keys, _ := src.Keys(context.Background())
	if !slices.Equal(keys, []types.Key{"1", "2", "4", "5"}) {
		t.Errorf("keys = %v", keys)
	}

	u, err := Load(context.Background(), src, DefaultLoadOptions())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !slices.Equal(u.Nulls, []types.Key{"4", "5"}) {
		t.Errorf("Nulls = %v", u.Nulls)
	}
}

func TestDatasetSource(t *testing.T) {
	dir := t.TempDir()
	f, err := dataset.Create(dir, dataset.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	keys := []types.Key{"1", "2", "3"}
	if err := f.WriteKeys(dataset.RegionIDs, keys); err != nil {
		t.Fatal(err)
	}
	if err := f.WriteKeys(dataset.RegionNulls, []types.Key{"2"}); err != nil {
		t.Fatal(err)
	}
	arr, err := f.CreateArray(dataset.VectorsPrefix+"lsa", []int{3, 2}, []int{2, 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := arr.WriteBlock(dataset.Block{
		Rows: []int{0, 2},
		Cols: dataset.Span(0, 2),
		Data: []float32{1, 0, 1, 1},
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	src, err := OpenDataset(dir, "lsa")
	if err != nil {
		t.Fatalf("OpenDataset failed: %v", err)
	}
	defer src.Close()

	u, err := Load(context.Background(), src, DefaultLoadOptions())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !slices.Equal(u.Valid, []types.Key{"1", "3"}) || !slices.Equal(u.Nulls, []types.Key{"2"}) {
		t.Errorf("Valid = %v, Nulls = %v", u.Valid, u.Nulls)
	}
	if !slices.Equal(u.Row(1), []float32{1, 1}) {
		t.Errorf("row of key 3 = %v", u.Row(1))
	}
}

func TestImportDataset_RoundTrip(t *testing.T) {
	in := types.NewUniverse(
		[]types.Key{"10", "2", "7", "x"},
		map[types.Key][]float32{"2": {1, 2, 3}, "10": {4, 5, 6}, "x": {7, 8, 9}},
		3,
	)
	dir := t.TempDir()
	if err := ImportDataset(dir, "lsa", in, dataset.Options{Codec: dataset.CodecLZ4}, 2); err != nil {
		t.Fatalf("ImportDataset failed: %v", err)
	}

	src, err := OpenDataset(dir, "lsa")
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	if src.Dimensionality() != 3 {
		t.Errorf("dimensionality = %d, want 3", src.Dimensionality())
	}

	out, err := Load(context.Background(), src, LoadOptions{FetchBatch: 2, Concurrency: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(out.All, in.All) || !slices.Equal(out.Valid, in.Valid) || !slices.Equal(out.Nulls, []types.Key{"7"}) {
		t.Errorf("keys: all=%v valid=%v nulls=%v", out.All, out.Valid, out.Nulls)
	}
	if !slices.Equal(out.Data, in.Data) {
		t.Errorf("data = %v, want %v", out.Data, in.Data)
	}
}

func TestImportDataset_Rejects(t *testing.T) {
	u := types.NewUniverse([]types.Key{"1"}, map[types.Key][]float32{"1": {1}}, 1)
	if err := ImportDataset(t.TempDir(), "", u, dataset.DefaultOptions(), 2); err == nil {
		t.Error("expected error for empty label")
	}
	if err := ImportDataset(t.TempDir(), "lsa", u, dataset.DefaultOptions(), 0); err == nil {
		t.Error("expected error for zero chunk")
	}
	empty := types.NewUniverse([]types.Key{"1"}, nil, 0)
	if err := ImportDataset(t.TempDir(), "lsa", empty, dataset.DefaultOptions(), 2); !errors.Is(err, ErrNoDimensionality) {
		t.Errorf("expected ErrNoDimensionality, got %v", err)
	}
}

func TestQdrantPointIDs(t *testing.T) {
	if _, ok := pointID("42").PointIdOptions.(*pb.PointId_Num); !ok {
		t.Error("numeric key should map to a numeric point id")
	}
	uuid := "5c56c793-69f3-4fbf-87e6-c4bf54c28c26"
	id := pointID(types.Key(uuid))
	if k, ok := keyFromPointID(id); !ok || k != types.Key(uuid) {
		t.Errorf("round trip = %q", k)
	}
	if k, _ := keyFromPointID(pointID("7")); k != "7" {
		t.Errorf("numeric round trip = %q", k)
	}
}

func TestIsRetryableError(t *testing.T) {
	if !isRetryableError(errors.New("rpc error: code = Unavailable desc = unavailable")) {
		t.Error("unavailable should be retryable")
	}
	if isRetryableError(errors.New("invalid argument")) {
		t.Error("invalid argument should not be retryable")
	}
}

func TestRestrict(t *testing.T) {
	p := t.TempDir() + "/keys.txt"
	if err := os.WriteFile(p, []byte("# subset\n2\n\n9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	keys, err := ReadKeysFile(p)
	if err != nil {
		t.Fatalf("ReadKeysFile failed: %v", err)
	}
	if !slices.Equal(keys, []types.Key{"2", "9"}) {
		t.Fatalf("keys = %v", keys)
	}

	src := NewStatic(map[types.Key][]float32{"1": {1, 0}, "2": {0, 1}}, 2)
	u, err := Load(context.Background(), Restrict(src, keys), DefaultLoadOptions())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !slices.Equal(u.Valid, []types.Key{"2"}) || !slices.Equal(u.Nulls, []types.Key{"9"}) {
		t.Errorf("Valid = %v, Nulls = %v", u.Valid, u.Nulls)
	}
}

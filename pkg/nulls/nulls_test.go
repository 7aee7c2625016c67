package nulls

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

type collector struct {
	records []types.Record
	calls   int
	fail    error
}

func (c *collector) WriteRecords(_ context.Context, records []types.Record) error {
	c.calls++
	if c.fail != nil {
		return c.fail
	}
	c.records = append(c.records, records...)
	return nil
}

func (c *collector) pairs() []string {
	out := make([]string, len(c.records))
	for i, r := range c.records {
		out[i] = string(r.Left) + "," + string(r.Right)
	}
	slices.Sort(out)
	return out
}

func universe(keys []types.Key, valid ...types.Key) *types.Universe {
	vectors := make(map[types.Key][]float32)
	for _, k := range valid {
		vectors[k] = []float32{1}
	}
	return types.NewUniverse(keys, vectors, 1)
}

func TestReconcile_AllScenario(t *testing.T) {
	u := universe([]types.Key{"1", "2", "4"}, "1", "2")

	c := &collector{}
	n, err := Reconcile(context.Background(), types.ModeAll, u, nil, c, 0)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if n != 2 {
		t.Errorf("written = %d, want 2", n)
	}
	if got := c.pairs(); !slices.Equal(got, []string{"1,4", "2,4"}) {
		t.Errorf("pairs = %v", got)
	}
	for _, r := range c.records {
		if !r.Placeholder || r.Score != 0 {
			t.Errorf("record %+v is not a zero placeholder", r)
		}
	}
}

func TestReconcile_AllOrdersKeys(t *testing.T) {
	// Null keys sort both before and after valid keys.
	u := universe([]types.Key{"1", "5", "10", "20"}, "5", "20")

	c := &collector{}
	if _, err := Reconcile(context.Background(), types.ModeAll, u, nil, c, 2); err != nil {
		t.Fatal(err)
	}
	want := []string{"1,10", "1,20", "1,5", "10,20", "5,10"}
	if got := c.pairs(); !slices.Equal(got, want) {
		t.Errorf("pairs = %v, want %v", got, want)
	}
	if c.calls != 3 {
		t.Errorf("calls = %d, want 3 chunks", c.calls)
	}
	if Count(types.ModeAll, u, nil) != int64(len(want)) {
		t.Errorf("Count = %d", Count(types.ModeAll, u, nil))
	}
}

func TestReconcile_Cross(t *testing.T) {
	left := universe([]types.Key{"1", "2"}, "1")
	right := universe([]types.Key{"7", "8", "9"}, "7", "9")

	c := &collector{}
	n, err := Reconcile(context.Background(), types.ModeCross, left, right, c, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"1,8", "2,7", "2,8", "2,9"}
	if got := c.pairs(); !slices.Equal(got, want) {
		t.Errorf("pairs = %v, want %v", got, want)
	}
	if n != Count(types.ModeCross, left, right) {
		t.Errorf("written %d, Count %d", n, Count(types.ModeCross, left, right))
	}
}

func TestReconcile_NoNulls(t *testing.T) {
	u := universe([]types.Key{"1", "2"}, "1", "2")
	c := &collector{}
	n, err := Reconcile(context.Background(), types.ModeAll, u, nil, c, 0)
	if err != nil || n != 0 || c.calls != 0 {
		t.Errorf("n=%d calls=%d err=%v", n, c.calls, err)
	}
}

func TestReconcile_Errors(t *testing.T) {
	u := universe([]types.Key{"1", "2"}, "1")

	if _, err := Reconcile(context.Background(), types.ModeList, u, nil, &collector{}, 0); err == nil {
		t.Error("list mode should fail")
	}
	if _, err := Reconcile(context.Background(), types.ModeCross, u, nil, &collector{}, 0); err == nil {
		t.Error("cross mode without right universe should fail")
	}

	boom := errors.New("boom")
	if _, err := Reconcile(context.Background(), types.ModeAll, u, nil, &collector{fail: boom}, 0); !errors.Is(err, boom) {
		t.Errorf("expected writer error, got %v", err)
	}
}

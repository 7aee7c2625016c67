package cmd

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Siddhant-K-code/pairwise/pkg/config"
	"github.com/Siddhant-K-code/pairwise/pkg/logging"
	"github.com/Siddhant-K-code/pairwise/pkg/metrics"
	"github.com/Siddhant-K-code/pairwise/pkg/sink"
	"github.com/Siddhant-K-code/pairwise/pkg/telemetry"
)

const vectorsJSONL = `{"id": 1, "values": [1, 0]}
{"id": 2, "values": [0, 1]}
{"id": 3, "values": [1, 1]}
{"id": 4, "values": null}
`

func testRunConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	in := filepath.Join(dir, "vectors.jsonl")
	require.NoError(t, os.WriteFile(in, []byte(vectorsJSONL), 0o644))

	cfg := config.DefaultConfig()
	cfg.Source.Path = in
	cfg.Run.OutputFile = filepath.Join(dir, "pairs.csv")
	cfg.Run.BatchSize = 2
	cfg.Run.Workers = 2
	return cfg
}

func noTracing(t *testing.T) *telemetry.Provider {
	t.Helper()
	tp, err := telemetry.Init(context.Background(), telemetry.Config{})
	require.NoError(t, err)
	return tp
}

func TestRunLocal_ShardedFile(t *testing.T) {
	cfg := testRunConfig(t)
	require.NoError(t, config.Validate(cfg))
	ctx := context.Background()
	tp := noTracing(t)
	logger := logging.Discard()

	left, err := loadSide(ctx, tp, "left", cfg.Source, logger)
	require.NoError(t, err)

	summary, err := runLocal(ctx, cfg, left, nil, logger, metrics.New(), tp)
	require.NoError(t, err)
	assert.EqualValues(t, 3, summary.Pairs)
	assert.EqualValues(t, 3, summary.Placeholders)

	data, err := os.ReadFile(cfg.Run.OutputFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	slices.Sort(lines)
	assert.Equal(t, []string{
		"1,2,0.0000",
		"1,3,0.7071",
		"1,4,0.0",
		"2,3,0.7071",
		"2,4,0.0",
		"3,4,0.0",
	}, lines)
}

func TestRunLocal_KeysFile(t *testing.T) {
	cfg := testRunConfig(t)
	keys := filepath.Join(t.TempDir(), "keys.txt")
	require.NoError(t, os.WriteFile(keys, []byte("1\n3\n"), 0o644))
	cfg.Source.KeysFile = keys
	ctx := context.Background()
	tp := noTracing(t)
	logger := logging.Discard()

	left, err := loadSide(ctx, tp, "left", cfg.Source, logger)
	require.NoError(t, err)
	_, err = runLocal(ctx, cfg, left, nil, logger, metrics.New(), tp)
	require.NoError(t, err)

	data, err := os.ReadFile(cfg.Run.OutputFile)
	require.NoError(t, err)
	assert.Equal(t, "1,3,0.7071\n", string(data))
}

func TestRunDistributed_InProcess(t *testing.T) {
	cfg := testRunConfig(t)
	cfg.Run.Sink = "dense-dataset"
	cfg.Run.OutputFile = filepath.Join(t.TempDir(), "out.ds")
	cfg.Run.DatasetLabel = "lsa"
	cfg.Distributed.Workers = 2
	cfg.Distributed.Launcher = "inprocess"
	require.NoError(t, config.Validate(cfg))

	ctx := context.Background()
	tp := noTracing(t)
	logger := logging.Discard()
	left, err := loadSide(ctx, tp, "left", cfg.Source, logger)
	require.NoError(t, err)

	summary, err := runDistributed(ctx, cfg, left, logger, metrics.New(), tp)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Ranks)
	assert.EqualValues(t, 3, summary.Pairs)

	out := filepath.Join(t.TempDir(), "pairs.csv")
	n, err := sink.ConvertDense(ctx, cfg.Run.OutputFile, "lsa", out)
	require.NoError(t, err)
	assert.EqualValues(t, 6, n)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "1,3,0.707\n")
	assert.Contains(t, string(data), "3,4,0.000\n")
}

func TestOpenSource_UnknownBackend(t *testing.T) {
	_, err := openSource(context.Background(), config.SourceConfig{Backend: "csv"}, logging.Discard())
	assert.Error(t, err)
}

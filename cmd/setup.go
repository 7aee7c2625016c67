package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/Siddhant-K-code/pairwise/pkg/config"
	"github.com/Siddhant-K-code/pairwise/pkg/dataset"
	"github.com/Siddhant-K-code/pairwise/pkg/kv"
	"github.com/Siddhant-K-code/pairwise/pkg/logging"
	"github.com/Siddhant-K-code/pairwise/pkg/metrics"
	"github.com/Siddhant-K-code/pairwise/pkg/sink"
	"github.com/Siddhant-K-code/pairwise/pkg/source"
	"github.com/Siddhant-K-code/pairwise/pkg/telemetry"
	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// loadConfig builds the run configuration from the config file, PAIRWISE_*
// environment variables and bound flags, in increasing precedence.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
	}
	return config.Load(viper.GetViper())
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	return logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

func initTracing(ctx context.Context, cfg *config.Config) (*telemetry.Provider, error) {
	t := cfg.Telemetry.Tracing
	return telemetry.Init(ctx, telemetry.Config{
		Enabled:     t.Enabled,
		Exporter:    t.Exporter,
		Endpoint:    t.Endpoint,
		SampleRate:  t.SampleRate,
		ServiceName: "pairwise",
		Insecure:    t.Insecure,
	})
}

// serveMetrics exposes m on addr until the returned stop function is called.
// An empty addr serves nothing.
func serveMetrics(addr string, m *metrics.Metrics, logger *slog.Logger) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// pushMetrics sends the final counters to the configured Pushgateway.
func pushMetrics(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) {
	if cfg.Metrics.Pushgateway == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Push(ctx, cfg.Metrics.Pushgateway, cfg.Metrics.Job); err != nil {
		logger.Warn("metrics push failed", "url", cfg.Metrics.Pushgateway, "error", err)
	}
}

// openSource connects to the backend of one side.
func openSource(ctx context.Context, sc config.SourceConfig, logger *slog.Logger) (source.Source, error) {
	var keys []types.Key
	if sc.KeysFile != "" {
		var err error
		if keys, err = source.ReadKeysFile(sc.KeysFile); err != nil {
			return nil, err
		}
	}

	var (
		src source.Source
		err error
	)
	switch sc.Backend {
	case "jsonl":
		src, err = source.OpenJSONL(sc.Path, sc.Dimensions, logger)
	case "dataset":
		src, err = source.OpenDataset(sc.Path, sc.Label)
	case "pinecone":
		apiKey := sc.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("PINECONE_API_KEY")
		}
		return source.OpenPinecone(ctx, source.PineconeConfig{
			APIKey:     apiKey,
			IndexName:  sc.Index,
			Namespace:  sc.Namespace,
			Dimensions: sc.Dimensions,
			Keys:       keys,
		})
	case "qdrant":
		apiKey := sc.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("QDRANT_API_KEY")
		}
		return source.OpenQdrant(ctx, source.QdrantConfig{
			Host:       sc.Host,
			APIKey:     apiKey,
			Collection: sc.Collection,
			Dimensions: sc.Dimensions,
			Keys:       keys,
			UseTLS:     sc.TLS,
		})
	default:
		return nil, fmt.Errorf("unsupported source backend %q", sc.Backend)
	}
	if err != nil {
		return nil, err
	}
	if keys != nil {
		src = source.Restrict(src, keys)
	}
	return src, nil
}

// loadSide opens and drains one side into a universe.
func loadSide(ctx context.Context, tp *telemetry.Provider, side string, sc config.SourceConfig, logger *slog.Logger) (*types.Universe, error) {
	ctx, span := tp.StartLoad(ctx, side, sc.Backend)
	defer span.End()

	src, err := openSource(ctx, sc, logger)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("open %s source: %w", side, err)
	}
	defer func() { _ = src.Close() }()

	opts := source.DefaultLoadOptions()
	opts.FetchBatch = sc.FetchBatch
	opts.RateLimit = sc.RateLimit
	opts.Logger = logger.With("side", side)

	u, err := source.Load(ctx, src, opts)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("load %s vectors: %w", side, err)
	}
	return u, nil
}

// denseConfig describes the result array of a dense run.
func denseConfig(cfg *config.Config, logger *slog.Logger) (sink.DenseConfig, error) {
	codec, err := dataset.ParseCodec(cfg.Dataset.Codec)
	if err != nil {
		return sink.DenseConfig{}, err
	}
	return sink.DenseConfig{
		Path:   cfg.Run.OutputFile,
		Label:  cfg.Run.DatasetLabel,
		Metric: types.Metric(cfg.Run.Metric),
		Chunk:  cfg.BatchSize(),
		Codec:  codec,
		Logger: logger,
	}, nil
}

// openStore connects the top-N store backend.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (kv.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		rc := kv.DefaultRedisConfig()
		rc.URL = cfg.Store.URL
		rc.KeyPrefix = cfg.Store.Prefix
		rc.TTL = cfg.Store.TTL
		return kv.NewRedis(ctx, rc)
	case "badger":
		return kv.NewBadger(kv.BadgerOptions{
			Dir:       cfg.Store.Dir,
			KeyPrefix: cfg.Store.Prefix,
			Logger:    logger,
		})
	}
	return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
}

// buildSink creates the configured single-process sink for left.
func buildSink(ctx context.Context, cfg *config.Config, left *types.Universe, logger *slog.Logger) (sink.Sink, error) {
	switch types.SinkKind(cfg.Run.Sink) {
	case types.SinkShardedFile:
		return sink.NewShardedIn(cfg.Run.OutputFile, cfg.Run.TempDir, uuid.NewString(), logger)
	case types.SinkTopNStore:
		store, err := openStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		s, err := sink.NewTopN(store, cfg.Run.TopN, cfg.Store.Mirror)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		return s, nil
	case types.SinkDenseDataset:
		dc, err := denseConfig(cfg, logger)
		if err != nil {
			return nil, err
		}
		return sink.CreateDense(dc, left)
	}
	return nil, fmt.Errorf("unsupported sink %q", cfg.Run.Sink)
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Siddhant-K-code/pairwise/pkg/config"
	"github.com/Siddhant-K-code/pairwise/pkg/distributed"
	"github.com/Siddhant-K-code/pairwise/pkg/engine"
	"github.com/Siddhant-K-code/pairwise/pkg/metrics"
	"github.com/Siddhant-K-code/pairwise/pkg/partition"
	"github.com/Siddhant-K-code/pairwise/pkg/schedule"
	"github.com/Siddhant-K-code/pairwise/pkg/telemetry"
	"github.com/Siddhant-K-code/pairwise/pkg/types"
	"github.com/Siddhant-K-code/pairwise/pkg/upload"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Compute pairwise scores for one or two vector sets",
	Long: `Loads keyed vectors, computes a score for every pair and writes the
results to the configured sink.

Modes:
  all     every unordered pair within the source set
  cross   every (left, right) pair between source and right sets

Sinks:
  sharded-file    one CSV of left,right,score lines
  top-n-store     the N best right keys per left key in Redis or Badger
  dense-dataset   an N×N matrix (cosine) or N×D×N tensor (abs-difference)

Example:
  pairwise run --input vectors.jsonl --output pairs.csv
  pairwise run --input left.jsonl --mode cross --right right.jsonl --sink top-n-store --top-n 5
  pairwise run --input vectors.jsonl --sink dense-dataset --output out.ds --ranks 4`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	d := config.DefaultConfig()
	f := runCmd.Flags()

	// Pairing
	f.String("mode", d.Run.Mode, "pairing mode: all or cross")
	f.String("metric", d.Run.Metric, "kernel: cosine or abs-difference")
	f.String("sink", d.Run.Sink, "result sink: sharded-file, top-n-store or dense-dataset")
	f.StringP("output", "o", "", "output CSV file or dataset directory")
	f.String("dataset-label", d.Run.DatasetLabel, "result array label for the dense sink")
	f.Int("top-n", d.Run.TopN, "scores kept per left key by the top-n-store sink")

	// Sources
	f.StringP("input", "i", "", "source path (JSONL file or dataset directory)")
	f.String("backend", d.Source.Backend, "source backend: jsonl, dataset, pinecone or qdrant")
	f.String("label", "", "vector label for the dataset backend")
	f.String("keys-file", "", "restrict the source to the keys listed in this file")
	f.String("right", "", "right source path for cross mode")
	f.String("right-backend", "", "right source backend")

	// Store
	f.String("store", d.Store.Backend, "top-N store backend: redis or badger")
	f.String("store-url", d.Store.URL, "Redis URL for the top-N store")
	f.String("store-dir", "", "Badger directory for the top-N store")

	// Performance
	f.IntP("batch-size", "b", 0, "keys per batch (0 = 1000, or 100 for dense-dataset)")
	f.IntP("workers", "w", 0, "kernel workers per process (0 = NumCPU)")
	f.Int("ranks", 0, "distributed ranks for dense-dataset runs (0 = single process)")
	f.String("launcher", d.Distributed.Launcher, "rank launcher: exec or inprocess")

	// Upload
	f.Bool("upload", false, "upload the result to S3 when done")
	f.String("bucket", "", "S3 bucket for --upload")

	bind := map[string]string{
		"run.mode":             "mode",
		"run.metric":           "metric",
		"run.sink":             "sink",
		"run.output_file":      "output",
		"run.dataset_label":    "dataset-label",
		"run.top_n":            "top-n",
		"source.path":          "input",
		"source.backend":       "backend",
		"source.label":         "label",
		"source.keys_file":     "keys-file",
		"right.path":           "right",
		"right.backend":        "right-backend",
		"store.backend":        "store",
		"store.url":            "store-url",
		"store.dir":            "store-dir",
		"run.batch_size":       "batch-size",
		"run.workers":          "workers",
		"distributed.workers":  "ranks",
		"distributed.launcher": "launcher",
		"upload.enabled":       "upload",
		"upload.bucket":        "bucket",
	}
	for key, flag := range bind {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
}

// runSummary is what every run path reports.
type runSummary struct {
	Items        int64
	Pairs        int64
	Placeholders int64
	Ranks        int
	Duration     time.Duration
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	verbose := viper.GetBool("verbose")

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
			cancel()
		case <-ctx.Done():
		}
	}()

	tp, err := initTracing(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = tp.Shutdown(sctx)
	}()

	m := metrics.New()
	stopMetrics := serveMetrics(cfg.Metrics.Listen, m, logger)
	defer stopMetrics()
	defer pushMetrics(cfg, m, logger)

	ctx, span := tp.StartRun(ctx, cfg.Run.Mode, cfg.Run.Metric, cfg.Run.Sink)
	defer span.End()

	// Load vectors
	fmt.Fprintf(os.Stderr, "Loading vectors from %s...\n", describeSource(cfg.Source))
	left, err := loadSide(ctx, tp, "left", cfg.Source, logger)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	var right *types.Universe
	if types.PairMode(cfg.Run.Mode) == types.ModeCross {
		fmt.Fprintf(os.Stderr, "Loading right vectors from %s...\n", describeSource(cfg.Right))
		if right, err = loadSide(ctx, tp, "right", cfg.Right, logger); err != nil {
			telemetry.RecordError(span, err)
			return err
		}
		if right.Dim != left.Dim && len(right.Valid) > 0 && len(left.Valid) > 0 {
			err := fmt.Errorf("dimensionality mismatch: left %d, right %d", left.Dim, right.Dim)
			telemetry.RecordError(span, err)
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "Loaded %d keys (%d null)", len(left.All), len(left.Nulls))
	if right != nil {
		fmt.Fprintf(os.Stderr, " x %d keys (%d null)", len(right.All), len(right.Nulls))
	}
	fmt.Fprintln(os.Stderr)

	var summary *runSummary
	if cfg.Distributed.Workers > 0 {
		summary, err = runDistributed(ctx, cfg, left, logger, m, tp)
	} else {
		summary, err = runLocal(ctx, cfg, left, right, logger, m, tp)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.RecordResult(span, summary.Items, summary.Pairs, summary.Placeholders, summary.Duration)

	printRunSummary(cfg, summary, verbose)

	if cfg.Upload.Enabled && types.SinkKind(cfg.Run.Sink) != types.SinkTopNStore {
		if err := uploadResult(ctx, cfg, logger); err != nil {
			telemetry.RecordError(span, err)
			return err
		}
	}
	return nil
}

func describeSource(sc config.SourceConfig) string {
	switch sc.Backend {
	case "pinecone":
		return "pinecone index " + sc.Index
	case "qdrant":
		return "qdrant collection " + sc.Collection
	}
	return sc.Path
}

func newProgressBar(total int64, desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func runLocal(ctx context.Context, cfg *config.Config, left, right *types.Universe, logger *slog.Logger, m *metrics.Metrics, tp *telemetry.Provider) (*runSummary, error) {
	s, err := buildSink(ctx, cfg, left, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create sink: %w", err)
	}
	closed := false
	defer func() {
		if !closed {
			_ = s.Close()
		}
	}()

	eng := engine.New(s, engine.Config{
		Workers:       cfg.Run.Workers,
		DispatchChunk: cfg.Run.DispatchChunk,
		Metric:        types.Metric(cfg.Run.Metric),
	},
		engine.WithLogger(logger),
		engine.WithMetrics(m),
		engine.WithTracing(tp),
	)

	mode := types.PairMode(cfg.Run.Mode)
	batch := cfg.BatchSize()
	nRight := 0
	if right != nil {
		nRight = partition.Count(len(right.Valid), batch)
	}
	total := schedule.Total(mode, partition.Count(len(left.Valid), batch), nRight)

	bar := newProgressBar(total, "Computing")
	var lastProcessed int64
	progressFn := func(stats engine.Stats) {
		if delta := stats.ProcessedItems - lastProcessed; delta > 0 {
			_ = bar.Add64(delta)
			lastProcessed = stats.ProcessedItems
		}
	}

	stats, err := eng.Execute(ctx, engine.Job{
		Mode:      mode,
		Left:      left,
		Right:     right,
		BatchSize: batch,
		SkipNulls: types.SinkKind(cfg.Run.Sink) == types.SinkDenseDataset,
	}, progressFn)
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("run failed: %w", err)
	}

	closed = true
	if err := s.Close(); err != nil {
		return nil, fmt.Errorf("close sink: %w", err)
	}
	return &runSummary{
		Items:        stats.ProcessedItems,
		Pairs:        stats.Pairs,
		Placeholders: stats.Placeholders,
		Duration:     stats.Duration(),
	}, nil
}

func runDistributed(ctx context.Context, cfg *config.Config, left *types.Universe, logger *slog.Logger, m *metrics.Metrics, tp *telemetry.Provider) (*runSummary, error) {
	dc, err := denseConfig(cfg, logger)
	if err != nil {
		return nil, err
	}

	var launcher distributed.Launcher
	switch cfg.Distributed.Launcher {
	case "inprocess":
		launcher = &distributed.InProcessLauncher{Config: distributed.WorkerConfig{
			Threads:       cfg.Run.Workers,
			DispatchChunk: cfg.Run.DispatchChunk,
			Logger:        logger,
			Metrics:       m,
			Tracer:        tp,
		}}
	default:
		launcher = &distributed.ExecLauncher{Args: []string{
			"worker",
			"--log-level", cfg.Log.Level,
			"--log-format", cfg.Log.Format,
			"--threads", strconv.Itoa(cfg.Run.Workers),
			"--dispatch-chunk", strconv.Itoa(cfg.Run.DispatchChunk),
		}}
	}

	coord := distributed.New(distributed.Config{
		Workers:          cfg.Distributed.Workers,
		Listen:           cfg.Distributed.Listen,
		HandshakeTimeout: cfg.Distributed.HandshakeTimeout,
		TeardownTimeout:  cfg.Distributed.TeardownTimeout,
		Dense:            dc,
		BatchSize:        cfg.BatchSize(),
	}, launcher,
		distributed.WithLogger(logger),
		distributed.WithMetrics(m),
		distributed.WithTracing(tp),
	)

	batches := partition.Count(len(left.Valid), cfg.BatchSize())
	bar := newProgressBar(schedule.Total(types.ModeAll, batches, 0), "Computing")
	var lastItems int64
	progressFn := func(stats distributed.Stats) {
		if delta := stats.Items - lastItems; delta > 0 {
			_ = bar.Add64(delta)
			lastItems = stats.Items
		}
	}

	fmt.Fprintf(os.Stderr, "Starting %d ranks...\n", cfg.Distributed.Workers)
	stats, err := coord.Run(ctx, left, progressFn)
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("distributed run failed: %w", err)
	}
	return &runSummary{
		Items:    stats.Items,
		Pairs:    stats.Pairs,
		Ranks:    stats.World,
		Duration: stats.Duration(),
	}, nil
}

func uploadResult(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	fmt.Fprintf(os.Stderr, "Uploading %s to s3://%s/%s...\n", cfg.Run.OutputFile, cfg.Upload.Bucket, cfg.Upload.Prefix)
	up, err := upload.New(ctx, upload.Config{
		Bucket:   cfg.Upload.Bucket,
		Prefix:   cfg.Upload.Prefix,
		Region:   cfg.Upload.Region,
		Endpoint: cfg.Upload.Endpoint,
	}, logger)
	if err != nil {
		return err
	}
	n, err := up.Upload(ctx, cfg.Run.OutputFile)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Uploaded %d objects\n", n)
	return nil
}

func printRunSummary(cfg *config.Config, s *runSummary, verbose bool) {
	fmt.Println()
	fmt.Println("=== Run Complete ===")
	fmt.Println()
	fmt.Printf("Mode:                %s\n", cfg.Run.Mode)
	fmt.Printf("Metric:              %s\n", cfg.Run.Metric)
	fmt.Printf("Sink:                %s\n", cfg.Run.Sink)
	if s.Ranks > 0 {
		fmt.Printf("Ranks:               %d\n", s.Ranks)
	}
	fmt.Printf("Work items:          %d\n", s.Items)
	fmt.Printf("Pairs scored:        %d\n", s.Pairs)
	fmt.Printf("Null placeholders:   %d\n", s.Placeholders)
	fmt.Printf("Duration:            %v\n", s.Duration.Round(time.Millisecond))
	if secs := s.Duration.Seconds(); secs > 0 {
		fmt.Printf("Throughput:          %.0f pairs/sec\n", float64(s.Pairs)/secs)
	}
	if verbose {
		fmt.Printf("Batch size:          %d\n", cfg.BatchSize())
		if cfg.Run.OutputFile != "" {
			fmt.Printf("Output:              %s\n", cfg.Run.OutputFile)
		}
	}
	fmt.Println()
}

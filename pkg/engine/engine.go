// Package engine runs work items over a fixed pool of workers and feeds the
// results to a sink.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Siddhant-K-code/pairwise/pkg/kernel"
	"github.com/Siddhant-K-code/pairwise/pkg/logging"
	"github.com/Siddhant-K-code/pairwise/pkg/metrics"
	"github.com/Siddhant-K-code/pairwise/pkg/nulls"
	"github.com/Siddhant-K-code/pairwise/pkg/partition"
	"github.com/Siddhant-K-code/pairwise/pkg/schedule"
	"github.com/Siddhant-K-code/pairwise/pkg/sink"
	"github.com/Siddhant-K-code/pairwise/pkg/telemetry"
	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// Config holds worker pool configuration.
type Config struct {
	// Workers is the number of concurrent kernel workers.
	Workers int

	// DispatchChunk is the number of work items handed to a worker at once.
	DispatchChunk int

	// ChannelBuffer is the capacity of the dispatch channel, in chunks.
	// Defaults to Workers.
	ChannelBuffer int

	// Metric selects the kernel.
	Metric types.Metric

	// NullChunk bounds the placeholder records written per call.
	NullChunk int

	// ProgressInterval is how often the progress callback fires.
	ProgressInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:          runtime.NumCPU(),
		DispatchChunk:    4,
		Metric:           types.MetricCosine,
		NullChunk:        nulls.DefaultChunk,
		ProgressInterval: 500 * time.Millisecond,
	}
}

// Stats tracks run progress.
type Stats struct {
	TotalItems     int64
	ProcessedItems int64
	Pairs          int64
	Placeholders   int64
	StartTime      time.Time
	EndTime        time.Time
}

// Duration returns the total processing duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// PairsPerSecond returns the throughput.
func (s *Stats) PairsPerSecond() float64 {
	d := s.Duration().Seconds()
	if d == 0 {
		return 0
	}
	return float64(s.Pairs) / d
}

// ProgressCallback is called periodically with current stats.
type ProgressCallback func(stats Stats)

// WorkerError reports the failure of one worker. It aborts the run.
type WorkerError struct {
	Worker int
	Seq    int64
	Err    error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %d failed on item %d: %v", e.Worker, e.Seq, e.Err)
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

// WorkerContext is everything one worker needs, built once before it starts.
type WorkerContext struct {
	ID      int
	Writer  sink.Writer
	Metric  types.Metric
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Process computes one work item and writes its result. It returns the
// number of scored pairs.
func (w *WorkerContext) Process(ctx context.Context, item types.WorkItem) (int, error) {
	start := time.Now()
	var cells int

	switch w.Metric {
	case types.MetricCosine:
		m, err := kernel.Cosine(item.A, item.B, item.Diagonal())
		if err != nil {
			return 0, err
		}
		if err := w.Writer.WriteScores(ctx, item, m); err != nil {
			return 0, fmt.Errorf("write scores: %w", err)
		}
		cells = m.Cells()

	case types.MetricAbsDifference:
		tw, ok := w.Writer.(sink.TensorWriter)
		if !ok {
			return 0, fmt.Errorf("%w: sink cannot store difference tensors", sink.ErrUnsupported)
		}
		t, err := kernel.AbsDifference(item.A, item.B, item.Diagonal())
		if err != nil {
			return 0, err
		}
		if err := tw.WriteTensor(ctx, item, t); err != nil {
			return 0, fmt.Errorf("write tensor: %w", err)
		}
		cells = t.Cells()

	default:
		return 0, fmt.Errorf("unsupported metric %q", w.Metric)
	}

	if w.Metrics != nil {
		w.Metrics.RecordItem(string(w.Metric), cells, time.Since(start))
	}
	w.Logger.Debug("item done", "seq", item.Seq, "a", item.A.Index, "b", item.B.Index, "pairs", cells)
	return cells, nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithTracing wraps stages in spans.
func WithTracing(p *telemetry.Provider) Option {
	return func(e *Engine) { e.tracer = p }
}

// Engine orchestrates a worker pool over one sink.
type Engine struct {
	cfg     Config
	sink    sink.Sink
	metrics *metrics.Metrics
	log     *slog.Logger
	tracer  *telemetry.Provider

	mu    sync.Mutex
	stats *Stats
}

// New creates an engine writing to s.
func New(s sink.Sink, cfg Config, opts ...Option) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.DispatchChunk <= 0 {
		cfg.DispatchChunk = 4
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = cfg.Workers
	}
	if cfg.Metric == "" {
		cfg.Metric = types.MetricCosine
	}
	if cfg.NullChunk <= 0 {
		cfg.NullChunk = nulls.DefaultChunk
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 500 * time.Millisecond
	}

	e := &Engine{cfg: cfg, sink: s, stats: &Stats{StartTime: time.Now()}}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logging.Discard()
	}
	if e.tracer == nil {
		e.tracer, _ = telemetry.Init(context.Background(), telemetry.Config{})
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Job describes a complete single-process run.
type Job struct {
	Mode  types.PairMode
	Left  *types.Universe
	Right *types.Universe

	BatchSize int

	// SkipNulls disables placeholder emission, for sinks where absent
	// cells already mean zero.
	SkipNulls bool
}

// Execute partitions, schedules and computes job, emits null placeholders
// and finalizes the sink.
func (e *Engine) Execute(ctx context.Context, job Job, progress ProgressCallback) (*Stats, error) {
	if job.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", job.BatchSize)
	}
	left := partition.Collect(job.Left, types.SideLeft, job.BatchSize)
	var right []*types.Batch
	if job.Mode == types.ModeCross {
		if job.Right == nil {
			return nil, fmt.Errorf("cross mode needs a right universe")
		}
		right = partition.Collect(job.Right, types.SideRight, job.BatchSize)
	}

	items, err := schedule.Pairs(job.Mode, left, right)
	if err != nil {
		return nil, err
	}
	total := schedule.Total(job.Mode, len(left), len(right))

	e.log.Info("computing",
		"mode", job.Mode,
		"metric", e.cfg.Metric,
		"left_batches", len(left),
		"right_batches", len(right),
		"items", total,
		"workers", e.cfg.Workers,
	)
	if _, err := e.Run(ctx, items, total, progress); err != nil {
		return e.Stats(), err
	}

	if !job.SkipNulls {
		if _, err := e.Reconcile(ctx, job.Mode, job.Left, job.Right); err != nil {
			return e.Stats(), err
		}
	}

	fctx, span := e.tracer.StartFinalize(ctx, string(sink.Kind(e.sink)))
	defer span.End()
	if err := e.sink.Finalize(fctx); err != nil {
		telemetry.RecordError(span, err)
		return e.Stats(), fmt.Errorf("finalize output: %w", err)
	}

	e.mu.Lock()
	e.stats.EndTime = time.Now()
	e.mu.Unlock()
	return e.Stats(), nil
}

// Run computes items over the worker pool. total is only used for
// progress. The first failing worker cancels the others; its error is
// returned as a *WorkerError.
func (e *Engine) Run(ctx context.Context, items iter.Seq[types.WorkItem], total int64, progress ProgressCallback) (*Stats, error) {
	atomic.AddInt64(&e.stats.TotalItems, total)

	ctx, span := e.tracer.StartCompute(ctx, total, e.cfg.Workers)
	defer span.End()
	start := time.Now()

	writers := make([]sink.Writer, e.cfg.Workers)
	for i := range writers {
		w, err := e.sink.Open(i)
		if err != nil {
			closeWriters(writers[:i])
			return e.Stats(), fmt.Errorf("open writer %d: %w", i, err)
		}
		writers[i] = w
	}

	g, gctx := errgroup.WithContext(ctx)
	chunks := make(chan []types.WorkItem, e.cfg.ChannelBuffer)

	// Producer: dispatch items in bounded chunks
	g.Go(func() error {
		defer close(chunks)

		size := e.cfg.DispatchChunk
		buf := make([]types.WorkItem, 0, size)
		for item := range items {
			buf = append(buf, item)
			if len(buf) < size {
				continue
			}
			select {
			case chunks <- buf:
			case <-gctx.Done():
				return gctx.Err()
			}
			buf = make([]types.WorkItem, 0, size)
		}
		if len(buf) > 0 {
			select {
			case chunks <- buf:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i, w := range writers {
		wc := &WorkerContext{
			ID:      i,
			Writer:  w,
			Metric:  e.cfg.Metric,
			Metrics: e.metrics,
			Logger:  logging.Worker(e.log, i),
		}
		g.Go(func() error {
			if e.metrics != nil {
				defer e.metrics.WorkerStarted()()
			}
			return e.work(gctx, wc, chunks)
		})
	}

	// Progress reporter
	done := make(chan struct{})
	var reporter sync.WaitGroup
	if progress != nil {
		reporter.Add(1)
		go func() {
			defer reporter.Done()
			ticker := time.NewTicker(e.cfg.ProgressInterval)
			defer ticker.Stop()

			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					progress(*e.Stats())
				}
			}
		}()
	}

	err := g.Wait()
	close(done)
	reporter.Wait()

	if cerr := closeWriters(writers); cerr != nil && err == nil {
		err = fmt.Errorf("close writers: %w", cerr)
	}

	stats := e.Stats()
	telemetry.RecordResult(span, stats.ProcessedItems, stats.Pairs, stats.Placeholders, time.Since(start))
	if err != nil {
		telemetry.RecordError(span, err)
		return stats, err
	}
	if progress != nil {
		progress(*stats)
	}
	return stats, nil
}

func (e *Engine) work(ctx context.Context, wc *WorkerContext, chunks <-chan []types.WorkItem) error {
	for chunk := range chunks {
		for _, item := range chunk {
			if err := ctx.Err(); err != nil {
				return err
			}
			cells, err := wc.Process(ctx, item)
			if err != nil {
				if e.metrics != nil && !errors.Is(err, context.Canceled) {
					e.metrics.RecordSinkError(string(sink.Kind(e.sink)))
				}
				wc.Logger.Error("work item failed", "seq", item.Seq, "error", err)
				return &WorkerError{Worker: wc.ID, Seq: item.Seq, Err: err}
			}
			atomic.AddInt64(&e.stats.Pairs, int64(cells))
			atomic.AddInt64(&e.stats.ProcessedItems, 1)
		}
	}
	return nil
}

// Reconcile writes placeholder records for every pair involving a null key
// through a dedicated writer.
func (e *Engine) Reconcile(ctx context.Context, mode types.PairMode, left, right *types.Universe) (int64, error) {
	nullCount := len(left.Nulls)
	if right != nil {
		nullCount += len(right.Nulls)
	}
	ctx, span := e.tracer.StartReconcile(ctx, nullCount)
	defer span.End()

	w, err := e.sink.Open(e.cfg.Workers)
	if err != nil {
		return 0, fmt.Errorf("open null writer: %w", err)
	}
	n, err := nulls.Reconcile(ctx, mode, left, right, w, e.cfg.NullChunk)
	if cerr := w.Close(); cerr != nil && err == nil {
		err = cerr
	}
	atomic.AddInt64(&e.stats.Placeholders, n)
	if e.metrics != nil {
		e.metrics.RecordPlaceholders(n)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return n, fmt.Errorf("reconcile nulls: %w", err)
	}
	if n > 0 {
		e.log.Info("null placeholders written", "records", n, "null_keys", nullCount)
	}
	return n, nil
}

// Stats returns a snapshot of current statistics.
func (e *Engine) Stats() *Stats {
	e.mu.Lock()
	start, end := e.stats.StartTime, e.stats.EndTime
	e.mu.Unlock()
	return &Stats{
		TotalItems:     atomic.LoadInt64(&e.stats.TotalItems),
		ProcessedItems: atomic.LoadInt64(&e.stats.ProcessedItems),
		Pairs:          atomic.LoadInt64(&e.stats.Pairs),
		Placeholders:   atomic.LoadInt64(&e.stats.Placeholders),
		StartTime:      start,
		EndTime:        end,
	}
}

func closeWriters(writers []sink.Writer) error {
	var errs []error
	for _, w := range writers {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

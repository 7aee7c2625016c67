package distributed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Siddhant-K-code/pairwise/pkg/engine"
	"github.com/Siddhant-K-code/pairwise/pkg/logging"
	"github.com/Siddhant-K-code/pairwise/pkg/metrics"
	"github.com/Siddhant-K-code/pairwise/pkg/partition"
	"github.com/Siddhant-K-code/pairwise/pkg/schedule"
	"github.com/Siddhant-K-code/pairwise/pkg/sink"
	"github.com/Siddhant-K-code/pairwise/pkg/telemetry"
	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// WorkerConfig configures one rank.
type WorkerConfig struct {
	Coordinator string
	Rank        int
	Token       string

	// Threads is the number of kernel workers inside the rank.
	Threads       int
	DispatchChunk int

	DialTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Tracer  *telemetry.Provider
}

// conn serializes frame writes; progress is sent from the engine's ticker.
type conn struct {
	net.Conn
	mu sync.Mutex
}

func (c *conn) send(typ string, body any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteFrame(c.Conn, typ, body)
}

// RunWorker joins the coordinator at cfg.Coordinator and computes this
// rank's tiles into the broadcast result array. It returns ErrAborted when
// the coordinator stops the run.
func RunWorker(ctx context.Context, cfg WorkerConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	log := logging.Rank(cfg.Logger, cfg.Rank)

	d := net.Dialer{Timeout: cfg.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", cfg.Coordinator)
	if err != nil {
		return fmt.Errorf("dial coordinator: %w", err)
	}
	c := &conn{Conn: nc}
	defer c.Close()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	b, err := join(c, cfg)
	if err != nil {
		if cerr := context.Cause(ctx); cerr != nil {
			return cerr
		}
		return err
	}

	// Everything after the broadcast goes through the reader.
	flushed := make(chan int, b.World)
	go func() {
		for {
			f, err := ReadFrame(c)
			if err != nil {
				cancel(fmt.Errorf("coordinator connection lost: %w", err))
				return
			}
			switch f.Type {
			case FrameFlushed:
				var s Step
				if err := f.Decode(&s); err != nil {
					cancel(err)
					return
				}
				flushed <- s.Step
			case FrameAbort:
				cancel(ErrAborted)
				return
			default:
				cancel(fmt.Errorf("%w: unexpected %s frame", ErrProtocol, f.Type))
				return
			}
		}
	}()

	stats, err := compute(ctx, c, cfg, log, b, flushed)
	if err != nil {
		if cerr := context.Cause(ctx); cerr != nil {
			err = cerr
		}
		if !errors.Is(err, ErrAborted) {
			log.Error("rank failed", "error", err)
			_ = c.send(FrameError, &ErrorReport{Rank: cfg.Rank, Message: err.Error()})
		}
		return err
	}

	log.Info("rank done", "items", stats.ProcessedItems, "pairs", stats.Pairs)
	return c.send(FrameDone, &Progress{Rank: cfg.Rank, Items: stats.ProcessedItems, Pairs: stats.Pairs})
}

// join performs HELLO/ACK and receives the broadcast.
func join(c *conn, cfg WorkerConfig) (*Broadcast, error) {
	if err := c.send(FrameHello, &Hello{Rank: cfg.Rank, Token: cfg.Token}); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	f, err := ReadFrame(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	switch f.Type {
	case FrameAck:
	case FrameAbort:
		return nil, ErrAborted
	default:
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrProtocol, FrameAck, f.Type)
	}

	f, err = ReadFrame(c)
	if err != nil {
		return nil, fmt.Errorf("receive broadcast: %w", err)
	}
	switch f.Type {
	case FrameBroadcast:
	case FrameAbort:
		return nil, ErrAborted
	default:
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrProtocol, FrameBroadcast, f.Type)
	}
	var b Broadcast
	if err := f.Decode(&b); err != nil {
		return nil, err
	}
	if cfg.Rank >= b.World {
		return nil, fmt.Errorf("%w: rank %d outside world of %d", ErrProtocol, cfg.Rank, b.World)
	}
	return &b, nil
}

// compute runs every tile of the rank, syncing the dataset and waiting on
// the collective flush after each one.
func compute(ctx context.Context, c *conn, cfg WorkerConfig, log *slog.Logger, b *Broadcast, flushed <-chan int) (*engine.Stats, error) {
	u, err := b.Universe()
	if err != nil {
		return nil, err
	}
	batches := partition.Collect(u, types.SideLeft, b.BatchSize)
	tiles := schedule.Tiles(cfg.Rank, schedule.Slices(len(batches), b.World))

	dense, err := sink.OpenDense(sink.DenseConfig{
		Path:   b.Path,
		Label:  b.Label,
		Metric: b.Metric,
		Codec:  b.Codec,
		Logger: log,
	})
	if err != nil {
		return nil, fmt.Errorf("open result array: %w", err)
	}
	defer dense.Close()

	tracer := cfg.Tracer
	if tracer == nil {
		tracer, _ = telemetry.Init(ctx, telemetry.Config{})
	}
	opts := []engine.Option{engine.WithLogger(log), engine.WithTracing(tracer)}
	if cfg.Metrics != nil {
		opts = append(opts, engine.WithMetrics(cfg.Metrics))
	}
	eng := engine.New(dense, engine.Config{
		Workers:       cfg.Threads,
		DispatchChunk: cfg.DispatchChunk,
		Metric:        b.Metric,
	}, opts...)

	report := func(s engine.Stats) {
		if err := c.send(FrameProgress, &Progress{Rank: cfg.Rank, Items: s.ProcessedItems, Pairs: s.Pairs}); err != nil {
			log.Debug("progress not sent", "error", err)
		}
	}

	log.Info("rank started", "batches", len(batches), "tiles", len(tiles))
	for _, tile := range tiles {
		if !tile.Idle {
			log.Debug("computing tile", "step", tile.Step, "rows", tile.Rows, "cols", tile.Cols, "items", tile.Count())
		}
		if _, err := eng.Run(ctx, tile.Items(batches), tile.Count(), report); err != nil {
			return nil, err
		}
		if err := flush(ctx, c, cfg.Rank, tile.Step, dense, tracer, flushed); err != nil {
			return nil, err
		}
	}
	return eng.Stats(), nil
}

func flush(ctx context.Context, c *conn, rank, step int, dense *sink.Dense, tracer *telemetry.Provider, flushed <-chan int) error {
	ctx, span := tracer.StartFlush(ctx, rank, step)
	defer span.End()

	if err := dense.Finalize(ctx); err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("sync step %d: %w", step, err)
	}
	if err := c.send(FrameFlush, &Step{Step: step}); err != nil {
		return fmt.Errorf("send flush %d: %w", step, err)
	}

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case got := <-flushed:
		if got != step {
			return fmt.Errorf("%w: released step %d while waiting for %d", ErrProtocol, got, step)
		}
		return nil
	}
}

// Package distributed runs a dense all-pairs job across several ranks. A
// coordinator owns the listening socket, launches the ranks, broadcasts the
// loaded universe and drives the collective flush after every tile. Ranks
// write straight into the shared dataset.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/Siddhant-K-code/pairwise/pkg/logging"
	"github.com/Siddhant-K-code/pairwise/pkg/metrics"
	"github.com/Siddhant-K-code/pairwise/pkg/partition"
	"github.com/Siddhant-K-code/pairwise/pkg/sink"
	"github.com/Siddhant-K-code/pairwise/pkg/telemetry"
	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// Config holds coordinator configuration.
type Config struct {
	// Workers is the number of ranks.
	Workers int

	// Listen is the coordinator address. Port 0 picks a free port.
	Listen string

	// HandshakeTimeout bounds how long ranks may take to join.
	HandshakeTimeout time.Duration

	// TeardownTimeout bounds how long exiting ranks are waited for before
	// they are killed.
	TeardownTimeout time.Duration

	// Dense describes the result array.
	Dense sink.DenseConfig

	BatchSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:          2,
		Listen:           "127.0.0.1:0",
		HandshakeTimeout: 30 * time.Second,
		TeardownTimeout:  10 * time.Second,
		BatchSize:        1024,
	}
}

// Stats is the aggregate progress of all ranks.
type Stats struct {
	World     int
	Items     int64
	Pairs     int64
	Steps     int
	Done      int
	StartTime time.Time
	EndTime   time.Time
}

// Duration returns the run duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// ProgressCallback is called whenever a rank reports progress.
type ProgressCallback func(stats Stats)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithMetrics records flush steps.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithTracing wraps flush barriers in spans.
func WithTracing(p *telemetry.Provider) Option {
	return func(c *Coordinator) { c.tracer = p }
}

// Coordinator runs one distributed job.
type Coordinator struct {
	cfg      Config
	launcher Launcher
	log      *slog.Logger
	metrics  *metrics.Metrics
	tracer   *telemetry.Provider

	state atomic.Int32
}

// New creates a coordinator that starts ranks with l.
func New(cfg Config, l Launcher, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.Listen == "" {
		cfg.Listen = def.Listen
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = def.TeardownTimeout
	}

	c := &Coordinator{cfg: cfg, launcher: l}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logging.Discard()
	}
	if c.tracer == nil {
		c.tracer, _ = telemetry.Init(context.Background(), telemetry.Config{})
	}
	return c
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) setState(s State) {
	if prev := State(c.state.Swap(int32(s))); prev != s {
		c.log.Debug("state change", "from", prev, "to", s)
	}
}

// member is the coordinator's view of one rank.
type member struct {
	rank   int
	handle Handle
	conn   net.Conn

	exited  chan struct{}
	waitErr error

	step  int
	items int64
	pairs int64
	done  bool
}

type event struct {
	rank  int
	frame Frame
	err   error
}

// Run computes the ALL-mode dense result of u across Workers ranks. The
// first rank failure aborts every rank and is returned as a *RankError.
func (c *Coordinator) Run(ctx context.Context, u *types.Universe, progress ProgressCallback) (*Stats, error) {
	world := c.cfg.Workers
	if world <= 0 {
		return nil, fmt.Errorf("distributed: worker count must be positive, got %d", world)
	}
	if c.cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("distributed: batch size must be positive, got %d", c.cfg.BatchSize)
	}
	switch c.cfg.Dense.Metric {
	case types.MetricCosine, types.MetricAbsDifference:
	default:
		return nil, fmt.Errorf("distributed: unsupported metric %q", c.cfg.Dense.Metric)
	}

	c.setState(StateIdle)
	defer c.setState(StateDisconnected)
	stats := &Stats{World: world, StartTime: time.Now()}

	dense, err := sink.CreateDense(c.cfg.Dense, u)
	if err != nil {
		return nil, fmt.Errorf("create result array: %w", err)
	}
	defer dense.Close()

	ln, err := net.Listen("tcp", c.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()
	token := uuid.NewString()

	c.log.Info("starting ranks",
		"world", world,
		"address", ln.Addr().String(),
		"batches", partition.Count(len(u.Valid), c.cfg.BatchSize),
	)

	members := make([]*member, world)
	quit := make(chan struct{})
	defer func() {
		close(quit)
		ln.Close()
		c.teardown(members)
	}()

	c.setState(StateSpawning)
	for rank := range members {
		h, err := c.launcher.Start(ctx, WorkerSpec{Rank: rank, Coordinator: ln.Addr().String(), Token: token})
		if err != nil {
			return nil, &RankError{Rank: rank, Err: err}
		}
		m := &member{rank: rank, handle: h, exited: make(chan struct{})}
		members[rank] = m
		go func() {
			m.waitErr = h.Wait()
			close(m.exited)
		}()
	}

	if err := c.handshake(ctx, ln, token, members, quit); err != nil {
		c.abort(members)
		return nil, err
	}

	c.setState(StateBroadcasting)
	b := newBroadcast(u)
	b.Label = c.cfg.Dense.Label
	b.Path = c.cfg.Dense.Path
	b.Codec = c.cfg.Dense.Codec
	b.Metric = c.cfg.Dense.Metric
	b.World = world
	b.BatchSize = c.cfg.BatchSize
	for _, m := range members {
		if err := WriteFrame(m.conn, FrameBroadcast, &b); err != nil {
			c.abort(members)
			return nil, &RankError{Rank: m.rank, Err: fmt.Errorf("broadcast: %w", err)}
		}
	}

	c.setState(StateComputing)
	events := make(chan event, world)
	for _, m := range members {
		go readEvents(m, events, quit)
	}

	if err := c.loop(ctx, members, events, stats, progress); err != nil {
		c.abort(members)
		return stats, err
	}
	stats.EndTime = time.Now()
	c.log.Info("distributed run complete",
		"items", stats.Items,
		"pairs", stats.Pairs,
		"steps", stats.Steps,
		"duration", stats.Duration(),
	)
	return stats, nil
}

// handshake accepts one HELLO per rank. Peers with a wrong token or a rank
// already taken are dropped.
func (c *Coordinator) handshake(ctx context.Context, ln net.Listener, token string, members []*member, quit <-chan struct{}) error {
	conns := make(chan net.Conn)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			select {
			case conns <- conn:
			case <-quit:
				conn.Close()
				return
			}
		}
	}()

	timer := time.NewTimer(c.cfg.HandshakeTimeout)
	defer timer.Stop()

	exited := make(chan int, len(members))
	for _, m := range members {
		go func() {
			select {
			case <-m.exited:
				exited <- m.rank
			case <-quit:
			}
		}()
	}

	joined := 0
	for joined < len(members) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w: %d of %d ranks joined within %s", ErrHandshake, joined, len(members), c.cfg.HandshakeTimeout)
		case rank := <-exited:
			m := members[rank]
			if m.conn == nil {
				err := m.waitErr
				if err == nil {
					err = errors.New("exited before joining")
				}
				return &RankError{Rank: rank, Err: fmt.Errorf("%w: %w", ErrHandshake, err)}
			}
		case conn := <-conns:
			m, err := c.accept(conn, token, members)
			if err != nil {
				c.log.Warn("rejected peer", "remote", conn.RemoteAddr().String(), "error", err)
				conn.Close()
				continue
			}
			m.conn = conn
			joined++
			c.log.Debug("rank joined", "rank", m.rank, "remote", conn.RemoteAddr().String())
		}
	}
	return nil
}

func (c *Coordinator) accept(conn net.Conn, token string, members []*member) (*member, error) {
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	f, err := ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	if f.Type != FrameHello {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrProtocol, FrameHello, f.Type)
	}
	var h Hello
	if err := f.Decode(&h); err != nil {
		return nil, err
	}
	if h.Token != token {
		return nil, fmt.Errorf("%w: bad token", ErrProtocol)
	}
	if h.Rank < 0 || h.Rank >= len(members) || members[h.Rank].conn != nil {
		return nil, fmt.Errorf("%w: rank %d unknown or already joined", ErrProtocol, h.Rank)
	}
	if err := WriteFrame(conn, FrameAck, &Ack{Session: token, World: len(members)}); err != nil {
		return nil, err
	}
	return members[h.Rank], nil
}

func readEvents(m *member, events chan<- event, quit <-chan struct{}) {
	for {
		f, err := ReadFrame(m.conn)
		select {
		case events <- event{rank: m.rank, frame: f, err: err}:
		case <-quit:
			return
		}
		if err != nil {
			return
		}
	}
}

// loop serves rank events until every rank is done. A flush step is released
// once all ranks have reached it.
func (c *Coordinator) loop(ctx context.Context, members []*member, events <-chan event, stats *Stats, progress ProgressCallback) error {
	world := len(members)
	arrived := make(map[int]int)

	spans := make(map[int]trace.Span)
	defer func() {
		for _, span := range spans {
			span.End()
		}
	}()

	for stats.Done < world {
		var ev event
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev = <-events:
		}
		m := members[ev.rank]

		if ev.err != nil {
			if m.done {
				continue
			}
			if errors.Is(ev.err, io.EOF) {
				ev.err = errors.New("connection closed before completion")
			}
			return &RankError{Rank: ev.rank, Err: ev.err}
		}

		switch ev.frame.Type {
		case FrameProgress:
			var p Progress
			if err := ev.frame.Decode(&p); err != nil {
				return &RankError{Rank: ev.rank, Err: err}
			}
			c.update(members, m, p, stats, progress)

		case FrameFlush:
			var s Step
			if err := ev.frame.Decode(&s); err != nil {
				return &RankError{Rank: ev.rank, Err: err}
			}
			if s.Step != m.step+1 {
				return &RankError{Rank: ev.rank, Err: fmt.Errorf("%w: flush step %d after %d", ErrProtocol, s.Step, m.step)}
			}
			m.step = s.Step
			arrived[s.Step]++
			if arrived[s.Step] == 1 {
				c.setState(StateFlushing)
				_, spans[s.Step] = c.tracer.StartFlush(ctx, -1, s.Step)
			}
			if arrived[s.Step] < world {
				continue
			}

			delete(arrived, s.Step)
			spans[s.Step].End()
			delete(spans, s.Step)
			for _, peer := range members {
				if err := WriteFrame(peer.conn, FrameFlushed, &s); err != nil {
					return &RankError{Rank: peer.rank, Err: fmt.Errorf("release flush %d: %w", s.Step, err)}
				}
			}
			stats.Steps = s.Step
			if c.metrics != nil {
				c.metrics.RecordFlush()
			}
			c.log.Debug("flush step released", "step", s.Step)
			c.setState(StateComputing)

		case FrameDone:
			var p Progress
			if err := ev.frame.Decode(&p); err != nil {
				return &RankError{Rank: ev.rank, Err: err}
			}
			m.done = true
			stats.Done++
			c.update(members, m, p, stats, progress)
			c.log.Info("rank finished", "rank", ev.rank, "items", p.Items, "pairs", p.Pairs)

		case FrameError:
			var r ErrorReport
			if err := ev.frame.Decode(&r); err != nil {
				return &RankError{Rank: ev.rank, Err: err}
			}
			return &RankError{Rank: ev.rank, Err: errors.New(r.Message)}

		default:
			return &RankError{Rank: ev.rank, Err: fmt.Errorf("%w: unexpected %s frame", ErrProtocol, ev.frame.Type)}
		}
	}
	return nil
}

func (c *Coordinator) update(members []*member, m *member, p Progress, stats *Stats, progress ProgressCallback) {
	m.items, m.pairs = p.Items, p.Pairs
	stats.Items, stats.Pairs = 0, 0
	for _, peer := range members {
		stats.Items += peer.items
		stats.Pairs += peer.pairs
	}
	if progress != nil {
		progress(*stats)
	}
}

// abort tells every connected rank to stop. Errors are ignored: the rank may
// already be gone.
func (c *Coordinator) abort(members []*member) {
	c.log.Warn("aborting distributed run")
	for _, m := range members {
		if m == nil || m.conn == nil || m.done {
			continue
		}
		_ = m.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = WriteFrame(m.conn, FrameAbort, nil)
	}
}

// teardown closes every connection and waits for ranks to exit, killing
// those that outlive TeardownTimeout.
func (c *Coordinator) teardown(members []*member) {
	for _, m := range members {
		if m != nil && m.conn != nil {
			m.conn.Close()
		}
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	expired := make(chan struct{})
	timer := time.AfterFunc(c.cfg.TeardownTimeout, func() { close(expired) })
	defer timer.Stop()
	for _, m := range members {
		if m == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-m.exited:
				if m.waitErr != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("rank %d exit: %w", m.rank, m.waitErr))
					mu.Unlock()
				}
			case <-expired:
				err := m.handle.Kill()
				mu.Lock()
				errs = append(errs, fmt.Errorf("rank %d killed after %s", m.rank, c.cfg.TeardownTimeout))
				if err != nil {
					errs = append(errs, fmt.Errorf("kill rank %d: %w", m.rank, err))
				}
				mu.Unlock()
				<-m.exited
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		c.log.Warn("teardown incomplete", "error", &TeardownError{Errs: errs})
	}
}

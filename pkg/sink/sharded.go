package sink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/Siddhant-K-code/pairwise/pkg/kernel"
	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// Decimals used when formatting scores.
const (
	ScoreDecimals     = 4
	ConvertedDecimals = 3
)

// placeholderScore is written for pairs involving a null vector.
const placeholderScore = "0.0"

// Sharded writes one append-only CSV shard per worker and concatenates the
// shards into the output file on Finalize.
type Sharded struct {
	output string
	dir    string
	log    *slog.Logger

	mu     sync.Mutex
	shards map[int]string
}

// NewSharded prepares a sharded writer for output. Shards live in a
// run-specific directory next to the output so concurrent runs never mix.
func NewSharded(output, runID string, logger *slog.Logger) (*Sharded, error) {
	return NewShardedIn(output, "", runID, logger)
}

// NewShardedIn is NewSharded with the shard directory placed under tempDir
// instead of next to the output. An empty tempDir means next to the output.
func NewShardedIn(output, tempDir, runID string, logger *slog.Logger) (*Sharded, error) {
	if output == "" {
		return nil, fmt.Errorf("sink: output file is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	dir := output + ".shards-" + runID
	if tempDir != "" {
		dir = filepath.Join(tempDir, filepath.Base(output)+".shards-"+runID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sink: create shard dir: %w", err)
	}
	return &Sharded{output: output, dir: dir, log: logger, shards: make(map[int]string)}, nil
}

// Dir returns the shard directory.
func (s *Sharded) Dir() string {
	return s.dir
}

// Open creates the shard of worker id.
func (s *Sharded) Open(id int) (Writer, error) {
	path := filepath.Join(s.dir, fmt.Sprintf("shard-%04d.csv", id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open shard %d: %w", id, err)
	}

	s.mu.Lock()
	s.shards[id] = path
	s.mu.Unlock()

	return &shardWriter{f: f, w: bufio.NewWriterSize(f, 256*1024)}, nil
}

// Finalize concatenates the shards in worker order into the output file and
// removes them.
func (s *Sharded) Finalize(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]int, 0, len(s.shards))
	for id := range s.shards {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Ints(ids)

	out, err := os.Create(s.output)
	if err != nil {
		return fmt.Errorf("sink: create output: %w", err)
	}
	w := bufio.NewWriterSize(out, 1024*1024)

	var total int64
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			_ = out.Close()
			return err
		}
		n, err := appendFile(w, s.shards[id])
		if err != nil {
			_ = out.Close()
			return fmt.Errorf("sink: merge shard %d: %w", id, err)
		}
		total += n
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	s.log.Info("merged shards", "output", s.output, "shards", len(ids), "bytes", total)
	return os.RemoveAll(s.dir)
}

// Close leaves shards of a failed run on disk for inspection.
func (s *Sharded) Close() error {
	return nil
}

func appendFile(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}

type shardWriter struct {
	f   *os.File
	w   *bufio.Writer
	buf []byte
}

func (s *shardWriter) line(left, right types.Key, score []byte) error {
	s.buf = s.buf[:0]
	s.buf = append(s.buf, left...)
	s.buf = append(s.buf, ',')
	s.buf = append(s.buf, right...)
	s.buf = append(s.buf, ',')
	s.buf = append(s.buf, score...)
	s.buf = append(s.buf, '\n')
	_, err := s.w.Write(s.buf)
	return err
}

func (s *shardWriter) WriteScores(_ context.Context, item types.WorkItem, m *kernel.Matrix) error {
	var err error
	var num []byte
	m.Each(func(i, j int, score float32) {
		if err != nil {
			return
		}
		num = FormatScore(num[:0], score, ScoreDecimals)
		err = s.line(item.A.Keys[i], item.B.Keys[j], num)
	})
	return err
}

func (s *shardWriter) WriteRecords(_ context.Context, records []types.Record) error {
	var num []byte
	for _, r := range records {
		if r.Placeholder {
			num = append(num[:0], placeholderScore...)
		} else {
			num = FormatScore(num[:0], r.Score, ScoreDecimals)
		}
		if err := s.line(r.Left, r.Right, num); err != nil {
			return err
		}
	}
	return nil
}

func (s *shardWriter) Close() error {
	if err := s.w.Flush(); err != nil {
		_ = s.f.Close()
		return err
	}
	return s.f.Close()
}

// FormatScore appends score with the given number of decimals.
func FormatScore(dst []byte, score float32, decimals int) []byte {
	return strconv.AppendFloat(dst, float64(score), 'f', decimals, 32)
}

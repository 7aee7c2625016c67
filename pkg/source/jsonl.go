package source

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// jsonVector is the expected JSONL line format. "values" may be null or
// missing for items without a vector.
type jsonVector struct {
	ID     json.RawMessage `json:"id"`
	Values []float32       `json:"values"`
}

// JSONL is a source backed by a JSON Lines file, read fully into memory.
type JSONL struct {
	*Static
}

// OpenJSONL reads a JSONL file of {"id": ..., "values": [...]} records.
// Malformed lines are skipped with a warning. dim may be 0 to infer it.
func OpenJSONL(path string, dim int, logger *slog.Logger) (*JSONL, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	return ReadJSONL(f, dim, logger)
}

// ReadJSONL parses JSONL records from r.
func ReadJSONL(r io.Reader, dim int, logger *slog.Logger) (*JSONL, error) {
	if logger == nil {
		logger = slog.Default()
	}

	scanner := bufio.NewScanner(r)

	// Increase buffer for large lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 16*1024*1024)

	vectors := make(map[types.Key][]float32)
	var nulls []types.Key
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var v jsonVector
		if err := json.Unmarshal(raw, &v); err != nil {
			logger.Warn("skipping malformed line", "line", line, "error", err)
			continue
		}
		key, err := parseID(v.ID)
		if err != nil {
			logger.Warn("skipping line without usable id", "line", line, "error", err)
			continue
		}
		if v.Values == nil {
			nulls = append(nulls, key)
			continue
		}
		vectors[key] = v.Values
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return &JSONL{Static: NewStatic(vectors, dim, nulls...)}, nil
}

// parseID accepts string or integer ids.
func parseID(raw json.RawMessage) (types.Key, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("missing id")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", fmt.Errorf("empty id")
		}
		return types.Key(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("id must be a string or number: %s", raw)
	}
	if _, err := n.Int64(); err != nil {
		return "", fmt.Errorf("numeric id must be an integer: %s", raw)
	}
	return types.Key(n.String()), nil
}

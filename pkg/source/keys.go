package source

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// ReadKeysFile reads one key per line. Blank lines and lines starting with
// '#' are skipped.
func ReadKeysFile(path string) ([]types.Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open keys file: %w", err)
	}
	defer f.Close()

	var keys []types.Key
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, types.Key(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read keys file: %w", err)
	}
	return keys, nil
}

// Restrict limits src to keys. Listed keys the source has no vector for are
// loaded as nulls.
func Restrict(src Source, keys []types.Key) Source {
	return &restricted{Source: src, keys: keys}
}

type restricted struct {
	Source
	keys []types.Key
}

func (r *restricted) Keys(context.Context) ([]types.Key, error) {
	return append([]types.Key(nil), r.keys...), nil
}

package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// BadgerOptions configures the embedded store.
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string

	// InMemory runs BadgerDB without disk persistence.
	InMemory bool

	// KeyPrefix is prepended to every left key.
	KeyPrefix string

	// Logger receives badger's warnings and errors. Defaults to slog.Default().
	Logger *slog.Logger

	// MaxRetries bounds transaction retries on conflict.
	MaxRetries int
}

// Badger stores each left key's mapping as a msgpack-encoded value.
type Badger struct {
	db   *badger.DB
	opts BadgerOptions
}

// NewBadger opens (or creates) a Badger-backed store.
func NewBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("kv: BadgerOptions.Dir is required for on-disk mode")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{opts.Logger})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("kv: open badger: %w", err)
	}
	return &Badger{db: db, opts: opts}, nil
}

func (b *Badger) key(left types.Key) []byte {
	return []byte(b.opts.KeyPrefix + string(left))
}

// Get returns the mapping stored for left.
func (b *Badger) Get(_ context.Context, left types.Key) (Scores, error) {
	var out Scores
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = readScores(txn, b.key(left))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return out, err
}

// Update runs fn in a read-write transaction, retrying on conflict.
func (b *Badger) Update(ctx context.Context, left types.Key, fn UpdateFunc) error {
	k := b.key(left)
	for attempt := 0; attempt < b.opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.db.Update(func(txn *badger.Txn) error {
			cur, err := readScores(txn, k)
			if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if cur == nil {
				cur = Scores{}
			}

			next := fn(cur)
			if len(next) == 0 {
				return txn.Delete(k)
			}
			val, err := msgpack.Marshal(next)
			if err != nil {
				return err
			}
			return txn.Set(k, val)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return fmt.Errorf("kv: update %s: %w", k, err)
		}
	}
	return fmt.Errorf("kv: update %s: %w", k, ErrConflict)
}

// Close closes the database.
func (b *Badger) Close() error {
	return b.db.Close()
}

func readScores(txn *badger.Txn, k []byte) (Scores, error) {
	item, err := txn.Get(k)
	if err != nil {
		return nil, err
	}
	var out Scores
	err = item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &out)
	})
	return out, err
}

// badgerLogger forwards badger's warnings and errors to slog and drops the
// rest.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.log.Error(fmt.Sprintf(f, v...), "component", "badger")
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.log.Warn(fmt.Sprintf(f, v...), "component", "badger")
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}

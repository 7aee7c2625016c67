// Package dataset implements a chunked, compressed on-disk array container.
//
// A dataset is a directory. Named regions are subdirectories: key lists
// (such as input/id) are single msgpack files, arrays (such as
// vectors/<label>, sim/<label> or difference/<label>) are directories
// holding an .array descriptor and one file per chunk. Chunks that were
// never written read as the fill value.
//
// Any number of processes may open the same dataset and write disjoint or
// overlapping regions concurrently: every chunk read-modify-write runs under
// an advisory lock on the chunk file.
package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

const (
	manifestName  = ".dataset"
	arrayMetaName = ".array"
	formatName    = "pairwise-dataset"
	formatVersion = 1

	maxChunkBytes = math.MaxUint32
)

// Region names.
const (
	RegionIDs     = "input/id"
	RegionNulls   = "input/null"
	VectorsPrefix = "vectors/"
	SimPrefix     = "sim/"
	DiffPrefix    = "difference/"
)

var (
	// ErrNotExist is returned when a dataset or region does not exist.
	ErrNotExist = errors.New("dataset: does not exist")

	// ErrShapeMismatch is returned when an existing array differs from the
	// requested shape or chunking.
	ErrShapeMismatch = errors.New("dataset: shape mismatch")

	// ErrReadOnly is returned on writes to a dataset opened read-only.
	ErrReadOnly = errors.New("dataset: opened read-only")
)

// Options configures how a dataset is opened.
type Options struct {
	// Codec compresses newly created arrays.
	Codec Codec

	// ReadOnly rejects writes and enables the chunk cache.
	ReadOnly bool

	// CacheChunks is the number of decoded chunks kept per array when
	// ReadOnly is set. Zero disables caching.
	CacheChunks int

	Logger *slog.Logger
}

// DefaultOptions returns zstd-compressed, writable defaults.
func DefaultOptions() Options {
	return Options{Codec: CodecZstd, CacheChunks: 64}
}

type manifest struct {
	Format  string    `msgpack:"format"`
	Version int       `msgpack:"version"`
	Created time.Time `msgpack:"created"`
	Codec   Codec     `msgpack:"codec"`
}

// File is an open dataset.
type File struct {
	root string
	opts Options
	man  manifest

	mu     sync.Mutex
	arrays map[string]*Array
}

// Create initializes a new dataset at dir, replacing any dataset already
// there.
func Create(dir string, opts Options) (*File, error) {
	if opts.ReadOnly {
		return nil, ErrReadOnly
	}
	if _, err := os.Stat(filepath.Join(dir, manifestName)); err == nil {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("dataset: remove existing %s: %w", dir, err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("dataset: create %s: %w", dir, err)
	}

	f := newFile(dir, opts)
	f.man = manifest{
		Format:  formatName,
		Version: formatVersion,
		Created: time.Now().UTC(),
		Codec:   opts.Codec,
	}
	if err := writeMsgpack(filepath.Join(dir, manifestName), f.man); err != nil {
		return nil, err
	}
	return f, nil
}

// Open opens an existing dataset. Several processes may hold the same
// dataset open for writing at once.
func Open(dir string, opts Options) (*File, error) {
	f := newFile(dir, opts)
	if err := readMsgpack(filepath.Join(dir, manifestName), &f.man); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, dir)
		}
		return nil, err
	}
	if f.man.Format != formatName {
		return nil, fmt.Errorf("dataset: %s is not a %s (format %q)", dir, formatName, f.man.Format)
	}
	if f.man.Version > formatVersion {
		return nil, fmt.Errorf("dataset: %s has unsupported version %d", dir, f.man.Version)
	}
	return f, nil
}

func newFile(dir string, opts Options) *File {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &File{root: dir, opts: opts, arrays: make(map[string]*Array)}
}

// Path returns the dataset directory.
func (f *File) Path() string {
	return f.root
}

// Codec returns the dataset's default codec.
func (f *File) Codec() Codec {
	return f.man.Codec
}

func (f *File) regionPath(name string) (string, error) {
	clean := path.Clean(name)
	if clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("dataset: invalid region name %q", name)
	}
	return filepath.Join(f.root, filepath.FromSlash(clean)), nil
}

// WriteKeys stores an ordered key list under region.
func (f *File) WriteKeys(region string, keys []types.Key) error {
	if f.opts.ReadOnly {
		return ErrReadOnly
	}
	p, err := f.regionPath(region)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return writeMsgpack(p, keys)
}

// ReadKeys loads a key list written by WriteKeys.
func (f *File) ReadKeys(region string) ([]types.Key, error) {
	p, err := f.regionPath(region)
	if err != nil {
		return nil, err
	}
	var keys []types.Key
	if err := readMsgpack(p, &keys); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, region)
		}
		return nil, err
	}
	return keys, nil
}

// CreateArray returns the array named name, creating it when absent. An
// existing array must have the same shape and chunking. chunks[1] must equal
// shape[1] for three-dimensional arrays.
func (f *File) CreateArray(name string, shape, chunks []int) (*Array, error) {
	return f.createArray(name, shape, chunks, false)
}

// ResetArray creates the array named name, discarding every chunk of an
// existing array of that name so all cells read as the fill value again.
func (f *File) ResetArray(name string, shape, chunks []int) (*Array, error) {
	return f.createArray(name, shape, chunks, true)
}

func (f *File) createArray(name string, shape, chunks []int, reset bool) (*Array, error) {
	if f.opts.ReadOnly {
		return nil, ErrReadOnly
	}
	if err := checkGeometry(shape, chunks); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir, err := f.regionPath(name)
	if err != nil {
		return nil, err
	}
	if reset {
		delete(f.arrays, name)
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("dataset: reset %s: %w", name, err)
		}
	}

	meta := arrayMeta{
		Shape:  shape,
		Chunks: chunks,
		DType:  "float32",
		Fill:   0,
		Codec:  f.man.Codec,
	}
	a, err := f.loadArray(name, dir)
	switch {
	case err == nil:
		if !slices.Equal(a.meta.Shape, shape) || !slices.Equal(a.meta.Chunks, chunks) {
			return nil, fmt.Errorf("%w: %s is %v chunked %v", ErrShapeMismatch, name, a.meta.Shape, a.meta.Chunks)
		}
		return a, nil
	case !errors.Is(err, ErrNotExist):
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := writeMsgpack(filepath.Join(dir, arrayMetaName), meta); err != nil {
		return nil, err
	}
	a = newArray(dir, meta, f.opts)
	f.arrays[name] = a
	f.opts.Logger.Debug("created array", "dataset", f.root, "array", name, "shape", shape, "chunks", chunks)
	return a, nil
}

// Array opens an existing array.
func (f *File) Array(name string) (*Array, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir, err := f.regionPath(name)
	if err != nil {
		return nil, err
	}
	return f.loadArray(name, dir)
}

// loadArray must be called with f.mu held.
func (f *File) loadArray(name, dir string) (*Array, error) {
	if a, ok := f.arrays[name]; ok {
		return a, nil
	}
	var meta arrayMeta
	if err := readMsgpack(filepath.Join(dir, arrayMetaName), &meta); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, name)
		}
		return nil, err
	}
	if err := checkGeometry(meta.Shape, meta.Chunks); err != nil {
		return nil, fmt.Errorf("dataset: %s: %w", name, err)
	}
	a := newArray(dir, meta, f.opts)
	f.arrays[name] = a
	return a, nil
}

// Sync flushes every array written through this handle to stable storage.
func (f *File) Sync() error {
	f.mu.Lock()
	arrays := make([]*Array, 0, len(f.arrays))
	for _, a := range f.arrays {
		arrays = append(arrays, a)
	}
	f.mu.Unlock()

	var errs []error
	for _, a := range arrays {
		if err := a.Sync(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close syncs pending writes.
func (f *File) Close() error {
	if f.opts.ReadOnly {
		return nil
	}
	return f.Sync()
}

func checkGeometry(shape, chunks []int) error {
	if len(shape) != 2 && len(shape) != 3 {
		return fmt.Errorf("dataset: arrays must be 2- or 3-dimensional, got shape %v", shape)
	}
	if len(chunks) != len(shape) {
		return fmt.Errorf("dataset: chunk rank %d does not match shape rank %d", len(chunks), len(shape))
	}
	for i := range shape {
		if shape[i] < 0 || chunks[i] <= 0 {
			return fmt.Errorf("dataset: invalid shape %v or chunks %v", shape, chunks)
		}
	}
	if len(shape) == 3 && chunks[1] != shape[1] {
		return fmt.Errorf("dataset: middle axis must be unchunked, got chunk %d for extent %d", chunks[1], shape[1])
	}
	// Block headers record byte counts as uint32.
	size := uint64(4)
	for _, c := range chunks {
		if uint64(c) > maxChunkBytes/size {
			return fmt.Errorf("dataset: chunks %v exceed %d bytes per chunk", chunks, uint64(maxChunkBytes))
		}
		size *= uint64(c)
	}
	return nil
}

// writeMsgpack writes v to p atomically.
func writeMsgpack(p string, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("dataset: encode %s: %w", p, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func readMsgpack(p string, v any) error {
	data, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("dataset: decode %s: %w", p, err)
	}
	return nil
}

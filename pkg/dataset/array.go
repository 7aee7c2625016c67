package dataset

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const lockStripes = 64

type arrayMeta struct {
	Shape  []int   `msgpack:"shape"`
	Chunks []int   `msgpack:"chunks"`
	DType  string  `msgpack:"dtype"`
	Fill   float32 `msgpack:"fill"`
	Codec  Codec   `msgpack:"codec"`
}

// Array is a 2-D (rows × cols) or 3-D (rows × depth × cols) float32 array.
// The depth axis of a 3-D array is never chunked.
type Array struct {
	dir      string
	meta     arrayMeta
	readOnly bool

	locks [lockStripes]sync.Mutex
	cache *lru.Cache[string, []float32]

	dirtyMu sync.Mutex
	dirty   map[string]struct{}
}

func newArray(dir string, meta arrayMeta, opts Options) *Array {
	a := &Array{
		dir:      dir,
		meta:     meta,
		readOnly: opts.ReadOnly,
		dirty:    make(map[string]struct{}),
	}
	if opts.ReadOnly && opts.CacheChunks > 0 {
		a.cache, _ = lru.New[string, []float32](opts.CacheChunks)
	}
	return a
}

// Shape returns the array extent per axis.
func (a *Array) Shape() []int {
	return append([]int(nil), a.meta.Shape...)
}

// Chunks returns the chunk extent per axis.
func (a *Array) Chunks() []int {
	return append([]int(nil), a.meta.Chunks...)
}

// Depth is the extent of the middle axis, 1 for 2-D arrays.
func (a *Array) Depth() int {
	if len(a.meta.Shape) == 3 {
		return a.meta.Shape[1]
	}
	return 1
}

func (a *Array) rows() int { return a.meta.Shape[0] }
func (a *Array) cols() int { return a.meta.Shape[len(a.meta.Shape)-1] }

func (a *Array) chunkRows() int { return a.meta.Chunks[0] }
func (a *Array) chunkCols() int { return a.meta.Chunks[len(a.meta.Chunks)-1] }

// chunkLen is the element count of every chunk, edge chunks included.
func (a *Array) chunkLen() int {
	return a.chunkRows() * a.Depth() * a.chunkCols()
}

func (a *Array) chunkName(ci, cj int) string {
	if len(a.meta.Shape) == 3 {
		return "c." + strconv.Itoa(ci) + ".0." + strconv.Itoa(cj)
	}
	return "c." + strconv.Itoa(ci) + "." + strconv.Itoa(cj)
}

func (a *Array) stripe(name string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return &a.locks[h.Sum32()%lockStripes]
}

// Block addresses a dense slab onto the array. Element (i, d, j) of Data,
// stored at (i*depth+d)*len(Cols)+j, lands at (Rows[i], d, Cols[j]). Rows
// and Cols need not be contiguous.
type Block struct {
	Rows []int
	Cols []int
	Data []float32

	// Skip, when set, leaves cell (i, j) untouched on every depth.
	Skip func(i, j int) bool
}

// chunkGroup lists block indices falling in one chunk along one axis.
type chunkGroup struct {
	chunk int
	idx   []int
}

func groupByChunk(coords []int, size, extent int) ([]chunkGroup, error) {
	pos := make(map[int]int)
	var groups []chunkGroup
	for i, c := range coords {
		if c < 0 || c >= extent {
			return nil, fmt.Errorf("dataset: coordinate %d out of range [0, %d)", c, extent)
		}
		ch := c / size
		g, ok := pos[ch]
		if !ok {
			g = len(groups)
			pos[ch] = g
			groups = append(groups, chunkGroup{chunk: ch})
		}
		groups[g].idx = append(groups[g].idx, i)
	}
	return groups, nil
}

// WriteBlock stores b. Each touched chunk is read, patched and rewritten
// under both an in-process mutex and an exclusive file lock, so concurrent
// writers, in this process or others, never lose each other's cells.
func (a *Array) WriteBlock(b Block) error {
	if a.readOnly {
		return ErrReadOnly
	}
	depth := a.Depth()
	if len(b.Data) != len(b.Rows)*depth*len(b.Cols) {
		return fmt.Errorf("dataset: block data has %d values, want %d", len(b.Data), len(b.Rows)*depth*len(b.Cols))
	}
	rowGroups, err := groupByChunk(b.Rows, a.chunkRows(), a.rows())
	if err != nil {
		return err
	}
	colGroups, err := groupByChunk(b.Cols, a.chunkCols(), a.cols())
	if err != nil {
		return err
	}

	for _, rg := range rowGroups {
		for _, cg := range colGroups {
			if !b.touches(rg.idx, cg.idx) {
				continue
			}
			name := a.chunkName(rg.chunk, cg.chunk)
			if err := a.patchChunk(name, func(chunk []float32) {
				a.scatter(chunk, b, rg.idx, cg.idx)
			}); err != nil {
				return fmt.Errorf("dataset: write chunk %s: %w", name, err)
			}
		}
	}
	return nil
}

func (b *Block) touches(rows, cols []int) bool {
	if b.Skip == nil {
		return true
	}
	for _, i := range rows {
		for _, j := range cols {
			if !b.Skip(i, j) {
				return true
			}
		}
	}
	return false
}

func (a *Array) scatter(chunk []float32, b Block, rows, cols []int) {
	depth := a.Depth()
	cr, cc := a.chunkRows(), a.chunkCols()
	n := len(b.Cols)
	for _, i := range rows {
		lr := b.Rows[i] % cr
		for _, j := range cols {
			if b.Skip != nil && b.Skip(i, j) {
				continue
			}
			lc := b.Cols[j] % cc
			for d := 0; d < depth; d++ {
				chunk[(lr*depth+d)*cc+lc] = b.Data[(i*depth+d)*n+j]
			}
		}
	}
}

func (a *Array) patchChunk(name string, patch func([]float32)) error {
	mu := a.stripe(name)
	mu.Lock()
	defer mu.Unlock()

	p := filepath.Join(a.dir, name)
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := lockFile(f, true); err != nil {
		return err
	}
	defer func() { _ = unlockFile(f) }()

	chunk, err := a.readChunkFile(f)
	if err != nil {
		return err
	}
	patch(chunk)

	encoded, err := encodeChunk(chunk, a.meta.Codec)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(encoded, 0); err != nil {
		return err
	}

	a.dirtyMu.Lock()
	a.dirty[name] = struct{}{}
	a.dirtyMu.Unlock()
	return nil
}

// readChunkFile decodes f, returning a fill-initialized chunk when f is empty.
func (a *Array) readChunkFile(f *os.File) ([]float32, error) {
	chunk := make([]float32, a.chunkLen())
	data, err := io.ReadAll(io.NewSectionReader(f, 0, 1<<62))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		if a.meta.Fill != 0 {
			for i := range chunk {
				chunk[i] = a.meta.Fill
			}
		}
		return chunk, nil
	}
	if err := decodeChunk(data, a.meta.Codec, chunk); err != nil {
		return nil, err
	}
	return chunk, nil
}

// loadChunk returns the decoded chunk, or a fill-initialized one when the
// chunk was never written.
func (a *Array) loadChunk(name string) ([]float32, error) {
	if a.cache != nil {
		if c, ok := a.cache.Get(name); ok {
			return c, nil
		}
	}

	f, err := os.Open(filepath.Join(a.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		f = nil
	} else if err != nil {
		return nil, err
	}

	var chunk []float32
	if f == nil {
		chunk = make([]float32, a.chunkLen())
		if a.meta.Fill != 0 {
			for i := range chunk {
				chunk[i] = a.meta.Fill
			}
		}
	} else {
		defer f.Close()
		if err := lockFile(f, false); err != nil {
			return nil, err
		}
		chunk, err = a.readChunkFile(f)
		_ = unlockFile(f)
		if err != nil {
			return nil, fmt.Errorf("dataset: read chunk %s: %w", name, err)
		}
	}

	if a.cache != nil {
		a.cache.Add(name, chunk)
	}
	return chunk, nil
}

// ReadBlock gathers the cells (rows[i], d, cols[j]) into a slab laid out
// like Block.Data.
func (a *Array) ReadBlock(rows, cols []int) ([]float32, error) {
	depth := a.Depth()
	rowGroups, err := groupByChunk(rows, a.chunkRows(), a.rows())
	if err != nil {
		return nil, err
	}
	colGroups, err := groupByChunk(cols, a.chunkCols(), a.cols())
	if err != nil {
		return nil, err
	}

	out := make([]float32, len(rows)*depth*len(cols))
	cr, cc := a.chunkRows(), a.chunkCols()
	n := len(cols)
	for _, rg := range rowGroups {
		for _, cg := range colGroups {
			chunk, err := a.loadChunk(a.chunkName(rg.chunk, cg.chunk))
			if err != nil {
				return nil, err
			}
			for _, i := range rg.idx {
				lr := rows[i] % cr
				for _, j := range cg.idx {
					lc := cols[j] % cc
					for d := 0; d < depth; d++ {
						out[(i*depth+d)*n+j] = chunk[(lr*depth+d)*cc+lc]
					}
				}
			}
		}
	}
	return out, nil
}

// ReadRows reads rows [lo, hi) in full.
func (a *Array) ReadRows(lo, hi int) ([]float32, error) {
	return a.ReadBlock(Span(lo, hi), Span(0, a.cols()))
}

// Span returns the coordinates lo, lo+1, ..., hi-1.
func Span(lo, hi int) []int {
	if hi <= lo {
		return nil
	}
	out := make([]int, hi-lo)
	for i := range out {
		out[i] = lo + i
	}
	return out
}

// Sync flushes every chunk written through this handle since the last Sync.
func (a *Array) Sync() error {
	a.dirtyMu.Lock()
	names := make([]string, 0, len(a.dirty))
	for name := range a.dirty {
		names = append(names, name)
	}
	a.dirty = make(map[string]struct{})
	a.dirtyMu.Unlock()

	for _, name := range names {
		f, err := os.OpenFile(filepath.Join(a.dir, name), os.O_RDWR, 0)
		if err != nil {
			return err
		}
		err = f.Sync()
		cerr := f.Close()
		if err != nil {
			return err
		}
		if cerr != nil {
			return cerr
		}
	}
	if len(names) > 0 {
		return syncDir(a.dir)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

package distributed

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Siddhant-K-code/pairwise/pkg/dataset"
	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// Frame types.
const (
	FrameHello     = "HELLO"
	FrameAck       = "ACK"
	FrameBroadcast = "BROADCAST"
	FrameProgress  = "PROGRESS"
	FrameFlush     = "FLUSH"
	FrameFlushed   = "FLUSHED"
	FrameError     = "ERROR"
	FrameAbort     = "ABORT"
	FrameDone      = "DONE"
)

// Frame is the unit of the coordinator/worker protocol. On the wire it is a
// 4-byte big-endian length followed by the msgpack encoding of the frame.
type Frame struct {
	Type string             `msgpack:"type"`
	Body msgpack.RawMessage `msgpack:"body,omitempty"`
}

// Decode unmarshals the frame body into v.
func (f Frame) Decode(v any) error {
	if err := msgpack.Unmarshal(f.Body, v); err != nil {
		return fmt.Errorf("decode %s frame: %w", f.Type, err)
	}
	return nil
}

// Hello is sent by a worker right after connecting.
type Hello struct {
	Rank  int    `msgpack:"rank"`
	Token string `msgpack:"token"`
}

// Ack accepts a worker into the session.
type Ack struct {
	Session string `msgpack:"session"`
	World   int    `msgpack:"world"`
}

// Broadcast carries everything a rank needs to compute its tiles, so
// workers never fetch vectors themselves.
type Broadcast struct {
	Label     string        `msgpack:"label"`
	Path      string        `msgpack:"path"`
	Codec     dataset.Codec `msgpack:"codec"`
	Metric    types.Metric  `msgpack:"metric"`
	World     int           `msgpack:"world"`
	BatchSize int           `msgpack:"batch_size"`

	// Universe, packed.
	Keys    []types.Key `msgpack:"keys"`
	Valid   []types.Key `msgpack:"valid"`
	Offsets []int       `msgpack:"offsets"`
	Dim     int         `msgpack:"dim"`
	Matrix  []float32   `msgpack:"matrix"`
}

func newBroadcast(u *types.Universe) Broadcast {
	return Broadcast{
		Keys:    u.All,
		Valid:   u.Valid,
		Offsets: u.Offsets,
		Dim:     u.Dim,
		Matrix:  u.Data,
	}
}

// Universe rebuilds the broadcast universe.
func (b *Broadcast) Universe() (*types.Universe, error) {
	if len(b.Valid) != len(b.Offsets) || len(b.Matrix) != len(b.Valid)*b.Dim {
		return nil, fmt.Errorf("malformed broadcast: %d valid keys, %d offsets, %d values for dimension %d",
			len(b.Valid), len(b.Offsets), len(b.Matrix), b.Dim)
	}
	u := &types.Universe{
		All:     b.Keys,
		Valid:   b.Valid,
		Offsets: b.Offsets,
		Data:    b.Matrix,
		Dim:     b.Dim,
	}
	valid := make(map[types.Key]struct{}, len(b.Valid))
	for _, k := range b.Valid {
		valid[k] = struct{}{}
	}
	for _, k := range b.Keys {
		if _, ok := valid[k]; !ok {
			u.Nulls = append(u.Nulls, k)
		}
	}
	return u, nil
}

// Progress reports a rank's cumulative work.
type Progress struct {
	Rank  int   `msgpack:"rank"`
	Items int64 `msgpack:"items"`
	Pairs int64 `msgpack:"pairs"`
}

// Step names a flush barrier.
type Step struct {
	Step int `msgpack:"step"`
}

// ErrorReport carries a worker failure.
type ErrorReport struct {
	Rank    int    `msgpack:"rank"`
	Message string `msgpack:"message"`
}

// WriteFrame encodes body and writes it as one frame. body may be nil.
func WriteFrame(w io.Writer, typ string, body any) error {
	f := Frame{Type: typ}
	if body != nil {
		raw, err := msgpack.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s frame: %w", typ, err)
		}
		f.Body = raw
	}
	data, err := msgpack.Marshal(&f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", typ, err)
	}
	if len(data) > math.MaxUint32 {
		return fmt.Errorf("%s frame too large: %d bytes", typ, len(data))
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var f Frame

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return f, err
	}
	length := binary.BigEndian.Uint32(lenBuf)

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return f, err
	}

	if err := msgpack.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

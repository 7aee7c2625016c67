package distributed

import (
	"errors"
	"fmt"
	"strings"
)

// State is the coordinator lifecycle state.
type State int

const (
	StateIdle State = iota
	StateSpawning
	StateBroadcasting
	StateComputing
	StateFlushing
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpawning:
		return "spawning"
	case StateBroadcasting:
		return "broadcasting"
	case StateComputing:
		return "computing"
	case StateFlushing:
		return "flushing"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrAborted is returned by a worker told to stop by the coordinator.
	ErrAborted = errors.New("distributed: run aborted by coordinator")

	// ErrHandshake is returned when workers fail to join the session.
	ErrHandshake = errors.New("distributed: handshake failed")

	// ErrProtocol is returned on unexpected frames.
	ErrProtocol = errors.New("distributed: protocol error")
)

// RankError reports the failure of one rank. It fails the whole run.
type RankError struct {
	Rank int
	Err  error
}

func (e *RankError) Error() string {
	return fmt.Sprintf("rank %d failed: %v", e.Rank, e.Err)
}

func (e *RankError) Unwrap() error {
	return e.Err
}

// TeardownError collects problems met while disconnecting ranks. It is
// logged, never returned in place of the run's own result.
type TeardownError struct {
	Errs []error
}

func (e *TeardownError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return "distributed teardown: " + strings.Join(msgs, "; ")
}

func (e *TeardownError) Unwrap() []error {
	return e.Errs
}

package distributed

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
)

// WorkerSpec is what a launched rank needs to find its coordinator.
type WorkerSpec struct {
	Rank        int
	Coordinator string
	Token       string
}

// Launcher starts one rank.
type Launcher interface {
	Start(ctx context.Context, spec WorkerSpec) (Handle, error)
}

// Handle controls a started rank. Wait is called once.
type Handle interface {
	Wait() error
	Kill() error
}

// ExecLauncher runs every rank as a child process of Path, normally the
// running binary's hidden worker command.
type ExecLauncher struct {
	// Path defaults to the running executable.
	Path string

	// Args come before the coordinator flags, e.g. "worker".
	Args []string

	// Env is appended to the parent environment.
	Env []string

	Stdout io.Writer
	Stderr io.Writer
}

// Start launches one child process.
func (l *ExecLauncher) Start(_ context.Context, spec WorkerSpec) (Handle, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}

	args := append([]string{}, l.Args...)
	args = append(args,
		"--coordinator", spec.Coordinator,
		"--rank", strconv.Itoa(spec.Rank),
		"--token", spec.Token,
	)

	// The coordinator kills stragglers itself, so the child does not
	// follow ctx.
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start rank %d: %w", spec.Rank, err)
	}
	return &execHandle{cmd: cmd}, nil
}

type execHandle struct {
	cmd *exec.Cmd
}

func (h *execHandle) Wait() error {
	return h.cmd.Wait()
}

func (h *execHandle) Kill() error {
	return h.cmd.Process.Kill()
}

// InProcessLauncher runs every rank as a goroutine of the calling process.
// Ranks still talk to the coordinator over TCP.
type InProcessLauncher struct {
	// Config is copied for every rank; its connection fields are
	// overwritten.
	Config WorkerConfig
}

// Start runs RunWorker in a goroutine.
func (l *InProcessLauncher) Start(ctx context.Context, spec WorkerSpec) (Handle, error) {
	cfg := l.Config
	cfg.Coordinator = spec.Coordinator
	cfg.Rank = spec.Rank
	cfg.Token = spec.Token

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &goroutineHandle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.err = RunWorker(ctx, cfg)
	}()
	return h, nil
}

type goroutineHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (h *goroutineHandle) Wait() error {
	<-h.done
	h.cancel()
	return h.err
}

func (h *goroutineHandle) Kill() error {
	h.cancel()
	return nil
}
